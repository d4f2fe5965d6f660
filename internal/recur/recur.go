// Package recur expands a recurring event into its concrete occurrences,
// substituting stored exceptions for the instances they override.
package recur

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/tazhate/calsched/internal/calobj"
)

// DefaultMaxIterations caps searches over series that may be unbounded.
const DefaultMaxIterations = 1000

var ErrInvalidRule = errors.New("invalid recurrence rule")

// Occurrence is one concrete instance of a series.
type Occurrence struct {
	// Event is the master for expanded instances and the exception otherwise.
	Event        *calobj.Event
	Start        time.Time
	End          time.Time
	RecurrenceID time.Time
	AllDay       bool
	IsException  bool
}

// Key is the normalized recurrence-id of the occurrence.
func (o Occurrence) Key() string {
	return calobj.TimeKey(o.RecurrenceID, o.AllDay)
}

// Iterator lazily yields occurrences ordered by start. Expanded instances that
// have a stored exception are replaced by that exception.
type Iterator struct {
	master    *calobj.Event
	duration  time.Duration
	allDay    bool
	bounded   bool
	next      func() (time.Time, bool)
	done      bool
	peek      *Occurrence
	overrides map[string]bool
	pending   []Occurrence
}

// FromObject builds an iterator over every event of obj.
func FromObject(obj *calobj.Object) (*Iterator, error) {
	return FromObjectAt(obj, time.Time{})
}

// FromObjectAt is FromObject for callers that only need occurrences ending at
// or after from.
func FromObjectAt(obj *calobj.Object, from time.Time) (*Iterator, error) {
	master, err := obj.Master()
	if err != nil {
		return nil, err
	}
	return NewAt(master, obj.Exceptions(), from)
}

// New builds an iterator for master (which may be nil when only exceptions are
// stored). Exceptions with unreadable dates are left out.
func New(master *calobj.Event, exceptions []*calobj.Event) (*Iterator, error) {
	return NewAt(master, exceptions, time.Time{})
}

// NewAt builds an iterator that may leave out rule instances ending before
// from. DTSTART, RDATEs and exceptions are always yielded. A zero from keeps
// every instance.
func NewAt(master *calobj.Event, exceptions []*calobj.Event, from time.Time) (*Iterator, error) {
	it := &Iterator{
		master:    master,
		bounded:   true,
		overrides: make(map[string]bool),
	}

	for _, ex := range exceptions {
		occ, ok := ExceptionOccurrence(ex)
		if !ok {
			continue
		}
		it.overrides[occ.Key()] = true
		it.pending = append(it.pending, occ)
	}
	sort.SliceStable(it.pending, func(i, j int) bool {
		return it.pending[i].Start.Before(it.pending[j].Start)
	})

	if master == nil {
		it.done = true
		return it, nil
	}

	start, err := master.Start()
	if err != nil {
		return nil, err
	}
	end, err := master.End()
	if err != nil {
		return nil, err
	}
	it.duration = end.Sub(start)

	seek := time.Time{}
	if !from.IsZero() {
		seek = from.Add(-it.duration)
	}
	set, bounded, err := buildSet(master, seek)
	if err != nil {
		return nil, err
	}
	it.allDay = master.AllDay()
	it.bounded = bounded
	it.next = set.Iterator()
	return it, nil
}

// ExceptionOccurrence turns a stored exception into the occurrence it
// overrides. It reports false when the exception has no usable RECURRENCE-ID
// or start.
func ExceptionOccurrence(ex *calobj.Event) (Occurrence, bool) {
	rid, ok, err := ex.RecurrenceID()
	if !ok || err != nil {
		return Occurrence{}, false
	}
	start, err := ex.Start()
	if err != nil {
		return Occurrence{}, false
	}
	end, err := ex.End()
	if err != nil {
		end = start
	}
	return Occurrence{
		Event:        ex,
		Start:        start,
		End:          end,
		RecurrenceID: rid,
		AllDay:       len(ex.Key()) == len("20060102"),
		IsException:  true,
	}, true
}

func buildSet(master *calobj.Event, seek time.Time) (*rrule.Set, bool, error) {
	start, err := master.Start()
	if err != nil {
		return nil, false, err
	}

	// The rule carries its own DTSTART, which set.DTStart would overwrite.
	// DTSTART is always an instance, whether or not the rule matches it.
	set := &rrule.Set{}
	set.RDate(start)

	bounded := true
	if rule := master.RRule(); rule != "" {
		opt, err := rrule.StrToROptionInLocation(rule, start.Location())
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		opt.Dtstart = start
		if !seek.IsZero() && opt.Count == 0 {
			opt.Dtstart = fastForward(start, opt.Freq, opt.Interval, seek)
		}
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		set.RRule(r)
		bounded = opt.Count > 0 || !opt.Until.IsZero()
	}

	rdates, err := master.RDates()
	if err != nil {
		return nil, false, err
	}
	for _, t := range rdates {
		set.RDate(t)
	}

	exdates, err := master.ExDates()
	if err != nil {
		return nil, false, err
	}
	for _, t := range exdates {
		set.ExDate(t)
	}
	return set, bounded, nil
}

// fastForward moves a rule's DTSTART by whole periods so expansion begins
// shortly before seek. Shifting by whole periods keeps every later instance
// and the BYxxx defaults taken from DTSTART. Periods are counted on the wall
// clock, the way the rule expands. COUNT rules and monthly or yearly rules are
// left alone.
func fastForward(start time.Time, freq rrule.Frequency, interval int, seek time.Time) time.Time {
	if interval <= 0 {
		interval = 1
	}
	var unit time.Duration
	switch freq {
	case rrule.SECONDLY:
		unit = time.Second
	case rrule.MINUTELY:
		unit = time.Minute
	case rrule.HOURLY:
		unit = time.Hour
	case rrule.DAILY:
		unit = 24 * time.Hour
	case rrule.WEEKLY:
		unit = 7 * 24 * time.Hour
	default:
		return start
	}

	loc := start.Location()
	from, to := wallClock(start), wallClock(seek.In(loc))
	if !to.After(from) {
		return start
	}
	period := unit * time.Duration(interval)
	// Один период запаса перед seek.
	for periods := int64(to.Sub(from)/period) - 1; periods > 0; periods-- {
		shifted := from.Add(time.Duration(periods) * period)
		t := time.Date(shifted.Year(), shifted.Month(), shifted.Day(),
			shifted.Hour(), shifted.Minute(), shifted.Second(), shifted.Nanosecond(), loc)
		// Время, которого нет из-за перевода часов, сбило бы сетку правила.
		if wallClock(t).Equal(shifted) {
			return t
		}
	}
	return start
}

// wallClock drops the zone, keeping the local date and time.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// Bounded reports whether the series has a finite number of instances.
func (it *Iterator) Bounded() bool {
	return it.bounded
}

// IsException reports whether a stored exception overrides the instance
// identified by key.
func (it *Iterator) IsException(key string) bool {
	return it.overrides[key]
}

// Next returns the next occurrence, or false once the series is exhausted.
func (it *Iterator) Next() (Occurrence, bool) {
	nat := it.peekNatural()
	if len(it.pending) > 0 && (nat == nil || !nat.Start.Before(it.pending[0].Start)) {
		occ := it.pending[0]
		it.pending = it.pending[1:]
		return occ, true
	}
	if nat == nil {
		return Occurrence{}, false
	}
	it.peek = nil
	return *nat, true
}

func (it *Iterator) peekNatural() *Occurrence {
	for it.peek == nil && !it.done {
		t, ok := it.next()
		if !ok {
			it.done = true
			break
		}
		if it.overrides[calobj.TimeKey(t, it.allDay)] {
			continue
		}
		it.peek = &Occurrence{
			Event:        it.master,
			Start:        t,
			End:          t.Add(it.duration),
			RecurrenceID: t,
			AllDay:       it.allDay,
		}
	}
	return it.peek
}

// Find advances it to the first occurrence whose recurrence-id is strictly
// after `after` and that satisfies match. At most maxSteps candidates past
// `after` are examined; exhausting the budget or the series returns false.
func Find(it *Iterator, after time.Time, match func(Occurrence) bool, maxSteps int) (Occurrence, bool) {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxIterations
	}
	steps := 0
	for {
		occ, ok := it.Next()
		if !ok {
			return Occurrence{}, false
		}
		if !occ.RecurrenceID.After(after) {
			continue
		}
		if match(occ) {
			return occ, true
		}
		steps++
		if steps >= maxSteps {
			return Occurrence{}, false
		}
	}
}

// FindKey looks up the occurrence with the given recurrence-id key.
func FindKey(it *Iterator, key string, maxSteps int) (Occurrence, bool) {
	return Find(it, time.Time{}, func(o Occurrence) bool {
		return o.Key() == key
	}, maxSteps)
}
