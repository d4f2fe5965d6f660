package calobj

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

const (
	StatusConfirmed = "CONFIRMED"
	StatusTentative = "TENTATIVE"
	StatusCancelled = "CANCELLED"

	PartStatNeedsAction = "NEEDS-ACTION"
	PartStatAccepted    = "ACCEPTED"
	PartStatDeclined    = "DECLINED"
	PartStatTentative   = "TENTATIVE"

	// MasterKey identifies the master instance in per-instance maps.
	MasterKey = "master"
)

// Parameter names not covered by go-ical constants.
const (
	ParamCN             = "CN"
	ParamPartStat       = "PARTSTAT"
	ParamRSVP           = "RSVP"
	ParamRole           = "ROLE"
	ParamRelated        = "RELATED"
	ParamTZID           = "TZID"
	ParamValue          = "VALUE"
	ParamScheduleAgent  = "SCHEDULE-AGENT"
	ParamScheduleStatus = "SCHEDULE-STATUS"
	ParamForceSend      = "SCHEDULE-FORCE-SEND"
)

const (
	dateLayout        = "20060102"
	dateTimeLayout    = "20060102T150405"
	dateTimeLayoutUTC = "20060102T150405Z"
)

// Event wraps one VEVENT: the master of a series or one of its exceptions.
type Event struct {
	*ical.Component
	loc *time.Location
}

// NewEvent returns an empty VEVENT resolving floating times in loc.
func NewEvent(loc *time.Location) *Event {
	if loc == nil {
		loc = time.UTC
	}
	return &Event{Component: ical.NewComponent(ical.CompEvent), loc: loc}
}

func (e *Event) UID() string {
	return e.text(ical.PropUID)
}

func (e *Event) Summary() string {
	return e.text(ical.PropSummary)
}

func (e *Event) Description() string {
	return e.text(ical.PropDescription)
}

func (e *Event) Location() string {
	return e.text(ical.PropLocation)
}

func (e *Event) text(name string) string {
	if p := e.Props.Get(name); p != nil {
		if v, err := p.Text(); err == nil {
			return v
		}
		return p.Value
	}
	return ""
}

// IsMaster reports whether the event has no RECURRENCE-ID.
func (e *Event) IsMaster() bool {
	return e.Props.Get(ical.PropRecurrenceID) == nil
}

func (e *Event) Start() (time.Time, error) {
	p := e.Props.Get(ical.PropDateTimeStart)
	if p == nil {
		return time.Time{}, ErrMissingStart
	}
	return parseTime(p, e.loc)
}

// AllDay reports whether DTSTART is a DATE value.
func (e *Event) AllDay() bool {
	p := e.Props.Get(ical.PropDateTimeStart)
	return p != nil && isDateValue(p)
}

// End resolves DTEND, falling back to DTSTART+DURATION, then to one day for
// all-day events and to DTSTART otherwise.
func (e *Event) End() (time.Time, error) {
	start, err := e.Start()
	if err != nil {
		return time.Time{}, err
	}
	if p := e.Props.Get(ical.PropDateTimeEnd); p != nil {
		return parseTime(p, e.loc)
	}
	if p := e.Props.Get(ical.PropDuration); p != nil {
		d, err := ParseDuration(p.Value)
		if err != nil {
			return time.Time{}, err
		}
		return start.Add(d), nil
	}
	if e.AllDay() {
		return start.AddDate(0, 0, 1), nil
	}
	return start, nil
}

// RecurrenceID returns the original start this exception overrides.
func (e *Event) RecurrenceID() (time.Time, bool, error) {
	p := e.Props.Get(ical.PropRecurrenceID)
	if p == nil {
		return time.Time{}, false, nil
	}
	t, err := parseTime(p, e.loc)
	if err != nil {
		return time.Time{}, true, err
	}
	return t, true, nil
}

// Key identifies the instance within its series: MasterKey for the master,
// otherwise the normalized RECURRENCE-ID.
func (e *Event) Key() string {
	p := e.Props.Get(ical.PropRecurrenceID)
	if p == nil {
		return MasterKey
	}
	t, err := parseTime(p, e.loc)
	if err != nil {
		return p.Value
	}
	return TimeKey(t, isDateValue(p))
}

// Status defaults to CONFIRMED.
func (e *Event) Status() string {
	if p := e.Props.Get(ical.PropStatus); p != nil && p.Value != "" {
		return upper(p.Value)
	}
	return StatusConfirmed
}

func (e *Event) SetStatus(status string) {
	e.Props.SetText(ical.PropStatus, status)
}

func (e *Event) Sequence() int {
	if p := e.Props.Get(ical.PropSequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			return n
		}
	}
	return 0
}

func (e *Event) SetSequence(n int) {
	e.Props.SetText(ical.PropSequence, strconv.Itoa(n))
}

// RRule returns the raw RRULE value, "" when the event does not recur by rule.
func (e *Event) RRule() string {
	if p := e.Props.Get(ical.PropRecurrenceRule); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

func (e *Event) ExDates() ([]time.Time, error) {
	return e.dateList(ical.PropExceptionDates)
}

func (e *Event) RDates() ([]time.Time, error) {
	return e.dateList(ical.PropRecurrenceDates)
}

// ExDateKeys returns the normalized, sorted EXDATE keys.
func (e *Event) ExDateKeys() []string {
	return e.DateKeys(ical.PropExceptionDates)
}

// DateKeys returns the normalized, sorted keys of a multi-valued date
// property such as EXDATE or RDATE.
func (e *Event) DateKeys(name string) []string {
	var keys []string
	for _, p := range e.Props[name] {
		allDay := isDateValue(&p)
		for _, part := range splitList(p.Value) {
			if i := strings.IndexByte(part, '/'); i >= 0 {
				part = part[:i]
			}
			t, err := parseTime(&ical.Prop{Name: ical.PropDateTimeStart, Params: p.Params, Value: part}, e.loc)
			if err != nil {
				keys = append(keys, part)
				continue
			}
			keys = append(keys, TimeKey(t, allDay || len(part) == len(dateLayout)))
		}
	}
	sort.Strings(keys)
	return keys
}

// PropKey normalizes a single-valued date property; "" when absent.
func (e *Event) PropKey(name string) string {
	p := e.Props.Get(name)
	if p == nil {
		return ""
	}
	t, err := parseTime(p, e.loc)
	if err != nil {
		return p.Value
	}
	return TimeKey(t, isDateValue(p))
}

// Loc is the zone floating times resolve in.
func (e *Event) Loc() *time.Location {
	return e.loc
}

func (e *Event) dateList(name string) ([]time.Time, error) {
	var out []time.Time
	for _, p := range e.Props[name] {
		for _, part := range splitList(p.Value) {
			// RDATE may carry PERIOD values; only the start matters here.
			if i := strings.IndexByte(part, '/'); i >= 0 {
				part = part[:i]
			}
			t, err := parseTime(&ical.Prop{Name: ical.PropDateTimeStart, Params: p.Params, Value: part}, e.loc)
			if err != nil {
				return nil, fmt.Errorf("%s %q: %w", name, part, err)
			}
			out = append(out, t)
		}
	}
	return out, nil
}

// AddExDates appends one EXDATE property holding keys, which must be
// TimeKey-formatted.
func (e *Event) AddExDates(keys ...string) {
	if len(keys) == 0 {
		return
	}
	p := ical.NewProp(ical.PropExceptionDates)
	p.Value = strings.Join(keys, ",")
	if len(keys[0]) == len(dateLayout) {
		p.Params.Set(ParamValue, string(ical.ValueDate))
	}
	e.Props.Add(p)
}

// ClearRecurrence removes RRULE, RDATE and EXDATE.
func (e *Event) ClearRecurrence() {
	delete(e.Props, ical.PropRecurrenceRule)
	delete(e.Props, ical.PropRecurrenceDates)
	delete(e.Props, ical.PropExceptionDates)
}

// SetTime writes a DTSTART/DTEND/RECURRENCE-ID style property, as a DATE for
// all-day values and in UTC otherwise.
func (e *Event) SetTime(name string, t time.Time, allDay bool) {
	if allDay {
		e.Props.SetDate(name, t)
		return
	}
	e.Props.SetDateTime(name, t.UTC())
}

// CopyProp copies every instance of a property from src.
func (e *Event) CopyProp(src *Event, name string) {
	props, ok := src.Props[name]
	if !ok {
		return
	}
	cp := make([]ical.Prop, len(props))
	for i, p := range props {
		cp[i] = ical.Prop{Name: p.Name, Value: p.Value, Params: cloneParams(p.Params)}
	}
	e.Props[name] = cp
}

// Clone deep-copies the event.
func (e *Event) Clone() *Event {
	return &Event{Component: CloneComponent(e.Component), loc: e.loc}
}

// Alarms parses the VALARM children. Malformed alarms are skipped and
// reported through the joined error; the valid ones are still returned.
func (e *Event) Alarms() ([]*Alarm, error) {
	var (
		alarms []*Alarm
		errs   []error
	)
	for _, c := range e.Children {
		if c.Name != ical.CompAlarm {
			continue
		}
		a, err := parseAlarm(c, e.loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		alarms = append(alarms, a)
	}
	return alarms, errors.Join(errs...)
}

// TimeKey normalizes an instant to the form used for recurrence-id keys.
func TimeKey(t time.Time, allDay bool) string {
	if allDay {
		return t.Format(dateLayout)
	}
	return t.UTC().Format(dateTimeLayoutUTC)
}

// ParseKey reverses TimeKey.
func ParseKey(key string, loc *time.Location) (time.Time, bool, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch len(key) {
	case len(dateLayout):
		t, err := time.ParseInLocation(dateLayout, key, loc)
		return t, true, err
	case len(dateTimeLayoutUTC):
		t, err := time.Parse(dateTimeLayoutUTC, key)
		return t, false, err
	default:
		t, err := time.ParseInLocation(dateTimeLayout, key, loc)
		return t, false, err
	}
}

func parseTime(p *ical.Prop, loc *time.Location) (time.Time, error) {
	t, err := p.DateTime(loc)
	if err == nil {
		return t, nil
	}
	// Unknown TZID names and bare dates without VALUE=DATE.
	v := strings.TrimSpace(p.Value)
	switch {
	case len(v) == len(dateLayout):
		return time.ParseInLocation(dateLayout, v, loc)
	case strings.HasSuffix(v, "Z"):
		return time.Parse(dateTimeLayoutUTC, v)
	}
	if t, ferr := time.ParseInLocation(dateTimeLayout, v, loc); ferr == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("parse %s: %w", p.Name, err)
}

func isDateValue(p *ical.Prop) bool {
	if strings.EqualFold(p.Params.Get(ParamValue), string(ical.ValueDate)) {
		return true
	}
	return len(strings.TrimSpace(p.Value)) == len(dateLayout)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
