package calobj

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

const (
	ActionEmail   = "EMAIL"
	ActionDisplay = "DISPLAY"
	ActionAudio   = "AUDIO"

	RelatedStart = "START"
	RelatedEnd   = "END"
)

// Trigger is either an absolute instant or an offset from the event start or end.
type Trigger struct {
	Absolute time.Time
	Offset   time.Duration
	Related  string
}

// IsRelative reports whether the trigger is an offset.
func (t Trigger) IsRelative() bool {
	return t.Absolute.IsZero()
}

// String is the canonical form used for fingerprints.
func (t Trigger) String() string {
	if !t.IsRelative() {
		return "ABS:" + t.Absolute.UTC().Format(dateTimeLayoutUTC)
	}
	return "REL:" + t.Related + ":" + FormatDuration(t.Offset)
}

// Alarm is a parsed VALARM.
type Alarm struct {
	Action         string
	Trigger        Trigger
	Repeat         int
	RepeatInterval time.Duration
}

// At returns the effective trigger instant for an occurrence spanning start..end.
func (a *Alarm) At(start, end time.Time) time.Time {
	if !a.Trigger.IsRelative() {
		return a.Trigger.Absolute
	}
	if a.Trigger.Related == RelatedEnd {
		return end.Add(a.Trigger.Offset)
	}
	return start.Add(a.Trigger.Offset)
}

// RepeatSteps returns the extra trigger instants produced by REPEAT, each
// RepeatInterval after the previous one.
func (a *Alarm) RepeatSteps(base time.Time) []time.Time {
	if a.Repeat <= 0 || a.RepeatInterval <= 0 {
		return nil
	}
	steps := make([]time.Time, 0, a.Repeat)
	at := base
	for i := 0; i < a.Repeat; i++ {
		at = at.Add(a.RepeatInterval)
		steps = append(steps, at)
	}
	return steps
}

func parseAlarm(c *ical.Component, loc *time.Location) (*Alarm, error) {
	a := &Alarm{}
	if p := c.Props.Get(ical.PropAction); p != nil {
		a.Action = upper(p.Value)
	}

	p := c.Props.Get(ical.PropTrigger)
	if p == nil {
		return nil, fmt.Errorf("%w: missing TRIGGER", ErrBadTrigger)
	}
	trig, err := parseTrigger(p, loc)
	if err != nil {
		return nil, err
	}
	a.Trigger = trig

	if p := c.Props.Get(ical.PropRepeat); p != nil {
		n, err := strconv.Atoi(strings.TrimSpace(p.Value))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: REPEAT %q", ErrBadTrigger, p.Value)
		}
		a.Repeat = n
	}
	if p := c.Props.Get(ical.PropDuration); p != nil {
		d, err := ParseDuration(p.Value)
		if err != nil {
			return nil, fmt.Errorf("alarm DURATION: %w", err)
		}
		a.RepeatInterval = d
	}
	if a.Repeat > 0 && a.RepeatInterval <= 0 {
		return nil, fmt.Errorf("%w: REPEAT without DURATION", ErrBadTrigger)
	}
	return a, nil
}

func parseTrigger(p *ical.Prop, loc *time.Location) (Trigger, error) {
	value := strings.TrimSpace(p.Value)
	isDateTime := strings.EqualFold(p.Params.Get(ParamValue), string(ical.ValueDateTime)) ||
		(value != "" && !strings.ContainsAny(value[:1], "+-Pp"))
	if isDateTime {
		t, err := parseTime(&ical.Prop{Name: ical.PropDateTimeStart, Params: p.Params, Value: value}, loc)
		if err != nil {
			return Trigger{}, fmt.Errorf("%w: %v", ErrBadTrigger, err)
		}
		return Trigger{Absolute: t}, nil
	}

	d, err := ParseDuration(value)
	if err != nil {
		return Trigger{}, fmt.Errorf("%w: %v", ErrBadTrigger, err)
	}
	related := upper(p.Params.Get(ParamRelated))
	if related != RelatedEnd {
		related = RelatedStart
	}
	return Trigger{Offset: d, Related: related}, nil
}

// NewAlarm builds a VALARM component; used when composing objects in code.
func NewAlarm(action string, trigger Trigger, repeat int, interval time.Duration) *ical.Component {
	c := ical.NewComponent(ical.CompAlarm)
	c.Props.SetText(ical.PropAction, action)

	p := ical.NewProp(ical.PropTrigger)
	if trigger.IsRelative() {
		p.Value = FormatDuration(trigger.Offset)
		if trigger.Related == RelatedEnd {
			p.Params.Set(ParamRelated, RelatedEnd)
		}
	} else {
		p.Value = trigger.Absolute.UTC().Format(dateTimeLayoutUTC)
		p.Params.Set(ParamValue, string(ical.ValueDateTime))
	}
	c.Props.Set(p)

	if repeat > 0 {
		c.Props.SetText(ical.PropRepeat, strconv.Itoa(repeat))
		dp := ical.NewProp(ical.PropDuration)
		dp.Value = FormatDuration(interval)
		c.Props.Set(dp)
	}
	return c
}
