// Package calobj adapts go-ical calendars to the scheduling engine: it exposes
// events, alarms and recurrence metadata as typed values and writes the few
// properties the engine changes.
package calobj

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-ical"
)

const ProductID = "-//calsched//Scheduling Engine//EN"

// Object is one calendar resource: a VCALENDAR holding the events of a single
// series plus any VTIMEZONE definitions.
type Object struct {
	Cal *ical.Calendar
	loc *time.Location
}

// New returns an empty calendar with PRODID and VERSION set.
func New() *Object {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)
	return &Object{Cal: cal, loc: time.UTC}
}

// Wrap adopts an already decoded calendar (e.g. one returned by a CalDAV query).
func Wrap(cal *ical.Calendar, loc *time.Location) *Object {
	if loc == nil {
		loc = time.UTC
	}
	return &Object{Cal: cal, loc: loc}
}

// Parse decodes data, resolving floating times in UTC.
func Parse(data []byte) (*Object, error) {
	return ParseIn(data, time.UTC)
}

// ParseIn decodes data, resolving floating times in loc.
func ParseIn(data []byte, loc *time.Location) (*Object, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("decode calendar: %w", err)
	}
	return Wrap(cal, loc), nil
}

// Encode serializes the object. PRODID, VERSION and per-event DTSTAMP are
// filled in when missing.
func (o *Object) Encode() ([]byte, error) {
	if o.Cal.Props.Get(ical.PropVersion) == nil {
		o.Cal.Props.SetText(ical.PropVersion, "2.0")
	}
	if o.Cal.Props.Get(ical.PropProductID) == nil {
		o.Cal.Props.SetText(ical.PropProductID, ProductID)
	}
	for _, ev := range o.Events() {
		if ev.Props.Get(ical.PropDateTimeStamp) == nil {
			ev.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
		}
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(o.Cal); err != nil {
		return nil, fmt.Errorf("encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// Loc is the zone floating times resolve in.
func (o *Object) Loc() *time.Location {
	return o.loc
}

func (o *Object) Method() string {
	if p := o.Cal.Props.Get(ical.PropMethod); p != nil {
		return upper(p.Value)
	}
	return ""
}

func (o *Object) SetMethod(method string) {
	if method == "" {
		delete(o.Cal.Props, ical.PropMethod)
		return
	}
	o.Cal.Props.SetText(ical.PropMethod, method)
}

// Events returns every VEVENT in document order.
func (o *Object) Events() []*Event {
	var events []*Event
	for _, c := range o.Cal.Children {
		if c.Name == ical.CompEvent {
			events = append(events, &Event{Component: c, loc: o.loc})
		}
	}
	return events
}

// HasEvents reports whether the object carries at least one VEVENT. Objects
// holding only todos or journals are ignored by the engine.
func (o *Object) HasEvents() bool {
	for _, c := range o.Cal.Children {
		if c.Name == ical.CompEvent {
			return true
		}
	}
	return false
}

func (o *Object) Timezones() []*ical.Component {
	var tzs []*ical.Component
	for _, c := range o.Cal.Children {
		if c.Name == ical.CompTimezone {
			tzs = append(tzs, c)
		}
	}
	return tzs
}

// UID of the first event, or "" when there are none.
func (o *Object) UID() string {
	for _, ev := range o.Events() {
		return ev.UID()
	}
	return ""
}

// Master returns the event without RECURRENCE-ID, or nil if the object only
// stores exceptions.
func (o *Object) Master() (*Event, error) {
	var master *Event
	for _, ev := range o.Events() {
		if !ev.IsMaster() {
			continue
		}
		if master != nil {
			return nil, ErrMultipleMasters
		}
		master = ev
	}
	return master, nil
}

// Exceptions returns the events carrying a RECURRENCE-ID.
func (o *Object) Exceptions() []*Event {
	var out []*Event
	for _, ev := range o.Events() {
		if !ev.IsMaster() {
			out = append(out, ev)
		}
	}
	return out
}

// Validate checks the structural rules every scheduling object must meet.
func (o *Object) Validate() error {
	events := o.Events()
	if len(events) == 0 {
		return ErrNoEvents
	}
	uid := events[0].UID()
	masters := 0
	for _, ev := range events {
		if ev.UID() != uid {
			return ErrMixedUIDs
		}
		if ev.Props.Get(ical.PropDateTimeStart) == nil {
			return fmt.Errorf("event %s: %w", ev.Key(), ErrMissingStart)
		}
		if ev.IsMaster() {
			masters++
		}
	}
	if masters > 1 {
		return ErrMultipleMasters
	}
	return nil
}

// AddEvent appends ev to the calendar.
func (o *Object) AddEvent(ev *Event) {
	o.Cal.Children = append(o.Cal.Children, ev.Component)
}

// AddComponent appends a raw component (timezones).
func (o *Object) AddComponent(c *ical.Component) {
	o.Cal.Children = append(o.Cal.Children, c)
}

// ReplaceComponents drops every child component and copies in the children of src.
func (o *Object) ReplaceComponents(src *Object) {
	o.Cal.Children = nil
	for _, c := range src.Cal.Children {
		o.Cal.Children = append(o.Cal.Children, CloneComponent(c))
	}
}

// Clone returns a deep copy.
func (o *Object) Clone() *Object {
	cal := ical.NewCalendar()
	cal.Component = CloneComponent(o.Cal.Component)
	return &Object{Cal: cal, loc: o.loc}
}

// CloneComponent deep-copies a component, its properties and its children.
func CloneComponent(c *ical.Component) *ical.Component {
	out := ical.NewComponent(c.Name)
	for name, props := range c.Props {
		cp := make([]ical.Prop, len(props))
		for i, p := range props {
			cp[i] = ical.Prop{Name: p.Name, Value: p.Value, Params: cloneParams(p.Params)}
		}
		out.Props[name] = cp
	}
	for _, child := range c.Children {
		out.Children = append(out.Children, CloneComponent(child))
	}
	return out
}

func cloneParams(params ical.Params) ical.Params {
	if params == nil {
		return make(ical.Params)
	}
	out := make(ical.Params, len(params))
	for k, v := range params {
		out[k] = append([]string(nil), v...)
	}
	return out
}
