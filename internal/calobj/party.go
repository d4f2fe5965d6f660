package calobj

import (
	"strings"

	"github.com/emersion/go-ical"
)

// Party is an ORGANIZER or ATTENDEE with its scheduling parameters.
type Party struct {
	Address        string
	Name           string
	PartStat       string
	Role           string
	RSVP           bool
	ScheduleAgent  string
	ForceSend      string
	ScheduleStatus string
}

// NormalizeAddress lower-cases a calendar user address so mailto:Bob@X and
// MAILTO:bob@x compare equal.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// MailAddress strips the mailto: scheme.
func MailAddress(addr string) string {
	a := strings.TrimSpace(addr)
	if len(a) >= 7 && strings.EqualFold(a[:7], "mailto:") {
		return a[7:]
	}
	return a
}

func partyFromProp(p *ical.Prop) Party {
	party := Party{
		Address:        NormalizeAddress(p.Value),
		Name:           p.Params.Get(ParamCN),
		PartStat:       upper(p.Params.Get(ParamPartStat)),
		Role:           upper(p.Params.Get(ParamRole)),
		RSVP:           strings.EqualFold(p.Params.Get(ParamRSVP), "TRUE"),
		ScheduleAgent:  upper(p.Params.Get(ParamScheduleAgent)),
		ForceSend:      upper(p.Params.Get(ParamForceSend)),
		ScheduleStatus: p.Params.Get(ParamScheduleStatus),
	}
	if party.ScheduleAgent == "" {
		party.ScheduleAgent = "SERVER"
	}
	return party
}

// Organizer returns nil when the event has no ORGANIZER.
func (e *Event) Organizer() *Party {
	p := e.Props.Get(ical.PropOrganizer)
	if p == nil {
		return nil
	}
	party := partyFromProp(p)
	return &party
}

// Attendees returns every ATTENDEE; PARTSTAT defaults to NEEDS-ACTION.
func (e *Event) Attendees() []Party {
	var out []Party
	for i := range e.Props[ical.PropAttendee] {
		party := partyFromProp(&e.Props[ical.PropAttendee][i])
		if party.PartStat == "" {
			party.PartStat = PartStatNeedsAction
		}
		out = append(out, party)
	}
	return out
}

// SetOrganizer replaces the ORGANIZER property.
func (e *Event) SetOrganizer(addr, name string) {
	p := ical.NewProp(ical.PropOrganizer)
	p.Value = addr
	if name != "" {
		p.Params.Set(ParamCN, name)
	}
	e.Props.Set(p)
}

// AddAttendee appends an ATTENDEE. Empty partstat omits the parameter.
func (e *Event) AddAttendee(addr, name, partstat string) {
	p := ical.NewProp(ical.PropAttendee)
	p.Value = addr
	if name != "" {
		p.Params.Set(ParamCN, name)
	}
	if partstat != "" {
		p.Params.Set(ParamPartStat, partstat)
	}
	e.Props.Add(p)
}

// UpdateAttendee applies fn to the ATTENDEE matching addr and reports whether
// one was found.
func (e *Event) UpdateAttendee(addr string, fn func(params ical.Params)) bool {
	want := NormalizeAddress(addr)
	props := e.Props[ical.PropAttendee]
	for i := range props {
		if NormalizeAddress(props[i].Value) != want {
			continue
		}
		if props[i].Params == nil {
			props[i].Params = make(ical.Params)
		}
		fn(props[i].Params)
		return true
	}
	return false
}

// RemoveAttendees drops every ATTENDEE.
func (e *Event) RemoveAttendees() {
	delete(e.Props, ical.PropAttendee)
}

// StripSchedulingParams removes SCHEDULE-STATUS and SCHEDULE-FORCE-SEND from
// the organizer and all attendees and defaults attendee PARTSTAT to
// NEEDS-ACTION.
func (e *Event) StripSchedulingParams() {
	for i := range e.Props[ical.PropOrganizer] {
		params := e.Props[ical.PropOrganizer][i].Params
		delete(params, ParamForceSend)
		delete(params, ParamScheduleStatus)
	}
	for i := range e.Props[ical.PropAttendee] {
		p := &e.Props[ical.PropAttendee][i]
		if p.Params == nil {
			p.Params = make(ical.Params)
		}
		delete(p.Params, ParamForceSend)
		delete(p.Params, ParamScheduleStatus)
		if p.Params.Get(ParamPartStat) == "" {
			p.Params.Set(ParamPartStat, PartStatNeedsAction)
		}
	}
}
