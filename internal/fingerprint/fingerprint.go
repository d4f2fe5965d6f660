// Package fingerprint computes stable digests of the scheduling-relevant
// parts of events and alarms.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-ical"

	"github.com/tazhate/calsched/internal/calobj"
)

// Event digests start, end-or-duration, recurrence-id, rule and the
// exception/recurrence date lists. Other properties never contribute.
func Event(ev *calobj.Event) string {
	h := newHasher()

	h.field("DTSTART", ev.PropKey(ical.PropDateTimeStart))
	switch {
	case ev.Props.Get(ical.PropDateTimeEnd) != nil:
		h.field("DTEND", ev.PropKey(ical.PropDateTimeEnd))
	case ev.Props.Get(ical.PropDuration) != nil:
		h.field("DURATION", durationProp(ev))
	}
	if !ev.IsMaster() {
		h.field("RECURRENCE-ID", ev.Key())
	}
	h.field("RRULE", NormalizeRule(ev.RRule()))
	h.field("EXDATE", strings.Join(ev.ExDateKeys(), ","))
	h.field("RDATE", strings.Join(ev.DateKeys(ical.PropRecurrenceDates), ","))
	return h.sum()
}

// Alarm digests action, trigger, repeat interval and repeat count.
func Alarm(a *calobj.Alarm) string {
	h := newHasher()
	h.field("ACTION", a.Action)
	h.field("TRIGGER", a.Trigger.String())
	h.field("DURATION", calobj.FormatDuration(a.RepeatInterval))
	h.field("REPEAT", strconv.Itoa(a.Repeat))
	return h.sum()
}

// Significant digests the properties whose change warrants notifying
// attendees: timing, recurrence and status, across every event of obj.
func Significant(obj *calobj.Object) string {
	events := obj.Events()
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Key() < events[j].Key()
	})

	h := newHasher()
	for _, ev := range events {
		h.field("INSTANCE", ev.Key())
		if ev.Props.Get(ical.PropDateTimeStart) != nil {
			h.field("DTSTART", ev.PropKey(ical.PropDateTimeStart))
		}
		if ev.Props.Get(ical.PropDateTimeEnd) != nil {
			h.field("DTEND", ev.PropKey(ical.PropDateTimeEnd))
		}
		if ev.Props.Get(ical.PropDuration) != nil {
			h.field("DURATION", durationProp(ev))
		}
		if rule := ev.RRule(); rule != "" {
			h.field("RRULE", NormalizeRule(rule))
		}
		if keys := ev.DateKeys(ical.PropRecurrenceDates); len(keys) > 0 {
			h.field("RDATE", strings.Join(keys, ","))
		}
		if keys := ev.ExDateKeys(); len(keys) > 0 {
			h.field("EXDATE", strings.Join(keys, ","))
		}
		if ev.Props.Get(ical.PropStatus) != nil {
			h.field("STATUS", ev.Status())
		}
	}
	return h.sum()
}

// NormalizeRule upper-cases an RRULE, sorts its parts and drops INTERVAL=1.
func NormalizeRule(rule string) string {
	if rule == "" {
		return ""
	}
	var parts []string
	for _, part := range strings.Split(strings.ToUpper(rule), ";") {
		part = strings.TrimSpace(part)
		if part == "" || part == "INTERVAL=1" {
			continue
		}
		parts = append(parts, part)
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

func durationProp(ev *calobj.Event) string {
	p := ev.Props.Get(ical.PropDuration)
	d, err := calobj.ParseDuration(p.Value)
	if err != nil {
		return p.Value
	}
	return calobj.FormatDuration(d)
}

type hasher struct {
	b strings.Builder
}

func newHasher() *hasher {
	return &hasher{}
}

func (h *hasher) field(name, value string) {
	h.b.WriteString(name)
	h.b.WriteByte(':')
	h.b.WriteString(value)
	h.b.WriteByte('\n')
}

func (h *hasher) sum() string {
	s := sha256.Sum256([]byte(h.b.String()))
	return hex.EncodeToString(s[:])
}
