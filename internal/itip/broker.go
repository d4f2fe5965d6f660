package itip

import (
	"time"

	"github.com/emersion/go-ical"

	"github.com/tazhate/calsched/internal/calobj"
)

var now = time.Now

// ComputeMessages returns the scheduling messages that follow from a change
// of a calendar object from old to new, as made by the user owning the actor
// addresses. Either version may be nil for a create or a delete. Messages
// addressed to anyone in ignore are dropped.
func ComputeMessages(old, new *calobj.Object, actor []string, ignore []string) ([]*Message, error) {
	actors := addressSet(actor)

	oldInfo := emptyInfo()
	if old != nil {
		if !old.HasEvents() {
			return nil, nil
		}
		info, err := parseInfo(old)
		if err != nil {
			return nil, err
		}
		oldInfo = info
	}

	var (
		info *eventInfo
		base *calobj.Object
	)
	if new != nil {
		if !new.HasEvents() {
			return nil, nil
		}
		parsed, err := parseInfo(new)
		if err != nil {
			return nil, err
		}
		if len(parsed.attendees) == 0 && len(oldInfo.attendees) == 0 {
			return nil, nil
		}
		if parsed.organizer == "" && oldInfo.organizer == "" {
			return nil, nil
		}
		// The organizer turned the event into a non-scheduling object.
		if parsed.organizer == "" {
			parsed.organizer = oldInfo.organizer
			parsed.organizerName = oldInfo.organizerName
		}
		info, base = parsed, new
	} else {
		if old == nil {
			return nil, nil
		}
		info, base = oldInfo.clone(), old
		if actors[info.organizer] {
			info.attendees = make(map[string]*attendeeInfo)
			info.order = nil
			info.sequence++
		} else {
			for _, href := range info.order {
				if actors[href] {
					info.attendees[href].instances = map[string]string{calobj.MasterKey: calobj.PartStatDeclined}
				}
			}
		}
	}

	var msgs []*Message
	switch {
	case info.organizer != "" && actors[info.organizer]:
		msgs = forOrganizer(base, info, oldInfo)
	case old != nil:
		// Only updates produce replies; a freshly created copy does not.
		for _, href := range info.order {
			if actors[href] {
				msgs = forAttendee(base, info, oldInfo, href)
				break
			}
		}
	}

	if len(ignore) == 0 {
		return msgs, nil
	}
	skip := addressSet(ignore)
	out := msgs[:0]
	for _, m := range msgs {
		if !skip[m.Recipient] {
			out = append(out, m)
		}
	}
	return out, nil
}

type mergedAttendee struct {
	href         string
	name         string
	forceSend    string
	oldInstances map[string]string
	newInstances map[string]string
}

func forOrganizer(base *calobj.Object, info, oldInfo *eventInfo) []*Message {
	var (
		merged = make(map[string]*mergedAttendee)
		order  []string
	)
	for _, href := range oldInfo.order {
		a := oldInfo.attendees[href]
		merged[href] = &mergedAttendee{href: href, name: a.name, oldInstances: a.instances, newInstances: map[string]string{}}
		order = append(order, href)
	}
	for _, href := range info.order {
		a := info.attendees[href]
		if m, ok := merged[href]; ok {
			m.name = a.name
			m.newInstances = a.instances
			m.forceSend = a.forceSend
			continue
		}
		merged[href] = &mergedAttendee{href: href, name: a.name, forceSend: a.forceSend, oldInstances: map[string]string{}, newInstances: a.instances}
		order = append(order, href)
	}

	first := base.Events()[0]
	var msgs []*Message
	for _, href := range order {
		att := merged[href]
		if att.href == info.organizer {
			continue
		}

		msg := &Message{
			UID:           info.uid,
			Component:     componentEvent,
			Sequence:      info.sequence,
			Sender:        info.organizer,
			SenderName:    info.organizerName,
			Recipient:     att.href,
			RecipientName: att.name,
		}
		payload := newPayload(base)

		if len(att.newInstances) == 0 {
			msg.Method = MethodCancel
			msg.SignificantChange = true
			payload.SetMethod(MethodCancel)

			ev := calobj.NewEvent(base.Loc())
			ev.Props.SetText(ical.PropUID, info.uid)
			ev.SetSequence(info.sequence)
			ev.Props.SetDateTime(ical.PropDateTimeStamp, now().UTC())
			if s := first.Summary(); s != "" {
				ev.Props.SetText(ical.PropSummary, s)
			}
			copyTiming(ev, first)
			ev.SetOrganizer(info.organizer, info.organizerName)
			ev.AddAttendee(att.href, att.name, "")
			payload.AddEvent(ev)
		} else {
			msg.Method = MethodRequest
			msg.SignificantChange = att.forceSend == MethodRequest ||
				!sameKeys(att.oldInstances, att.newInstances) ||
				oldInfo.significant != info.significant
			payload.SetMethod(MethodRequest)

			for _, key := range sortedKeys(att.newInstances) {
				src, ok := info.instances[key]
				if !ok {
					continue
				}
				ev := src.Clone()
				if key == calobj.MasterKey {
					var excluded []string
					for _, other := range sortedKeys(info.instances) {
						if _, in := att.newInstances[other]; !in && other != calobj.MasterKey {
							excluded = append(excluded, other)
						}
					}
					ev.AddExDates(excluded...)
					ev.StripSchedulingParams()
				}
				ev.Props.SetDateTime(ical.PropDateTimeStamp, now().UTC())
				payload.AddEvent(ev)
			}
		}

		msg.Payload = payload
		msgs = append(msgs, msg)
	}
	return msgs
}

type instanceReply struct {
	key       string
	oldStatus string
	newStatus string
}

func forAttendee(base *calobj.Object, info, oldInfo *eventInfo, href string) []*Message {
	if info.organizerAgent == "CLIENT" {
		return nil
	}
	if info.status == calobj.StatusCancelled {
		return nil
	}

	replies := make(map[string]*instanceReply)
	if old, ok := oldInfo.attendees[href]; ok {
		for key, ps := range old.instances {
			replies[key] = &instanceReply{key: key, oldStatus: ps}
		}
	}
	att := info.attendees[href]
	for key, ps := range att.instances {
		if r, ok := replies[key]; ok {
			r.newStatus = ps
		} else {
			replies[key] = &instanceReply{key: key, newStatus: ps}
		}
	}

	// New EXDATEs on the attendee's copy are declines of those instances,
	// unless the whole series is already declined.
	if m, ok := replies[calobj.MasterKey]; ok && m.newStatus != calobj.PartStatDeclined {
		oldEx := make(map[string]bool, len(oldInfo.exdates))
		for _, k := range oldInfo.exdates {
			oldEx[k] = true
		}
		for _, k := range info.exdates {
			if oldEx[k] {
				continue
			}
			if r, ok := replies[k]; ok {
				r.newStatus = calobj.PartStatDeclined
			} else {
				replies[k] = &instanceReply{key: k, newStatus: calobj.PartStatDeclined}
			}
		}
	}

	// A reply is only produced for a participation change.
	msg := &Message{
		UID:               info.uid,
		Component:         componentEvent,
		Method:            MethodReply,
		Sequence:          info.sequence,
		Sender:            href,
		SenderName:        att.name,
		Recipient:         info.organizer,
		RecipientName:     info.organizerName,
		SignificantChange: true,
	}
	payload := newPayload(base)
	payload.SetMethod(MethodReply)

	summary := base.Events()[0].Summary()
	hasReply := false
	for _, key := range sortedKeys(replies) {
		r := replies[key]
		if r.newStatus == "" {
			// The attendee was dropped from this instance without declining it.
			continue
		}
		if r.oldStatus == r.newStatus && info.organizerForceSend != MethodReply {
			continue
		}

		ev := calobj.NewEvent(base.Loc())
		ev.Props.SetText(ical.PropUID, info.uid)
		ev.SetSequence(info.sequence)
		ev.Props.SetDateTime(ical.PropDateTimeStamp, now().UTC())

		if src, ok := info.instances[key]; ok {
			copyTiming(ev, src)
			if s := src.Summary(); s != "" {
				ev.Props.SetText(ical.PropSummary, s)
			} else if summary != "" {
				ev.Props.SetText(ical.PropSummary, summary)
			}
		} else {
			t, allDay, err := calobj.ParseKey(key, base.Loc())
			if err != nil {
				continue
			}
			ev.SetTime(ical.PropDateTimeStart, t, allDay)
			if summary != "" {
				ev.Props.SetText(ical.PropSummary, summary)
			}
		}
		if key != calobj.MasterKey {
			t, allDay, err := calobj.ParseKey(key, base.Loc())
			if err != nil {
				continue
			}
			ev.SetTime(ical.PropRecurrenceID, t, allDay)
		}
		ev.SetOrganizer(info.organizer, info.organizerName)
		ev.AddAttendee(href, att.name, r.newStatus)

		payload.AddEvent(ev)
		hasReply = true
	}

	if !hasReply {
		return nil
	}
	msg.Payload = payload
	return []*Message{msg}
}

func newPayload(base *calobj.Object) *calobj.Object {
	payload := calobj.New()
	for _, tz := range base.Timezones() {
		payload.AddComponent(calobj.CloneComponent(tz))
	}
	return payload
}

func copyTiming(dst, src *calobj.Event) {
	dst.CopyProp(src, ical.PropDateTimeStart)
	if src.Props.Get(ical.PropDateTimeEnd) != nil {
		dst.CopyProp(src, ical.PropDateTimeEnd)
	} else if src.Props.Get(ical.PropDuration) != nil {
		dst.CopyProp(src, ical.PropDuration)
	}
}

func addressSet(addrs []string) map[string]bool {
	set := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		set[calobj.NormalizeAddress(a)] = true
	}
	return set
}
