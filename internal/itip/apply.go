package itip

import (
	"sort"
	"strings"

	"github.com/emersion/go-ical"

	"github.com/tazhate/calsched/internal/calobj"
	"github.com/tazhate/calsched/internal/recur"
)

// ApplyMessage applies an incoming message to the recipient's stored copy of
// the event and returns the updated copy. existing is never modified. A nil
// result with a nil error means there is nothing to store.
func ApplyMessage(msg *Message, existing *calobj.Object) (*calobj.Object, error) {
	switch strings.ToUpper(msg.Method) {
	case MethodRequest:
		return applyRequest(msg, existing)
	case MethodCancel:
		return applyCancel(msg, existing), nil
	case MethodReply:
		return applyReply(msg, existing)
	default:
		return nil, nil
	}
}

func applyRequest(msg *Message, existing *calobj.Object) (*calobj.Object, error) {
	if msg.Payload == nil {
		return nil, nil
	}
	if _, err := msg.Payload.Master(); err != nil {
		return nil, err
	}

	var out *calobj.Object
	if existing == nil {
		out = calobj.New()
	} else {
		out = existing.Clone()
	}
	out.ReplaceComponents(msg.Payload)
	return out, nil
}

func applyCancel(msg *Message, existing *calobj.Object) *calobj.Object {
	if existing == nil {
		return nil
	}
	out := existing.Clone()
	for _, ev := range out.Events() {
		ev.SetStatus(calobj.StatusCancelled)
		ev.SetSequence(msg.Sequence)
	}
	return out
}

func applyReply(msg *Message, existing *calobj.Object) (*calobj.Object, error) {
	if existing == nil || msg.Payload == nil {
		return nil, nil
	}
	out := existing.Clone()
	master, err := out.Master()
	if err != nil {
		return nil, err
	}

	requestStatus := "2.0"
	replies := make(map[string]string)
	for _, ev := range msg.Payload.Events() {
		atts := ev.Attendees()
		if len(atts) == 0 {
			continue
		}
		replies[ev.Key()] = atts[0].PartStat
		if p := ev.Props.Get(ical.PropRequestStatus); p != nil {
			requestStatus, _, _ = strings.Cut(p.Value, ";")
		}
	}

	for _, ev := range out.Events() {
		key := ev.Key()
		ps, ok := replies[key]
		if !ok {
			continue
		}
		found := ev.UpdateAttendee(msg.Sender, func(params ical.Params) {
			params.Set(calobj.ParamPartStat, ps)
			params.Set(calobj.ParamScheduleStatus, requestStatus)
			delete(params, calobj.ParamRSVP)
		})
		if !found {
			ev.AddAttendee(msg.Sender, msg.SenderName, ps)
		}
		delete(replies, key)
	}

	if master == nil {
		return out, nil
	}

	// Replies for instances without a stored exception create one.
	keys := make([]string, 0, len(replies))
	for k := range replies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		it, err := recur.FromObject(out)
		if err != nil {
			// An unexpandable master cannot gain exceptions.
			break
		}
		occ, ok := recur.FindKey(it, key, recur.DefaultMaxIterations)
		if !ok || occ.IsException {
			continue
		}

		ev := master.Clone()
		ev.ClearRecurrence()
		ev.SetTime(ical.PropDateTimeStart, occ.Start, occ.AllDay)
		if ev.Props.Get(ical.PropDateTimeEnd) != nil {
			ev.SetTime(ical.PropDateTimeEnd, occ.End, occ.AllDay)
		}
		ev.SetTime(ical.PropRecurrenceID, occ.RecurrenceID, occ.AllDay)

		ps := replies[key]
		found := ev.UpdateAttendee(msg.Sender, func(params ical.Params) {
			params.Set(calobj.ParamPartStat, ps)
		})
		if !found {
			ev.AddAttendee(msg.Sender, msg.SenderName, ps)
		}
		out.AddEvent(ev)
	}
	return out, nil
}
