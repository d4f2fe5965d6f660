package itip

import (
	"sort"

	"github.com/emersion/go-ical"

	"github.com/tazhate/calsched/internal/calobj"
	"github.com/tazhate/calsched/internal/fingerprint"
)

// eventInfo is the scheduling view of one calendar object.
type eventInfo struct {
	uid                string
	organizer          string
	organizerName      string
	organizerAgent     string
	organizerForceSend string
	sequence           int
	status             string
	exdates            []string
	significant        string

	// instances holds the events that carry attendees, keyed by instance key.
	instances map[string]*calobj.Event
	attendees map[string]*attendeeInfo
	order     []string
}

type attendeeInfo struct {
	href      string
	name      string
	forceSend string
	// instances maps instance key to PARTSTAT.
	instances map[string]string
}

func emptyInfo() *eventInfo {
	return &eventInfo{
		organizerAgent: "SERVER",
		instances:      make(map[string]*calobj.Event),
		attendees:      make(map[string]*attendeeInfo),
	}
}

func parseInfo(obj *calobj.Object) (*eventInfo, error) {
	if err := obj.Validate(); err != nil {
		return nil, err
	}

	info := emptyInfo()
	seqSet := false
	exdates := make(map[string]bool)

	for _, ev := range obj.Events() {
		if info.uid == "" {
			info.uid = ev.UID()
		}

		if org := ev.Organizer(); org != nil {
			if info.organizer == "" {
				info.organizer = org.Address
				info.organizerName = org.Name
			} else if info.organizer != org.Address {
				return nil, ErrOrganizerMismatch
			}
			info.organizerForceSend = org.ForceSend
			info.organizerAgent = org.ScheduleAgent
		}

		if !seqSet && ev.Props.Get(ical.PropSequence) != nil {
			info.sequence = ev.Sequence()
			seqSet = true
		}
		for _, k := range ev.ExDateKeys() {
			exdates[k] = true
		}
		if ev.Props.Get(ical.PropStatus) != nil {
			info.status = ev.Status()
		}

		key := ev.Key()
		atts := ev.Attendees()
		for _, a := range atts {
			if a.ScheduleAgent == "CLIENT" {
				continue
			}
			ai, ok := info.attendees[a.Address]
			if !ok {
				ai = &attendeeInfo{href: a.Address, name: a.Name, instances: make(map[string]string)}
				info.attendees[a.Address] = ai
				info.order = append(info.order, a.Address)
			}
			ai.instances[key] = a.PartStat
			ai.forceSend = a.ForceSend
		}
		if len(atts) > 0 {
			info.instances[key] = ev
		}
	}

	for k := range exdates {
		info.exdates = append(info.exdates, k)
	}
	sort.Strings(info.exdates)
	info.significant = fingerprint.Significant(obj)
	return info, nil
}

// clone copies the attendee maps so callers can rewrite participation
// without touching the original.
func (info *eventInfo) clone() *eventInfo {
	cp := *info
	cp.attendees = make(map[string]*attendeeInfo, len(info.attendees))
	for k, a := range info.attendees {
		ac := *a
		ac.instances = make(map[string]string, len(a.instances))
		for ik, ps := range a.instances {
			ac.instances[ik] = ps
		}
		cp.attendees[k] = &ac
	}
	cp.order = append([]string(nil), info.order...)
	return &cp
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameKeys(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
