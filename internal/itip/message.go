// Package itip computes and applies iTIP scheduling messages (RFC 5546):
// invitations and cancellations from an organizer, replies from attendees.
package itip

import (
	"errors"

	"github.com/tazhate/calsched/internal/calobj"
)

const (
	MethodRequest = "REQUEST"
	MethodCancel  = "CANCEL"
	MethodReply   = "REPLY"

	componentEvent = "VEVENT"
)

// Schedule status codes recorded after a delivery attempt.
const (
	StatusNotSignificant = "1.0"
	StatusSent           = "1.1"
	StatusDelivered      = "1.2"
	StatusInvalidUser    = "3.7"
	StatusDeliveryFailed = "5.1"
)

var ErrOrganizerMismatch = errors.New("every instance of an event must have the same organizer")

// Message is one scheduling message between an organizer and an attendee.
type Message struct {
	UID               string
	Component         string
	Method            string
	Sequence          int
	Sender            string
	SenderName        string
	Recipient         string
	RecipientName     string
	SignificantChange bool
	// ScheduleStatus is filled in by whoever attempts delivery.
	ScheduleStatus string
	Payload        *calobj.Object
}

// Delivered reports whether ScheduleStatus is a 1.x success code.
func (m *Message) Delivered() bool {
	return len(m.ScheduleStatus) > 0 && m.ScheduleStatus[0] == '1'
}
