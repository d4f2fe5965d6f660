package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type ReminderType string

const (
	ReminderEmail   ReminderType = "EMAIL"
	ReminderDisplay ReminderType = "DISPLAY"
	ReminderAudio   ReminderType = "AUDIO"
)

// ErrUnknownType: значение ACTION вне EMAIL/DISPLAY/AUDIO.
var ErrUnknownType = errors.New("unknown reminder type")

// ParseReminderType maps an alarm ACTION to one of the accepted kinds.
func ParseReminderType(action string) (ReminderType, error) {
	switch t := ReminderType(strings.ToUpper(strings.TrimSpace(action))); t {
	case ReminderEmail, ReminderDisplay, ReminderAudio:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, action)
	}
}

// Reminder is one pending notification for one alarm of one event occurrence.
// Rows are inserted and deleted, never updated.
type Reminder struct {
	ID                    int64
	CalendarID            int64
	ObjectURI             string
	UID                   string
	Type                  string // raw ACTION, resolved at fire time
	NotificationAt        time.Time
	EventStart            time.Time
	IsRecurring           bool
	RecurrenceID          string // ключ экземпляра серии
	IsRecurrenceException bool
	EventHash             string
	AlarmHash             string
	IsRelative            bool
	IsRepeatBased         bool
	CreatedAt             time.Time

	// Заполняются только при выборке с join.
	CalendarDisplayName string
	PrincipalURI        string
}

// IsExpired returns true if the event already started: firing it would be late.
func (r *Reminder) IsExpired(now time.Time) bool {
	return r.EventStart.Before(now)
}

// Regenerates reports whether firing this row schedules the next occurrence.
func (r *Reminder) Regenerates() bool {
	return !r.IsRepeatBased && r.IsRecurring && r.IsRelative && !r.IsRecurrenceException
}
