package domain

import "time"

// Principal is a calendar user.
type Principal struct {
	ID             int64
	URI            string // principals/users/olga
	Email          string
	DisplayName    string
	TelegramChatID int64 // 0 если не привязан
	CreatedAt      time.Time
}

// Address returns the calendar user address used in ORGANIZER/ATTENDEE.
func (p *Principal) Address() string {
	if p.Email == "" {
		return ""
	}
	return "mailto:" + p.Email
}

// Calendar belongs to one principal and may be shared with others.
type Calendar struct {
	ID           int64
	PrincipalURI string
	URI          string
	DisplayName  string
	CreatedAt    time.Time
}

// Share grants a principal or a group access to a calendar.
type Share struct {
	CalendarID   int64
	PrincipalURI string
	ReadOnly     bool
}

// CalendarObject is one stored iCalendar resource.
type CalendarObject struct {
	ID           int64
	CalendarID   int64
	URI          string
	UID          string
	Data         []byte
	ETag         string
	LastModified time.Time
}

// SchedulingObject is a copy of a delivered message in a principal's schedule inbox.
type SchedulingObject struct {
	ID           int64
	PrincipalURI string
	URI          string
	Method       string
	Data         []byte
	CreatedAt    time.Time
}
