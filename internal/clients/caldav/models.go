package caldav

import (
	"time"

	"github.com/emersion/go-ical"
)

// Calendar is a calendar collection on the remote server.
type Calendar struct {
	Path        string
	DisplayName string
	Description string
}

// Object is one remote calendar resource.
type Object struct {
	Path    string
	Name    string // последний сегмент пути, e.g. "abc.ics"
	ETag    string
	ModTime time.Time
	Data    *ical.Calendar
}
