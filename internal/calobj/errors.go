package calobj

import "errors"

var (
	ErrNoEvents        = errors.New("calendar object has no events")
	ErrMultipleMasters = errors.New("calendar object has more than one master event")
	ErrMixedUIDs       = errors.New("events in one calendar object must share a UID")
	ErrMissingStart    = errors.New("event has no DTSTART")
	ErrBadDuration     = errors.New("invalid duration")
	ErrBadTrigger      = errors.New("invalid alarm trigger")
)
