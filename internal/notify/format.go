package notify

import (
	"time"

	"github.com/tazhate/calsched/internal/recur"
)

type details struct {
	Title    string
	When     string
	Location string
	Calendar string
}

func describe(occ recur.Occurrence, calendarName string, loc *time.Location) details {
	if loc == nil {
		loc = time.UTC
	}
	d := details{Calendar: calendarName}
	if occ.Event != nil {
		d.Title = occ.Event.Summary()
		d.Location = occ.Event.Location()
	}
	if d.Title == "" {
		d.Title = "Untitled event"
	}

	start := occ.Start.In(loc)
	switch {
	case occ.AllDay:
		// all-day значения это даты без зоны
		d.When = occ.Start.Format("02.01.2006")
	case occ.End.After(occ.Start):
		end := occ.End.In(loc)
		if end.YearDay() == start.YearDay() && end.Year() == start.Year() {
			d.When = start.Format("02.01.2006 15:04") + "–" + end.Format("15:04")
		} else {
			d.When = start.Format("02.01.2006 15:04") + " – " + end.Format("02.01.2006 15:04")
		}
	default:
		d.When = start.Format("02.01.2006 15:04")
	}
	return d
}
