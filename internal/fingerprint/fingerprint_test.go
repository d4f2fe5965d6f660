package fingerprint

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/calsched/internal/calobj"
)

const base = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:E1
DTSTART:20240101T090000Z
DTEND:20240101T100000Z
RRULE:FREQ=DAILY;COUNT=5
EXDATE:20240104T090000Z,20240103T090000Z
SUMMARY:Standup
END:VEVENT
END:VCALENDAR
`

func master(t *testing.T, raw string) (*calobj.Object, *calobj.Event) {
	t.Helper()
	obj, err := calobj.Parse([]byte(strings.ReplaceAll(raw, "\n", "\r\n")))
	require.NoError(t, err)
	m, err := obj.Master()
	require.NoError(t, err)
	require.NotNil(t, m)
	return obj, m
}

func TestEventFingerprintStable(t *testing.T) {
	_, ev := master(t, base)
	assert.Equal(t, Event(ev), Event(ev))
	assert.Len(t, Event(ev), 64)
}

func TestEventFingerprintIgnoresUntrackedProps(t *testing.T) {
	_, a := master(t, base)
	_, b := master(t, strings.Replace(base, "SUMMARY:Standup", "SUMMARY:Retro\nLOCATION:Room 1", 1))
	assert.Equal(t, Event(a), Event(b))
}

func TestEventFingerprintOrderIndependent(t *testing.T) {
	_, a := master(t, base)
	reordered := strings.Replace(base, "EXDATE:20240104T090000Z,20240103T090000Z", "EXDATE:20240103T090000Z\nEXDATE:20240104T090000Z", 1)
	reordered = strings.Replace(reordered, "FREQ=DAILY;COUNT=5", "COUNT=5;INTERVAL=1;FREQ=DAILY", 1)
	_, b := master(t, reordered)
	assert.Equal(t, Event(a), Event(b))
}

func TestEventFingerprintTracksTiming(t *testing.T) {
	_, a := master(t, base)
	for _, change := range [][2]string{
		{"DTSTART:20240101T090000Z", "DTSTART:20240101T093000Z"},
		{"DTEND:20240101T100000Z", "DURATION:PT1H"},
		{"COUNT=5", "COUNT=6"},
		{"EXDATE:20240104T090000Z,20240103T090000Z", "EXDATE:20240104T090000Z"},
		{"SUMMARY:Standup", "SUMMARY:Standup\nRDATE:20240110T090000Z"},
	} {
		_, b := master(t, strings.Replace(base, change[0], change[1], 1))
		assert.NotEqual(t, Event(a), Event(b), change[1])
	}
}

func TestAlarmFingerprint(t *testing.T) {
	a := &calobj.Alarm{Action: calobj.ActionDisplay, Trigger: calobj.Trigger{Offset: -10 * time.Minute, Related: calobj.RelatedStart}}
	b := *a
	assert.Equal(t, Alarm(a), Alarm(&b))

	b.Repeat = 2
	b.RepeatInterval = time.Minute
	assert.NotEqual(t, Alarm(a), Alarm(&b))

	c := *a
	c.Trigger.Related = calobj.RelatedEnd
	assert.NotEqual(t, Alarm(a), Alarm(&c))

	d := *a
	d.Action = calobj.ActionEmail
	assert.NotEqual(t, Alarm(a), Alarm(&d))
}

func TestSignificant(t *testing.T) {
	a, _ := master(t, base)
	b, _ := master(t, strings.Replace(base, "SUMMARY:Standup", "SUMMARY:Other", 1))
	assert.Equal(t, Significant(a), Significant(b))

	c, _ := master(t, strings.Replace(base, "SUMMARY:Standup", "SUMMARY:Standup\nSTATUS:CANCELLED", 1))
	assert.NotEqual(t, Significant(a), Significant(c))
}

func TestNormalizeRule(t *testing.T) {
	assert.Equal(t, "BYDAY=MO,WE;FREQ=WEEKLY", NormalizeRule("freq=weekly;interval=1;byday=MO,WE"))
	assert.Equal(t, "FREQ=DAILY;INTERVAL=2", NormalizeRule("INTERVAL=2;FREQ=DAILY"))
	assert.Empty(t, NormalizeRule(""))
}
