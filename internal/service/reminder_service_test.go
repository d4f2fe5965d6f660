package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/calsched/internal/calobj"
	"github.com/tazhate/calsched/internal/domain"
	"github.com/tazhate/calsched/internal/lock"
	"github.com/tazhate/calsched/internal/notify"
	"github.com/tazhate/calsched/internal/recur"
	"github.com/tazhate/calsched/internal/storage"
)

type sentReminder struct {
	occ          recur.Occurrence
	calendarName string
	recipients   []*domain.Principal
}

type fakeProvider struct {
	kind domain.ReminderType
	err  error

	mu   sync.Mutex
	sent []sentReminder
}

func (p *fakeProvider) Type() domain.ReminderType { return p.kind }

func (p *fakeProvider) Send(ctx context.Context, occ recur.Occurrence, calendarName string, recipients []*domain.Principal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentReminder{occ: occ, calendarName: calendarName, recipients: recipients})
	return p.err
}

func (p *fakeProvider) calls() []sentReminder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentReminder(nil), p.sent...)
}

type testEnv struct {
	store    *storage.Storage
	cal      *domain.Calendar
	display  *fakeProvider
	email    *fakeProvider
	registry *notify.Registry
	svc      *ReminderService
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "calsched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.CreatePrincipal(ctx, &domain.Principal{URI: "principals/users/olga", Email: "olga@example.com", DisplayName: "Olga"}))
	cal := &domain.Calendar{PrincipalURI: "principals/users/olga", URI: "personal", DisplayName: "Personal"}
	require.NoError(t, s.CreateCalendar(ctx, cal))

	display := &fakeProvider{kind: domain.ReminderDisplay}
	email := &fakeProvider{kind: domain.ReminderEmail}
	registry := notify.NewRegistry(display, email)

	svc := NewReminderService(s, registry, nil, time.UTC, ReminderOptions{})
	svc.now = func() time.Time { return now }

	return &testEnv{store: s, cal: cal, display: display, email: email, registry: registry, svc: svc}
}

func (e *testEnv) at(now time.Time) {
	e.svc.now = func() time.Time { return now }
}

func (e *testEnv) rows(t *testing.T, uri string) []*domain.Reminder {
	t.Helper()
	rows, err := e.store.ListRemindersByObject(context.Background(), e.cal.ID, uri)
	require.NoError(t, err)
	return rows
}

func (e *testEnv) create(t *testing.T, uri, data string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.PutObject(ctx, &domain.CalendarObject{CalendarID: e.cal.ID, URI: uri, UID: "E1", Data: []byte(data)}))
	require.NoError(t, e.svc.OnObjectCreated(ctx, e.cal.ID, uri, []byte(data)))
}

func ics(lines ...string) string {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}, lines...)
	all = append(all, "END:VCALENDAR")
	return strings.Join(all, "\r\n") + "\r\n"
}

func vevent(props ...string) []string {
	out := []string{"BEGIN:VEVENT", "DTSTAMP:20231201T000000Z"}
	out = append(out, props...)
	return append(out, "END:VEVENT")
}

func valarm(action string, props ...string) []string {
	out := []string{"BEGIN:VALARM", "ACTION:" + action, "DESCRIPTION:reminder"}
	out = append(out, props...)
	return append(out, "END:VALARM")
}

func join(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Ежедневная серия из пяти встреч в 09:00 с напоминанием за 10 минут.
func dailyStandup(rule string, alarm ...string) string {
	if len(alarm) == 0 {
		alarm = valarm("DISPLAY", "TRIGGER:-PT10M")
	}
	props := join(
		[]string{"UID:E1", "DTSTART:20240101T090000Z", "DTEND:20240101T093000Z", "RRULE:" + rule, "SUMMARY:Standup"},
		alarm,
	)
	return ics(vevent(props...)...)
}

var (
	beforeSeries = time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	day1Fire     = time.Date(2024, 1, 1, 8, 55, 0, 0, time.UTC)
)

func notificationTimes(rows []*domain.Reminder) []time.Time {
	out := make([]time.Time, len(rows))
	for i, r := range rows {
		out[i] = r.NotificationAt
	}
	return out
}

func TestDailySeriesMaterializesEveryOccurrence(t *testing.T) {
	env := newTestEnv(t, beforeSeries)
	env.create(t, "e1.ics", dailyStandup("FREQ=DAILY;COUNT=5"))

	rows := env.rows(t, "e1.ics")
	require.Len(t, rows, 5)
	for i, r := range rows {
		day := time.Date(2024, 1, 1+i, 8, 50, 0, 0, time.UTC)
		assert.Equal(t, day, r.NotificationAt)
		assert.Equal(t, day.Add(10*time.Minute), r.EventStart)
		assert.Equal(t, "DISPLAY", r.Type)
		assert.True(t, r.IsRelative)
		assert.True(t, r.IsRecurring)
		assert.False(t, r.IsRepeatBased)
		assert.Equal(t, calobj.TimeKey(r.EventStart, false), r.RecurrenceID)
		assert.NotEmpty(t, r.EventHash)
		assert.NotEmpty(t, r.AlarmHash)
	}

	// Повторное создание не плодит дубликатов.
	require.NoError(t, env.svc.OnObjectCreated(context.Background(), env.cal.ID, "e1.ics", []byte(dailyStandup("FREQ=DAILY;COUNT=5"))))
	assert.Len(t, env.rows(t, "e1.ics"), 5)
}

func TestFireRegeneratesNextOccurrence(t *testing.T) {
	env := newTestEnv(t, beforeSeries)
	env.create(t, "e1.ics", dailyStandup("FREQ=DAILY;COUNT=5"))

	env.at(day1Fire)
	require.NoError(t, env.svc.ProcessDue(context.Background()))

	calls := env.display.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), calls[0].occ.Start)
	assert.Equal(t, "Personal", calls[0].calendarName)
	require.Len(t, calls[0].recipients, 1)
	assert.Equal(t, "principals/users/olga", calls[0].recipients[0].URI)

	rows := env.rows(t, "e1.ics")
	require.Len(t, rows, 4)
	for i, r := range rows {
		assert.Equal(t, time.Date(2024, 1, 2+i, 8, 50, 0, 0, time.UTC), r.NotificationAt)
	}
	assert.Empty(t, env.email.calls())
}

func TestUnboundedSeriesKeepsOneReminderAhead(t *testing.T) {
	env := newTestEnv(t, beforeSeries)
	env.create(t, "e1.ics", dailyStandup("FREQ=DAILY"))

	rows := env.rows(t, "e1.ics")
	require.Len(t, rows, 1)
	assert.Equal(t, time.Date(2024, 1, 1, 8, 50, 0, 0, time.UTC), rows[0].NotificationAt)

	env.at(day1Fire)
	require.NoError(t, env.svc.Fire(context.Background(), rows[0]))

	rows = env.rows(t, "e1.ics")
	require.Len(t, rows, 1)
	assert.Equal(t, time.Date(2024, 1, 2, 8, 50, 0, 0, time.UTC), rows[0].NotificationAt)
	assert.Equal(t, "20240102T090000Z", rows[0].RecurrenceID)
}

func TestSeriesStartedInThePast(t *testing.T) {
	env := newTestEnv(t, time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC))
	env.create(t, "e1.ics", dailyStandup("FREQ=DAILY;COUNT=5"))

	assert.Equal(t, []time.Time{
		time.Date(2024, 1, 4, 8, 50, 0, 0, time.UTC),
		time.Date(2024, 1, 5, 8, 50, 0, 0, time.UTC),
	}, notificationTimes(env.rows(t, "e1.ics")))
}

func TestExceptionsGetTheirOwnReminders(t *testing.T) {
	env := newTestEnv(t, beforeSeries)
	master := join(
		[]string{"UID:E1", "DTSTART:20240101T090000Z", "DTEND:20240101T093000Z", "RRULE:FREQ=DAILY;COUNT=5", "SUMMARY:Standup"},
		valarm("DISPLAY", "TRIGGER:-PT10M"),
	)
	moved := join(
		[]string{"UID:E1", "RECURRENCE-ID:20240103T090000Z", "DTSTART:20240103T140000Z", "DTEND:20240103T143000Z", "SUMMARY:Standup (moved)"},
		valarm("EMAIL", "TRIGGER:-PT30M"),
	)
	env.create(t, "e1.ics", ics(append(vevent(master...), vevent(moved...)...)...))

	rows := env.rows(t, "e1.ics")
	require.Len(t, rows, 5)

	var exception *domain.Reminder
	for _, r := range rows {
		if r.IsRecurrenceException {
			require.Nil(t, exception)
			exception = r
		} else {
			assert.NotEqual(t, "20240103T090000Z", r.RecurrenceID)
		}
	}
	require.NotNil(t, exception)
	assert.Equal(t, "EMAIL", exception.Type)
	assert.Equal(t, "20240103T090000Z", exception.RecurrenceID)
	assert.Equal(t, time.Date(2024, 1, 3, 13, 30, 0, 0, time.UTC), exception.NotificationAt)
	assert.False(t, exception.Regenerates())

	// Исключение срабатывает без регенерации.
	env.at(time.Date(2024, 1, 3, 13, 35, 0, 0, time.UTC))
	require.NoError(t, env.svc.Fire(context.Background(), exception))
	calls := env.email.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Standup (moved)", calls[0].occ.Event.Summary())
	assert.Len(t, env.rows(t, "e1.ics"), 4)
}

func TestRepeatingAlarm(t *testing.T) {
	env := newTestEnv(t, beforeSeries)
	props := join(
		[]string{"UID:E1", "DTSTART:20240101T090000Z", "DTEND:20240101T100000Z", "SUMMARY:Dentist"},
		valarm("DISPLAY", "TRIGGER:-PT15M", "REPEAT:2", "DURATION:PT5M"),
	)
	env.create(t, "e1.ics", ics(vevent(props...)...))

	rows := env.rows(t, "e1.ics")
	require.Len(t, rows, 3)
	assert.Equal(t, []time.Time{
		time.Date(2024, 1, 1, 8, 45, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 8, 50, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 8, 55, 0, 0, time.UTC),
	}, notificationTimes(rows))
	assert.False(t, rows[0].IsRepeatBased)
	assert.True(t, rows[1].IsRepeatBased)
	assert.True(t, rows[2].IsRepeatBased)
	for _, r := range rows {
		assert.False(t, r.IsRecurring)
		assert.Equal(t, "20240101T090000Z", r.RecurrenceID)
	}
}

func TestAbsoluteTriggers(t *testing.T) {
	env := newTestEnv(t, beforeSeries)

	past := join(
		[]string{"UID:E1", "DTSTART:20240101T090000Z", "DTEND:20240101T100000Z"},
		valarm("DISPLAY", "TRIGGER;VALUE=DATE-TIME:20231230T000000Z"),
	)
	env.create(t, "past.ics", ics(vevent(past...)...))
	assert.Empty(t, env.rows(t, "past.ics"))

	series := join(
		[]string{"UID:E1", "DTSTART:20240101T090000Z", "DTEND:20240101T100000Z", "RRULE:FREQ=DAILY;COUNT=5"},
		valarm("DISPLAY", "TRIGGER;VALUE=DATE-TIME:20240101T080000Z"),
	)
	env.create(t, "series.ics", ics(vevent(series...)...))
	rows := env.rows(t, "series.ics")
	require.Len(t, rows, 1)
	assert.False(t, rows[0].IsRelative)
	assert.False(t, rows[0].Regenerates())
	assert.Equal(t, time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), rows[0].NotificationAt)
}

func TestTriggerRelatedToEnd(t *testing.T) {
	env := newTestEnv(t, beforeSeries)
	props := join(
		[]string{"UID:E1", "DTSTART:20240101T090000Z", "DTEND:20240101T100000Z"},
		valarm("DISPLAY", "TRIGGER;RELATED=END:-PT5M"),
	)
	env.create(t, "e1.ics", ics(vevent(props...)...))

	rows := env.rows(t, "e1.ics")
	require.Len(t, rows, 1)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 55, 0, 0, time.UTC), rows[0].NotificationAt)

	// Событие уже началось: напоминание снимается без уведомления.
	env.at(rows[0].NotificationAt)
	require.NoError(t, env.svc.ProcessDue(context.Background()))
	require.NoError(t, env.svc.ProcessExpired(context.Background()))
	assert.Empty(t, env.display.calls())
	assert.Empty(t, env.rows(t, "e1.ics"))
}

func TestUpdateReplacesReminders(t *testing.T) {
	env := newTestEnv(t, beforeSeries)
	env.create(t, "e1.ics", dailyStandup("FREQ=DAILY;COUNT=5"))

	updated := dailyStandup("FREQ=DAILY;COUNT=2", valarm("DISPLAY", "TRIGGER:-PT20M")...)
	require.NoError(t, env.svc.OnObjectUpdated(context.Background(), env.cal.ID, "e1.ics", []byte(updated)))

	assert.Equal(t, []time.Time{
		time.Date(2024, 1, 1, 8, 40, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 8, 40, 0, 0, time.UTC),
	}, notificationTimes(env.rows(t, "e1.ics")))

	require.NoError(t, env.svc.OnObjectDeleted(context.Background(), env.cal.ID, "e1.ics"))
	assert.Empty(t, env.rows(t, "e1.ics"))
}

func TestCalendarDeletedDropsReminders(t *testing.T) {
	env := newTestEnv(t, beforeSeries)
	env.create(t, "e1.ics", dailyStandup("FREQ=DAILY;COUNT=5"))

	require.NoError(t, env.svc.OnCalendarDeleted(context.Background(), env.cal.ID))
	assert.Empty(t, env.rows(t, "e1.ics"))
}

func TestUnusableObjectsScheduleNothing(t *testing.T) {
	env := newTestEnv(t, beforeSeries)
	ctx := context.Background()

	require.NoError(t, env.svc.OnObjectCreated(ctx, env.cal.ID, "junk.ics", []byte("not a calendar")))
	assert.Empty(t, env.rows(t, "junk.ics"))

	todo := ics("BEGIN:VTODO", "UID:T1", "DTSTAMP:20231201T000000Z", "SUMMARY:Buy milk", "END:VTODO")
	require.NoError(t, env.svc.OnObjectCreated(ctx, env.cal.ID, "todo.ics", []byte(todo)))
	assert.Empty(t, env.rows(t, "todo.ics"))

	badRule := dailyStandup("FREQ=SOMETIMES")
	require.NoError(t, env.svc.OnObjectCreated(ctx, env.cal.ID, "rule.ics", []byte(badRule)))
	assert.Empty(t, env.rows(t, "rule.ics"))
}

func TestMultipleMastersIsAnError(t *testing.T) {
	env := newTestEnv(t, beforeSeries)
	first := []string{"UID:E1", "DTSTART:20240101T090000Z", "DTEND:20240101T100000Z"}
	second := []string{"UID:E1", "DTSTART:20240102T090000Z", "DTEND:20240102T100000Z"}
	data := ics(append(vevent(first...), vevent(second...)...)...)

	err := env.svc.OnObjectCreated(context.Background(), env.cal.ID, "e1.ics", []byte(data))
	require.Error(t, err)
	assert.True(t, errors.Is(err, calobj.ErrMultipleMasters))
}

func TestFireDispatch(t *testing.T) {
	single := func(action string, extra ...string) string {
		props := join(
			append([]string{"UID:E1", "DTSTART:20240101T090000Z", "DTEND:20240101T100000Z", "SUMMARY:Call"}, extra...),
			valarm(action, "TRIGGER:-PT10M"),
		)
		return ics(vevent(props...)...)
	}
	ctx := context.Background()

	t.Run("unknown type", func(t *testing.T) {
		env := newTestEnv(t, beforeSeries)
		env.create(t, "e1.ics", single("PROCEDURE"))
		rows := env.rows(t, "e1.ics")
		require.Len(t, rows, 1)

		env.at(day1Fire)
		err := env.svc.Fire(ctx, rows[0])
		require.Error(t, err)
		assert.True(t, errors.Is(err, notify.ErrUnknownType))
		assert.Empty(t, env.rows(t, "e1.ics"))
	})

	t.Run("no provider", func(t *testing.T) {
		env := newTestEnv(t, beforeSeries)
		env.create(t, "e1.ics", single("AUDIO"))
		rows := env.rows(t, "e1.ics")
		require.Len(t, rows, 1)

		env.at(day1Fire)
		require.NoError(t, env.svc.Fire(ctx, rows[0]))
		assert.Empty(t, env.display.calls())
		assert.Empty(t, env.rows(t, "e1.ics"))
	})

	t.Run("cancelled event", func(t *testing.T) {
		env := newTestEnv(t, beforeSeries)
		env.create(t, "e1.ics", single("DISPLAY", "STATUS:CANCELLED"))
		rows := env.rows(t, "e1.ics")
		require.Len(t, rows, 1)

		env.at(day1Fire)
		require.NoError(t, env.svc.Fire(ctx, rows[0]))
		assert.Empty(t, env.display.calls())
		assert.Empty(t, env.rows(t, "e1.ics"))
	})

	t.Run("object gone", func(t *testing.T) {
		env := newTestEnv(t, beforeSeries)
		env.create(t, "e1.ics", single("DISPLAY"))
		rows := env.rows(t, "e1.ics")
		require.Len(t, rows, 1)
		require.NoError(t, env.store.DeleteObject(ctx, env.cal.ID, "e1.ics"))

		env.at(day1Fire)
		require.NoError(t, env.svc.Fire(ctx, rows[0]))
		assert.Empty(t, env.display.calls())
		assert.Empty(t, env.rows(t, "e1.ics"))
	})

	t.Run("provider failure still retires", func(t *testing.T) {
		env := newTestEnv(t, beforeSeries)
		env.display.err = errors.New("telegram down")
		env.create(t, "e1.ics", single("DISPLAY"))

		env.at(day1Fire)
		err := env.svc.ProcessDue(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "telegram down")
		assert.Len(t, env.display.calls(), 1)
		assert.Empty(t, env.rows(t, "e1.ics"))
	})
}

func TestProcessExpiredRegeneratesSeries(t *testing.T) {
	env := newTestEnv(t, beforeSeries)
	env.create(t, "e1.ics", dailyStandup("FREQ=DAILY"))

	// Сервис лежал во время срабатывания: событие уже началось.
	env.at(time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC))
	require.NoError(t, env.svc.ProcessDue(context.Background()))
	require.NoError(t, env.svc.ProcessExpired(context.Background()))

	assert.Empty(t, env.display.calls())
	rows := env.rows(t, "e1.ics")
	require.Len(t, rows, 1)
	assert.Equal(t, time.Date(2024, 1, 2, 8, 50, 0, 0, time.UTC), rows[0].NotificationAt)
}

type denyClaimer struct{}

func (denyClaimer) Claim(context.Context, int64, time.Duration) (bool, error) { return false, nil }

func (denyClaimer) Release(context.Context, int64) error { return nil }

func TestProcessDueSkipsUnclaimedRows(t *testing.T) {
	env := newTestEnv(t, beforeSeries)
	env.create(t, "e1.ics", dailyStandup("FREQ=DAILY;COUNT=5"))
	env.svc.claimer = denyClaimer{}

	env.at(day1Fire)
	require.NoError(t, env.svc.ProcessDue(context.Background()))
	assert.Empty(t, env.display.calls())
	assert.Len(t, env.rows(t, "e1.ics"), 5)
}

func TestProcessDueLeavesStartedEventsToExpiry(t *testing.T) {
	env := newTestEnv(t, beforeSeries)
	env.create(t, "e1.ics", dailyStandup("FREQ=DAILY;COUNT=5"))
	ctx := context.Background()

	// Выборка сделана до встречи, а до строки обход дошёл уже после начала.
	started := time.Date(2024, 1, 1, 9, 1, 0, 0, time.UTC)
	calls := 0
	env.svc.now = func() time.Time {
		calls++
		if calls == 1 {
			return day1Fire
		}
		return started
	}
	require.NoError(t, env.svc.ProcessDue(ctx))
	assert.Empty(t, env.display.calls())
	rows := env.rows(t, "e1.ics")
	require.Len(t, rows, 5)

	ok, err := lock.NewStoreClaimer(env.store, "host-b").Claim(ctx, rows[0].ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "claim handed back")
	require.NoError(t, lock.NewStoreClaimer(env.store, "host-b").Release(ctx, rows[0].ID))

	env.at(started)
	require.NoError(t, env.svc.ProcessExpired(ctx))
	assert.Empty(t, env.display.calls())
	assert.Len(t, env.rows(t, "e1.ics"), 4)
}

func TestMaterializationIsCapped(t *testing.T) {
	env := newTestEnv(t, beforeSeries)
	env.svc.opts.MaxMaterialized = 3
	env.create(t, "e1.ics", dailyStandup("FREQ=DAILY;COUNT=50"))

	assert.Len(t, env.rows(t, "e1.ics"), 3)
}

func TestLongRunningFineGrainedSeries(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	props := join(
		[]string{"UID:E1", "DTSTART:20140101T000000Z", "DTEND:20140101T001500Z", "RRULE:FREQ=MINUTELY;INTERVAL=30", "SUMMARY:Check-in"},
		valarm("DISPLAY", "TRIGGER:-PT5M"),
	)
	env.create(t, "e1.ics", ics(vevent(props...)...))

	rows := env.rows(t, "e1.ics")
	require.Len(t, rows, 1)
	assert.Equal(t, "20240101T003000Z", rows[0].RecurrenceID)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 25, 0, 0, time.UTC), rows[0].NotificationAt)

	env.at(rows[0].NotificationAt)
	require.NoError(t, env.svc.ProcessDue(context.Background()))
	require.Len(t, env.display.calls(), 1)

	rows = env.rows(t, "e1.ics")
	require.Len(t, rows, 1)
	assert.Equal(t, "20240101T010000Z", rows[0].RecurrenceID)
}
