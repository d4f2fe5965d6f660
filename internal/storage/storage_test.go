package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/calsched/internal/domain"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data", "calsched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCalendar(t *testing.T, s *Storage) *domain.Calendar {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreatePrincipal(ctx, &domain.Principal{URI: "principals/users/olga", Email: "Olga@example.com", DisplayName: "Olga"}))
	cal := &domain.Calendar{PrincipalURI: "principals/users/olga", URI: "personal", DisplayName: "Personal"}
	require.NoError(t, s.CreateCalendar(ctx, cal))
	return cal
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.migrate())
}

func TestPrincipalByAddress(t *testing.T) {
	s := newTestStorage(t)
	seedCalendar(t, s)
	ctx := context.Background()

	p, err := s.GetPrincipalByAddress(ctx, "MAILTO:olga@Example.com")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "principals/users/olga", p.URI)
	assert.Equal(t, "mailto:olga@example.com", p.Address())

	p, err = s.GetPrincipalByAddress(ctx, "mailto:nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestObjects(t *testing.T) {
	s := newTestStorage(t)
	cal := seedCalendar(t, s)
	ctx := context.Background()

	obj := &domain.CalendarObject{CalendarID: cal.ID, URI: "e1.ics", UID: "E1", Data: []byte("v1")}
	require.NoError(t, s.PutObject(ctx, obj))
	firstID, firstTag := obj.ID, obj.ETag

	obj.Data = []byte("v2")
	require.NoError(t, s.PutObject(ctx, obj))
	assert.Equal(t, firstID, obj.ID)
	assert.NotEqual(t, firstTag, obj.ETag)

	got, err := s.FindObjectByUID(ctx, cal.ID, "E1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", string(got.Data))

	list, err := s.ListObjects(ctx, cal.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteObject(ctx, cal.ID, "e1.ics"))
	got, err = s.GetObject(ctx, cal.ID, "e1.ics")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWriteAccessPrincipals(t *testing.T) {
	s := newTestStorage(t)
	cal := seedCalendar(t, s)
	ctx := context.Background()

	for _, p := range []*domain.Principal{
		{URI: "principals/users/bob", Email: "bob@example.com"},
		{URI: "principals/users/carol", Email: "carol@example.com"},
		{URI: "principals/users/dave", Email: "dave@example.com"},
	} {
		require.NoError(t, s.CreatePrincipal(ctx, p))
	}
	require.NoError(t, s.ShareCalendar(ctx, &domain.Share{CalendarID: cal.ID, PrincipalURI: "principals/users/bob", ReadOnly: true}))
	require.NoError(t, s.ShareCalendar(ctx, &domain.Share{CalendarID: cal.ID, PrincipalURI: "principals/groups/family", ReadOnly: false}))
	require.NoError(t, s.AddGroupMember(ctx, "principals/groups/family", "principals/users/carol"))
	require.NoError(t, s.AddGroupMember(ctx, "principals/groups/family", "principals/users/olga"))

	principals, err := s.WriteAccessPrincipals(ctx, cal.ID)
	require.NoError(t, err)
	var uris []string
	for _, p := range principals {
		uris = append(uris, p.URI)
	}
	assert.Equal(t, []string{"principals/users/olga", "principals/users/carol"}, uris)
}

func TestReminders(t *testing.T) {
	s := newTestStorage(t)
	cal := seedCalendar(t, s)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 8, 50, 0, 0, time.UTC)

	for day := 0; day < 3; day++ {
		r := &domain.Reminder{
			CalendarID:     cal.ID,
			ObjectURI:      "e1.ics",
			UID:            "E1",
			Type:           "DISPLAY",
			NotificationAt: base.AddDate(0, 0, day),
			EventStart:     base.AddDate(0, 0, day).Add(10 * time.Minute),
			IsRecurring:    true,
			RecurrenceID:   base.AddDate(0, 0, day).Add(10 * time.Minute).Format("20060102T150405Z"),
			EventHash:      "ev",
			AlarmHash:      "al",
			IsRelative:     true,
		}
		inserted, err := s.InsertReminder(ctx, r)
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	dup := &domain.Reminder{
		CalendarID: cal.ID, ObjectURI: "e1.ics", UID: "E1", Type: "DISPLAY",
		NotificationAt: base, EventStart: base.Add(10 * time.Minute),
		RecurrenceID: "20240101T090000Z", EventHash: "other", AlarmHash: "al",
	}
	inserted, err := s.InsertReminder(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	due, err := s.DueReminders(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "Personal", due[0].CalendarDisplayName)
	assert.Equal(t, "principals/users/olga", due[0].PrincipalURI)
	assert.True(t, due[0].IsRecurring)
	assert.True(t, due[0].IsRelative)
	assert.False(t, due[0].IsRepeatBased)
	assert.Equal(t, base, due[0].NotificationAt)

	expired, err := s.ExpiredReminders(ctx, base.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, expired, 1)

	ok, err := s.ClaimReminder(ctx, due[0].ID, "host-a", base, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimReminder(ctx, due[0].ID, "host-b", base, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.ClaimReminder(ctx, due[0].ID, "host-b", base.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.ReleaseReminder(ctx, due[0].ID, "host-a"))
	ok, err = s.ClaimReminder(ctx, due[0].ID, "host-a", base.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-holder is ignored")
	require.NoError(t, s.ReleaseReminder(ctx, due[0].ID, "host-b"))
	ok, err = s.ClaimReminder(ctx, due[0].ID, "host-a", base.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetReminder(ctx, due[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Personal", got.CalendarDisplayName)

	require.NoError(t, s.DeleteReminder(ctx, due[0].ID))
	got, err = s.GetReminder(ctx, due[0].ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	left, err := s.ListRemindersByObject(ctx, cal.ID, "e1.ics")
	require.NoError(t, err)
	assert.Len(t, left, 2)

	require.NoError(t, s.DeleteRemindersByObject(ctx, cal.ID, "e1.ics"))
	left, err = s.ListRemindersByObject(ctx, cal.ID, "e1.ics")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDeleteCalendarCascades(t *testing.T) {
	s := newTestStorage(t)
	cal := seedCalendar(t, s)
	ctx := context.Background()

	require.NoError(t, s.PutObject(ctx, &domain.CalendarObject{CalendarID: cal.ID, URI: "a.ics", UID: "A", Data: []byte("x")}))
	require.NoError(t, s.DeleteCalendar(ctx, cal.ID))

	got, err := s.GetCalendar(ctx, cal.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	list, err := s.ListObjects(ctx, cal.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTelegramLink(t *testing.T) {
	s := newTestStorage(t)
	seedCalendar(t, s)
	ctx := context.Background()

	ok, err := s.LinkTelegramChat(ctx, "OLGA@example.com", 42)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.LinkTelegramChat(ctx, "eve@example.com", 43)
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := s.GetPrincipal(ctx, "principals/users/olga")
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.TelegramChatID)

	require.NoError(t, s.UnlinkTelegramChat(ctx, 42))
	p, err = s.GetPrincipal(ctx, "principals/users/olga")
	require.NoError(t, err)
	assert.Zero(t, p.TelegramChatID)
}
