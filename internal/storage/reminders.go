package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/tazhate/calsched/internal/domain"
)

// === Reminders ===

// InsertReminder stores r and reports whether a new row was written. A row
// for the same alarm, occurrence and notification time is left untouched.
func (s *Storage) InsertReminder(ctx context.Context, r *domain.Reminder) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO reminders (calendar_id, object_uri, uid, type, notification_date,
			event_start, is_recurring, recurrence_id, is_recurrence_exception, event_hash,
			alarm_hash, is_relative, is_repeat_based)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CalendarID, r.ObjectURI, r.UID, r.Type, r.NotificationAt.Unix(),
		r.EventStart.Unix(), r.IsRecurring, r.RecurrenceID, r.IsRecurrenceException, r.EventHash,
		r.AlarmHash, r.IsRelative, r.IsRepeatBased,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	id, _ := res.LastInsertId()
	r.ID = id
	r.CreatedAt = time.Now()
	return true, nil
}

const reminderColumns = `r.id, r.calendar_id, r.object_uri, r.uid, r.type, r.notification_date,
	r.event_start, r.is_recurring, r.recurrence_id, r.is_recurrence_exception, r.event_hash,
	r.alarm_hash, r.is_relative, r.is_repeat_based, r.created_at,
	COALESCE(c.display_name, ''), COALESCE(c.principal_uri, '')`

const reminderFrom = ` FROM reminders r LEFT JOIN calendars c ON c.id = r.calendar_id`

func scanReminder(row interface{ Scan(...any) error }) (*domain.Reminder, error) {
	r := &domain.Reminder{}
	var notification, start int64
	err := row.Scan(&r.ID, &r.CalendarID, &r.ObjectURI, &r.UID, &r.Type, &notification,
		&start, &r.IsRecurring, &r.RecurrenceID, &r.IsRecurrenceException, &r.EventHash,
		&r.AlarmHash, &r.IsRelative, &r.IsRepeatBased, &r.CreatedAt,
		&r.CalendarDisplayName, &r.PrincipalURI)
	if err != nil {
		return nil, err
	}
	r.NotificationAt = time.Unix(notification, 0).UTC()
	r.EventStart = time.Unix(start, 0).UTC()
	return r, nil
}

func (s *Storage) queryReminders(ctx context.Context, where string, args ...any) ([]*domain.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reminderColumns+reminderFrom+` WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reminders []*domain.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

func (s *Storage) GetReminder(ctx context.Context, id int64) (*domain.Reminder, error) {
	r, err := scanReminder(s.db.QueryRowContext(ctx,
		`SELECT `+reminderColumns+reminderFrom+` WHERE r.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *Storage) ListRemindersByObject(ctx context.Context, calendarID int64, objectURI string) ([]*domain.Reminder, error) {
	return s.queryReminders(ctx,
		`r.calendar_id = ? AND r.object_uri = ? ORDER BY r.notification_date, r.id`,
		calendarID, objectURI)
}

// DueReminders returns rows ready to fire: notification time reached and the
// event not yet started.
func (s *Storage) DueReminders(ctx context.Context, now time.Time) ([]*domain.Reminder, error) {
	return s.queryReminders(ctx,
		`r.notification_date <= ? AND r.event_start >= ? ORDER BY r.notification_date, r.id`,
		now.Unix(), now.Unix())
}

// ExpiredReminders returns rows that can no longer fire because their event
// already started.
func (s *Storage) ExpiredReminders(ctx context.Context, now time.Time) ([]*domain.Reminder, error) {
	return s.queryReminders(ctx,
		`r.notification_date <= ? AND r.event_start < ? ORDER BY r.notification_date, r.id`,
		now.Unix(), now.Unix())
}

func (s *Storage) DeleteReminder(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	return err
}

func (s *Storage) DeleteRemindersByObject(ctx context.Context, calendarID int64, objectURI string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE calendar_id = ? AND object_uri = ?`, calendarID, objectURI)
	return err
}

func (s *Storage) DeleteRemindersByCalendar(ctx context.Context, calendarID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE calendar_id = ?`, calendarID)
	return err
}

// ClaimReminder marks the row as being processed by owner until now+ttl. It
// reports false when another owner holds an unexpired claim or the row is gone.
func (s *Storage) ClaimReminder(ctx context.Context, id int64, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET claimed_by = ?, claimed_until = ?
		 WHERE id = ? AND (claimed_by = '' OR claimed_by = ? OR claimed_until < ?)`,
		owner, now.Add(ttl).Unix(), id, owner, now.Unix(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseReminder clears owner's claim so the next sweep can take the row.
func (s *Storage) ReleaseReminder(ctx context.Context, id int64, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET claimed_by = '', claimed_until = 0 WHERE id = ? AND claimed_by = ?`,
		id, owner)
	return err
}
