package storage

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tazhate/calsched/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS principals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uri TEXT UNIQUE NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			telegram_chat_id INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_principals_email ON principals(email)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_uri TEXT NOT NULL,
			member_uri TEXT NOT NULL,
			PRIMARY KEY (group_uri, member_uri)
		)`,
		`CREATE TABLE IF NOT EXISTS calendars (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			principal_uri TEXT NOT NULL,
			uri TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (principal_uri, uri)
		)`,
		`CREATE TABLE IF NOT EXISTS calendar_shares (
			calendar_id INTEGER NOT NULL,
			principal_uri TEXT NOT NULL,
			read_only INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (calendar_id, principal_uri),
			FOREIGN KEY (calendar_id) REFERENCES calendars(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS calendar_objects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			calendar_id INTEGER NOT NULL,
			uri TEXT NOT NULL,
			uid TEXT NOT NULL DEFAULT '',
			data BLOB NOT NULL,
			etag TEXT NOT NULL DEFAULT '',
			last_modified INTEGER NOT NULL DEFAULT 0,
			UNIQUE (calendar_id, uri),
			FOREIGN KEY (calendar_id) REFERENCES calendars(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calendar_objects_uid ON calendar_objects(calendar_id, uid)`,
		`CREATE TABLE IF NOT EXISTS scheduling_objects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			principal_uri TEXT NOT NULL,
			uri TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT '',
			data BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (principal_uri, uri)
		)`,
		// Время в reminders хранится в unix-секундах: сравнение строк
		// DATETIME ломается на разных смещениях.
		`CREATE TABLE IF NOT EXISTS reminders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			calendar_id INTEGER NOT NULL,
			object_uri TEXT NOT NULL,
			uid TEXT NOT NULL,
			type TEXT NOT NULL,
			notification_date INTEGER NOT NULL,
			event_start INTEGER NOT NULL,
			is_recurring INTEGER NOT NULL DEFAULT 0,
			recurrence_id TEXT NOT NULL DEFAULT '',
			is_recurrence_exception INTEGER NOT NULL DEFAULT 0,
			event_hash TEXT NOT NULL,
			alarm_hash TEXT NOT NULL,
			is_relative INTEGER NOT NULL DEFAULT 0,
			is_repeat_based INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (calendar_id, object_uri, alarm_hash, recurrence_id, notification_date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_notification ON reminders(notification_date)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_object ON reminders(calendar_id, object_uri)`,
		// Claims for concurrent sweeps
		`ALTER TABLE reminders ADD COLUMN claimed_by TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE reminders ADD COLUMN claimed_until INTEGER NOT NULL DEFAULT 0`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("exec migration: %w", err)
			}
		}
	}
	return nil
}

// === Principals ===

func (s *Storage) CreatePrincipal(ctx context.Context, p *domain.Principal) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO principals (uri, email, display_name, telegram_chat_id) VALUES (?, ?, ?, ?)`,
		p.URI, strings.ToLower(p.Email), p.DisplayName, p.TelegramChatID,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	p.ID = id
	p.CreatedAt = time.Now()
	return nil
}

const principalColumns = `id, uri, email, display_name, telegram_chat_id, created_at`

func scanPrincipal(row interface{ Scan(...any) error }) (*domain.Principal, error) {
	p := &domain.Principal{}
	err := row.Scan(&p.ID, &p.URI, &p.Email, &p.DisplayName, &p.TelegramChatID, &p.CreatedAt)
	return p, err
}

func (s *Storage) GetPrincipal(ctx context.Context, uri string) (*domain.Principal, error) {
	p, err := scanPrincipal(s.db.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE uri = ?`, uri))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// GetPrincipalByAddress resolves a calendar user address (mailto:...) to a
// local principal, nil if nobody here owns it.
func (s *Storage) GetPrincipalByAddress(ctx context.Context, address string) (*domain.Principal, error) {
	email := strings.ToLower(strings.TrimSpace(address))
	email = strings.TrimPrefix(email, "mailto:")
	if email == "" {
		return nil, nil
	}
	p, err := scanPrincipal(s.db.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE email = ?`, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// LinkTelegramChat attaches chatID to the principal with this email.
func (s *Storage) LinkTelegramChat(ctx context.Context, email string, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE principals SET telegram_chat_id = ? WHERE email = ?`,
		chatID, strings.ToLower(strings.TrimSpace(email)),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Storage) UnlinkTelegramChat(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE principals SET telegram_chat_id = 0 WHERE telegram_chat_id = ?`, chatID)
	return err
}

// === Groups ===

func (s *Storage) AddGroupMember(ctx context.Context, groupURI, memberURI string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_members (group_uri, member_uri) VALUES (?, ?)`,
		groupURI, memberURI,
	)
	return err
}

// === Calendars ===

func (s *Storage) CreateCalendar(ctx context.Context, c *domain.Calendar) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO calendars (principal_uri, uri, display_name) VALUES (?, ?, ?)`,
		c.PrincipalURI, c.URI, c.DisplayName,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	c.ID = id
	c.CreatedAt = time.Now()
	return nil
}

func (s *Storage) GetCalendar(ctx context.Context, id int64) (*domain.Calendar, error) {
	c := &domain.Calendar{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, principal_uri, uri, display_name, created_at FROM calendars WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.PrincipalURI, &c.URI, &c.DisplayName, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// DefaultCalendar returns the principal's first calendar, where incoming
// scheduling messages are stored.
func (s *Storage) DefaultCalendar(ctx context.Context, principalURI string) (*domain.Calendar, error) {
	c := &domain.Calendar{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, principal_uri, uri, display_name, created_at FROM calendars
		 WHERE principal_uri = ? ORDER BY id LIMIT 1`,
		principalURI,
	).Scan(&c.ID, &c.PrincipalURI, &c.URI, &c.DisplayName, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *Storage) ListCalendars(ctx context.Context, principalURI string) ([]*domain.Calendar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, principal_uri, uri, display_name, created_at FROM calendars
		 WHERE principal_uri = ? ORDER BY id`,
		principalURI,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calendars []*domain.Calendar
	for rows.Next() {
		c := &domain.Calendar{}
		if err := rows.Scan(&c.ID, &c.PrincipalURI, &c.URI, &c.DisplayName, &c.CreatedAt); err != nil {
			return nil, err
		}
		calendars = append(calendars, c)
	}
	return calendars, rows.Err()
}

// DeleteCalendar removes the calendar with its objects and shares.
func (s *Storage) DeleteCalendar(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM calendars WHERE id = ?`, id)
	return err
}

func (s *Storage) ShareCalendar(ctx context.Context, sh *domain.Share) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_shares (calendar_id, principal_uri, read_only) VALUES (?, ?, ?)
		 ON CONFLICT (calendar_id, principal_uri) DO UPDATE SET read_only = excluded.read_only`,
		sh.CalendarID, sh.PrincipalURI, sh.ReadOnly,
	)
	return err
}

// WriteAccessPrincipals returns the owner of the calendar plus everyone it is
// shared with read-write, directly or through a group.
func (s *Storage) WriteAccessPrincipals(ctx context.Context, calendarID int64) ([]*domain.Principal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE uri IN (
			SELECT principal_uri FROM calendars WHERE id = ?
			UNION
			SELECT principal_uri FROM calendar_shares WHERE calendar_id = ? AND read_only = 0
			UNION
			SELECT gm.member_uri FROM group_members gm
			JOIN calendar_shares cs ON cs.principal_uri = gm.group_uri
			WHERE cs.calendar_id = ? AND cs.read_only = 0
		) ORDER BY id`,
		calendarID, calendarID, calendarID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var principals []*domain.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		principals = append(principals, p)
	}
	return principals, rows.Err()
}

// === Calendar objects ===

// PutObject creates or replaces the object at (calendar, uri).
func (s *Storage) PutObject(ctx context.Context, o *domain.CalendarObject) error {
	o.ETag = etag(o.Data)
	o.LastModified = time.Now().UTC().Truncate(time.Second)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_objects (calendar_id, uri, uid, data, etag, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (calendar_id, uri) DO UPDATE SET
			uid = excluded.uid, data = excluded.data,
			etag = excluded.etag, last_modified = excluded.last_modified`,
		o.CalendarID, o.URI, o.UID, o.Data, o.ETag, o.LastModified.Unix(),
	)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx,
		`SELECT id FROM calendar_objects WHERE calendar_id = ? AND uri = ?`,
		o.CalendarID, o.URI,
	).Scan(&o.ID)
}

const objectColumns = `id, calendar_id, uri, uid, data, etag, last_modified`

func scanObject(row interface{ Scan(...any) error }) (*domain.CalendarObject, error) {
	o := &domain.CalendarObject{}
	var modified int64
	if err := row.Scan(&o.ID, &o.CalendarID, &o.URI, &o.UID, &o.Data, &o.ETag, &modified); err != nil {
		return nil, err
	}
	o.LastModified = time.Unix(modified, 0).UTC()
	return o, nil
}

func (s *Storage) GetObject(ctx context.Context, calendarID int64, uri string) (*domain.CalendarObject, error) {
	o, err := scanObject(s.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM calendar_objects WHERE calendar_id = ? AND uri = ?`,
		calendarID, uri))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *Storage) FindObjectByUID(ctx context.Context, calendarID int64, uid string) (*domain.CalendarObject, error) {
	o, err := scanObject(s.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM calendar_objects WHERE calendar_id = ? AND uid = ? ORDER BY id LIMIT 1`,
		calendarID, uid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *Storage) ListObjects(ctx context.Context, calendarID int64) ([]*domain.CalendarObject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+objectColumns+` FROM calendar_objects WHERE calendar_id = ? ORDER BY uri`,
		calendarID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []*domain.CalendarObject
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		objects = append(objects, o)
	}
	return objects, rows.Err()
}

func (s *Storage) DeleteObject(ctx context.Context, calendarID int64, uri string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM calendar_objects WHERE calendar_id = ? AND uri = ?`, calendarID, uri)
	return err
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// === Schedule inbox ===

func (s *Storage) AddSchedulingObject(ctx context.Context, o *domain.SchedulingObject) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduling_objects (principal_uri, uri, method, data) VALUES (?, ?, ?, ?)`,
		o.PrincipalURI, o.URI, o.Method, o.Data,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	o.ID = id
	o.CreatedAt = time.Now()
	return nil
}

func (s *Storage) ListSchedulingObjects(ctx context.Context, principalURI string) ([]*domain.SchedulingObject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, principal_uri, uri, method, data, created_at FROM scheduling_objects
		 WHERE principal_uri = ? ORDER BY id`,
		principalURI,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []*domain.SchedulingObject
	for rows.Next() {
		o := &domain.SchedulingObject{}
		if err := rows.Scan(&o.ID, &o.PrincipalURI, &o.URI, &o.Method, &o.Data, &o.CreatedAt); err != nil {
			return nil, err
		}
		objects = append(objects, o)
	}
	return objects, rows.Err()
}
