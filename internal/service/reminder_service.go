package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-ical"

	"github.com/tazhate/calsched/internal/calobj"
	"github.com/tazhate/calsched/internal/domain"
	"github.com/tazhate/calsched/internal/fingerprint"
	"github.com/tazhate/calsched/internal/lock"
	appLog "github.com/tazhate/calsched/internal/log"
	"github.com/tazhate/calsched/internal/notify"
	"github.com/tazhate/calsched/internal/recur"
	"github.com/tazhate/calsched/internal/storage"
)

const (
	DefaultMaxMaterialized = 1000
	DefaultClaimTTL        = 5 * time.Minute
)

type ReminderOptions struct {
	// MaxIterations caps every walk over a series.
	MaxIterations int
	// MaxMaterialized caps rows created per alarm of a finite series.
	MaxMaterialized int
	ClaimTTL        time.Duration
}

// ReminderService keeps the reminders table in step with stored calendar
// objects and fires due reminders.
type ReminderService struct {
	storage  *storage.Storage
	registry *notify.Registry
	claimer  lock.Claimer
	locks    *lock.Keyed
	timezone *time.Location
	opts     ReminderOptions
	now      func() time.Time
}

func NewReminderService(s *storage.Storage, registry *notify.Registry, claimer lock.Claimer, tz *time.Location, opts ReminderOptions) *ReminderService {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = recur.DefaultMaxIterations
	}
	if opts.MaxMaterialized <= 0 {
		opts.MaxMaterialized = DefaultMaxMaterialized
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	if claimer == nil {
		claimer = lock.NewStoreClaimer(s, "local")
	}
	if tz == nil {
		tz = time.UTC
	}
	return &ReminderService{
		storage:  s,
		registry: registry,
		claimer:  claimer,
		locks:    lock.NewKeyed(),
		timezone: tz,
		opts:     opts,
		now:      time.Now,
	}
}

func objectKey(calendarID int64, objectURI string) string {
	return fmt.Sprintf("%d/%s", calendarID, objectURI)
}

// OnObjectCreated schedules reminders for a newly stored object.
func (s *ReminderService) OnObjectCreated(ctx context.Context, calendarID int64, objectURI string, data []byte) error {
	defer s.locks.Lock(objectKey(calendarID, objectURI))()
	return s.create(ctx, calendarID, objectURI, data)
}

// OnObjectUpdated drops every reminder of the object and schedules them again.
func (s *ReminderService) OnObjectUpdated(ctx context.Context, calendarID int64, objectURI string, data []byte) error {
	defer s.locks.Lock(objectKey(calendarID, objectURI))()
	if err := s.storage.DeleteRemindersByObject(ctx, calendarID, objectURI); err != nil {
		return fmt.Errorf("delete reminders: %w", err)
	}
	return s.create(ctx, calendarID, objectURI, data)
}

func (s *ReminderService) OnObjectDeleted(ctx context.Context, calendarID int64, objectURI string) error {
	defer s.locks.Lock(objectKey(calendarID, objectURI))()
	if err := s.storage.DeleteRemindersByObject(ctx, calendarID, objectURI); err != nil {
		return fmt.Errorf("delete reminders: %w", err)
	}
	return nil
}

func (s *ReminderService) OnCalendarDeleted(ctx context.Context, calendarID int64) error {
	if err := s.storage.DeleteRemindersByCalendar(ctx, calendarID); err != nil {
		return fmt.Errorf("delete calendar reminders: %w", err)
	}
	return nil
}

// parse returns nil for data the engine does not handle. Only multiple
// masters are reported as an error.
func (s *ReminderService) parse(calendarID int64, objectURI string, data []byte) (*calobj.Object, *calobj.Event, error) {
	obj, err := calobj.ParseIn(data, s.timezone)
	if err != nil {
		appLog.Warn("skip unparsable calendar object", "calendar_id", calendarID, "uri", objectURI, "err", err)
		return nil, nil, nil
	}
	if !obj.HasEvents() {
		return nil, nil, nil
	}
	master, err := obj.Master()
	if err != nil {
		return nil, nil, fmt.Errorf("object %s: %w", objectURI, err)
	}
	return obj, master, nil
}

func (s *ReminderService) create(ctx context.Context, calendarID int64, objectURI string, data []byte) error {
	obj, master, err := s.parse(calendarID, objectURI, data)
	if err != nil || obj == nil {
		return err
	}
	now := s.now()
	tmpl := domain.Reminder{CalendarID: calendarID, ObjectURI: objectURI, UID: obj.UID()}

	// Каждое исключение серии это отдельное вхождение.
	for _, ex := range obj.Exceptions() {
		occ, ok := recur.ExceptionOccurrence(ex)
		if !ok {
			continue
		}
		row := tmpl
		row.IsRecurring = true
		row.IsRecurrenceException = true
		for _, a := range s.alarms(ex, objectURI) {
			if _, err := s.insertAlarm(ctx, row, occ, a, now); err != nil {
				return err
			}
		}
	}

	if master == nil {
		return nil
	}
	alarms := s.alarms(master, objectURI)
	if len(alarms) == 0 {
		return nil
	}

	if !isRecurring(master) {
		start, err := master.Start()
		if err != nil {
			return nil
		}
		end, err := master.End()
		if err != nil {
			end = start
		}
		occ := recur.Occurrence{Event: master, Start: start, End: end, RecurrenceID: start, AllDay: master.AllDay()}
		for _, a := range alarms {
			if _, err := s.insertAlarm(ctx, tmpl, occ, a, now); err != nil {
				return err
			}
		}
		return nil
	}

	// Вхождения раньше horizon не могут дать будущий триггер.
	horizon := now.Add(-maxForwardReach(alarms))
	it, err := recur.NewAt(master, obj.Exceptions(), horizon)
	if err != nil {
		appLog.Warn("skip series with unusable recurrence", "calendar_id", calendarID, "uri", objectURI, "err", err)
		return nil
	}
	row := tmpl
	row.IsRecurring = true
	return s.walkSeries(ctx, it, row, alarms, now, horizon)
}

// walkSeries materializes reminders for the master's alarms. A relative alarm
// of an endless series stops after its first future reminder; later ones are
// created when that one fires. A finite series gets every future reminder up
// to MaxMaterialized per alarm. An absolute alarm yields at most one row.
func (s *ReminderService) walkSeries(ctx context.Context, it *recur.Iterator, row domain.Reminder, alarms []*calobj.Alarm, now, horizon time.Time) error {
	produced := make([]int, len(alarms))
	exhausted := make([]bool, len(alarms))
	remaining := len(alarms)

	steps := 0
	for remaining > 0 && steps < s.opts.MaxIterations {
		occ, ok := it.Next()
		if !ok {
			break
		}
		if occ.IsException {
			continue
		}
		if occ.End.Before(horizon) {
			continue
		}
		steps++

		for i, a := range alarms {
			if exhausted[i] {
				continue
			}
			future, err := s.insertAlarm(ctx, row, occ, a, now)
			if err != nil {
				return err
			}
			switch {
			case !a.Trigger.IsRelative():
				// Абсолютный триггер одинаков для всех вхождений.
				exhausted[i] = true
			case future:
				produced[i]++
				if !it.Bounded() || produced[i] >= s.opts.MaxMaterialized {
					exhausted[i] = true
				}
			}
			if exhausted[i] {
				remaining--
			}
		}
	}
	return nil
}

// insertAlarm writes the reminder for one alarm of one occurrence plus its
// repeats. It reports false, writing nothing, when the trigger is past.
func (s *ReminderService) insertAlarm(ctx context.Context, row domain.Reminder, occ recur.Occurrence, a *calobj.Alarm, now time.Time) (bool, error) {
	at := a.At(occ.Start, occ.End)
	if at.Before(now) {
		return false, nil
	}

	row.Type = a.Action
	row.EventStart = occ.Start
	row.EventHash = fingerprint.Event(occ.Event)
	row.AlarmHash = fingerprint.Alarm(a)
	row.IsRelative = a.Trigger.IsRelative()
	// У одиночного события ключ экземпляра это его начало.
	row.RecurrenceID = occ.Key()

	base := row
	base.NotificationAt = at
	if _, err := s.storage.InsertReminder(ctx, &base); err != nil {
		return false, fmt.Errorf("insert reminder: %w", err)
	}
	for _, step := range a.RepeatSteps(at) {
		rep := row
		rep.NotificationAt = step
		rep.IsRepeatBased = true
		if _, err := s.storage.InsertReminder(ctx, &rep); err != nil {
			return false, fmt.Errorf("insert repeat reminder: %w", err)
		}
	}
	return true, nil
}

func (s *ReminderService) alarms(ev *calobj.Event, objectURI string) []*calobj.Alarm {
	alarms, err := ev.Alarms()
	if err != nil {
		appLog.Warn("skip malformed alarms", "uri", objectURI, "instance", ev.Key(), "err", err)
	}
	return alarms
}

// Fire delivers one reminder and retires it. Reminders for recurring events
// with a relative trigger are first replaced by the next occurrence's.
func (s *ReminderService) Fire(ctx context.Context, r *domain.Reminder) error {
	defer s.locks.Lock(objectKey(r.CalendarID, r.ObjectURI))()
	return s.fire(ctx, r)
}

func (s *ReminderService) fire(ctx context.Context, r *domain.Reminder) error {
	provider, err := s.registry.Resolve(r.Type)
	if err != nil {
		if errors.Is(err, notify.ErrProviderUnavailable) {
			appLog.Debug("no provider, reminder dropped", "reminder", r.ID, "type", r.Type)
			return s.retire(ctx, r)
		}
		return errors.Join(err, s.retire(ctx, r))
	}

	obj, master, err := s.load(ctx, r)
	if err != nil {
		return errors.Join(err, s.retire(ctx, r))
	}
	if obj == nil {
		return s.retire(ctx, r)
	}

	occ, ok := s.occurrence(obj, master, r)
	if !ok || occ.Event.Status() == calobj.StatusCancelled {
		appLog.Debug("reminder target gone, dropped", "reminder", r.ID, "uri", r.ObjectURI)
		return s.retire(ctx, r)
	}

	var errs []error
	recipients, err := s.storage.WriteAccessPrincipals(ctx, r.CalendarID)
	if err != nil {
		errs = append(errs, fmt.Errorf("resolve recipients: %w", err))
	} else if err := provider.Send(ctx, occ, r.CalendarDisplayName, recipients); err != nil {
		errs = append(errs, fmt.Errorf("notify reminder %d: %w", r.ID, err))
	}

	if r.Regenerates() {
		if err := s.regenerate(ctx, r, obj, master); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.retire(ctx, r))
	return errors.Join(errs...)
}

func (s *ReminderService) retire(ctx context.Context, r *domain.Reminder) error {
	if err := s.storage.DeleteReminder(ctx, r.ID); err != nil {
		return fmt.Errorf("delete reminder %d: %w", r.ID, err)
	}
	return nil
}

// load returns a nil object when the stored object is gone or unusable.
func (s *ReminderService) load(ctx context.Context, r *domain.Reminder) (*calobj.Object, *calobj.Event, error) {
	stored, err := s.storage.GetObject(ctx, r.CalendarID, r.ObjectURI)
	if err != nil {
		return nil, nil, fmt.Errorf("get object: %w", err)
	}
	if stored == nil {
		return nil, nil, nil
	}
	return s.parse(r.CalendarID, r.ObjectURI, stored.Data)
}

// occurrence finds the instance a reminder was created for.
func (s *ReminderService) occurrence(obj *calobj.Object, master *calobj.Event, r *domain.Reminder) (recur.Occurrence, bool) {
	if !r.IsRecurring {
		if master == nil {
			return recur.Occurrence{}, false
		}
		start, err := master.Start()
		if err != nil {
			return recur.Occurrence{}, false
		}
		end, err := master.End()
		if err != nil {
			end = start
		}
		return recur.Occurrence{Event: master, Start: start, End: end, RecurrenceID: start, AllDay: master.AllDay()}, true
	}

	rid, _, err := calobj.ParseKey(r.RecurrenceID, s.timezone)
	if err != nil {
		return recur.Occurrence{}, false
	}
	after := rid.Add(-time.Second)
	it, err := recur.FromObjectAt(obj, after)
	if err != nil {
		return recur.Occurrence{}, false
	}
	return recur.Find(it, after, func(o recur.Occurrence) bool {
		return o.Key() == r.RecurrenceID
	}, s.opts.MaxIterations)
}

// regenerate inserts the reminder for the first later occurrence whose
// matching alarm still lies in the future.
func (s *ReminderService) regenerate(ctx context.Context, r *domain.Reminder, obj *calobj.Object, master *calobj.Event) error {
	if master == nil {
		return nil
	}
	var alarm *calobj.Alarm
	for _, a := range s.alarms(master, r.ObjectURI) {
		if fingerprint.Alarm(a) == r.AlarmHash {
			alarm = a
			break
		}
	}
	if alarm == nil {
		return nil
	}

	rid, _, err := calobj.ParseKey(r.RecurrenceID, s.timezone)
	if err != nil {
		return nil
	}
	it, err := recur.NewAt(master, obj.Exceptions(), rid)
	if err != nil {
		return nil
	}

	now := s.now()
	next, ok := recur.Find(it, rid, func(o recur.Occurrence) bool {
		return !o.IsException && !alarm.At(o.Start, o.End).Before(now)
	}, s.opts.MaxIterations)
	if !ok {
		return nil
	}

	row := domain.Reminder{
		CalendarID:  r.CalendarID,
		ObjectURI:   r.ObjectURI,
		UID:         r.UID,
		IsRecurring: true,
	}
	if _, err := s.insertAlarm(ctx, row, next, alarm, now); err != nil {
		return fmt.Errorf("regenerate reminder %d: %w", r.ID, err)
	}
	return nil
}

// ProcessDue fires every due reminder this process manages to claim.
func (s *ReminderService) ProcessDue(ctx context.Context) error {
	due, err := s.storage.DueReminders(ctx, s.now())
	if err != nil {
		return fmt.Errorf("list due reminders: %w", err)
	}

	var errs []error
	fired := 0
	for _, r := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		cur, err := s.claim(ctx, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if cur == nil {
			continue
		}
		// Встреча началась, пока шёл обход: строку заберёт ProcessExpired.
		if cur.IsExpired(s.now()) {
			s.release(ctx, cur.ID)
			continue
		}
		if err := s.Fire(ctx, cur); err != nil {
			appLog.Error("fire reminder", err, "reminder", cur.ID, "uri", cur.ObjectURI)
			errs = append(errs, err)
			s.release(ctx, cur.ID)
		}
		fired++
	}
	if fired > 0 {
		appLog.Info("reminders fired", "count", fired)
	}
	return errors.Join(errs...)
}

// ProcessExpired retires reminders whose event already started without
// notifying anyone, keeping series going through regeneration.
func (s *ReminderService) ProcessExpired(ctx context.Context) error {
	expired, err := s.storage.ExpiredReminders(ctx, s.now())
	if err != nil {
		return fmt.Errorf("list expired reminders: %w", err)
	}

	var errs []error
	for _, r := range expired {
		cur, err := s.claim(ctx, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if cur == nil {
			continue
		}
		if err := s.expire(ctx, cur); err != nil {
			errs = append(errs, err)
			s.release(ctx, cur.ID)
		}
	}
	if len(expired) > 0 {
		appLog.Info("expired reminders retired", "count", len(expired))
	}
	return errors.Join(errs...)
}

// claim takes r for this process and reloads it. A nil row means another
// sweeper holds it or it was already retired.
func (s *ReminderService) claim(ctx context.Context, r *domain.Reminder) (*domain.Reminder, error) {
	ok, err := s.claimer.Claim(ctx, r.ID, s.opts.ClaimTTL)
	if err != nil || !ok {
		return nil, err
	}
	cur, err := s.storage.GetReminder(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("reload reminder %d: %w", r.ID, err)
	}
	if cur == nil {
		s.release(ctx, r.ID)
	}
	return cur, nil
}

func (s *ReminderService) release(ctx context.Context, id int64) {
	if err := s.claimer.Release(ctx, id); err != nil {
		appLog.Warn("release reminder claim", "reminder", id, "err", err)
	}
}

func (s *ReminderService) expire(ctx context.Context, r *domain.Reminder) error {
	defer s.locks.Lock(objectKey(r.CalendarID, r.ObjectURI))()

	var errs []error
	if r.Regenerates() {
		obj, master, err := s.load(ctx, r)
		if err != nil {
			errs = append(errs, err)
		} else if obj != nil {
			errs = append(errs, s.regenerate(ctx, r, obj, master))
		}
	}
	errs = append(errs, s.retire(ctx, r))
	return errors.Join(errs...)
}

func isRecurring(master *calobj.Event) bool {
	return master.RRule() != "" || master.Props.Get(ical.PropRecurrenceDates) != nil
}

// maxForwardReach is how far after an occurrence's end a trigger can fall.
func maxForwardReach(alarms []*calobj.Alarm) time.Duration {
	var reach time.Duration
	for _, a := range alarms {
		if !a.Trigger.IsRelative() {
			continue
		}
		d := a.Trigger.Offset
		if a.Repeat > 0 {
			d += time.Duration(a.Repeat) * a.RepeatInterval
		}
		if d > reach {
			reach = d
		}
	}
	return reach
}
