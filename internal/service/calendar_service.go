package service

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/tazhate/calsched/internal/calobj"
	"github.com/tazhate/calsched/internal/clients/caldav"
	"github.com/tazhate/calsched/internal/delivery"
	"github.com/tazhate/calsched/internal/domain"
	"github.com/tazhate/calsched/internal/itip"
	appLog "github.com/tazhate/calsched/internal/log"
	"github.com/tazhate/calsched/internal/storage"
)

// RemoteCalendar is the CalDAV collection mirrored into the sync calendar.
type RemoteCalendar interface {
	IsConfigured() bool
	ListObjects(ctx context.Context, calendarPath string) ([]caldav.Object, error)
	PutObject(ctx context.Context, calendarPath, name string, cal *ical.Calendar) error
	DeleteObject(ctx context.Context, calendarPath, name string) error
}

// CalendarService is the single write path for calendar objects: every change
// goes through scheduling and reminder reconciliation.
type CalendarService struct {
	storage        *storage.Storage
	reminders      *ReminderService
	sink           delivery.Sink
	remote         RemoteCalendar
	syncCalendarID int64
	syncPrincipal  string
	timezone       *time.Location
}

// NewCalendarService creates a new calendar service. sink and remote may be nil.
func NewCalendarService(s *storage.Storage, reminders *ReminderService, sink delivery.Sink, remote RemoteCalendar, tz *time.Location) *CalendarService {
	if tz == nil {
		tz = time.UTC
	}
	return &CalendarService{
		storage:   s,
		reminders: reminders,
		sink:      sink,
		remote:    remote,
		timezone:  tz,
	}
}

// SetSyncTarget sets the local calendar mirrored from the remote server and the
// principal that owns it.
func (s *CalendarService) SetSyncTarget(calendarID int64, principalURI string) {
	s.syncCalendarID = calendarID
	s.syncPrincipal = principalURI
}

// IsConfigured returns true if remote sync can run
func (s *CalendarService) IsConfigured() bool {
	return s.remote != nil && s.remote.IsConfigured() && s.syncCalendarID != 0
}

// PutObject stores a calendar object written by principalURI, sends the
// scheduling messages the change implies and reschedules its reminders.
func (s *CalendarService) PutObject(ctx context.Context, principalURI string, calendarID int64, uri string, data []byte) (*domain.CalendarObject, error) {
	return s.put(ctx, principalURI, calendarID, uri, data, true)
}

func (s *CalendarService) put(ctx context.Context, principalURI string, calendarID int64, uri string, data []byte, push bool) (*domain.CalendarObject, error) {
	obj, err := calobj.ParseIn(data, s.timezone)
	if err != nil {
		return nil, err
	}
	if obj.HasEvents() {
		if err := obj.Validate(); err != nil {
			return nil, err
		}
	}

	existing, err := s.storage.GetObject(ctx, calendarID, uri)
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	old := s.decode(existing)

	actor, err := s.actor(ctx, principalURI)
	if err != nil {
		return nil, err
	}
	msgs, err := itip.ComputeMessages(old, obj, actor, nil)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", uri, err)
	}
	if len(msgs) > 0 {
		s.deliverAll(ctx, msgs)
		// Статус доставки сохраняется у участников в копии организатора.
		// Зеркало удалённого календаря не меняем.
		if push && recordStatus(obj, msgs) {
			if data, err = obj.Encode(); err != nil {
				return nil, fmt.Errorf("encode object: %w", err)
			}
		}
	}

	stored, err := s.store(ctx, calendarID, uri, obj.UID(), data, existing != nil)
	if err != nil {
		return nil, err
	}

	if push && s.mirrored(calendarID) {
		if err := s.remote.PutObject(ctx, "", uri, obj.Cal); err != nil {
			appLog.Warn("push object to CalDAV", "uri", uri, "err", err)
		}
	}
	return stored, nil
}

// store writes the object and reconciles its reminders. Reminder errors are
// logged only.
func (s *CalendarService) store(ctx context.Context, calendarID int64, uri, uid string, data []byte, update bool) (*domain.CalendarObject, error) {
	stored := &domain.CalendarObject{CalendarID: calendarID, URI: uri, UID: uid, Data: data}
	if err := s.storage.PutObject(ctx, stored); err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}

	var err error
	if update {
		err = s.reminders.OnObjectUpdated(ctx, calendarID, uri, data)
	} else {
		err = s.reminders.OnObjectCreated(ctx, calendarID, uri, data)
	}
	if err != nil {
		appLog.Error("reconcile reminders", err, "calendar_id", calendarID, "uri", uri)
	}
	return stored, nil
}

// DeleteObject removes an object, cancelling or declining it for the other
// parties as the deleting principal's role requires.
func (s *CalendarService) DeleteObject(ctx context.Context, principalURI string, calendarID int64, uri string) error {
	return s.remove(ctx, principalURI, calendarID, uri, true)
}

func (s *CalendarService) remove(ctx context.Context, principalURI string, calendarID int64, uri string, push bool) error {
	existing, err := s.storage.GetObject(ctx, calendarID, uri)
	if err != nil {
		return fmt.Errorf("get object: %w", err)
	}
	if existing == nil {
		return nil
	}

	if old := s.decode(existing); old != nil {
		actor, err := s.actor(ctx, principalURI)
		if err != nil {
			return err
		}
		msgs, err := itip.ComputeMessages(old, nil, actor, nil)
		if err != nil {
			appLog.Warn("skip scheduling for deleted object", "uri", uri, "err", err)
		}
		s.deliverAll(ctx, msgs)
	}

	if err := s.storage.DeleteObject(ctx, calendarID, uri); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	if err := s.reminders.OnObjectDeleted(ctx, calendarID, uri); err != nil {
		appLog.Error("drop reminders", err, "calendar_id", calendarID, "uri", uri)
	}

	if push && s.mirrored(calendarID) {
		if err := s.remote.DeleteObject(ctx, "", uri); err != nil {
			appLog.Warn("delete object from CalDAV", "uri", uri, "err", err)
		}
	}
	return nil
}

// DeleteCalendar removes a calendar with its objects and reminders.
func (s *CalendarService) DeleteCalendar(ctx context.Context, calendarID int64) error {
	if err := s.reminders.OnCalendarDeleted(ctx, calendarID); err != nil {
		appLog.Error("drop calendar reminders", err, "calendar_id", calendarID)
	}
	if err := s.storage.DeleteCalendar(ctx, calendarID); err != nil {
		return fmt.Errorf("delete calendar: %w", err)
	}
	return nil
}

func (s *CalendarService) deliverAll(ctx context.Context, msgs []*itip.Message) {
	for _, msg := range msgs {
		s.Deliver(ctx, msg)
		appLog.Debug("scheduling message",
			"method", msg.Method, "uid", msg.UID, "recipient", msg.Recipient, "status", msg.ScheduleStatus)
	}
}

// Deliver routes msg to a local principal or to the external sink and records
// the outcome in msg.ScheduleStatus.
func (s *CalendarService) Deliver(ctx context.Context, msg *itip.Message) {
	principal, err := s.storage.GetPrincipalByAddress(ctx, msg.Recipient)
	if err != nil {
		appLog.Error("resolve recipient", err, "recipient", msg.Recipient)
		msg.ScheduleStatus = itip.StatusDeliveryFailed
		return
	}
	if principal != nil {
		msg.ScheduleStatus = s.deliverLocal(ctx, principal, msg)
		return
	}

	if !msg.SignificantChange {
		msg.ScheduleStatus = itip.StatusNotSignificant
		return
	}
	if s.sink == nil {
		msg.ScheduleStatus = itip.StatusDeliveryFailed
		return
	}
	if err := s.sink.Deliver(ctx, msg); err != nil {
		appLog.Warn("external delivery failed", "recipient", msg.Recipient, "err", err)
		msg.ScheduleStatus = itip.StatusDeliveryFailed
		return
	}
	msg.ScheduleStatus = itip.StatusSent
}

func (s *CalendarService) deliverLocal(ctx context.Context, p *domain.Principal, msg *itip.Message) string {
	if msg.Payload == nil {
		return itip.StatusInvalidUser
	}
	cal, err := s.storage.DefaultCalendar(ctx, p.URI)
	if err != nil {
		appLog.Error("find default calendar", err, "principal", p.URI)
		return itip.StatusDeliveryFailed
	}
	if cal == nil {
		return itip.StatusInvalidUser
	}

	existing, err := s.storage.FindObjectByUID(ctx, cal.ID, msg.UID)
	if err != nil {
		appLog.Error("find object by uid", err, "principal", p.URI, "uid", msg.UID)
		return itip.StatusDeliveryFailed
	}

	updated, err := itip.ApplyMessage(msg, s.decode(existing))
	if err != nil {
		appLog.Warn("apply scheduling message", "principal", p.URI, "uid", msg.UID, "err", err)
		return itip.StatusDeliveryFailed
	}
	if updated != nil {
		data, err := updated.Encode()
		if err != nil {
			appLog.Error("encode delivered object", err, "uid", msg.UID)
			return itip.StatusDeliveryFailed
		}
		uri := uuid.New().String() + ".ics"
		if existing != nil {
			uri = existing.URI
		}
		if _, err := s.store(ctx, cal.ID, uri, msg.UID, data, existing != nil); err != nil {
			appLog.Error("store delivered object", err, "principal", p.URI, "uid", msg.UID)
			return itip.StatusDeliveryFailed
		}
	}

	// Копия во входящие.
	payload, err := msg.Payload.Encode()
	if err != nil {
		appLog.Error("encode inbox copy", err, "uid", msg.UID)
		return itip.StatusDeliveryFailed
	}
	inbox := &domain.SchedulingObject{
		PrincipalURI: p.URI,
		URI:          uuid.New().String() + ".ics",
		Method:       msg.Method,
		Data:         payload,
	}
	if err := s.storage.AddSchedulingObject(ctx, inbox); err != nil {
		appLog.Error("store inbox copy", err, "principal", p.URI)
		return itip.StatusDeliveryFailed
	}
	return itip.StatusDelivered
}

// SyncResult contains sync operation results
type SyncResult struct {
	Added   int
	Updated int
	Deleted int
	Errors  []string
}

// SyncRemote mirrors the remote CalDAV calendar into the sync calendar.
// Objects go through the normal write path so scheduling and reminders follow.
func (s *CalendarService) SyncRemote(ctx context.Context) (*SyncResult, error) {
	if !s.IsConfigured() {
		return nil, fmt.Errorf("CalDAV not configured")
	}

	remote, err := s.remote.ListObjects(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list remote objects: %w", err)
	}

	local, err := s.storage.ListObjects(ctx, s.syncCalendarID)
	if err != nil {
		return nil, fmt.Errorf("list local objects: %w", err)
	}
	localByURI := make(map[string]*domain.CalendarObject, len(local))
	for _, o := range local {
		localByURI[o.URI] = o
	}

	result := &SyncResult{}
	seen := make(map[string]bool)

	for _, ro := range remote {
		seen[ro.Name] = true

		data, err := calobj.Wrap(ro.Data, s.timezone).Encode()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("encode %s: %v", ro.Name, err))
			continue
		}

		lo, exists := localByURI[ro.Name]
		if exists && string(lo.Data) == string(data) {
			continue
		}
		if _, err := s.put(ctx, s.syncPrincipal, s.syncCalendarID, ro.Name, data, false); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("store %s: %v", ro.Name, err))
			continue
		}
		if exists {
			result.Updated++
		} else {
			result.Added++
		}
	}

	// Удаляем локальные объекты, которых больше нет на сервере
	for uri := range localByURI {
		if seen[uri] {
			continue
		}
		if err := s.remove(ctx, s.syncPrincipal, s.syncCalendarID, uri, false); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete %s: %v", uri, err))
			continue
		}
		result.Deleted++
	}

	return result, nil
}

func (s *CalendarService) mirrored(calendarID int64) bool {
	return calendarID == s.syncCalendarID && s.IsConfigured()
}

// actor returns the addresses that identify principalURI as organizer or
// attendee. An unknown principal has none.
func (s *CalendarService) actor(ctx context.Context, principalURI string) ([]string, error) {
	if principalURI == "" {
		return nil, nil
	}
	p, err := s.storage.GetPrincipal(ctx, principalURI)
	if err != nil {
		return nil, fmt.Errorf("get principal: %w", err)
	}
	if p == nil || p.Email == "" {
		return nil, nil
	}
	return []string{p.Address()}, nil
}

// decode returns nil for missing or unreadable objects.
func (s *CalendarService) decode(o *domain.CalendarObject) *calobj.Object {
	if o == nil {
		return nil
	}
	obj, err := calobj.ParseIn(o.Data, s.timezone)
	if err != nil {
		appLog.Warn("stored object unreadable", "calendar_id", o.CalendarID, "uri", o.URI, "err", err)
		return nil
	}
	return obj
}

// recordStatus sets SCHEDULE-STATUS on the attendees the organizer's messages
// went to and reports whether anything changed.
func recordStatus(obj *calobj.Object, msgs []*itip.Message) bool {
	changed := false
	for _, msg := range msgs {
		if msg.Method == itip.MethodReply || msg.ScheduleStatus == "" {
			continue
		}
		for _, ev := range obj.Events() {
			if ev.UpdateAttendee(msg.Recipient, func(params ical.Params) {
				params.Set(calobj.ParamScheduleStatus, msg.ScheduleStatus)
			}) {
				changed = true
			}
		}
	}
	return changed
}
