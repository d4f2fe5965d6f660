package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tazhate/calsched/config"
	appLog "github.com/tazhate/calsched/internal/log"
	"github.com/tazhate/calsched/internal/service"
)

// ReminderSweeper fires and expires reminders.
type ReminderSweeper interface {
	ProcessDue(ctx context.Context) error
	ProcessExpired(ctx context.Context) error
}

type RemoteSyncer interface {
	IsConfigured() bool
	SyncRemote(ctx context.Context) (*service.SyncResult, error)
}

type Scheduler struct {
	cron      *cron.Cron
	cfg       *config.Config
	reminders ReminderSweeper
	syncer    RemoteSyncer

	// ctx живёт от Start до Stop; задачи cron получают его.
	ctx context.Context
	mu  sync.Mutex
}

func New(cfg *config.Config, reminders ReminderSweeper) *Scheduler {
	location := cfg.Timezone
	if location == nil {
		location = time.UTC
	}

	// Следующий тик пропускается, пока предыдущий ещё работает.
	c := cron.New(
		cron.WithLocation(location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	return &Scheduler{
		cron:      c,
		cfg:       cfg,
		reminders: reminders,
		ctx:       context.Background(),
	}
}

// SetSyncer enables the remote calendar sync job.
func (s *Scheduler) SetSyncer(syncer RemoteSyncer) {
	s.syncer = syncer
}

// Register adds the jobs without starting the cron loop.
func (s *Scheduler) Register() error {
	// Проверка напоминаний
	if _, err := s.cron.AddFunc(s.cfg.SweepSchedule, s.sweepDue); err != nil {
		return fmt.Errorf("add reminder sweep: %w", err)
	}

	// Просроченные напоминания
	if _, err := s.cron.AddFunc(s.cfg.ExpireSchedule, s.sweepExpired); err != nil {
		return fmt.Errorf("add expired sweep: %w", err)
	}

	if s.syncer != nil && s.syncer.IsConfigured() && s.cfg.SyncSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.SyncSchedule, s.syncRemote); err != nil {
			return fmt.Errorf("add remote sync: %w", err)
		}
	}
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Register(); err != nil {
		return err
	}

	s.cron.Start()
	appLog.Info("scheduler started",
		"tz", s.cfg.Timezone.String(),
		"sweep", s.cfg.SweepSchedule,
		"expire", s.cfg.ExpireSchedule,
		"jobs", len(s.cron.Entries()))

	<-ctx.Done()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	appLog.Info("scheduler stopped")
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) sweepDue() {
	if err := s.reminders.ProcessDue(s.jobContext()); err != nil {
		appLog.Error("reminder sweep", err)
	}
}

func (s *Scheduler) sweepExpired() {
	if err := s.reminders.ProcessExpired(s.jobContext()); err != nil {
		appLog.Error("expired reminder sweep", err)
	}
}

func (s *Scheduler) syncRemote() {
	result, err := s.syncer.SyncRemote(s.jobContext())
	if err != nil {
		appLog.Error("remote calendar sync", err)
		return
	}
	for _, e := range result.Errors {
		appLog.Warn("remote calendar sync", "err", e)
	}
	if result.Added+result.Updated+result.Deleted > 0 {
		appLog.Info("remote calendar synced",
			"added", result.Added, "updated", result.Updated, "deleted", result.Deleted)
	}
}
