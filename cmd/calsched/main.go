package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tazhate/calsched/config"
	"github.com/tazhate/calsched/internal/bot"
	"github.com/tazhate/calsched/internal/clients/caldav"
	"github.com/tazhate/calsched/internal/clients/mailer"
	"github.com/tazhate/calsched/internal/delivery"
	"github.com/tazhate/calsched/internal/lock"
	appLog "github.com/tazhate/calsched/internal/log"
	"github.com/tazhate/calsched/internal/notify"
	"github.com/tazhate/calsched/internal/scheduler"
	"github.com/tazhate/calsched/internal/service"
	"github.com/tazhate/calsched/internal/storage"
)

func main() {
	// .env необязателен
	_ = godotenv.Load()

	// Загрузка конфига
	cfg, err := config.Load()
	if err != nil {
		appLog.Error("failed to load config", err)
		os.Exit(1)
	}
	appLog.Setup(appLog.Options{Level: appLog.ParseLevel(cfg.LogLevel), Format: cfg.LogFormat})
	defer appLog.Sync()

	if err := run(cfg); err != nil {
		appLog.Error("calsched failed", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	// Инициализация storage
	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := notify.NewRegistry()

	// Почта: EMAIL-напоминания и приглашения внешним участникам
	var sink delivery.Sink
	if cfg.SMTPEnabled() {
		m := mailer.New(mailer.Config{
			Host:     cfg.SMTP.Host,
			Port:     strconv.Itoa(cfg.SMTP.Port),
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			FromName: cfg.SMTP.FromName,
			SSL:      cfg.SMTP.SSL,
		})
		registry.Register(notify.NewEmailProvider(m, cfg.Timezone))
		sink = delivery.NewIMIP(m)
	}

	// Telegram: DISPLAY-напоминания
	var tgBot *bot.Bot
	if cfg.TelegramToken != "" {
		tgBot, err = bot.New(cfg.TelegramToken, store)
		if err != nil {
			return err
		}
		registry.Register(notify.NewDisplayProvider(tgBot, cfg.Timezone))
	}

	claimer, closeClaimer, err := newClaimer(cfg, store)
	if err != nil {
		return err
	}
	defer closeClaimer()

	reminderSvc := service.NewReminderService(store, registry, claimer, cfg.Timezone, service.ReminderOptions{
		MaxIterations:   cfg.MaxRecurrenceIterations,
		MaxMaterialized: cfg.MaxMaterialized,
		ClaimTTL:        cfg.ClaimTTL,
	})

	var remote service.RemoteCalendar
	if cfg.CalDAVEnabled() {
		client := caldav.NewClient(cfg.CalDAV.URL, cfg.CalDAV.Username, cfg.CalDAV.Password)
		client.SetCalendarPath(cfg.CalDAV.CalendarPath)
		if client.CalendarPath() == "" {
			// Путь не задан: берём первый календарь с сервера
			cals, err := client.DiscoverCalendars(ctx)
			if err != nil {
				return err
			}
			for _, c := range cals {
				appLog.Info("found CalDAV calendar", "path", c.Path, "name", c.DisplayName)
			}
			if len(cals) > 0 {
				client.SetCalendarPath(cals[0].Path)
			}
		}
		remote = client
	}
	calendarSvc := service.NewCalendarService(store, reminderSvc, sink, remote, cfg.Timezone)
	if remote != nil {
		calendarID, err := syncCalendarID(ctx, cfg, store)
		if err != nil {
			return err
		}
		calendarSvc.SetSyncTarget(calendarID, cfg.CalDAV.SyncPrincipal)
	}

	// Инициализация scheduler
	sched := scheduler.New(cfg, reminderSvc)
	sched.SetSyncer(calendarSvc)

	// Запуск scheduler в горутине
	go func() {
		if err := sched.Start(ctx); err != nil {
			appLog.Error("scheduler error", err)
			cancel()
		}
	}()

	// Запуск бота в горутине
	if tgBot != nil {
		go func() {
			if err := tgBot.Start(ctx); err != nil {
				appLog.Error("bot error", err)
			}
		}()
	}

	appLog.Info("calsched started", "instance", cfg.InstanceID, "db", cfg.DatabasePath)

	// Ожидание сигнала завершения
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	appLog.Info("shutting down")

	// Graceful shutdown
	cancel()
	sched.Stop()

	appLog.Info("calsched stopped")
	return nil
}

// newClaimer picks Redis claims when several hosts share the sweep.
func newClaimer(cfg *config.Config, store *storage.Storage) (lock.Claimer, func(), error) {
	if !cfg.RedisEnabled() {
		return lock.NewStoreClaimer(store, cfg.InstanceID), func() {}, nil
	}
	c, err := lock.NewRedisClaimer(&lock.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.InstanceID)
	if err != nil {
		return nil, nil, err
	}
	return c, func() {
		if err := c.Close(); err != nil {
			appLog.Warn("close redis", "err", err)
		}
	}, nil
}

func syncCalendarID(ctx context.Context, cfg *config.Config, store *storage.Storage) (int64, error) {
	if cfg.CalDAV.SyncCalendarID != 0 {
		return cfg.CalDAV.SyncCalendarID, nil
	}
	cal, err := store.DefaultCalendar(ctx, cfg.CalDAV.SyncPrincipal)
	if err != nil {
		return 0, err
	}
	if cal == nil {
		appLog.Warn("sync principal has no calendar, remote sync disabled", "principal", cfg.CalDAV.SyncPrincipal)
		return 0, nil
	}
	return cal.ID, nil
}
