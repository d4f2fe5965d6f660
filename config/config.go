package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`
	SSL      bool   `yaml:"ssl"`
}

// CalDAVConfig describes the remote calendar mirrored into SyncCalendarID.
type CalDAVConfig struct {
	URL          string `yaml:"url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	CalendarPath string `yaml:"calendar_path"`
	// SyncCalendarID is the local calendar; 0 means the principal's default.
	SyncCalendarID int64  `yaml:"sync_calendar_id"`
	SyncPrincipal  string `yaml:"sync_principal"`
}

type Config struct {
	DatabasePath string         `yaml:"database_path"`
	TimezoneName string         `yaml:"timezone"`
	Timezone     *time.Location `yaml:"-"`
	LogLevel     string         `yaml:"log_level"`
	LogFormat    string         `yaml:"log_format"`

	// Cron specs
	SweepSchedule  string `yaml:"sweep_schedule"`
	ExpireSchedule string `yaml:"expire_schedule"`
	SyncSchedule   string `yaml:"sync_schedule"`

	ClaimTTL                time.Duration `yaml:"claim_ttl"`
	MaxRecurrenceIterations int           `yaml:"max_recurrence_iterations"`
	MaxMaterialized         int           `yaml:"max_materialized"`
	// InstanceID identifies this process in reminder claims.
	InstanceID string `yaml:"instance_id"`

	Redis         RedisConfig  `yaml:"redis"`
	SMTP          SMTPConfig   `yaml:"smtp"`
	TelegramToken string       `yaml:"telegram_bot_token"`
	CalDAV        CalDAVConfig `yaml:"caldav"`
}

func defaults() *Config {
	return &Config{
		DatabasePath:            "./data/calsched.db",
		TimezoneName:            "Europe/Moscow",
		LogLevel:                "info",
		LogFormat:               "console",
		SweepSchedule:           "* * * * *",
		ExpireSchedule:          "*/15 * * * *",
		SyncSchedule:            "*/10 * * * *",
		ClaimTTL:                5 * time.Minute,
		MaxRecurrenceIterations: 1000,
		MaxMaterialized:         1000,
		SMTP:                    SMTPConfig{Port: 587},
	}
}

// Load reads the YAML file named by CONFIG_FILE, if any, then applies
// environment overrides.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s not found", path)
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.DatabasePath, "DATABASE_PATH")
	setString(&c.TimezoneName, "TIMEZONE")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.SweepSchedule, "SWEEP_SCHEDULE")
	setString(&c.ExpireSchedule, "EXPIRE_SCHEDULE")
	setString(&c.SyncSchedule, "SYNC_SCHEDULE")
	setString(&c.InstanceID, "INSTANCE_ID")

	setString(&c.Redis.Address, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")

	setString(&c.SMTP.Host, "SMTP_HOST")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setString(&c.SMTP.From, "SMTP_FROM")
	setString(&c.SMTP.FromName, "SMTP_FROM_NAME")

	setString(&c.TelegramToken, "TELEGRAM_BOT_TOKEN")

	setString(&c.CalDAV.URL, "CALDAV_URL")
	setString(&c.CalDAV.Username, "CALDAV_USERNAME")
	setString(&c.CalDAV.Password, "CALDAV_PASSWORD")
	setString(&c.CalDAV.CalendarPath, "CALDAV_CALENDAR_PATH")
	setString(&c.CalDAV.SyncPrincipal, "SYNC_PRINCIPAL")

	if v := os.Getenv("CLAIM_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CLAIM_TTL: %w", err)
		}
		c.ClaimTTL = d
	}
	if v := os.Getenv("SMTP_SSL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid SMTP_SSL: %w", err)
		}
		c.SMTP.SSL = b
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_RECURRENCE_ITERATIONS", &c.MaxRecurrenceIterations},
		{"MAX_MATERIALIZED", &c.MaxMaterialized},
		{"REDIS_DB", &c.Redis.DB},
		{"SMTP_PORT", &c.SMTP.Port},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be a number", i.key)
		}
		*i.dst = n
	}

	if v := os.Getenv("SYNC_CALENDAR_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SYNC_CALENDAR_ID must be a number")
		}
		c.CalDAV.SyncCalendarID = id
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func (c *Config) validate() error {
	tz, err := time.LoadLocation(c.TimezoneName)
	if err != nil {
		return fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	c.Timezone = tz

	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.SweepSchedule == "" || c.ExpireSchedule == "" {
		return fmt.Errorf("SWEEP_SCHEDULE and EXPIRE_SCHEDULE are required")
	}
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("CLAIM_TTL must be positive")
	}
	if c.CalDAVEnabled() && c.CalDAV.SyncPrincipal == "" {
		return fmt.Errorf("SYNC_PRINCIPAL is required when CalDAV sync is configured")
	}
	if c.InstanceID == "" {
		host, _ := os.Hostname()
		c.InstanceID = host + "-" + uuid.NewString()[:8]
	}
	return nil
}

func (c *Config) SMTPEnabled() bool {
	return c.SMTP.Host != "" && c.SMTP.From != ""
}

func (c *Config) CalDAVEnabled() bool {
	return c.CalDAV.Username != "" && c.CalDAV.Password != ""
}

func (c *Config) RedisEnabled() bool {
	return c.Redis.Address != ""
}
