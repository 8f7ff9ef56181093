package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate checks the configuration for values the scheduler cannot start with.
// Returns an error describing the first validation failure, or nil if valid.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("sources: at least one source is required")
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if seen[s] {
			return fmt.Errorf("sources: duplicate source %q", s)
		}
		seen[s] = true
	}

	if c.Triggers.AutoTrainThreshold <= 0 {
		return fmt.Errorf("triggers.auto_train_threshold must be positive")
	}
	if c.Triggers.ScrapeWindow <= 0 {
		return fmt.Errorf("triggers.scrape_window must be positive")
	}
	if c.Triggers.ScrapeMinRecent <= 0 {
		return fmt.Errorf("triggers.scrape_min_recent must be positive")
	}
	if c.Triggers.ProcessBacklog < 0 {
		return fmt.Errorf("triggers.process_backlog must not be negative")
	}
	if c.Triggers.TrainCooldown < 0 {
		return fmt.Errorf("triggers.train_cooldown must not be negative")
	}

	if c.Schedule.MonitorInterval <= 0 {
		return fmt.Errorf("schedule.monitor_interval must be positive")
	}
	if c.Schedule.RequestTimeout <= 0 {
		return fmt.Errorf("schedule.request_timeout must be positive")
	}
	if _, err := c.Schedule.CronSpec(); err != nil {
		return err
	}
	if _, err := c.Schedule.Location(); err != nil {
		return err
	}

	if c.Retention.Jobs <= 0 || c.Retention.UsageLogs <= 0 {
		return fmt.Errorf("retention windows must be positive")
	}
	if c.Timeouts.Scrape <= 0 || c.Timeouts.Process <= 0 || c.Timeouts.Train <= 0 {
		return fmt.Errorf("timeouts: every stage needs a positive job timeout")
	}

	switch c.State.Backend {
	case BackendGorm:
		switch c.Database.Driver {
		case "postgres", "sqlite":
		default:
			return fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver)
		}
	case BackendPostgREST:
		if c.Supabase.URL == "" || c.Supabase.ServiceRoleKey == "" {
			return fmt.Errorf("state.backend postgrest requires supabase.url and supabase.service_role_key")
		}
	default:
		return fmt.Errorf("state.backend: unknown backend %q", c.State.Backend)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Retention.Archive && !c.Storage.IsConfigured() {
		return fmt.Errorf("retention.archive requires storage.endpoint and storage.bucket")
	}

	return nil
}

// CronSpec converts the HH:MM cleanup time to a daily cron expression.
func (s *ScheduleConfig) CronSpec() (string, error) {
	hour, minute, err := parseClock(s.CleanupTime)
	if err != nil {
		return "", fmt.Errorf("schedule.cleanup_time: %w", err)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// Location resolves the configured time zone; empty means UTC.
func (s *ScheduleConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: %w", err)
	}
	return loc, nil
}

func parseClock(v string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", v)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return hour, minute, nil
}
