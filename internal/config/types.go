// Package config loads, validates, watches, and publishes the daemon
// configuration. JSON and YAML files are accepted; YAML is coerced to
// JSON so both formats share one strict decoder.
package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Planner  PlannerConfig  `json:"planner"`
	Dispatch DispatchConfig `json:"dispatch"`
	Delivery DeliveryConfig `json:"delivery"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PlannerConfig controls the daily planning workflow.
//
// All durations are Go duration strings (e.g. "30s", "26h").
type PlannerConfig struct {
	// Cron is the planning trigger spec. Empty means "5 0 * * *"
	// (00:05 daily in the configured timezone).
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	RetentionDays int    `json:"retention_days,omitempty"`
	CacheTTL      string `json:"cache_ttl,omitempty"`
	CacheDates    int    `json:"cache_dates,omitempty"`

	// CancelOnPause skips pending entries of paused tasks at dispatch
	// time instead of leaving them queued.
	CancelOnPause bool `json:"cancel_on_pause,omitempty"`
}

// DispatchConfig controls the delivery loop.
type DispatchConfig struct {
	Interval   string  `json:"interval,omitempty"` // scan period
	Workers    int     `json:"workers,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	RetryWindow   string `json:"retry_window,omitempty"`

	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
}

// DeliveryConfig configures the outbound adapters. A task whose target
// kind has no configured adapter fails delivery and retries like any
// other error.
type DeliveryConfig struct {
	Webhook  WebhookDelivery  `json:"webhook,omitempty"`
	Telegram TelegramDelivery `json:"telegram,omitempty"`
}

type WebhookDelivery struct {
	Timeout string `json:"timeout,omitempty"`
}

type TelegramDelivery struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Prefer binding to localhost. A non-loopback bind requires a token or
// an explicit allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /profile, which can take
	// 30s+, works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Validate checks everything that can be checked without touching the
// components: duration syntax, log level names, timezone resolution.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path is required when file logging is enabled")
	}

	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	if tz := strings.TrimSpace(c.Planner.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("planner.timezone: %w", err)
		}
	}
	if c.Planner.RetentionDays < 0 {
		return fmt.Errorf("planner.retention_days must be >= 0")
	}
	if _, err := ParseDurationField("planner.cache_ttl", c.Planner.CacheTTL); err != nil {
		return err
	}

	for _, f := range []struct{ path, raw string }{
		{"dispatch.interval", c.Dispatch.Interval},
		{"dispatch.retry_base", c.Dispatch.RetryBase},
		{"dispatch.retry_max_delay", c.Dispatch.RetryMaxDelay},
		{"dispatch.retry_window", c.Dispatch.RetryWindow},
		{"dispatch.delivery_timeout", c.Dispatch.DeliveryTimeout},
		{"delivery.webhook.timeout", c.Delivery.Webhook.Timeout},
		{"pprof.read_timeout", c.Pprof.ReadTimeout},
		{"pprof.write_timeout", c.Pprof.WriteTimeout},
		{"pprof.idle_timeout", c.Pprof.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must be >= 0")
	}
	if c.Dispatch.RatePerSec < 0 {
		return fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}

	if c.Delivery.Telegram.Enabled && strings.TrimSpace(c.Delivery.Telegram.Token) == "" {
		return fmt.Errorf("delivery.telegram.token is required when telegram delivery is enabled")
	}
	return nil
}

// CronSpec returns the planning trigger spec with its default applied.
func (p PlannerConfig) CronSpec() string {
	if s := strings.TrimSpace(p.Cron); s != "" {
		return s
	}
	return "5 0 * * *"
}
