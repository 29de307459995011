package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Reddit   RedditConfig   `json:"reddit"`
	RSS      RSSConfig      `json:"rss,omitempty"`

	// Watcher controls the subscription poll loop.
	//
	// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
	Watcher WatcherConfig `json:"watcher"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// GroupLog is the chat that receives operator log lines.
	GroupLog int64 `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// SendRatePerSec caps outbound messages. 0 keeps the default.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RedditConfig carries the OAuth application credentials.
//
// BaseURL and AuthURL exist for tests; leave them empty in real configs.
type RedditConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	UserAgent    string `json:"user_agent,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`
	AuthURL      string `json:"auth_url,omitempty"`
	// RequestTimeout is a Go duration string (e.g. "10s").
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type RSSConfig struct {
	UserAgent string `json:"user_agent,omitempty"`
	// RequestTimeout is a Go duration string (e.g. "10s").
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// WatcherConfig tunes the poll loop.
//
// Defaults (when fields are omitted/zero):
//   - interval: "10s"
//   - subscription_timeout: "5s"
//   - retry_backoff: "20s"
//   - fetch_limit: 5
type WatcherConfig struct {
	Interval            string `json:"interval,omitempty"`
	SubscriptionTimeout string `json:"subscription_timeout,omitempty"`
	RetryBackoff        string `json:"retry_backoff,omitempty"`
	FetchLimit          int    `json:"fetch_limit,omitempty"`
}

// MaintenanceConfig controls the daily summary job.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression. Empty means "0 9 * * *".
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./subwatch_subs.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// Validate checks everything that can be checked without touching the
// network. The config manager runs it before committing a reload.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Reddit.ClientID) == "" || strings.TrimSpace(c.Reddit.ClientSecret) == "" {
		return errors.New("reddit.client_id and reddit.client_secret are required")
	}
	if c.Storage == nil || strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}

	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"reddit.request_timeout", c.Reddit.RequestTimeout},
		{"rss.request_timeout", c.RSS.RequestTimeout},
		{"watcher.interval", c.Watcher.Interval},
		{"watcher.subscription_timeout", c.Watcher.SubscriptionTimeout},
		{"watcher.retry_backoff", c.Watcher.RetryBackoff},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Watcher.FetchLimit < 0 {
		return errors.New("watcher.fetch_limit must be >= 0")
	}
	if c.Telegram.SendRatePerSec < 0 {
		return errors.New("telegram.send_rate_per_sec must be >= 0")
	}
	if tz := strings.TrimSpace(c.Maintenance.Timezone); tz != "" {
		if _, err := loadLocation(tz); err != nil {
			return fmt.Errorf("maintenance.timezone: %w", err)
		}
	}
	return nil
}
