package app

import (
	"errors"
	"strings"

	"subwatch/internal/config"
	"subwatch/internal/reddit"
	"subwatch/internal/rss"
	"subwatch/internal/subscription"
	"subwatch/internal/watcher"
	logx "subwatch/pkg/logx"
)

// The config package keeps durations as strings so reload validation can
// report the offending field. These helpers convert a committed config into
// the typed component configs.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (subscription.Config, error) {
	if cfg.Storage == nil || strings.TrimSpace(cfg.Storage.Path) == "" {
		return subscription.Config{}, errors.New("storage.path is required")
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return subscription.Config{}, err
	}
	return subscription.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapRedditConfig(cfg *config.Config) (reddit.Config, error) {
	timeout, err := config.ParseDurationField("reddit.request_timeout", cfg.Reddit.RequestTimeout)
	if err != nil {
		return reddit.Config{}, err
	}
	return reddit.Config{
		ClientID:     cfg.Reddit.ClientID,
		ClientSecret: cfg.Reddit.ClientSecret,
		UserAgent:    cfg.Reddit.UserAgent,
		BaseURL:      cfg.Reddit.BaseURL,
		AuthURL:      cfg.Reddit.AuthURL,
		Timeout:      timeout,
	}, nil
}

func mapRSSConfig(cfg *config.Config) (rss.Config, error) {
	timeout, err := config.ParseDurationField("rss.request_timeout", cfg.RSS.RequestTimeout)
	if err != nil {
		return rss.Config{}, err
	}
	return rss.Config{
		UserAgent: cfg.RSS.UserAgent,
		Timeout:   timeout,
	}, nil
}

func mapWatcherSettings(cfg *config.Config) (watcher.Settings, error) {
	interval, err := config.ParseDurationField("watcher.interval", cfg.Watcher.Interval)
	if err != nil {
		return watcher.Settings{}, err
	}
	subTimeout, err := config.ParseDurationField("watcher.subscription_timeout", cfg.Watcher.SubscriptionTimeout)
	if err != nil {
		return watcher.Settings{}, err
	}
	backoff, err := config.ParseDurationField("watcher.retry_backoff", cfg.Watcher.RetryBackoff)
	if err != nil {
		return watcher.Settings{}, err
	}
	return watcher.Settings{
		Interval:            interval,
		SubscriptionTimeout: subTimeout,
		RetryBackoff:        backoff,
		FetchLimit:          cfg.Watcher.FetchLimit,
	}, nil
}
