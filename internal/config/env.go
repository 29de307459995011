package config

import (
	"os"
	"strings"
)

// Environment overrides for credentials, so secrets can stay out of the
// config file in deployments that inject them via the unit environment.
const (
	envTelegramToken      = "SUBWATCH_TELEGRAM_TOKEN"
	envRedditClientID     = "SUBWATCH_REDDIT_CLIENT_ID"
	envRedditClientSecret = "SUBWATCH_REDDIT_CLIENT_SECRET"
)

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv(envTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(envRedditClientID)); v != "" {
		cfg.Reddit.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv(envRedditClientSecret)); v != "" {
		cfg.Reddit.ClientSecret = v
	}
}
