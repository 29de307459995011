package config

import (
	"reflect"
	"sort"
	"strings"

	logx "subwatch/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens, client secrets) are never
// included, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.GroupLog != newCfg.Telegram.GroupLog ||
		oldCfg.Telegram.SendRatePerSec != newCfg.Telegram.SendRatePerSec {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", newCfg.Telegram.GroupLog != 0),
			logx.Int("telegram.send_rate_per_sec", newCfg.Telegram.SendRatePerSec),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Reddit (never log client secret)
	if oldCfg.Reddit.ClientID != newCfg.Reddit.ClientID ||
		(oldCfg.Reddit.ClientSecret != "") != (newCfg.Reddit.ClientSecret != "") ||
		strings.TrimSpace(oldCfg.Reddit.UserAgent) != strings.TrimSpace(newCfg.Reddit.UserAgent) ||
		strings.TrimSpace(oldCfg.Reddit.RequestTimeout) != strings.TrimSpace(newCfg.Reddit.RequestTimeout) {
		changed = append(changed, "reddit")
		attrs = append(attrs,
			logx.Bool("reddit.credentials_set", strings.TrimSpace(newCfg.Reddit.ClientID) != ""),
			logx.String("reddit.request_timeout", strings.TrimSpace(newCfg.Reddit.RequestTimeout)),
		)
	}

	// RSS
	if !reflect.DeepEqual(oldCfg.RSS, newCfg.RSS) {
		changed = append(changed, "rss")
		attrs = append(attrs,
			logx.String("rss.request_timeout", strings.TrimSpace(newCfg.RSS.RequestTimeout)),
		)
	}

	// Watcher
	if !reflect.DeepEqual(oldCfg.Watcher, newCfg.Watcher) {
		changed = append(changed, "watcher")
		attrs = append(attrs,
			logx.String("watcher.interval", strings.TrimSpace(newCfg.Watcher.Interval)),
			logx.String("watcher.subscription_timeout", strings.TrimSpace(newCfg.Watcher.SubscriptionTimeout)),
			logx.String("watcher.retry_backoff", strings.TrimSpace(newCfg.Watcher.RetryBackoff)),
			logx.Int("watcher.fetch_limit", newCfg.Watcher.FetchLimit),
		)
	}

	// Maintenance
	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.schedule", strings.TrimSpace(newCfg.Maintenance.Schedule)),
		)
	}

	// Storage (nil means disabled)
	oldS, newS := oldCfg.Storage, newCfg.Storage
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPathSet = strings.TrimSpace(newS.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
