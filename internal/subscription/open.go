package subscription

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "subwatch/pkg/logx"
)

// Store is the durable subscription set.
//
// Semantics:
//   - Load fails soft (empty set, nil error) when no prior state exists;
//     any other read failure is surfaced.
//   - Every mutation reloads current state under the store's writer lock,
//     applies the change, and saves atomically. A failed save leaves the
//     previous state durably visible and is surfaced to the caller.
type Store interface {
	Load(ctx context.Context) ([]Subscription, error)
	Add(ctx context.Context, sub Subscription) error
	// Remove deletes all subscriptions matching (subscriber, feed) in chat
	// and returns how many were removed.
	Remove(ctx context.Context, subscriberID int64, feed string, chatID int64) (int, error)
	// AdvanceCheckpoints merges checkpoint advances into the stored set by
	// subscription key. Checkpoints only move forward; keys that no longer
	// exist (unsubscribed mid-tick) are skipped silently.
	AdvanceCheckpoints(ctx context.Context, marks map[Key]time.Time) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
