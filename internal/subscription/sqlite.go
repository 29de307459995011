//go:build sqlite
// +build sqlite

package subscription

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "subwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscriber_id, COALESCE(subscriber_name, ''), feed, source, chat_id, checkpoint_ms
		 FROM subscriptions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		var ms int64
		if err := rows.Scan(&sub.SubscriberID, &sub.SubscriberName, &sub.Feed, &sub.Source, &sub.ChatID, &ms); err != nil {
			return nil, err
		}
		if ms > 0 {
			sub.Checkpoint = time.UnixMilli(ms).UTC()
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *sqliteStore) Add(ctx context.Context, sub Subscription) error {
	var ms int64
	if sub.HasCheckpoint() {
		ms = sub.Checkpoint.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(subscriber_id, subscriber_name, feed, source, chat_id, checkpoint_ms)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(subscriber_id, feed, chat_id) DO NOTHING`,
		sub.SubscriberID, sub.SubscriberName, sub.Feed, sub.Source, sub.ChatID, ms)
	return err
}

func (s *sqliteStore) Remove(ctx context.Context, subscriberID int64, feed string, chatID int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE subscriber_id = ? AND feed = ? AND chat_id = ?`,
		subscriberID, feed, chatID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) AdvanceCheckpoints(ctx context.Context, marks map[Key]time.Time) error {
	if len(marks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for key, mark := range marks {
		ms := mark.UnixMilli()
		// Checkpoints only move forward; vanished keys are skipped by WHERE.
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET checkpoint_ms = ?
			 WHERE subscriber_id = ? AND feed = ? AND chat_id = ? AND checkpoint_ms < ?`,
			ms, key.SubscriberID, key.Feed, key.ChatID, ms); err != nil {
			return err
		}
	}
	return tx.Commit()
}
