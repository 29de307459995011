package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "subwatch/pkg/logx"
)

// fileStore persists the whole subscription set as one JSON document.
// Saves go through a temp file + rename so the previous state survives a
// crash mid-write.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Load(ctx context.Context) ([]Subscription, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *fileStore) loadLocked() ([]Subscription, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		// Normal on first run.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read subscriptions: %w", err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	var subs []Subscription
	if err := json.Unmarshal(b, &subs); err != nil {
		return nil, fmt.Errorf("decode subscriptions: %w", err)
	}
	return subs, nil
}

func (s *fileStore) saveLocked(subs []Subscription) error {
	b, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write subscriptions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace subscriptions: %w", err)
	}
	return nil
}

func (s *fileStore) Add(ctx context.Context, sub Subscription) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.loadLocked()
	if err != nil {
		return err
	}
	for _, existing := range subs {
		if existing.Key() == sub.Key() {
			// Same semantics as the sqlite backend: duplicates are a no-op.
			return nil
		}
	}
	subs = append(subs, sub)
	if err := s.saveLocked(subs); err != nil {
		// Nothing to roll back: the durable state still holds the old set.
		return err
	}
	s.log.Debug("subscription added",
		logx.Int64("subscriber", sub.SubscriberID),
		logx.String("feed", sub.Feed),
		logx.Int64("chat", sub.ChatID))
	return nil
}

func (s *fileStore) Remove(ctx context.Context, subscriberID int64, feed string, chatID int64) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.loadLocked()
	if err != nil {
		return 0, err
	}
	kept := subs[:0]
	removed := 0
	for _, sub := range subs {
		if sub.SubscriberID == subscriberID && sub.Feed == feed && sub.ChatID == chatID {
			removed++
			continue
		}
		kept = append(kept, sub)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.saveLocked(kept); err != nil {
		return 0, err
	}
	s.log.Debug("subscription removed",
		logx.Int64("subscriber", subscriberID),
		logx.String("feed", feed),
		logx.Int("count", removed))
	return removed, nil
}

func (s *fileStore) AdvanceCheckpoints(ctx context.Context, marks map[Key]time.Time) error {
	_ = ctx
	if len(marks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.loadLocked()
	if err != nil {
		return err
	}
	changed := false
	for i := range subs {
		mark, ok := marks[subs[i].Key()]
		if !ok {
			continue
		}
		// Checkpoints only move forward.
		if mark.After(subs[i].Checkpoint) {
			subs[i].Checkpoint = mark
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.saveLocked(subs)
}
