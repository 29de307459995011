// Package watcher runs the subscription poll loop: every tick it fans out
// one job per subscription, delivers unseen items oldest-first, and advances
// durable checkpoints only for what was actually handed to the transport.
package watcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"subwatch/internal/eventbus"
	"subwatch/internal/feed"
	"subwatch/internal/format"
	"subwatch/internal/subscription"
	"subwatch/internal/transport"
	logx "subwatch/pkg/logx"
)

const (
	defaultInterval   = 10 * time.Second
	defaultSubTimeout = 5 * time.Second
	defaultBackoff    = 20 * time.Second
	defaultFetchLimit = 5

	readyPollInterval = 500 * time.Millisecond
	readyMaxWait      = 30 * time.Second
)

// Settings are the tunables of the poll loop. Zero fields fall back to
// defaults, so a partial config section works.
type Settings struct {
	Interval            time.Duration
	SubscriptionTimeout time.Duration
	RetryBackoff        time.Duration
	FetchLimit          int
}

func (s Settings) withDefaults() Settings {
	if s.Interval <= 0 {
		s.Interval = defaultInterval
	}
	if s.SubscriptionTimeout <= 0 {
		s.SubscriptionTimeout = defaultSubTimeout
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = defaultBackoff
	}
	if s.FetchLimit <= 0 {
		s.FetchLimit = defaultFetchLimit
	}
	return s
}

// TickReport is published on the bus after every tick.
type TickReport struct {
	Subscriptions int
	Skipped       int
	Delivered     int
	Failed        int
	Duration      time.Duration
}

// Delivery is published on the bus for every item handed to the transport.
type Delivery struct {
	Subscriber int64
	Feed       string
	ItemID     string
	Published  time.Time
}

type Watcher struct {
	store    subscription.Store
	adapter  transport.Adapter
	fetchers map[string]feed.Fetcher
	bus      eventbus.Bus
	log      logx.Logger

	mu       sync.Mutex
	settings Settings
	// backoffUntil holds per-subscription retry barriers after recoverable
	// failures. Purely in-memory; a restart retries immediately.
	backoffUntil map[subscription.Key]time.Time
	// pendingRetry holds item IDs whose delivery failed while the checkpoint
	// moved past them. They are retried on later ticks for as long as the
	// fetch window still returns them.
	pendingRetry map[subscription.Key]map[string]struct{}
}

func New(
	store subscription.Store,
	adapter transport.Adapter,
	fetchers map[string]feed.Fetcher,
	bus eventbus.Bus,
	log logx.Logger,
	settings Settings,
) *Watcher {
	return &Watcher{
		store:        store,
		adapter:      adapter,
		fetchers:     fetchers,
		bus:          bus,
		log:          log,
		settings:     settings.withDefaults(),
		backoffUntil: map[subscription.Key]time.Time{},
		pendingRetry: map[subscription.Key]map[string]struct{}{},
	}
}

// UpdateSettings swaps the loop tunables. Takes effect on the next tick.
func (w *Watcher) UpdateSettings(s Settings) {
	s = s.withDefaults()
	w.mu.Lock()
	w.settings = s
	w.mu.Unlock()
	w.log.Info("watcher settings updated",
		logx.Duration("interval", s.Interval),
		logx.Duration("subscription_timeout", s.SubscriptionTimeout),
		logx.Duration("retry_backoff", s.RetryBackoff),
		logx.Int("fetch_limit", s.FetchLimit))
}

func (w *Watcher) currentSettings() Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.settings
}

// Run blocks until ctx is canceled. Ticks are spaced by a fixed delay
// measured from the end of the previous tick, so a slow tick does not cause
// overlapping polls.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.awaitReady(ctx); err != nil {
		return err
	}
	w.log.Info("watcher started", logx.Duration("interval", w.currentSettings().Interval))

	for {
		report := w.tick(ctx)
		if report.Subscriptions > 0 || report.Failed > 0 {
			w.log.Debug("tick finished",
				logx.Int("subscriptions", report.Subscriptions),
				logx.Int("skipped", report.Skipped),
				logx.Int("delivered", report.Delivered),
				logx.Int("failed", report.Failed),
				logx.Duration("took", report.Duration))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.currentSettings().Interval):
		}
	}
}

// awaitReady blocks until the transport and all fetchers report ready, so
// the first tick doesn't race session setup. After readyMaxWait it proceeds
// anyway; individual polls fail recoverably until things come up.
func (w *Watcher) awaitReady(ctx context.Context) error {
	deadline := time.Now().Add(readyMaxWait)
	for {
		if w.ready() {
			return nil
		}
		if time.Now().After(deadline) {
			w.log.Warn("dependencies not ready; starting watcher anyway")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

func (w *Watcher) ready() bool {
	if !w.adapter.Ready() {
		return false
	}
	for _, f := range w.fetchers {
		if rc, ok := f.(feed.ReadyChecker); ok && !rc.Ready() {
			return false
		}
	}
	return true
}

func (w *Watcher) tick(ctx context.Context) TickReport {
	started := time.Now()
	set := w.currentSettings()

	subs, err := w.store.Load(ctx)
	if err != nil {
		w.log.Warn("loading subscriptions failed; skipping tick", logx.Err(err))
		return TickReport{Duration: time.Since(started)}
	}

	report := TickReport{Subscriptions: len(subs)}
	now := time.Now()

	type result struct {
		key       subscription.Key
		mark      time.Time
		delivered int
		err       error
	}

	var wg sync.WaitGroup
	results := make(chan result, len(subs))
	for _, sub := range subs {
		if w.inBackoff(sub.Key(), now) {
			report.Skipped++
			continue
		}
		wg.Add(1)
		go func(sub subscription.Subscription) {
			defer wg.Done()
			jctx, cancel := context.WithTimeout(ctx, set.SubscriptionTimeout)
			defer cancel()
			mark, delivered, err := w.pollOne(jctx, sub, set.FetchLimit)
			results <- result{key: sub.Key(), mark: mark, delivered: delivered, err: err}
		}(sub)
	}
	wg.Wait()
	close(results)

	marks := make(map[subscription.Key]time.Time)
	for res := range results {
		report.Delivered += res.delivered
		if res.mark.After(marks[res.key]) {
			marks[res.key] = res.mark
		}
		if res.err == nil {
			w.clearBackoff(res.key)
			continue
		}
		report.Failed++
		if feed.IsRecoverable(res.err) {
			until := time.Now().Add(set.RetryBackoff)
			w.setBackoff(res.key, until)
			w.log.Warn("feed poll failed; backing off",
				logx.String("feed", res.key.Feed),
				logx.Int64("subscriber", res.key.SubscriberID),
				logx.Time("retry_after", until),
				logx.Err(res.err))
		} else {
			w.log.Error("feed poll failed",
				logx.String("feed", res.key.Feed),
				logx.Int64("subscriber", res.key.SubscriberID),
				logx.Err(res.err))
		}
	}

	if len(marks) > 0 {
		// Parent ctx, not a job ctx: the flush must not inherit a job timeout.
		if err := w.store.AdvanceCheckpoints(ctx, marks); err != nil {
			w.log.Error("advancing checkpoints failed", logx.Err(err))
		}
	}

	report.Duration = time.Since(started)
	w.bus.Publish(eventbus.Event{Type: eventbus.TypeTick, Data: report})
	return report
}

// pollOne fetches one subscription's feed and delivers unseen items in
// ascending publish order. The returned mark is the publish time of the last
// item actually handed to the transport.
//
// A single item's delivery failure does not abort the batch: the item is
// remembered and retried on later ticks while the fetch window still returns
// it, even after the checkpoint has moved past it.
func (w *Watcher) pollOne(ctx context.Context, sub subscription.Subscription, limit int) (time.Time, int, error) {
	fetcher, ok := w.fetchers[sub.Source]
	if !ok {
		return time.Time{}, 0, fmt.Errorf("no fetcher for source %q", sub.Source)
	}

	items, err := fetcher.FetchRecent(ctx, sub.Feed, limit)
	if err != nil {
		return time.Time{}, 0, feed.Classify(err)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Published.Before(items[j].Published)
	})

	// retry is a private copy of the pending set; successes remove entries,
	// failures add them, and the result replaces the stored set.
	retry := w.pendingFor(sub.Key())
	window := make(map[string]struct{}, len(items))
	for _, it := range items {
		window[it.ID] = struct{}{}
	}

	var (
		mark      time.Time
		delivered int
	)
	to := transport.ChatTarget{ChatID: sub.ChatID}
	who := transport.Subject{UserID: sub.SubscriberID, Name: sub.SubscriberName}
	for _, item := range items {
		_, retryThis := retry[item.ID]
		if !item.Published.After(sub.Checkpoint) && !retryThis {
			continue
		}
		if err := w.adapter.Send(ctx, to, format.Render(item), who); err != nil {
			if ctx.Err() != nil {
				// Sub-job deadline hit mid-batch. Persist the retry state
				// accumulated so far; unprocessed items get another chance on
				// the next tick via the checkpoint or the retained entries.
				w.setPending(sub.Key(), retry)
				return mark, delivered, feed.Classify(ctx.Err())
			}
			retry[item.ID] = struct{}{}
			w.log.Warn("item delivery failed; will retry next tick",
				logx.String("feed", sub.Feed),
				logx.Int64("subscriber", sub.SubscriberID),
				logx.String("item", item.ID),
				logx.Err(err))
			continue
		}
		delete(retry, item.ID)
		if item.Published.After(mark) {
			mark = item.Published
		}
		delivered++
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeDelivered, Data: Delivery{
			Subscriber: sub.SubscriberID,
			Feed:       sub.Feed,
			ItemID:     item.ID,
			Published:  item.Published,
		}})
	}

	// The batch completed: entries the fetch window no longer returns cannot
	// be retried anymore.
	for id := range retry {
		if _, ok := window[id]; !ok {
			delete(retry, id)
		}
	}
	w.setPending(sub.Key(), retry)
	return mark, delivered, nil
}

func (w *Watcher) pendingFor(key subscription.Key) map[string]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	src := w.pendingRetry[key]
	cp := make(map[string]struct{}, len(src))
	for id := range src {
		cp[id] = struct{}{}
	}
	return cp
}

func (w *Watcher) setPending(key subscription.Key, pending map[string]struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(pending) == 0 {
		delete(w.pendingRetry, key)
		return
	}
	w.pendingRetry[key] = pending
}

func (w *Watcher) inBackoff(key subscription.Key, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	until, ok := w.backoffUntil[key]
	return ok && now.Before(until)
}

func (w *Watcher) setBackoff(key subscription.Key, until time.Time) {
	w.mu.Lock()
	w.backoffUntil[key] = until
	w.mu.Unlock()
}

func (w *Watcher) clearBackoff(key subscription.Key) {
	w.mu.Lock()
	delete(w.backoffUntil, key)
	w.mu.Unlock()
}
