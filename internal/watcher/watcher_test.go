package watcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"subwatch/internal/eventbus"
	"subwatch/internal/feed"
	"subwatch/internal/subscription"
	"subwatch/internal/transport"
	logx "subwatch/pkg/logx"
)

type fakeStore struct {
	mu   sync.Mutex
	subs map[subscription.Key]subscription.Subscription
}

func newFakeStore(subs ...subscription.Subscription) *fakeStore {
	s := &fakeStore{subs: map[subscription.Key]subscription.Subscription{}}
	for _, sub := range subs {
		s.subs[sub.Key()] = sub
	}
	return s
}

func (s *fakeStore) Load(ctx context.Context) ([]subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]subscription.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out, nil
}

func (s *fakeStore) Add(ctx context.Context, sub subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.Key()] = sub
	return nil
}

func (s *fakeStore) Remove(ctx context.Context, subscriberID int64, feedName string, chatID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subscription.Key{SubscriberID: subscriberID, Feed: feedName, ChatID: chatID}
	if _, ok := s.subs[key]; !ok {
		return 0, nil
	}
	delete(s.subs, key)
	return 1, nil
}

func (s *fakeStore) AdvanceCheckpoints(ctx context.Context, marks map[subscription.Key]time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, mark := range marks {
		sub, ok := s.subs[key]
		if !ok || !mark.After(sub.Checkpoint) {
			continue
		}
		sub.Checkpoint = mark
		s.subs[key] = sub
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) checkpoint(t *testing.T, key subscription.Key) time.Time {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[key]
	if !ok {
		t.Fatalf("subscription %+v missing", key)
	}
	return sub.Checkpoint
}

type fakeFetcher struct {
	mu    sync.Mutex
	items map[string][]feed.Item
	errs  map[string]error
	delay map[string]time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		items: map[string][]feed.Item{},
		errs:  map[string]error{},
		delay: map[string]time.Duration{},
	}
}

func (f *fakeFetcher) set(feedName string, items ...feed.Item) {
	f.mu.Lock()
	f.items[feedName] = items
	f.mu.Unlock()
}

func (f *fakeFetcher) FetchRecent(ctx context.Context, feedName string, limit int) ([]feed.Item, error) {
	f.mu.Lock()
	items := append([]feed.Item(nil), f.items[feedName]...)
	err := f.errs[feedName]
	delay := f.delay[feedName]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

type sent struct {
	chatID  int64
	text    string
	mention transport.Subject
}

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []sent
	failures map[string]int           // text substring -> remaining failures
	delays   map[string]time.Duration // text substring -> send delay
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{failures: map[string]int{}, delays: map[string]time.Duration{}}
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                               { return nil }
func (a *fakeAdapter) Ready() bool                                                  { return true }
func (a *fakeAdapter) Reply(ctx context.Context, msg *transport.Message, text string) error {
	return nil
}

func (a *fakeAdapter) Send(ctx context.Context, to transport.ChatTarget, p transport.Payload, mention transport.Subject) error {
	a.mu.Lock()
	var delay time.Duration
	for sub, d := range a.delays {
		if strings.Contains(p.Text, sub) {
			delay = d
		}
	}
	a.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for sub, n := range a.failures {
		if n > 0 && strings.Contains(p.Text, sub) {
			a.failures[sub] = n - 1
			return errors.New("send rejected")
		}
	}
	a.sent = append(a.sent, sent{chatID: to.ChatID, text: p.Text, mention: mention})
	return nil
}

func (a *fakeAdapter) titles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.sent))
	for _, s := range a.sent {
		// The rendered payload embeds the item title; tests name items by title.
		for _, t := range []string{"T100", "T200", "T300", "T400", "B100"} {
			if strings.Contains(s.text, t) {
				out = append(out, t)
			}
		}
	}
	return out
}

func item(title string, sec int64) feed.Item {
	return feed.Item{
		ID:        "id-" + title,
		Title:     title,
		URL:       "https://example.test/" + title,
		Published: time.Unix(sec, 0).UTC(),
	}
}

func newTestWatcher(store subscription.Store, adapter transport.Adapter, f feed.Fetcher, set Settings) *Watcher {
	return New(store, adapter, map[string]feed.Fetcher{feed.SourceReddit: f},
		eventbus.New(), logx.Nop(), set)
}

func sub(id int64, feedName string) subscription.Subscription {
	return subscription.Subscription{
		SubscriberID:   id,
		SubscriberName: "user",
		Feed:           feedName,
		Source:         feed.SourceReddit,
		ChatID:         100,
	}
}

func TestFirstTickDeliversAscendingAndSetsCheckpoint(t *testing.T) {
	t.Parallel()
	s := sub(1, "golang")
	store := newFakeStore(s)
	fetcher := newFakeFetcher()
	// Source order is scrambled on purpose; delivery must sort.
	fetcher.set("golang", item("T300", 300), item("T100", 100), item("T200", 200))
	adapter := newFakeAdapter()
	w := newTestWatcher(store, adapter, fetcher, Settings{})

	report := w.tick(context.Background())
	if report.Delivered != 3 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
	got := adapter.titles()
	want := []string{"T100", "T200", "T300"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
	if cp := store.checkpoint(t, s.Key()); !cp.Equal(time.Unix(300, 0).UTC()) {
		t.Fatalf("checkpoint = %v, want 300", cp)
	}
}

func TestNoRedeliveryAcrossTicks(t *testing.T) {
	t.Parallel()
	s := sub(1, "golang")
	store := newFakeStore(s)
	fetcher := newFakeFetcher()
	fetcher.set("golang", item("T100", 100), item("T200", 200), item("T300", 300))
	adapter := newFakeAdapter()
	w := newTestWatcher(store, adapter, fetcher, Settings{})
	ctx := context.Background()

	w.tick(ctx)
	// Feed window still contains old items plus one new.
	fetcher.set("golang", item("T300", 300), item("T400", 400))
	report := w.tick(ctx)

	if report.Delivered != 1 {
		t.Fatalf("second tick delivered %d, want 1", report.Delivered)
	}
	got := adapter.titles()
	if got[len(got)-1] != "T400" {
		t.Fatalf("deliveries = %v, want T400 last", got)
	}
	if cp := store.checkpoint(t, s.Key()); !cp.Equal(time.Unix(400, 0).UTC()) {
		t.Fatalf("checkpoint = %v, want 400", cp)
	}
}

func TestFailedItemRetriedWhileCheckpointAdvances(t *testing.T) {
	t.Parallel()
	s := sub(1, "golang")
	store := newFakeStore(s)
	fetcher := newFakeFetcher()
	fetcher.set("golang", item("T100", 100), item("T200", 200), item("T300", 300))
	adapter := newFakeAdapter()
	adapter.failures["T200"] = 1
	w := newTestWatcher(store, adapter, fetcher, Settings{})
	ctx := context.Background()

	report := w.tick(ctx)
	if report.Delivered != 2 {
		t.Fatalf("first tick delivered %d, want 2", report.Delivered)
	}
	// Siblings around the failed item still advance the checkpoint.
	if cp := store.checkpoint(t, s.Key()); !cp.Equal(time.Unix(300, 0).UTC()) {
		t.Fatalf("checkpoint = %v, want 300", cp)
	}

	report = w.tick(ctx)
	if report.Delivered != 1 {
		t.Fatalf("second tick delivered %d, want 1 (the retry)", report.Delivered)
	}
	got := adapter.titles()
	if got[len(got)-1] != "T200" {
		t.Fatalf("deliveries = %v, want T200 retried last", got)
	}

	// Third tick: nothing left.
	if report := w.tick(ctx); report.Delivered != 0 {
		t.Fatalf("third tick delivered %d, want 0", report.Delivered)
	}
}

func TestTimeoutMidBatchKeepsFailedItemRetry(t *testing.T) {
	t.Parallel()
	s := sub(1, "golang")
	store := newFakeStore(s)
	fetcher := newFakeFetcher()
	fetcher.set("golang", item("T100", 100), item("T200", 200), item("T300", 300))
	adapter := newFakeAdapter()
	// T100 fails once, T200 delivers, T300 stalls past the sub deadline.
	adapter.failures["T100"] = 1
	adapter.delays["T300"] = 500 * time.Millisecond
	w := newTestWatcher(store, adapter, fetcher, Settings{
		SubscriptionTimeout: 100 * time.Millisecond,
		RetryBackoff:        time.Millisecond,
	})
	ctx := context.Background()

	report := w.tick(ctx)
	if report.Delivered != 1 || report.Failed != 1 {
		t.Fatalf("first tick report = %+v", report)
	}
	// Checkpoint advanced past the failed item via T200.
	if cp := store.checkpoint(t, s.Key()); !cp.Equal(time.Unix(200, 0).UTC()) {
		t.Fatalf("checkpoint = %v, want 200", cp)
	}

	// Heal the transport and let the backoff lapse.
	adapter.mu.Lock()
	delete(adapter.delays, "T300")
	adapter.mu.Unlock()
	time.Sleep(5 * time.Millisecond)

	report = w.tick(ctx)
	if report.Delivered != 2 {
		t.Fatalf("second tick delivered %d, want 2 (T100 retry + T300)", report.Delivered)
	}
	got := adapter.titles()
	if len(got) < 3 || got[len(got)-2] != "T100" || got[len(got)-1] != "T300" {
		t.Fatalf("deliveries = %v, want ... T100 T300", got)
	}
	if cp := store.checkpoint(t, s.Key()); !cp.Equal(time.Unix(300, 0).UTC()) {
		t.Fatalf("checkpoint = %v, want 300", cp)
	}

	if report := w.tick(ctx); report.Delivered != 0 {
		t.Fatalf("third tick delivered %d, want 0", report.Delivered)
	}
}

func TestRecoverableFailureBacksOffLocally(t *testing.T) {
	t.Parallel()
	a, b := sub(1, "broken"), sub(2, "golang")
	store := newFakeStore(a, b)
	fetcher := newFakeFetcher()
	fetcher.errs["broken"] = feed.Recoverable(errors.New("dns down"))
	fetcher.set("golang", item("B100", 100))
	adapter := newFakeAdapter()
	w := newTestWatcher(store, adapter, fetcher, Settings{RetryBackoff: time.Hour})
	ctx := context.Background()

	report := w.tick(ctx)
	if report.Failed != 1 || report.Delivered != 1 {
		t.Fatalf("report = %+v", report)
	}

	// The failing subscription sits out the next tick; the healthy one runs.
	fetcher.set("golang", item("B100", 100), item("T200", 200))
	report = w.tick(ctx)
	if report.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", report.Skipped)
	}
	if report.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1", report.Delivered)
	}
}

func TestSlowSubscriptionDoesNotBlockSiblings(t *testing.T) {
	t.Parallel()
	a, b := sub(1, "slow"), sub(2, "golang")
	store := newFakeStore(a, b)
	fetcher := newFakeFetcher()
	fetcher.delay["slow"] = 500 * time.Millisecond
	fetcher.set("slow", item("T100", 100))
	fetcher.set("golang", item("B100", 100))
	adapter := newFakeAdapter()
	w := newTestWatcher(store, adapter, fetcher, Settings{SubscriptionTimeout: 50 * time.Millisecond})

	started := time.Now()
	report := w.tick(context.Background())
	took := time.Since(started)

	if report.Delivered != 1 {
		t.Fatalf("healthy subscription not delivered: %+v", report)
	}
	if report.Failed != 1 {
		t.Fatalf("timed-out subscription not counted failed: %+v", report)
	}
	// Bounded by the per-subscription timeout, not the slow fetch.
	if took > 400*time.Millisecond {
		t.Fatalf("tick took %v; slow subscription blocked the tick", took)
	}
	// A timeout counts as recoverable, so the sub backs off.
	if !w.inBackoff(a.Key(), time.Now()) {
		t.Fatal("timed-out subscription should be in backoff")
	}
}

func TestUnknownSourceFailsWithoutBackoff(t *testing.T) {
	t.Parallel()
	s := sub(1, "golang")
	s.Source = "carrierpigeon"
	store := newFakeStore(s)
	w := newTestWatcher(store, newFakeAdapter(), newFakeFetcher(), Settings{})

	report := w.tick(context.Background())
	if report.Failed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if w.inBackoff(s.Key(), time.Now()) {
		t.Fatal("unexpected errors must not install a retry backoff")
	}
}

func TestMentionAndChatRouting(t *testing.T) {
	t.Parallel()
	s := sub(7, "golang")
	s.ChatID = 4242
	s.SubscriberName = "gopher"
	store := newFakeStore(s)
	fetcher := newFakeFetcher()
	fetcher.set("golang", item("T100", 100))
	adapter := newFakeAdapter()
	w := newTestWatcher(store, adapter, fetcher, Settings{})

	w.tick(context.Background())

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.sent) != 1 {
		t.Fatalf("sent = %d", len(adapter.sent))
	}
	got := adapter.sent[0]
	if got.chatID != 4242 || got.mention.UserID != 7 || got.mention.Name != "gopher" {
		t.Fatalf("routing wrong: %+v", got)
	}
}
