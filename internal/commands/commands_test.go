package commands

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
	mu     sync.Mutex
	subs   map[subscription.Key]subscription.Subscription
	addErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: map[subscription.Key]subscription.Subscription{}}
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
	if s.addErr != nil {
		return s.addErr
	}
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
	return nil
}

func (s *fakeStore) Close() error { return nil }

type fakeAdapter struct {
	mu      sync.Mutex
	replies []string
	signal  chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{signal: make(chan struct{}, 16)}
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                               { return nil }
func (a *fakeAdapter) Ready() bool                                                  { return true }
func (a *fakeAdapter) Send(ctx context.Context, to transport.ChatTarget, p transport.Payload, mention transport.Subject) error {
	return nil
}

func (a *fakeAdapter) Reply(ctx context.Context, msg *transport.Message, text string) error {
	a.mu.Lock()
	a.replies = append(a.replies, text)
	a.mu.Unlock()
	select {
	case a.signal <- struct{}{}:
	default:
	}
	return nil
}

func (a *fakeAdapter) lastReply(t *testing.T) string {
	t.Helper()
	select {
	case <-a.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.replies[len(a.replies)-1]
}

type fakeResolver struct {
	canonical string
	err       error
}

func (r *fakeResolver) Resolve(ctx context.Context, token string) (string, error) {
	return r.canonical, r.err
}

func msg(text string) *transport.Message {
	return &transport.Message{ID: 1, ChatID: 100, FromID: 7, FromUsername: "gopher", Text: text}
}

func newTestManager(store subscription.Store, adapter transport.Adapter, resolvers map[string]feed.Resolver) *Manager {
	return NewManager(adapter, store, resolvers, eventbus.New(), logx.Nop())
}

func request(m *transport.Message, keyword, token string) *Request {
	return &Request{Msg: m, Keyword: keyword, Token: token, Logger: logx.Nop()}
}

func TestSubscribeNormalizesSubreddit(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	adapter := newFakeAdapter()
	m := newTestManager(store, adapter, nil)

	if err := m.handleSubscribe(context.Background(), request(msg("!subscribe r/Golang"), "!subscribe", "r/Golang")); err != nil {
		t.Fatalf("handleSubscribe: %v", err)
	}

	key := subscription.Key{SubscriberID: 7, Feed: "golang", ChatID: 100}
	store.mu.Lock()
	sub, ok := store.subs[key]
	store.mu.Unlock()
	if !ok {
		t.Fatalf("subscription not stored; have %+v", store.subs)
	}
	if sub.Source != feed.SourceReddit || sub.HasCheckpoint() {
		t.Fatalf("stored wrong: %+v", sub)
	}
	if got := adapter.lastReply(t); !strings.Contains(got, "subscribed to golang") {
		t.Fatalf("reply = %q", got)
	}
}

func TestSubscribeURLInfersRSS(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	adapter := newFakeAdapter()
	m := newTestManager(store, adapter, nil)

	if err := m.handleSubscribe(context.Background(), request(msg(""), "!subscribe", "blog.example/feed.xml")); err != nil {
		t.Fatalf("handleSubscribe: %v", err)
	}

	key := subscription.Key{SubscriberID: 7, Feed: "https://blog.example/feed.xml", ChatID: 100}
	store.mu.Lock()
	sub, ok := store.subs[key]
	store.mu.Unlock()
	if !ok || sub.Source != feed.SourceRSS {
		t.Fatalf("rss subscription not stored: %+v", store.subs)
	}
}

func TestSubscribeSurfacesStoreFailure(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.addErr = errors.New("disk full")
	adapter := newFakeAdapter()
	m := newTestManager(store, adapter, nil)

	err := m.handleSubscribe(context.Background(), request(msg(""), "!subscribe", "golang"))
	if err == nil {
		t.Fatal("expected error to surface")
	}
	if got := adapter.lastReply(t); !strings.Contains(got, "could not save") {
		t.Fatalf("reply = %q", got)
	}
}

func TestUnsubscribeUsesResolvedName(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	_ = store.Add(context.Background(), subscription.Subscription{
		SubscriberID: 7, Feed: "golang", Source: feed.SourceReddit, ChatID: 100,
	})
	adapter := newFakeAdapter()
	m := newTestManager(store, adapter, map[string]feed.Resolver{
		feed.SourceReddit: &fakeResolver{canonical: "Golang"},
	})

	if err := m.handleUnsubscribe(context.Background(), request(msg(""), "!unsubscribe", "GOLANG")); err != nil {
		t.Fatalf("handleUnsubscribe: %v", err)
	}
	if got := adapter.lastReply(t); !strings.Contains(got, "unsubscribed from golang") {
		t.Fatalf("reply = %q", got)
	}
	store.mu.Lock()
	n := len(store.subs)
	store.mu.Unlock()
	if n != 0 {
		t.Fatalf("subscription not removed")
	}
}

func TestUnsubscribeFallsBackWhenResolverDown(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	_ = store.Add(context.Background(), subscription.Subscription{
		SubscriberID: 7, Feed: "golang", Source: feed.SourceReddit, ChatID: 100,
	})
	adapter := newFakeAdapter()
	m := newTestManager(store, adapter, map[string]feed.Resolver{
		feed.SourceReddit: &fakeResolver{err: feed.Recoverable(errors.New("api down"))},
	})

	if err := m.handleUnsubscribe(context.Background(), request(msg(""), "!unsubscribe", "r/golang")); err != nil {
		t.Fatalf("handleUnsubscribe: %v", err)
	}
	if got := adapter.lastReply(t); !strings.Contains(got, "unsubscribed from golang") {
		t.Fatalf("reply = %q", got)
	}
}

func TestUnsubscribeNotSubscribed(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	adapter := newFakeAdapter()
	m := newTestManager(store, adapter, nil)

	if err := m.handleUnsubscribe(context.Background(), request(msg(""), "!unsubscribe", "golang")); err != nil {
		t.Fatalf("handleUnsubscribe: %v", err)
	}
	if got := adapter.lastReply(t); !strings.Contains(got, "not subscribed") {
		t.Fatalf("reply = %q", got)
	}
}

func TestDispatchLoopRouting(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	adapter := newFakeAdapter()
	m := newTestManager(store, adapter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan transport.Update, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()

	// Bare keyword: usage reply, nothing stored.
	updates <- transport.Update{Message: msg("!subscribe")}
	if got := adapter.lastReply(t); !strings.Contains(got, "usage:") {
		t.Fatalf("reply = %q", got)
	}

	// Unknown keyword and plain chatter are ignored.
	updates <- transport.Update{Message: msg("!weather berlin")}
	updates <- transport.Update{Message: msg("hello there")}

	// Full command goes through a worker.
	updates <- transport.Update{Message: msg("!subscribe golang")}
	if got := adapter.lastReply(t); !strings.Contains(got, "subscribed to golang") {
		t.Fatalf("reply = %q", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}

func TestInferFeed(t *testing.T) {
	t.Parallel()
	cases := []struct {
		token  string
		source string
		feedID string
	}{
		{"golang", feed.SourceReddit, "golang"},
		{"r/Golang", feed.SourceReddit, "golang"},
		{"/r/golang/", feed.SourceReddit, "golang"},
		{"https://blog.example/feed.xml", feed.SourceRSS, "https://blog.example/feed.xml"},
		{"blog.example/feed.xml", feed.SourceRSS, "https://blog.example/feed.xml"},
	}
	for _, tc := range cases {
		source, feedID := inferFeed(tc.token)
		if source != tc.source || feedID != tc.feedID {
			t.Fatalf("inferFeed(%q) = (%q, %q), want (%q, %q)", tc.token, source, feedID, tc.source, tc.feedID)
		}
	}
}
