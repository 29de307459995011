package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"subwatch/internal/feed"
	logx "subwatch/pkg/logx"
)

func newAuthServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "cid" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
}

func newTestClient(t *testing.T, api http.Handler) (*Client, *atomic.Int64) {
	t.Helper()
	var authCalls atomic.Int64
	auth := newAuthServer(t, &authCalls)
	t.Cleanup(auth.Close)
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	c := New(Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		AuthURL:      auth.URL,
		BaseURL:      srv.URL,
		Timeout:      2 * time.Second,
	}, logx.Nop())
	return c, &authCalls
}

func listingJSON(posts ...map[string]any) string {
	children := make([]map[string]any, 0, len(posts))
	for _, p := range posts {
		children = append(children, map[string]any{"kind": "t3", "data": p})
	}
	b, _ := json.Marshal(map[string]any{"data": map[string]any{"children": children}})
	return string(b)
}

func TestFetchRecent(t *testing.T) {
	t.Parallel()
	c, authCalls := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/r/golang/new.json" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization = %q", got)
		}
		fmt.Fprint(w, listingJSON(
			map[string]any{
				"name": "t3_abc", "title": "Go 1.25 released", "selftext": "notes",
				"author": "gopher", "permalink": "/r/golang/comments/abc/",
				"created_utc": 1700000300.0, "score": 42, "num_comments": 7,
				"is_self": true,
			},
			map[string]any{
				"name": "t3_def", "title": "A picture", "author": "cat",
				"permalink": "/r/golang/comments/def/", "created_utc": 1700000100.0,
				"url": "https://i.example/cat.png", "post_hint": "image",
				"over_18": true,
			},
		))
	}))

	items, err := c.FetchRecent(context.Background(), "golang", 5)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	text := items[0]
	if text.ID != "t3_abc" || text.Body != "notes" || text.Link {
		t.Fatalf("self post mapped wrong: %+v", text)
	}
	if !text.Published.Equal(time.Unix(1700000300, 0).UTC()) {
		t.Fatalf("published = %v", text.Published)
	}
	if text.URL != "https://www.reddit.com/r/golang/comments/abc/" {
		t.Fatalf("url = %q", text.URL)
	}

	img := items[1]
	if !img.Link || img.MediaURL != "https://i.example/cat.png" || !img.NSFW {
		t.Fatalf("link post mapped wrong: %+v", img)
	}

	// Second fetch reuses the cached token.
	if _, err := c.FetchRecent(context.Background(), "golang", 5); err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	if n := authCalls.Load(); n != 1 {
		t.Fatalf("auth calls = %d, want 1", n)
	}
	if !c.Ready() {
		t.Fatal("client should be ready after a successful token fetch")
	}
}

func TestFetchRecentErrorClassification(t *testing.T) {
	t.Parallel()
	var status atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))

	cases := []struct {
		status      int
		recoverable bool
		notFound    bool
	}{
		{http.StatusTooManyRequests, true, false},
		{http.StatusServiceUnavailable, true, false},
		{http.StatusNotFound, false, true},
		{http.StatusForbidden, false, true},
		{http.StatusBadRequest, false, false},
	}
	for _, tc := range cases {
		status.Store(int64(tc.status))
		_, err := c.FetchRecent(context.Background(), "golang", 5)
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := feed.IsRecoverable(err); got != tc.recoverable {
			t.Fatalf("status %d: recoverable = %v, want %v", tc.status, got, tc.recoverable)
		}
		if got := errors.Is(err, feed.ErrNotFound); got != tc.notFound {
			t.Fatalf("status %d: notFound = %v, want %v", tc.status, got, tc.notFound)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/r/golang/about.json":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"kind": "t5",
				"data": map[string]any{"display_name": "golang", "subreddit_type": "public"},
			})
		case "/r/hidden/about.json":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"kind": "t5",
				"data": map[string]any{"display_name": "hidden", "subreddit_type": "private"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	ctx := context.Background()

	for _, token := range []string{"golang", "r/golang", "/r/golang/"} {
		name, err := c.Resolve(ctx, token)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", token, err)
		}
		if name != "golang" {
			t.Fatalf("Resolve(%q) = %q", token, name)
		}
	}

	if _, err := c.Resolve(ctx, "hidden"); !errors.Is(err, feed.ErrNotFound) {
		t.Fatalf("private subreddit: err = %v", err)
	}
	if _, err := c.Resolve(ctx, "nosuchsub"); !errors.Is(err, feed.ErrNotFound) {
		t.Fatalf("missing subreddit: err = %v", err)
	}
	if _, err := c.Resolve(ctx, "  "); !errors.Is(err, feed.ErrNotFound) {
		t.Fatalf("blank token: err = %v", err)
	}
}

func TestUnauthorizedDropsToken(t *testing.T) {
	t.Parallel()
	var first atomic.Bool
	first.Store(true)
	c, authCalls := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if first.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, listingJSON())
	}))
	ctx := context.Background()

	if _, err := c.FetchRecent(ctx, "golang", 5); err == nil {
		t.Fatal("expected error on revoked token")
	}
	if _, err := c.FetchRecent(ctx, "golang", 5); err != nil {
		t.Fatalf("retry after revocation: %v", err)
	}
	if n := authCalls.Load(); n != 2 {
		t.Fatalf("auth calls = %d, want 2", n)
	}
}
