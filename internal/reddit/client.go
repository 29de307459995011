// Package reddit fetches subreddit posts through the public OAuth API
// using the application-only (client credentials) grant.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"subwatch/internal/feed"
	logx "subwatch/pkg/logx"
)

const (
	defaultAuthURL   = "https://www.reddit.com/api/v1/access_token"
	defaultBaseURL   = "https://oauth.reddit.com"
	defaultUserAgent = "subwatch/1.0"

	// Refresh the token this long before reddit says it expires.
	tokenExpiryMargin = time.Minute
)

type Config struct {
	ClientID     string
	ClientSecret string
	UserAgent    string
	BaseURL      string
	AuthURL      string
	Timeout      time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time

	ready atomic.Bool
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// Ready reports whether the client holds (or has held) a valid token.
// The watcher's start barrier polls it so the first tick doesn't race the
// initial authentication.
func (c *Client) Ready() bool { return c.ready.Load() }

// Warm acquires the initial token. Called once at startup; failures are not
// fatal since FetchRecent re-authenticates on demand.
func (c *Client) Warm(ctx context.Context) error {
	_, err := c.accessToken(ctx)
	return err
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExp) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", feed.Classify(err)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("auth", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("auth response carried no token")
	}

	exp := time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	if body.ExpiresIn > 0 {
		exp = exp.Add(-tokenExpiryMargin)
	}

	c.mu.Lock()
	c.token = body.AccessToken
	c.tokenExp = exp
	c.mu.Unlock()
	c.ready.Store(true)

	c.log.Debug("reddit token refreshed", logx.Time("expires", exp))
	return body.AccessToken, nil
}

// FetchRecent returns up to limit posts from /r/<feed>/new. No ordering is
// promised beyond what reddit returns (newest first).
func (c *Client) FetchRecent(ctx context.Context, feedName string, limit int) ([]feed.Item, error) {
	if limit <= 0 {
		limit = 5
	}
	u := fmt.Sprintf("%s/r/%s/new.json?limit=%d&raw_json=1", c.cfg.BaseURL, url.PathEscape(feedName), limit)
	var listing listingResponse
	if err := c.getJSON(ctx, u, &listing); err != nil {
		return nil, err
	}

	items := make([]feed.Item, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		if child.Kind != "t3" {
			continue
		}
		items = append(items, child.Data.toItem())
	}
	return items, nil
}

// Resolve canonicalizes a subreddit token ("r/Golang", "golang") to its
// display name, verifying it exists and is public.
func (c *Client) Resolve(ctx context.Context, token string) (string, error) {
	name := strings.TrimSpace(token)
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimPrefix(name, "r/")
	name = strings.TrimSuffix(name, "/")
	if name == "" || strings.ContainsAny(name, " /") {
		return "", feed.ErrNotFound
	}

	u := fmt.Sprintf("%s/r/%s/about.json", c.cfg.BaseURL, url.PathEscape(name))
	var about struct {
		Kind string `json:"kind"`
		Data struct {
			DisplayName string `json:"display_name"`
			Type        string `json:"subreddit_type"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, u, &about); err != nil {
		return "", err
	}
	if about.Kind != "t5" || about.Data.DisplayName == "" {
		return "", feed.ErrNotFound
	}
	if about.Data.Type == "private" {
		return "", feed.ErrNotFound
	}
	return about.Data.DisplayName, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	tok, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return feed.Classify(err)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		// Token revoked server-side; drop it so the next call re-authenticates.
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return statusError("api", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return feed.ErrNotFound
	}
	// Banned and quarantined subreddits respond 403.
	if resp.StatusCode == http.StatusForbidden {
		return feed.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return statusError("api", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode listing: %w", err)
	}
	return nil
}

// statusError maps rate limiting and server-side failures to recoverable.
func statusError(stage string, code int) error {
	err := fmt.Errorf("reddit %s: unexpected status %d", stage, code)
	if code == http.StatusTooManyRequests || code >= 500 {
		return feed.Recoverable(err)
	}
	return err
}

type listingResponse struct {
	Data struct {
		Children []struct {
			Kind string `json:"kind"`
			Data post   `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type post struct {
	Name        string  `json:"name"`
	Title       string  `json:"title"`
	Selftext    string  `json:"selftext"`
	Author      string  `json:"author"`
	Permalink   string  `json:"permalink"`
	URL         string  `json:"url"`
	CreatedUTC  float64 `json:"created_utc"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	Over18      bool    `json:"over_18"`
	IsVideo     bool    `json:"is_video"`
	IsSelf      bool    `json:"is_self"`
	PostHint    string  `json:"post_hint"`

	Preview struct {
		Images []struct {
			Source struct {
				URL string `json:"url"`
			} `json:"source"`
		} `json:"images"`
	} `json:"preview"`
}

func (p post) toItem() feed.Item {
	sec := int64(p.CreatedUTC)
	nsec := int64((p.CreatedUTC - float64(sec)) * float64(time.Second))
	item := feed.Item{
		ID:        p.Name,
		Title:     p.Title,
		Body:      p.Selftext,
		URL:       "https://www.reddit.com" + p.Permalink,
		Author:    p.Author,
		AuthorURL: "https://www.reddit.com/u/" + p.Author,
		Published: time.Unix(sec, nsec).UTC(),
		Score:     p.Score,
		Comments:  p.NumComments,
		NSFW:      p.Over18,
		Video:     p.IsVideo,
		Link:      !p.IsSelf,
	}
	if item.Link {
		item.MediaURL = p.URL
	}
	// Prefer the preview source when the link target itself is not an image.
	if item.MediaURL == "" || (p.PostHint != "image" && len(p.Preview.Images) > 0) {
		if len(p.Preview.Images) > 0 && p.Preview.Images[0].Source.URL != "" {
			item.MediaURL = p.Preview.Images[0].Source.URL
		}
	}
	return item
}
