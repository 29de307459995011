// Package rss serves RSS and Atom feeds through gofeed.
package rss

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"subwatch/internal/feed"
	logx "subwatch/pkg/logx"
)

type Config struct {
	UserAgent string
	Timeout   time.Duration
}

type Fetcher struct {
	parser *gofeed.Parser
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	p := gofeed.NewParser()
	p.Client = &http.Client{Timeout: cfg.Timeout}
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	}
	return &Fetcher{parser: p, log: log}
}

// Ready always reports true: the fetcher needs no session or token.
func (f *Fetcher) Ready() bool { return true }

// FetchRecent parses the feed and returns up to limit entries. Entries
// without a parseable publish time are skipped, since the watcher cannot
// order or checkpoint them.
func (f *Fetcher) FetchRecent(ctx context.Context, feedURL string, limit int) ([]feed.Item, error) {
	if limit <= 0 {
		limit = 5
	}
	parsed, err := f.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, classifyParseError(err)
	}

	entries := make([]*gofeed.Item, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		if entry == nil || entry.PublishedParsed == nil {
			continue
		}
		entries = append(entries, entry)
	}
	// Documents may list entries in any order; "recent" means by publish
	// time, newest first, before the limit applies.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].PublishedParsed.After(*entries[j].PublishedParsed)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}

	items := make([]feed.Item, 0, len(entries))
	for _, entry := range entries {
		items = append(items, toItem(parsed, entry))
	}
	return items, nil
}

// Resolve normalizes a feed URL (adding https:// when the scheme is
// missing) and verifies it parses as a feed.
func (f *Fetcher) Resolve(ctx context.Context, token string) (string, error) {
	raw := strings.TrimSpace(token)
	if raw == "" {
		return "", feed.ErrNotFound
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", feed.ErrNotFound
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", feed.ErrNotFound
	}

	if _, err := f.parser.ParseURLWithContext(u.String(), ctx); err != nil {
		return "", classifyParseError(err)
	}
	return u.String(), nil
}

func toItem(parsed *gofeed.Feed, entry *gofeed.Item) feed.Item {
	item := feed.Item{
		ID:        entry.GUID,
		Title:     entry.Title,
		Body:      entry.Description,
		URL:       entry.Link,
		Published: entry.PublishedParsed.UTC(),
		// Every feed entry points at external content.
		Link:     true,
		MediaURL: entry.Link,
	}
	if item.ID == "" {
		item.ID = entry.Link
	}
	if len(entry.Authors) > 0 && entry.Authors[0] != nil {
		item.Author = entry.Authors[0].Name
	}
	if item.Author == "" {
		item.Author = parsed.Title
	}
	if parsed.Link != "" {
		item.AuthorURL = parsed.Link
	}
	if entry.Image != nil && entry.Image.URL != "" {
		item.MediaURL = entry.Image.URL
	}
	for _, enc := range entry.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			item.MediaURL = enc.URL
			break
		}
	}
	return item
}

func classifyParseError(err error) error {
	var herr gofeed.HTTPError
	if errors.As(err, &herr) {
		switch {
		case herr.StatusCode == http.StatusNotFound,
			herr.StatusCode == http.StatusGone:
			return feed.ErrNotFound
		case herr.StatusCode == http.StatusTooManyRequests,
			herr.StatusCode >= 500:
			return feed.Recoverable(err)
		}
		return err
	}
	return feed.Classify(err)
}
