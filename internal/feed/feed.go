// Package feed defines the feed item model and the fetcher contract the
// watcher polls against, independent of any concrete feed source.
package feed

import "time"

// Source identifies which fetcher serves a subscription's feed.
const (
	SourceReddit = "reddit"
	SourceRSS    = "rss"
)

// Item is one entry of a content feed. Ephemeral: items are never persisted,
// only their publish time survives as a subscription checkpoint.
type Item struct {
	ID        string
	Title     string
	Body      string
	URL       string
	Author    string
	AuthorURL string
	Published time.Time

	Score    int
	Comments int

	NSFW  bool
	Video bool
	// Link marks an item that points at external content rather than
	// carrying its own body (a reddit link post, or any RSS entry).
	Link bool
	// MediaURL is the direct target of a link item, when resolvable.
	MediaURL string
}
