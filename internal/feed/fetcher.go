package feed

import "context"

// Fetcher returns the most recent items of a feed.
//
// Implementations make no ordering promise; callers that need chronological
// delivery must sort. limit is a hint, implementations may return fewer.
type Fetcher interface {
	FetchRecent(ctx context.Context, feed string, limit int) ([]Item, error)
}

// Resolver canonicalizes a user-supplied feed token, typically with a remote
// existence check. Fetchers implement it when the canonical form can differ
// from the token (e.g. subreddit display names).
type Resolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// ReadyChecker reports whether a fetcher is initialized enough to serve
// requests. The watcher's start barrier waits on it.
type ReadyChecker interface {
	Ready() bool
}
