// Package commands routes inbound chat messages to subscription handlers.
// The registry is keyword-based and case-sensitive: `!subscribe <feed>` and
// `!unsubscribe <feed>`.
package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"subwatch/internal/eventbus"
	"subwatch/internal/feed"
	"subwatch/internal/runtime/supervisor"
	"subwatch/internal/subscription"
	"subwatch/internal/transport"
	logx "subwatch/pkg/logx"
)

const defaultHandlerTimeout = 10 * time.Second

type Command struct {
	Keyword string
	Usage   string
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Msg     *transport.Message
	Keyword string
	// Token is the second whitespace-separated field of the message,
	// empty when the user sent the bare keyword.
	Token  string
	ReqID  string
	Logger logx.Logger
}

type Manager struct {
	adapter   transport.Adapter
	store     subscription.Store
	resolvers map[string]feed.Resolver
	bus       eventbus.Bus
	log       logx.Logger

	mu       sync.RWMutex
	registry map[string]Command

	jobs chan func()
}

func NewManager(
	adapter transport.Adapter,
	store subscription.Store,
	resolvers map[string]feed.Resolver,
	bus eventbus.Bus,
	log logx.Logger,
) *Manager {
	m := &Manager{
		adapter:   adapter,
		store:     store,
		resolvers: resolvers,
		bus:       bus,
		log:       log,
		registry:  map[string]Command{},
		jobs:      make(chan func(), 64),
	}
	m.register(Command{
		Keyword: "!subscribe",
		Usage:   "usage: !subscribe <subreddit or feed URL>",
		Handle:  m.handleSubscribe,
	})
	m.register(Command{
		Keyword: "!unsubscribe",
		Usage:   "usage: !unsubscribe <subreddit or feed URL>",
		Handle:  m.handleUnsubscribe,
	})
	return m
}

func (m *Manager) register(c Command) {
	if c.Keyword == "" || c.Handle == nil {
		return
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultHandlerTimeout
	}
	m.mu.Lock()
	m.registry[c.Keyword] = c
	m.mu.Unlock()
}

// DispatchLoop consumes transport updates until ctx is canceled. Handlers
// run on a small worker pool so a slow remote check cannot stall routing.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(m.log.With(logx.String("comp", "commands"))))

	const workers = 2
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("commands.worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					if job != nil {
						job()
					}
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Manager) route(ctx context.Context, up transport.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "!") {
		return
	}

	m.mu.RLock()
	cmd, ok := m.registry[fields[0]]
	m.mu.RUnlock()
	if !ok {
		// Not ours; other bots may share the chat.
		return
	}

	token := ""
	if len(fields) > 1 {
		token = fields[1]
	}
	if token == "" {
		_ = m.adapter.Reply(ctx, msg, cmd.Usage)
		return
	}

	rid := newReqID()
	req := &Request{
		Msg:     msg,
		Keyword: cmd.Keyword,
		Token:   token,
		ReqID:   rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Keyword)),
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)

	job := func() {
		err := final(ctx, req)
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeCommand, Data: CommandReport{
			Keyword: cmd.Keyword,
			From:    msg.FromID,
			OK:      err == nil,
		}})
	}
	select {
	case m.jobs <- job:
	default:
		_ = m.adapter.Reply(ctx, msg, "busy, try again")
	}
}

// CommandReport is published on the bus after every handled command.
type CommandReport struct {
	Keyword string
	From    int64
	OK      bool
}

func (m *Manager) handleSubscribe(ctx context.Context, req *Request) error {
	source, feedID := inferFeed(req.Token)
	sub := subscription.Subscription{
		SubscriberID:   req.Msg.FromID,
		SubscriberName: req.Msg.FromUsername,
		Feed:           feedID,
		Source:         source,
		ChatID:         req.Msg.ChatID,
	}
	if err := m.store.Add(ctx, sub); err != nil {
		_ = m.adapter.Reply(ctx, req.Msg, fmt.Sprintf("could not save your subscription to %s, try again later", feedID))
		return err
	}
	_ = m.adapter.Reply(ctx, req.Msg, fmt.Sprintf("subscribed to %s", feedID))
	return nil
}

func (m *Manager) handleUnsubscribe(ctx context.Context, req *Request) error {
	source, feedID := inferFeed(req.Token)

	// Best effort canonicalization; an unreachable resolver must not stop
	// the user from unsubscribing.
	if r, ok := m.resolvers[source]; ok {
		canonical, err := r.Resolve(ctx, req.Token)
		switch {
		case err == nil:
			feedID = normalizeResolved(source, canonical)
		case errors.Is(err, feed.ErrNotFound):
			// Feed may have been deleted upstream; fall through with the
			// normalized token so stale subscriptions stay removable.
		default:
			req.Logger.Debug("resolve failed; using normalized token", logx.Err(err))
		}
	}

	n, err := m.store.Remove(ctx, req.Msg.FromID, feedID, req.Msg.ChatID)
	if err != nil {
		_ = m.adapter.Reply(ctx, req.Msg, fmt.Sprintf("could not remove your subscription to %s, try again later", feedID))
		return err
	}
	if n == 0 {
		_ = m.adapter.Reply(ctx, req.Msg, fmt.Sprintf("you are not subscribed to %s", feedID))
		return nil
	}
	_ = m.adapter.Reply(ctx, req.Msg, fmt.Sprintf("unsubscribed from %s", feedID))
	return nil
}

// inferFeed maps a user token to (source, normalized feed id). Anything that
// looks like a URL or hostname is an RSS feed, everything else a subreddit.
func inferFeed(token string) (string, string) {
	t := strings.TrimSpace(token)
	if strings.Contains(t, "://") || strings.Contains(t, ".") {
		if !strings.Contains(t, "://") {
			t = "https://" + t
		}
		return feed.SourceRSS, t
	}
	t = strings.TrimPrefix(t, "/")
	t = strings.TrimPrefix(t, "r/")
	t = strings.TrimSuffix(t, "/")
	return feed.SourceReddit, strings.ToLower(t)
}

func normalizeResolved(source, canonical string) string {
	if source == feed.SourceReddit {
		// Resolve returns display names in their original casing; stored
		// feed ids are lower case.
		return strings.ToLower(canonical)
	}
	return canonical
}

func newReqID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
