// Package syncer keeps the message store eventually consistent with the
// server through short-interval polling. Each signal type ticks on its
// own timer; a failed poll is retried on the next scheduled tick.
package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-im/chatcore/pkg/models"
	"github.com/parley-im/chatcore/pkg/presence"
	"github.com/parley-im/chatcore/pkg/store"
)

// Intervals are the per-signal polling periods.
type Intervals struct {
	Messages  time.Duration
	Typing    time.Duration
	Presence  time.Duration
	Heartbeat time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		Messages:  3 * time.Second,
		Typing:    2 * time.Second,
		Presence:  30 * time.Second,
		Heartbeat: 60 * time.Second,
	}
}

// API is the slice of the backend the controller polls.
type API interface {
	GetConversationSummary(ctx context.Context, conversationID, peerID string) (models.ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	ListTyping(ctx context.Context, conversationID string) ([]models.TypingSignal, error)
	GetUserStatus(ctx context.Context, userID string) (models.UserStatus, error)
	Heartbeat(ctx context.Context) error
}

type Config struct {
	API            API
	Store          *store.Store
	Tracker        *presence.Tracker
	ConversationID string
	Kind           models.ConversationKind
	PeerID         string
	Intervals      Intervals
	Logger         zerolog.Logger

	// OnAuthError is invoked once when a poll is rejected for
	// credentials; polling then suspends until Resume.
	OnAuthError func(error)
}

type Controller struct {
	cfg    Config
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	suspended    atomic.Bool
	authSurfaced atomic.Bool
	updates      chan struct{}

	summaryMu   sync.Mutex
	lastSummary models.ConversationSummary
	primed      bool
}

func New(cfg Config) *Controller {
	defaults := DefaultIntervals()
	if cfg.Intervals.Messages <= 0 {
		cfg.Intervals.Messages = defaults.Messages
	}
	if cfg.Intervals.Typing <= 0 {
		cfg.Intervals.Typing = defaults.Typing
	}
	if cfg.Intervals.Presence <= 0 {
		cfg.Intervals.Presence = defaults.Presence
	}
	if cfg.Intervals.Heartbeat <= 0 {
		cfg.Intervals.Heartbeat = defaults.Heartbeat
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:     cfg,
		log:     cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		updates: make(chan struct{}, 1),
	}
}

// Start spins up the polling loops. Close must be called on
// conversation teardown or the timers leak against a stale id.
func (c *Controller) Start() {
	c.spawn(c.cfg.Intervals.Messages, c.pollMessages)
	c.spawn(c.cfg.Intervals.Typing, c.pollTyping)
	if c.cfg.Kind == models.ConversationDirect && c.cfg.PeerID != "" {
		c.spawn(c.cfg.Intervals.Presence, c.pollPresence)
	}
	c.spawn(c.cfg.Intervals.Heartbeat, c.heartbeat)
}

// spawn runs fn on a fixed ticker. Ticks are coalesced: while one fetch
// is still in flight the next tick is skipped, so a slow endpoint never
// piles up concurrent requests for the same conversation.
func (c *Controller) spawn(interval time.Duration, fn func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var inflight atomic.Bool
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if c.suspended.Load() {
					continue
				}
				if !inflight.CompareAndSwap(false, true) {
					continue
				}
				c.wg.Add(1)
				go func() {
					defer c.wg.Done()
					defer inflight.Store(false)
					fn(c.ctx)
				}()
			}
		}
	}()
}

// pollMessages asks for the conversation summary first and only pulls
// the full message list when the summary says something moved. The
// summary is one cheap row against a list that grows with history.
func (c *Controller) pollMessages(ctx context.Context) {
	summary, err := c.cfg.API.GetConversationSummary(ctx, c.cfg.ConversationID, c.cfg.PeerID)
	if err != nil {
		c.reportPollError("summary", err)
		return
	}
	if summary.Participant != nil {
		c.cfg.Tracker.UpdateStatus(*summary.Participant)
	}
	if !c.refetchNeeded(summary) {
		return
	}
	batch, err := c.cfg.API.ListMessages(ctx, c.cfg.ConversationID)
	if err != nil {
		c.reportPollError("messages", err)
		return
	}
	c.cfg.Store.Reconcile(batch)
	c.rememberSummary(summary)
	c.notify()
}

// refetchNeeded is true until the first successful fetch, then whenever
// the latest message or the unread cursor moved. Participant liveness
// is excluded: it feeds the tracker but never changes message state.
func (c *Controller) refetchNeeded(summary models.ConversationSummary) bool {
	c.summaryMu.Lock()
	defer c.summaryMu.Unlock()
	if !c.primed {
		return true
	}
	return c.lastSummary.LatestMessageID != summary.LatestMessageID ||
		c.lastSummary.UnreadCount != summary.UnreadCount
}

func (c *Controller) rememberSummary(summary models.ConversationSummary) {
	c.summaryMu.Lock()
	defer c.summaryMu.Unlock()
	summary.Participant = nil
	c.lastSummary = summary
	c.primed = true
}

func (c *Controller) pollTyping(ctx context.Context) {
	signals, err := c.cfg.API.ListTyping(ctx, c.cfg.ConversationID)
	if err != nil {
		c.reportPollError("typing", err)
		return
	}
	c.cfg.Tracker.UpdateTyping(signals)
	c.notify()
}

func (c *Controller) pollPresence(ctx context.Context) {
	status, err := c.cfg.API.GetUserStatus(ctx, c.cfg.PeerID)
	if err != nil {
		c.reportPollError("presence", err)
		return
	}
	c.cfg.Tracker.UpdateStatus(status)
	c.notify()
}

func (c *Controller) heartbeat(ctx context.Context) {
	if err := c.cfg.API.Heartbeat(ctx); err != nil {
		c.reportPollError("heartbeat", err)
	}
}

// reportPollError swallows transient failures (staleness beats noisy
// alerts for background sync) and suspends polling on credential
// rejection, surfacing that once.
func (c *Controller) reportPollError(signal string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, models.ErrAuth) {
		c.suspended.Store(true)
		if c.authSurfaced.CompareAndSwap(false, true) && c.cfg.OnAuthError != nil {
			c.cfg.OnAuthError(err)
		}
		return
	}
	c.log.Debug().Err(err).Str("signal", signal).Msg("Background poll failed, will retry on next tick...")
}

// PollNow fetches the conversation immediately, outside the tick
// schedule. Used right after opening and after a send when the send
// response does not carry the canonical message.
func (c *Controller) PollNow(ctx context.Context) error {
	batch, err := c.cfg.API.ListMessages(ctx, c.cfg.ConversationID)
	if err != nil {
		return err
	}
	c.cfg.Store.Reconcile(batch)
	c.notify()
	return nil
}

// Suspended reports whether polling is halted on an auth failure.
func (c *Controller) Suspended() bool {
	return c.suspended.Load()
}

// Resume restarts polling after re-authentication.
func (c *Controller) Resume() {
	c.authSurfaced.Store(false)
	c.suspended.Store(false)
}

// Updates delivers a coalesced change notification whenever a poll
// changed the visible state.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Close cancels every timer and in-flight request and waits for them,
// so a late response cannot resurrect a torn-down conversation.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}
