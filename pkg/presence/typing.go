// Package presence handles the ephemeral signals around a conversation:
// announcing the local user's typing state and tracking remote typists
// and online status from poll results.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/parley-im/chatcore/pkg/models"
)

const (
	// AnnounceCoalesce is the minimum gap between typing announcements,
	// so continuous input does not become a request storm.
	AnnounceCoalesce = time.Second
	// IdleAfter is how long input silence lasts before the typing
	// signal is cleared.
	IdleAfter = 2 * time.Second
)

// TypingAPI is the slice of the backend the announcer talks to.
type TypingAPI interface {
	SetTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// Announcer converts keystrokes into coalesced typing announcements
// with an inactivity timer that clears the signal.
type Announcer struct {
	mu sync.Mutex

	api            TypingAPI
	conversationID string
	log            zerolog.Logger
	nowFn          func() time.Time

	lastAnnounce time.Time
	typing       bool
	idleTimer    *time.Timer
	closed       bool
}

func NewAnnouncer(api TypingAPI, conversationID string, log zerolog.Logger) *Announcer {
	return &Announcer{
		api:            api,
		conversationID: conversationID,
		log:            log,
		nowFn:          time.Now,
	}
}

// Input is called on every input change. The first keystroke announces
// immediately; continued input re-announces at most once per second and
// keeps pushing the idle deadline out.
func (a *Announcer) Input(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	now := a.nowFn()
	if !a.typing || now.Sub(a.lastAnnounce) >= AnnounceCoalesce {
		a.lastAnnounce = now
		a.typing = true
		go a.announce(ctx, true)
	}

	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	a.idleTimer = time.AfterFunc(IdleAfter, func() {
		a.Idle(context.Background())
	})
}

// Idle clears the typing signal. Called by the inactivity timer and
// immediately when a message is sent.
func (a *Announcer) Idle(ctx context.Context) {
	a.mu.Lock()
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
	wasTyping := a.typing
	a.typing = false
	a.mu.Unlock()

	if wasTyping {
		go a.announce(ctx, false)
	}
}

// Close stops the inactivity timer; no announcements happen afterwards.
func (a *Announcer) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
}

func (a *Announcer) announce(ctx context.Context, isTyping bool) {
	// Best effort; a lost typing signal only costs a moment of
	// indicator staleness.
	if err := a.api.SetTyping(ctx, a.conversationID, isTyping); err != nil {
		a.log.Debug().Err(err).Bool("typing", isTyping).Msg("Unable to announce typing status...")
	}
}

// Tracker keeps the latest polled set of remote typing signals. Expired
// entries are filtered at read time; no local expiry timers are needed
// because the next poll drops them anyway.
type Tracker struct {
	mu      sync.Mutex
	selfID  string
	nowFn   func() time.Time
	signals []models.TypingSignal
	status  *models.UserStatus
}

func NewTracker(selfID string) *Tracker {
	return &Tracker{selfID: selfID, nowFn: time.Now}
}

// UpdateTyping replaces the tracked signal set with a poll result.
func (t *Tracker) UpdateTyping(signals []models.TypingSignal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signals = signals
}

// UpdateStatus records the other participant's online status (Direct
// conversations only).
func (t *Tracker) UpdateStatus(status models.UserStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = &status
}

func (t *Tracker) Status() (models.UserStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == nil {
		return models.UserStatus{}, false
	}
	return *t.status, true
}

// ActiveTypists returns everyone else currently typing, each tracked
// independently even when several people type at once.
func (t *Tracker) ActiveTypists() []models.TypingSignal {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.nowFn()
	return lo.Filter(t.signals, func(sig models.TypingSignal, _ int) bool {
		return sig.UserID != t.selfID && sig.Active(now)
	})
}

// Summary renders the indicator line for the active typist set.
func (t *Tracker) Summary() string {
	active := t.ActiveTypists()
	switch len(active) {
	case 0:
		return ""
	case 1:
		return active[0].DisplayName + " is typing…"
	default:
		return fmt.Sprintf("%d people are typing…", len(active))
	}
}
