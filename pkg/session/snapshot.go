package session

import (
	"github.com/parley-im/chatcore/pkg/models"
	"github.com/parley-im/chatcore/pkg/store"
)

// Snapshot is the complete render-ready view of the conversation at one
// instant. Consumers re-render from it on every update notification.
type Snapshot struct {
	Messages      []models.Message
	Typists       []models.TypingSignal
	TypingSummary string
	UnreadCount   int
	PeerStatus    *models.UserStatus
	Suspended     bool
}

func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		Messages:      s.store.Messages(),
		Typists:       s.tracker.ActiveTypists(),
		TypingSummary: s.tracker.Summary(),
		UnreadCount:   s.store.UnreadCount(),
		Suspended:     s.ctrl.Suspended(),
	}
	if status, ok := s.tracker.Status(); ok {
		snap.PeerStatus = &status
	}
	return snap
}

// Message looks one message up by canonical or local id.
func (s *Session) Message(id string) (models.Message, bool) {
	return s.store.Get(id)
}

// ReplyPreview resolves the single-level quoted context for a reply.
func (s *Session) ReplyPreview(messageID string) (store.ReplyPreview, bool) {
	return s.store.ReplyPreviewFor(messageID)
}

// TopReactions summarizes the most used reactions on a message.
func (s *Session) TopReactions(messageID string, n int) []store.ReactionStat {
	return s.store.TopReactions(messageID, n)
}
