// Package store holds the client-side view of one open conversation:
// an ordered, deduplicated message collection with per-message delivery
// state, reply resolution and reaction aggregation. All mutations go
// through a single mutex so timers and user actions can interleave.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/parley-im/chatcore/pkg/models"
)

// DefaultDedupeWindow bounds the sender+content fallback match between
// an optimistic entry and its server-confirmed counterpart. Servers that
// echo the idempotency token do not rely on it.
const DefaultDedupeWindow = 15 * time.Second

type Store struct {
	mu sync.Mutex

	conversationID string
	selfID         string
	dedupeWindow   time.Duration
	nowFn          func() time.Time

	byID    map[string]*models.Message
	byToken map[string]*models.Message
	order   []*models.Message

	unresolved map[string]struct{}
}

func New(conversationID, selfID string) *Store {
	return &Store{
		conversationID: conversationID,
		selfID:         selfID,
		dedupeWindow:   DefaultDedupeWindow,
		nowFn:          time.Now,
		byID:           make(map[string]*models.Message),
		byToken:        make(map[string]*models.Message),
		unresolved:     make(map[string]struct{}),
	}
}

// InsertOptimistic adds a not-yet-confirmed message so the UI can render
// it immediately. The returned message carries the local id the caller
// uses to track the send until reconciliation replaces it.
func (s *Store) InsertOptimistic(draft models.Draft) (models.Message, error) {
	if len(strings.TrimSpace(draft.Content)) == 0 && draft.Attachment == nil && draft.Voice == nil {
		return models.Message{}, models.ValidationError("empty message was not allowed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &models.Message{
		LocalID:          "local-" + uuid.NewString(),
		IdempotencyToken: uuid.NewString(),
		ConversationID:   s.conversationID,
		SenderID:         s.selfID,
		Content:          draft.Content,
		Kind:             draft.Kind,
		ReplyToID:        draft.ReplyToID,
		Attachment:       draft.Attachment,
		Voice:            draft.Voice,
		CreatedAt:        s.nowFn(),
		Status:           models.StatusPending,
	}

	s.byID[msg.LocalID] = msg
	s.byToken[msg.IdempotencyToken] = msg
	s.order = append(s.order, msg)
	s.sortLocked()

	return *msg, nil
}

// Reconcile merges a server batch into the store. It is idempotent:
// applying the same batch twice converges to the same state, and it
// never regresses a message status the store already holds.
func (s *Store) Reconcile(batch []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, incoming := range batch {
		if incoming.ConversationID != "" && incoming.ConversationID != s.conversationID {
			continue
		}
		s.upsertLocked(incoming)
	}
	s.sortLocked()
}

func (s *Store) upsertLocked(incoming models.Message) {
	if incoming.ID == "" {
		return
	}
	if existing, ok := s.byID[incoming.ID]; ok {
		s.mergeLocked(existing, incoming)
		return
	}

	if local := s.matchPendingLocked(incoming); local != nil {
		// The confirmed counterpart of an optimistic entry: adopt the
		// canonical identity in place instead of duplicating the slot.
		delete(s.byID, local.LocalID)
		if local.IdempotencyToken != "" {
			delete(s.byToken, local.IdempotencyToken)
		}
		local.ID = incoming.ID
		local.LocalID = ""
		local.IdempotencyToken = ""
		s.byID[incoming.ID] = local
		s.mergeLocked(local, incoming)
		if local.Status.Before(models.StatusSent) || local.Status == models.StatusFailed {
			local.Status = models.StatusSent
		}
		return
	}

	msg := incoming
	if msg.SenderID != s.selfID {
		// Fetching is delivery, not reading. Read needs an explicit
		// MarkViewed, or the server already reporting it as read.
		if msg.Status.Rank() < models.StatusDelivered.Rank() {
			msg.Status = models.StatusDelivered
		}
	} else if msg.Status.Rank() < models.StatusSent.Rank() {
		msg.Status = models.StatusSent
	}
	if msg.ReplyToID != "" {
		if _, ok := s.byID[msg.ReplyToID]; !ok {
			s.unresolved[msg.ReplyToID] = struct{}{}
		}
	}
	s.byID[msg.ID] = &msg
	s.order = append(s.order, &msg)
	delete(s.unresolved, msg.ID)
}

func (s *Store) matchPendingLocked(incoming models.Message) *models.Message {
	if incoming.IdempotencyToken != "" {
		if local, ok := s.byToken[incoming.IdempotencyToken]; ok {
			return local
		}
	}
	if incoming.SenderID != s.selfID {
		return nil
	}
	for _, msg := range s.order {
		if msg.LocalID == "" || msg.Status != models.StatusPending {
			continue
		}
		if msg.Kind == incoming.Kind && msg.Content == incoming.Content &&
			s.nowFn().Sub(msg.CreatedAt) <= s.dedupeWindow {
			return msg
		}
	}
	return nil
}

func (s *Store) mergeLocked(existing *models.Message, incoming models.Message) {
	if !incoming.CreatedAt.IsZero() {
		existing.CreatedAt = incoming.CreatedAt
	}
	if existing.Status.Before(incoming.Status) || existing.Status == models.StatusFailed && incoming.Status.Rank() >= 0 {
		existing.Status = incoming.Status
	}
	if incoming.IsDeleted {
		existing.IsDeleted = true
		existing.Content = ""
	} else if incoming.IsEdited {
		existing.IsEdited = true
		existing.Content = incoming.Content
	}
	if incoming.Reactions != nil {
		existing.Reactions = copyCounts(incoming.Reactions)
		existing.OwnReaction = incoming.OwnReaction
	}
	if incoming.Attachment != nil {
		existing.Attachment = incoming.Attachment
	}
	if incoming.Voice != nil {
		existing.Voice = incoming.Voice
	}
	if incoming.ConversationKind != "" {
		existing.ConversationKind = incoming.ConversationKind
	}
	if incoming.ReplyToID != "" {
		existing.ReplyToID = incoming.ReplyToID
		if _, ok := s.byID[incoming.ReplyToID]; !ok {
			s.unresolved[incoming.ReplyToID] = struct{}{}
		}
	}
	delete(s.unresolved, existing.ID)
}

// MarkFailed flags a pending send whose request failed. Terminal but
// user-retriable; a later Reconcile with the canonical message (the
// request actually landed) still advances it to Sent.
func (s *Store) MarkFailed(localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.byID[localID]; ok && msg.Status == models.StatusPending {
		msg.Status = models.StatusFailed
	}
}

// MarkRetrying puts a failed send back into Pending for an explicit
// user retry. This is the one sanctioned exception to forward-only
// status movement, limited to the Failed branch.
func (s *Store) MarkRetrying(localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.byID[localID]; ok && msg.Status == models.StatusFailed {
		msg.Status = models.StatusPending
		msg.CreatedAt = s.nowFn()
	}
	s.sortLocked()
}

// AdvanceStatus moves a message forward in the delivery progression.
// Backward transitions are ignored.
func (s *Store) AdvanceStatus(id string, status models.MessageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.byID[id]; ok && msg.Status.Before(status) {
		msg.Status = status
	}
}

func (s *Store) MarkEdited(id, newContent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok || msg.IsDeleted {
		return false
	}
	msg.Content = newContent
	msg.IsEdited = true
	return true
}

// MarkDeleted clears the content but keeps the slot so ordering and
// reply references stay intact permanently.
func (s *Store) MarkDeleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return false
	}
	msg.IsDeleted = true
	msg.Content = ""
	return true
}

func (s *Store) sortLocked() {
	sort.SliceStable(s.order, func(i, j int) bool {
		a, b := s.order[i], s.order[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return sortKey(a) < sortKey(b)
	})
}

func sortKey(m *models.Message) string {
	if m.ID != "" {
		return m.ID
	}
	return m.LocalID
}

// Messages returns the ordered snapshot consumers render from.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.order, func(msg *models.Message, _ int) models.Message {
		return *msg
	})
}

func (s *Store) Get(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.byID[id]; ok {
		return *msg, true
	}
	return models.Message{}, false
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// UnreadCount counts received messages not yet acknowledged as read by
// the local user.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.CountBy(s.order, func(msg *models.Message) bool {
		return msg.SenderID != s.selfID && msg.Status != models.StatusRead
	})
}

// MarkViewed acknowledges the conversation as seen: every received
// message advances to Read. Reports whether anything changed so callers
// can skip a redundant repaint.
func (s *Store) MarkViewed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, msg := range s.order {
		if msg.SenderID != s.selfID && msg.Status.Before(models.StatusRead) {
			msg.Status = models.StatusRead
			changed = true
		}
	}
	return changed
}

// UnresolvedReplies lists reply targets referenced by the batch but not
// present in the store, for best-effort backfill.
func (s *Store) UnresolvedReplies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Keys(s.unresolved)
}
