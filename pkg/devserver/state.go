package devserver

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/parley-im/chatcore/pkg/models"
)

// state is the volatile backing store of the development server. It
// stands in for the real persistence engine during local work and
// tests; nothing survives a restart.
type state struct {
	mu sync.Mutex

	messages  map[string][]*models.Message        // conversation id -> ordered
	byToken   map[string]*models.Message          // idempotency token -> message
	reactions map[string]map[string]string        // message id -> user id -> emoji
	typing    map[string]map[string]*models.TypingSignal
	statuses  map[string]*models.UserStatus
	blobs     map[string]*blob
}

type blob struct {
	name string
	mime string
	data []byte
}

func newState() *state {
	return &state{
		messages:  make(map[string][]*models.Message),
		byToken:   make(map[string]*models.Message),
		reactions: make(map[string]map[string]string),
		typing:    make(map[string]map[string]*models.TypingSignal),
		statuses:  make(map[string]*models.UserStatus),
		blobs:     make(map[string]*blob),
	}
}

// appendMessage stores a new message, deduplicating by idempotency
// token so a retried send lands exactly once.
func (st *state) appendMessage(conversationID string, msg models.Message) models.Message {
	st.mu.Lock()
	defer st.mu.Unlock()

	if msg.IdempotencyToken != "" {
		if existing, ok := st.byToken[msg.IdempotencyToken]; ok {
			return *existing
		}
	}

	msg.ID = uuid.NewString()
	msg.ConversationID = conversationID
	msg.CreatedAt = time.Now().UTC()
	msg.Status = models.StatusSent

	stored := msg
	st.messages[conversationID] = append(st.messages[conversationID], &stored)
	if stored.IdempotencyToken != "" {
		st.byToken[stored.IdempotencyToken] = &stored
	}
	return stored
}

// listMessages returns the conversation in server order and advances
// everyone else's messages to read for the fetching user, which is how
// the mock models read receipts.
func (st *state) listMessages(conversationID, viewerID string) []models.Message {
	st.mu.Lock()
	defer st.mu.Unlock()

	msgs := st.messages[conversationID]
	out := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.SenderID != viewerID && msg.Status.Before(models.StatusRead) {
			msg.Status = models.StatusRead
		}
		out = append(out, st.viewLocked(msg, viewerID))
	}
	return out
}

// summary is the cheap poll target: latest id plus the viewer's unread
// count, so clients only pull the full list when something moved.
func (st *state) summary(conversationID, viewerID, peerID string) models.ConversationSummary {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := models.ConversationSummary{ConversationID: conversationID}
	msgs := st.messages[conversationID]
	if n := len(msgs); n > 0 {
		out.LatestMessageID = msgs[n-1].ID
	}
	for _, msg := range msgs {
		if msg.SenderID != viewerID && msg.Status.Before(models.StatusRead) {
			out.UnreadCount++
		}
	}
	if peerID != "" {
		status := models.UserStatus{UserID: peerID}
		if s, ok := st.statuses[peerID]; ok {
			status = *s
		}
		out.Participant = &status
	}
	return out
}

func (st *state) searchMessages(conversationID, viewerID, query string) []models.Message {
	st.mu.Lock()
	defer st.mu.Unlock()

	needle := strings.ToLower(query)
	var out []models.Message
	for _, msg := range st.messages[conversationID] {
		if msg.IsDeleted || !strings.Contains(strings.ToLower(msg.Content), needle) {
			continue
		}
		out = append(out, st.viewLocked(msg, viewerID))
	}
	return out
}

// viewLocked renders a message for one viewer, folding the per-user
// reaction table into the aggregate plus that viewer's own pick.
func (st *state) viewLocked(msg *models.Message, viewerID string) models.Message {
	view := *msg
	if picks := st.reactions[msg.ID]; len(picks) > 0 {
		view.Reactions = lo.CountValues(lo.Values(picks))
		view.OwnReaction = picks[viewerID]
	}
	return view
}

func (st *state) findMessage(conversationID, messageID string) (*models.Message, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.findMessageLocked(conversationID, messageID)
}

func (st *state) findMessageLocked(conversationID, messageID string) (*models.Message, bool) {
	for _, msg := range st.messages[conversationID] {
		if msg.ID == messageID {
			return msg, true
		}
	}
	return nil, false
}

func (st *state) editMessage(conversationID, messageID, senderID, content string) (models.Message, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	msg, ok := st.findMessageLocked(conversationID, messageID)
	if !ok || msg.IsDeleted || msg.SenderID != senderID {
		return models.Message{}, false
	}
	msg.Content = content
	msg.IsEdited = true
	return st.viewLocked(msg, senderID), true
}

func (st *state) deleteMessage(conversationID, messageID, senderID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	msg, ok := st.findMessageLocked(conversationID, messageID)
	if !ok || msg.SenderID != senderID {
		return false
	}
	msg.IsDeleted = true
	msg.Content = ""
	return true
}

// toggleReaction flips one user's reaction: same emoji clears, another
// emoji swaps. Returns the new aggregate for the acting user.
func (st *state) toggleReaction(messageID, userID, emoji string) (map[string]int, string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	picks, ok := st.reactions[messageID]
	if !ok {
		picks = make(map[string]string)
		st.reactions[messageID] = picks
	}
	if picks[userID] == emoji {
		delete(picks, userID)
	} else {
		picks[userID] = emoji
	}
	return lo.CountValues(lo.Values(picks)), picks[userID]
}

func (st *state) setTyping(conversationID, userID, displayName string, isTyping bool, ttl time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()

	signals, ok := st.typing[conversationID]
	if !ok {
		signals = make(map[string]*models.TypingSignal)
		st.typing[conversationID] = signals
	}
	if !isTyping {
		delete(signals, userID)
		return
	}
	signals[userID] = &models.TypingSignal{
		ConversationID: conversationID,
		UserID:         userID,
		DisplayName:    displayName,
		ExpiresAt:      time.Now().Add(ttl),
	}
}

func (st *state) listTyping(conversationID string) []models.TypingSignal {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	var out []models.TypingSignal
	for _, sig := range st.typing[conversationID] {
		if sig.ExpiresAt.After(now) {
			out = append(out, *sig)
		}
	}
	return out
}

func (st *state) heartbeat(userID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.statuses[userID] = &models.UserStatus{UserID: userID, IsOnline: true, LastSeen: time.Now().UTC()}
}

func (st *state) userStatus(userID string) models.UserStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	if status, ok := st.statuses[userID]; ok {
		return *status
	}
	return models.UserStatus{UserID: userID}
}

func (st *state) putBlob(name, mime string, data []byte) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	ref := uuid.NewString()
	st.blobs[ref] = &blob{name: name, mime: mime, data: data}
	return ref
}

func (st *state) getBlob(ref string) (*blob, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	b, ok := st.blobs[ref]
	return b, ok
}

// sweep drops expired typing signals and marks silent users offline.
// Driven by the cron schedule in the server.
func (st *state) sweep(staleAfter time.Duration) (removed int) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	for conversationID, signals := range st.typing {
		for userID, sig := range signals {
			if !sig.ExpiresAt.After(now) {
				delete(signals, userID)
				removed++
			}
		}
		if len(signals) == 0 {
			delete(st.typing, conversationID)
		}
	}
	for _, status := range st.statuses {
		if status.IsOnline && now.Sub(status.LastSeen) > staleAfter {
			status.IsOnline = false
		}
	}
	return removed
}
