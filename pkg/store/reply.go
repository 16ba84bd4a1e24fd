package store

import "github.com/parley-im/chatcore/pkg/models"

// previewCap bounds the quoted content shown for a reply.
const previewCap = 56

// ReplyPreview is the single-level quoted context rendered above a
// reply. A reply chain is never followed past the immediate parent.
type ReplyPreview struct {
	MessageID string
	SenderID  string
	Content   string
	Available bool
}

// ResolveReply returns the referenced parent message, or false when the
// reference is unresolved.
func (s *Store) ResolveReply(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok || msg.ReplyToID == "" {
		return models.Message{}, false
	}
	parent, ok := s.byID[msg.ReplyToID]
	if !ok {
		return models.Message{}, false
	}
	return *parent, true
}

// ReplyPreviewFor builds the bounded preview for a message's reply
// reference. Soft-deleted or missing parents yield an unavailable
// placeholder instead of a dereference.
func (s *Store) ReplyPreviewFor(id string) (ReplyPreview, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok || msg.ReplyToID == "" {
		return ReplyPreview{}, false
	}

	parent, ok := s.byID[msg.ReplyToID]
	if !ok || parent.IsDeleted {
		return ReplyPreview{MessageID: msg.ReplyToID}, true
	}

	return ReplyPreview{
		MessageID: sortKey(parent),
		SenderID:  parent.SenderID,
		Content:   truncate(previewContent(parent), previewCap),
		Available: true,
	}, true
}

func previewContent(m *models.Message) string {
	if len(m.Content) > 0 {
		return m.Content
	}
	switch m.Kind {
	case models.MessageVoice:
		return "[voice message]"
	case models.MessageImage:
		return "[image]"
	case models.MessageFile:
		if m.Attachment != nil {
			return m.Attachment.FileName
		}
		return "[file]"
	}
	return ""
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
