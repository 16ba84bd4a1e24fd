package models

import "time"

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"
	MessageVoice MessageKind = "voice"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank orders the delivery statuses for monotonic advancement.
// Failed has no rank; it is a terminal branch off Pending/Sent.
func (s MessageStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Before reports whether s is strictly earlier than other in the
// Pending -> Sent -> Delivered -> Read progression.
func (s MessageStatus) Before(other MessageStatus) bool {
	return s.Rank() >= 0 && other.Rank() >= 0 && s.Rank() < other.Rank()
}

type Attachment struct {
	FileName   string `json:"file_name"`
	MimeType   string `json:"mime_type"`
	Size       int64  `json:"size"`
	StorageRef string `json:"storage_reference"`
}

type VoiceClip struct {
	StorageRef string  `json:"storage_reference"`
	Duration   float64 `json:"duration"`
}

type Message struct {
	ID               string           `json:"id"`
	LocalID          string           `json:"local_id,omitempty"`
	IdempotencyToken string           `json:"idempotency_token,omitempty"`
	ConversationID   string           `json:"conversation_id"`
	ConversationKind ConversationKind `json:"conversation_kind,omitempty"`
	SenderID         string           `json:"sender_id"`
	Content          string           `json:"content,omitempty"`
	Kind             MessageKind      `json:"kind"`
	CreatedAt        time.Time        `json:"created_at"`
	Status           MessageStatus    `json:"status"`
	ReplyToID        string           `json:"reply_to_id,omitempty"`
	Attachment       *Attachment      `json:"attachment,omitempty"`
	Voice            *VoiceClip       `json:"voice,omitempty"`
	Reactions        map[string]int   `json:"reactions,omitempty"`
	OwnReaction      string           `json:"own_reaction,omitempty"`
	IsEdited         bool             `json:"is_edited,omitempty"`
	IsDeleted        bool             `json:"is_deleted,omitempty"`
}

// HasPayload reports whether the message carries anything sendable.
func (m Message) HasPayload() bool {
	return len(m.Content) > 0 || m.Attachment != nil || m.Voice != nil
}

// Draft is the sendable shape the session accepts from the UI layer.
type Draft struct {
	Content    string      `json:"content" validate:"required_without_all=Attachment Voice"`
	Kind       MessageKind `json:"kind" validate:"required,oneof=text image file voice"`
	ReplyToID  string      `json:"reply_to_id,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Voice      *VoiceClip  `json:"voice,omitempty"`
}
