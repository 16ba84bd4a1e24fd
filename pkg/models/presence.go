package models

import "time"

type TypingSignal struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Active reports whether the signal should still be rendered at the
// given instant. Stale entries are simply not shown; there is no local
// expiry timer for remote signals.
func (s TypingSignal) Active(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

type UserStatus struct {
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

type ConversationSummary struct {
	ConversationID  string      `json:"conversation_id"`
	LatestMessageID string      `json:"latest_message_id"`
	UnreadCount     int         `json:"unread_count"`
	Participant     *UserStatus `json:"other_participant_status,omitempty"`
}
