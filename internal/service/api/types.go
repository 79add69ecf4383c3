package api

import "time"

// AckRequest is one message receipt.
type AckRequest struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// Conversation is the server view of a conversation.
type Conversation struct {
	ConversationID      string        `json:"conversation_id"`
	Name                string        `json:"name"`
	Category            string        `json:"category"`
	CreatorID           string        `json:"creator_id"`
	Participants        []Participant `json:"participants"`
	ParticipantSessions []UserSession `json:"participant_sessions"`
	CreatedAt           time.Time     `json:"created_at"`
}

// Participant is one conversation member.
type Participant struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// UserSession is one device session of a user.
type UserSession struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Platform  string `json:"platform,omitempty"`
}

// CreateConversationRequest creates or returns a conversation.
type CreateConversationRequest struct {
	ConversationID string               `json:"conversation_id"`
	Category       string               `json:"category"`
	Name           string               `json:"name,omitempty"`
	Participants   []ParticipantRequest `json:"participants"`
}

// ParticipantRequest names a member of a new conversation.
type ParticipantRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// Attachment is a resolved attachment.
type Attachment struct {
	AttachmentID string    `json:"attachment_id"`
	ViewURL      string    `json:"view_url"`
	CreatedAt    time.Time `json:"created_at"`
}
