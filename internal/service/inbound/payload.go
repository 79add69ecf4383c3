package inbound

import "time"

// System conversation actions.
const (
	actionAdd    = "ADD"
	actionRemove = "REMOVE"
	actionJoin   = "JOIN"
	actionExit   = "EXIT"
	actionCreate = "CREATE"
	actionRole   = "ROLE"
	actionUpdate = "UPDATE"
)

type systemConversation struct {
	Action        string `json:"action"`
	ParticipantID string `json:"participant_id"`
	UserID        string `json:"user_id"`
	Role          string `json:"role"`
}

type systemSession struct {
	Action    string `json:"action"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type attachmentPayload struct {
	AttachmentID string `json:"attachment_id"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	Name         string `json:"name"`
}

type transcriptChild struct {
	TranscriptID string    `json:"transcript_id"`
	MessageID    string    `json:"message_id"`
	UserID       string    `json:"user_id"`
	Category     string    `json:"category"`
	Content      string    `json:"content"`
	AttachmentID string    `json:"attachment_id"`
	CreatedAt    time.Time `json:"created_at"`
}
