// Package blaze holds the wire model of the blaze websocket protocol:
// envelopes, their parameters, compression and server error codes.
package blaze

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Actions carried in Envelope.Action.
const (
	ActionCreateMessage            = "CREATE_MESSAGE"
	ActionCreateSignalKeyMessages  = "CREATE_SIGNAL_KEY_MESSAGES"
	ActionConsumeSessionSignalKeys = "CONSUME_SESSION_SIGNAL_KEYS"
	ActionCountSignalKeys          = "COUNT_SIGNAL_KEYS"
	ActionSyncSignalKeys           = "SYNC_SIGNAL_KEYS"
	ActionListPendingMessages      = "LIST_PENDING_MESSAGES"
	ActionAcknowledgeReceipt       = "ACKNOWLEDGE_MESSAGE_RECEIPT"
	ActionAcknowledgeReceipts      = "ACKNOWLEDGE_MESSAGE_RECEIPTS"
	ActionCreateCall               = "CREATE_CALL"
	ActionError                    = "ERROR"
)

// Envelope is one framed message on the socket. Every client-initiated
// envelope is answered by exactly one server envelope with the same ID.
type Envelope struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Params *Params         `json:"params,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Params are the optional structured parameters of a request envelope.
type Params struct {
	ConversationID       string            `json:"conversation_id,omitempty"`
	RecipientID          string            `json:"recipient_id,omitempty"`
	MessageID            string            `json:"message_id,omitempty"`
	QuoteMessageID       string            `json:"quote_message_id,omitempty"`
	Category             string            `json:"category,omitempty"`
	Data                 string            `json:"data,omitempty"`
	Status               string            `json:"status,omitempty"`
	ConversationChecksum string            `json:"conversation_checksum,omitempty"`
	SessionID            string            `json:"session_id,omitempty"`
	RepresentativeID     string            `json:"representative_id,omitempty"`
	Offset               string            `json:"offset,omitempty"`
	Mentions             []string          `json:"mentions,omitempty"`
	Messages             []TransferMessage `json:"messages,omitempty"`
	Recipients           []KeyRecipient    `json:"recipients,omitempty"`
	Keys                 json.RawMessage   `json:"keys,omitempty"`
	Silent               bool              `json:"silent,omitempty"`
}

// TransferMessage is one per-session item of a CREATE_SIGNAL_KEY_MESSAGES
// request.
type TransferMessage struct {
	MessageID   string `json:"message_id"`
	RecipientID string `json:"recipient_id"`
	SessionID   string `json:"session_id,omitempty"`
	Data        string `json:"data"`
}

// KeyRecipient selects whose prekey bundles CONSUME_SESSION_SIGNAL_KEYS
// returns.
type KeyRecipient struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
}

// SignalKey is a prekey bundle consumed from the server.
type SignalKey struct {
	UserID         string          `json:"user_id"`
	SessionID      string          `json:"session_id"`
	IdentityKey    string          `json:"identity_key"`
	SignedPreKey   json.RawMessage `json:"signed_pre_key"`
	OneTimePreKey  json.RawMessage `json:"one_time_pre_key"`
	RegistrationID uint32          `json:"registration_id"`
}

// SignalKeyCount is the COUNT_SIGNAL_KEYS response.
type SignalKeyCount struct {
	OneTimePreKeysCount int `json:"one_time_pre_keys_count"`
}

// MessageData is the payload of a server-pushed message.
type MessageData struct {
	ConversationID   string    `json:"conversation_id"`
	UserID           string    `json:"user_id"`
	MessageID        string    `json:"message_id"`
	Category         string    `json:"category"`
	Data             string    `json:"data"`
	Status           string    `json:"status"`
	Source           string    `json:"source"`
	SessionID        string    `json:"session_id"`
	RepresentativeID string    `json:"representative_id,omitempty"`
	QuoteMessageID   string    `json:"quote_message_id,omitempty"`
	Silent           bool      `json:"silent,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Sources of a pushed message.
const (
	SourceListPending = "LIST_PENDING_MESSAGES"
	SourceCreate      = "CREATE_MESSAGE"
)

// ReceiptData is the payload of an ACKNOWLEDGE_MESSAGE_RECEIPT push.
type ReceiptData struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// NewEnvelope builds a request with a fresh correlation id.
func NewEnvelope(action string, params *Params) *Envelope {
	return &Envelope{
		ID:     uuid.NewString(),
		Action: action,
		Params: params,
	}
}

// MessageData decodes the pushed message payload.
func (e *Envelope) MessageData() (*MessageData, error) {
	var d MessageData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Decode unmarshals the response payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// IsReceiveMessage reports whether the envelope carries a push that must be
// ingested rather than only resolving a waiter.
func (e *Envelope) IsReceiveMessage() bool {
	if len(e.Data) == 0 || e.Error != nil {
		return false
	}
	switch e.Action {
	case ActionCreateMessage, ActionAcknowledgeReceipt, ActionCreateCall:
		return true
	}
	return false
}
