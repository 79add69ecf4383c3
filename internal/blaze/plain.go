package blaze

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Control types carried in a PLAIN_JSON message.
const (
	PlainResendKey      = "RESEND_KEY"
	PlainResendMessages = "RESEND_MESSAGES"
	PlainNoKey          = "NO_KEY"
	PlainAckReceipts    = "ACKNOWLEDGE_MESSAGE_RECEIPTS"
)

// PlainJSON is the body of a PLAIN_JSON control message.
type PlainJSON struct {
	Type        string        `json:"type"`
	MessageIDs  []string      `json:"messages,omitempty"`
	AckMessages []ReceiptData `json:"ack_messages,omitempty"`
}

// Encode returns the base64 message data for p.
func (p *PlainJSON) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePlainJSON parses base64 message data as a control message.
func DecodePlainJSON(data string) (*PlainJSON, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode plain json: %w", err)
	}
	var p PlainJSON
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse plain json: %w", err)
	}
	return &p, nil
}
