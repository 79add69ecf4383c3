package signal

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	frameVersion    = 1
	headerLength    = 8
	resendIDLength  = 36
	resendFlagIndex = 2
)

var errShortFrame = errors.New("signal: message data too short")

// MessageData is a decoded framing envelope.
type MessageData struct {
	KeyType         KeyType
	Cipher          []byte
	ResendMessageID string
}

// EncodeMessageData frames c for the wire. A non-empty resendMessageID
// marks the payload as a redelivery of that message.
func EncodeMessageData(c *Ciphertext, resendMessageID string) string {
	header := make([]byte, headerLength)
	header[0] = frameVersion
	header[1] = byte(c.Type)

	out := header
	if resendMessageID != "" {
		out[resendFlagIndex] = 1
		out = append(out, []byte(resendMessageID)...)
	}
	out = append(out, c.Body...)
	return base64.StdEncoding.EncodeToString(out)
}

// DecodeMessageData parses a base64 framed payload.
func DecodeMessageData(data string) (*MessageData, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode message data: %w", err)
	}
	if len(raw) < headerLength {
		return nil, errShortFrame
	}

	md := &MessageData{KeyType: KeyType(raw[1])}
	body := raw[headerLength:]
	if raw[resendFlagIndex] == 1 {
		if len(body) < resendIDLength {
			return nil, errShortFrame
		}
		md.ResendMessageID = string(body[:resendIDLength])
		body = body[resendIDLength:]
	}
	md.Cipher = body
	return md, nil
}

// DeviceID maps a session id to the signal device id other clients derive
// from it: the Java UUID hashCode. An empty or malformed session id maps to
// the primary device 1.
func DeviceID(sessionID string) uint32 {
	if sessionID == "" {
		return 1
	}
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return 1
	}

	var msb, lsb int64
	for i := 0; i < 8; i++ {
		msb = msb<<8 | int64(id[i])
	}
	for i := 8; i < 16; i++ {
		lsb = lsb<<8 | int64(id[i])
	}
	hilo := msb ^ lsb
	return uint32(int32(hilo>>32) ^ int32(hilo))
}
