// Package signal defines the contract the sync core needs from the
// end-to-end encryption layer, plus the message-data framing shared with
// other clients. Ratchet state and key storage live behind Provider.
package signal

import (
	"encoding/json"

	"blaze-sync/internal/blaze"
)

// KeyType is the signal message type carried in the framing header.
type KeyType byte

const (
	KeyTypeWhisper               KeyType = 2
	KeyTypePreKey                KeyType = 3
	KeyTypeSenderKey             KeyType = 4
	KeyTypeSenderKeyDistribution KeyType = 5
)

// Ciphertext is one encrypted payload and its message type.
type Ciphertext struct {
	Type KeyType
	Body []byte
}

// DecryptRequest identifies what to decrypt and with which key.
type DecryptRequest struct {
	GroupID   string
	SenderID  string
	SessionID string
	DeviceID  uint32
	KeyType   KeyType
	Cipher    []byte
	Category  blaze.Category
}

// Provider is the encryption session provider. Implementations must be
// safe for concurrent use.
type Provider interface {
	ContainsSession(recipientID string, deviceID uint32) bool
	ContainsSenderKey(groupID, senderID string, deviceID uint32) bool

	// EncryptSenderKey wraps our sender key for groupID in the pairwise
	// session with one recipient device.
	EncryptSenderKey(groupID, recipientID string, deviceID uint32) (*Ciphertext, error)
	EncryptGroupMessageData(groupID, senderID string, plaintext []byte) (*Ciphertext, error)
	EncryptSessionMessageData(recipientID string, deviceID uint32, plaintext []byte) (*Ciphertext, error)

	// Decrypt returns the plaintext or a *SessionError.
	Decrypt(req DecryptRequest) ([]byte, error)

	ProcessSession(userID string, key *blaze.SignalKey) error
	ClearSenderKey(groupID, senderID string, deviceID uint32) error
	DeleteSession(userID string, deviceID uint32) error

	// GeneratePreKeys returns a fresh SYNC_SIGNAL_KEYS upload body.
	GeneratePreKeys() (json.RawMessage, error)
}
