package signal

import (
	"encoding/json"
	"errors"

	"blaze-sync/internal/blaze"
)

var errUnavailable = errors.New("no encryption provider linked")

// Unavailable is the Provider of a build without an encryption library.
// Every cryptographic operation fails with ErrUnknown, so encrypted
// messages are stored as failed placeholders and encrypted sends are
// dropped, while plain categories keep working.
type Unavailable struct{}

func (Unavailable) ContainsSession(string, uint32) bool           { return false }
func (Unavailable) ContainsSenderKey(string, string, uint32) bool { return false }

func (Unavailable) EncryptSenderKey(string, string, uint32) (*Ciphertext, error) {
	return nil, NewSessionError(ErrUnknown, errUnavailable)
}

func (Unavailable) EncryptGroupMessageData(string, string, []byte) (*Ciphertext, error) {
	return nil, NewSessionError(ErrUnknown, errUnavailable)
}

func (Unavailable) EncryptSessionMessageData(string, uint32, []byte) (*Ciphertext, error) {
	return nil, NewSessionError(ErrUnknown, errUnavailable)
}

func (Unavailable) Decrypt(DecryptRequest) ([]byte, error) {
	return nil, NewSessionError(ErrUnknown, errUnavailable)
}

func (Unavailable) ProcessSession(string, *blaze.SignalKey) error {
	return NewSessionError(ErrUnknown, errUnavailable)
}

func (Unavailable) ClearSenderKey(string, string, uint32) error { return nil }
func (Unavailable) DeleteSession(string, uint32) error          { return nil }

func (Unavailable) GeneratePreKeys() (json.RawMessage, error) {
	return nil, NewSessionError(ErrUnknown, errUnavailable)
}

var _ Provider = Unavailable{}
