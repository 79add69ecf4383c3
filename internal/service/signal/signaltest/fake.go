// Package signaltest provides an in-memory signal.Provider for tests.
package signaltest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"blaze-sync/internal/blaze"
	"blaze-sync/internal/service/signal"
)

var sealPrefix = []byte("sealed:")

// Provider is a fake signal.Provider. Ciphertexts are the plaintext with a
// fixed prefix; decryption fails with a configured error per sender.
type Provider struct {
	mu         sync.Mutex
	sessions   map[string]bool
	senderKeys map[string]bool
	failures   map[string]error

	Processed     []string
	ClearedKeys   []string
	Deleted       []string
	PreKeyBatches int
}

// New returns an empty fake provider.
func New() *Provider {
	return &Provider{
		sessions:   map[string]bool{},
		senderKeys: map[string]bool{},
		failures:   map[string]error{},
	}
}

func sessionKey(userID string, deviceID uint32) string {
	return fmt.Sprintf("%s:%d", userID, deviceID)
}

func senderKeyKey(groupID, senderID string, deviceID uint32) string {
	return fmt.Sprintf("%s/%s:%d", groupID, senderID, deviceID)
}

// AddSession marks a pairwise session as established.
func (p *Provider) AddSession(userID string, deviceID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[sessionKey(userID, deviceID)] = true
}

// AddSenderKey marks a sender key as present.
func (p *Provider) AddSenderKey(groupID, senderID string, deviceID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.senderKeys[senderKeyKey(groupID, senderID, deviceID)] = true
}

// FailDecrypt makes every decryption from senderID fail with err. A nil
// err clears the failure.
func (p *Provider) FailDecrypt(senderID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, senderID)
		return
	}
	p.failures[senderID] = err
}

// Seal returns the fake ciphertext body for plaintext.
func Seal(plaintext []byte) []byte {
	return append(append([]byte{}, sealPrefix...), plaintext...)
}

func (p *Provider) ContainsSession(recipientID string, deviceID uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[sessionKey(recipientID, deviceID)]
}

func (p *Provider) ContainsSenderKey(groupID, senderID string, deviceID uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.senderKeys[senderKeyKey(groupID, senderID, deviceID)]
}

func (p *Provider) EncryptSenderKey(groupID, recipientID string, deviceID uint32) (*signal.Ciphertext, error) {
	if !p.ContainsSession(recipientID, deviceID) {
		return nil, signal.NewSessionError(signal.ErrNoSession, nil)
	}
	return &signal.Ciphertext{Type: signal.KeyTypeWhisper, Body: Seal([]byte("sender-key:" + groupID))}, nil
}

func (p *Provider) EncryptGroupMessageData(groupID, senderID string, plaintext []byte) (*signal.Ciphertext, error) {
	return &signal.Ciphertext{Type: signal.KeyTypeSenderKey, Body: Seal(plaintext)}, nil
}

func (p *Provider) EncryptSessionMessageData(recipientID string, deviceID uint32, plaintext []byte) (*signal.Ciphertext, error) {
	if !p.ContainsSession(recipientID, deviceID) {
		return nil, signal.NewSessionError(signal.ErrNoSession, nil)
	}
	return &signal.Ciphertext{Type: signal.KeyTypeWhisper, Body: Seal(plaintext)}, nil
}

func (p *Provider) Decrypt(req signal.DecryptRequest) ([]byte, error) {
	p.mu.Lock()
	err := p.failures[req.SenderID]
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(req.Cipher, sealPrefix) {
		return nil, signal.NewSessionError(signal.ErrInvalidMessage, nil)
	}
	if req.Category == blaze.CategorySignalKey {
		p.AddSenderKey(req.GroupID, req.SenderID, req.DeviceID)
	}
	return bytes.TrimPrefix(req.Cipher, sealPrefix), nil
}

func (p *Provider) ProcessSession(userID string, key *blaze.SignalKey) error {
	p.mu.Lock()
	p.Processed = append(p.Processed, userID+":"+key.SessionID)
	p.mu.Unlock()
	p.AddSession(userID, signal.DeviceID(key.SessionID))
	return nil
}

func (p *Provider) ClearSenderKey(groupID, senderID string, deviceID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.senderKeys, senderKeyKey(groupID, senderID, deviceID))
	p.ClearedKeys = append(p.ClearedKeys, senderKeyKey(groupID, senderID, deviceID))
	return nil
}

func (p *Provider) DeleteSession(userID string, deviceID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionKey(userID, deviceID))
	p.Deleted = append(p.Deleted, sessionKey(userID, deviceID))
	return nil
}

func (p *Provider) GeneratePreKeys() (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PreKeyBatches++
	return json.RawMessage(`{"one_time_pre_keys":[]}`), nil
}

var _ signal.Provider = (*Provider)(nil)
