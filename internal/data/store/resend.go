package store

// ResendRequesting marks an outstanding request for a sender's key.
const ResendRequesting = "REQUESTING"

// ResendStateStore tracks resend-key requests and already-resent messages.
type ResendStateStore struct {
	store *Store
}

// NewResendStateStore creates a new ResendStateStore.
func NewResendStateStore(s *Store) *ResendStateStore {
	return &ResendStateStore{store: s}
}

// MarkRequesting records a pending key request. It reports false when one
// was already pending for this sender session.
func (s *ResendStateStore) MarkRequesting(conversationID, userID, sessionID string) (bool, error) {
	res, err := s.store.Exec(`
		INSERT INTO blaze_resend_states (conversation_id, user_id, session_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id, session_id) DO NOTHING
	`, conversationID, userID, sessionID, ResendRequesting, nowMillis())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IsRequesting reports whether a key request is pending.
func (s *ResendStateStore) IsRequesting(conversationID, userID, sessionID string) (bool, error) {
	var n int
	err := s.store.QueryRow(`
		SELECT COUNT(*) FROM blaze_resend_states
		WHERE conversation_id = ? AND user_id = ? AND session_id = ? AND status = ?
	`, conversationID, userID, sessionID, ResendRequesting).Scan(&n)
	return n > 0, err
}

// Clear drops the pending request for a sender session.
func (s *ResendStateStore) Clear(conversationID, userID, sessionID string) error {
	_, err := s.store.Exec(`
		DELETE FROM blaze_resend_states WHERE conversation_id = ? AND user_id = ? AND session_id = ?
	`, conversationID, userID, sessionID)
	return err
}

// RecordResent notes that messageID was resent to a peer session. It
// reports false when it already was.
func (s *ResendStateStore) RecordResent(messageID, userID, sessionID string) (bool, error) {
	res, err := s.store.Exec(`
		INSERT INTO blaze_resend_messages (message_id, user_id, session_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id, user_id, session_id) DO NOTHING
	`, messageID, userID, sessionID, nowMillis())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
