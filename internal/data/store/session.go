package store

import (
	"database/sql"
	"time"
)

// SenderKeyStatus records whether a session has received our sender key.
type SenderKeyStatus int

const (
	SenderKeyUnknown SenderKeyStatus = 0
	SenderKeySent    SenderKeyStatus = 1
)

// ParticipantSession is one encryption endpoint of a conversation.
type ParticipantSession struct {
	ConversationID string
	UserID         string
	SessionID      string
	SentToServer   SenderKeyStatus
	CreatedAt      time.Time
}

// ParticipantSessionStore handles participant sessions.
type ParticipantSessionStore struct {
	store *Store
}

// NewParticipantSessionStore creates a new ParticipantSessionStore.
func NewParticipantSessionStore(s *Store) *ParticipantSessionStore {
	return &ParticipantSessionStore{store: s}
}

const insertSession = `
	INSERT INTO blaze_participant_sessions (conversation_id, user_id, session_id, sent_to_server, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id, user_id, session_id) DO NOTHING
`

// Ensure inserts ps if absent and reports whether it was new.
func (s *ParticipantSessionStore) Ensure(ps ParticipantSession) (bool, error) {
	res, err := s.store.Exec(insertSession, ps.ConversationID, ps.UserID, ps.SessionID,
		int(ps.SentToServer), createdOrNow(ps.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Replace makes sessions the full session set of a conversation. Sessions
// that survive keep their sent status; new ones start unsent.
func (s *ParticipantSessionStore) Replace(conversationID string, sessions []ParticipantSession) error {
	return s.store.inTx(func(tx *sql.Tx) error {
		keep := make(map[[2]string]struct{}, len(sessions))
		for _, ps := range sessions {
			keep[[2]string{ps.UserID, ps.SessionID}] = struct{}{}
		}

		existing, err := querySessions(tx, `
			SELECT conversation_id, user_id, session_id, sent_to_server, created_at
			FROM blaze_participant_sessions WHERE conversation_id = ?
		`, conversationID)
		if err != nil {
			return err
		}
		for _, ps := range existing {
			if _, ok := keep[[2]string{ps.UserID, ps.SessionID}]; ok {
				continue
			}
			if _, err := tx.Exec(`
				DELETE FROM blaze_participant_sessions
				WHERE conversation_id = ? AND user_id = ? AND session_id = ?
			`, conversationID, ps.UserID, ps.SessionID); err != nil {
				return err
			}
		}

		for _, ps := range sessions {
			if _, err := tx.Exec(insertSession, conversationID, ps.UserID, ps.SessionID,
				int(SenderKeyUnknown), createdOrNow(ps.CreatedAt)); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns a conversation's sessions.
func (s *ParticipantSessionStore) List(conversationID string) ([]ParticipantSession, error) {
	return querySessions(s.store.db, `
		SELECT conversation_id, user_id, session_id, sent_to_server, created_at
		FROM blaze_participant_sessions WHERE conversation_id = ?
		ORDER BY user_id, session_id
	`, conversationID)
}

// Unsent returns the sessions that have not received our sender key.
func (s *ParticipantSessionStore) Unsent(conversationID string) ([]ParticipantSession, error) {
	return querySessions(s.store.db, `
		SELECT conversation_id, user_id, session_id, sent_to_server, created_at
		FROM blaze_participant_sessions WHERE conversation_id = ? AND sent_to_server != ?
		ORDER BY user_id, session_id
	`, conversationID, int(SenderKeySent))
}

// SessionIDs returns a conversation's session ids in ascending order.
func (s *ParticipantSessionStore) SessionIDs(conversationID string) ([]string, error) {
	rows, err := s.store.Query(`
		SELECT session_id FROM blaze_participant_sessions WHERE conversation_id = ? ORDER BY session_id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkSent records that the given sessions received our sender key.
func (s *ParticipantSessionStore) MarkSent(conversationID string, sessions []ParticipantSession) error {
	return s.store.inTx(func(tx *sql.Tx) error {
		for _, ps := range sessions {
			if _, err := tx.Exec(`
				UPDATE blaze_participant_sessions SET sent_to_server = ?
				WHERE conversation_id = ? AND user_id = ? AND session_id = ?
			`, int(SenderKeySent), conversationID, ps.UserID, ps.SessionID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResetSent clears the sent status of every session in a conversation, or
// only one user's sessions when userID is set.
func (s *ParticipantSessionStore) ResetSent(conversationID, userID string) error {
	if userID == "" {
		_, err := s.store.Exec(`UPDATE blaze_participant_sessions SET sent_to_server = ? WHERE conversation_id = ?`,
			int(SenderKeyUnknown), conversationID)
		return err
	}
	_, err := s.store.Exec(`
		UPDATE blaze_participant_sessions SET sent_to_server = ? WHERE conversation_id = ? AND user_id = ?
	`, int(SenderKeyUnknown), conversationID, userID)
	return err
}

// ResetSentForSession clears the sent status of one session everywhere.
func (s *ParticipantSessionStore) ResetSentForSession(userID, sessionID string) error {
	_, err := s.store.Exec(`
		UPDATE blaze_participant_sessions SET sent_to_server = ? WHERE user_id = ? AND session_id = ?
	`, int(SenderKeyUnknown), userID, sessionID)
	return err
}

// DeleteUser removes a user's sessions from a conversation.
func (s *ParticipantSessionStore) DeleteUser(conversationID, userID string) error {
	_, err := s.store.Exec(`DELETE FROM blaze_participant_sessions WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID)
	return err
}

// DeleteSession removes one device session from every conversation.
func (s *ParticipantSessionStore) DeleteSession(userID, sessionID string) error {
	_, err := s.store.Exec(`DELETE FROM blaze_participant_sessions WHERE user_id = ? AND session_id = ?`,
		userID, sessionID)
	return err
}

// ConversationsOfUser lists the conversations a user has sessions in.
func (s *ParticipantSessionStore) ConversationsOfUser(userID string) ([]string, error) {
	rows, err := s.store.Query(`
		SELECT DISTINCT conversation_id FROM blaze_participant_sessions WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type queryer interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

func querySessions(q queryer, query string, args ...interface{}) ([]ParticipantSession, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ParticipantSession
	for rows.Next() {
		var ps ParticipantSession
		var sent int
		var createdAt int64
		if err := rows.Scan(&ps.ConversationID, &ps.UserID, &ps.SessionID, &sent, &createdAt); err != nil {
			return nil, err
		}
		ps.SentToServer = SenderKeyStatus(sent)
		ps.CreatedAt = fromMillis(createdAt)
		out = append(out, ps)
	}
	return out, rows.Err()
}

func createdOrNow(t time.Time) int64 {
	if t.IsZero() {
		return nowMillis()
	}
	return toMillis(t)
}
