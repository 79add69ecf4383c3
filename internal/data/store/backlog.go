package store

import "time"

// PendingMessage is one server push waiting to be ingested.
type PendingMessage struct {
	ID        int64
	MessageID string
	Data      []byte
	CreatedAt time.Time
}

// BacklogStore is the durable queue of not-yet-processed server pushes.
type BacklogStore struct {
	store *Store
}

// NewBacklogStore creates a new BacklogStore.
func NewBacklogStore(s *Store) *BacklogStore {
	return &BacklogStore{store: s}
}

// Put appends a push. A message id already in the backlog is ignored and
// reported as not inserted.
func (s *BacklogStore) Put(messageID string, data []byte) (bool, error) {
	res, err := s.store.Exec(`
		INSERT INTO blaze_pending_messages (message_id, data, created_at) VALUES (?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, messageID, data, nowMillis())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Next returns up to limit pushes in arrival order.
func (s *BacklogStore) Next(limit int) ([]*PendingMessage, error) {
	rows, err := s.store.Query(`
		SELECT id, message_id, data, created_at FROM blaze_pending_messages ORDER BY id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingMessage
	for rows.Next() {
		var p PendingMessage
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.MessageID, &p.Data, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = fromMillis(createdAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Delete removes a processed push.
func (s *BacklogStore) Delete(id int64) error {
	_, err := s.store.Exec(`DELETE FROM blaze_pending_messages WHERE id = ?`, id)
	return err
}

// Count returns the backlog length.
func (s *BacklogStore) Count() (int, error) {
	var n int
	err := s.store.QueryRow(`SELECT COUNT(*) FROM blaze_pending_messages`).Scan(&n)
	return n, err
}
