package store

import (
	"database/sql"
	"time"
)

// MessageStatus is the delivery state of a message. Statuses other than
// FAILED only move forward.
type MessageStatus string

const (
	StatusUnknown   MessageStatus = "UNKNOWN"
	StatusFailed    MessageStatus = "FAILED"
	StatusSending   MessageStatus = "SENDING"
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
)

// Rank orders statuses for monotonic updates. FAILED and UNKNOWN rank
// lowest so any real status replaces them.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// MediaStatus tracks an attachment download.
type MediaStatus string

const (
	MediaPending  MediaStatus = "PENDING"
	MediaDone     MediaStatus = "DONE"
	MediaCanceled MediaStatus = "CANCELED"
	MediaExpired  MediaStatus = "EXPIRED"
)

// Message is one locally materialized message row.
type Message struct {
	ID             string
	ConversationID string
	UserID         string
	Category       string
	Content        string
	Name           string

	// Attachment
	AttachmentID  string
	MediaMimeType string
	MediaSize     int64
	MediaStatus   MediaStatus

	QuoteMessageID string
	Status         MessageStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TranscriptMessage is one child of a transcript message.
type TranscriptMessage struct {
	TranscriptID string
	MessageID    string
	UserID       string
	Category     string
	Content      string
	AttachmentID string
	MediaStatus  MediaStatus
	CreatedAt    time.Time
}

// MessageStore handles message operations.
type MessageStore struct {
	store *Store
}

// NewMessageStore creates a new MessageStore.
func NewMessageStore(s *Store) *MessageStore {
	return &MessageStore{store: s}
}

const messageColumns = `
	id, conversation_id, user_id, category, content, name,
	attachment_id, media_mime_type, media_size, media_status,
	quote_message_id, status, status_rank, created_at, updated_at
`

func messageArgs(m *Message, now int64) []interface{} {
	created := toMillis(m.CreatedAt)
	if created == 0 {
		created = now
	}
	return []interface{}{
		m.ID, m.ConversationID, m.UserID, m.Category, nullString(m.Content), nullString(m.Name),
		nullString(m.AttachmentID), nullString(m.MediaMimeType), nullInt64(m.MediaSize), nullString(string(m.MediaStatus)),
		nullString(m.QuoteMessageID), string(m.Status), m.Status.Rank(), created, now,
	}
}

const insertMessage = `
	INSERT INTO blaze_messages (` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING
`

// Insert adds m unless a row with its id exists. It reports whether a row
// was written.
func (s *MessageStore) Insert(m *Message) (bool, error) {
	res, err := s.store.Exec(insertMessage, messageArgs(m, nowMillis())...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Put stores or replaces a message. Used when a resent message overwrites
// its failed placeholder.
func (s *MessageStore) Put(m *Message) error {
	_, err := s.store.Exec(`
		INSERT INTO blaze_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			content = excluded.content,
			name = excluded.name,
			attachment_id = excluded.attachment_id,
			media_mime_type = excluded.media_mime_type,
			media_size = excluded.media_size,
			media_status = excluded.media_status,
			quote_message_id = excluded.quote_message_id,
			status = excluded.status,
			status_rank = excluded.status_rank,
			updated_at = excluded.updated_at
	`, messageArgs(m, nowMillis())...)
	return err
}

// Get retrieves a message by id, or nil when absent.
func (s *MessageStore) Get(id string) (*Message, error) {
	row := s.store.QueryRow(`SELECT `+messageColumns+` FROM blaze_messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// UpdateStatus advances a message's status. Lower or equal ranks are
// ignored; it reports whether the row changed.
func (s *MessageStore) UpdateStatus(id string, status MessageStatus) (bool, error) {
	res, err := s.store.Exec(`
		UPDATE blaze_messages SET status = ?, status_rank = ?, updated_at = ?
		WHERE id = ? AND status_rank < ?
	`, string(status), status.Rank(), nowMillis(), id, status.Rank())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkFailed sets a message to FAILED regardless of its current status.
func (s *MessageStore) MarkFailed(id string) error {
	_, err := s.store.Exec(`
		UPDATE blaze_messages SET status = ?, status_rank = 0, updated_at = ? WHERE id = ?
	`, string(StatusFailed), nowMillis(), id)
	return err
}

// UpdateMediaStatus sets the attachment status of a message.
func (s *MessageStore) UpdateMediaStatus(id string, status MediaStatus) error {
	_, err := s.store.Exec(`UPDATE blaze_messages SET media_status = ?, updated_at = ? WHERE id = ?`,
		string(status), nowMillis(), id)
	return err
}

// FailedMessageIDs lists a sender's undecryptable messages in a
// conversation, oldest first.
func (s *MessageStore) FailedMessageIDs(conversationID, userID string, limit int) ([]string, error) {
	rows, err := s.store.Query(`
		SELECT id FROM blaze_messages
		WHERE conversation_id = ? AND user_id = ? AND status = ?
		ORDER BY created_at LIMIT ?
	`, conversationID, userID, string(StatusFailed), limit)
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

// CountByConversation returns the number of rows in a conversation.
func (s *MessageStore) CountByConversation(conversationID string) (int, error) {
	var n int
	err := s.store.QueryRow(`SELECT COUNT(*) FROM blaze_messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}

// AddHistory records a message id processed without a message row.
func (s *MessageStore) AddHistory(id string) error {
	_, err := s.store.Exec(`
		INSERT INTO blaze_message_history (message_id, created_at) VALUES (?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, id, nowMillis())
	return err
}

// Processed reports whether id was already ingested, as a row or in
// history.
func (s *MessageStore) Processed(id string) (bool, error) {
	var n int
	err := s.store.QueryRow(`
		SELECT (SELECT COUNT(*) FROM blaze_messages WHERE id = ?)
			+ (SELECT COUNT(*) FROM blaze_message_history WHERE message_id = ?)
	`, id, id).Scan(&n)
	return n > 0, err
}

// PutTranscriptChildren stores the children of a transcript message.
func (s *MessageStore) PutTranscriptChildren(children []*TranscriptMessage) error {
	return s.store.inTx(func(tx *sql.Tx) error {
		for _, c := range children {
			_, err := tx.Exec(`
				INSERT INTO blaze_transcript_messages (
					transcript_id, message_id, user_id, category, content,
					attachment_id, media_status, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(transcript_id, message_id) DO UPDATE SET
					content = excluded.content,
					attachment_id = excluded.attachment_id,
					media_status = excluded.media_status
			`, c.TranscriptID, c.MessageID, nullString(c.UserID), c.Category, nullString(c.Content),
				nullString(c.AttachmentID), nullString(string(c.MediaStatus)), toMillis(c.CreatedAt))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// TranscriptChildren returns a transcript's children in creation order.
func (s *MessageStore) TranscriptChildren(transcriptID string) ([]*TranscriptMessage, error) {
	rows, err := s.store.Query(`
		SELECT transcript_id, message_id, user_id, category, content, attachment_id, media_status, created_at
		FROM blaze_transcript_messages WHERE transcript_id = ? ORDER BY created_at
	`, transcriptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var children []*TranscriptMessage
	for rows.Next() {
		var c TranscriptMessage
		var userID, content, attachmentID, mediaStatus sql.NullString
		var createdAt int64
		if err := rows.Scan(&c.TranscriptID, &c.MessageID, &userID, &c.Category, &content,
			&attachmentID, &mediaStatus, &createdAt); err != nil {
			return nil, err
		}
		c.UserID = userID.String
		c.Content = content.String
		c.AttachmentID = attachmentID.String
		c.MediaStatus = MediaStatus(mediaStatus.String)
		c.CreatedAt = fromMillis(createdAt)
		children = append(children, &c)
	}
	return children, rows.Err()
}

// UpdateTranscriptMediaStatus sets the attachment status of one child.
func (s *MessageStore) UpdateTranscriptMediaStatus(transcriptID, messageID string, status MediaStatus) error {
	_, err := s.store.Exec(`
		UPDATE blaze_transcript_messages SET media_status = ? WHERE transcript_id = ? AND message_id = ?
	`, string(status), transcriptID, messageID)
	return err
}

func scanMessage(row scanner) (*Message, error) {
	var m Message
	var content, name, attachmentID, mime, mediaStatus, quoteID sql.NullString
	var mediaSize sql.NullInt64
	var status string
	var rank int
	var createdAt, updatedAt int64

	err := row.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Category, &content, &name,
		&attachmentID, &mime, &mediaSize, &mediaStatus,
		&quoteID, &status, &rank, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	m.Content = content.String
	m.Name = name.String
	m.AttachmentID = attachmentID.String
	m.MediaMimeType = mime.String
	m.MediaSize = mediaSize.Int64
	m.MediaStatus = MediaStatus(mediaStatus.String)
	m.QuoteMessageID = quoteID.String
	m.Status = MessageStatus(status)
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	return &m, nil
}

// PendingMedia returns messages whose attachment has not been downloaded,
// oldest first.
func (s *MessageStore) PendingMedia(limit int) ([]*Message, error) {
	rows, err := s.store.Query(`SELECT `+messageColumns+` FROM blaze_messages
		WHERE media_status = ? ORDER BY created_at LIMIT ?`, string(MediaPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
