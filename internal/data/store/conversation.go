package store

import (
	"database/sql"
	"time"
)

// Conversation categories.
const (
	ConversationContact = "CONTACT"
	ConversationGroup   = "GROUP"
)

// Conversation statuses.
const (
	ConversationStart   = "START"
	ConversationSuccess = "SUCCESS"
	ConversationQuit    = "QUIT"
)

// Conversation is the local copy of a server conversation.
type Conversation struct {
	ID        string
	OwnerID   string
	Category  string
	Name      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsGroup reports whether the conversation is a group.
func (c *Conversation) IsGroup() bool {
	return c.Category == ConversationGroup
}

// Participant is one member of a conversation.
type Participant struct {
	ConversationID string
	UserID         string
	Role           string
	CreatedAt      time.Time
}

// ConversationStore handles conversations and their participants.
type ConversationStore struct {
	store *Store
}

// NewConversationStore creates a new ConversationStore.
func NewConversationStore(s *Store) *ConversationStore {
	return &ConversationStore{store: s}
}

// Put stores or updates a conversation.
func (s *ConversationStore) Put(c *Conversation) error {
	now := nowMillis()
	created := toMillis(c.CreatedAt)
	if created == 0 {
		created = now
	}
	status := c.Status
	if status == "" {
		status = ConversationStart
	}
	_, err := s.store.Exec(`
		INSERT INTO blaze_conversations (conversation_id, owner_id, category, name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			owner_id = COALESCE(excluded.owner_id, blaze_conversations.owner_id),
			category = excluded.category,
			name = COALESCE(excluded.name, blaze_conversations.name),
			status = excluded.status,
			updated_at = excluded.updated_at
	`, c.ID, nullString(c.OwnerID), c.Category, nullString(c.Name), status, created, now)
	return err
}

// Get retrieves a conversation, or nil when absent.
func (s *ConversationStore) Get(id string) (*Conversation, error) {
	var c Conversation
	var ownerID, name sql.NullString
	var createdAt, updatedAt int64
	err := s.store.QueryRow(`
		SELECT conversation_id, owner_id, category, name, status, created_at, updated_at
		FROM blaze_conversations WHERE conversation_id = ?
	`, id).Scan(&c.ID, &ownerID, &c.Category, &name, &c.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.OwnerID = ownerID.String
	c.Name = name.String
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

// SetStatus updates a conversation's status.
func (s *ConversationStore) SetStatus(id, status string) error {
	_, err := s.store.Exec(`UPDATE blaze_conversations SET status = ?, updated_at = ? WHERE conversation_id = ?`,
		status, nowMillis(), id)
	return err
}

// ReplaceParticipants makes participants the full member list of a
// conversation.
func (s *ConversationStore) ReplaceParticipants(conversationID string, participants []Participant) error {
	return s.store.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM blaze_participants WHERE conversation_id = ?`, conversationID); err != nil {
			return err
		}
		for _, p := range participants {
			if err := insertParticipant(tx, conversationID, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddParticipant inserts or updates one member.
func (s *ConversationStore) AddParticipant(p Participant) error {
	return s.store.inTx(func(tx *sql.Tx) error {
		return insertParticipant(tx, p.ConversationID, p)
	})
}

func insertParticipant(tx *sql.Tx, conversationID string, p Participant) error {
	created := toMillis(p.CreatedAt)
	if created == 0 {
		created = nowMillis()
	}
	_, err := tx.Exec(`
		INSERT INTO blaze_participants (conversation_id, user_id, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET role = excluded.role
	`, conversationID, p.UserID, nullString(p.Role), created)
	return err
}

// RemoveParticipant deletes one member.
func (s *ConversationStore) RemoveParticipant(conversationID, userID string) error {
	_, err := s.store.Exec(`DELETE FROM blaze_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID)
	return err
}

// UpdateRole changes a member's role.
func (s *ConversationStore) UpdateRole(conversationID, userID, role string) error {
	_, err := s.store.Exec(`UPDATE blaze_participants SET role = ? WHERE conversation_id = ? AND user_id = ?`,
		nullString(role), conversationID, userID)
	return err
}

// Participants lists a conversation's members.
func (s *ConversationStore) Participants(conversationID string) ([]Participant, error) {
	rows, err := s.store.Query(`
		SELECT conversation_id, user_id, role, created_at
		FROM blaze_participants WHERE conversation_id = ? ORDER BY created_at, user_id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		var role sql.NullString
		var createdAt int64
		if err := rows.Scan(&p.ConversationID, &p.UserID, &role, &createdAt); err != nil {
			return nil, err
		}
		p.Role = role.String
		p.CreatedAt = fromMillis(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// IsParticipant reports whether userID is a member of the conversation.
func (s *ConversationStore) IsParticipant(conversationID, userID string) (bool, error) {
	var n int
	err := s.store.QueryRow(`SELECT COUNT(*) FROM blaze_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&n)
	return n > 0, err
}
