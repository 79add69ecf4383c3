package store

import (
	"database/sql"
	"fmt"
)

// Container provides unified access to all stores.
type Container struct {
	// Core store
	Store *Store

	Jobs          *JobStore
	Messages      *MessageStore
	Conversations *ConversationStore
	Sessions      *ParticipantSessionStore
	Backlog       *BacklogStore
	Resend        *ResendStateStore
	SyncState     *SyncStateStore
}

// NewContainer creates a new Container with all sub-stores initialized.
func NewContainer(s *Store) *Container {
	return &Container{
		Store:         s,
		Jobs:          NewJobStore(s),
		Messages:      NewMessageStore(s),
		Conversations: NewConversationStore(s),
		Sessions:      NewParticipantSessionStore(s),
		Backlog:       NewBacklogStore(s),
		Resend:        NewResendStateStore(s),
		SyncState:     NewSyncStateStore(s),
	}
}

// Close closes the underlying store.
func (c *Container) Close() error {
	return c.Store.Close()
}

// SaveOutgoing writes a local message and the job that sends it in one
// transaction. A message id that already exists is rejected.
func (c *Container) SaveOutgoing(m *Message, job *Job) error {
	if err := prepareJob(job); err != nil {
		return err
	}
	return c.Store.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(insertMessage, messageArgs(m, nowMillis())...)
		if err != nil {
			return fmt.Errorf("save message %s: %w", m.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("message %s already exists", m.ID)
		}
		res, err = tx.Exec(insertJob, jobArgs(job)...)
		if err != nil {
			return fmt.Errorf("save job %s: %w", job.ID, err)
		}
		setOrderID(job, res)
		return nil
	})
}

// Stats returns statistics about stored entities.
type Stats struct {
	HTTPJobs      int
	WebSocketJobs int
	Backlog       int
	Messages      int
	Conversations int
	Sessions      int
}

// GetStats returns current entity counts.
func (c *Container) GetStats() (*Stats, error) {
	stats := &Stats{}
	var err error

	if stats.HTTPJobs, err = c.Jobs.Count(JobCategoryHTTP); err != nil {
		return nil, err
	}
	if stats.WebSocketJobs, err = c.Jobs.Count(JobCategoryWebSocket); err != nil {
		return nil, err
	}
	if stats.Backlog, err = c.Backlog.Count(); err != nil {
		return nil, err
	}

	if err = c.Store.QueryRow(`SELECT COUNT(*) FROM blaze_messages`).Scan(&stats.Messages); err != nil {
		return nil, err
	}
	if err = c.Store.QueryRow(`SELECT COUNT(*) FROM blaze_conversations`).Scan(&stats.Conversations); err != nil {
		return nil, err
	}
	if err = c.Store.QueryRow(`SELECT COUNT(*) FROM blaze_participant_sessions`).Scan(&stats.Sessions); err != nil {
		return nil, err
	}

	return stats, nil
}
