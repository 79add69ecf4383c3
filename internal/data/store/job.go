package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobCategory selects the drain loop that owns a job.
type JobCategory string

const (
	// JobCategoryHTTP jobs are idempotent, batched, and may finish out of order.
	JobCategoryHTTP JobCategory = "http"
	// JobCategoryWebSocket jobs are drained one at a time in creation order.
	JobCategoryWebSocket JobCategory = "websocket"
)

// JobAction is the closed set of outbound operations.
type JobAction string

const (
	JobSendMessage           JobAction = "SEND_MESSAGE"
	JobSendAck               JobAction = "SEND_ACK"
	JobResendKey             JobAction = "RESEND_KEY"
	JobRequestResendKey      JobAction = "REQUEST_RESEND_KEY"
	JobRequestResendMessages JobAction = "REQUEST_RESEND_MESSAGES"
	JobResendMessage         JobAction = "RESEND_MESSAGE"
	JobNoKey                 JobAction = "NO_KEY"
	JobRefreshSession        JobAction = "REFRESH_SESSION"
	JobRefreshPreKeys        JobAction = "REFRESH_PREKEYS"
)

// Valid reports whether a is a declared action.
func (a JobAction) Valid() bool {
	switch a {
	case JobSendMessage, JobSendAck, JobResendKey, JobRequestResendKey,
		JobRequestResendMessages, JobResendMessage, JobNoKey,
		JobRefreshSession, JobRefreshPreKeys:
		return true
	}
	return false
}

// Category returns the drain loop for a.
func (a JobAction) Category() JobCategory {
	if a == JobSendAck {
		return JobCategoryHTTP
	}
	return JobCategoryWebSocket
}

// Job is one durable unit of outbound work.
type Job struct {
	OrderID        int64
	ID             string
	Action         JobAction
	Category       JobCategory
	ConversationID string
	UserID         string
	SessionID      string
	MessageID      string
	Status         string // target status of an ack
	Payload        []byte
	CreatedAt      time.Time
}

// NewJob creates a job with a fresh id in the action's category.
func NewJob(action JobAction) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Action:    action,
		Category:  action.Category(),
		CreatedAt: time.Now(),
	}
}

// NewAckJob creates the acknowledgement job for one message.
func NewAckJob(messageID string, status MessageStatus) *Job {
	j := NewJob(JobSendAck)
	j.MessageID = messageID
	j.Status = string(status)
	return j
}

// AckMessage is one item of a bulk acknowledgement.
type AckMessage struct {
	JobID     string
	MessageID string
	Status    string
}

// AckMessage returns the batch item for an ack job.
func (j *Job) AckMessage() AckMessage {
	return AckMessage{JobID: j.ID, MessageID: j.MessageID, Status: j.Status}
}

// JobStore is the outbound write-ahead log.
type JobStore struct {
	store *Store
}

// NewJobStore creates a new JobStore.
func NewJobStore(s *Store) *JobStore {
	return &JobStore{store: s}
}

const insertJob = `
	INSERT INTO blaze_jobs (
		job_id, action, category, conversation_id, user_id, session_id,
		message_id, status, payload, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(job_id) DO NOTHING
`

// Save durably appends job. Saving an existing id is a no-op.
func (s *JobStore) Save(job *Job) error {
	if err := prepareJob(job); err != nil {
		return err
	}
	res, err := s.store.Exec(insertJob, jobArgs(job)...)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	setOrderID(job, res)
	return nil
}

// SaveAll appends jobs atomically in slice order.
func (s *JobStore) SaveAll(jobs []*Job) error {
	for _, job := range jobs {
		if err := prepareJob(job); err != nil {
			return err
		}
	}
	return s.store.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(insertJob)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, job := range jobs {
			res, err := stmt.Exec(jobArgs(job)...)
			if err != nil {
				return fmt.Errorf("save job %s: %w", job.ID, err)
			}
			setOrderID(job, res)
		}
		return nil
	})
}

func setOrderID(job *Job, res sql.Result) {
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return
	}
	if id, err := res.LastInsertId(); err == nil {
		job.OrderID = id
	}
}

func prepareJob(job *Job) error {
	if !job.Action.Valid() {
		return fmt.Errorf("invalid job action %q", job.Action)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Category == "" {
		job.Category = job.Action.Category()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	return nil
}

func jobArgs(j *Job) []interface{} {
	return []interface{}{
		j.ID, string(j.Action), string(j.Category),
		nullString(j.ConversationID), nullString(j.UserID), nullString(j.SessionID),
		nullString(j.MessageID), nullString(j.Status), j.Payload, toMillis(j.CreatedAt),
	}
}

const selectJob = `
	SELECT order_id, job_id, action, category, conversation_id, user_id,
		session_id, message_id, status, payload, created_at
	FROM blaze_jobs
`

// NextJob returns the oldest job in category, or nil when there is none.
func (s *JobStore) NextJob(category JobCategory) (*Job, error) {
	row := s.store.QueryRow(selectJob+` WHERE category = ? ORDER BY order_id LIMIT 1`, string(category))
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// NextBatchJobs returns up to limit of the oldest jobs in category. An empty
// action matches every action.
func (s *JobStore) NextBatchJobs(category JobCategory, action JobAction, limit int) ([]*Job, error) {
	var rows *sql.Rows
	var err error
	if action == "" {
		rows, err = s.store.Query(selectJob+` WHERE category = ? ORDER BY order_id LIMIT ?`, string(category), limit)
	} else {
		rows, err = s.store.Query(selectJob+` WHERE category = ? AND action = ? ORDER BY order_id LIMIT ?`,
			string(category), string(action), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RemoveJob deletes one job.
func (s *JobStore) RemoveJob(id string) error {
	_, err := s.store.Exec(`DELETE FROM blaze_jobs WHERE job_id = ?`, id)
	return err
}

// RemoveJobs deletes jobs by id.
func (s *JobStore) RemoveJobs(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.store.Exec(`DELETE FROM blaze_jobs WHERE job_id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	return err
}

// Count returns the number of pending jobs in category.
func (s *JobStore) Count(category JobCategory) (int, error) {
	var n int
	err := s.store.QueryRow(`SELECT COUNT(*) FROM blaze_jobs WHERE category = ?`, string(category)).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var action, category string
	var convID, userID, sessionID, messageID, status sql.NullString
	var createdAt int64

	err := row.Scan(&j.OrderID, &j.ID, &action, &category, &convID, &userID,
		&sessionID, &messageID, &status, &j.Payload, &createdAt)
	if err != nil {
		return nil, err
	}

	j.Action = JobAction(action)
	j.Category = JobCategory(category)
	j.ConversationID = convID.String
	j.UserID = userID.String
	j.SessionID = sessionID.String
	j.MessageID = messageID.String
	j.Status = status.String
	j.CreatedAt = fromMillis(createdAt)
	return &j, nil
}
