package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"blaze-sync/internal/blaze"
	"blaze-sync/internal/data/store"
)

// Outgoing is a message composed by the local user.
type Outgoing struct {
	ConversationID string
	// RecipientID is the peer of a direct conversation. It lets the send
	// create the conversation when the server does not know it yet.
	RecipientID    string
	Category       blaze.Category
	Content        string
	QuoteMessageID string
	Mentions       []string
}

// SendMessage stores o as a SENDING message together with its send job,
// then wakes the websocket loop. It returns the new message id.
func (d *Dispatcher) SendMessage(o Outgoing) (string, error) {
	if o.ConversationID == "" {
		return "", fmt.Errorf("%w: message without conversation", blaze.ErrInvalidLocal)
	}
	switch o.Category.Class() {
	case blaze.ClassPlain, blaze.ClassSignal:
	default:
		return "", fmt.Errorf("%w: cannot send category %q", blaze.ErrInvalidLocal, o.Category)
	}
	if o.Category == blaze.CategorySignalKey || o.Category == blaze.CategoryPlainJSON {
		return "", fmt.Errorf("%w: %s is not user content", blaze.ErrInvalidLocal, o.Category)
	}

	msg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: o.ConversationID,
		UserID:         d.self.UserID,
		Category:       string(o.Category),
		Content:        o.Content,
		QuoteMessageID: o.QuoteMessageID,
		Status:         store.StatusSending,
		CreatedAt:      d.clock.Now(),
	}
	job := store.NewJob(store.JobSendMessage)
	job.ConversationID = o.ConversationID
	job.UserID = o.RecipientID
	job.MessageID = msg.ID
	if len(o.Mentions) > 0 {
		payload, err := json.Marshal(&blaze.Params{Mentions: o.Mentions})
		if err != nil {
			return "", err
		}
		job.Payload = payload
	}

	if err := d.stores.SaveOutgoing(msg, job); err != nil {
		return "", err
	}
	d.wake(store.JobCategoryWebSocket)
	d.log.Debugf("Queued %s for %s", msg.ID, o.ConversationID)
	return msg.ID, nil
}

// jobParams decodes the extra request parameters carried by a job.
func jobParams(job *store.Job) (*blaze.Params, error) {
	var p blaze.Params
	if len(job.Payload) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: job %s payload: %v", blaze.ErrInvalidLocal, job.ID, err)
	}
	return &p, nil
}
