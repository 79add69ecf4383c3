package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	"blaze-sync/internal/blaze"
	"blaze-sync/internal/data/store"
	"blaze-sync/internal/service/api"
	"blaze-sync/internal/service/signal"
)

const resendBatchLimit = 100

func (d *Dispatcher) handle(ctx context.Context, job *store.Job) error {
	switch job.Action {
	case store.JobSendMessage:
		return d.sendMessage(ctx, job)
	case store.JobResendKey:
		return d.resendKey(ctx, job)
	case store.JobRequestResendKey:
		return d.sendPlain(ctx, job, &blaze.PlainJSON{Type: blaze.PlainResendKey})
	case store.JobRequestResendMessages:
		return d.requestResendMessages(ctx, job)
	case store.JobResendMessage:
		return d.resendMessage(ctx, job)
	case store.JobNoKey:
		return d.sendPlain(ctx, job, &blaze.PlainJSON{Type: blaze.PlainNoKey})
	case store.JobRefreshSession:
		return d.refreshSession(ctx, job)
	case store.JobRefreshPreKeys:
		return d.refreshPreKeys(ctx)
	default:
		return fmt.Errorf("%w: job action %q", blaze.ErrInvalidLocal, job.Action)
	}
}

func (d *Dispatcher) call(ctx context.Context, action string, params *blaze.Params) (*blaze.Envelope, error) {
	return d.sender.RespondedMessage(ctx, blaze.NewEnvelope(action, params))
}

func (d *Dispatcher) selfDevice() uint32 {
	return signal.DeviceID(d.self.SessionID)
}

func (d *Dispatcher) sendMessage(ctx context.Context, job *store.Job) error {
	msg, err := d.stores.Messages.Get(job.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("%w: message %s not found", blaze.ErrInvalidLocal, job.MessageID)
	}
	category := blaze.Category(msg.Category)
	if class := category.Class(); class != blaze.ClassPlain && class != blaze.ClassSignal {
		return fmt.Errorf("%w: cannot send category %q", blaze.ErrInvalidLocal, msg.Category)
	}
	extra, err := jobParams(job)
	if err != nil {
		return err
	}

	conv, err := d.prepareConversation(ctx, job)
	if err != nil {
		return err
	}

	// A stale checksum resyncs the membership, so the key delivery and the
	// encryption both run again against the new session list.
	err = d.coord.WithResync(ctx, conv.ID, func(sum string) error {
		data := base64.StdEncoding.EncodeToString([]byte(msg.Content))
		if category.Class() == blaze.ClassSignal {
			if err := d.deliverSenderKeys(ctx, conv.ID, sum); err != nil {
				return err
			}
			cipher, err := d.provider.EncryptGroupMessageData(conv.ID, d.self.UserID, []byte(msg.Content))
			if err != nil {
				return err
			}
			data = signal.EncodeMessageData(cipher, "")
		}
		_, err := d.call(ctx, blaze.ActionCreateMessage, &blaze.Params{
			ConversationID:       conv.ID,
			RecipientID:          job.UserID,
			MessageID:            msg.ID,
			QuoteMessageID:       msg.QuoteMessageID,
			Category:             msg.Category,
			Data:                 data,
			Status:               string(store.StatusSent),
			ConversationChecksum: sum,
			Mentions:             extra.Mentions,
		})
		return err
	})
	if err != nil {
		return err
	}
	if _, err := d.stores.Messages.UpdateStatus(msg.ID, store.StatusSent); err != nil {
		return err
	}
	d.log.Debugf("Sent %s to %s", msg.ID, conv.ID)
	return nil
}

// prepareConversation makes sure the server knows the conversation and the
// local membership can encrypt for it.
func (d *Dispatcher) prepareConversation(ctx context.Context, job *store.Job) (*store.Conversation, error) {
	conv, err := d.stores.Conversations.Get(job.ConversationID)
	if err != nil {
		return nil, err
	}

	if conv == nil || conv.Status != store.ConversationSuccess {
		if conv != nil && conv.IsGroup() {
			return d.coord.Refresh(ctx, job.ConversationID)
		}
		if job.UserID == "" {
			return nil, fmt.Errorf("%w: direct conversation %s without recipient", blaze.ErrInvalidLocal, job.ConversationID)
		}
		d.log.Infof("Creating conversation %s with %s", job.ConversationID, job.UserID)
		remote, err := d.api.CreateConversation(ctx, &api.CreateConversationRequest{
			ConversationID: job.ConversationID,
			Category:       store.ConversationContact,
			Participants:   []api.ParticipantRequest{{UserID: job.UserID}},
		})
		if err != nil {
			return nil, err
		}
		return d.coord.Apply(remote)
	}

	if conv.IsGroup() && !d.provider.ContainsSenderKey(conv.ID, d.self.UserID, d.selfDevice()) {
		d.log.Infof("No sender key for group %s yet, syncing membership", conv.ID)
		return d.coord.Refresh(ctx, conv.ID)
	}
	return conv, nil
}

// deliverSenderKeys distributes our sender key to every session of the
// conversation that has not received it, under checksum sum.
func (d *Dispatcher) deliverSenderKeys(ctx context.Context, conversationID, sum string) error {
	unsent, err := d.stores.Sessions.Unsent(conversationID)
	if err != nil {
		return err
	}
	targets := unsent[:0]
	for _, ps := range unsent {
		if ps.UserID == d.self.UserID && ps.SessionID == d.self.SessionID {
			continue
		}
		targets = append(targets, ps)
	}
	if len(targets) == 0 {
		return nil
	}
	return d.sendSenderKeys(ctx, conversationID, targets, sum)
}

// sendSenderKeys sends our sender key to targets in one request. A stale
// checksum is returned to the caller, which owns the resync.
func (d *Dispatcher) sendSenderKeys(ctx context.Context, conversationID string, targets []store.ParticipantSession, sum string) error {
	var missing []blaze.KeyRecipient
	for _, ps := range targets {
		if !d.provider.ContainsSession(ps.UserID, signal.DeviceID(ps.SessionID)) {
			missing = append(missing, blaze.KeyRecipient{UserID: ps.UserID, SessionID: ps.SessionID})
		}
	}
	if len(missing) > 0 {
		if err := d.consumeKeys(ctx, missing); err != nil {
			return err
		}
	}

	var messages []blaze.TransferMessage
	var sent []store.ParticipantSession
	for _, ps := range targets {
		device := signal.DeviceID(ps.SessionID)
		if !d.provider.ContainsSession(ps.UserID, device) {
			d.log.Warnf("No prekeys for %s/%s, skipping sender key", ps.UserID, ps.SessionID)
			continue
		}
		cipher, err := d.provider.EncryptSenderKey(conversationID, ps.UserID, device)
		if err != nil {
			return err
		}
		messages = append(messages, blaze.TransferMessage{
			MessageID:   uuid.NewString(),
			RecipientID: ps.UserID,
			SessionID:   ps.SessionID,
			Data:        signal.EncodeMessageData(cipher, ""),
		})
		sent = append(sent, ps)
	}
	if len(messages) == 0 {
		return nil
	}

	if _, err := d.call(ctx, blaze.ActionCreateSignalKeyMessages, &blaze.Params{
		ConversationID:       conversationID,
		Messages:             messages,
		ConversationChecksum: sum,
	}); err != nil {
		return err
	}
	d.log.Debugf("Delivered sender key of %s to %d sessions", conversationID, len(sent))
	return d.stores.Sessions.MarkSent(conversationID, sent)
}

// consumeKeys fetches prekey bundles and establishes pairwise sessions.
func (d *Dispatcher) consumeKeys(ctx context.Context, recipients []blaze.KeyRecipient) error {
	reply, err := d.call(ctx, blaze.ActionConsumeSessionSignalKeys, &blaze.Params{Recipients: recipients})
	if err != nil {
		return err
	}
	var keys []blaze.SignalKey
	if err := reply.Decode(&keys); err != nil {
		return fmt.Errorf("%w: signal keys: %v", blaze.ErrInvalidLocal, err)
	}
	for i := range keys {
		k := &keys[i]
		if err := d.provider.ProcessSession(k.UserID, k); err != nil {
			d.log.Warnf("Failed to process session of %s/%s: %v", k.UserID, k.SessionID, err)
		}
	}
	return nil
}

func (d *Dispatcher) resendKey(ctx context.Context, job *store.Job) error {
	ps := store.ParticipantSession{
		ConversationID: job.ConversationID,
		UserID:         job.UserID,
		SessionID:      job.SessionID,
	}
	if _, err := d.stores.Sessions.Ensure(ps); err != nil {
		return err
	}
	return d.coord.WithResync(ctx, job.ConversationID, func(sum string) error {
		return d.sendSenderKeys(ctx, job.ConversationID, []store.ParticipantSession{ps}, sum)
	})
}

// sendPlain delivers a control message to one session of a peer.
func (d *Dispatcher) sendPlain(ctx context.Context, job *store.Job, body *blaze.PlainJSON) error {
	data, err := body.Encode()
	if err != nil {
		return err
	}
	_, err = d.call(ctx, blaze.ActionCreateMessage, &blaze.Params{
		ConversationID: job.ConversationID,
		RecipientID:    job.UserID,
		SessionID:      job.SessionID,
		MessageID:      uuid.NewString(),
		Category:       string(blaze.CategoryPlainJSON),
		Data:           data,
		Status:         string(store.StatusSending),
	})
	return err
}

func (d *Dispatcher) requestResendMessages(ctx context.Context, job *store.Job) error {
	ids, err := d.stores.Messages.FailedMessageIDs(job.ConversationID, job.UserID, resendBatchLimit)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	d.log.Infof("Requesting %d messages of %s in %s again", len(ids), job.UserID, job.ConversationID)
	return d.sendPlain(ctx, job, &blaze.PlainJSON{Type: blaze.PlainResendMessages, MessageIDs: ids})
}

// resendMessage redelivers one of our messages to the requesting session,
// encrypted pairwise and tagged with the original id.
func (d *Dispatcher) resendMessage(ctx context.Context, job *store.Job) error {
	msg, err := d.stores.Messages.Get(job.MessageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.UserID != d.self.UserID || msg.ConversationID != job.ConversationID {
		d.log.Debugf("Not resending %s: not our message in %s", job.MessageID, job.ConversationID)
		return nil
	}

	device := signal.DeviceID(job.SessionID)
	if !d.provider.ContainsSession(job.UserID, device) {
		if err := d.consumeKeys(ctx, []blaze.KeyRecipient{{UserID: job.UserID, SessionID: job.SessionID}}); err != nil {
			return err
		}
	}
	cipher, err := d.provider.EncryptSessionMessageData(job.UserID, device, []byte(msg.Content))
	if err != nil {
		return err
	}
	_, err = d.call(ctx, blaze.ActionCreateMessage, &blaze.Params{
		ConversationID: job.ConversationID,
		RecipientID:    job.UserID,
		SessionID:      job.SessionID,
		MessageID:      uuid.NewString(),
		Category:       msg.Category,
		Data:           signal.EncodeMessageData(cipher, msg.ID),
		Status:         string(store.StatusSending),
	})
	return err
}

// refreshSession replaces the pairwise session with one built from a fresh
// prekey bundle.
func (d *Dispatcher) refreshSession(ctx context.Context, job *store.Job) error {
	return d.consumeKeys(ctx, []blaze.KeyRecipient{{UserID: job.UserID, SessionID: job.SessionID}})
}

// refreshPreKeys uploads a new one-time prekey batch when the server runs
// low. Calls within the refresh interval of the last check do nothing.
func (d *Dispatcher) refreshPreKeys(ctx context.Context) error {
	state, err := d.stores.SyncState.Get(store.SyncPreKeys)
	if err != nil {
		return err
	}
	now := d.clock.Now()
	if state != nil && now.Sub(state.LastSyncAt) < d.cfg.PreKeyRefresh {
		return nil
	}

	reply, err := d.call(ctx, blaze.ActionCountSignalKeys, nil)
	if err != nil {
		return err
	}
	var count blaze.SignalKeyCount
	if err := reply.Decode(&count); err != nil {
		return fmt.Errorf("%w: key count: %v", blaze.ErrInvalidLocal, err)
	}

	if count.OneTimePreKeysCount < d.cfg.PreKeyThreshold {
		keys, err := d.provider.GeneratePreKeys()
		if err != nil {
			return err
		}
		if _, err := d.call(ctx, blaze.ActionSyncSignalKeys, &blaze.Params{Keys: keys}); err != nil {
			return err
		}
		d.log.Infof("Uploaded prekeys, server had %d", count.OneTimePreKeysCount)
	}
	return d.stores.SyncState.Put(&store.SyncState{SyncType: store.SyncPreKeys, LastSyncAt: now})
}
