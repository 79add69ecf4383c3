package inbound

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"blaze-sync/internal/blaze"
	"blaze-sync/internal/data/store"
	"blaze-sync/internal/service/signal"
)

// plain materializes an unencrypted content message.
func (p *Processor) plain(data *blaze.MessageData, category blaze.Category) (store.MessageStatus, error) {
	raw, err := base64.StdEncoding.DecodeString(data.Data)
	if err != nil {
		return store.StatusDelivered, p.placeholder(data, fmt.Errorf("plain payload: %w", err))
	}
	return store.StatusDelivered, p.materialize(data, category, raw)
}

// encrypted decrypts and materializes an encrypted message, or starts session
// recovery when decryption fails.
func (p *Processor) encrypted(ctx context.Context, data *blaze.MessageData, category blaze.Category) (store.MessageStatus, error) {
	frame, err := signal.DecodeMessageData(data.Data)
	if err != nil {
		return store.StatusDelivered, p.placeholder(data, err)
	}

	plaintext, err := p.provider.Decrypt(signal.DecryptRequest{
		GroupID:   data.ConversationID,
		SenderID:  data.UserID,
		SessionID: data.SessionID,
		DeviceID:  signal.DeviceID(data.SessionID),
		KeyType:   frame.KeyType,
		Cipher:    frame.Cipher,
		Category:  category,
	})
	if err != nil {
		return p.decryptFailed(data, category, err)
	}

	if category == blaze.CategorySignalKey {
		return store.StatusRead, p.senderKeyReceived(data)
	}
	if frame.ResendMessageID != "" {
		return p.redelivered(data, category, frame.ResendMessageID, plaintext)
	}
	return store.StatusDelivered, p.materialize(data, category, plaintext)
}

func (p *Processor) decryptFailed(data *blaze.MessageData, category blaze.Category, err error) (store.MessageStatus, error) {
	recovery := signal.Classify(err)
	p.log.Warnf("Decrypting %s from %s:%s failed (%v): %v",
		data.MessageID, data.UserID, data.SessionID, recovery, err)

	switch recovery {
	case signal.RecoverDuplicate:
		return store.StatusDelivered, p.stores.Messages.AddHistory(data.MessageID)
	case signal.RecoverLogout:
		p.emitLogout(err)
		return "", err
	case signal.RecoverResendKey:
		var perr error
		if category == blaze.CategorySignalKey {
			perr = p.stores.Messages.AddHistory(data.MessageID)
		} else {
			perr = p.insertFailed(data)
		}
		if perr != nil {
			return store.StatusDelivered, perr
		}
		return store.StatusDelivered, p.requestKeys(data)
	}
	return store.StatusDelivered, p.placeholder(data, err)
}

// requestKeys asks the sender for its keys once per outstanding failure.
func (p *Processor) requestKeys(data *blaze.MessageData) error {
	first, err := p.stores.Resend.MarkRequesting(data.ConversationID, data.UserID, data.SessionID)
	if err != nil || !first {
		return err
	}
	p.log.Infof("Requesting keys from %s:%s in %s", data.UserID, data.SessionID, data.ConversationID)
	return p.jobs.Enqueue(
		p.peerJob(store.JobRequestResendKey, data),
		p.peerJob(store.JobRefreshSession, data),
		store.NewJob(store.JobRefreshPreKeys),
	)
}

// senderKeyReceived ends a pending key request and asks for the messages
// that could not be read meanwhile.
func (p *Processor) senderKeyReceived(data *blaze.MessageData) error {
	requesting, err := p.stores.Resend.IsRequesting(data.ConversationID, data.UserID, data.SessionID)
	if err != nil {
		return err
	}
	if requesting {
		if err := p.stores.Resend.Clear(data.ConversationID, data.UserID, data.SessionID); err != nil {
			return err
		}
		if err := p.jobs.Enqueue(p.peerJob(store.JobRequestResendMessages, data)); err != nil {
			return err
		}
	}
	return p.stores.Messages.AddHistory(data.MessageID)
}

// redelivered overwrites the failed placeholder of originalID with the
// resent content.
func (p *Processor) redelivered(data *blaze.MessageData, category blaze.Category, originalID string, plaintext []byte) (store.MessageStatus, error) {
	existing, err := p.stores.Messages.Get(originalID)
	if err != nil {
		return "", err
	}
	if existing == nil || existing.Status != store.StatusFailed ||
		existing.ConversationID != data.ConversationID || existing.UserID != data.UserID {
		p.log.Debugf("Ignoring redelivery %s of %s", data.MessageID, originalID)
		return store.StatusRead, p.stores.Messages.AddHistory(data.MessageID)
	}

	msg := p.message(data, category, plaintext)
	msg.ID = originalID
	msg.CreatedAt = existing.CreatedAt
	if err := p.stores.Messages.Put(msg); err != nil {
		return "", err
	}
	p.log.Infof("Recovered message %s from %s", originalID, data.UserID)
	p.queueMedia(msg)
	return store.StatusRead, p.stores.Messages.AddHistory(data.MessageID)
}

// placeholder stores an unreadable message as FAILED and reports err.
func (p *Processor) placeholder(data *blaze.MessageData, err error) error {
	if ierr := p.insertFailed(data); ierr != nil {
		return ierr
	}
	return err
}

func (p *Processor) insertFailed(data *blaze.MessageData) error {
	_, err := p.stores.Messages.Insert(&store.Message{
		ID:             data.MessageID,
		ConversationID: data.ConversationID,
		UserID:         data.UserID,
		Category:       data.Category,
		Status:         store.StatusFailed,
		CreatedAt:      data.CreatedAt,
	})
	return err
}

// message builds the local row for decrypted content.
func (p *Processor) message(data *blaze.MessageData, category blaze.Category, plaintext []byte) *store.Message {
	msg := &store.Message{
		ID:             data.MessageID,
		ConversationID: data.ConversationID,
		UserID:         data.UserID,
		Category:       string(category),
		Content:        string(plaintext),
		QuoteMessageID: data.QuoteMessageID,
		Status:         store.StatusDelivered,
		CreatedAt:      data.CreatedAt,
	}
	if category.Kind().IsAttachment() {
		var att attachmentPayload
		if err := json.Unmarshal(plaintext, &att); err != nil {
			p.log.Warnf("Message %s has malformed attachment metadata: %v", data.MessageID, err)
			return msg
		}
		msg.AttachmentID = att.AttachmentID
		msg.MediaMimeType = att.MimeType
		msg.MediaSize = att.Size
		msg.Name = att.Name
		if att.AttachmentID != "" {
			msg.MediaStatus = store.MediaPending
		}
	}
	return msg
}

func (p *Processor) materialize(data *blaze.MessageData, category blaze.Category, plaintext []byte) error {
	msg := p.message(data, category, plaintext)
	inserted, err := p.stores.Messages.Insert(msg)
	if err != nil || !inserted {
		return err
	}
	if category.Kind() == blaze.KindTranscript {
		if err := p.transcript(msg.ID, plaintext); err != nil {
			p.log.Warnf("Transcript %s not expanded: %v", msg.ID, err)
		}
	}
	p.queueMedia(msg)
	return nil
}

func (p *Processor) transcript(transcriptID string, plaintext []byte) error {
	var items []transcriptChild
	if err := json.Unmarshal(plaintext, &items); err != nil {
		return err
	}
	children := make([]*store.TranscriptMessage, 0, len(items))
	for _, it := range items {
		child := &store.TranscriptMessage{
			TranscriptID: transcriptID,
			MessageID:    it.MessageID,
			UserID:       it.UserID,
			Category:     it.Category,
			Content:      it.Content,
			AttachmentID: it.AttachmentID,
			CreatedAt:    it.CreatedAt,
		}
		if child.AttachmentID != "" && blaze.Category(child.Category).Kind().IsAttachment() {
			child.MediaStatus = store.MediaPending
		}
		children = append(children, child)
	}
	if err := p.stores.Messages.PutTranscriptChildren(children); err != nil {
		return err
	}
	if p.media != nil {
		for _, c := range children {
			if c.MediaStatus == store.MediaPending {
				p.media.QueueTranscript(c)
			}
		}
	}
	return nil
}

func (p *Processor) queueMedia(msg *store.Message) {
	if p.media != nil && msg.MediaStatus == store.MediaPending {
		p.media.QueueMessage(msg)
	}
}
