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

func decodeJSON(data string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("decode base64: %w", err)
	}
	return json.Unmarshal(raw, v)
}

// system applies membership and session changes announced by the server.
func (p *Processor) system(ctx context.Context, data *blaze.MessageData, category blaze.Category) (store.MessageStatus, error) {
	var err error
	switch category {
	case blaze.CategorySystemConversation:
		err = p.systemConversation(ctx, data)
	case blaze.CategorySystemSession:
		err = p.systemSession(data)
	}
	if herr := p.stores.Messages.AddHistory(data.MessageID); herr != nil && err == nil {
		err = herr
	}
	return store.StatusRead, err
}

func (p *Processor) systemConversation(ctx context.Context, data *blaze.MessageData) error {
	var sc systemConversation
	if err := decodeJSON(data.Data, &sc); err != nil {
		return fmt.Errorf("system conversation payload: %w", err)
	}
	conv := data.ConversationID
	p.log.Infof("Conversation %s: %s %s", conv, sc.Action, sc.ParticipantID)

	switch sc.Action {
	case actionAdd, actionJoin:
		if sc.ParticipantID != "" {
			if err := p.stores.Conversations.AddParticipant(store.Participant{
				ConversationID: conv,
				UserID:         sc.ParticipantID,
				Role:           sc.Role,
			}); err != nil {
				return err
			}
		}
		// The new member's sessions come with the server view.
		_, err := p.coord.Refresh(ctx, conv)
		return err
	case actionRemove, actionExit:
		if err := p.removeParticipant(conv, sc.ParticipantID); err != nil {
			return err
		}
		if sc.ParticipantID == p.self.UserID {
			return p.stores.Conversations.SetStatus(conv, store.ConversationQuit)
		}
		return nil
	case actionRole:
		return p.stores.Conversations.UpdateRole(conv, sc.ParticipantID, sc.Role)
	case actionCreate, actionUpdate:
		_, err := p.coord.Refresh(ctx, conv)
		return err
	}
	p.log.Debugf("Ignoring conversation action %s", sc.Action)
	return nil
}

// removeParticipant drops a member and rotates our sender key so the
// departed member cannot read later messages.
func (p *Processor) removeParticipant(conv, userID string) error {
	if userID == "" {
		return nil
	}
	if err := p.stores.Conversations.RemoveParticipant(conv, userID); err != nil {
		return err
	}
	if err := p.stores.Sessions.DeleteUser(conv, userID); err != nil {
		return err
	}
	if err := p.provider.ClearSenderKey(conv, p.self.UserID, signal.DeviceID(p.self.SessionID)); err != nil {
		return err
	}
	return p.stores.Sessions.ResetSent(conv, "")
}

func (p *Processor) systemSession(data *blaze.MessageData) error {
	var ss systemSession
	if err := decodeJSON(data.Data, &ss); err != nil {
		return fmt.Errorf("system session payload: %w", err)
	}
	if ss.UserID == "" || ss.SessionID == "" {
		return nil
	}
	switch ss.Action {
	case actionAdd:
		convs, err := p.stores.Sessions.ConversationsOfUser(ss.UserID)
		if err != nil {
			return err
		}
		for _, conv := range convs {
			if _, err := p.stores.Sessions.Ensure(store.ParticipantSession{
				ConversationID: conv,
				UserID:         ss.UserID,
				SessionID:      ss.SessionID,
			}); err != nil {
				return err
			}
		}
		p.log.Infof("Added session %s of %s to %d conversations", ss.SessionID, ss.UserID, len(convs))
	case actionRemove:
		if err := p.stores.Sessions.DeleteSession(ss.UserID, ss.SessionID); err != nil {
			return err
		}
		if err := p.provider.DeleteSession(ss.UserID, signal.DeviceID(ss.SessionID)); err != nil {
			return err
		}
		p.log.Infof("Removed session %s of %s", ss.SessionID, ss.UserID)
	}
	return nil
}

// plainJSON handles the unencrypted control messages peers exchange to
// recover broken sessions.
func (p *Processor) plainJSON(data *blaze.MessageData) (store.MessageStatus, error) {
	body, err := blaze.DecodePlainJSON(data.Data)
	if err != nil {
		return store.StatusRead, p.historyWith(data.MessageID, fmt.Errorf("plain json payload: %w", err))
	}

	switch body.Type {
	case blaze.PlainResendKey:
		job := p.peerJob(store.JobResendKey, data)
		err = p.jobs.Enqueue(job)
	case blaze.PlainResendMessages:
		err = p.resendRequested(data, body.MessageIDs)
	case blaze.PlainNoKey:
		err = p.stores.Sessions.ResetSentForSession(data.UserID, data.SessionID)
	case blaze.PlainAckReceipts:
		for _, r := range body.AckMessages {
			if _, err = p.stores.Messages.UpdateStatus(r.MessageID, store.MessageStatus(r.Status)); err != nil {
				break
			}
		}
	default:
		p.log.Debugf("Ignoring plain json type %s from %s", body.Type, data.UserID)
	}
	return store.StatusRead, p.historyWith(data.MessageID, err)
}

func (p *Processor) resendRequested(data *blaze.MessageData, ids []string) error {
	var jobs []*store.Job
	for _, id := range ids {
		fresh, err := p.stores.Resend.RecordResent(id, data.UserID, data.SessionID)
		if err != nil {
			return err
		}
		if !fresh {
			continue
		}
		job := p.peerJob(store.JobResendMessage, data)
		job.MessageID = id
		jobs = append(jobs, job)
	}
	p.log.Infof("%s asked for %d messages, resending %d", data.UserID, len(ids), len(jobs))
	return p.jobs.Enqueue(jobs...)
}

// peerJob addresses a job to the sending session of data.
func (p *Processor) peerJob(action store.JobAction, data *blaze.MessageData) *store.Job {
	job := store.NewJob(action)
	job.ConversationID = data.ConversationID
	job.UserID = data.UserID
	job.SessionID = data.SessionID
	return job
}

func (p *Processor) historyWith(messageID string, err error) error {
	if herr := p.stores.Messages.AddHistory(messageID); herr != nil && err == nil {
		return herr
	}
	return err
}
