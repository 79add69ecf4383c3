// Package checksum keeps the local participant-session view of a
// conversation in step with the server's.
package checksum

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/sync/singleflight"

	"blaze-sync/internal/blaze"
	"blaze-sync/internal/data/store"
	"blaze-sync/internal/service/api"
)

// ConversationFetcher reads a conversation from the server.
type ConversationFetcher interface {
	GetConversation(ctx context.Context, id string) (*api.Conversation, error)
}

// Coordinator computes checksums and resyncs conversations.
type Coordinator struct {
	fetcher       ConversationFetcher
	conversations *store.ConversationStore
	sessions      *store.ParticipantSessionStore
	group         singleflight.Group
	log           waLog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(fetcher ConversationFetcher, c *store.Container, log waLog.Logger) *Coordinator {
	return &Coordinator{
		fetcher:       fetcher,
		conversations: c.Conversations,
		sessions:      c.Sessions,
		log:           log.Sub("Checksum"),
	}
}

// Compute is the md5 hex digest of the session ids concatenated in
// ascending order. No sessions yield the empty string.
func Compute(sessionIDs []string) string {
	if len(sessionIDs) == 0 {
		return ""
	}
	sorted := append([]string(nil), sessionIDs...)
	sort.Strings(sorted)
	sum := md5.Sum([]byte(strings.Join(sorted, "")))
	return hex.EncodeToString(sum[:])
}

// Checksum returns the checksum of the locally known sessions.
func (c *Coordinator) Checksum(conversationID string) (string, error) {
	ids, err := c.sessions.SessionIDs(conversationID)
	if err != nil {
		return "", fmt.Errorf("load sessions of %s: %w", conversationID, err)
	}
	return Compute(ids), nil
}

// WithResync runs op with the current checksum. When the server rejects it
// as stale, participants are resynced and op runs exactly once more; a
// second failure is returned as is.
func (c *Coordinator) WithResync(ctx context.Context, conversationID string, op func(checksum string) error) error {
	sum, err := c.Checksum(conversationID)
	if err != nil {
		return err
	}
	err = op(sum)
	if !blaze.IsCode(err, blaze.CodeChecksumInvalid) {
		return err
	}

	c.log.Infof("Checksum of %s rejected, resyncing participants", conversationID)
	if _, err := c.Refresh(ctx, conversationID); err != nil {
		return fmt.Errorf("resync %s: %w", conversationID, err)
	}
	if sum, err = c.Checksum(conversationID); err != nil {
		return err
	}
	return op(sum)
}

// Refresh fetches the conversation from the server and replaces the local
// conversation, participants and sessions. Concurrent refreshes of one
// conversation share a single fetch.
func (c *Coordinator) Refresh(ctx context.Context, conversationID string) (*store.Conversation, error) {
	v, err, _ := c.group.Do(conversationID, func() (any, error) {
		remote, err := c.fetcher.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		return c.Apply(remote)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Conversation), nil
}

// Apply writes a server conversation into the local stores.
func (c *Coordinator) Apply(remote *api.Conversation) (*store.Conversation, error) {
	conv := &store.Conversation{
		ID:        remote.ConversationID,
		OwnerID:   remote.CreatorID,
		Category:  remote.Category,
		Name:      remote.Name,
		Status:    store.ConversationSuccess,
		CreatedAt: remote.CreatedAt,
	}
	if err := c.conversations.Put(conv); err != nil {
		return nil, err
	}

	participants := make([]store.Participant, 0, len(remote.Participants))
	for _, p := range remote.Participants {
		participants = append(participants, store.Participant{
			ConversationID: conv.ID,
			UserID:         p.UserID,
			Role:           p.Role,
			CreatedAt:      p.CreatedAt,
		})
	}
	if err := c.conversations.ReplaceParticipants(conv.ID, participants); err != nil {
		return nil, err
	}

	sessions := make([]store.ParticipantSession, 0, len(remote.ParticipantSessions))
	for _, s := range remote.ParticipantSessions {
		sessions = append(sessions, store.ParticipantSession{
			ConversationID: conv.ID,
			UserID:         s.UserID,
			SessionID:      s.SessionID,
		})
	}
	if err := c.sessions.Replace(conv.ID, sessions); err != nil {
		return nil, err
	}

	c.log.Debugf("Synced %s: %d participants, %d sessions", conv.ID, len(participants), len(sessions))
	return conv, nil
}

// Ensure returns the local conversation, fetching it first when unknown.
func (c *Coordinator) Ensure(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := c.conversations.Get(conversationID)
	if err != nil {
		return nil, err
	}
	if conv != nil && conv.Status == store.ConversationSuccess {
		return conv, nil
	}
	return c.Refresh(ctx, conversationID)
}
