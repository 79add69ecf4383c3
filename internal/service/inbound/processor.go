// Package inbound ingests server pushes: it deduplicates them, keeps local
// membership current, decrypts, persists, and emits acknowledgements.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	waLog "go.mau.fi/whatsmeow/util/log"

	"blaze-sync/internal/blaze"
	"blaze-sync/internal/data/store"
	"blaze-sync/internal/infra/config"
	"blaze-sync/internal/service/checksum"
	"blaze-sync/internal/service/signal"
	"blaze-sync/internal/utils/retry"
)

// Enqueuer persists outbound jobs and wakes their drain loop.
type Enqueuer interface {
	Enqueue(jobs ...*store.Job) error
}

// MediaQueue accepts attachments for download.
type MediaQueue interface {
	QueueMessage(msg *store.Message)
	QueueTranscript(child *store.TranscriptMessage)
}

// Identity is the local account.
type Identity struct {
	UserID    string
	SessionID string
}

const defaultBacklogBatch = 50

// errDeferred marks a record that stays in the backlog until its
// conversation can be fetched.
var errDeferred = errors.New("conversation not available yet")

// Config tunes ingestion.
type Config struct {
	BacklogBatch int
	// Waits before a deferred record is attempted again.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// Ready reports connectivity. Deferred records wait for it. Nil means
	// always ready.
	Ready func() bool
}

// ConfigFrom maps the application configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		BacklogBatch: cfg.Dispatch.BacklogBatchSize,
		RetryInitial: cfg.Dispatch.ConnectivityStep(),
		RetryMax:     cfg.Dispatch.ConnectivityMax(),
	}
}

// Processor is the single ingestion loop.
type Processor struct {
	cfg      Config
	self     Identity
	stores   *store.Container
	coord    *checksum.Coordinator
	provider signal.Provider
	jobs     Enqueuer
	media    MediaQueue
	clock    clock.Clock
	log      waLog.Logger

	ready   func() bool
	backoff *retry.Backoff
	gate    *retry.Gate
	logout  chan error
}

// New creates a Processor. media may be nil.
func New(cfg Config, self Identity, stores *store.Container, coord *checksum.Coordinator, provider signal.Provider,
	jobs Enqueuer, media MediaQueue, clk clock.Clock, log waLog.Logger) *Processor {
	if cfg.BacklogBatch <= 0 {
		cfg.BacklogBatch = defaultBacklogBatch
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 2 * time.Second
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	ready := cfg.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Processor{
		cfg:      cfg,
		self:     self,
		stores:   stores,
		coord:    coord,
		provider: provider,
		jobs:     jobs,
		media:    media,
		clock:    clk,
		log:      log.Sub("Inbound"),
		backoff: retry.NewBackoff(retry.Config{
			InitialWait: cfg.RetryInitial,
			MaxWait:     cfg.RetryMax,
			Multiplier:  2.0,
		}),
		ready:  ready,
		gate:   retry.NewGate(clk, ready, cfg.RetryInitial, cfg.RetryMax),
		logout: make(chan error, 1),
	}
}

// Logout receives the error that made the local identity unusable.
func (p *Processor) Logout() <-chan error { return p.logout }

func (p *Processor) emitLogout(err error) {
	select {
	case p.logout <- err:
	default:
	}
}

// Run ingests the backlog left by a previous run, then every envelope from
// in, until ctx ends or in is closed. Pushes keep landing in the backlog
// while a deferred record waits for its retry.
func (p *Processor) Run(ctx context.Context, in <-chan *blaze.Envelope) error {
	var retryC <-chan time.Time
	for {
		if retryC == nil {
			deferred, err := p.drain(ctx)
			if err != nil {
				return err
			}
			if deferred {
				retryC = p.clock.After(p.backoff.Next())
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if err := p.Receive(env); err != nil {
				return err
			}
		case <-retryC:
			retryC = nil
			if !p.ready() {
				retryC = p.clock.After(p.backoff.Next())
			}
		}
	}
}

// Receive routes one pushed envelope. Message pushes are written to the
// backlog; status receipts are applied directly.
func (p *Processor) Receive(env *blaze.Envelope) error {
	switch env.Action {
	case blaze.ActionAcknowledgeReceipt:
		var r blaze.ReceiptData
		if err := env.Decode(&r); err != nil {
			p.log.Warnf("Dropping malformed receipt %s: %v", env.ID, err)
			return nil
		}
		return p.receipt(&r)
	case blaze.ActionCreateMessage, blaze.ActionCreateCall:
		data, err := env.MessageData()
		if err != nil || data.MessageID == "" {
			p.log.Warnf("Dropping malformed push %s: %v", env.ID, err)
			return nil
		}
		if _, err := p.stores.Backlog.Put(data.MessageID, env.Data); err != nil {
			return fmt.Errorf("backlog %s: %w", data.MessageID, err)
		}
		return nil
	}
	p.log.Debugf("Ignoring push %s with action %s", env.ID, env.Action)
	return nil
}

// receipt advances the status of one of our messages and retires the
// receipt on the server.
func (p *Processor) receipt(r *blaze.ReceiptData) error {
	status := store.MessageStatus(r.Status)
	changed, err := p.stores.Messages.UpdateStatus(r.MessageID, status)
	if err != nil {
		return fmt.Errorf("update status of %s: %w", r.MessageID, err)
	}
	if changed {
		p.log.Debugf("Message %s is now %s", r.MessageID, status)
	}
	return p.ack(r.MessageID, store.StatusRead)
}

// Drain ingests the backlog in arrival order until it is empty. A record
// whose conversation cannot be fetched is retried after a backoff once
// the connection is up.
func (p *Processor) Drain(ctx context.Context) error {
	for {
		deferred, err := p.drain(ctx)
		if err != nil || !deferred {
			return err
		}
		if retry.Sleep(ctx, p.clock, p.backoff.Next()) != nil || p.gate.Wait(ctx) != nil {
			return nil
		}
	}
}

// drain ingests records until the backlog is empty or one is deferred,
// which it reports. Records behind a deferred one wait too, so arrival
// order holds.
func (p *Processor) drain(ctx context.Context) (bool, error) {
	for {
		pending, err := p.stores.Backlog.Next(p.cfg.BacklogBatch)
		if err != nil {
			return false, fmt.Errorf("load backlog: %w", err)
		}
		if len(pending) == 0 {
			return false, nil
		}
		for _, pm := range pending {
			if ctx.Err() != nil {
				return false, nil
			}
			if !p.ingest(ctx, pm) {
				return ctx.Err() == nil, nil
			}
			p.backoff.Reset()
		}
	}
}

// ingest processes one backlog record and deletes it exactly once. It
// reports false when the record was kept for a later attempt, which
// includes a cancelled context.
func (p *Processor) ingest(ctx context.Context, pm *store.PendingMessage) bool {
	var data blaze.MessageData
	if err := json.Unmarshal(pm.Data, &data); err != nil {
		p.log.Errorf("Dropping undecodable backlog record %s: %v", pm.MessageID, err)
		p.deleteBacklog(pm)
		return true
	}

	status, err := p.process(ctx, &data)
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, errDeferred) {
		p.log.Warnf("Keeping %s in the backlog: %v", data.MessageID, err)
		return false
	}
	if err != nil {
		p.log.Errorf("Failed to ingest %s (%s, conversation %s): %v",
			data.MessageID, data.Category, data.ConversationID, err)
	}
	if status != "" {
		if err := p.ack(data.MessageID, status); err != nil {
			p.log.Errorf("Failed to enqueue ack for %s: %v", data.MessageID, err)
		}
	}
	if data.Source == blaze.SourceListPending {
		p.advanceOffset(data.CreatedAt)
	}
	p.deleteBacklog(pm)
	return true
}

func (p *Processor) deleteBacklog(pm *store.PendingMessage) {
	if err := p.stores.Backlog.Delete(pm.ID); err != nil {
		p.log.Errorf("Failed to delete backlog record %s: %v", pm.MessageID, err)
	}
}

func (p *Processor) ack(messageID string, status store.MessageStatus) error {
	return p.jobs.Enqueue(store.NewAckJob(messageID, status))
}

// advanceOffset moves the LIST_PENDING_MESSAGES cursor forward.
func (p *Processor) advanceOffset(createdAt time.Time) {
	if createdAt.IsZero() {
		return
	}
	current, err := p.stores.SyncState.Get(store.SyncPendingMessages)
	if err != nil {
		p.log.Warnf("Failed to read pending offset: %v", err)
		return
	}
	if current != nil {
		if prev, err := time.Parse(time.RFC3339Nano, current.SyncData); err == nil && !createdAt.After(prev) {
			return
		}
	}
	if err := p.stores.SyncState.Put(&store.SyncState{
		SyncType:   store.SyncPendingMessages,
		LastSyncAt: p.clock.Now(),
		SyncData:   createdAt.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		p.log.Warnf("Failed to store pending offset: %v", err)
	}
}

// process ingests one message and returns the ack status to emit, or ""
// for none.
func (p *Processor) process(ctx context.Context, data *blaze.MessageData) (store.MessageStatus, error) {
	done, err := p.stores.Messages.Processed(data.MessageID)
	if err != nil {
		return "", err
	}
	if done {
		p.log.Debugf("Duplicate message %s", data.MessageID)
		return store.StatusDelivered, nil
	}

	category := blaze.Category(data.Category)
	class := category.Class()
	if class != blaze.ClassSystem {
		if _, err := p.coord.Ensure(ctx, data.ConversationID); err != nil {
			if blaze.Classify(err) == blaze.FaultTransport {
				return "", fmt.Errorf("%w: sync %s: %w", errDeferred, data.ConversationID, err)
			}
			p.log.Warnf("Failed to sync conversation %s: %v", data.ConversationID, err)
		}
		if data.SessionID != "" {
			if _, err := p.stores.Sessions.Ensure(store.ParticipantSession{
				ConversationID: data.ConversationID,
				UserID:         data.UserID,
				SessionID:      data.SessionID,
			}); err != nil {
				return "", err
			}
		}
	}

	switch class {
	case blaze.ClassSystem:
		return p.system(ctx, data, category)
	case blaze.ClassPlain:
		if category == blaze.CategoryPlainJSON {
			return p.plainJSON(data)
		}
		return p.plain(data, category)
	case blaze.ClassSignal:
		return p.encrypted(ctx, data, category)
	default:
		p.log.Warnf("Unknown category %s of %s, recording only", data.Category, data.MessageID)
		return store.StatusRead, p.stores.Messages.AddHistory(data.MessageID)
	}
}
