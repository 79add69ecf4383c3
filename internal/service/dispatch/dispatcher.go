// Package dispatch drains the outbound job store over the blaze socket and
// the HTTP API.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/sync/errgroup"

	"blaze-sync/internal/blaze"
	"blaze-sync/internal/data/store"
	"blaze-sync/internal/infra/config"
	"blaze-sync/internal/service/api"
	"blaze-sync/internal/service/checksum"
	"blaze-sync/internal/service/signal"
	"blaze-sync/internal/utils/retry"
)

// Sender is the correlated request path of the connection manager.
type Sender interface {
	RespondedMessage(ctx context.Context, env *blaze.Envelope) (*blaze.Envelope, error)
	Connected() bool
}

// API is the subset of the HTTP API the dispatcher calls.
type API interface {
	Acknowledge(ctx context.Context, acks []api.AckRequest) error
	CreateConversation(ctx context.Context, req *api.CreateConversationRequest) (*api.Conversation, error)
}

// Identity is the local account.
type Identity struct {
	UserID    string
	SessionID string
}

// Config tunes the drain loops.
type Config struct {
	AckBatchSize int
	// Connectivity gate and transient retry waits.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// PreKeyRefresh is the minimum spacing between prekey uploads.
	PreKeyRefresh time.Duration
	// PreKeyThreshold is the one-time prekey count below which a refresh
	// uploads a new batch.
	PreKeyThreshold int
	// OnDrop is told about every job dropped after a permanent failure.
	OnDrop func(job *store.Job, err error)
}

// ConfigFrom maps the application configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		AckBatchSize:    cfg.Dispatch.AckBatchSize,
		RetryInitial:    cfg.Dispatch.ConnectivityStep(),
		RetryMax:        cfg.Dispatch.ConnectivityMax(),
		PreKeyRefresh:   cfg.PreKeyRefreshInterval(),
		PreKeyThreshold: 500,
	}
}

const maxAckBatch = 100

// Dispatcher owns the Http and WebSocket drain loops.
type Dispatcher struct {
	cfg      Config
	self     Identity
	sender   Sender
	api      API
	coord    *checksum.Coordinator
	provider signal.Provider
	stores   *store.Container
	clock    clock.Clock
	log      waLog.Logger

	gate   *retry.Gate
	httpCh chan struct{}
	wsCh   chan struct{}
}

// New creates a Dispatcher.
func New(cfg Config, self Identity, sender Sender, client API, coord *checksum.Coordinator,
	provider signal.Provider, stores *store.Container, clk clock.Clock, log waLog.Logger) *Dispatcher {
	if cfg.AckBatchSize <= 0 || cfg.AckBatchSize > maxAckBatch {
		cfg.AckBatchSize = maxAckBatch
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 2 * time.Second
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	if cfg.PreKeyThreshold <= 0 {
		cfg.PreKeyThreshold = 500
	}
	return &Dispatcher{
		cfg:      cfg,
		self:     self,
		sender:   sender,
		api:      client,
		coord:    coord,
		provider: provider,
		stores:   stores,
		clock:    clk,
		log:      log.Sub("Dispatch"),
		gate:     retry.NewGate(clk, sender.Connected, cfg.RetryInitial, cfg.RetryMax),
		httpCh:   make(chan struct{}, 1),
		wsCh:     make(chan struct{}, 1),
	}
}

// Enqueue persists jobs and then wakes their loops.
func (d *Dispatcher) Enqueue(jobs ...*store.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	var err error
	if len(jobs) == 1 {
		err = d.stores.Jobs.Save(jobs[0])
	} else {
		err = d.stores.Jobs.SaveAll(jobs)
	}
	if err != nil {
		return fmt.Errorf("save jobs: %w", err)
	}
	for _, j := range jobs {
		d.wake(j.Category)
	}
	return nil
}

// Resume wakes both loops, typically after the connection comes back.
func (d *Dispatcher) Resume() {
	d.wake(store.JobCategoryHTTP)
	d.wake(store.JobCategoryWebSocket)
}

func (d *Dispatcher) wake(category store.JobCategory) {
	ch := d.wsCh
	if category == store.JobCategoryHTTP {
		ch = d.httpCh
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run drains both categories until ctx ends or a loop stops on an
// authorization failure, which is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.runHTTP(ctx) })
	g.Go(func() error { return d.runWebSocket(ctx) })
	return g.Wait()
}

func (d *Dispatcher) idle(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (d *Dispatcher) newBackoff() *retry.Backoff {
	return retry.NewBackoff(retry.Config{
		InitialWait: d.cfg.RetryInitial,
		MaxWait:     d.cfg.RetryMax,
		Multiplier:  2.0,
	})
}

func (d *Dispatcher) runHTTP(ctx context.Context) error {
	backoff := d.newBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		jobs, err := d.stores.Jobs.NextBatchJobs(store.JobCategoryHTTP, store.JobSendAck, d.cfg.AckBatchSize)
		if err != nil {
			return fmt.Errorf("load ack jobs: %w", err)
		}
		if len(jobs) == 0 {
			if d.idle(ctx, d.httpCh) != nil {
				return nil
			}
			continue
		}
		if d.gate.Wait(ctx) != nil {
			return nil
		}

		err = d.acknowledge(ctx, jobs)
		switch fault := blaze.Classify(err); {
		case err == nil, fault == blaze.FaultPermission:
			backoff.Reset()
			if err := d.stores.Jobs.RemoveJobs(jobIDs(jobs)); err != nil {
				return fmt.Errorf("remove ack jobs: %w", err)
			}
		case ctx.Err() != nil:
			return nil
		case fault == blaze.FaultAuthorization:
			d.log.Errorf("Acknowledgements unauthorized, dropping %d acks and stopping", len(jobs))
			if err := d.stores.Jobs.RemoveJobs(jobIDs(jobs)); err != nil {
				d.log.Warnf("Failed to drop ack jobs: %v", err)
			}
			return err
		case fault == blaze.FaultTransport:
			wait := backoff.Next()
			d.log.Warnf("Acknowledging %d messages failed, retrying in %v: %v", len(jobs), wait, err)
			if retry.Sleep(ctx, d.clock, wait) != nil {
				return nil
			}
		default:
			d.log.Errorf("Acknowledgements rejected (%v), dropping %d acks: %v", fault, len(jobs), err)
			for _, j := range jobs {
				d.report(j, err)
			}
			if err := d.stores.Jobs.RemoveJobs(jobIDs(jobs)); err != nil {
				return fmt.Errorf("remove ack jobs: %w", err)
			}
		}
	}
}

// acknowledge sends jobs in chunks of at most maxAckBatch. Chunks already
// delivered are removed even when a later chunk fails.
func (d *Dispatcher) acknowledge(ctx context.Context, jobs []*store.Job) error {
	for start := 0; start < len(jobs); start += maxAckBatch {
		end := min(start+maxAckBatch, len(jobs))
		chunk := jobs[start:end]

		acks := make([]api.AckRequest, 0, len(chunk))
		for _, j := range chunk {
			ack := j.AckMessage()
			acks = append(acks, api.AckRequest{MessageID: ack.MessageID, Status: ack.Status})
		}
		err := d.api.Acknowledge(ctx, acks)
		if err != nil && blaze.Classify(err) != blaze.FaultPermission {
			return err
		}
		if end < len(jobs) {
			if err := d.stores.Jobs.RemoveJobs(jobIDs(chunk)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) runWebSocket(ctx context.Context) error {
	backoff := d.newBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := d.stores.Jobs.NextJob(store.JobCategoryWebSocket)
		if err != nil {
			return fmt.Errorf("load next job: %w", err)
		}
		if job == nil {
			if d.idle(ctx, d.wsCh) != nil {
				return nil
			}
			continue
		}
		if d.gate.Wait(ctx) != nil {
			return nil
		}

		err = d.handle(ctx, job)
		switch fault := classify(err); {
		case err == nil, fault == blaze.FaultPermission:
			backoff.Reset()
			if err := d.stores.Jobs.RemoveJob(job.ID); err != nil {
				return fmt.Errorf("remove job %s: %w", job.ID, err)
			}
		case ctx.Err() != nil:
			return nil
		case fault == blaze.FaultAuthorization:
			d.log.Errorf("Job %s (%s) unauthorized, stopping", job.ID, job.Action)
			return err
		case fault == blaze.FaultTransport:
			wait := backoff.Next()
			d.log.Warnf("Job %s (%s, conversation %s, message %s) failed, retrying in %v: %v",
				job.ID, job.Action, job.ConversationID, job.MessageID, wait, err)
			if retry.Sleep(ctx, d.clock, wait) != nil {
				return nil
			}
		default:
			d.log.Errorf("Dropping job %s (%s, conversation %s, message %s) on %v fault: %v",
				job.ID, job.Action, job.ConversationID, job.MessageID, fault, err)
			d.drop(job, err)
			if err := d.stores.Jobs.RemoveJob(job.ID); err != nil {
				return fmt.Errorf("remove job %s: %w", job.ID, err)
			}
		}
	}
}

func (d *Dispatcher) drop(job *store.Job, err error) {
	if job.Action == store.JobSendMessage && job.MessageID != "" {
		if err := d.stores.Messages.MarkFailed(job.MessageID); err != nil {
			d.log.Warnf("Failed to mark %s failed: %v", job.MessageID, err)
		}
	}
	d.report(job, err)
}

func (d *Dispatcher) report(job *store.Job, err error) {
	if d.cfg.OnDrop != nil {
		d.cfg.OnDrop(job, err)
	}
}

// classify extends blaze.Classify with the rule that encryption session
// errors never fix themselves by waiting.
func classify(err error) blaze.Fault {
	var se *signal.SessionError
	if errors.As(err, &se) {
		return blaze.FaultPermanent
	}
	return blaze.Classify(err)
}

func jobIDs(jobs []*store.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}
