// Package app wires the sync core for one logged-in account.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/sync/errgroup"

	"blaze-sync/internal/auth"
	"blaze-sync/internal/blaze"
	"blaze-sync/internal/data/store"
	"blaze-sync/internal/infra/config"
	"blaze-sync/internal/service/api"
	"blaze-sync/internal/service/checksum"
	"blaze-sync/internal/service/dispatch"
	"blaze-sync/internal/service/inbound"
	"blaze-sync/internal/service/media"
	"blaze-sync/internal/service/signal"
	"blaze-sync/internal/service/sync"
	"blaze-sync/internal/service/transport"
	"blaze-sync/internal/utils/retry"
)

// Reasons a session ends on its own.
var (
	ErrUnauthorized = errors.New("session unauthorized")
	ErrClockSkew    = errors.New("device clock is off")
	ErrLoggedOut    = errors.New("local identity unusable")
)

// Options are the capabilities supplied by the embedding application.
type Options struct {
	// Provider is the encryption layer. Nil uses signal.Unavailable.
	Provider signal.Provider
	// Reachability gates reconnects. Nil assumes the network is up.
	Reachability transport.Reachability
	// Clock drives every timer. Nil uses the wall clock.
	Clock clock.Clock
}

// Session is the sync core of one login session. Services are created
// together and torn down together.
type Session struct {
	Config *config.Config
	Log    waLog.Logger
	Stores *store.Container

	API         *api.Client
	Transport   *transport.Manager
	Coordinator *checksum.Coordinator
	Dispatcher  *dispatch.Dispatcher
	Inbound     *inbound.Processor
	Media       *media.MediaService
	Scheduler   *sync.Scheduler

	clock clock.Clock
}

// NewSession opens the store and creates every service.
func NewSession(cfg *config.Config, log waLog.Logger, opts Options) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key, err := auth.ParsePrivateKey(cfg.Account.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("account key: %w", err)
	}
	if err := cfg.EnsureStorePath(); err != nil {
		return nil, fmt.Errorf("failed to ensure store path: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	provider := opts.Provider
	if provider == nil {
		log.Warnf("No encryption provider, encrypted messages will not be readable")
		provider = signal.Unavailable{}
	}

	db, err := store.New(cfg.DatabasePath(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	stores := store.NewContainer(db)

	signer := auth.NewSigner(auth.Account{
		UserID:     cfg.Account.UserID,
		SessionID:  cfg.Account.SessionID,
		PrivateKey: key,
		Scope:      cfg.Account.Scope,
	}, clk)

	client := api.NewClient(cfg.Transport.APIHosts, signer, cfg.Transport.RequestTimeout(), log)
	conn := transport.NewManager(transport.ConfigFrom(cfg), signer, clk, opts.Reachability, log)
	coord := checksum.NewCoordinator(client, stores, log)

	dcfg := dispatch.ConfigFrom(cfg)
	dcfg.OnDrop = func(job *store.Job, err error) {
		log.Warnf("Dropped %s job %s (message %s): %v", job.Action, job.ID, job.MessageID, err)
	}
	dispatcher := dispatch.New(dcfg,
		dispatch.Identity{UserID: cfg.Account.UserID, SessionID: cfg.Account.SessionID},
		conn, client, coord, provider, stores, clk, log)

	mediaService := media.NewMediaService(client, &cfg.Media, cfg.StorePath, stores.Messages, clk, log)
	icfg := inbound.ConfigFrom(cfg)
	icfg.Ready = conn.Connected
	processor := inbound.New(icfg,
		inbound.Identity{UserID: cfg.Account.UserID, SessionID: cfg.Account.SessionID},
		stores, coord, provider, dispatcher, mediaService, clk, log)
	scheduler := sync.NewScheduler(sync.SchedulerConfigFrom(cfg), conn, dispatcher, clk, log)

	return &Session{
		Config:      cfg,
		Log:         log,
		Stores:      stores,
		API:         client,
		Transport:   conn,
		Coordinator: coord,
		Dispatcher:  dispatcher,
		Inbound:     processor,
		Media:       mediaService,
		Scheduler:   scheduler,
		clock:       clk,
	}, nil
}

// Run connects and runs every loop until ctx ends or the session ends on
// its own, which is reported as ErrUnauthorized, ErrClockSkew or
// ErrLoggedOut.
func (s *Session) Run(ctx context.Context) error {
	s.Log.Infof("Starting sync for %s (session %s)", s.Config.Account.UserID, s.Config.Account.SessionID)
	s.Media.Start()
	defer s.Media.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Transport.Run(ctx) })
	g.Go(func() error { return s.Inbound.Run(ctx, s.Transport.Inbound()) })
	g.Go(func() error {
		err := s.Dispatcher.Run(ctx)
		if blaze.Classify(err) == blaze.FaultAuthorization {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return err
	})
	g.Go(func() error { return s.Scheduler.Run(ctx) })
	g.Go(func() error { return s.handleEvents(ctx) })

	s.Transport.Connect()
	err := g.Wait()
	if err != nil {
		s.Log.Errorf("Sync stopped: %v", err)
	} else {
		s.Log.Infof("Sync stopped")
	}
	return err
}

// handleEvents reacts to connection state changes.
func (s *Session) handleEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.Inbound.Logout():
			return fmt.Errorf("%w: %v", ErrLoggedOut, err)
		case ev := <-s.Transport.Events():
			switch ev.Kind {
			case transport.EventConnected:
				s.Log.Infof("Connected to host %d", ev.HostIndex)
				s.Dispatcher.Resume()
				go s.listPending(ctx)
			case transport.EventDisconnected:
				s.Log.Infof("Disconnected: %v", ev.Err)
			case transport.EventHostChanged:
				s.API.RotateHost()
			case transport.EventUnauthorized:
				return fmt.Errorf("%w: %v", ErrUnauthorized, ev.Err)
			case transport.EventClockSkew:
				return fmt.Errorf("%w: %v", ErrClockSkew, ev.Err)
			}
		}
	}
}

// listPending asks the server to flush pushes queued since the stored
// offset.
func (s *Session) listPending(ctx context.Context) {
	offset, err := s.Stores.SyncState.Data(store.SyncPendingMessages)
	if err != nil {
		s.Log.Warnf("Failed to read pending offset: %v", err)
	}
	_, err = retry.DoWithConfig(ctx, s.clock, retry.DefaultConfig(), func() (*blaze.Envelope, error) {
		env := blaze.NewEnvelope(blaze.ActionListPendingMessages, &blaze.Params{Offset: offset})
		return s.Transport.RespondedMessage(ctx, env)
	})
	if err != nil && ctx.Err() == nil {
		s.Log.Warnf("Listing pending messages failed: %v", err)
	}
}

// Close releases the store.
func (s *Session) Close() error {
	return s.Stores.Close()
}
