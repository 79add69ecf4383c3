// Package sync runs the periodic maintenance of a running session.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	waLog "go.mau.fi/whatsmeow/util/log"

	"blaze-sync/internal/data/store"
	"blaze-sync/internal/infra/config"
)

// Connection is the part of the connection manager the health check drives.
type Connection interface {
	ConnectIfNeeded()
	CheckHeartbeat()
}

// Enqueuer persists outbound jobs.
type Enqueuer interface {
	Enqueue(jobs ...*store.Job) error
}

// SchedulerConfig configures the scheduler intervals.
type SchedulerConfig struct {
	HealthInterval time.Duration
	PreKeyInterval time.Duration
}

// SchedulerConfigFrom maps the application configuration.
func SchedulerConfigFrom(cfg *config.Config) SchedulerConfig {
	return SchedulerConfig{
		HealthInterval: cfg.HealthCheckInterval(),
		PreKeyInterval: cfg.PreKeyRefreshInterval(),
	}
}

// Scheduler runs the periodic tasks.
type Scheduler struct {
	cfg  SchedulerConfig
	conn Connection
	jobs Enqueuer
	clk  clock.Clock
	log  waLog.Logger

	wg sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg SchedulerConfig, conn Connection, jobs Enqueuer, clk clock.Clock, log waLog.Logger) *Scheduler {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Minute
	}
	if cfg.PreKeyInterval <= 0 {
		cfg.PreKeyInterval = time.Hour
	}
	return &Scheduler{cfg: cfg, conn: conn, jobs: jobs, clk: clk, log: log.Sub("Scheduler")}
}

// Run runs every task until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Infof("Starting scheduler (health every %v, prekeys every %v)", s.cfg.HealthInterval, s.cfg.PreKeyInterval)

	// Health - reconnect when down, probe when up
	s.start(ctx, "health", s.cfg.HealthInterval, func(ctx context.Context) error {
		s.conn.ConnectIfNeeded()
		s.conn.CheckHeartbeat()
		return nil
	})

	// Prekeys - the dispatcher skips the upload when enough remain
	s.start(ctx, "prekeys", s.cfg.PreKeyInterval, func(ctx context.Context) error {
		return s.jobs.Enqueue(store.NewJob(store.JobRefreshPreKeys))
	})

	s.wg.Wait()
	s.log.Infof("Scheduler stopped")
	return nil
}

// start creates the ticker before returning so no tick is lost.
func (s *Scheduler) start(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := s.clk.Ticker(interval)
	s.wg.Add(1)
	go s.runPeriodic(ctx, name, ticker, fn)
}

// runPeriodic runs fn on every tick.
func (s *Scheduler) runPeriodic(ctx context.Context, name string, ticker *clock.Ticker, fn func(context.Context) error) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.log.Debugf("Running periodic task: %s", name)
			if err := fn(ctx); err != nil {
				s.log.Warnf("Periodic task %s failed: %v", name, err)
			}
		}
	}
}
