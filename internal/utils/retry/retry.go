package retry

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
	}
}

// DoWithConfig executes fn with retry logic using provided config.
func DoWithConfig[T any](ctx context.Context, clk clock.Clock, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	var err error

	backoff := NewBackoff(cfg)
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}

		// Don't wait after the last attempt
		if attempt == cfg.MaxAttempts {
			break
		}

		if serr := Sleep(ctx, clk, backoff.Next()); serr != nil {
			return result, serr
		}
	}

	return result, err
}

// Sleep waits for d on clk or returns early with ctx's error.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}

// Backoff is an exponential delay sequence. It is not safe for concurrent
// use; each retry loop owns one.
type Backoff struct {
	cfg     Config
	attempt int
	next    time.Duration
}

// NewBackoff returns a Backoff starting at cfg.InitialWait.
func NewBackoff(cfg Config) *Backoff {
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = DefaultConfig().InitialWait
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Backoff{cfg: cfg, next: cfg.InitialWait}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.attempt++
	grown := time.Duration(float64(b.next) * b.cfg.Multiplier)
	if b.cfg.MaxWait > 0 && grown > b.cfg.MaxWait {
		grown = b.cfg.MaxWait
	}
	b.next = grown
	return d
}

// Attempt is the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset restarts the sequence at the initial delay.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.next = b.cfg.InitialWait
}

// Gate blocks a worker until a readiness condition holds, re-checking after
// growing waits. The first check happens immediately.
type Gate struct {
	clock clock.Clock
	ready func() bool
	cfg   Config
}

// NewGate builds a Gate polling ready with waits from step up to max.
func NewGate(clk clock.Clock, ready func() bool, step, max time.Duration) *Gate {
	return &Gate{
		clock: clk,
		ready: ready,
		cfg: Config{
			InitialWait: step,
			MaxWait:     max,
			Multiplier:  2.0,
		},
	}
}

// Wait returns nil once ready reports true, or ctx's error when the
// context ends first.
func (g *Gate) Wait(ctx context.Context) error {
	backoff := NewBackoff(g.cfg)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if g.ready() {
			return nil
		}
		if err := Sleep(ctx, g.clock, backoff.Next()); err != nil {
			return err
		}
	}
}
