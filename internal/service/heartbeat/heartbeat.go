// Package heartbeat probes one live connection and reports it offline when
// probes go unanswered.
package heartbeat

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// DefaultInterval is the spacing between probes.
const DefaultInterval = 15 * time.Second

// Pinger sends one probe on the bound connection.
type Pinger interface {
	Ping() error
}

// Monitor counts probes sent and replies received for one connection.
// Create a new Monitor for every connection.
type Monitor struct {
	pinger   Pinger
	clock    clock.Clock
	interval time.Duration
	grace    time.Duration
	log      waLog.Logger

	mu        sync.Mutex
	sent      int
	received  int
	lastProbe time.Time
	isOffline bool

	offline  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Monitor. The early-check grace period is a third of the
// interval.
func New(pinger Pinger, clk clock.Clock, interval time.Duration, log waLog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		pinger:   pinger,
		clock:    clk,
		interval: interval,
		grace:    interval / 3,
		log:      log.Sub("Heartbeat"),
		offline:  make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start begins probing every interval.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.lastProbe = m.clock.Now()
	m.mu.Unlock()

	ticker := m.clock.Ticker(m.interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.tick()
			}
		}
	}()
}

// tick runs one probe round.
func (m *Monitor) tick() {
	m.mu.Lock()
	if m.isOffline {
		m.mu.Unlock()
		return
	}
	if m.received < m.sent {
		m.log.Warnf("Connection unresponsive: %d probes sent, %d answered", m.sent, m.received)
		m.markOfflineLocked()
		m.mu.Unlock()
		return
	}
	m.sent++
	m.lastProbe = m.clock.Now()
	m.mu.Unlock()

	if err := m.pinger.Ping(); err != nil {
		m.log.Warnf("Ping failed: %v", err)
		m.mu.Lock()
		m.markOfflineLocked()
		m.mu.Unlock()
	}
}

func (m *Monitor) markOfflineLocked() {
	if m.isOffline {
		return
	}
	m.isOffline = true
	close(m.offline)
}

// Pong records one probe reply.
func (m *Monitor) Pong() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received++
}

// CheckNow probes immediately when the grace period has passed since the
// last probe. It is used after suspend/resume.
func (m *Monitor) CheckNow() {
	m.mu.Lock()
	due := m.clock.Since(m.lastProbe) > m.grace
	m.mu.Unlock()
	if due {
		m.tick()
	}
}

// Offline is closed once when the connection is declared dead.
func (m *Monitor) Offline() <-chan struct{} {
	return m.offline
}

// Counts returns probes sent and replies received.
func (m *Monitor) Counts() (sent, received int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent, m.received
}

// Stop halts probing and clears both counters.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	m.sent = 0
	m.received = 0
	m.mu.Unlock()
}
