package heartbeat

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	waLog "go.mau.fi/whatsmeow/util/log"
)

type countingPinger struct {
	pings atomic.Int32
	err   error
}

func (p *countingPinger) Ping() error {
	p.pings.Add(1)
	return p.err
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestMissingPongDeclaresOfflineOnce(t *testing.T) {
	p := &countingPinger{}
	m := New(p, clock.NewMock(), DefaultInterval, waLog.Noop)

	// Three pings, two pongs.
	m.tick()
	m.Pong()
	m.tick()
	m.Pong()
	m.tick()
	if isClosed(m.Offline()) {
		t.Fatal("offline before the lagging tick")
	}
	if sent, received := m.Counts(); sent != 3 || received != 2 {
		t.Fatalf("counts = %d/%d, want 3/2", sent, received)
	}

	m.tick()
	if !isClosed(m.Offline()) {
		t.Fatal("lagging tick did not declare offline")
	}
	// Further ticks neither ping nor panic on a second close.
	m.tick()
	m.tick()
	if got := p.pings.Load(); got != 3 {
		t.Errorf("pings = %d, want 3", got)
	}
}

func TestAnsweredProbesStayOnline(t *testing.T) {
	p := &countingPinger{}
	m := New(p, clock.NewMock(), DefaultInterval, waLog.Noop)
	for i := 0; i < 5; i++ {
		m.tick()
		m.Pong()
	}
	if isClosed(m.Offline()) {
		t.Fatal("answered probes declared offline")
	}
}

func TestPingErrorDeclaresOffline(t *testing.T) {
	p := &countingPinger{err: errors.New("broken pipe")}
	m := New(p, clock.NewMock(), DefaultInterval, waLog.Noop)
	m.tick()
	if !isClosed(m.Offline()) {
		t.Fatal("write failure not treated as offline")
	}
}

func TestCheckNowRespectsGrace(t *testing.T) {
	mock := clock.NewMock()
	p := &countingPinger{}
	m := New(p, mock, 15*time.Second, waLog.Noop)
	m.Start()
	defer m.Stop()

	m.CheckNow()
	if got := p.pings.Load(); got != 0 {
		t.Fatalf("probe within grace: pings = %d", got)
	}

	mock.Add(6 * time.Second)
	m.CheckNow()
	if got := p.pings.Load(); got != 1 {
		t.Fatalf("probe after grace: pings = %d, want 1", got)
	}
}

func TestStopClearsCounters(t *testing.T) {
	m := New(&countingPinger{}, clock.NewMock(), DefaultInterval, waLog.Noop)
	m.Start()
	m.tick()
	m.tick()
	m.Stop()
	if sent, received := m.Counts(); sent != 0 || received != 0 {
		t.Errorf("counts after Stop = %d/%d", sent, received)
	}
	m.Stop()
}

func TestTickerDrivesProbes(t *testing.T) {
	mock := clock.NewMock()
	p := &countingPinger{}
	m := New(p, mock, 15*time.Second, waLog.Noop)
	m.Start()
	defer m.Stop()

	for i := 0; i < 200 && p.pings.Load() == 0; i++ {
		mock.Add(15 * time.Second)
	}
	if p.pings.Load() == 0 {
		t.Fatal("ticker never fired a probe")
	}
}
