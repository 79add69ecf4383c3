// Package transport owns the single blaze websocket connection: its state
// machine, reconnects, and request/response correlation.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	waLog "go.mau.fi/whatsmeow/util/log"

	"blaze-sync/internal/auth"
	"blaze-sync/internal/blaze"
	"blaze-sync/internal/infra/config"
	"blaze-sync/internal/service/heartbeat"
	"blaze-sync/internal/utils/retry"
)

// Websocket subprotocols identifying the client kind.
const (
	ProtocolApp          = "Mixin-Blaze-1"
	ProtocolAppExtension = "Mixin-Notification-Extension-1"
)

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// EventKind identifies a connection lifecycle event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	// EventClockSkew is fatal: the local clock is too far from the server's.
	EventClockSkew
	// EventUnauthorized means the session is gone and must log out.
	EventUnauthorized
	// EventHostChanged reports a rotation to HostIndex.
	EventHostChanged
)

// Event is emitted on the Events channel.
type Event struct {
	Kind      EventKind
	HostIndex int
	Err       error
}

// Reachability reports whether the network is usable.
type Reachability interface {
	Reachable() bool
}

type alwaysReachable struct{}

func (alwaysReachable) Reachable() bool { return true }

// Config configures a Manager.
type Config struct {
	Hosts             []string
	AppExtension      bool
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	ClockSkew         time.Duration
	SlowHandshake     time.Duration
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	MaxPayload        int
	InboundQueue      int
}

// ConfigFrom maps the application configuration.
func ConfigFrom(cfg *config.Config) Config {
	t := cfg.Transport
	return Config{
		Hosts:             t.Hosts,
		AppExtension:      cfg.Account.AppExtension,
		RequestTimeout:    t.RequestTimeout(),
		HeartbeatInterval: t.HeartbeatInterval(),
		ClockSkew:         t.ClockSkew(),
		SlowHandshake:     t.SlowHandshake(),
		ReconnectInitial:  t.ReconnectInitial(),
		ReconnectMax:      t.ReconnectMax(),
		MaxPayload:        t.MaxPayloadBytes(),
		InboundQueue:      cfg.Dispatch.InboundQueueSize,
	}
}

// Manager is the connection manager. State transitions run on one control
// goroutine started by Run; RespondedMessage must never be called from it.
type Manager struct {
	cfg    Config
	signer *auth.Signer
	clock  clock.Clock
	reach  Reachability
	dialer *websocket.Dialer
	log    waLog.Logger

	state atomic.Int32
	ctrl  chan func()

	// Owned by the control goroutine.
	attempt        uint64
	hostIndex      int
	networkChanged bool
	backoff        *retry.Backoff
	reconnectTimer *clock.Timer

	mu      sync.Mutex
	conn    *websocket.Conn
	connSeq uint64
	monitor *heartbeat.Monitor
	pending map[string]chan *blaze.Envelope

	writeMu sync.Mutex

	events  chan Event
	inbound chan *blaze.Envelope
	done    chan struct{}
}

// NewManager creates a Manager. A nil reach treats the network as always
// reachable.
func NewManager(cfg Config, signer *auth.Signer, clk clock.Clock, reach Reachability, log waLog.Logger) *Manager {
	if reach == nil {
		reach = alwaysReachable{}
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = 256
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	protocol := ProtocolApp
	if cfg.AppExtension {
		protocol = ProtocolAppExtension
	}
	return &Manager{
		cfg:    cfg,
		signer: signer,
		clock:  clk,
		reach:  reach,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.RequestTimeout,
			Subprotocols:     []string{protocol},
		},
		log: log.Sub("Transport"),
		backoff: retry.NewBackoff(retry.Config{
			InitialWait: cfg.ReconnectInitial,
			MaxWait:     cfg.ReconnectMax,
			Multiplier:  2.0,
		}),
		ctrl:    make(chan func(), 64),
		pending: make(map[string]chan *blaze.Envelope),
		events:  make(chan Event, 64),
		inbound: make(chan *blaze.Envelope, cfg.InboundQueue),
		done:    make(chan struct{}),
	}
}

// Events delivers lifecycle events.
func (m *Manager) Events() <-chan Event { return m.events }

// Inbound delivers receive-worthy envelopes in socket order.
func (m *Manager) Inbound() <-chan *blaze.Envelope { return m.inbound }

// State returns the current state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Connected reports whether the state is connected and a socket is open.
func (m *Manager) Connected() bool {
	if m.State() != StateConnected {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Run executes state transitions until ctx ends, then closes the socket.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.stopReconnect()
			m.attempt++
			m.teardown(ctx.Err(), false)
			return nil
		case fn := <-m.ctrl:
			fn()
		}
	}
}

func (m *Manager) post(fn func()) {
	select {
	case m.ctrl <- fn:
	case <-m.done:
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warnf("Event queue full, dropping event %d", ev.Kind)
	}
}

// Connect starts a connection attempt now, skipping any pending reconnect
// delay and the reachability check.
func (m *Manager) Connect() {
	m.post(func() {
		m.backoff.Reset()
		m.dial(true)
	})
}

// ConnectIfNeeded starts a connection attempt when disconnected and the
// network is reachable.
func (m *Manager) ConnectIfNeeded() {
	m.post(m.connect)
}

// CheckHeartbeat probes the live connection early, if any.
func (m *Manager) CheckHeartbeat() {
	m.mu.Lock()
	monitor := m.monitor
	m.mu.Unlock()
	if monitor != nil {
		monitor.CheckNow()
	}
}

// DisconnectIfNeeded closes the connection without scheduling a reconnect.
func (m *Manager) DisconnectIfNeeded() {
	m.post(func() {
		m.stopReconnect()
		if m.State() == StateDisconnected {
			return
		}
		m.attempt++ // orphan an in-flight dial
		m.teardown(nil, false)
	})
}

// NetworkChanged flags a network class change; the next close rotates to
// the alternate host.
func (m *Manager) NetworkChanged() {
	m.post(func() { m.networkChanged = true })
}

func (m *Manager) connect() { m.dial(false) }

func (m *Manager) dial(force bool) {
	if m.State() != StateDisconnected {
		return
	}
	if !force && !m.reach.Reachable() {
		m.log.Debugf("Network unreachable, not connecting")
		return
	}
	m.stopReconnect()

	token, signedAt, err := m.signer.SignToken(http.MethodGet, "/", nil)
	if err != nil {
		m.log.Errorf("Failed to sign handshake: %v", err)
		return
	}

	m.attempt++
	attempt := m.attempt
	url := hostURL(m.cfg.Hosts[m.hostIndex%len(m.cfg.Hosts)])
	m.state.Store(int32(StateConnecting))
	m.log.Infof("Connecting to %s", url)

	go func() {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		started := m.clock.Now()
		conn, resp, err := m.dialer.Dial(url, header)
		handshake := m.clock.Since(started)
		m.post(func() { m.handleDial(attempt, conn, resp, err, signedAt, handshake) })
	}()
}

func (m *Manager) handleDial(attempt uint64, conn *websocket.Conn, resp *http.Response, err error, signedAt time.Time, handshake time.Duration) {
	if attempt != m.attempt || m.State() != StateConnecting {
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		m.state.Store(int32(StateDisconnected))
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			m.log.Errorf("Handshake rejected: unauthorized")
			m.emit(Event{Kind: EventUnauthorized, Err: &blaze.Error{Status: 401, Code: blaze.CodeUnauthorized}})
			return
		}
		m.log.Warnf("Connect failed: %v", err)
		m.scheduleReconnect()
		return
	}

	if serverTime, ok := parseServerTime(resp); ok {
		switch checkHandshake(signedAt, serverTime, handshake, m.cfg.ClockSkew, m.cfg.SlowHandshake) {
		case verdictStale:
			m.log.Warnf("Handshake took %v, reconnecting", handshake)
			conn.Close()
			m.state.Store(int32(StateDisconnected))
			m.connect()
			return
		case verdictSkewed:
			m.log.Errorf("Clock skew detected: server %v, local %v", serverTime, signedAt)
			conn.Close()
			m.state.Store(int32(StateDisconnected))
			m.emit(Event{Kind: EventClockSkew, Err: fmt.Errorf("clock skew %v", serverTime.Sub(signedAt))})
			return
		}
	}

	monitor := heartbeat.New(&connPinger{m: m, conn: conn}, m.clock, m.cfg.HeartbeatInterval, m.log)
	conn.SetPongHandler(func(string) error {
		monitor.Pong()
		return nil
	})

	m.mu.Lock()
	m.connSeq++
	seq := m.connSeq
	m.conn = conn
	m.monitor = monitor
	m.mu.Unlock()

	m.state.Store(int32(StateConnected))
	m.backoff.Reset()
	monitor.Start()

	go m.readLoop(seq, conn)
	go m.watchHeartbeat(seq, monitor)

	m.log.Infof("Connected")
	m.emit(Event{Kind: EventConnected})
}

// teardown closes the socket, fails every waiter with a synthetic timeout,
// and moves to disconnected. Events and host rotation run only when a
// connection was open.
func (m *Manager) teardown(cause error, reconnect bool) {
	m.mu.Lock()
	conn := m.conn
	monitor := m.monitor
	pending := m.pending
	m.conn = nil
	m.monitor = nil
	m.connSeq++
	m.pending = make(map[string]chan *blaze.Envelope)
	m.mu.Unlock()

	was := m.State()
	m.state.Store(int32(StateDisconnected))

	if monitor != nil {
		monitor.Stop()
	}
	if conn != nil {
		conn.Close()
	}
	for id, ch := range pending {
		ch <- &blaze.Envelope{ID: id, Error: timeoutError()}
	}
	if len(pending) > 0 {
		m.log.Debugf("Failed %d pending requests on disconnect", len(pending))
	}

	if conn == nil && was != StateConnected {
		return
	}
	if cause != nil {
		m.log.Warnf("Disconnected: %v", cause)
	} else {
		m.log.Infof("Disconnected")
	}
	m.emit(Event{Kind: EventDisconnected, Err: cause})

	if m.networkChanged {
		m.networkChanged = false
		m.rotateHost()
	}
	if reconnect {
		m.scheduleReconnect()
	}
}

func (m *Manager) rotateHost() {
	if len(m.cfg.Hosts) < 2 {
		return
	}
	m.hostIndex = (m.hostIndex + 1) % len(m.cfg.Hosts)
	m.log.Infof("Rotated to host %s", m.cfg.Hosts[m.hostIndex])
	m.emit(Event{Kind: EventHostChanged, HostIndex: m.hostIndex})
}

func (m *Manager) scheduleReconnect() {
	m.stopReconnect()
	delay := m.backoff.Next()
	m.log.Debugf("Reconnecting in %v", delay)
	m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.post(m.connect) })
}

func (m *Manager) stopReconnect() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// closed reports a socket failure of connection seq to the control loop.
func (m *Manager) closed(seq uint64, err error) {
	m.post(func() {
		m.mu.Lock()
		current := seq == m.connSeq && m.conn != nil
		m.mu.Unlock()
		if current {
			m.teardown(err, true)
		}
	})
}

func (m *Manager) watchHeartbeat(seq uint64, monitor *heartbeat.Monitor) {
	select {
	case <-monitor.Offline():
		m.closed(seq, fmt.Errorf("heartbeat timeout"))
	case <-m.done:
	}
}

func (m *Manager) readLoop(seq uint64, conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			m.closed(seq, err)
			return
		}
		env, err := blaze.Decode(frame)
		if err != nil {
			m.log.Warnf("Dropping undecodable frame: %v", err)
			continue
		}
		if !m.handleEnvelope(env) {
			return
		}
	}
}

// handleEnvelope resolves a waiter and forwards pushes. It returns false
// when the manager is shutting down.
func (m *Manager) handleEnvelope(env *blaze.Envelope) bool {
	m.mu.Lock()
	ch, ok := m.pending[env.ID]
	if ok {
		delete(m.pending, env.ID)
	}
	m.mu.Unlock()
	if ok {
		ch <- env
	}

	if env.Error != nil {
		if env.Action == blaze.ActionError && env.Error.Code == blaze.CodeUnauthorized {
			m.log.Errorf("Server pushed unauthorized error, logging out")
			m.emit(Event{Kind: EventUnauthorized, Err: env.Error})
		}
		return true
	}

	if env.IsReceiveMessage() {
		select {
		case m.inbound <- env:
		case <-m.done:
			return false
		}
	}
	return true
}

// RespondedMessage sends env and waits for its correlated reply. A reply
// carrying an error is returned together with that error.
func (m *Manager) RespondedMessage(ctx context.Context, env *blaze.Envelope) (*blaze.Envelope, error) {
	frame, err := blaze.Encode(env, m.cfg.MaxPayload)
	if err != nil {
		m.log.Errorf("Rejected %s %s locally: %v", env.Action, env.ID, err)
		return nil, err
	}

	ch := make(chan *blaze.Envelope, 1)
	m.mu.Lock()
	conn := m.conn
	seq := m.connSeq
	if conn == nil || m.State() != StateConnected {
		m.mu.Unlock()
		return nil, blaze.ErrNotConnected
	}
	m.pending[env.ID] = ch
	m.mu.Unlock()

	if err := m.write(conn, websocket.BinaryMessage, frame); err != nil {
		m.unregister(env.ID)
		m.closed(seq, err)
		return nil, fmt.Errorf("write %s: %w", env.Action, err)
	}

	timer := m.clock.Timer(m.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Error != nil {
			return reply, reply.Error
		}
		return reply, nil
	case <-timer.C:
		m.unregister(env.ID)
		return nil, timeoutError()
	case <-ctx.Done():
		m.unregister(env.ID)
		return nil, ctx.Err()
	}
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *Manager) write(conn *websocket.Conn, messageType int, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.cfg.RequestTimeout))
	return conn.WriteMessage(messageType, data)
}

type connPinger struct {
	m    *Manager
	conn *websocket.Conn
}

func (p *connPinger) Ping() error {
	p.m.writeMu.Lock()
	defer p.m.writeMu.Unlock()
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.m.cfg.RequestTimeout))
}

func timeoutError() *blaze.Error {
	e := *blaze.ErrTimeout
	return &e
}

func hostURL(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	return "wss://" + host
}

// parseServerTime reads X-Server-Time, unix nanoseconds.
func parseServerTime(resp *http.Response) (time.Time, bool) {
	if resp == nil {
		return time.Time{}, false
	}
	v := resp.Header.Get("X-Server-Time")
	if v == "" {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

type verdict int

const (
	verdictOK verdict = iota
	verdictSkewed
	verdictStale
)

// checkHandshake compares the server clock against the signing time. A
// skew over the limit is the local clock's fault unless the handshake itself
// was slow enough to explain it.
func checkHandshake(signedAt, serverTime time.Time, handshake, maxSkew, slow time.Duration) verdict {
	skew := serverTime.Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew <= maxSkew {
		return verdictOK
	}
	if handshake > slow {
		return verdictStale
	}
	return verdictSkewed
}
