// Package channel owns one logical, reconnectable link to the voice model
// server: lifecycle state machine, backoff scheduling, heartbeat liveness
// checking and outbound queuing. Network failures never surface as errors
// from the public API; they become state transitions and observer callbacks.
package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vivavoce/viva/pkg/protocol"
	"github.com/vivavoce/viva/shared/backoff"
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateOffline      State = "offline"
	StateError        State = "error"
)

// ErrAttemptsExhausted is reported once through OnError when reconnection
// attempts exceed the backoff policy's MaxAttempts. The manager then stays in
// StateError until Start or RetryNow is called.
var ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

type Options struct {
	URL string

	Backoff           backoff.Policy
	HeartbeatInterval time.Duration
	DeadConnection    time.Duration
	MaxQueueSize      int

	// Seams, all optional: Dial defaults to a gorilla/websocket dialer,
	// Clock to the wall clock, Rand to math/rand, Serialize/Parse to the
	// protocol JSON codec.
	Dial      Dialer
	Clock     clock.Clock
	Rand      func() float64
	Serialize func(protocol.MessageType, any) ([]byte, error)
	Parse     func([]byte) (*protocol.Envelope, error)

	// Heartbeat, when set, produces the frame sent each healthy heartbeat
	// tick to keep the remote session alive. Returning nil skips the tick.
	Heartbeat func() []byte

	OnStateChange func(State)
	OnMessage     func(*protocol.Envelope)
	OnError       func(error)
	OnOpen        func()
}

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultDeadConnection    = 45 * time.Second
	DefaultMaxQueueSize      = 32
)

// Manager owns one channel. All mutable state is confined behind mu;
// observer callbacks fire after the lock is released, so they may call back
// into the manager. One Manager per logical channel, independently
// constructible; there is no process-wide instance.
type Manager struct {
	opts Options
	clk  clock.Clock

	mu          sync.Mutex
	state       State
	online      bool
	stopped     bool
	sock        Socket
	gen         uint64
	attempts    int
	queue       *sendQueue
	lastInbound time.Time

	reconnectTimer *clock.Timer
	heartbeatTimer *clock.Timer
}

// events collects observer callbacks produced under the manager lock, to be
// fired after it is released.
type events struct {
	fns []func()
}

func (e *events) add(fn func()) {
	e.fns = append(e.fns, fn)
}

func (e *events) fire() {
	for _, fn := range e.fns {
		fn()
	}
}

func NewManager(opts Options) (*Manager, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("channel: URL is required")
	}
	if opts.Backoff == (backoff.Policy{}) {
		opts.Backoff = backoff.Default
	}
	if err := opts.Backoff.Validate(); err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.DeadConnection == 0 {
		opts.DeadConnection = DefaultDeadConnection
	}
	if opts.HeartbeatInterval < 0 || opts.DeadConnection < 0 {
		return nil, fmt.Errorf("channel: negative heartbeat or dead-connection interval")
	}
	if opts.MaxQueueSize == 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.MaxQueueSize < 1 {
		return nil, fmt.Errorf("channel: max queue size must be at least 1, got %d", opts.MaxQueueSize)
	}
	if opts.Dial == nil {
		opts.Dial = NewWebSocketDialer(nil)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Serialize == nil {
		opts.Serialize = protocol.Encode
	}
	if opts.Parse == nil {
		opts.Parse = protocol.Decode
	}

	return &Manager{
		opts:   opts,
		clk:    opts.Clock,
		state:  StateOffline,
		online: true,
		queue:  newSendQueue(opts.MaxQueueSize),
	}, nil
}

// Start opens the channel. Idempotent: a manager that is already connected
// stays connected and emits nothing. While the online flag is false the
// manager goes straight to offline without dialing.
func (m *Manager) Start() {
	var ev events
	m.mu.Lock()
	m.stopped = false
	switch {
	case !m.online:
		m.setState(StateOffline, &ev)
	case m.state == StateConnected, m.state == StateConnecting:
		// Already up or dialing.
	default:
		m.cancelReconnectLocked()
		m.setState(StateConnecting, &ev)
		m.openLocked(&ev)
	}
	m.mu.Unlock()
	ev.fire()
}

// Stop closes the channel intentionally: pending reconnect and heartbeat
// timers are canceled and no automatic reconnection happens until Start.
func (m *Manager) Stop() {
	var ev events
	m.mu.Lock()
	m.stopped = true
	m.cancelReconnectLocked()
	m.closeSocketLocked()
	if m.online {
		m.setState(StateError, &ev)
	} else {
		m.setState(StateOffline, &ev)
	}
	m.mu.Unlock()
	ev.fire()
}

// RetryNow cancels any pending backoff wait and dials immediately. While the
// online flag is false it only transitions to offline.
func (m *Manager) RetryNow() {
	var ev events
	m.mu.Lock()
	if !m.online {
		m.setState(StateOffline, &ev)
		m.mu.Unlock()
		ev.fire()
		return
	}
	m.stopped = false
	m.cancelReconnectLocked()
	if m.state != StateConnected {
		m.setState(StateConnecting, &ev)
		m.openLocked(&ev)
	}
	m.mu.Unlock()
	ev.fire()
}

// SetOnline feeds the process-wide network-availability signal in. Going
// offline force-closes and parks the manager; coming back online from
// offline/error dials immediately.
func (m *Manager) SetOnline(online bool) {
	var ev events
	m.mu.Lock()
	m.online = online
	if !online {
		m.cancelReconnectLocked()
		m.closeSocketLocked()
		m.setState(StateOffline, &ev)
		m.mu.Unlock()
		ev.fire()
		return
	}
	wasParked := m.state == StateOffline || m.state == StateError
	m.mu.Unlock()
	ev.fire()

	if wasParked {
		m.RetryNow()
	}
}

// Send serializes and transmits the message, or queues it when the socket is
// not open. A synchronous send failure re-queues the frame and schedules a
// reconnect; Send itself never reports transport failures.
func (m *Manager) Send(msgType protocol.MessageType, body any) {
	frame, err := m.opts.Serialize(msgType, body)
	if err != nil {
		m.reportError(fmt.Errorf("serialize %s: %w", msgType, err))
		return
	}

	var ev events
	m.mu.Lock()
	if m.state == StateConnected && m.sock != nil {
		if err := m.sock.Send(frame); err != nil {
			slog.Warn("channel: send failed, queueing for retry", "type", msgType, "error", err)
			m.enqueueLocked(frame)
			m.failLocked(&ev)
		} else {
			framesSent.Inc()
		}
	} else {
		m.enqueueLocked(frame)
	}
	m.mu.Unlock()
	ev.fire()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// --- internals, all *Locked methods require m.mu held ---

func (m *Manager) setState(s State, ev *events) {
	if m.state == s {
		return
	}
	m.state = s
	slog.Debug("channel: state change", "state", s)
	if cb := m.opts.OnStateChange; cb != nil {
		ev.add(func() { cb(s) })
	}
}

func (m *Manager) openLocked(ev *events) {
	m.gen++
	gen := m.gen

	sock, err := m.opts.Dial(m.opts.URL, SocketHandlers{
		OnOpen:    func() { m.handleOpen(gen) },
		OnMessage: func(data []byte) { m.handleInbound(gen, data) },
		OnError:   func(err error) { m.handleLinkDown(gen, err) },
		OnClose:   func(code int, reason string) { m.handleLinkDown(gen, fmt.Errorf("closed: %d %s", code, reason)) },
	})
	if err != nil {
		slog.Warn("channel: dial failed", "error", err)
		m.failLocked(ev)
		return
	}
	m.sock = sock
}

func (m *Manager) handleOpen(gen uint64) {
	var ev events
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.lastInbound = m.clk.Now()
	m.setState(StateConnected, &ev)
	m.scheduleHeartbeatLocked()
	if cb := m.opts.OnOpen; cb != nil {
		ev.add(cb)
	}
	// Queued frames hit the wire here, under the lock, so on a reconnect
	// they precede anything the OnOpen observer sends (such as a fresh
	// hello). The server accepts frames in either order.
	m.flushLocked(&ev)
	m.mu.Unlock()
	ev.fire()
}

func (m *Manager) handleInbound(gen uint64, data []byte) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.lastInbound = m.clk.Now()
	m.mu.Unlock()

	framesReceived.Inc()

	env, err := m.opts.Parse(data)
	if err != nil {
		// Malformed frames are reported but never kill the channel.
		m.reportError(err)
		return
	}

	if env.Type == protocol.TypeError {
		if body, err := protocol.DecodeBody[protocol.ErrorMessage](env); err == nil {
			m.reportError(fmt.Errorf("server error: %s", body.Message))
		} else {
			m.reportError(fmt.Errorf("server error"))
		}
		return
	}

	if cb := m.opts.OnMessage; cb != nil {
		cb(env)
	}
}

func (m *Manager) handleLinkDown(gen uint64, cause error) {
	var ev events
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	slog.Warn("channel: link down", "cause", cause)
	m.failLocked(&ev)
	m.mu.Unlock()
	ev.fire()
}

// failLocked handles any transport failure: it closes the socket and either
// schedules exactly one reconnect attempt or, past MaxAttempts, parks the
// manager in StateError.
func (m *Manager) failLocked(ev *events) {
	m.closeSocketLocked()

	if m.stopped {
		return
	}
	if !m.online {
		m.setState(StateOffline, ev)
		return
	}

	m.attempts++
	if m.attempts > m.opts.Backoff.MaxAttempts {
		slog.Error("channel: reconnect attempts exhausted", "attempts", m.attempts-1)
		m.setState(StateError, ev)
		if cb := m.opts.OnError; cb != nil {
			ev.add(func() { cb(ErrAttemptsExhausted) })
		}
		return
	}

	m.setState(StateReconnecting, ev)
	reconnects.Inc()

	delay := m.opts.Backoff.Delay(m.attempts, m.opts.Rand)
	slog.Info("channel: reconnect scheduled", "attempt", m.attempts, "delay", delay)
	m.reconnectTimer = m.clk.AfterFunc(delay, m.reopen)
}

func (m *Manager) reopen() {
	var ev events
	m.mu.Lock()
	m.reconnectTimer = nil
	if m.stopped || !m.online || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.openLocked(&ev)
	m.mu.Unlock()
	ev.fire()
}

func (m *Manager) enqueueLocked(frame []byte) {
	if dropped := m.queue.push(frame); dropped > 0 {
		queueDropped.Add(float64(dropped))
		slog.Debug("channel: queue full, dropped oldest", "dropped", dropped)
	}
	queueDepth.Set(float64(m.queue.len()))
}

// flushLocked drains the queue through the live socket in FIFO order. A
// mid-flush failure re-queues the failed frame at the back and stops; the
// reconnect scheduled by failLocked will flush the rest.
func (m *Manager) flushLocked(ev *events) {
	for m.sock != nil {
		frame, ok := m.queue.pop()
		if !ok {
			break
		}
		if err := m.sock.Send(frame); err != nil {
			slog.Warn("channel: flush send failed", "error", err)
			m.enqueueLocked(frame)
			m.failLocked(ev)
			break
		}
		framesSent.Inc()
	}
	queueDepth.Set(float64(m.queue.len()))
}

func (m *Manager) scheduleHeartbeatLocked() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
	}
	m.heartbeatTimer = m.clk.AfterFunc(m.opts.HeartbeatInterval, m.heartbeatTick)
}

func (m *Manager) heartbeatTick() {
	var ev events
	m.mu.Lock()
	if m.stopped || m.state != StateConnected || m.sock == nil {
		m.mu.Unlock()
		return
	}

	if m.clk.Since(m.lastInbound) > m.opts.DeadConnection {
		slog.Warn("channel: no inbound traffic, treating connection as dead",
			"quiet", m.clk.Since(m.lastInbound), "threshold", m.opts.DeadConnection)
		m.failLocked(&ev)
		m.mu.Unlock()
		ev.fire()
		return
	}

	if m.opts.Heartbeat != nil {
		if frame := m.opts.Heartbeat(); frame != nil {
			if err := m.sock.Send(frame); err != nil {
				slog.Warn("channel: heartbeat send failed", "error", err)
				m.failLocked(&ev)
				m.mu.Unlock()
				ev.fire()
				return
			}
			framesSent.Inc()
		}
	}

	m.heartbeatTimer = m.clk.AfterFunc(m.opts.HeartbeatInterval, m.heartbeatTick)
	m.mu.Unlock()
	ev.fire()
}

func (m *Manager) closeSocketLocked() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	if m.sock != nil {
		s := m.sock
		m.sock = nil
		m.gen++
		_ = s.Close(1000, "")
	}
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) reportError(err error) {
	if cb := m.opts.OnError; cb != nil {
		cb(err)
		return
	}
	slog.Error("channel: error", "error", err)
}
