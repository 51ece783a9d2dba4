package channel

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vivavoce/viva/pkg/protocol"
	"github.com/vivavoce/viva/shared/backoff"
)

// scriptedSocket is the test double for the transport seam. The test drives
// it by firing the handler slots directly.
type scriptedSocket struct {
	h SocketHandlers

	mu      sync.Mutex
	sent    []string
	sendErr error
	closed  bool
}

func (s *scriptedSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, string(data))
	return nil
}

func (s *scriptedSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedSocket) setSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *scriptedSocket) sentFrames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *scriptedSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *scriptedSocket) open()               { s.h.OnOpen() }
func (s *scriptedSocket) message(data string) { s.h.OnMessage([]byte(data)) }
func (s *scriptedSocket) drop()               { s.h.OnClose(1006, "abnormal closure") }
func (s *scriptedSocket) failDial(err error)  { s.h.OnError(err) }

type scriptedDialer struct {
	mu      sync.Mutex
	sockets []*scriptedSocket
}

func (d *scriptedDialer) dial(url string, h SocketHandlers) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &scriptedSocket{h: h}
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *scriptedDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

func (d *scriptedDialer) last() *scriptedSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[len(d.sockets)-1]
}

type recorder struct {
	mu     sync.Mutex
	states []State
	errs   []error
	msgs   []*protocol.Envelope
	opens  int
}

func (r *recorder) onState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) onMessage(env *protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, env)
}

func (r *recorder) onOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opens++
}

func (r *recorder) stateList() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) errList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func midpoint() float64 { return 0.5 }

func newTestManager(t *testing.T, policy backoff.Policy, tweak func(*Options)) (*Manager, *scriptedDialer, *recorder, *clock.Mock) {
	t.Helper()

	d := &scriptedDialer{}
	r := &recorder{}
	mock := clock.NewMock()

	opts := Options{
		URL:               "ws://test/ws",
		Backoff:           policy,
		HeartbeatInterval: 10 * time.Second,
		DeadConnection:    25 * time.Second,
		MaxQueueSize:      8,
		Dial:              d.dial,
		Clock:             mock,
		Rand:              midpoint,
		OnStateChange:     r.onState,
		OnMessage:         r.onMessage,
		OnError:           r.onError,
		OnOpen:            r.onOpen,
	}
	if tweak != nil {
		tweak(&opts)
	}

	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m, d, r, mock
}

func quickPolicy() backoff.Policy {
	return backoff.Policy{Base: time.Millisecond, Max: time.Millisecond, JitterRatio: 0, MaxAttempts: 5}
}

func TestNewManagerValidatesConfig(t *testing.T) {
	if _, err := NewManager(Options{}); err == nil {
		t.Error("NewManager accepted empty URL")
	}
	if _, err := NewManager(Options{URL: "ws://x", MaxQueueSize: -1}); err == nil {
		t.Error("NewManager accepted negative queue size")
	}
	if _, err := NewManager(Options{URL: "ws://x", Backoff: backoff.Policy{Base: -1, Max: 1, MaxAttempts: 1}}); err == nil {
		t.Error("NewManager accepted invalid backoff policy")
	}
}

func TestQueuedMessageFlushedOnConnect(t *testing.T) {
	m, d, r, _ := newTestManager(t, quickPolicy(), nil)

	m.Send(protocol.TypeContext, protocol.ContextUpdate{Topic: "databases"})
	if m.QueueLen() != 1 {
		t.Fatalf("queue len = %d, want 1", m.QueueLen())
	}

	m.Start()
	if got := m.State(); got != StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}

	d.last().open()

	if got := m.State(); got != StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
	if m.QueueLen() != 0 {
		t.Errorf("queue len = %d, want 0", m.QueueLen())
	}
	sent := d.last().sentFrames()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	if !strings.Contains(sent[0], `"databases"`) {
		t.Errorf("sent frame %q does not carry the queued context", sent[0])
	}

	want := []State{StateConnecting, StateConnected}
	got := r.stateList()
	if len(got) != len(want) {
		t.Fatalf("state transitions %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state transitions %v, want %v", got, want)
		}
	}
}

func TestSurvivorsFlushedInOrderExactlyOnce(t *testing.T) {
	m, d, _, _ := newTestManager(t, quickPolicy(), func(o *Options) { o.MaxQueueSize = 2 })

	m.Send(protocol.TypeContext, protocol.ContextUpdate{Topic: "one"})
	m.Send(protocol.TypeContext, protocol.ContextUpdate{Topic: "two"})
	m.Send(protocol.TypeContext, protocol.ContextUpdate{Topic: "three"})

	if m.QueueLen() != 2 {
		t.Fatalf("queue len = %d, want 2", m.QueueLen())
	}

	m.Start()
	d.last().open()

	sent := d.last().sentFrames()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
	if !strings.Contains(sent[0], "two") || !strings.Contains(sent[1], "three") {
		t.Errorf("flush order wrong: %v", sent)
	}
}

func TestNoDuplicateStateNotifications(t *testing.T) {
	m, d, r, _ := newTestManager(t, quickPolicy(), nil)

	m.Start()
	m.Start() // idempotent
	d.last().open()
	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)
	d.last().open()

	states := r.stateList()
	for i := 1; i < len(states); i++ {
		if states[i] == states[i-1] {
			t.Fatalf("consecutive duplicate notification %s in %v", states[i], states)
		}
	}
}

func TestReconnectBackoffThenExhaustion(t *testing.T) {
	policy := backoff.Policy{Base: 300 * time.Millisecond, Max: 3 * time.Second, JitterRatio: 0, MaxAttempts: 2}
	m, d, r, mock := newTestManager(t, policy, nil)

	m.Start()
	d.last().failDial(errors.New("refused"))

	if got := m.State(); got != StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", got)
	}
	if d.count() != 1 {
		t.Fatalf("dials = %d, want 1", d.count())
	}

	// Attempt 1 delay is the base, but floored at the backoff minimum.
	mock.Add(backoff.MinDelay + 300*time.Millisecond)
	if d.count() != 2 {
		t.Fatalf("dials = %d after first delay, want 2", d.count())
	}
	d.last().failDial(errors.New("refused"))

	mock.Add(time.Second)
	if d.count() != 3 {
		t.Fatalf("dials = %d after second delay, want 3", d.count())
	}
	d.last().failDial(errors.New("refused"))

	// Third failure exceeds MaxAttempts=2: terminal error, no more dials.
	if got := m.State(); got != StateError {
		t.Fatalf("state = %s, want error", got)
	}

	terminal := 0
	for _, err := range r.errList() {
		if errors.Is(err, ErrAttemptsExhausted) {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("terminal error reported %d times, want exactly once", terminal)
	}

	mock.Add(time.Minute)
	if d.count() != 3 {
		t.Errorf("dials = %d after exhaustion, want 3 (no automatic retries)", d.count())
	}
}

func TestRetryNowBypassesBackoffWait(t *testing.T) {
	policy := backoff.Policy{Base: 10 * time.Second, Max: 10 * time.Second, JitterRatio: 0, MaxAttempts: 5}
	m, d, _, mock := newTestManager(t, policy, nil)

	m.Start()
	d.last().failDial(errors.New("refused"))
	if d.count() != 1 {
		t.Fatalf("dials = %d, want 1", d.count())
	}

	m.RetryNow()
	if d.count() != 2 {
		t.Fatalf("dials = %d after RetryNow, want 2", d.count())
	}
	if got := m.State(); got != StateConnecting {
		t.Errorf("state = %s, want connecting", got)
	}

	// The canceled timer must not fire a third dial.
	mock.Add(time.Minute)
	if d.count() != 2 {
		t.Errorf("dials = %d, want 2 (pending timer canceled)", d.count())
	}
}

func TestDeadConnectionForceClosesAndSchedulesOneReconnect(t *testing.T) {
	m, d, _, mock := newTestManager(t, quickPolicy(), nil)

	m.Start()
	first := d.last()
	first.open()

	// Two healthy ticks with inbound traffic in between.
	mock.Add(10 * time.Second)
	first.message(`{"type":"ready"}`)
	mock.Add(10 * time.Second)

	if first.isClosed() {
		t.Fatal("socket closed while traffic was flowing")
	}

	// 25s of silence crosses the dead-connection threshold on the next tick.
	mock.Add(10 * time.Second)
	mock.Add(10 * time.Second)

	if !first.isClosed() {
		t.Fatal("dead connection was not force-closed")
	}
	if got := m.State(); got != StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", got)
	}

	// Exactly one reconnect attempt fires.
	mock.Add(backoff.MinDelay)
	if d.count() != 2 {
		t.Errorf("dials = %d, want 2", d.count())
	}
	mock.Add(time.Second)
	if d.count() != 2 {
		t.Errorf("dials = %d, want 2 (only one reconnect scheduled)", d.count())
	}
}

func TestHeartbeatFrameSentWhileHealthy(t *testing.T) {
	m, d, _, mock := newTestManager(t, quickPolicy(), func(o *Options) {
		o.Heartbeat = func() []byte { return []byte(`{"type":"context"}`) }
	})

	m.Start()
	sock := d.last()
	sock.open()

	mock.Add(10 * time.Second)
	sock.message(`{"type":"ready"}`)
	mock.Add(10 * time.Second)

	heartbeats := 0
	for _, f := range sock.sentFrames() {
		if f == `{"type":"context"}` {
			heartbeats++
		}
	}
	if heartbeats != 2 {
		t.Errorf("heartbeat frames = %d, want 2", heartbeats)
	}
}

func TestSendFailureRequeuesAndReconnects(t *testing.T) {
	m, d, _, mock := newTestManager(t, quickPolicy(), nil)

	m.Start()
	first := d.last()
	first.open()

	first.setSendErr(errors.New("broken pipe"))
	m.Send(protocol.TypeContext, protocol.ContextUpdate{Topic: "lost?"})

	if got := m.State(); got != StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", got)
	}
	if m.QueueLen() != 1 {
		t.Fatalf("queue len = %d, want 1 (failed frame requeued)", m.QueueLen())
	}

	mock.Add(backoff.MinDelay)
	second := d.last()
	if second == first {
		t.Fatal("no reconnect dial happened")
	}
	second.open()

	sent := second.sentFrames()
	if len(sent) != 1 || !strings.Contains(sent[0], "lost?") {
		t.Errorf("requeued frame not delivered after reconnect: %v", sent)
	}
	if m.QueueLen() != 0 {
		t.Errorf("queue len = %d, want 0", m.QueueLen())
	}
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	m, d, _, mock := newTestManager(t, quickPolicy(), nil)

	m.Start()
	d.last().failDial(errors.New("refused"))
	if got := m.State(); got != StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", got)
	}

	m.Stop()
	if got := m.State(); got != StateError {
		t.Errorf("state after Stop = %s, want error", got)
	}

	mock.Add(time.Minute)
	if d.count() != 1 {
		t.Errorf("dials = %d after Stop, want 1", d.count())
	}
}

func TestOfflineSkipsDialing(t *testing.T) {
	m, d, _, _ := newTestManager(t, quickPolicy(), nil)

	m.SetOnline(false)
	m.Start()

	if got := m.State(); got != StateOffline {
		t.Fatalf("state = %s, want offline", got)
	}
	if d.count() != 0 {
		t.Errorf("dials = %d while offline, want 0", d.count())
	}

	m.SetOnline(true)
	if d.count() != 1 {
		t.Errorf("dials = %d after going online, want 1", d.count())
	}
}

func TestInboundDelivery(t *testing.T) {
	m, d, r, _ := newTestManager(t, quickPolicy(), nil)

	m.Start()
	sock := d.last()
	sock.open()

	sock.message(`{"type":"text_out","text":"Tell me about indexes."}`)
	sock.message(`not json at all`)
	sock.message(`{"type":"error","message":"bad frame"}`)

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.msgs) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(r.msgs))
	}
	if r.msgs[0].Type != protocol.TypeTextOut {
		t.Errorf("message type = %s, want text_out", r.msgs[0].Type)
	}

	// Malformed payload and server error both go to the error observer,
	// neither kills the channel.
	if len(r.errs) != 2 {
		t.Fatalf("reported %d errors, want 2", len(r.errs))
	}
	if m.State() != StateConnected {
		t.Errorf("state = %s, want connected", m.State())
	}
}

func TestDroppedLinkReconnects(t *testing.T) {
	m, d, _, mock := newTestManager(t, quickPolicy(), nil)

	m.Start()
	d.last().open()
	d.last().drop()

	if got := m.State(); got != StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", got)
	}

	mock.Add(backoff.MinDelay)
	if d.count() != 2 {
		t.Fatalf("dials = %d, want 2", d.count())
	}
	d.last().open()
	if got := m.State(); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}
