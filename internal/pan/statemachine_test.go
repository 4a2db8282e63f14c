package pan

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/meshcommons/panbridge/internal/ethernet"
)

const testAddr = "00:1A:7D:DA:71:13"

type fakeService struct {
	posted      []Message
	notified    []State
	tethering   bool
	openCalls   int
	openErr     error
	closeCalls  []string
	written     [][]byte
	writeHeader []ethernet.Header
}

func (f *fakeService) PostEvent(msg Message) { f.posted = append(f.posted, msg) }
func (f *fakeService) NotifyStateChanged(_ string, s State) { f.notified = append(f.notified, s) }
func (f *fakeService) OpenNetwork() error { f.openCalls++; return f.openErr }
func (f *fakeService) CloseNetwork(addr string) { f.closeCalls = append(f.closeCalls, addr) }
func (f *fakeService) IsTetheringOn() bool { return f.tethering }
func (f *fakeService) WriteNetworkData(_ string, h ethernet.Header, d []byte) error {
	f.writeHeader = append(f.writeHeader, h)
	f.written = append(f.written, d)
	return nil
}

// take returns and clears the posted events.
func (f *fakeService) take() []Message {
	out := f.posted
	f.posted = nil
	return out
}

func (f *fakeService) count(kind EventKind) int {
	n := 0
	for _, m := range f.posted {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

type fakeSession struct {
	sent        [][]byte
	disconnects int
}

func (s *fakeSession) Connect() error { return nil }
func (s *fakeSession) SendData(_ ethernet.Header, d []byte) error {
	s.sent = append(s.sent, d)
	return nil
}
func (s *fakeSession) Disconnect() error { s.disconnects++; return nil }
func (s *fakeSession) Lcid() uint16 { return 0x40 }
func (s *fakeSession) ProcessL2capEvent(Message) {}
func (s *fakeSession) Close() error { return nil }

type fakeTimer struct {
	fire    func()
	active  bool
	started []time.Duration
}

func (t *fakeTimer) Start(d time.Duration) { t.active = true; t.started = append(t.started, d) }
func (t *fakeTimer) Stop() { t.active = false }
func (t *fakeTimer) Active() bool { return t.active }

type harness struct {
	sm      *StateMachine
	svc     *fakeService
	session *fakeSession
	timers  []*fakeTimer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{svc: &fakeService{tethering: true}, session: &fakeSession{}}
	factory := func(fire func()) Timer {
		ft := &fakeTimer{fire: fire}
		h.timers = append(h.timers, ft)
		return ft
	}
	h.sm = New(testAddr, h.svc, h.session, zaptest.NewLogger(t), WithTimerFactory(factory))
	h.sm.Init()
	return h
}

func (h *harness) connTimer() *fakeTimer { return h.timers[0] }
func (h *harness) discTimer() *fakeTimer { return h.timers[1] }

// pump dispatches every posted event until the queue drains, the way the
// service's serialized queue would.
func (h *harness) pump() {
	var kept []Message
	for len(h.svc.posted) > 0 {
		for _, m := range h.svc.take() {
			if m.Kind == EventRemoveStateMachine {
				kept = append(kept, m)
				continue
			}
			h.sm.Dispatch(m)
		}
	}
	h.svc.posted = kept
}

func (h *harness) dispatch(kind EventKind) {
	h.sm.Dispatch(NewMessage(kind, testAddr))
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.dispatch(EventInternalOpen)
	h.pump()
	if h.sm.State() != StateConnected {
		t.Fatalf("state = %v, want connected", h.sm.State())
	}
}

func TestInitIsDisconnected(t *testing.T) {
	for _, addr := range []string{testAddr, "AA:BB:CC:DD:EE:FF", ""} {
		sm := New(addr, &fakeService{}, &fakeSession{}, nil)
		sm.Init()
		if sm.State() != StateDisconnected {
			t.Errorf("Init(%q) state = %v, want disconnected", addr, sm.State())
		}
	}
}

func TestOpenThenOpenComplete(t *testing.T) {
	h := newHarness(t)

	h.dispatch(EventInternalOpen)
	if h.sm.State() != StateConnecting {
		t.Fatalf("state = %v, want connecting", h.sm.State())
	}
	if !h.connTimer().Active() {
		t.Error("connection timer not started")
	}
	if got := h.connTimer().started; len(got) != 1 || got[0] != ConnectionTimeout {
		t.Errorf("connection timer durations = %v", got)
	}
	posted := h.svc.take()
	if len(posted) != 1 || posted[0].Kind != EventOpenComplete {
		t.Fatalf("posted = %v, want one open-complete", posted)
	}

	h.sm.Dispatch(posted[0])
	if h.sm.State() != StateConnected {
		t.Fatalf("state = %v, want connected", h.sm.State())
	}
	if h.connTimer().Active() {
		t.Error("connection timer still active")
	}
	if h.svc.openCalls != 1 {
		t.Errorf("OpenNetwork calls = %d, want 1", h.svc.openCalls)
	}
	want := []State{StateConnecting, StateConnected}
	if len(h.svc.notified) != len(want) {
		t.Fatalf("notified = %v, want %v", h.svc.notified, want)
	}
	for i := range want {
		if h.svc.notified[i] != want[i] {
			t.Errorf("notified[%d] = %v, want %v", i, h.svc.notified[i], want[i])
		}
	}
}

func TestAPICloseDeferredWhileConnecting(t *testing.T) {
	h := newHarness(t)
	h.dispatch(EventInternalOpen)
	openComplete := h.svc.take()

	h.dispatch(EventAPIClose)
	if h.sm.DeferredCount() != 1 {
		t.Fatalf("deferred = %d, want 1", h.sm.DeferredCount())
	}
	if h.session.disconnects != 0 || len(h.svc.posted) != 0 || len(h.svc.closeCalls) != 0 {
		t.Fatal("deferred api-close reached a downstream call")
	}

	// CONNECTED entry replays the deferred close by re-posting it.
	h.sm.Dispatch(openComplete[0])
	if h.sm.DeferredCount() != 0 {
		t.Errorf("deferred = %d after replay, want 0", h.sm.DeferredCount())
	}
	if h.svc.count(EventAPIClose) != 1 {
		t.Fatalf("replayed api-close not posted: %v", h.svc.posted)
	}
	h.pump()
	if h.sm.State() != StateDisconnecting {
		t.Errorf("state = %v, want disconnecting", h.sm.State())
	}
	if h.session.disconnects != 1 {
		t.Errorf("bnep disconnects = %d, want 1", h.session.disconnects)
	}
	if !h.discTimer().Active() {
		t.Error("disconnection timer not started")
	}
}

func TestDeferredReplayedOnDisconnect(t *testing.T) {
	h := newHarness(t)
	h.dispatch(EventInternalOpen)
	h.svc.take()
	h.dispatch(EventAPIClose)
	h.dispatch(EventInternalClose)

	if h.sm.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", h.sm.State())
	}
	if h.svc.count(EventAPIClose) != 1 {
		t.Errorf("deferred api-close not replayed: %v", h.svc.posted)
	}
	if len(h.svc.closeCalls) != 1 {
		t.Errorf("CloseNetwork calls = %d, want 1", len(h.svc.closeCalls))
	}
}

func TestReentryRequestsRemovalOnce(t *testing.T) {
	h := newHarness(t)
	if h.svc.count(EventRemoveStateMachine) != 0 {
		t.Fatal("initial entry requested removal")
	}
	h.connect(t)

	h.dispatch(EventInternalClose)
	if h.sm.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", h.sm.State())
	}
	if n := h.svc.count(EventRemoveStateMachine); n != 1 {
		t.Errorf("remove requests = %d, want 1", n)
	}
	if !h.sm.IsRemoving() {
		t.Error("machine not marked removing")
	}
	if last := h.svc.notified[len(h.svc.notified)-1]; last != StateDisconnected {
		t.Errorf("last notification = %v, want disconnected", last)
	}

	// Events arriving after removal was requested are ignored.
	h.dispatch(EventInternalClose)
	if n := h.svc.count(EventRemoveStateMachine); n != 1 {
		t.Errorf("remove requests = %d after stray close, want 1", n)
	}
}

func TestReopenClearsRemoval(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.dispatch(EventInternalClose)
	if !h.sm.IsRemoving() {
		t.Fatal("machine not marked removing")
	}

	h.dispatch(EventInternalOpen)
	if h.sm.State() != StateConnecting {
		t.Fatalf("state = %v, want connecting", h.sm.State())
	}
	if h.sm.IsRemoving() {
		t.Error("IsRemoving() = true after leaving disconnected")
	}

	h.pump()
	h.dispatch(EventInternalClose)
	if n := h.svc.count(EventRemoveStateMachine); n != 2 {
		t.Errorf("remove requests = %d, want 2", n)
	}
}

func TestTetheringOffClosesAfterOpen(t *testing.T) {
	h := newHarness(t)
	h.svc.tethering = false

	h.dispatch(EventInternalOpen)
	h.sm.Dispatch(h.svc.take()[0])
	if h.sm.State() != StateConnected {
		t.Fatalf("state = %v, want connected", h.sm.State())
	}
	if h.svc.openCalls != 0 {
		t.Error("network opened with tethering off")
	}
	if h.svc.count(EventAPIClose) != 1 {
		t.Fatalf("self-close not posted: %v", h.svc.posted)
	}
	h.pump()
	if h.sm.State() != StateDisconnecting {
		t.Errorf("state = %v, want disconnecting", h.sm.State())
	}
}

func TestDisconnectingTransitions(t *testing.T) {
	tests := []struct {
		name string
		kind EventKind
		want State
	}{
		{"reopen", EventInternalOpen, StateConnecting},
		{"closed", EventInternalClose, StateDisconnected},
		{"open complete", EventOpenComplete, StateConnected},
		{"timeout", EventDisconnectionTimeout, StateConnected},
		{"ignored", EventConnectionTimeout, StateDisconnecting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.connect(t)
			h.dispatch(EventAPIClose)
			if h.sm.State() != StateDisconnecting {
				t.Fatalf("state = %v, want disconnecting", h.sm.State())
			}
			h.dispatch(tt.kind)
			if h.sm.State() != tt.want {
				t.Errorf("state = %v, want %v", h.sm.State(), tt.want)
			}
			if tt.want != StateDisconnecting && h.discTimer().Active() {
				t.Error("disconnection timer survived leaving disconnecting")
			}
		})
	}
}

func TestTimerPostsTimeoutEvent(t *testing.T) {
	h := newHarness(t)
	h.dispatch(EventInternalOpen)
	h.svc.take()

	h.connTimer().fire()
	posted := h.svc.take()
	if len(posted) != 1 || posted[0].Kind != EventConnectionTimeout || posted[0].Address != testAddr {
		t.Fatalf("timer posted %v", posted)
	}
	// The timer only posts; the state is untouched until dispatch.
	if h.sm.State() != StateConnecting {
		t.Errorf("state = %v, want connecting", h.sm.State())
	}
}

func TestTimersMutuallyExclusive(t *testing.T) {
	h := newHarness(t)
	check := func() {
		t.Helper()
		if h.connTimer().Active() && h.discTimer().Active() {
			t.Fatalf("both timers active in %v", h.sm.State())
		}
	}
	h.dispatch(EventInternalOpen)
	check()
	h.pump()
	check()
	h.dispatch(EventAPIClose)
	check()
	h.dispatch(EventInternalOpen)
	check()
	if !h.connTimer().Active() || h.discTimer().Active() {
		t.Error("reopen from disconnecting must run only the connection timer")
	}
}

func TestDataForwarding(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	hdr := ethernet.Header{Protocol: ethernet.TypeIPv4}
	h.sm.Dispatch(NewDataMessage(EventInternalData, testAddr, hdr, []byte{1, 2, 3}))
	if len(h.svc.written) != 1 || len(h.svc.written[0]) != 3 {
		t.Errorf("network writes = %v", h.svc.written)
	}

	h.sm.Dispatch(NewDataMessage(EventAPIWriteData, testAddr, hdr, nil))
	if len(h.session.sent) != 1 || len(h.session.sent[0]) != 0 {
		t.Errorf("bnep sends = %v, want one empty payload", h.session.sent)
	}
	if h.sm.State() != StateConnected {
		t.Errorf("state = %v, want connected", h.sm.State())
	}
}

func TestDataIgnoredOutsideConnected(t *testing.T) {
	h := newHarness(t)
	h.dispatch(EventInternalData)
	h.dispatch(EventAPIWriteData)
	if len(h.svc.written) != 0 || len(h.session.sent) != 0 {
		t.Error("data forwarded while disconnected")
	}
}

func TestOpenNetworkFailureStillConnects(t *testing.T) {
	h := newHarness(t)
	h.svc.openErr = errors.New("no tun")
	h.connect(t)
	if h.svc.openCalls != 1 {
		t.Errorf("OpenNetwork calls = %d, want 1", h.svc.openCalls)
	}
}

func TestNotifyOnlyRealStates(t *testing.T) {
	svc := &fakeService{}
	sm := New(testAddr, svc, nil, nil)
	sm.Init()

	sm.preState = State(7)
	sm.state = StateConnected
	sm.notifyStateTransition()
	if len(svc.notified) != 0 {
		t.Errorf("notified from sentinel: %v", svc.notified)
	}
	if sm.preState != StateConnected {
		t.Errorf("preState = %v, want connected", sm.preState)
	}
	sm.notifyStateTransition()
	if len(svc.notified) != 0 {
		t.Errorf("notified without change: %v", svc.notified)
	}
}

func TestDispatchBeforeInit(t *testing.T) {
	svc := &fakeService{}
	sm := New(testAddr, svc, nil, zaptest.NewLogger(t))
	sm.Dispatch(NewMessage(EventInternalOpen, testAddr))
	if sm.State() != StateDisconnected || len(svc.posted) != 0 {
		t.Error("dispatch before Init had effects")
	}
}

func TestTransitionTable(t *testing.T) {
	accepted := map[State][]EventKind{
		StateDisconnected:  {EventInternalOpen, EventOpenComplete},
		StateConnecting:    {EventAPIClose, EventInternalOpen, EventInternalClose, EventOpenComplete},
		StateDisconnecting: {EventInternalOpen, EventInternalClose, EventOpenComplete, EventDisconnectionTimeout},
		StateConnected:     {EventAPIClose, EventInternalClose, EventAPIWriteData, EventInternalData},
	}
	for s := StateDisconnected; s <= StateConnected; s++ {
		want := make(map[EventKind]bool)
		for _, k := range accepted[s] {
			want[k] = true
		}
		for k := EventServiceStartup; k <= EventL2capEvent; k++ {
			if got := Accepts(s, k); got != want[k] {
				t.Errorf("Accepts(%v, %v) = %v, want %v", s, k, got, want[k])
			}
		}
	}
}
