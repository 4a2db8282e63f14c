package pan

import (
	"go.uber.org/zap"
)

// StateMachine drives one remote device through DISCONNECTED, CONNECTING,
// CONNECTED and DISCONNECTING.
//
// It has no internal locking: the owning service must deliver every Dispatch
// call, timer expiries included, from one serialized queue.
type StateMachine struct {
	addr    string
	svc     Service
	session Session
	log     *zap.Logger

	newTimer  TimerFactory
	connTimer Timer
	discTimer Timer

	initialized bool
	state       State
	preState    State
	deferred    []Message
	// leftDisconnected is set the first time DISCONNECTED is exited; entering
	// DISCONNECTED again after that retires the machine.
	leftDisconnected bool
	removing         bool
}

// Option configures a StateMachine.
type Option func(*StateMachine)

// WithTimerFactory replaces the time.AfterFunc based timers.
func WithTimerFactory(f TimerFactory) Option {
	return func(sm *StateMachine) { sm.newTimer = f }
}

// New constructs a StateMachine for addr. Init must be called before the
// first Dispatch.
func New(addr string, svc Service, session Session, log *zap.Logger, opts ...Option) *StateMachine {
	if log == nil {
		log = zap.NewNop()
	}
	sm := &StateMachine{
		addr:     addr,
		svc:      svc,
		session:  session,
		log:      log.With(zap.String("address", addr)),
		newTimer: NewTimer,
		state:    StateDisconnected,
		preState: StateDisconnected,
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// Init builds the connection and disconnection timers and enters
// DISCONNECTED.
func (sm *StateMachine) Init() {
	sm.connTimer = sm.newTimer(func() {
		sm.svc.PostEvent(NewMessage(EventConnectionTimeout, sm.addr))
	})
	sm.discTimer = sm.newTimer(func() {
		sm.svc.PostEvent(NewMessage(EventDisconnectionTimeout, sm.addr))
	})
	sm.initialized = true
	sm.state = StateDisconnected
	sm.entry(StateDisconnected)
}

// Dispatch runs the handler for msg in the current state. Events the current
// state does not accept are dropped.
func (sm *StateMachine) Dispatch(msg Message) {
	if !sm.initialized {
		sm.log.Warn("pan: dispatch before init", zap.Stringer("event", msg.Kind))
		return
	}
	t, ok := transitions[sm.state][msg.Kind]
	if !ok {
		sm.log.Debug("pan: event ignored",
			zap.Stringer("state", sm.state),
			zap.Stringer("event", msg.Kind),
		)
		return
	}
	if t.action != nil {
		t.action(sm, msg)
	}
	sm.transitionTo(t.next)
}

// State returns the current connection state.
func (sm *StateMachine) State() State { return sm.state }

// Address returns the remote device address this machine is keyed by.
func (sm *StateMachine) Address() string { return sm.addr }

// Session returns the device's BNEP session.
func (sm *StateMachine) Session() Session { return sm.session }

// IsRemoving reports whether the machine has asked to be removed and is
// still DISCONNECTED.
func (sm *StateMachine) IsRemoving() bool { return sm.removing }

// AddDeferredMessage queues msg until the next stable state.
func (sm *StateMachine) AddDeferredMessage(msg Message) {
	sm.deferred = append(sm.deferred, msg)
}

// ProcessDeferredMessages re-posts every deferred message to the service
// queue in FIFO order. They are not dispatched in place, so they may
// interleave with events posted after this call.
func (sm *StateMachine) ProcessDeferredMessages() {
	pending := sm.deferred
	sm.deferred = nil
	for _, msg := range pending {
		sm.svc.PostEvent(msg)
	}
}

// DeferredCount returns the number of queued deferred messages.
func (sm *StateMachine) DeferredCount() int { return len(sm.deferred) }

// Stop cancels both timers. Used when the service shuts down.
func (sm *StateMachine) Stop() {
	if sm.connTimer != nil {
		sm.connTimer.Stop()
	}
	if sm.discTimer != nil {
		sm.discTimer.Stop()
	}
}

// ── transitions ───────────────────────────────────────────────────────────

func (sm *StateMachine) transitionTo(next State) {
	if next == sm.state {
		return
	}
	prev := sm.state
	sm.exit(prev)
	sm.state = next
	sm.log.Debug("pan: transition", zap.Stringer("from", prev), zap.Stringer("to", next))
	sm.entry(next)
}

func (sm *StateMachine) entry(s State) {
	switch s {
	case StateDisconnected:
		sm.ProcessDeferredMessages()
		if sm.leftDisconnected {
			sm.removing = true
			sm.svc.PostEvent(NewMessage(EventRemoveStateMachine, sm.addr))
		}
		sm.notifyStateTransition()
	case StateConnecting:
		sm.notifyStateTransition()
		sm.connTimer.Start(ConnectionTimeout)
	case StateDisconnecting:
		sm.notifyStateTransition()
		sm.discTimer.Start(DisconnectionTimeout)
	case StateConnected:
		sm.ProcessDeferredMessages()
		sm.notifyStateTransition()
	}
}

func (sm *StateMachine) exit(s State) {
	switch s {
	case StateDisconnected:
		sm.leftDisconnected = true
		sm.removing = false
	case StateConnecting:
		sm.connTimer.Stop()
	case StateDisconnecting:
		sm.discTimer.Stop()
	}
}

// notifyStateTransition reports the change from the previously notified
// state. Only real connection states are reported; preState always moves.
func (sm *StateMachine) notifyStateTransition() {
	from, to := sm.preState, sm.state
	sm.preState = to
	if from.valid() && to.valid() && from != to {
		sm.svc.NotifyStateChanged(sm.addr, to)
	}
}

// ── handlers ──────────────────────────────────────────────────────────────

// processOpenEvent acknowledges an open by posting OPEN_COMPLETE.
func (sm *StateMachine) processOpenEvent(Message) {
	sm.svc.PostEvent(NewMessage(EventOpenComplete, sm.addr))
}

// processCloseReqEvent asks BNEP to disconnect; the state change waits for
// the INTERNAL_CLOSE that follows.
func (sm *StateMachine) processCloseReqEvent(Message) {
	if sm.session == nil {
		return
	}
	if err := sm.session.Disconnect(); err != nil {
		sm.log.Warn("pan: bnep disconnect", zap.Error(err))
	}
}

func (sm *StateMachine) processCloseEvent(Message) {
	sm.svc.CloseNetwork(sm.addr)
}

func (sm *StateMachine) processOpenComplete(Message) {
	if !sm.svc.IsTetheringOn() {
		sm.log.Info("pan: tethering off, closing connection")
		sm.svc.PostEvent(NewMessage(EventAPIClose, sm.addr))
		return
	}
	if err := sm.svc.OpenNetwork(); err != nil {
		sm.log.Error("pan: open network", zap.Error(err))
	}
}

// processReceiveData forwards peer data to the network bridge.
func (sm *StateMachine) processReceiveData(msg Message) {
	if err := sm.svc.WriteNetworkData(sm.addr, msg.Header, msg.Data); err != nil {
		sm.log.Debug("pan: write network data",
			zap.Int("length", len(msg.Data)),
			zap.Error(err),
		)
	}
}

// processSendData forwards interface data to the BNEP session.
func (sm *StateMachine) processSendData(msg Message) {
	if sm.session == nil {
		return
	}
	if err := sm.session.SendData(msg.Header, msg.Data); err != nil {
		sm.log.Debug("pan: bnep send",
			zap.Int("length", len(msg.Data)),
			zap.Error(err),
		)
	}
}
