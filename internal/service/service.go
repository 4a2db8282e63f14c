// Package service is the PAN profile service. It owns one connection state
// machine per remote device, delivers every event to them from a single
// serialized queue, applies the tethering policy and shares one network
// bridge between all connected devices.
package service

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/panbridge/internal/bnep"
	"github.com/meshcommons/panbridge/internal/ethernet"
	"github.com/meshcommons/panbridge/internal/events"
	"github.com/meshcommons/panbridge/internal/pan"
	"github.com/meshcommons/panbridge/internal/state"
)

var (
	ErrUnknownDevice      = errors.New("service: unknown device")
	ErrTooManyConnections = errors.New("service: connection limit reached")
	ErrInvalidAddress     = errors.New("service: invalid device address")
	ErrNoBridge           = errors.New("service: no network bridge attached")
	ErrStopped            = errors.New("service: stopped")
)

// NetworkBridge is the shared virtual interface. *network.Bridge satisfies
// it.
type NetworkBridge interface {
	Open() error
	Close() error
	IsOpen() bool
	WriteData(hdr ethernet.Header, data []byte) error
	ReceiveRemoteBusy(isBusy bool)
}

// Config holds the service settings.
type Config struct {
	// LocalAddress is the local Bluetooth address; the interface MAC is
	// derived from it.
	LocalAddress string
	// MaxConnections caps concurrently tracked devices. Zero means no cap.
	MaxConnections int
	// Tethering is the initial tethering policy.
	Tethering bool
}

// DeviceInfo is a snapshot of one tracked device.
type DeviceInfo struct {
	Address  string    `json:"address"`
	State    pan.State `json:"state"`
	Lcid     uint16    `json:"lcid"`
	Deferred int       `json:"deferred"`
}

// Service is the PAN profile service.
type Service struct {
	cfg      Config
	log      *zap.Logger
	localMAC [ethernet.AddrLen]byte

	newSession  bnep.Factory
	sessionOpts bnep.Options
	smOpts      []pan.Option
	bus         *events.Bus
	devices     *state.Manager

	q         *queue
	tethering atomic.Bool

	// mu serialises dispatch with every caller that touches a machine.
	mu          sync.Mutex
	machines    map[string]*pan.StateMachine
	bridge      NetworkBridge
	stopped     bool
	shutdownErr error

	// connMu guards connected, the set of devices last notified CONNECTED.
	// The bridge poll goroutine reads it without taking mu.
	connMu    sync.RWMutex
	connected map[string]struct{}

	runMu sync.Mutex
	done  chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithSessionFactory selects the BNEP transport used for new devices.
func WithSessionFactory(f bnep.Factory, opts bnep.Options) Option {
	return func(s *Service) {
		s.newSession = f
		s.sessionOpts = opts
	}
}

// WithBus publishes state changes on bus.
func WithBus(bus *events.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithDeviceIndex records state changes in m.
func WithDeviceIndex(m *state.Manager) Option {
	return func(s *Service) { s.devices = m }
}

// WithMachineOptions passes opts to every state machine created.
func WithMachineOptions(opts ...pan.Option) Option {
	return func(s *Service) { s.smOpts = append(s.smOpts, opts...) }
}

// New constructs a Service. Start must be called before events flow.
func New(cfg Config, log *zap.Logger, opts ...Option) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mac, err := ethernet.ParseMAC(cfg.LocalAddress)
	if err != nil {
		return nil, fmt.Errorf("service: local address: %w", err)
	}
	s := &Service{
		cfg:       cfg,
		log:       log,
		localMAC:  mac,
		q:         newQueue(),
		machines:  make(map[string]*pan.StateMachine),
		connected: make(map[string]struct{}),
	}
	s.tethering.Store(cfg.Tethering)
	for _, opt := range opts {
		opt(s)
	}
	if s.newSession == nil {
		f, err := bnep.Lookup("loopback")
		if err != nil {
			return nil, err
		}
		s.newSession = f
	}
	if s.sessionOpts.Log == nil {
		s.sessionOpts.Log = log
	}
	return s, nil
}

// AttachBridge installs the shared network bridge. The bridge must be
// constructed with this Service as its frame sink.
func (s *Service) AttachBridge(b NetworkBridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridge = b
}

// Connect starts a connection attempt to addr. Calling it for a device that
// is already being tracked is a no-op.
func (s *Service) Connect(addr string) error {
	addr, err := canonical(addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if sm, ok := s.machines[addr]; ok {
		if !sm.IsRemoving() {
			s.log.Debug("service: device already tracked",
				zap.String("address", addr),
				zap.Stringer("state", sm.State()),
			)
			return nil
		}
		s.removeLocked(addr)
	}
	if limit := s.cfg.MaxConnections; limit > 0 && s.activeLocked() >= limit {
		return fmt.Errorf("%w (%d)", ErrTooManyConnections, limit)
	}

	session, err := s.newSession(addr, s, s.sessionOpts)
	if err != nil {
		return fmt.Errorf("service: create session for %s: %w", addr, err)
	}
	sm := pan.New(addr, s, session, s.log, s.smOpts...)
	sm.Init()
	s.machines[addr] = sm

	if err := session.Connect(); err != nil {
		s.removeLocked(addr)
		return fmt.Errorf("service: connect %s: %w", addr, err)
	}
	s.log.Info("service: connecting", zap.String("address", addr), zap.Uint16("lcid", session.Lcid()))
	return nil
}

// Disconnect asks the device's state machine to close.
func (s *Service) Disconnect(addr string) error {
	addr, err := canonical(addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	_, ok := s.machines[addr]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	s.PostEvent(pan.NewMessage(pan.EventAPIClose, addr))
	return nil
}

// PostEvent queues msg for serialized dispatch. Safe from any goroutine.
func (s *Service) PostEvent(msg pan.Message) {
	if !s.q.push(msg) {
		s.log.Debug("service: event after shutdown dropped",
			zap.Stringer("event", msg.Kind),
			zap.String("address", msg.Address),
		)
	}
}

// SetTethering changes the tethering policy. Turning it off closes every
// connected device.
func (s *Service) SetTethering(on bool) {
	if s.tethering.Swap(on) == on {
		return
	}
	s.log.Info("service: tethering changed", zap.Bool("enabled", on))
	if s.bus != nil {
		s.bus.PublishTethering(on)
	}
	if on {
		return
	}
	for _, addr := range s.ConnectedDevices() {
		s.PostEvent(pan.NewMessage(pan.EventAPIClose, addr))
	}
}

func (s *Service) IsTetheringOn() bool { return s.tethering.Load() }

// LocalAddress returns the local Bluetooth address.
func (s *Service) LocalAddress() string { return ethernet.FormatMAC(s.localMAC) }

// LocalMAC returns the local Bluetooth address as raw bytes. It is the
// bridge's MAC source.
func (s *Service) LocalMAC() [ethernet.AddrLen]byte { return s.localMAC }

// DeviceState returns the current state of addr's machine.
func (s *Service) DeviceState(addr string) (pan.State, error) {
	addr, err := canonical(addr)
	if err != nil {
		return pan.StateDisconnected, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.machines[addr]
	if !ok {
		return pan.StateDisconnected, fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	return sm.State(), nil
}

// Devices returns a snapshot of every tracked device ordered by address.
func (s *Service) Devices() []DeviceInfo {
	s.mu.Lock()
	out := make([]DeviceInfo, 0, len(s.machines))
	for addr, sm := range s.machines {
		info := DeviceInfo{Address: addr, State: sm.State(), Deferred: sm.DeferredCount()}
		if sess := sm.Session(); sess != nil {
			info.Lcid = sess.Lcid()
		}
		out = append(out, info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// ConnectedDevices lists the devices last notified CONNECTED.
func (s *Service) ConnectedDevices() []string {
	s.connMu.RLock()
	out := make([]string, 0, len(s.connected))
	for addr := range s.connected {
		out = append(out, addr)
	}
	s.connMu.RUnlock()
	sort.Strings(out)
	return out
}

// NotifyStateChanged records a device's externally visible transition.
func (s *Service) NotifyStateChanged(addr string, st pan.State) {
	s.connMu.Lock()
	if st == pan.StateConnected {
		s.connected[addr] = struct{}{}
	} else {
		delete(s.connected, addr)
	}
	s.connMu.Unlock()

	s.log.Info("service: state changed", zap.String("address", addr), zap.Stringer("state", st))

	var sc events.StateChange
	if s.devices != nil {
		var err error
		sc, err = s.devices.Apply(addr, st)
		if err != nil {
			s.log.Warn("service: record state change", zap.String("address", addr), zap.Error(err))
		}
	} else {
		sc = events.StateChange{Address: addr, To: st, At: time.Now().UTC()}
	}
	if s.bus != nil {
		s.bus.PublishStateChange(sc)
	}
}

// ── internal ──────────────────────────────────────────────────────────────

func canonical(addr string) (string, error) {
	mac, err := ethernet.ParseMAC(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return ethernet.FormatMAC(mac), nil
}

// activeLocked counts machines that are not retiring.
func (s *Service) activeLocked() int {
	n := 0
	for _, sm := range s.machines {
		if !sm.IsRemoving() {
			n++
		}
	}
	return n
}
