// Package network bridges BNEP traffic onto a virtual Ethernet (tap)
// interface. A Bridge owns the interface descriptor, configures the link,
// runs one poll goroutine that forwards frames read from the interface, and
// writes frames coming from Bluetooth peers back into it.
package network

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/meshcommons/panbridge/internal/ethernet"
)

const (
	DefaultDevicePath    = "/dev/net/tun"
	DefaultInterfaceName = "bt-pan"

	// pollTimeout bounds how long a pending Close waits for the poll loop.
	pollTimeout = 50 * time.Millisecond
)

// DefaultPrefix is the fixed address of the PAN interface.
var DefaultPrefix = netip.MustParsePrefix("192.168.44.1/24")

// ErrNotOpen is returned by WriteData when no interface is open.
var ErrNotOpen = errors.New("network: bridge not open")

// Config describes the bridged interface.
type Config struct {
	DevicePath    string
	InterfaceName string
	Prefix        netip.Prefix
}

func (c Config) withDefaults() Config {
	if c.DevicePath == "" {
		c.DevicePath = DefaultDevicePath
	}
	if c.InterfaceName == "" {
		c.InterfaceName = DefaultInterfaceName
	}
	if !c.Prefix.IsValid() {
		c.Prefix = DefaultPrefix
	}
	return c
}

// FrameSink receives frames read from the interface. payload aliases the
// poll loop's buffer and must be copied before ReceiveNetworkData returns.
type FrameSink interface {
	ReceiveNetworkData(hdr ethernet.Header, payload []byte)
}

// Configurator applies link-level settings to a named interface.
type Configurator interface {
	SetHardwareAddr(name string, mac [ethernet.AddrLen]byte) error
	SetInet4Addr(name string, prefix netip.Prefix) error
	SetLinkUp(name string, up bool) error
}

// DeviceOpener opens the interface device node and returns its descriptor.
type DeviceOpener func(cfg Config) (int, error)

// PollFunc matches unix.Poll.
type PollFunc func(fds []unix.PollFd, timeoutMs int) (int, error)

// Bridge is the PAN network bridge. At most one interface descriptor is open
// per Bridge; Open and Close are idempotent.
type Bridge struct {
	cfg       Config
	sink      FrameSink
	localAddr func() [ethernet.AddrLen]byte
	log       *zap.Logger

	openDevice DeviceOpener
	link       Configurator
	poll       PollFunc

	mu     sync.Mutex // Open/Close lifecycle
	fd     int
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// writeMu serialises WriteData from every device sharing the interface
	// and keeps Close from closing the descriptor under a writer.
	writeMu sync.Mutex

	busyMu   sync.Mutex
	busyCond *sync.Cond
	busy     bool

	stats stats
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDeviceOpener replaces the tap device opener.
func WithDeviceOpener(open DeviceOpener) Option {
	return func(b *Bridge) { b.openDevice = open }
}

// WithConfigurator replaces the ioctl link configurator.
func WithConfigurator(c Configurator) Option {
	return func(b *Bridge) { b.link = c }
}

// WithPollFunc replaces unix.Poll in the poll loop.
func WithPollFunc(p PollFunc) Option {
	return func(b *Bridge) { b.poll = p }
}

// New constructs a closed Bridge. localAddr supplies the local Bluetooth
// address the interface MAC is derived from.
func New(cfg Config, sink FrameSink, localAddr func() [ethernet.AddrLen]byte, log *zap.Logger, opts ...Option) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{
		cfg:        cfg.withDefaults(),
		sink:       sink,
		localAddr:  localAddr,
		log:        log,
		openDevice: openTap,
		link:       newIoctlConfigurator(),
		poll:       unix.Poll,
		fd:         -1,
	}
	b.busyCond = sync.NewCond(&b.busyMu)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens and configures the interface and starts the poll loop. It is a
// no-op when already open. Any failure closes the descriptor and leaves the
// bridge closed; link settings already applied are not rolled back.
func (b *Bridge) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fd >= 0 {
		return nil
	}
	fd, err := b.openDevice(b.cfg)
	if err != nil {
		b.log.Error("network: open device",
			zap.String("path", b.cfg.DevicePath),
			zap.Error(err),
		)
		return fmt.Errorf("network: open %s: %w", b.cfg.DevicePath, err)
	}
	if err := b.configure(); err != nil {
		unix.Close(fd)
		b.log.Error("network: configure interface",
			zap.String("interface", b.cfg.InterfaceName),
			zap.Error(err),
		)
		return err
	}

	b.writeMu.Lock()
	b.fd = fd
	b.writeMu.Unlock()
	b.busyMu.Lock()
	b.busy = false
	b.busyMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.pollLoop(ctx, fd)

	b.log.Info("network: interface up",
		zap.String("interface", b.cfg.InterfaceName),
		zap.Stringer("prefix", b.cfg.Prefix),
	)
	return nil
}

// configure brings the link up twice, before and after address assignment.
func (b *Bridge) configure() error {
	name := b.cfg.InterfaceName
	var mac [ethernet.AddrLen]byte
	if b.localAddr != nil {
		mac = b.localAddr()
	}
	mac[0] &^= 0x01

	if err := b.link.SetHardwareAddr(name, mac); err != nil {
		return fmt.Errorf("network: set hwaddr %s: %w", name, err)
	}
	if err := b.link.SetLinkUp(name, true); err != nil {
		return fmt.Errorf("network: link up %s: %w", name, err)
	}
	if err := b.link.SetInet4Addr(name, b.cfg.Prefix); err != nil {
		return fmt.Errorf("network: set address %s: %w", name, err)
	}
	if err := b.link.SetLinkUp(name, true); err != nil {
		return fmt.Errorf("network: link up %s: %w", name, err)
	}
	return nil
}

// Close stops the poll loop and closes the interface. The busy wait is
// released before the loop is cancelled so a blocked loop can observe the
// cancellation. Close on a closed bridge is a no-op.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.busyMu.Lock()
	b.busy = false
	b.busyCond.Broadcast()
	b.busyMu.Unlock()

	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	// A busy signal may have landed between the first wake-up and cancel.
	b.busyMu.Lock()
	b.busyCond.Broadcast()
	b.busyMu.Unlock()
	b.wg.Wait()

	if b.fd < 0 {
		return nil
	}
	if err := b.link.SetLinkUp(b.cfg.InterfaceName, false); err != nil {
		b.log.Warn("network: link down",
			zap.String("interface", b.cfg.InterfaceName),
			zap.Error(err),
		)
	}
	b.writeMu.Lock()
	unix.Close(b.fd)
	b.fd = -1
	b.writeMu.Unlock()

	b.log.Info("network: interface closed", zap.String("interface", b.cfg.InterfaceName))
	return nil
}

// IsOpen reports whether the interface descriptor is valid.
func (b *Bridge) IsOpen() bool {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.fd >= 0
}

// InterfaceName returns the bridged interface name.
func (b *Bridge) InterfaceName() string { return b.cfg.InterfaceName }

// WriteData writes one frame to the interface. Oversized frames are
// rejected before any syscall; write is retried on EINTR only.
func (b *Bridge) WriteData(hdr ethernet.Header, data []byte) error {
	frame, err := hdr.Encode(data)
	if err != nil {
		b.stats.writeErrors.Add(1)
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if b.fd < 0 {
		return ErrNotOpen
	}
	for {
		_, err = unix.Write(b.fd, frame)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		b.stats.writeErrors.Add(1)
		b.log.Debug("network: write", zap.Int("length", len(frame)), zap.Error(err))
		return fmt.Errorf("network: write: %w", err)
	}
	b.stats.framesOut.Add(1)
	b.stats.bytesOut.Add(uint64(len(frame)))
	return nil
}

// ReceiveRemoteBusy records the peer's flow-control state. Clearing it wakes
// the poll loop.
func (b *Bridge) ReceiveRemoteBusy(isBusy bool) {
	b.busyMu.Lock()
	defer b.busyMu.Unlock()
	b.busy = isBusy
	if !isBusy {
		b.busyCond.Broadcast()
	}
}

// RemoteBusy reports the current flow-control state.
func (b *Bridge) RemoteBusy() bool {
	b.busyMu.Lock()
	defer b.busyMu.Unlock()
	return b.busy
}

// ── poll loop ─────────────────────────────────────────────────────────────

func (b *Bridge) pollLoop(ctx context.Context, fd int) {
	defer b.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := unix.SetNonblock(fd, true); err != nil {
		b.log.Warn("network: set nonblock", zap.Error(err))
	}

	buf := make([]byte, ethernet.MaxFrameSize+1)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	timeout := int(pollTimeout / time.Millisecond)

	for {
		if !b.waitNotBusy(ctx) {
			return
		}

		fds[0].Revents = 0
		n, err := b.poll(fds, timeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if err != unix.EINTR {
				b.log.Warn("network: poll", zap.Error(err))
				b.idle(ctx)
			}
			continue
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			// HUP/ERR/NVAL without data: avoid spinning until Close.
			b.idle(ctx)
			continue
		}
		b.readFrame(fd, buf)
	}
}

// waitNotBusy blocks while the peer is busy. It returns false once ctx is
// cancelled.
func (b *Bridge) waitNotBusy(ctx context.Context) bool {
	b.busyMu.Lock()
	defer b.busyMu.Unlock()
	for b.busy && ctx.Err() == nil {
		b.busyCond.Wait()
	}
	return ctx.Err() == nil
}

func (b *Bridge) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(pollTimeout):
	}
}

func (b *Bridge) readFrame(fd int, buf []byte) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EINTR {
			b.log.Debug("network: read", zap.Error(err))
		}
		return
	}
	if n > ethernet.MaxFrameSize {
		b.stats.dropped.Add(1)
		b.log.Debug("network: frame too large", zap.Int("length", n))
		return
	}
	if n < ethernet.HeaderSize {
		b.stats.dropped.Add(1)
		return
	}
	hdr, payload, err := ethernet.Decode(buf[:n])
	if err != nil {
		b.stats.dropped.Add(1)
		return
	}
	if !ethernet.Accepted(hdr.Protocol) {
		b.stats.dropped.Add(1)
		b.log.Debug("network: protocol dropped", zap.Stringer("protocol", hdr.Protocol))
		return
	}
	b.stats.framesIn.Add(1)
	b.stats.bytesIn.Add(uint64(n))
	if b.sink != nil {
		b.sink.ReceiveNetworkData(hdr, payload)
	}
}
