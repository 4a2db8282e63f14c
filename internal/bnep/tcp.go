package bnep

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/panbridge/internal/ethernet"
	"github.com/meshcommons/panbridge/internal/pan"
)

const (
	tcpInitialBackoff  = 2 * time.Second
	tcpMaxBackoff      = 60 * time.Second
	tcpDialTimeout     = 5 * time.Second
	tcpMaxDialAttempts = 5
	tcpWriteTimeout    = 2 * time.Second
	tcpSendQueueLen    = 64
	tcpMaxPayload      = ethernet.MaxFrameSize + 1
)

// ErrSendQueueFull is returned by SendData when the peer is not keeping up.
var ErrSendQueueFull = errors.New("bnep: send queue full")

// Wire frame types. Every frame is a 4-byte big-endian length followed by a
// type byte and its body.
const (
	frameHello byte = 0x01 // body: device address
	frameData  byte = 0x02 // body: Ethernet frame
	frameFlow  byte = 0x03 // body: one byte, non-zero while busy
	frameBye   byte = 0x04 // no body
)

// TCPSession tunnels one device's BNEP traffic to a lab peer over TCP.
// The first frame on a new connection is a hello carrying the device
// address.
type TCPSession struct {
	addr     string
	endpoint string
	sink     pan.EventSink
	log      *zap.Logger
	lcid     uint16

	initialBackoff time.Duration
	maxAttempts    int
	writeTimeout   time.Duration

	state   atomic.Int32 // linkState
	writeMu sync.Mutex
	mu      sync.Mutex
	conn    net.Conn
	sendq   chan []byte
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type linkState int32

const (
	linkDown linkState = iota
	linkDialing
	linkUp
)

// NewTCPSession constructs a session for the device addr. Nothing is dialed
// until Connect.
func NewTCPSession(addr, endpoint string, sink pan.EventSink, log *zap.Logger) *TCPSession {
	if log == nil {
		log = zap.NewNop()
	}
	return &TCPSession{
		addr:           addr,
		endpoint:       endpoint,
		sink:           sink,
		log:            log.With(zap.String("address", addr), zap.String("endpoint", endpoint)),
		lcid:           allocLcid(),
		initialBackoff: tcpInitialBackoff,
		maxAttempts:    tcpMaxDialAttempts,
		writeTimeout:   tcpWriteTimeout,
	}
}

// Connect starts dialing in the background. INTERNAL_OPEN is posted once
// the hello frame has been written; INTERNAL_CLOSE if every attempt fails.
func (t *TCPSession) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.sendq = make(chan []byte, tcpSendQueueLen)
	t.state.Store(int32(linkDialing))
	t.wg.Add(1)
	go t.run(ctx, t.sendq)
	return nil
}

// Disconnect tears the link down and posts INTERNAL_CLOSE.
func (t *TCPSession) Disconnect() error {
	if err := t.shutdown(true); err != nil {
		return err
	}
	t.sink.PostEvent(pan.NewMessage(pan.EventInternalClose, t.addr))
	return nil
}

// Close releases the connection without posting any event.
func (t *TCPSession) Close() error {
	return t.shutdown(false)
}

// SendData queues one Ethernet frame for the writer goroutine. It never
// blocks; a full queue drops the frame and returns ErrSendQueueFull.
func (t *TCPSession) SendData(hdr ethernet.Header, data []byte) error {
	if linkState(t.state.Load()) != linkUp {
		return ErrNotConnected
	}
	frame, err := hdr.Encode(data)
	if err != nil {
		return fmt.Errorf("bnep: send: %w", err)
	}
	t.mu.Lock()
	sendq := t.sendq
	t.mu.Unlock()
	if sendq == nil {
		return ErrNotConnected
	}
	select {
	case sendq <- encodeFrame(frameData, frame):
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (t *TCPSession) Lcid() uint16 { return t.lcid }

func (t *TCPSession) ProcessL2capEvent(msg pan.Message) {
	t.log.Debug("bnep: l2cap event", zap.Int("arg", msg.Arg))
}

// Connected reports whether the TCP link is established.
func (t *TCPSession) Connected() bool {
	return linkState(t.state.Load()) == linkUp
}

// ── internal ──────────────────────────────────────────────────────────────

func (t *TCPSession) shutdown(sayBye bool) error {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.sendq = nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	if sayBye {
		if err := t.writeFrame(frameBye, nil); err != nil && !errors.Is(err, ErrNotConnected) {
			t.log.Debug("bnep: bye", zap.Error(err))
		}
	}
	cancel()

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	var err error
	if conn != nil {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("bnep: close: %w", cerr)
		}
	}
	t.wg.Wait()
	t.state.Store(int32(linkDown))
	return err
}

func (t *TCPSession) run(ctx context.Context, sendq chan []byte) {
	defer t.wg.Done()

	conn, err := t.dial(ctx)
	if err != nil {
		t.state.Store(int32(linkDown))
		if ctx.Err() == nil {
			t.log.Warn("bnep: giving up on peer", zap.Error(err))
			t.sink.PostEvent(pan.NewMessage(pan.EventInternalClose, t.addr))
		}
		return
	}

	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	if err := t.writeFrame(frameHello, []byte(t.addr)); err != nil {
		t.log.Warn("bnep: hello", zap.Error(err))
		t.lost(ctx)
		return
	}
	t.wg.Add(1)
	go t.writeLoop(ctx, conn, sendq)
	t.state.Store(int32(linkUp))
	t.log.Info("bnep: connected")
	t.sink.PostEvent(pan.NewMessage(pan.EventInternalOpen, t.addr))

	t.readFrames(ctx, conn)
	t.lost(ctx)
}

// lost clears the connection and reports the close unless it was requested.
func (t *TCPSession) lost(ctx context.Context) {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
	t.state.Store(int32(linkDown))
	if ctx.Err() != nil {
		return
	}
	t.log.Info("bnep: connection lost")
	t.sink.PostEvent(pan.NewMessage(pan.EventInternalClose, t.addr))
}

func (t *TCPSession) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: tcpDialTimeout}
	backoff := t.initialBackoff
	var err error
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		var conn net.Conn
		conn, err = d.DialContext(ctx, "tcp", t.endpoint)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.log.Warn("bnep: dial failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", backoff),
			zap.Error(err),
		)
		if attempt == t.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff = min(backoff*2, tcpMaxBackoff)
		}
	}
	return nil, fmt.Errorf("bnep: dial %s: %w", t.endpoint, err)
}

func (t *TCPSession) readFrames(ctx context.Context, conn net.Conn) {
	hdr := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			if ctx.Err() == nil {
				t.log.Debug("bnep: read header", zap.Error(err))
			}
			return
		}
		n := binary.BigEndian.Uint32(hdr)
		if n == 0 || n > tcpMaxPayload {
			t.log.Warn("bnep: invalid frame size", zap.Uint32("size", n))
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(conn, payload); err != nil {
			if ctx.Err() == nil {
				t.log.Debug("bnep: read payload", zap.Error(err))
			}
			return
		}
		if !t.handleFrame(payload[0], payload[1:]) {
			return
		}
	}
}

// handleFrame posts the event for one peer frame. It returns false when the
// peer ended the session.
func (t *TCPSession) handleFrame(kind byte, body []byte) bool {
	switch kind {
	case frameData:
		hdr, data, err := ethernet.Decode(body)
		if err != nil {
			t.log.Debug("bnep: bad data frame", zap.Error(err))
			return true
		}
		t.sink.PostEvent(pan.NewDataMessage(pan.EventInternalData, t.addr, hdr, data))
	case frameFlow:
		msg := pan.NewMessage(pan.EventRemoteBusy, t.addr)
		if len(body) > 0 && body[0] != 0 {
			msg.Arg = 1
		}
		t.sink.PostEvent(msg)
	case frameBye:
		return false
	default:
		t.log.Debug("bnep: unknown frame type", zap.Uint8("type", kind))
	}
	return true
}

// writeLoop drains sendq onto conn. A failed or timed-out write closes the
// connection, which ends readFrames and reports the loss.
func (t *TCPSession) writeLoop(ctx context.Context, conn net.Conn, sendq <-chan []byte) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case buf := <-sendq:
			if err := t.write(conn, buf); err != nil {
				if ctx.Err() == nil {
					t.log.Warn("bnep: peer not draining, dropping link", zap.Error(err))
				}
				conn.Close()
				return
			}
		}
	}
}

func (t *TCPSession) writeFrame(kind byte, body []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return t.write(conn, encodeFrame(kind, body))
}

func (t *TCPSession) write(conn net.Conn, buf []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("bnep: write deadline: %w", err)
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("bnep: write: %w", err)
	}
	return nil
}

func encodeFrame(kind byte, body []byte) []byte {
	buf := make([]byte, 5+len(body))
	binary.BigEndian.PutUint32(buf, uint32(1+len(body)))
	buf[4] = kind
	copy(buf[5:], body)
	return buf
}
