// Package api implements the panbridged control surface.
//
// Routes:
//
//	GET  /api/v1/status                      daemon health
//	GET  /api/v1/devices                     tracked and known devices
//	GET  /api/v1/devices/{addr}              one device
//	POST /api/v1/devices/{addr}/connect      start a connection
//	POST /api/v1/devices/{addr}/disconnect   close a connection
//	GET  /api/v1/tethering                   tethering policy
//	PUT  /api/v1/tethering                   change tethering policy
//	GET  /api/v1/history                     state-change history
//	GET  /api/v1/events                      websocket live stream
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshcommons/panbridge/internal/ethernet"
	"github.com/meshcommons/panbridge/internal/events"
	"github.com/meshcommons/panbridge/internal/network"
	"github.com/meshcommons/panbridge/internal/pan"
	"github.com/meshcommons/panbridge/internal/proto"
	"github.com/meshcommons/panbridge/internal/service"
	"github.com/meshcommons/panbridge/internal/state"
)

// Controller is the subset of *service.Service the API drives.
type Controller interface {
	Connect(addr string) error
	Disconnect(addr string) error
	DeviceState(addr string) (pan.State, error)
	Devices() []service.DeviceInfo
	ConnectedDevices() []string
	SetTethering(on bool)
	IsTetheringOn() bool
	LocalAddress() string
}

// NetworkStatus is the subset of *network.Bridge shown on /status.
type NetworkStatus interface {
	InterfaceName() string
	IsOpen() bool
	Stats() network.Stats
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

const wsPingInterval = 20 * time.Second

// Server holds handler dependencies.
type Server struct {
	ctl     Controller
	devices *state.Manager
	bus     *events.Bus
	netw    NetworkStatus
	log     *zap.Logger
	started time.Time
}

// NewRouter wires all /api/v1/* routes and returns a http.Handler. devices
// and netw may be nil.
func NewRouter(ctl Controller, devices *state.Manager, bus *events.Bus, netw NetworkStatus, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{ctl: ctl, devices: devices, bus: bus, netw: netw, log: log, started: time.Now().UTC()}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", s.status)

	mux.HandleFunc("GET /api/v1/devices", s.listDevices)
	mux.HandleFunc("GET /api/v1/devices/{addr}", s.getDevice)
	mux.HandleFunc("POST /api/v1/devices/{addr}/connect", s.connect)
	mux.HandleFunc("POST /api/v1/devices/{addr}/disconnect", s.disconnect)

	mux.HandleFunc("GET /api/v1/tethering", s.getTethering)
	mux.HandleFunc("PUT /api/v1/tethering", s.putTethering)

	mux.HandleFunc("GET /api/v1/history", s.history)

	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(log, mux)
}

// ── Status ────────────────────────────────────────────────────────────────

type networkStatus struct {
	Interface string        `json:"interface"`
	Open      bool          `json:"open"`
	Stats     network.Stats `json:"stats"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":        "ok",
		"time":          time.Now().UTC().Format(time.RFC3339),
		"uptime":        time.Since(s.started).Round(time.Second).String(),
		"local_address": s.ctl.LocalAddress(),
		"tethering":     s.ctl.IsTetheringOn(),
		"tracked":       len(s.ctl.Devices()),
		"connected":     len(s.ctl.ConnectedDevices()),
	}
	if s.devices != nil {
		resp["known_devices"] = s.devices.Len()
	}
	if s.bus != nil {
		resp["subscribers"] = s.bus.Len()
	}
	if s.netw != nil {
		resp["network"] = networkStatus{
			Interface: s.netw.InterfaceName(),
			Open:      s.netw.IsOpen(),
			Stats:     s.netw.Stats(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Devices ───────────────────────────────────────────────────────────────

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	tracked := s.ctl.Devices()
	resp := map[string]interface{}{
		"devices": tracked,
		"count":   len(tracked),
	}
	if s.devices != nil {
		resp["known"] = s.devices.List()
	}
	writeJSON(w, http.StatusOK, resp)
}

type deviceResponse struct {
	Address      string     `json:"address"`
	State        pan.State  `json:"state"`
	Tracked      bool       `json:"tracked"`
	SessionID    string     `json:"session_id,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	ConnectCount int        `json:"connect_count"`
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(w, r)
	if !ok {
		return
	}
	resp := deviceResponse{Address: addr, State: pan.StateDisconnected}
	found := false
	if st, err := s.ctl.DeviceState(addr); err == nil {
		resp.State = st
		resp.Tracked = true
		found = true
	}
	if s.devices != nil {
		if d, ok := s.devices.Get(addr); ok {
			resp.SessionID = d.SessionID
			resp.LastSeen = &d.LastSeen
			resp.ConnectCount = d.ConnectCount
			found = true
		}
	}
	if !found {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(w, r)
	if !ok {
		return
	}
	if err := s.ctl.Connect(addr); err != nil {
		s.writeError(w, "connect", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"address": addr, "status": "connecting"})
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(w, r)
	if !ok {
		return
	}
	if err := s.ctl.Disconnect(addr); err != nil {
		s.writeError(w, "disconnect", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"address": addr, "status": "disconnecting"})
}

// ── Tethering ─────────────────────────────────────────────────────────────

type tetheringRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) getTethering(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": s.ctl.IsTetheringOn()})
}

func (s *Server) putTethering(w http.ResponseWriter, r *http.Request) {
	var req tetheringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Enabled == nil {
		http.Error(w, "enabled required", http.StatusBadRequest)
		return
	}
	s.ctl.SetTethering(*req.Enabled)
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": s.ctl.IsTetheringOn()})
}

// ── History ───────────────────────────────────────────────────────────────

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var changes []events.StateChange
	if s.devices != nil {
		changes, err = s.devices.History(limit)
		if err != nil {
			s.log.Error("api: list history", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	if changes == nil {
		changes = []events.StateChange{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": changes,
		"count":   len(changes),
	})
}

// ── WebSocket event stream ────────────────────────────────────────────────

// eventStream streams bus events as JSON text frames, or with ?format=pb
// as protobuf binary frames carrying state changes only.
func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	binary := false
	switch r.URL.Query().Get("format") {
	case "", "json":
	case "pb":
		binary = true
	default:
		http.Error(w, "format must be json or pb", http.StatusBadRequest)
		return
	}

	ch, unsub := s.bus.Subscribe()
	defer unsub()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(conn, evt, binary); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, evt events.Event, binary bool) error {
	if !binary {
		return conn.WriteJSON(evt)
	}
	sc, ok := evt.Data.(events.StateChange)
	if !ok {
		return nil
	}
	return conn.WriteMessage(websocket.BinaryMessage, proto.EncodeStateChange(sc))
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack passes the websocket upgrade through to the server connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response does not support hijacking")
	}
	return h.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidAddress):
		code = http.StatusBadRequest
	case errors.Is(err, service.ErrUnknownDevice):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrTooManyConnections):
		code = http.StatusConflict
	case errors.Is(err, service.ErrStopped):
		code = http.StatusServiceUnavailable
	default:
		s.log.Error("api: "+op, zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}

// pathAddr returns the canonical device address from the {addr} segment.
func pathAddr(w http.ResponseWriter, r *http.Request) (string, bool) {
	mac, err := ethernet.ParseMAC(r.PathValue("addr"))
	if err != nil {
		http.Error(w, "invalid device address", http.StatusBadRequest)
		return "", false
	}
	return ethernet.FormatMAC(mac), true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, lo, hi int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%s must be %d-%d", key, lo, hi)
	}
	return n, nil
}
