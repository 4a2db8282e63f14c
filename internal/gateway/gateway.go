// Package gateway implements the panbridged application service.
// It owns the PAN service, the network bridge, the event bus and the REST API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/meshcommons/panbridge/internal/api"
	"github.com/meshcommons/panbridge/internal/bnep"
	"github.com/meshcommons/panbridge/internal/config"
	"github.com/meshcommons/panbridge/internal/events"
	"github.com/meshcommons/panbridge/internal/network"
	"github.com/meshcommons/panbridge/internal/service"
	"github.com/meshcommons/panbridge/internal/state"
	"github.com/meshcommons/panbridge/internal/store"
)

// Gateway is the central application service.
type Gateway struct {
	cfg     *config.Config
	log     *zap.Logger
	bus     *events.Bus
	devices *state.Manager
	svc     *service.Service
	bridge  *network.Bridge
	pruner  *store.Pruner
	server  *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// Option configures a Gateway.
type Option func(*options)

type options struct {
	bridge []network.Option
}

// WithBridgeOptions forwards opts to the network bridge.
func WithBridgeOptions(opts ...network.Option) Option {
	return func(o *options) { o.bridge = append(o.bridge, opts...) }
}

// New constructs a Gateway without starting it. db must already be migrated.
func New(cfg *config.Config, db *store.DB, log *zap.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	devices, err := state.New(db, log)
	if err != nil {
		return nil, fmt.Errorf("gateway: device index: %w", err)
	}
	factory, err := bnep.Lookup(cfg.PAN.Transport)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	bus := events.NewBus()
	svc, err := service.New(service.Config{
		LocalAddress:   cfg.PAN.LocalAddress,
		MaxConnections: cfg.PAN.MaxConnections,
		Tethering:      cfg.PAN.Tethering,
	}, log,
		service.WithSessionFactory(factory, bnep.Options{Endpoint: cfg.PAN.Endpoint, Log: log}),
		service.WithBus(bus),
		service.WithDeviceIndex(devices),
	)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	bridge := network.New(network.Config{
		DevicePath:    cfg.Network.DevicePath,
		InterfaceName: cfg.Network.InterfaceName,
		Prefix:        cfg.Network.Prefix,
	}, svc, svc.LocalMAC, log, o.bridge...)
	svc.AttachBridge(bridge)

	router := api.NewRouter(svc, devices, bus, bridge, log)
	srv := &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Gateway{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		devices: devices,
		svc:     svc,
		bridge:  bridge,
		pruner:  store.NewPruner(db, cfg.Store.HistoryRetention, log),
		server:  srv,
	}, nil
}

// Handler returns the REST API handler.
func (g *Gateway) Handler() http.Handler { return g.server.Handler }

// Service returns the PAN service.
func (g *Gateway) Service() *service.Service { return g.svc }

// Addr returns the listener address once Start is serving, or nil.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Start launches all subsystems and blocks until ctx is cancelled or the
// HTTP server fails. Either way the PAN service is stopped before returning.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Gateway.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", g.cfg.Gateway.ListenAddr, err)
	}
	g.mu.Lock()
	g.addr = ln.Addr()
	g.mu.Unlock()
	g.log.Info("gateway: http listening", zap.String("addr", ln.Addr().String()))

	g.svc.Start(ctx)

	pruneCtx, stopPrune := context.WithCancel(ctx)
	pruneDone := make(chan struct{})
	go func() {
		defer close(pruneDone)
		g.pruner.Start(pruneCtx) //nolint:errcheck
	}()

	srvErr := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		g.log.Info("gateway: context cancelled, shutting down")
	case runErr = <-srvErr:
		g.log.Error("gateway: http server failed", zap.Error(runErr))
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = multierr.Combine(
		runErr,
		g.server.Shutdown(shutCtx),
		g.svc.Stop(),
	)
	stopPrune()
	<-pruneDone
	return err
}
