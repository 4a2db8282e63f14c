// Package bnep provides BNEP session implementations for the PAN service.
// The radio-side codec is not implemented here; sessions either loop frames
// back in-process or tunnel them to a lab peer over TCP.
package bnep

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/meshcommons/panbridge/internal/pan"
)

// Options carries transport settings shared by all factories.
type Options struct {
	// Endpoint is the remote host:port for network transports.
	Endpoint string
	Log      *zap.Logger
}

// Factory creates the session for one remote device. Events are reported
// through sink.
type Factory func(addr string, sink pan.EventSink, opts Options) (pan.Session, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

func init() {
	Register("loopback", func(addr string, sink pan.EventSink, _ Options) (pan.Session, error) {
		return NewLoopback(addr, sink), nil
	})
	Register("tcp", func(addr string, sink pan.EventSink, opts Options) (pan.Session, error) {
		if opts.Endpoint == "" {
			return nil, fmt.Errorf("bnep: tcp transport needs an endpoint")
		}
		return NewTCPSession(addr, opts.Endpoint, sink, opts.Log), nil
	})
}

// Register makes a transport available by name, replacing any previous one.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("bnep: unknown transport %q", name)
	}
	return f, nil
}

// Transports lists the registered transport names.
func Transports() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dynamic L2CAP channel ids start at 0x0040.
var nextLcid atomic.Uint32

func allocLcid() uint16 {
	return uint16(0x0040 + nextLcid.Add(1)%0xffbf)
}
