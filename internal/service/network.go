package service

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/meshcommons/panbridge/internal/ethernet"
	"github.com/meshcommons/panbridge/internal/pan"
)

// OpenNetwork opens the shared bridge if it is not open yet.
// Called from dispatch with mu held.
func (s *Service) OpenNetwork() error {
	if s.bridge == nil {
		return ErrNoBridge
	}
	if s.bridge.IsOpen() {
		return nil
	}
	if err := s.bridge.Open(); err != nil {
		return fmt.Errorf("service: open network: %w", err)
	}
	return nil
}

// CloseNetwork closes the shared bridge unless another device is still
// connected. Called from dispatch with mu held.
func (s *Service) CloseNetwork(addr string) {
	if s.bridge == nil {
		return
	}
	s.connMu.RLock()
	others := 0
	for a := range s.connected {
		if a != addr {
			others++
		}
	}
	s.connMu.RUnlock()

	if others > 0 {
		s.log.Debug("service: bridge kept open",
			zap.String("address", addr),
			zap.Int("connected", others),
		)
		return
	}
	if err := s.bridge.Close(); err != nil {
		s.log.Warn("service: close network", zap.Error(err))
	}
}

// WriteNetworkData writes a frame received from addr into the bridge.
func (s *Service) WriteNetworkData(addr string, hdr ethernet.Header, data []byte) error {
	if s.bridge == nil {
		return ErrNoBridge
	}
	return s.bridge.WriteData(hdr, data)
}

// ReceiveNetworkData routes a frame read from the interface to the devices
// it is addressed to: every connected device for broadcast and multicast,
// otherwise the device whose address matches the destination. It runs on
// the bridge poll goroutine and only posts events.
func (s *Service) ReceiveNetworkData(hdr ethernet.Header, payload []byte) {
	if ethernet.IsMulticast(hdr.Dst) {
		for _, addr := range s.ConnectedDevices() {
			s.PostEvent(pan.NewDataMessage(pan.EventAPIWriteData, addr, hdr, payload))
		}
		return
	}

	dst := ethernet.FormatMAC(hdr.Dst)
	s.connMu.RLock()
	_, ok := s.connected[dst]
	s.connMu.RUnlock()
	if !ok {
		s.log.Debug("service: frame for unconnected device dropped",
			zap.String("dst", dst),
			zap.Stringer("protocol", hdr.Protocol),
		)
		return
	}
	s.PostEvent(pan.NewDataMessage(pan.EventAPIWriteData, dst, hdr, payload))
}
