//go:build !linux

package network

import (
	"errors"
	"net/netip"

	"github.com/meshcommons/panbridge/internal/ethernet"
)

var errUnsupported = errors.New("tap interfaces are only supported on linux")

func openTap(Config) (int, error) { return -1, errUnsupported }

type unsupportedConfigurator struct{}

func newIoctlConfigurator() Configurator { return unsupportedConfigurator{} }

func (unsupportedConfigurator) SetHardwareAddr(string, [ethernet.AddrLen]byte) error {
	return errUnsupported
}

func (unsupportedConfigurator) SetInet4Addr(string, netip.Prefix) error { return errUnsupported }

func (unsupportedConfigurator) SetLinkUp(string, bool) error { return errUnsupported }
