//go:build linux

package network

import (
	"fmt"
	"net"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/meshcommons/panbridge/internal/ethernet"
)

// openTap opens the tun/tap clone device and attaches it to a tap interface
// without packet information headers.
func openTap(cfg Config) (int, error) {
	fd, err := unix.Open(cfg.DevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	ifr, err := unix.NewIfreq(cfg.InterfaceName)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("TUNSETIFF: %w", err)
	}
	return fd, nil
}

// ioctlConfigurator issues SIOCSIF* ioctls on a transient datagram socket
// per call.
type ioctlConfigurator struct{}

func newIoctlConfigurator() Configurator { return ioctlConfigurator{} }

func withControlSocket(fn func(sock int) error) error {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer unix.Close(sock)
	return fn(sock)
}

// ifreqHwaddr mirrors struct ifreq with an ifr_hwaddr sockaddr.
type ifreqHwaddr struct {
	Name   [unix.IFNAMSIZ]byte
	Family uint16
	Data   [14]byte
	_      [8]byte
}

func (ioctlConfigurator) SetHardwareAddr(name string, mac [ethernet.AddrLen]byte) error {
	if len(name) >= unix.IFNAMSIZ {
		return fmt.Errorf("interface name %q too long", name)
	}
	var req ifreqHwaddr
	copy(req.Name[:], name)
	req.Family = unix.ARPHRD_ETHER
	copy(req.Data[:], mac[:])
	return withControlSocket(func(sock int) error {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(sock),
			uintptr(unix.SIOCSIFHWADDR), uintptr(unsafe.Pointer(&req)))
		if errno != 0 {
			return fmt.Errorf("SIOCSIFHWADDR: %w", errno)
		}
		return nil
	})
}

func (ioctlConfigurator) SetInet4Addr(name string, prefix netip.Prefix) error {
	if !prefix.Addr().Is4() {
		return fmt.Errorf("address %s is not IPv4", prefix)
	}
	addr := prefix.Addr().As4()
	mask := net.CIDRMask(prefix.Bits(), 32)
	return withControlSocket(func(sock int) error {
		ifr, err := unix.NewIfreq(name)
		if err != nil {
			return err
		}
		if err := ifr.SetInet4Addr(addr[:]); err != nil {
			return err
		}
		if err := unix.IoctlIfreq(sock, unix.SIOCSIFADDR, ifr); err != nil {
			return fmt.Errorf("SIOCSIFADDR: %w", err)
		}
		if err := ifr.SetInet4Addr(mask); err != nil {
			return err
		}
		if err := unix.IoctlIfreq(sock, unix.SIOCSIFNETMASK, ifr); err != nil {
			return fmt.Errorf("SIOCSIFNETMASK: %w", err)
		}
		return nil
	})
}

func (ioctlConfigurator) SetLinkUp(name string, up bool) error {
	return withControlSocket(func(sock int) error {
		ifr, err := unix.NewIfreq(name)
		if err != nil {
			return err
		}
		if err := unix.IoctlIfreq(sock, unix.SIOCGIFFLAGS, ifr); err != nil {
			return fmt.Errorf("SIOCGIFFLAGS: %w", err)
		}
		flags := ifr.Uint16()
		if up {
			flags |= unix.IFF_UP
		} else {
			flags &^= unix.IFF_UP
		}
		ifr.SetUint16(flags)
		if err := unix.IoctlIfreq(sock, unix.SIOCSIFFLAGS, ifr); err != nil {
			return fmt.Errorf("SIOCSIFFLAGS: %w", err)
		}
		return nil
	})
}
