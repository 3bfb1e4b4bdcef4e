//go:build linux
// +build linux

package node

import (
	"fmt"
	"net"

	"github.com/raidanetwork/raida-go/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Socket factory: builds the nonblocking listening sockets the reactor
// multiplexes. Any failure here is fatal to startup; there is no retry.

// ListenTCP creates a nonblocking TCP listening socket bound to addr, with
// address reuse enabled and the given backlog.
func ListenTCP(addr string, backlog int) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, fmt.Errorf("resolve tcp address %q: %w", addr, err)
	}

	fd, sa, err := newSocket(unix.SOCK_STREAM, tcpAddr.IP, tcpAddr.Port)
	if err != nil {
		return -1, err
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind tcp %q: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen tcp %q: %w", addr, err)
	}

	log.Logger.Debug("tcp listener ready", zap.String("addr", addr), zap.Int("fd", fd))
	return fd, nil
}

// ListenUDP creates a nonblocking UDP socket bound to addr.
func ListenUDP(addr string) (int, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return -1, fmt.Errorf("resolve udp address %q: %w", addr, err)
	}

	fd, sa, err := newSocket(unix.SOCK_DGRAM, udpAddr.IP, udpAddr.Port)
	if err != nil {
		return -1, err
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind udp %q: %w", addr, err)
	}

	log.Logger.Debug("udp socket ready", zap.String("addr", addr), zap.Int("fd", fd))
	return fd, nil
}

// newSocket creates a nonblocking, close-on-exec socket of the given type
// with SO_REUSEADDR set, plus the sockaddr to bind it to.
func newSocket(sotype int, ip net.IP, port int) (int, unix.Sockaddr, error) {
	domain := unix.AF_INET
	if ip != nil && ip.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("create socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	var sa unix.Sockaddr
	if domain == unix.AF_INET {
		sa4 := &unix.SockaddrInet4{Port: port}
		if ip4 := ip.To4(); ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}

	return fd, sa, nil
}

// localPort asks the kernel which port fd was bound to. Needed when the
// configured port is 0.
func localPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	}
	return 0, fmt.Errorf("unexpected sockaddr type %T", sa)
}

// sockaddrIP renders the peer address of a sockaddr for logging.
func sockaddrIP(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]).String()
	case *unix.SockaddrInet6:
		return net.IP(addr.Addr[:]).String()
	default:
		return ""
	}
}
