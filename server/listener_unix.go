//go:build linux

package server

import (
	"fmt"
	"net"

	"github.com/legamerdc/shotpoll/internal/netutil"
	"golang.org/x/sys/unix"
)

type tcpListener struct {
	fd   int
	addr net.Addr
}

// resolveListenAddr 按 network 选择地址族；network 为 tcp 时由地址本身决定。
func resolveListenAddr(network, address string) (int, unix.Sockaddr, *net.TCPAddr, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return 0, nil, nil, fmt.Errorf("%w: network %q", ErrInvalidArgument, network)
	}
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return 0, nil, nil, err
	}
	v6 := network == "tcp6" || (network == "tcp" && addr.IP != nil && addr.IP.To4() == nil)
	if v6 {
		var sa6 unix.SockaddrInet6
		if addr.IP != nil {
			copy(sa6.Addr[:], addr.IP.To16())
		}
		sa6.Port = addr.Port
		return unix.AF_INET6, &sa6, addr, nil
	}
	var sa4 unix.SockaddrInet4
	if addr.IP != nil {
		ip4 := addr.IP.To4()
		if ip4 == nil {
			return 0, nil, nil, fmt.Errorf("%w: %s is not an IPv4 address", ErrInvalidArgument, address)
		}
		copy(sa4.Addr[:], ip4)
	}
	sa4.Port = addr.Port
	return unix.AF_INET, &sa4, addr, nil
}

func openListener(network, address string, backlog int) (*tcpListener, error) {
	fam, sa, addr, err := resolveListenAddr(network, address)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(fam, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	_ = netutil.SetReuseAddr(fd, true)
	if err := netutil.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	l := &tcpListener{fd: fd, addr: addr}
	// 端口为 0 时取内核分配的真实地址
	if bound, err := unix.Getsockname(fd); err == nil {
		if a := netutil.SockaddrToTCPAddr(bound); a != nil {
			l.addr = a
		}
	}
	return l, nil
}

func (l *tcpListener) FD() int        { return l.fd }
func (l *tcpListener) Addr() net.Addr { return l.addr }
func (l *tcpListener) Close() error   { return unix.Close(l.fd) }

func (l *tcpListener) Accept() (socket, net.Addr, error) {
	fd, sa, err := acceptNonblock(l.fd)
	if err != nil {
		return nil, nil, err
	}
	_ = netutil.SetNoDelay(fd, true)
	var peer net.Addr
	if a := netutil.SockaddrToTCPAddr(sa); a != nil {
		peer = a
	}
	return &fdSocket{fd: fd}, peer, nil
}
