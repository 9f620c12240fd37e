package netutil

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

func SetNonblock(fd int, nonblock bool) error {
	return unix.SetNonblock(fd, nonblock)
}

func SetReuseAddr(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolInt(enable))
}

func SetNoDelay(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(enable))
}

// WouldBlock 判断非阻塞调用是否只是暂时无法完成。
func WouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// SockaddrToTCPAddr 把 accept/getsockname 返回的地址转成 net.TCPAddr。
func SockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	default:
		return nil
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
