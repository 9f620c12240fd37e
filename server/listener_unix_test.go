//go:build linux

package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestResolveListenAddrFamily(t *testing.T) {
	cases := []struct {
		network, address string
		fam              int
	}{
		{"tcp", "127.0.0.1:8080", unix.AF_INET},
		{"tcp", "[::1]:8080", unix.AF_INET6},
		{"tcp", ":8080", unix.AF_INET},
		{"tcp4", "127.0.0.1:0", unix.AF_INET},
		{"tcp6", "[::1]:0", unix.AF_INET6},
	}
	for _, tc := range cases {
		fam, sa, addr, err := resolveListenAddr(tc.network, tc.address)
		require.NoError(t, err, tc.address)
		assert.Equal(t, tc.fam, fam, "%s %s", tc.network, tc.address)
		require.NotNil(t, addr)
		switch a := sa.(type) {
		case *unix.SockaddrInet6:
			assert.Equal(t, unix.AF_INET6, fam)
			assert.Equal(t, addr.Port, a.Port)
		case *unix.SockaddrInet4:
			assert.Equal(t, unix.AF_INET, fam)
			assert.Equal(t, addr.Port, a.Port)
		default:
			t.Fatalf("unexpected sockaddr %T", sa)
		}
	}
}

func TestResolveListenAddrRejects(t *testing.T) {
	_, _, _, err := resolveListenAddr("udp", "127.0.0.1:0")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, _, _, err = resolveListenAddr("tcp4", "[::1]:0")
	assert.Error(t, err)
}

func TestOpenListenerIPv6Loopback(t *testing.T) {
	l, err := openListener("tcp", "[::1]:0", 16)
	if err != nil {
		t.Skipf("ipv6 loopback unavailable: %v", err)
	}
	defer l.Close()
	a, ok := l.Addr().(*net.TCPAddr)
	require.True(t, ok)
	assert.True(t, a.IP.Equal(net.IPv6loopback), a.String())
	assert.NotZero(t, a.Port)
}
