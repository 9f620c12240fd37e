//go:build !linux

package server

import (
	"github.com/legamerdc/shotpoll/poller"
)

func openListener(network, address string, backlog int) (acceptor, error) {
	return nil, poller.ErrPlatformNotSupported
}
