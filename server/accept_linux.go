//go:build linux

package server

import "golang.org/x/sys/unix"

func acceptNonblock(lfd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}
