package server

import "net"

// socket 是连接独占的句柄；Close 之后 fd 号可能被复用，不得再使用。
type socket interface {
	FD() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Shutdown() error
	Close() error
}

// acceptor 是监听 socket，Accept 返回的 socket 已处于非阻塞模式。
type acceptor interface {
	FD() int
	Accept() (socket, net.Addr, error)
	Addr() net.Addr
	Close() error
}
