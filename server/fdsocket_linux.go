package server

import "golang.org/x/sys/unix"

type fdSocket struct {
	fd     int
	closed bool
}

func (s *fdSocket) FD() int { return s.fd }

func (s *fdSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s *fdSocket) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s *fdSocket) Shutdown() error {
	return unix.Shutdown(s.fd, unix.SHUT_RDWR)
}

func (s *fdSocket) Close() error {
	if s.closed {
		return unix.EBADF
	}
	s.closed = true
	return unix.Close(s.fd)
}
