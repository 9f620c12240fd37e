package server

import "errors"

var (
	ErrInvalidArgument = errors.New("server: invalid argument")
	ErrKeyExists       = errors.New("server: connection key already registered")
	ErrPeerClosed      = errors.New("server: peer closed before request completed")
	ErrRequestTooLarge = errors.New("server: declared content-length exceeds limit")
	ErrHangup          = errors.New("server: socket error or hangup")
	ErrNotRearmed      = errors.New("server: connection left without armed interest")
	ErrIdleTimeout     = errors.New("server: connection idle timeout")
	ErrServerClosed    = errors.New("server: closed")
	ErrWait            = errors.New("server: reactor wait failed")
	ErrListenerRearm   = errors.New("server: listener rearm failed")
)
