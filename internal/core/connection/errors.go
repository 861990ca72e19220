package connection

import "errors"

// Connection lifecycle errors
var (
	ErrInvalidConfig      = errors.New("invalid session config")
	ErrManagerClosed      = errors.New("connection manager is closed")
	ErrNotConnected       = errors.New("not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)
