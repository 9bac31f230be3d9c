package discordgw

import (
	"errors"
	"fmt"
)

var (
	// ErrReconnectExhausted is returned by Run when the connection kept
	// closing and the reconnect budget ran out.
	ErrReconnectExhausted = errors.New("discordgw: maximum reconnect attempts exceeded")
	ErrClosed             = errors.New("discordgw: client closed")
	ErrAlreadyRunning     = errors.New("discordgw: client already running")
	ErrSendQueueFull      = errors.New("discordgw: send queue full")
	// ErrUserUnknown is returned by JoinVoiceChannel before READY when
	// Config.UserID is empty.
	ErrUserUnknown        = errors.New("discordgw: own user id not known yet")

	errReconnectRequested = errors.New("discordgw: gateway requested reconnect")
	errInvalidSession     = errors.New("discordgw: session invalidated")
)

// TransportError wraps failures to resolve, dial, or write to the gateway.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("discordgw: %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }
