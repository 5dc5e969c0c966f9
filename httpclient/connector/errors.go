package connector

import (
	"errors"
	"fmt"
)

// ErrNoResponse wraps engine failures that happened before any response byte
// arrived. On a reused connection this usually means the server closed it
// while it sat idle, and the request may be replayed on a fresh connection.
var ErrNoResponse = errors.New("connector: connection closed before response")

// Phase identifies the step of connection establishment that failed.
type Phase string

const (
	PhaseResolve Phase = "resolve"
	PhaseDial    Phase = "dial"
	PhaseProxy   Phase = "proxy"
)

// ConnectError reports a resolution, dial or proxy tunnel failure.
type ConnectError struct {
	Phase Phase
	Addr  string
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connector: %s %s: %v", e.Phase, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was caused by a deadline.
func (e *ConnectError) Timeout() bool { return isTimeout(e.Err) }

// TLSError reports a failed TLS handshake.
type TLSError struct {
	ServerName string
	Err        error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("connector: tls handshake with %s: %v", e.ServerName, e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// Timeout reports whether the handshake ran out of time.
func (e *TLSError) Timeout() bool { return isTimeout(e.Err) }

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
