package common

import (
	"errors"
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Connection errors
// --------------------------------------------------------------------------

var (
	// ErrConnectionLost is returned for commands that were in flight when the
	// transport failed and that are not replayed (at-most-once)
	ErrConnectionLost = errors.New("connection lost")
	// ErrConnectionFatal is returned when a connection gave up reconnecting or
	// hit a non-retryable failure such as an authentication rejection
	ErrConnectionFatal = errors.New("connection failed permanently")
	// ErrCanceled is returned for commands that were canceled by the caller,
	// timed out or were pending while the connection was closed
	ErrCanceled = errors.New("command canceled")
	// ErrClosed is returned when dispatching on a closed connection or client
	ErrClosed = errors.New("connection closed")
	// ErrQuiescing is returned when dispatching on a connection that is draining
	ErrQuiescing = errors.New("connection is quiescing")
	// ErrNotConnected is returned when dispatching on a disconnected connection
	// that does not reconnect on its own
	ErrNotConnected = errors.New("connection is not connected")
)

// --------------------------------------------------------------------------
// Discovery and read-target errors
// --------------------------------------------------------------------------

var (
	// ErrDiscovery is returned when no sentinel monitor could resolve the master
	ErrDiscovery = errors.New("sentinel discovery failed")
	// ErrNoViableReadTarget is returned when the read-from policy left no candidate
	ErrNoViableReadTarget = errors.New("no viable read target")
)

// --------------------------------------------------------------------------
// Protocol errors
// --------------------------------------------------------------------------

// ProtocolError is a malformed frame on the wire. The connection that
// produced it cannot be trusted anymore and is torn down.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Msg
}

// NewProtocolError creates a new ProtocolError with a formatted message
func NewProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// --------------------------------------------------------------------------
// Routing errors
// --------------------------------------------------------------------------

// RoutingKind classifies a RoutingError
type RoutingKind int

const (
	RoutingCrossSlot RoutingKind = iota
	RoutingRedirectsExhausted
	RoutingNoPartition
)

func (k RoutingKind) String() string {
	switch k {
	case RoutingCrossSlot:
		return "cross slot"
	case RoutingRedirectsExhausted:
		return "redirects exhausted"
	case RoutingNoPartition:
		return "no partition"
	default:
		return "unknown"
	}
}

// RoutingError is reported to the caller when the router cannot place a
// command. The connections are never affected by it.
type RoutingError struct {
	Kind RoutingKind
	Slot int
	Msg  string
}

func (e *RoutingError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("routing error: %s", e.Kind)
	}
	return fmt.Sprintf("routing error: %s: %s", e.Kind, e.Msg)
}

// Is matches routing errors by kind, so errors.Is(err, ErrCrossSlot) works
// for every cross slot error regardless of slot and message
func (e *RoutingError) Is(target error) bool {
	t, ok := target.(*RoutingError)
	return ok && t.Kind == e.Kind
}

var (
	ErrCrossSlot          = &RoutingError{Kind: RoutingCrossSlot}
	ErrRedirectsExhausted = &RoutingError{Kind: RoutingRedirectsExhausted}
	ErrNoPartition        = &RoutingError{Kind: RoutingNoPartition}
)

// --------------------------------------------------------------------------
// Server errors
// --------------------------------------------------------------------------

// ServerError is an error reply sent by the server (e.g. "ERR unknown command")
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string {
	return e.Msg
}

// Prefix returns the error code of the reply, the first word of the message
func (e *ServerError) Prefix() string {
	if i := strings.IndexByte(e.Msg, ' '); i >= 0 {
		return e.Msg[:i]
	}
	return e.Msg
}

// --------------------------------------------------------------------------
// Classification helper
// --------------------------------------------------------------------------

// IsConnectionFatal reports whether err means that the connection will not
// recover without a new connect
func IsConnectionFatal(err error) bool {
	var pe *ProtocolError
	return errors.Is(err, ErrConnectionFatal) || errors.Is(err, ErrDiscovery) || errors.As(err, &pe)
}

// IsRetryable reports whether a command that failed with err may be sent again
// by the caller without risking a wrong result (the command never reached a
// healthy connection or its connection was lost)
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNotConnected)
}

// IsAuthError reports whether a server error rejects the credentials
func IsAuthError(err error) bool {
	var se *ServerError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Prefix() {
	case "WRONGPASS", "NOAUTH", "NOPERM":
		return true
	}
	return strings.Contains(se.Msg, "invalid password")
}
