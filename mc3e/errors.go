package mc3e

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors for the client failure taxonomy.
var (
	// ErrConnection indicates the socket was refused, reset, or closed
	// mid-exchange. The client marks itself unhealthy; the owner must
	// discard it and reconnect.
	ErrConnection = errors.New("mc3e: connection failure")

	// ErrTimeout indicates no response arrived within the read timeout.
	// The client marks itself unhealthy.
	ErrTimeout = errors.New("mc3e: timeout")

	// ErrRead covers malformed frames and other read-side failures that do
	// not implicate the socket itself.
	ErrRead = errors.New("mc3e: read failure")

	// ErrNotConnected is returned by operations on a disconnected client.
	ErrNotConnected = errors.New("mc3e: not connected")
)

// ProtocolError is a non-zero completion code returned by the PLC.
type ProtocolError struct {
	Code uint16
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mc3e: completion code 0x%04X", e.Code)
}

// IsConnectionError reports whether err means the underlying socket is dead
// or unusable, so the holder should discard the client rather than retry on
// the same connection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrNotConnected) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "unreachable") ||
		strings.Contains(errStr, "closed")
}

// classifyIOError wraps a socket error as ErrTimeout or ErrConnection.
func classifyIOError(err error, op string) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrConnection, op, err)
}
