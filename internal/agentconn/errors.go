package agentconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"grimm.is/vmlink/internal/protocol"
)

// Command errors.
var (
	ErrNotConnected     = errors.New("agent not connected")
	ErrTimeout          = errors.New("command timed out")
	ErrCancelled        = errors.New("command cancelled")
	ErrConnectionClosed = errors.New("connection closed")
	ErrShuttingDown     = errors.New("shutting down")
	ErrUnknownAction    = protocol.ErrUnknownAction
)

// Lifecycle reasons a connection is destroyed.
var (
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts reached")
	ErrEndpointRemoved      = errors.New("endpoint removed")
	ErrReplaced             = errors.New("connection replaced")
)

// ErrStale is the transport error synthesized when a session goes quiet for
// longer than the stale threshold.
var ErrStale = errors.New("session stale")

// CommandError is returned for every failed command. ID is empty when the
// command was rejected before an id was assigned.
type CommandError struct {
	ID   string
	VMID string
	Err  error
}

func (e *CommandError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("vm %s: %v", e.VMID, e.Err)
	}
	return fmt.Sprintf("vm %s: command %s: %v", e.VMID, e.ID, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// rejectReason maps a destroy reason to the error pending commands see.
func rejectReason(reason error) error {
	switch {
	case reason == nil:
		return ErrConnectionClosed
	case errors.Is(reason, ErrShuttingDown), errors.Is(reason, ErrConnectionClosed):
		return reason
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, reason)
}

// ErrorKind buckets transport failures for log throttling.
type ErrorKind string

const (
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindConnectionRefused ErrorKind = "connection_refused"
	KindEndpointMissing   ErrorKind = "endpoint_missing"
	KindClosed            ErrorKind = "closed"
	KindStale             ErrorKind = "stale"
	KindTimeout           ErrorKind = "timeout"
	KindOther             ErrorKind = "other"
)

// ClassifyError reports which kind of transport failure err is.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStale):
		return KindStale
	case errors.Is(err, unix.ECONNREFUSED):
		return KindConnectionRefused
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM), errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, unix.ENOENT), errors.Is(err, fs.ErrNotExist):
		return KindEndpointMissing
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed),
		errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EPIPE):
		return KindClosed
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, unix.ETIMEDOUT):
		return KindTimeout
	}
	return KindOther
}
