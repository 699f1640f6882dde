// Package transport dials guest agent endpoints.
//
// An endpoint is a file in the watched directory. For the unix transport it
// is the agent's socket itself; for vsock it is a small text file naming the
// guest CID and, optionally, the port ("<cid>" or "<cid>:<port>").
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"

	"grimm.is/vmlink/internal/agentconn"
)

// DefaultVsockPort is the port guest agents listen on.
const DefaultVsockPort = 5000

const (
	KindUnix  = "unix"
	KindVsock = "vsock"
)

// ErrInvalidEndpoint is returned when a vsock endpoint file cannot be parsed.
var ErrInvalidEndpoint = errors.New("invalid vsock endpoint")

// New returns the dialer for kind. vsockPort is the default agent port for
// vsock endpoints; zero selects DefaultVsockPort.
func New(kind string, vsockPort uint32) (agentconn.Dialer, error) {
	switch kind {
	case "", KindUnix:
		return UnixDialer{}, nil
	case KindVsock:
		if vsockPort == 0 {
			vsockPort = DefaultVsockPort
		}
		return VsockDialer{Port: vsockPort}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}

// UnixDialer connects to a unix stream socket.
type UnixDialer struct{}

// Dial implements agentconn.Dialer.
func (UnixDialer) Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", endpoint)
}

// VsockDialer connects to the guest CID named by the endpoint file.
type VsockDialer struct {
	Port uint32
}

// Dial implements agentconn.Dialer.
func (d VsockDialer) Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	raw, err := os.ReadFile(endpoint)
	if err != nil {
		return nil, err
	}
	cid, port, err := ParseVsockEndpoint(string(raw), d.Port)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := vsock.Dial(cid, port, nil)
		if err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{conn: c}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// ParseVsockEndpoint reads "<cid>" or "<cid>:<port>". defaultPort is used
// when the port is omitted.
func ParseVsockEndpoint(s string, defaultPort uint32) (cid, port uint32, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}

	cidPart, portPart, hasPort := strings.Cut(s, ":")
	c, err := strconv.ParseUint(cidPart, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: cid %q", ErrInvalidEndpoint, cidPart)
	}
	// CIDs 0-2 are reserved for the hypervisor, local and host.
	if c < 3 {
		return 0, 0, fmt.Errorf("%w: reserved cid %d", ErrInvalidEndpoint, c)
	}

	port = defaultPort
	if hasPort {
		p, err := strconv.ParseUint(portPart, 10, 32)
		if err != nil || p == 0 {
			return 0, 0, fmt.Errorf("%w: port %q", ErrInvalidEndpoint, portPart)
		}
		port = uint32(p)
	}
	if port == 0 {
		port = DefaultVsockPort
	}
	return uint32(c), port, nil
}
