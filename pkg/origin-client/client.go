package origin

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"go.trai.ch/zerr"
)

var (
	// ErrOriginUnreachable means the connection could not be established,
	// or broke before the origin closed it.
	ErrOriginUnreachable = zerr.New("origin unreachable")
	// ErrOriginTimeout means the origin did not finish its response within the timeout.
	ErrOriginTimeout = zerr.New("origin timed out")
)

// DefaultTimeout is used when Client.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Client fetches resources from a single origin, one TCP connection per fetch.
// The origin is expected to close the connection after the response.
type Client struct {
	// Address of the origin, host:port.
	Addr string
	// Value of the Host request header. Addr is used if empty.
	Host string
	// Deadline for the whole exchange (dial, write, read).
	Timeout time.Duration
}

// Fetch sends a GET for target and returns the raw response bytes.
// If validator is not empty, it is sent as If-Modified-Since.
func (c *Client) Fetch(ctx context.Context, target, validator string) ([]byte, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, c.classify(err, target)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, c.classify(err, target)
	}
	// unblock reads if the caller's context is cancelled before the deadline
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := c.writeRequest(conn, target, validator); err != nil {
		return nil, c.classify(err, target)
	}
	raw, err := io.ReadAll(conn)
	if err != nil {
		return nil, c.classify(err, target)
	}
	return raw, nil
}

func (c *Client) writeRequest(w io.Writer, target, validator string) error {
	host := c.Host
	if host == "" {
		host = c.Addr
	}
	bw := bufio.NewWriter(w)
	bw.WriteString("GET " + target + " HTTP/1.1\r\n")
	bw.WriteString("Host: " + host + "\r\n")
	if validator != "" {
		bw.WriteString("If-Modified-Since: " + validator + "\r\n")
	}
	bw.WriteString("Connection: close\r\n\r\n")
	return bw.Flush()
}

// classify maps network errors to ErrOriginTimeout or ErrOriginUnreachable.
func (c *Client) classify(err error, target string) error {
	kind := ErrOriginUnreachable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		kind = ErrOriginTimeout
	}
	wrapped := zerr.With(zerr.Wrap(kind, err.Error()), "origin", c.Addr)
	return zerr.With(wrapped, "target", target)
}
