package daelim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// Default timeouts for apartment server communication.
const (
	// defaultConnectTimeout is the maximum time to wait for the TCP connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultWriteTimeout is the timeout for a single frame write.
	defaultWriteTimeout = 5 * time.Second

	// readBufferSize is the size of one read chunk.
	readBufferSize = 8192

	// keepAlivePeriod keeps idle NAT mappings open between polls.
	keepAlivePeriod = 30 * time.Second
)

// Transport owns a raw byte stream. It has no protocol knowledge.
type Transport interface {
	// ReadChunk blocks until bytes arrive. It returns io.EOF on orderly close.
	ReadChunk() ([]byte, error)

	// Write sends all of p or fails.
	Write(p []byte) error

	// Close releases the stream and unblocks a pending ReadChunk. Idempotent.
	Close() error
}

// Dialer opens a Transport. Tests substitute in-memory pipes.
type Dialer func(ctx context.Context, address string, port int, timeout time.Duration) (Transport, error)

// DialTCP connects to the apartment server.
//
// Parameters:
//   - ctx: Context for cancellation
//   - address: Server host name or IP
//   - port: Server port (normally DefaultPort)
//   - timeout: Connect timeout; zero means the default of 10 seconds
//
// Returns:
//   - Transport: Connected stream
//   - error: ErrTimeout or ErrNetworkUnreachable (wrapped)
func DialTCP(ctx context.Context, address string, port int, timeout time.Duration) (Transport, error) {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := net.JoinHostPort(address, strconv.Itoa(port))
	dialer := net.Dialer{KeepAlive: keepAlivePeriod}
	conn, err := dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		return nil, classifyDialError(target, err)
	}
	return NewConnTransport(conn, defaultWriteTimeout), nil
}

func classifyDialError(target string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: dial %s: %w", ErrTimeout, target, err)
	}
	return fmt.Errorf("%w: dial %s: %w", ErrNetworkUnreachable, target, err)
}

// connTransport adapts a net.Conn.
type connTransport struct {
	conn         net.Conn
	writeTimeout time.Duration
	buf          []byte
	closeOnce    sync.Once
	closeErr     error
}

// NewConnTransport wraps an established connection.
func NewConnTransport(conn net.Conn, writeTimeout time.Duration) Transport {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &connTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		buf:          make([]byte, readBufferSize),
	}
}

func (t *connTransport) ReadChunk() ([]byte, error) {
	n, err := t.conn.Read(t.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, t.buf[:n])
		return out, nil
	}
	if err == nil {
		return nil, io.ErrNoProgress
	}
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	return nil, fmt.Errorf("read: %w", err)
}

func (t *connTransport) Write(p []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := t.conn.Write(p); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: write: %w", ErrTimeout, err)
		}
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (t *connTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
