package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"nhooyr.io/websocket"
)

const (
	// maxFrameSize bounds a single logical frame in either encoding.
	maxFrameSize = 1 * 1024 * 1024

	// dialTimeout is the default transport connect timeout.
	dialTimeout = 30 * time.Second
)

// FrameConn abstracts one physical duplex connection that carries whole JSON
// frames. Both encodings behave identically from the session's perspective:
// ReadFrame blocks for the next logical frame, WriteFrame sends exactly one.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// DialOptions configures transport establishment.
type DialOptions struct {
	// Encoding selects the wire encoding: "ws" or "line".
	Encoding string

	// Timeout bounds connection establishment.
	Timeout time.Duration

	// CAFile is an optional PEM bundle for verifying the gateway.
	CAFile string

	// InsecureSkipVerify disables TLS verification (dev only).
	InsecureSkipVerify bool
}

// Dial establishes a FrameConn to the endpoint using the selected encoding.
// ws/wss endpoints use the message-oriented WebSocket encoding; tcp/tls
// endpoints use the line-delimited encoding.
func Dial(ctx context.Context, endpoint string, opts DialOptions) (FrameConn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = dialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch opts.Encoding {
	case "ws":
		return dialWebSocket(ctx, endpoint, opts)
	case "line":
		return dialLine(ctx, u, opts)
	default:
		return nil, fmt.Errorf("unknown encoding %q", opts.Encoding)
	}
}

// dialWebSocket connects the WebSocket encoding.
func dialWebSocket(ctx context.Context, endpoint string, opts DialOptions) (FrameConn, error) {
	tlsConfig, err := buildTLSConfig(opts)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	return &wsFrameConn{conn: conn}, nil
}

// dialLine connects the line-delimited encoding over TCP or TLS.
func dialLine(ctx context.Context, u *url.URL, opts DialOptions) (FrameConn, error) {
	var (
		conn net.Conn
		err  error
	)

	switch u.Scheme {
	case "tcp":
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", u.Host)
	case "tls":
		tlsConfig, cfgErr := buildTLSConfig(opts)
		if cfgErr != nil {
			return nil, cfgErr
		}
		d := &tls.Dialer{Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", u.Host)
	default:
		return nil, fmt.Errorf("line encoding requires tcp:// or tls:// endpoint, got %q", u.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s failed: %w", u.Host, err)
	}

	return NewLineConn(conn), nil
}

// buildTLSConfig assembles the client TLS configuration.
func buildTLSConfig(opts DialOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", opts.CAFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// lineFrameConn carries one JSON object per newline-terminated line.
type lineFrameConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

// NewLineConn wraps a stream connection in the line-delimited encoding.
// Exported so tests can drive a session over net.Pipe.
func NewLineConn(conn net.Conn) FrameConn {
	return &lineFrameConn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64*1024),
	}
}

// ReadFrame reads the next newline-terminated frame.
func (c *lineFrameConn) ReadFrame() ([]byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) > maxFrameSize {
		return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
	}
	// Strip the record delimiter (and a CR if the peer sends CRLF).
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// WriteFrame writes one frame followed by the record delimiter.
func (c *lineFrameConn) WriteFrame(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *lineFrameConn) Close() error {
	return c.conn.Close()
}

// wsFrameConn carries one JSON object per WebSocket message.
type wsFrameConn struct {
	conn *websocket.Conn
}

// NewWebSocketConn wraps an established WebSocket connection.
func NewWebSocketConn(conn *websocket.Conn) FrameConn {
	conn.SetReadLimit(maxFrameSize)
	return &wsFrameConn{conn: conn}
}

// ReadFrame reads the next WebSocket message.
func (c *wsFrameConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.Read(context.Background())
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFrame writes one frame as a single text message.
func (c *wsFrameConn) WriteFrame(data []byte) error {
	if err := c.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close closes the WebSocket connection.
func (c *wsFrameConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "session closed")
}
