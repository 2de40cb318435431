package qsys

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// readChunkSize is the socket read size for the TCP transport.
	readChunkSize = 4096

	// defaultWriteTimeout bounds a single frame write.
	defaultWriteTimeout = 5 * time.Second

	// qrcSubprotocol is required by device WebSocket endpoints.
	qrcSubprotocol = "jsonrpc"

	// qrcPath is used when the configured URL has no path.
	qrcPath = "/qrc"
)

// Transport carries whole JSON-RPC messages. ReadMessage is called from a
// single goroutine; WriteMessage may be called concurrently.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(msg []byte) error
	Close() error
}

// tcpTransport frames messages with a trailing NUL byte.
type tcpTransport struct {
	conn   net.Conn
	frames *FrameBuffer
	chunk  []byte

	writeMu sync.Mutex
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{
		conn:   conn,
		frames: NewFrameBuffer(maxFrameSize),
		chunk:  make([]byte, readChunkSize),
	}
}

func dialTCP(ctx context.Context, address string) (*tcpTransport, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, address, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true) //nolint:errcheck // best effort
	}
	return newTCPTransport(conn), nil
}

func (t *tcpTransport) ReadMessage() ([]byte, error) {
	for {
		frame, ok, err := t.frames.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return frame, nil
		}

		n, err := t.conn.Read(t.chunk)
		if n > 0 {
			t.frames.Write(t.chunk[:n]) //nolint:errcheck // never fails
		}
		if err != nil {
			return nil, err
		}
	}
}

func (t *tcpTransport) WriteMessage(msg []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	_, err := t.conn.Write(Encode(msg))
	return err
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// wsTransport carries one message per WebSocket text frame.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// WSOptions controls TLS leniency for wss:// endpoints.
type WSOptions struct {
	InsecureSkipVerify bool
	MinVersion         uint16
	DisableSNI         bool
}

func dialWebSocket(ctx context.Context, rawURL string, opts WSOptions) (*wsTransport, error) {
	target, err := qrcURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // operator opt-in for self-signed device certificates
		MinVersion:         opts.MinVersion,
	}

	dialer := websocket.Dialer{
		Subprotocols:     []string{qrcSubprotocol},
		HandshakeTimeout: defaultWriteTimeout * 2,
		TLSClientConfig:  tlsCfg,
	}
	if opts.DisableSNI {
		dialer.NetDialTLSContext = noSNIDialer(tlsCfg)
	}

	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // handshake body is not used
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, target, err)
	}
	return &wsTransport{conn: conn}, nil
}

// noSNIDialer performs the TLS handshake without a server name extension.
// The certificate is still verified against the dialled host unless
// verification is disabled altogether.
func noSNIDialer(base *tls.Config) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		var d net.Dialer
		raw, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		cfg := base.Clone()
		cfg.ServerName = ""
		if !base.InsecureSkipVerify {
			cfg.InsecureSkipVerify = true //nolint:gosec // replaced by VerifyConnection below
			cfg.VerifyConnection = verifyPeer(host)
		}

		conn := tls.Client(raw, cfg)
		if err := conn.HandshakeContext(ctx); err != nil {
			raw.Close() //nolint:errcheck // handshake error takes precedence
			return nil, err
		}
		return conn, nil
	}
}

func verifyPeer(host string) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("no peer certificate")
		}
		inter := x509.NewCertPool()
		for _, c := range cs.PeerCertificates[1:] {
			inter.AddCert(c)
		}
		_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
			DNSName:       host,
			Intermediates: inter,
		})
		return err
	}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// Some firmwares terminate WebSocket payloads like TCP frames.
		data = bytes.TrimRight(data, "\x00")
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) WriteMessage(msg []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// qrcURL adds the /qrc path when rawURL has none.
func qrcURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q (use ws or wss)", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = qrcPath
	}
	return u.String(), nil
}

// tlsVersion maps "1.0".."1.3" to crypto/tls constants. Empty or unknown
// strings mean the library default.
func tlsVersion(s string) uint16 {
	switch s {
	case "1.0":
		return tls.VersionTLS10
	case "1.1":
		return tls.VersionTLS11
	case "1.2":
		return tls.VersionTLS12
	case "1.3":
		return tls.VersionTLS13
	default:
		return 0
	}
}
