package websocket

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wmdanor/gateway-ws/deflate"
)

// Dialer opens connections to arbitrary ws:// and wss:// URLs.
type Dialer struct {
	Subprotocols     []string
	Compression      *deflate.Options
	HandshakeTimeout time.Duration

	Logger *zap.Logger
}

// Dial connects to urlStr. Listeners registered on the returned Conn may miss events
// received right after the handshake; use NewConn and Connect to register them first.
func (d *Dialer) Dial(ctx context.Context, urlStr string, header http.Header) (*Conn, error) {
	return Dial(ctx, Config{
		URL:              urlStr,
		Header:           header,
		Subprotocols:     d.Subprotocols,
		Compression:      d.Compression,
		HandshakeTimeout: d.HandshakeTimeout,
		Logger:           d.Logger,
	})
}

// Dial creates a Conn for cfg and performs the opening handshake.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	c := NewConn(cfg)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NetUpgrader dials TCP, or TLS for wss://, and performs the HTTP/1.1 Upgrade.
type NetUpgrader struct {
	// nil uses a config with only ServerName set
	TLSConfig *tls.Config
}

func (u *NetUpgrader) Upgrade(ctx context.Context, r *UpgradeRequest) (*UpgradeResponse, error) {
	dialAddr := r.Host
	if r.URL.Port() == "" {
		port := "80"
		if r.URL.Scheme == "wss" {
			port = "443"
		}
		dialAddr = net.JoinHostPort(r.URL.Hostname(), port)
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial remote address %q: [%w]", dialAddr, err)
	}

	res, err := u.upgrade(ctx, netConn, r)
	if err != nil {
		return nil, multierr.Append(err, netConn.Close())
	}
	return res, nil
}

func (u *NetUpgrader) upgrade(ctx context.Context, netConn net.Conn, r *UpgradeRequest) (*UpgradeResponse, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := netConn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("failed to set handshake deadline: [%w]", err)
		}
	}
	// unblocks reads and writes once ctx is cancelled
	stop := context.AfterFunc(ctx, func() {
		_ = netConn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if r.URL.Scheme == "wss" {
		cfg := u.TLSConfig.Clone()
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg.ServerName = r.URL.Hostname()
		}

		tlsConn := tls.Client(netConn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to perform TLS handshake: [%w]", err)
		}
		netConn = tlsConn
	}

	reqURL := *r.URL
	switch reqURL.Scheme {
	case "ws":
		reqURL.Scheme = "http"
	case "wss":
		reqURL.Scheme = "https"
	}

	req := http.Request{
		Method:     http.MethodGet,
		URL:        &reqURL,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Host:       r.Host,
		Header:     r.Header,
	}

	err := req.Write(netConn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to write request: [%w]", ErrHandshakeFailure, err)
	}

	bufReader := bufio.NewReaderSize(netConn, 4096)

	res, err := http.ReadResponse(bufReader, &req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: [%w]", ErrHandshakeFailure, err)
	}
	res.Body = io.NopCloser(bytes.NewReader([]byte{}))

	if !stop() {
		return nil, context.Cause(ctx)
	}
	if err := netConn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("failed to clear handshake deadline: [%w]", err)
	}

	var head []byte
	if n := bufReader.Buffered(); n > 0 {
		head, _ = bufReader.Peek(n)
		head = bytes.Clone(head)
	}

	return &UpgradeResponse{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Conn:       netConn,
		Head:       head,
	}, nil
}
