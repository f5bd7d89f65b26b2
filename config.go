package websocket

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wmdanor/gateway-ws/deflate"
	"github.com/wmdanor/gateway-ws/frame"
)

const (
	DefaultHost     = "gateway.discord.gg"
	DefaultVersion  = 10
	DefaultEncoding = "json"

	DefaultCloseTimeout   = 30 * time.Second
	DefaultMaxPayload     = 100 * 1024 * 1024
	DefaultReadBufferSize = 16 * 1024
	DefaultReadHighWater  = 16 * 1024
)

// Config describes one connection. The zero value connects to the default gateway.
type Config struct {
	// ws:// or wss:// endpoint. When empty the gateway URL is built from Host,
	// Version and Encoding.
	URL      string
	Host     string
	Version  int
	Encoding string

	// extra handshake request headers
	Header       http.Header
	Subprotocols []string

	// 0 means no timeout
	HandshakeTimeout time.Duration
	// how long to wait for the peer to finish the close handshake
	CloseTimeout time.Duration

	// limit of one received message; 0 selects DefaultMaxPayload, negative disables it
	MaxPayload int64
	BinaryType frame.BinaryType
	// permessage-deflate offer, nil disables compression
	Compression  *deflate.Options
	ValidateUTF8 bool

	ReadBufferSize int
	// buffered bytes at which reading pauses while a message is being inflated
	ReadHighWater int

	// nil selects NetUpgrader
	Upgrader Upgrader
	Logger   *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Version == 0 {
		c.Version = DefaultVersion
	}
	if c.Encoding == "" {
		c.Encoding = DefaultEncoding
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = DefaultMaxPayload
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.ReadHighWater <= 0 {
		c.ReadHighWater = DefaultReadHighWater
	}
	if c.Upgrader == nil {
		c.Upgrader = &NetUpgrader{}
	}
	return c
}

// payloadLimit is the limit handed to the parser, where 0 means unlimited.
func (c Config) payloadLimit() int64 {
	if c.MaxPayload < 0 {
		return 0
	}
	return c.MaxPayload
}

func (c Config) gatewayURL() (*url.URL, error) {
	if c.URL == "" {
		q := url.Values{}
		q.Set("v", strconv.Itoa(c.Version))
		q.Set("encoding", c.Encoding)
		return &url.URL{Scheme: "wss", Host: c.Host, Path: "/", RawQuery: q.Encode()}, nil
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse url: [%w]", ErrHandshakeFailure, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: url schema must be ws or wss, actual %q", ErrHandshakeFailure, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: url %q has no host", ErrHandshakeFailure, c.URL)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

// newLogger returns l, or the logger selected by WS_LOG=1 and WS_LOG_FILE, or a no-op logger.
func newLogger(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	if os.Getenv("WS_LOG") != "1" {
		return zap.NewNop()
	}

	cfg := zap.NewDevelopmentConfig()
	if path := os.Getenv("WS_LOG_FILE"); path != "" {
		cfg.OutputPaths = []string{path}
	}

	built, err := cfg.Build()
	if err != nil {
		fallback := zap.Must(zap.NewDevelopment())
		fallback.Warn("failed to build websocket logger, logging to stderr", zap.Error(err))
		return fallback
	}
	return built
}
