package websocket

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/wmdanor/gateway-ws/deflate"
)

const (
	headerUpgrade      = "Upgrade"
	headerConn         = "Connection"
	headerSecWsVersion = "Sec-WebSocket-Version"
	headerSecWsProto   = "Sec-WebSocket-Protocol"
	headerSecWsExt     = "Sec-WebSocket-Extensions"
	headerSecWsKey     = "Sec-WebSocket-Key"
	headerSecWsAccept  = "Sec-WebSocket-Accept"

	headerUpgradeExpected      = "websocket"
	headerConnExpected         = "Upgrade"
	headerSecWsVersionExpected = "13"

	wsGuid = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
)

var (
	ErrHandshakeFailure = errors.New("handshake failure")
)

// UpgradeRequest is the opening handshake a connection asks its Upgrader to perform.
type UpgradeRequest struct {
	URL *url.URL
	// host[:port] the request is addressed to
	Host string
	// request target, path and query
	Path   string
	Header http.Header
}

// UpgradeResponse is the server's answer. Conn is the upgraded byte stream and Head holds
// bytes read past the response headers, which belong to the websocket stream.
type UpgradeResponse struct {
	StatusCode int
	Header     http.Header
	Conn       net.Conn
	Head       []byte
}

// Upgrader performs the HTTP Upgrade exchange. On success the returned Conn is owned by
// the caller, including when the status code is not 101.
type Upgrader interface {
	Upgrade(ctx context.Context, req *UpgradeRequest) (*UpgradeResponse, error)
}

func newSecWsKey() (string, error) {
	nonce := [16]byte{}

	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate %s: [%w]", headerSecWsKey, err)
	}

	b64 := base64.StdEncoding.EncodeToString(nonce[:])

	return b64, nil
}

type secWebsocketAccept string

func newSecWebsocketAccept(secWebSocketKey string) secWebsocketAccept {
	concat := secWebSocketKey + wsGuid

	hasher := sha1.New()
	hasher.Write([]byte(concat))

	bytes := hasher.Sum(nil)
	b64 := base64.StdEncoding.EncodeToString(bytes)

	return secWebsocketAccept(b64)
}

func (a secWebsocketAccept) String() string {
	return string(a)
}

// Checks if header equals expected value (case insensitive)
// If yes - returns `"", true`
// If no - returns `"<actual_value>", false`
func headerEquals(h http.Header, header, expectedValue string) (string, bool) {
	actualValue := h.Get(header)
	if strings.EqualFold(expectedValue, actualValue) {
		return "", true
	} else {
		return actualValue, false
	}
}

// Checks if a comma separated header contains token (case insensitive)
func headerHasToken(h http.Header, header, token string) (string, bool) {
	for _, value := range h.Values(header) {
		for _, t := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return "", true
			}
		}
	}
	return h.Get(header), false
}

func newUpgradeRequest(cfg Config, key string) (*UpgradeRequest, error) {
	u, err := cfg.gatewayURL()
	if err != nil {
		return nil, err
	}

	h := make(http.Header)
	for hk, hv := range cfg.Header {
		h[hk] = slices.Clone(hv)
	}

	h.Set(headerUpgrade, headerUpgradeExpected)
	h.Set(headerConn, headerConnExpected)
	h.Set(headerSecWsVersion, headerSecWsVersionExpected)
	h.Set(headerSecWsKey, key)

	if len(cfg.Subprotocols) > 0 {
		h.Set(headerSecWsProto, strings.Join(cfg.Subprotocols, ", "))
	}
	if cfg.Compression != nil {
		h.Set(headerSecWsExt, cfg.Compression.Offer())
	}

	return &UpgradeRequest{
		URL:    u,
		Host:   u.Host,
		Path:   u.RequestURI(),
		Header: h,
	}, nil
}

type handshakeResult struct {
	protocol string
	ext      *deflate.Extension
}

// validateResponse checks the server's answer to a request sent with key.
func validateResponse(cfg Config, res *UpgradeResponse, key string) (handshakeResult, error) {
	var result handshakeResult

	if res.StatusCode != http.StatusSwitchingProtocols {
		return result, fmt.Errorf("%w: unexpected server response: %d", ErrHandshakeFailure, res.StatusCode)
	}

	actual, ok := headerEquals(res.Header, headerUpgrade, headerUpgradeExpected)
	if !ok {
		return result, fmt.Errorf(`%w: %q header must be %q , actual %q`,
			ErrHandshakeFailure, headerUpgrade, headerUpgradeExpected, actual)
	}

	actual, ok = headerHasToken(res.Header, headerConn, headerConnExpected)
	if !ok {
		return result, fmt.Errorf(`%w: %q header must be %q , actual %q`,
			ErrHandshakeFailure, headerConn, headerConnExpected, actual)
	}

	secWsAccept := res.Header.Get(headerSecWsAccept)
	if len(secWsAccept) == 0 {
		return result, fmt.Errorf("%w: missing %q header", ErrHandshakeFailure, headerSecWsAccept)
	} else if secWsAccept != newSecWebsocketAccept(key).String() {
		return result, fmt.Errorf("%w: invalid %q header", ErrHandshakeFailure, headerSecWsAccept)
	}

	if proto := res.Header.Get(headerSecWsProto); proto != "" {
		if !slices.Contains(cfg.Subprotocols, proto) {
			return result, fmt.Errorf("%w: server selected subprotocol %q that was not requested",
				ErrHandshakeFailure, proto)
		}
		result.protocol = proto
	}

	if cfg.Compression == nil {
		if ext := res.Header.Get(headerSecWsExt); ext != "" {
			return result, fmt.Errorf("%w: server accepted extensions %q that were not offered",
				ErrHandshakeFailure, ext)
		}
		return result, nil
	}

	opts := *cfg.Compression
	if opts.MaxMessageSize == 0 {
		opts.MaxMessageSize = cfg.payloadLimit()
	}
	ext, err := deflate.Negotiate(opts, res.Header)
	if err != nil {
		return result, fmt.Errorf("%w: [%w]", ErrHandshakeFailure, err)
	}
	result.ext = ext

	return result, nil
}
