package websocket

import (
	"encoding/base64"
	"errors"
	"net/http"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/wmdanor/gateway-ws/deflate"
)

func TestSecWebsocketAccept(t *testing.T) {
	input := "dGhlIHNhbXBsZSBub25jZQ=="

	actual := newSecWebsocketAccept(input)

	expected := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if actual.String() != expected {
		t.Errorf("NewSecWebsocketAccept(%q) = %q, expected %q", input, actual, expected)
	} else {
		t.Logf("NewSecWebsocketAccept(%q) = %q, OK", input, actual)
	}
}

func TestSecWsKey(t *testing.T) {
	key, err := newSecWsKey()
	assert.NilError(t, err)

	nonce, err := base64.StdEncoding.DecodeString(key)
	assert.NilError(t, err)
	assert.Equal(t, len(nonce), 16)
}

func TestGatewayURL(t *testing.T) {
	u, err := Config{}.withDefaults().gatewayURL()
	assert.NilError(t, err)
	assert.Equal(t, u.String(), "wss://gateway.discord.gg/?encoding=json&v=10")

	u, err = Config{Host: "localhost:8080", Version: 9, Encoding: "etf"}.withDefaults().gatewayURL()
	assert.NilError(t, err)
	assert.Equal(t, u.String(), "wss://localhost:8080/?encoding=etf&v=9")

	u, err = Config{URL: "ws://127.0.0.1:9001"}.gatewayURL()
	assert.NilError(t, err)
	assert.Equal(t, u.RequestURI(), "/")

	_, err = Config{URL: "http://127.0.0.1"}.gatewayURL()
	assert.ErrorContains(t, err, "url schema must be ws or wss")
	assert.Assert(t, errors.Is(err, ErrHandshakeFailure))
}

func TestNewUpgradeRequest(t *testing.T) {
	cfg := Config{
		URL:          "wss://example.com/gateway?v=10",
		Header:       http.Header{"Authorization": {"Bot token"}},
		Subprotocols: []string{"json", "etf"},
		Compression:  &deflate.Options{ClientNoContextTakeover: true},
	}

	req, err := newUpgradeRequest(cfg, "key")
	assert.NilError(t, err)

	assert.Equal(t, req.Host, "example.com")
	assert.Equal(t, req.Path, "/gateway?v=10")
	assert.Equal(t, req.Header.Get("Authorization"), "Bot token")
	assert.Equal(t, req.Header.Get(headerUpgrade), "websocket")
	assert.Equal(t, req.Header.Get(headerConn), "Upgrade")
	assert.Equal(t, req.Header.Get(headerSecWsVersion), "13")
	assert.Equal(t, req.Header.Get(headerSecWsKey), "key")
	assert.Equal(t, req.Header.Get(headerSecWsProto), "json, etf")
	assert.Equal(t, req.Header.Get(headerSecWsExt), "permessage-deflate; client_no_context_takeover")

	req.Header.Add("Authorization", "changed")
	assert.Equal(t, len(cfg.Header["Authorization"]), 1)
}

func acceptedHeader(key string) http.Header {
	h := http.Header{}
	h.Set(headerUpgrade, "websocket")
	h.Set(headerConn, "Upgrade")
	h.Set(headerSecWsAccept, newSecWebsocketAccept(key).String())
	return h
}

func TestValidateResponse(t *testing.T) {
	const key = "dGhlIHNhbXBsZSBub25jZQ=="

	testCases := []struct {
		name     string
		cfg      Config
		status   int
		modify   func(h http.Header)
		err      string
		protocol string
		ext      bool
	}{
		{name: "accepted", status: 101},
		{name: "bad status", status: 200, err: "unexpected server response: 200"},
		{name: "bad upgrade", status: 101, modify: func(h http.Header) { h.Set(headerUpgrade, "h2c") }, err: `"Upgrade" header must be`},
		{name: "connection list", status: 101, modify: func(h http.Header) { h.Set(headerConn, "keep-alive, upgrade") }},
		{name: "bad connection", status: 101, modify: func(h http.Header) { h.Set(headerConn, "close") }, err: `"Connection" header must be`},
		{name: "missing accept", status: 101, modify: func(h http.Header) { h.Del(headerSecWsAccept) }, err: "missing"},
		{name: "bad accept", status: 101, modify: func(h http.Header) { h.Set(headerSecWsAccept, "nope") }, err: "invalid \"Sec-WebSocket-Accept\" header"},
		{
			name:     "subprotocol",
			cfg:      Config{Subprotocols: []string{"etf", "json"}},
			status:   101,
			modify:   func(h http.Header) { h.Set(headerSecWsProto, "json") },
			protocol: "json",
		},
		{
			name:   "unrequested subprotocol",
			status: 101,
			modify: func(h http.Header) { h.Set(headerSecWsProto, "json") },
			err:    "not requested",
		},
		{
			name:   "unoffered extension",
			status: 101,
			modify: func(h http.Header) { h.Set(headerSecWsExt, "permessage-deflate") },
			err:    "not offered",
		},
		{
			name:   "compression accepted",
			cfg:    Config{Compression: &deflate.Options{}},
			status: 101,
			modify: func(h http.Header) { h.Set(headerSecWsExt, "permessage-deflate; server_no_context_takeover") },
			ext:    true,
		},
		{
			name:   "compression declined",
			cfg:    Config{Compression: &deflate.Options{}},
			status: 101,
		},
		{
			name:   "bad extension params",
			cfg:    Config{Compression: &deflate.Options{}},
			status: 101,
			modify: func(h http.Header) { h.Set(headerSecWsExt, "permessage-deflate; client_max_window_bits=9") },
			err:    "not supported",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := acceptedHeader(key)
			if tc.modify != nil {
				tc.modify(h)
			}

			result, err := validateResponse(tc.cfg, &UpgradeResponse{StatusCode: tc.status, Header: h}, key)
			if tc.err != "" {
				assert.ErrorContains(t, err, tc.err)
				assert.Assert(t, errors.Is(err, ErrHandshakeFailure))
				return
			}

			assert.NilError(t, err)
			assert.Equal(t, result.protocol, tc.protocol)
			assert.Equal(t, result.ext != nil, tc.ext)
		})
	}
}

func TestValidateResponseLimitsInflatedSize(t *testing.T) {
	const key = "key"
	h := acceptedHeader(key)
	h.Set(headerSecWsExt, "permessage-deflate")

	cfg := Config{Compression: &deflate.Options{}, MaxPayload: 1024}
	result, err := validateResponse(cfg, &UpgradeResponse{StatusCode: 101, Header: h}, key)
	assert.NilError(t, err)
	assert.Equal(t, result.ext.Options().MaxMessageSize, int64(1024))
}
