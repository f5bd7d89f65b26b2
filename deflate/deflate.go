// Package deflate implements the permessage-deflate extension (RFC 7692) as the
// compression service of a connection: offer, negotiation and the per message codec.
package deflate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/wmdanor/gateway-ws/frame"
)

const (
	ExtensionName = "permessage-deflate"

	headerSecWsExt = "Sec-WebSocket-Extensions"

	paramServerNoContextTakeover = "server_no_context_takeover"
	paramClientNoContextTakeover = "client_no_context_takeover"
	paramServerMaxWindowBits     = "server_max_window_bits"
	paramClientMaxWindowBits     = "client_max_window_bits"

	// LZ77 window of the flate format
	windowSize = 32 * 1024
)

var (
	ErrNegotiation = errors.New("permessage-deflate negotiation failed")

	// sync flush marker stripped from every compressed message
	flushTail = []byte{0x00, 0x00, 0xff, 0xff}
	// flushTail followed by an empty final block so the inflater sees a clean end of stream
	inflateTail = []byte{0x00, 0x00, 0xff, 0xff, 0x01, 0x00, 0x00, 0xff, 0xff}
)

type Options struct {
	// flate level, 0 selects flate.DefaultCompression
	Level int

	ClientNoContextTakeover bool
	ServerNoContextTakeover bool

	// upper bound of one inflated message, 0 or less disables it
	MaxMessageSize int64
}

// Offer is the Sec-WebSocket-Extensions value a client sends for these options.
func (o Options) Offer() string {
	params := []string{ExtensionName}
	if o.ClientNoContextTakeover {
		params = append(params, paramClientNoContextTakeover)
	}
	if o.ServerNoContextTakeover {
		params = append(params, paramServerNoContextTakeover)
	}
	return strings.Join(params, "; ")
}

// Negotiate reads the server's Sec-WebSocket-Extensions response. It returns nil when
// the server did not accept the extension.
func Negotiate(o Options, h http.Header) (*Extension, error) {
	var accepted *Options

	for _, value := range h.Values(headerSecWsExt) {
		for _, ext := range strings.Split(value, ",") {
			params := strings.Split(ext, ";")
			name := strings.TrimSpace(params[0])
			if name == "" {
				continue
			}
			if name != ExtensionName {
				return nil, fmt.Errorf("%w: server accepted extension %q that was not offered", ErrNegotiation, name)
			}
			if accepted != nil {
				return nil, fmt.Errorf("%w: extension accepted more than once", ErrNegotiation)
			}

			opts := o
			if err := applyParams(&opts, params[1:]); err != nil {
				return nil, err
			}
			accepted = &opts
		}
	}

	if accepted == nil {
		return nil, nil
	}
	return New(*accepted), nil
}

func applyParams(o *Options, params []string) error {
	seen := map[string]bool{}

	for _, param := range params {
		key, value, _ := strings.Cut(strings.TrimSpace(param), "=")
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)

		if seen[key] {
			return fmt.Errorf("%w: duplicate parameter %q", ErrNegotiation, key)
		}
		seen[key] = true

		switch key {
		case paramServerNoContextTakeover:
			o.ServerNoContextTakeover = true
		case paramClientNoContextTakeover:
			o.ClientNoContextTakeover = true
		case paramServerMaxWindowBits:
			if _, err := parseWindowBits(value); err != nil {
				return err
			}
		case paramClientMaxWindowBits:
			bits, err := parseWindowBits(value)
			if err != nil {
				return err
			}
			if bits != 15 {
				return fmt.Errorf("%w: %s=%d is not supported", ErrNegotiation, key, bits)
			}
		default:
			return fmt.Errorf("%w: unknown parameter %q", ErrNegotiation, key)
		}
	}

	return nil
}

func parseWindowBits(value string) (int, error) {
	bits, err := strconv.Atoi(value)
	if err != nil || bits < 8 || bits > 15 {
		return 0, fmt.Errorf("%w: invalid window bits %q", ErrNegotiation, value)
	}
	return bits, nil
}

// Extension is the negotiated codec. It implements frame.Compressor and
// frame.Decompressor and calls back synchronously. Compress and Decompress keep
// separate state, each must be used from one task at a time.
type Extension struct {
	opts Options

	fw   *flate.Writer
	wbuf bytes.Buffer

	fr       io.ReadCloser
	inflate  []byte
	readDict []byte
}

func New(o Options) *Extension {
	if o.Level == 0 {
		o.Level = flate.DefaultCompression
	}
	return &Extension{opts: o}
}

func (e *Extension) Options() Options {
	return e.opts
}

// Compress deflates payload. Frames of one message form a single deflate stream;
// the trailing sync marker is removed from the final frame.
func (e *Extension) Compress(payload []byte, fin bool, cb func([]byte, error)) {
	if e.fw == nil {
		fw, err := flate.NewWriter(&e.wbuf, e.opts.Level)
		if err != nil {
			cb(nil, fmt.Errorf("failed to create deflate writer: [%w]", err))
			return
		}
		e.fw = fw
	}

	if _, err := e.fw.Write(payload); err != nil {
		cb(nil, fmt.Errorf("failed to deflate payload: [%w]", err))
		return
	}
	if err := e.fw.Flush(); err != nil {
		cb(nil, fmt.Errorf("failed to flush deflate writer: [%w]", err))
		return
	}

	out := bytes.Clone(e.wbuf.Bytes())
	e.wbuf.Reset()

	if fin {
		out = bytes.TrimSuffix(out, flushTail)
		if e.opts.ClientNoContextTakeover {
			e.fw.Reset(&e.wbuf)
		}
	}

	cb(out, nil)
}

// Decompress collects the frames of a message and inflates it on the final frame;
// earlier frames report no output.
func (e *Extension) Decompress(payload []byte, fin bool, cb func([]byte, error)) {
	e.inflate = append(e.inflate, payload...)
	if !fin {
		cb(nil, nil)
		return
	}

	compressed := e.inflate
	e.inflate = nil

	src := io.MultiReader(bytes.NewReader(compressed), bytes.NewReader(inflateTail))
	if e.fr == nil {
		e.fr = flate.NewReaderDict(src, e.readDict)
	} else if err := e.fr.(flate.Resetter).Reset(src, e.readDict); err != nil {
		cb(nil, fmt.Errorf("failed to reset inflater: [%w]", err))
		return
	}

	r := io.Reader(e.fr)
	if e.opts.MaxMessageSize > 0 {
		r = io.LimitReader(r, e.opts.MaxMessageSize+1)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		cb(nil, fmt.Errorf("failed to inflate message: [%w]", err))
		return
	}
	if e.opts.MaxMessageSize > 0 && int64(len(out)) > e.opts.MaxMessageSize {
		cb(nil, &frame.Error{
			Code: frame.CloseMessageTooBig,
			Err:  frame.ErrMessageTooBig,
			Msg:  fmt.Sprintf("inflated message exceeds %d bytes", e.opts.MaxMessageSize),
		})
		return
	}

	if !e.opts.ServerNoContextTakeover {
		e.readDict = slideWindow(e.readDict, out)
	}

	cb(out, nil)
}

func slideWindow(window, out []byte) []byte {
	window = append(window, out...)
	if len(window) > windowSize {
		window = append([]byte(nil), window[len(window)-windowSize:]...)
	}
	return window
}
