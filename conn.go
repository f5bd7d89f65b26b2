package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wmdanor/gateway-ws/deflate"
	"github.com/wmdanor/gateway-ws/frame"
)

var (
	ErrNotOpen   = errors.New("websocket is not open")
	ErrTransport = errors.New("websocket transport failure")
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Conn is a client websocket connection. Its methods are safe for concurrent use and
// never block on the peer; results are reported through events and callbacks, which run
// outside the connection's lock and in order.
type Conn struct {
	cfg Config
	l   *zap.Logger

	events eventTable

	mu          sync.Mutex
	pending     []func()
	dispatching bool

	state    State
	protocol string

	closeCode          CloseCode
	closeReason        string
	closeFrameSent     bool
	closeFrameReceived bool
	closeEmitted       bool
	closeTimer         *time.Timer

	// set once Connect started
	cancelHandshake context.CancelCauseFunc

	netConn net.Conn
	out     *outbox
	// the transport was shut down by this side, read errors that follow are expected
	ended   bool
	parser  *frame.Parser
	encoder *frame.Encoder
	ext     *deflate.Extension

	// the read loop waits for drained
	paused  bool
	drained chan struct{}
	done    chan struct{}
}

// NewConn returns a connection in the CONNECTING state. Register listeners, then call Connect.
func NewConn(cfg Config) *Conn {
	cfg = cfg.withDefaults()

	return &Conn{
		cfg:       cfg,
		l:         newLogger(cfg.Logger),
		state:     StateConnecting,
		closeCode: CloseAbnormalClosure,
		drained:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Connect performs the opening handshake. On failure the error and close events fire
// before Connect returns the error.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnecting || c.cancelHandshake != nil {
		state := c.state
		c.unlock()
		return fmt.Errorf("connect called twice, connection is %s", state)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if c.cfg.HandshakeTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, c.cfg.HandshakeTimeout,
			fmt.Errorf("%w: opening handshake has timed out", ErrHandshakeFailure))
		defer cancelTimeout()
	}
	c.cancelHandshake = cancel
	c.unlock()

	key, err := newSecWsKey()
	if err != nil {
		return c.failHandshake(ctx, err)
	}
	req, err := newUpgradeRequest(c.cfg, key)
	if err != nil {
		return c.failHandshake(ctx, err)
	}

	c.l.Debug("dialing websocket server", zap.String("url", req.URL.String()))

	res, err := c.cfg.Upgrader.Upgrade(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		} else if !errors.Is(err, ErrHandshakeFailure) {
			err = fmt.Errorf("%w: failed to upgrade connection: [%w]", ErrHandshakeFailure, err)
		}
		return c.failHandshake(ctx, err)
	}

	result, err := validateResponse(c.cfg, res, key)
	if err == nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		return c.failHandshake(ctx, multierr.Append(err, res.Conn.Close()))
	}

	c.mu.Lock()
	defer c.unlock()

	if c.state != StateConnecting {
		return multierr.Append(context.Cause(ctx), res.Conn.Close())
	}
	c.open(res, result)

	return nil
}

func (c *Conn) failHandshake(ctx context.Context, err error) error {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateConnecting {
		// already aborted by Close or Terminate
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return err
	}

	c.abortHandshake(err)
	return err
}

// open hooks the upgraded stream up to a fresh parser and encoder. Must hold c.mu.
func (c *Conn) open(res *UpgradeResponse, result handshakeResult) {
	c.netConn = res.Conn
	c.out = newOutbox(res.Conn, c.runLocked, c.l)
	c.protocol = result.protocol
	c.ext = result.ext
	c.cancelHandshake = nil

	parserCfg := frame.ParserConfig{
		BinaryType:   c.cfg.BinaryType,
		MaxPayload:   c.cfg.payloadLimit(),
		Schedule:     c.schedule,
		ValidateUTF8: c.cfg.ValidateUTF8,
		Logger:       c.l,
	}
	encoderCfg := frame.EncoderConfig{
		Schedule: c.schedule,
		Logger:   c.l,
	}
	if c.ext != nil {
		parserCfg.Decompressor = c.ext
		encoderCfg.Compressor = c.ext
	}

	c.parser = frame.NewParser(parserCfg, connHandler{c: c})
	c.encoder = frame.NewEncoder(c.out, encoderCfg)

	if tcp, ok := res.Conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	c.state = StateOpen
	c.l.Debug("websocket connection opened",
		zap.String("protocol", c.protocol),
		zap.Bool("compression", c.ext != nil))
	c.emitOpen()

	go c.readLoop(res.Conn, res.Head)
}

// runLocked runs fn on the connection's task: under c.mu, followed by event dispatch.
func (c *Conn) runLocked(fn func()) {
	c.mu.Lock()
	defer c.unlock()
	fn()
}

// schedule runs fn on the connection's task from another goroutine.
func (c *Conn) schedule(fn func()) {
	go c.runLocked(fn)
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Protocol is the subprotocol selected by the server.
func (c *Conn) Protocol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// CloseCode is the code of the close handshake, CloseAbnormalClosure until one is known.
func (c *Conn) CloseCode() CloseCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// Compressed reports whether permessage-deflate was negotiated.
func (c *Conn) Compressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ext != nil
}

// BufferedAmount is the number of bytes queued behind an in-flight compression.
func (c *Conn) BufferedAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder == nil {
		return 0
	}
	return c.encoder.BufferedAmount()
}

// Done is closed after the close event fired.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
