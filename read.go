package websocket

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/wmdanor/gateway-ws/frame"
)

// readLoop feeds the parser with everything read from netConn until the transport fails
// or the connection is closed. head holds bytes read together with the handshake response.
func (c *Conn) readLoop(netConn net.Conn, head []byte) {
	if len(head) > 0 && c.feed(head) {
		if !c.waitDrain() {
			return
		}
	}

	buf := make([]byte, c.cfg.ReadBufferSize)
	for {
		n, err := netConn.Read(buf)
		if n > 0 {
			c.l.Debug("received bytes", zap.Int("length", n))
			if c.feed(bytes.Clone(buf[:n])) && !c.waitDrain() {
				return
			}
		}
		if err != nil {
			c.readFailed(err)
			return
		}
	}
}

// feed hands chunk to the parser and reports whether reading should pause.
func (c *Conn) feed(chunk []byte) (pause bool) {
	c.mu.Lock()
	defer c.unlock()

	if c.parser == nil {
		return false
	}
	if err := c.parser.Feed(chunk); err != nil {
		return false
	}

	c.paused = c.parser != nil && c.parser.Inflating() && c.parser.Buffered() >= c.cfg.ReadHighWater
	return c.paused
}

// waitDrain blocks until the parser drained or the connection closed.
func (c *Conn) waitDrain() bool {
	c.l.Debug("pausing reads while inflating")

	select {
	case <-c.drained:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) readFailed(err error) {
	c.mu.Lock()
	defer c.unlock()

	if c.state == StateClosed {
		return
	}

	if !c.ended && !errors.Is(err, io.EOF) {
		c.emitError(fmt.Errorf("%w: failed to read from transport: [%w]", ErrTransport, err))
	}
	c.l.Debug("transport closed", zap.Error(err))

	c.finish()
}

// connHandler receives parser events on behalf of a Conn. It runs under c.mu.
type connHandler struct {
	c *Conn
}

func (h connHandler) OnMessage(msg frame.Message) {
	h.c.emitMessage(msg)
}

func (h connHandler) OnPing(data []byte) {
	c := h.c
	if c.state == StateOpen {
		if err := c.encoder.Pong(data, true, c.writeCallback(nil)); err != nil {
			c.l.Debug("failed to reply to ping", zap.Error(err))
		}
	}
	c.emitPing(data)
}

func (h connHandler) OnPong(data []byte) {
	h.c.emitPong(data)
}

// OnConclude handles the peer's close frame: record it and echo it unless already sent.
func (h connHandler) OnConclude(code frame.CloseCode, reason string) {
	c := h.c

	c.closeFrameReceived = true
	c.closeCode = code
	c.closeReason = reason

	switch {
	case code == CloseNoStatusReceived:
		code, reason = 0, ""
	case !code.IsValid():
		code, reason = CloseProtocolError, ""
	}

	if err := c.closeLocked(code, reason); err != nil {
		c.l.Debug("failed to echo close frame", zap.Error(err))
	}
}

func (h connHandler) OnError(err error) {
	c := h.c

	c.state = StateClosing
	if code, ok := frame.CloseCodeOf(err); ok {
		c.closeCode = code
	}
	c.emitError(err)

	c.finish()
}

// OnDrain resumes a read loop paused by feed.
func (h connHandler) OnDrain() {
	c := h.c
	if !c.paused {
		return
	}
	c.paused = false

	select {
	case c.drained <- struct{}{}:
	default:
	}
}
