package websocket

import (
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/wmdanor/gateway-ws/frame"
)

type CloseCode = frame.CloseCode

// Close codes defined in RFC 6455, section 11.7.
const (
	CloseNormalClosure           = frame.CloseNormalClosure
	CloseGoingAway               = frame.CloseGoingAway
	CloseProtocolError           = frame.CloseProtocolError
	CloseUnsupportedData         = frame.CloseUnsupportedData
	CloseNoStatusReceived        = frame.CloseNoStatusReceived
	CloseAbnormalClosure         = frame.CloseAbnormalClosure
	CloseInvalidFramePayloadData = frame.CloseInvalidFramePayloadData
	ClosePolicyViolation         = frame.ClosePolicyViolation
	CloseMessageTooBig           = frame.CloseMessageTooBig
	CloseMandatoryExtension      = frame.CloseMandatoryExtension
	CloseInternalServerErr       = frame.CloseInternalServerErr
	CloseServiceRestart          = frame.CloseServiceRestart
	CloseTryAgainLater           = frame.CloseTryAgainLater
	CloseTLSHandshake            = frame.CloseTLSHandshake
)

// Close starts the close handshake. Code 0 sends a close frame without a status code and
// the reason is ignored. Closing a CONNECTING connection aborts the handshake, closing a
// CLOSED one does nothing.
func (c *Conn) Close(code CloseCode, reason string) error {
	c.mu.Lock()
	defer c.unlock()

	switch c.state {
	case StateClosed:
		return nil
	case StateConnecting:
		c.abortHandshake(fmt.Errorf("%w: connection was closed before it was established", ErrHandshakeFailure))
		return nil
	}

	return c.closeLocked(code, reason)
}

// closeLocked sends the close frame once and ends the transport when both close frames
// were exchanged. Must hold c.mu.
func (c *Conn) closeLocked(code CloseCode, reason string) error {
	if c.state == StateClosing {
		if c.closeFrameSent && c.closeFrameReceived {
			c.endTransport()
		}
		return nil
	}
	if c.state != StateOpen {
		return nil
	}

	if _, err := frame.CloseFrameData(code, reason); err != nil {
		return err
	}

	c.state = StateClosing
	c.closeTimer = time.AfterFunc(c.cfg.CloseTimeout, c.closeTimedOut)
	c.l.Debug("closing websocket connection", zap.Uint16("code", code.U()))

	return c.encoder.Close(code, reason, true, func(err error) {
		if err != nil {
			c.onWriteError(err)
			return
		}

		c.closeFrameSent = true
		if c.closeFrameReceived {
			c.endTransport()
		}
	})
}

// Terminate destroys the transport without a close handshake.
func (c *Conn) Terminate() {
	c.mu.Lock()
	defer c.unlock()

	switch c.state {
	case StateClosed:
		return
	case StateConnecting:
		c.abortHandshake(fmt.Errorf("%w: connection was closed before it was established", ErrHandshakeFailure))
		return
	}

	c.l.Debug("terminating websocket connection")
	c.finish()
}

// abortHandshake is the single way out of CONNECTING: the handshake is cancelled with
// err as cause, then error and close fire. Must hold c.mu.
func (c *Conn) abortHandshake(err error) {
	if c.state != StateConnecting {
		return
	}

	c.l.Debug("aborting opening handshake", zap.Error(err))
	c.state = StateClosing
	if c.cancelHandshake != nil {
		c.cancelHandshake(err)
	}

	c.emitError(err)
	c.emitClose()
}

func (c *Conn) closeTimedOut() {
	c.mu.Lock()
	defer c.unlock()

	if c.state == StateClosed {
		return
	}
	c.l.Debug("close handshake timed out, destroying transport")
	c.finish()
}

// endTransport shuts the write side down once the queued frames are written. Must hold c.mu.
func (c *Conn) endTransport() {
	if c.ended {
		return
	}
	c.ended = true

	c.l.Debug("close frames exchanged, ending transport")
	c.out.shutdown()
}

// onWriteError handles a failed frame write. Must hold c.mu.
func (c *Conn) onWriteError(err error) {
	if errors.Is(err, frame.ErrEncoderStopped) || errors.Is(err, net.ErrClosed) || c.state == StateClosed {
		return
	}

	if !c.ended {
		c.emitError(fmt.Errorf("%w: [%w]", ErrTransport, err))
	}
	c.finish()
}

// finish releases the transport, parser and encoder and emits close. Must hold c.mu.
func (c *Conn) finish() {
	if c.closeEmitted {
		return
	}

	if c.closeTimer != nil {
		c.closeTimer.Stop()
	}
	c.ended = true

	encoder, parser := c.encoder, c.parser
	c.encoder, c.parser = nil, nil
	if parser != nil {
		parser.Stop()
	}
	if encoder != nil {
		encoder.Stop()
	}
	if c.netConn != nil {
		if err := c.netConn.Close(); err != nil {
			c.l.Debug("failed to close transport", zap.Error(err))
		}
	}
	if c.out != nil {
		c.out.stop()
	}

	c.emitClose()
}

// emitClose moves to CLOSED and fires close. Must hold c.mu.
func (c *Conn) emitClose() {
	if c.closeEmitted {
		return
	}
	c.closeEmitted = true
	c.state = StateClosed

	code, reason := c.closeCode, c.closeReason
	c.l.Debug("websocket connection closed", zap.Uint16("code", code.U()), zap.String("reason", reason))

	c.queue(func() {
		for _, fn := range c.events.close.take() {
			fn(code, reason)
		}
		close(c.done)
	})
}
