package websocket

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/wmdanor/gateway-ws/frame"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SendOptions describe one data frame. Fin ends the message; Compress only applies when
// permessage-deflate was negotiated and is taken from the first frame of a message.
type SendOptions = frame.SendOptions

// Send queues one data frame and returns without waiting for the peer. data is copied.
// Write failures are reported through the error event.
func (c *Conn) Send(data []byte, opts SendOptions) error {
	return c.send(bytes.Clone(data), opts)
}

// send queues data, which the encoder keeps until the frame is written.
func (c *Conn) send(data []byte, opts SendOptions) error {
	c.mu.Lock()
	defer c.unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}

	c.encoder.Send(data, opts, c.writeCallback(nil))
	return nil
}

// SendText sends s as a single masked text message.
func (c *Conn) SendText(s string) error {
	return c.send([]byte(s), SendOptions{Fin: true, Mask: true, Compress: true})
}

// SendBinary sends data as a single masked binary message.
func (c *Conn) SendBinary(data []byte) error {
	return c.Send(data, SendOptions{Binary: true, Fin: true, Mask: true, Compress: true})
}

// SendJSON encodes v and sends it as a text message.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: [%w]", err)
	}
	return c.send(data, SendOptions{Fin: true, Mask: true, Compress: true})
}

// DecodeJSON decodes a received message into v.
func DecodeJSON(msg Message, v any) error {
	data := msg.Data
	if msg.Fragments != nil {
		data = bytes.Join(msg.Fragments, nil)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode message: [%w]", err)
	}
	return nil
}

// Ping sends a ping frame. cb, if not nil, receives the write result.
func (c *Conn) Ping(data []byte, mask bool, cb func(error)) error {
	c.mu.Lock()
	defer c.unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.encoder.Ping(bytes.Clone(data), mask, c.writeCallback(cb))
}

// Pong sends an unsolicited pong frame. cb, if not nil, receives the write result.
func (c *Conn) Pong(data []byte, mask bool, cb func(error)) error {
	c.mu.Lock()
	defer c.unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.encoder.Pong(bytes.Clone(data), mask, c.writeCallback(cb))
}

func (c *Conn) checkOpen() error {
	if c.state != StateOpen {
		return fmt.Errorf("%w: current state %s", ErrNotOpen, c.state)
	}
	return nil
}

// writeCallback returns the encoder callback of one operation. It runs under c.mu, cb is
// deferred until the lock is released.
func (c *Conn) writeCallback(cb func(error)) func(error) {
	return func(err error) {
		if err != nil {
			c.onWriteError(err)
		}
		if cb != nil {
			c.queue(func() { cb(err) })
		}
	}
}
