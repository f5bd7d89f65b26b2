package websocket

import (
	"sync"

	"go.uber.org/zap"
)

type listener[F any] struct {
	id   uint64
	fn   F
	once bool
}

// listeners is a table of callbacks for one event kind. Once listeners are removed when
// the event fires.
type listeners[F any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []listener[F]
}

func (ls *listeners[F]) add(fn F, once bool) (remove func()) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.nextID++
	id := ls.nextID
	ls.entries = append(ls.entries, listener[F]{id: id, fn: fn, once: once})

	return func() {
		ls.mu.Lock()
		defer ls.mu.Unlock()

		for i, e := range ls.entries {
			if e.id == id {
				ls.entries = append(ls.entries[:i:i], ls.entries[i+1:]...)
				return
			}
		}
	}
}

// take returns the callbacks to run for one firing.
func (ls *listeners[F]) take() []F {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	fns := make([]F, 0, len(ls.entries))
	kept := ls.entries[:0:0]
	for _, e := range ls.entries {
		fns = append(fns, e.fn)
		if !e.once {
			kept = append(kept, e)
		}
	}
	ls.entries = kept

	return fns
}

type eventTable struct {
	open    listeners[func()]
	message listeners[func(Message)]
	ping    listeners[func([]byte)]
	pong    listeners[func([]byte)]
	close   listeners[func(CloseCode, string)]
	error   listeners[func(error)]
}

// OnOpen registers fn for the open event. The returned function removes it.
func (c *Conn) OnOpen(fn func()) (remove func()) {
	return c.events.open.add(fn, false)
}

func (c *Conn) OnceOpen(fn func()) (remove func()) {
	return c.events.open.add(fn, true)
}

func (c *Conn) OnMessage(fn func(Message)) (remove func()) {
	return c.events.message.add(fn, false)
}

func (c *Conn) OnceMessage(fn func(Message)) (remove func()) {
	return c.events.message.add(fn, true)
}

// OnPing registers fn for received pings. The pong reply is sent before fn runs.
func (c *Conn) OnPing(fn func([]byte)) (remove func()) {
	return c.events.ping.add(fn, false)
}

func (c *Conn) OncePing(fn func([]byte)) (remove func()) {
	return c.events.ping.add(fn, true)
}

func (c *Conn) OnPong(fn func([]byte)) (remove func()) {
	return c.events.pong.add(fn, false)
}

func (c *Conn) OncePong(fn func([]byte)) (remove func()) {
	return c.events.pong.add(fn, true)
}

// OnClose registers fn for the close event, which fires exactly once per Conn.
func (c *Conn) OnClose(fn func(code CloseCode, reason string)) (remove func()) {
	return c.events.close.add(fn, false)
}

func (c *Conn) OnceClose(fn func(code CloseCode, reason string)) (remove func()) {
	return c.events.close.add(fn, true)
}

func (c *Conn) OnError(fn func(error)) (remove func()) {
	return c.events.error.add(fn, false)
}

func (c *Conn) OnceError(fn func(error)) (remove func()) {
	return c.events.error.add(fn, true)
}

func (c *Conn) emitOpen() {
	c.queue(func() {
		for _, fn := range c.events.open.take() {
			fn()
		}
	})
}

func (c *Conn) emitMessage(msg Message) {
	c.queue(func() {
		for _, fn := range c.events.message.take() {
			fn(msg)
		}
	})
}

func (c *Conn) emitPing(data []byte) {
	c.queue(func() {
		for _, fn := range c.events.ping.take() {
			fn(data)
		}
	})
}

func (c *Conn) emitPong(data []byte) {
	c.queue(func() {
		for _, fn := range c.events.pong.take() {
			fn(data)
		}
	})
}

func (c *Conn) emitError(err error) {
	c.l.Debug("connection error", zap.Error(err))
	c.queue(func() {
		for _, fn := range c.events.error.take() {
			fn(err)
		}
	})
}

// queue schedules fn to run after the connection lock is released. Must hold c.mu.
func (c *Conn) queue(fn func()) {
	c.pending = append(c.pending, fn)
}

// unlock releases c.mu and runs queued events in order. Only one goroutine runs events
// at a time, events queued meanwhile are picked up by it.
func (c *Conn) unlock() {
	if c.dispatching || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}

	c.dispatching = true
	for {
		pending := c.pending
		c.pending = nil
		if len(pending) == 0 {
			c.dispatching = false
			c.mu.Unlock()
			return
		}

		c.mu.Unlock()
		for _, fn := range pending {
			fn()
		}
		c.mu.Lock()
	}
}
