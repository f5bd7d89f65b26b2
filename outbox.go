package websocket

import (
	"net"
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

type outboxOp struct {
	bufs net.Buffers
	cb   func(error)
	// half-close the transport instead of writing
	shutdown bool
}

// outbox owns the write side of the transport. A single goroutine writes queued frames
// in order, so code holding the connection lock never waits for the peer to read.
type outbox struct {
	netConn net.Conn
	// runs fn under the connection lock
	run func(fn func())
	l   *zap.Logger

	mu      sync.Mutex
	ops     *queue.Queue
	stopped bool
	wake    chan struct{}
}

func newOutbox(netConn net.Conn, run func(fn func()), l *zap.Logger) *outbox {
	o := &outbox{
		netConn: netConn,
		run:     run,
		l:       l,
		ops:     queue.New(),
		wake:    make(chan struct{}, 1),
	}
	go o.loop()
	return o
}

// WriteFrame queues bufs behind the frames already queued. cb runs under the
// connection lock once the write finished.
func (o *outbox) WriteFrame(bufs [][]byte, cb func(error)) {
	o.push(outboxOp{bufs: bufs, cb: cb})
}

// shutdown ends the write side of the transport after every queued frame was written.
func (o *outbox) shutdown() {
	o.push(outboxOp{shutdown: true})
}

// stop fails queued frames with net.ErrClosed. The transport must be closed by the
// caller so that a write in progress returns.
func (o *outbox) stop() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) push(op outboxOp) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		// the caller holds the connection lock
		if op.cb != nil {
			op.cb(net.ErrClosed)
		}
		return
	}
	o.ops.Add(op)
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// next blocks until an operation is queued. ok is false once stopped and drained.
func (o *outbox) next() (op outboxOp, stopped, ok bool) {
	o.mu.Lock()
	for o.ops.Length() == 0 {
		if o.stopped {
			o.mu.Unlock()
			return outboxOp{}, true, false
		}
		o.mu.Unlock()
		<-o.wake
		o.mu.Lock()
	}
	op = o.ops.Remove().(outboxOp)
	stopped = o.stopped
	o.mu.Unlock()

	return op, stopped, true
}

func (o *outbox) loop() {
	for {
		op, stopped, ok := o.next()
		if !ok {
			return
		}

		var err error
		switch {
		case stopped:
			err = net.ErrClosed
		case op.shutdown:
			o.closeWrite()
		default:
			_, err = op.bufs.WriteTo(o.netConn)
			if err != nil {
				o.l.Debug("failed to write frame", zap.Error(err))
			}
		}

		if op.cb != nil {
			o.run(func() { op.cb(err) })
		}
	}
}

// closeWrite sends FIN where the transport supports half-closing, the peer answers by
// closing the stream. Other transports are closed.
func (o *outbox) closeWrite() {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := o.netConn.(closeWriter); ok {
		if err := cw.CloseWrite(); err == nil {
			return
		}
	}
	_ = o.netConn.Close()
}
