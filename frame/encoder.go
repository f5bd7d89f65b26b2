package frame

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/wmdanor/gateway-ws/internal"
)

// payloads below this size are copied behind the header into one buffer
const mergeThreshold = 1024

var (
	ErrEncoderStopped = errors.New("frame encoder stopped")

	// source of masking keys
	maskKeyReader io.Reader = rand.Reader
)

type FrameOptions struct {
	Fin    bool
	Opcode Opcode
	RSV1   bool
	Mask   bool
	// Mutable allows BuildFrame to mask data in place.
	Mutable bool
}

// BuildFrame returns the wire form of one frame: a single buffer holding header and
// payload, or the header followed by the payload itself when copying it is not worth it.
func BuildFrame(data []byte, opts FrameOptions) [][]byte {
	merge := len(data) < mergeThreshold || (opts.Mask && !opts.Mutable)

	h := Header{
		IsFinal:       opts.Fin,
		RSV1:          opts.RSV1,
		Opcode:        opts.Opcode,
		IsMasked:      opts.Mask,
		PayloadLength: uint64(len(data)),
	}
	if opts.Mask {
		if _, err := io.ReadFull(maskKeyReader, h.MaskingKey[:]); err != nil {
			panic(fmt.Sprintf("frame: failed to generate masking key: %v", err))
		}
	}

	size := h.Size()
	if merge {
		size += len(data)
	}
	target := h.AppendTo(make([]byte, 0, size))
	offset := len(target)

	if !opts.Mask {
		if merge {
			return [][]byte{append(target, data...)}
		}
		return [][]byte{target, data}
	}

	if merge {
		target = target[:offset+len(data)]
		internal.Mask(data, h.MaskingKey, target, offset, len(data))
		return [][]byte{target}
	}

	internal.Unmask(data, h.MaskingKey)
	return [][]byte{target, data}
}

type SendOptions struct {
	Binary   bool
	Compress bool
	Fin      bool
	Mask     bool
}

// FrameWriter transmits the buffers of one frame after the frames written before it.
// It takes ownership of bufs and may complete later; cb then runs on the encoder
// owner's task.
type FrameWriter interface {
	WriteFrame(bufs [][]byte, cb func(error))
}

type EncoderConfig struct {
	// used for messages sent with Compress set
	Compressor Compressor
	// Schedule runs fn on the task that owns the encoder. It is used to resume after an
	// asynchronous compression; nil runs fn directly.
	Schedule func(fn func())

	Logger *zap.Logger
}

type deferredOp struct {
	run  func()
	size int
}

// Encoder writes frames to w in call order. While a compression call is in flight later
// operations are queued and replayed in submission order once it completes.
//
// Operation callbacks run on the owner's task once the FrameWriter finished the frame.
// Payloads are referenced until then and must not be modified. The Encoder is not safe
// for concurrent use.
type Encoder struct {
	w   FrameWriter
	cfg EncoderConfig
	l   *zap.Logger

	firstFragment bool
	compress      bool
	deflating     bool
	stopped       bool

	queue         *queue.Queue
	bufferedBytes int
}

func NewEncoder(w FrameWriter, cfg EncoderConfig) *Encoder {
	if cfg.Schedule == nil {
		cfg.Schedule = func(fn func()) { fn() }
	}
	l := cfg.Logger
	if l == nil {
		l = zap.NewNop()
	}

	return &Encoder{
		w:             w,
		cfg:           cfg,
		l:             l,
		firstFragment: true,
		queue:         queue.New(),
	}
}

// BufferedAmount is the number of payload bytes waiting behind a compression call.
func (e *Encoder) BufferedAmount() int {
	return e.bufferedBytes
}

// CloseFrameData returns the body of a close frame. Code 0 produces an empty body.
func CloseFrameData(code CloseCode, reason string) ([]byte, error) {
	if code == 0 {
		return []byte{}, nil
	}
	if !code.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCloseCode, code)
	}

	b := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(b, code.U())
	b = append(b, reason...)
	if len(b) > MaxControlPayload {
		return nil, fmt.Errorf("%w: close reason of %d bytes", ErrControlTooLong, len(reason))
	}

	return b, nil
}

func (e *Encoder) Close(code CloseCode, reason string, mask bool, cb func(error)) error {
	data, err := CloseFrameData(code, reason)
	if err != nil {
		return err
	}

	e.control(OpcodeConnectionClose, data, mask, true, cb)
	return nil
}

func (e *Encoder) Ping(data []byte, mask bool, cb func(error)) error {
	if len(data) > MaxControlPayload {
		return fmt.Errorf("%w: ping of %d bytes", ErrControlTooLong, len(data))
	}

	e.control(OpcodePing, data, mask, false, cb)
	return nil
}

func (e *Encoder) Pong(data []byte, mask bool, cb func(error)) error {
	if len(data) > MaxControlPayload {
		return fmt.Errorf("%w: pong of %d bytes", ErrControlTooLong, len(data))
	}

	e.control(OpcodePong, data, mask, false, cb)
	return nil
}

func (e *Encoder) control(opcode Opcode, data []byte, mask, mutable bool, cb func(error)) {
	opts := FrameOptions{Fin: true, Opcode: opcode, Mask: mask, Mutable: mutable}
	do := func() {
		e.sendFrame(BuildFrame(data, opts), cb)
	}

	if e.deflating {
		e.enqueue(do, len(data), cb)
		return
	}
	do()
}

// Send writes one data frame. The first frame of a message carries the text or binary
// opcode and the compressed flag, following frames use the continuation opcode.
func (e *Encoder) Send(data []byte, opts SendOptions, cb func(error)) {
	opcode := OpcodeTextFrame
	if opts.Binary {
		opcode = OpcodeBinaryFrame
	}

	rsv1 := opts.Compress && e.cfg.Compressor != nil
	if e.firstFragment {
		e.firstFragment = false
		e.compress = rsv1
	} else {
		rsv1 = false
		opcode = OpcodeContinuationFrame
	}
	if opts.Fin {
		e.firstFragment = true
	}

	frameOpts := FrameOptions{Fin: opts.Fin, RSV1: rsv1, Opcode: opcode, Mask: opts.Mask}
	compress := e.compress

	if e.deflating {
		e.enqueue(func() { e.dispatch(data, compress, frameOpts, cb) }, len(data), cb)
		return
	}
	e.dispatch(data, compress, frameOpts, cb)
}

func (e *Encoder) dispatch(data []byte, compress bool, opts FrameOptions, cb func(error)) {
	if e.stopped {
		callback(cb, ErrEncoderStopped)
		return
	}
	if !compress {
		e.sendFrame(BuildFrame(data, opts), cb)
		return
	}

	e.bufferedBytes += len(data)
	e.deflating = true

	e.l.Debug("deflating message payload", zap.Int("length", len(data)), zap.Bool("fin", opts.Fin))

	e.cfg.Compressor.Compress(data, opts.Fin, func(buf []byte, err error) {
		e.cfg.Schedule(func() {
			e.bufferedBytes -= len(data)
			e.deflating = false

			if e.stopped {
				callback(cb, ErrEncoderStopped)
				return
			}
			if err != nil {
				callback(cb, fmt.Errorf("failed to compress message: [%w]", err))
			} else {
				opts.Mutable = true
				e.sendFrame(BuildFrame(buf, opts), cb)
			}
			e.dequeue()
		})
	})
}

func (e *Encoder) enqueue(run func(), size int, cb func(error)) {
	if e.stopped {
		callback(cb, ErrEncoderStopped)
		return
	}

	e.bufferedBytes += size
	e.queue.Add(deferredOp{run: run, size: size})
}

func (e *Encoder) dequeue() {
	for !e.deflating && e.queue.Length() > 0 {
		op := e.queue.Remove().(deferredOp)
		e.bufferedBytes -= op.size
		op.run()
	}
}

func (e *Encoder) sendFrame(list [][]byte, cb func(error)) {
	if e.stopped {
		callback(cb, ErrEncoderStopped)
		return
	}

	e.w.WriteFrame(list, func(err error) {
		if err != nil {
			err = fmt.Errorf("failed to write frame: [%w]", err)
		}
		callback(cb, err)
	})
}

// Stop abandons queued operations, which complete with ErrEncoderStopped, and rejects
// later ones. Nothing partial is written.
func (e *Encoder) Stop() {
	e.stopped = true

	for e.queue.Length() > 0 {
		op := e.queue.Remove().(deferredOp)
		e.bufferedBytes -= op.size
		op.run()
	}
}

func callback(cb func(error), err error) {
	if cb != nil {
		cb(err)
	}
}
