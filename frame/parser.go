package frame

import (
	"encoding/binary"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/wmdanor/gateway-ws/internal"
)

type parserState uint8

const (
	stateInfo parserState = iota
	statePayloadLength16
	statePayloadLength64
	stateMask
	stateData
	stateInflating
	// terminal states
	stateClosed
	stateFailed
)

// Handler receives parser events. Each fatal error is delivered to OnError exactly once.
type Handler interface {
	OnMessage(msg Message)
	OnPing(data []byte)
	OnPong(data []byte)
	// OnConclude reports a received close frame, code is CloseNoStatusReceived
	// when the frame had no body.
	OnConclude(code CloseCode, reason string)
	OnError(err error)
	// OnDrain reports that an asynchronous decompression finished and the parser is
	// consuming buffered bytes again.
	OnDrain()
}

type ParserConfig struct {
	BinaryType BinaryType
	// 0 or less disables the limit
	MaxPayload int64
	// required to accept frames with RSV1 set
	Decompressor Decompressor
	// Schedule runs fn on the task that owns the parser. It is used to resume after an
	// asynchronous decompression; nil runs fn directly.
	Schedule     func(fn func())
	ValidateUTF8 bool

	Logger *zap.Logger
}

// Parser turns an arbitrarily chunked byte stream into frame events. It is not safe for
// concurrent use; the owner serializes Feed and scheduled resumptions.
type Parser struct {
	cfg ParserConfig
	h   Handler
	l   *zap.Logger

	buf     *internal.Chunks
	state   parserState
	looping bool

	header     Header
	compressed bool
	fragmented Opcode

	totalPayloadLength uint64
	messageLength      uint64
	fragments          [][]byte

	err error
}

func NewParser(cfg ParserConfig, h Handler) *Parser {
	if cfg.Schedule == nil {
		cfg.Schedule = func(fn func()) { fn() }
	}
	l := cfg.Logger
	if l == nil {
		l = zap.NewNop()
	}

	return &Parser{
		cfg: cfg,
		h:   h,
		l:   l,
		buf: internal.NewChunks(),
	}
}

// Feed appends chunk to the buffered bytes and parses as far as possible. The parser
// takes ownership of chunk. Once a close frame was parsed further bytes are dropped;
// once parsing failed Feed keeps returning that error.
func (p *Parser) Feed(chunk []byte) error {
	switch p.state {
	case stateClosed:
		return nil
	case stateFailed:
		return p.err
	}

	p.buf.Push(chunk)
	return p.run()
}

// Buffered is the number of received bytes not consumed yet.
func (p *Parser) Buffered() int {
	return p.buf.Len()
}

func (p *Parser) Inflating() bool {
	return p.state == stateInflating
}

// Done reports whether the parser reached a close frame or failed.
func (p *Parser) Done() bool {
	return p.state == stateClosed || p.state == stateFailed
}

// Stop abandons parsing. Buffered bytes and any pending decompression result are dropped.
func (p *Parser) Stop() {
	if p.state != stateFailed {
		p.state = stateClosed
	}
	p.buf.Reset()
	p.resetMessage()
}

func (p *Parser) run() error {
	p.looping = true
	defer func() { p.looping = false }()

	for {
		var (
			more bool
			err  error
		)

		switch p.state {
		case stateInfo:
			more, err = p.getInfo()
		case statePayloadLength16:
			more, err = p.getPayloadLength16()
		case statePayloadLength64:
			more, err = p.getPayloadLength64()
		case stateMask:
			more = p.getMask()
		case stateData:
			more, err = p.getData()
		default:
			return p.err
		}

		if err != nil {
			p.fail(err)
			return err
		}
		if !more {
			return nil
		}
	}
}

func (p *Parser) getInfo() (bool, error) {
	if p.buf.Len() < 2 {
		return false, nil
	}

	b := p.buf.Consume(2)
	if b[0]&(bitRSV2|bitRSV3) != 0 {
		return false, protocolError("RSV2 and RSV3 must be clear")
	}

	h := Header{
		IsFinal:       b[0]&bitFIN != 0,
		RSV1:          b[0]&bitRSV1 != 0,
		Opcode:        Opcode(b[0] & maskOpcode),
		IsMasked:      b[1]&bitMask != 0,
		PayloadLength: uint64(b[1] & maskLen7),
	}

	if h.Opcode.IsReserved() {
		return false, protocolError("invalid opcode %d", h.Opcode)
	}

	switch {
	case h.IsMiddleFragmentDataFrame() || h.IsFinalFragmentDataFrame():
		if h.RSV1 {
			return false, protocolError("RSV1 must be clear")
		}
		if p.fragmented == 0 {
			return false, protocolError("invalid opcode 0")
		}
		h.Opcode = p.fragmented
	case h.IsDataFrame():
		if p.fragmented != 0 {
			return false, protocolError("invalid opcode %d", h.Opcode)
		}
		if h.RSV1 && p.cfg.Decompressor == nil {
			return false, protocolError("RSV1 must be clear")
		}
		p.compressed = h.RSV1
	default:
		if !h.IsFinal {
			return false, protocolError("FIN must be set")
		}
		if h.RSV1 {
			return false, protocolError("RSV1 must be clear")
		}
		if h.PayloadLength > MaxControlPayload {
			return false, protocolError("invalid payload length %d", h.PayloadLength)
		}
	}

	if p.fragmented == 0 && h.IsFirstFragmentDataFrame() {
		p.fragmented = h.Opcode
	}
	p.header = h

	p.l.Debug("read frame info",
		zap.Stringer("opcode", h.Opcode),
		zap.Bool("fin", h.IsFinal),
		zap.Bool("masked", h.IsMasked),
		zap.Uint64("length7", h.PayloadLength))

	switch h.PayloadLength {
	case len16:
		p.state = statePayloadLength16
	case len64:
		p.state = statePayloadLength64
	default:
		return true, p.haveLength()
	}
	return true, nil
}

func (p *Parser) getPayloadLength16() (bool, error) {
	if p.buf.Len() < 2 {
		return false, nil
	}

	p.header.PayloadLength = uint64(binary.BigEndian.Uint16(p.buf.Consume(2)))
	return true, p.haveLength()
}

func (p *Parser) getPayloadLength64() (bool, error) {
	if p.buf.Len() < 8 {
		return false, nil
	}

	b := p.buf.Consume(8)
	if binary.BigEndian.Uint32(b) > MaxPayloadLength>>32 {
		return false, unsupportedData("payload length > 2^53 - 1")
	}

	p.header.PayloadLength = binary.BigEndian.Uint64(b)
	return true, p.haveLength()
}

func (p *Parser) haveLength() error {
	if p.header.PayloadLength > 0 && !p.header.Opcode.IsControl() {
		p.totalPayloadLength += p.header.PayloadLength
		if p.cfg.MaxPayload > 0 && p.totalPayloadLength > uint64(p.cfg.MaxPayload) {
			return messageTooBig(p.totalPayloadLength, p.cfg.MaxPayload)
		}
	}

	if p.header.IsMasked {
		p.state = stateMask
	} else {
		p.state = stateData
	}
	return nil
}

func (p *Parser) getMask() bool {
	if p.buf.Len() < 4 {
		return false
	}

	copy(p.header.MaskingKey[:], p.buf.Consume(4))
	p.state = stateData
	return true
}

func (p *Parser) getData() (bool, error) {
	data := []byte{}

	if n := p.header.PayloadLength; n > 0 {
		if uint64(p.buf.Len()) < n {
			return false, nil
		}

		data = p.buf.Consume(int(n))
		if p.header.IsMasked {
			internal.Unmask(data, p.header.MaskingKey)
		}
	}

	if p.header.IsControlFrame() {
		return p.controlMessage(data)
	}

	if p.compressed {
		p.decompress(data)
		return true, nil
	}

	if len(data) > 0 {
		p.messageLength = p.totalPayloadLength
		p.fragments = append(p.fragments, data)
	}

	return true, p.dataMessage()
}

func (p *Parser) decompress(data []byte) {
	p.state = stateInflating

	p.l.Debug("inflating frame payload", zap.Int("length", len(data)), zap.Bool("fin", p.header.IsFinal))

	p.cfg.Decompressor.Decompress(data, p.header.IsFinal, func(buf []byte, err error) {
		p.cfg.Schedule(func() {
			p.inflated(buf, err)
		})
	})
}

// inflated is the single resumption point after a decompression call.
func (p *Parser) inflated(buf []byte, err error) {
	if p.state != stateInflating {
		return
	}

	if err == nil && len(buf) > 0 {
		p.messageLength += uint64(len(buf))
		if p.cfg.MaxPayload > 0 && p.messageLength > uint64(p.cfg.MaxPayload) {
			err = messageTooBig(p.messageLength, p.cfg.MaxPayload)
		} else {
			p.fragments = append(p.fragments, buf)
		}
	} else if err != nil {
		if _, ok := CloseCodeOf(err); !ok {
			err = &Error{Code: CloseInvalidFramePayloadData, Err: ErrInvalidPayload, Msg: err.Error()}
		}
	}

	if err == nil {
		err = p.dataMessage()
	}
	if err != nil {
		p.fail(err)
		return
	}

	// a synchronous callback returns into the running loop
	if p.looping {
		return
	}

	if p.run() == nil && !p.Done() {
		p.h.OnDrain()
	}
}

func (p *Parser) dataMessage() error {
	p.state = stateInfo

	if !p.header.IsFinal {
		return nil
	}

	messageLength := p.messageLength
	fragments := p.fragments
	p.resetMessage()

	msg := Message{Opcode: p.header.Opcode}
	if msg.Opcode == OpcodeBinaryFrame && p.cfg.BinaryType == BinaryFragments {
		msg.Fragments = fragments
	} else {
		msg.Data = toBuffer(fragments, messageLength)
	}

	if msg.Opcode == OpcodeTextFrame && p.cfg.ValidateUTF8 && !utf8.Valid(msg.Data) {
		return invalidPayload("text message is not valid UTF-8")
	}

	p.h.OnMessage(msg)
	return nil
}

func (p *Parser) controlMessage(data []byte) (bool, error) {
	switch p.header.Opcode {
	case OpcodeConnectionClose:
		if len(data) == 1 {
			return false, protocolError("invalid payload length 1")
		}

		code, reason := CloseNoStatusReceived, []byte{}
		if len(data) >= 2 {
			code = CloseCode(binary.BigEndian.Uint16(data))
			reason = data[2:]
		}
		if p.cfg.ValidateUTF8 && !utf8.Valid(reason) {
			return false, invalidPayload("close reason is not valid UTF-8")
		}

		p.state = stateClosed
		p.buf.Reset()
		p.l.Debug("received close frame", zap.Uint16("code", code.U()))
		p.h.OnConclude(code, string(reason))
		return false, nil
	case OpcodePing:
		p.state = stateInfo
		p.h.OnPing(data)
	default:
		p.state = stateInfo
		p.h.OnPong(data)
	}

	return true, nil
}

func (p *Parser) fail(err error) {
	p.state = stateFailed
	p.err = err
	p.buf.Reset()
	p.resetMessage()

	p.l.Debug("frame parsing failed", zap.Error(err))
	p.h.OnError(err)
}

func (p *Parser) resetMessage() {
	p.totalPayloadLength = 0
	p.messageLength = 0
	p.fragmented = 0
	p.fragments = nil
}

func toBuffer(fragments [][]byte, messageLength uint64) []byte {
	switch len(fragments) {
	case 0:
		return []byte{}
	case 1:
		return fragments[0]
	}
	return internal.Concat(fragments, int(messageLength))
}
