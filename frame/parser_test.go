package frame

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type event struct {
	kind      string
	opcode    Opcode
	data      string
	fragments []string
	code      CloseCode
}

var cmpEvents = cmp.AllowUnexported(event{})

type recorder struct {
	events []event
	errs   []error
	drains int
}

func (r *recorder) OnMessage(msg Message) {
	e := event{kind: "message", opcode: msg.Opcode, data: string(msg.Data)}
	for _, f := range msg.Fragments {
		e.fragments = append(e.fragments, string(f))
	}
	r.events = append(r.events, e)
}

func (r *recorder) OnPing(data []byte) {
	r.events = append(r.events, event{kind: "ping", data: string(data)})
}

func (r *recorder) OnPong(data []byte) {
	r.events = append(r.events, event{kind: "pong", data: string(data)})
}

func (r *recorder) OnConclude(code CloseCode, reason string) {
	r.events = append(r.events, event{kind: "conclude", code: code, data: reason})
}

func (r *recorder) OnError(err error) {
	r.errs = append(r.errs, err)
}

func (r *recorder) OnDrain() {
	r.drains++
}

func rawFrame(b0 byte, payload []byte) []byte {
	return append(Header{
		IsFinal:       b0&bitFIN != 0,
		RSV1:          b0&bitRSV1 != 0,
		Opcode:        Opcode(b0 & maskOpcode),
		PayloadLength: uint64(len(payload)),
	}.AppendTo(nil), payload...)
}

func TestParseTeacherFrames(t *testing.T) {
	testCases := []struct {
		name     string
		bytes    []byte
		expected string
	}{
		{
			name:     "masked",
			bytes:    []byte{0x81, 0x85, 0x37, 0xFA, 0x21, 0x3D, 0x7F, 0x9F, 0x4D, 0x51, 0x58},
			expected: "Hello",
		},
		{
			name:     "unmasked",
			bytes:    []byte{0x81, 0x05, 0x57, 0x6F, 0x72, 0x6C, 0x64},
			expected: "World",
		},
	}

	var sequence []byte
	for _, tc := range testCases {
		sequence = append(sequence, tc.bytes...)

		t.Run(tc.name, func(t *testing.T) {
			r := &recorder{}
			p := NewParser(ParserConfig{}, r)

			assert.NilError(t, p.Feed(append([]byte(nil), tc.bytes...)))
			assert.DeepEqual(t, r.events, []event{{kind: "message", opcode: OpcodeTextFrame, data: tc.expected}},
				cmpEvents)
		})
	}

	r := &recorder{}
	p := NewParser(ParserConfig{}, r)
	assert.NilError(t, p.Feed(sequence))
	assert.Equal(t, len(r.events), 2)
	assert.Equal(t, r.events[0].data, "Hello")
	assert.Equal(t, r.events[1].data, "World")
}

func TestParseFragmentedText(t *testing.T) {
	r := &recorder{}
	p := NewParser(ParserConfig{}, r)

	assert.NilError(t, p.Feed(rawFrame(0x01, []byte("ab"))))
	assert.Check(t, is.Len(r.events, 0))
	assert.NilError(t, p.Feed(rawFrame(0x80, []byte("cd"))))

	assert.DeepEqual(t, r.events, []event{{kind: "message", opcode: OpcodeTextFrame, data: "abcd"}}, cmpEvents)
}

func TestParseControlFramesInsideFragmentedMessage(t *testing.T) {
	r := &recorder{}
	p := NewParser(ParserConfig{}, r)

	var stream []byte
	stream = append(stream, rawFrame(0x02, []byte("ab"))...)
	stream = append(stream, rawFrame(0x89, []byte("p"))...)
	stream = append(stream, rawFrame(0x00, []byte("cd"))...)
	stream = append(stream, rawFrame(0x8A, nil)...)
	stream = append(stream, rawFrame(0x80, []byte("ef"))...)

	assert.NilError(t, p.Feed(stream))
	assert.DeepEqual(t, r.events, []event{
		{kind: "ping", data: "p"},
		{kind: "pong", data: ""},
		{kind: "message", opcode: OpcodeBinaryFrame, data: "abcdef"},
	}, cmpEvents)
}

func TestParseBinaryFragments(t *testing.T) {
	r := &recorder{}
	p := NewParser(ParserConfig{BinaryType: BinaryFragments}, r)

	assert.NilError(t, p.Feed(rawFrame(0x02, []byte("ab"))))
	assert.NilError(t, p.Feed(rawFrame(0x00, nil)))
	assert.NilError(t, p.Feed(rawFrame(0x80, []byte("cd"))))

	assert.DeepEqual(t, r.events, []event{
		{kind: "message", opcode: OpcodeBinaryFrame, fragments: []string{"ab", "cd"}},
	}, cmpEvents)
}

func TestParseEmptyMessage(t *testing.T) {
	r := &recorder{}
	p := NewParser(ParserConfig{}, r)

	assert.NilError(t, p.Feed(rawFrame(0x82, nil)))
	assert.DeepEqual(t, r.events, []event{{kind: "message", opcode: OpcodeBinaryFrame}}, cmpEvents)
}

func TestParseExtendedLengths(t *testing.T) {
	for _, n := range []int{125, 126, 65535, 65536, 70000} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i)
		}

		r := &recorder{}
		p := NewParser(ParserConfig{}, r)
		assert.NilError(t, p.Feed(rawFrame(0x82, payload)))
		assert.Equal(t, len(r.events), 1, "length %d", n)
		assert.Equal(t, r.events[0].data, string(payload), "length %d", n)
	}
}

func TestParseClose(t *testing.T) {
	testCases := []struct {
		name   string
		body   []byte
		code   CloseCode
		reason string
	}{
		{name: "no body", body: nil, code: CloseNoStatusReceived},
		{name: "code only", body: []byte{0x03, 0xE8}, code: CloseNormalClosure},
		{name: "code and reason", body: append([]byte{0x0F, 0xA0}, "bye"...), code: 4000, reason: "bye"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := &recorder{}
			p := NewParser(ParserConfig{}, r)

			stream := append(rawFrame(0x88, tc.body), rawFrame(0x81, []byte("late"))...)
			assert.NilError(t, p.Feed(stream))
			assert.NilError(t, p.Feed(rawFrame(0x81, []byte("later"))))

			assert.DeepEqual(t, r.events, []event{{kind: "conclude", code: tc.code, data: tc.reason}}, cmpEvents)
			assert.Assert(t, p.Done())
			assert.Equal(t, p.Buffered(), 0)
		})
	}
}

func TestParseErrors(t *testing.T) {
	len64 := func(n uint64) []byte {
		b := []byte{0x82, 127}
		return binary.BigEndian.AppendUint64(b, n)
	}

	testCases := []struct {
		name   string
		stream []byte
		cfg    ParserConfig
		kind   error
		code   CloseCode
		msg    string
	}{
		{name: "rsv2", stream: []byte{0xA1, 0x00}, kind: ErrProtocol, code: 1002, msg: "RSV2 and RSV3 must be clear"},
		{name: "rsv3", stream: []byte{0x91, 0x00}, kind: ErrProtocol, code: 1002, msg: "RSV2 and RSV3 must be clear"},
		{name: "lone continuation", stream: rawFrame(0x80, []byte("x")), kind: ErrProtocol, code: 1002, msg: "invalid opcode 0"},
		{
			name:   "compressed continuation",
			stream: append(rawFrame(0x01, []byte("a")), 0xC0, 0x00),
			kind:   ErrProtocol, code: 1002, msg: "RSV1 must be clear",
		},
		{
			name:   "new message while fragmenting",
			stream: append(rawFrame(0x01, []byte("a")), rawFrame(0x81, []byte("b"))...),
			kind:   ErrProtocol, code: 1002, msg: "invalid opcode 1",
		},
		{name: "fragmented control", stream: []byte{0x09, 0x00}, kind: ErrProtocol, code: 1002, msg: "FIN must be set"},
		{name: "compressed control", stream: []byte{0xC9, 0x00}, kind: ErrProtocol, code: 1002, msg: "RSV1 must be clear"},
		{name: "long control", stream: []byte{0x89, 126, 0x00, 0x7E}, kind: ErrProtocol, code: 1002, msg: "invalid payload length 126"},
		{name: "reserved opcode", stream: []byte{0x83, 0x00}, kind: ErrProtocol, code: 1002, msg: "invalid opcode 3"},
		{name: "reserved control opcode", stream: []byte{0x8B, 0x00}, kind: ErrProtocol, code: 1002, msg: "invalid opcode 11"},
		{name: "compressed without extension", stream: []byte{0xC1, 0x00}, kind: ErrProtocol, code: 1002, msg: "RSV1 must be clear"},
		{name: "close length 1", stream: []byte{0x88, 0x01, 0x03}, kind: ErrProtocol, code: 1002, msg: "invalid payload length 1"},
		{name: "length 2^53", stream: len64(1 << 53), kind: ErrUnsupportedData, code: 1009, msg: "payload length > 2^53 - 1"},
		{name: "length 2^63", stream: len64(1 << 63), kind: ErrUnsupportedData, code: 1009},
		{
			name:   "max payload",
			stream: rawFrame(0x82, make([]byte, 11)),
			cfg:    ParserConfig{MaxPayload: 10},
			kind:   ErrMessageTooBig, code: 1009,
		},
		{
			name:   "max payload across fragments",
			stream: append(rawFrame(0x02, make([]byte, 6)), []byte{0x80, 0x06}...),
			cfg:    ParserConfig{MaxPayload: 10},
			kind:   ErrMessageTooBig, code: 1009,
		},
		{
			name:   "invalid utf8",
			stream: rawFrame(0x81, []byte{0xff, 0xfe}),
			cfg:    ParserConfig{ValidateUTF8: true},
			kind:   ErrInvalidPayload, code: 1007,
		},
		{
			name:   "invalid utf8 close reason",
			stream: rawFrame(0x88, []byte{0x03, 0xE8, 0xff}),
			cfg:    ParserConfig{ValidateUTF8: true},
			kind:   ErrInvalidPayload, code: 1007,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := &recorder{}
			p := NewParser(tc.cfg, r)

			err := p.Feed(tc.stream)
			assert.Assert(t, errors.Is(err, tc.kind), "got %v", err)
			if tc.msg != "" {
				assert.ErrorContains(t, err, tc.msg)
			}

			code, ok := CloseCodeOf(err)
			assert.Assert(t, ok)
			assert.Equal(t, code, tc.code)

			assert.Equal(t, len(r.errs), 1)
			assert.Assert(t, p.Done())

			again := p.Feed(rawFrame(0x81, []byte("ok")))
			assert.Equal(t, again, err)
			assert.Equal(t, len(r.errs), 1)
			assert.Check(t, is.Len(r.events, 0))
		})
	}
}

func TestParseInvalidUTF8AllowedByDefault(t *testing.T) {
	r := &recorder{}
	p := NewParser(ParserConfig{}, r)

	assert.NilError(t, p.Feed(rawFrame(0x81, []byte{0xff})))
	assert.Equal(t, len(r.events), 1)
}

type pendingInflate struct {
	payload []byte
	fin     bool
	cb      func([]byte, error)
}

// holds every call until the test completes it
type asyncInflater struct {
	calls []pendingInflate
}

func (a *asyncInflater) Decompress(payload []byte, fin bool, cb func([]byte, error)) {
	a.calls = append(a.calls, pendingInflate{payload: payload, fin: fin, cb: cb})
}

type syncInflater struct{}

func (syncInflater) Decompress(payload []byte, fin bool, cb func([]byte, error)) {
	cb([]byte("<"+string(payload)+">"), nil)
}

func TestParseSuspendsWhileInflating(t *testing.T) {
	inflater := &asyncInflater{}
	r := &recorder{}
	p := NewParser(ParserConfig{Decompressor: inflater}, r)

	stream := append(rawFrame(0xC1, []byte("zz")), rawFrame(0x89, []byte("p"))...)
	assert.NilError(t, p.Feed(stream))

	assert.Assert(t, p.Inflating())
	assert.Equal(t, p.Buffered(), 3)
	assert.Check(t, is.Len(r.events, 0))
	assert.Equal(t, len(inflater.calls), 1)
	assert.Equal(t, string(inflater.calls[0].payload), "zz")
	assert.Assert(t, inflater.calls[0].fin)

	assert.NilError(t, p.Feed(rawFrame(0x8A, nil)))
	assert.Check(t, is.Len(r.events, 0))

	inflater.calls[0].cb([]byte("hello"), nil)

	assert.DeepEqual(t, r.events, []event{
		{kind: "message", opcode: OpcodeTextFrame, data: "hello"},
		{kind: "ping", data: "p"},
		{kind: "pong"},
	}, cmpEvents)
	assert.Equal(t, r.drains, 1)
	assert.Assert(t, !p.Inflating())
}

func TestParseSynchronousInflate(t *testing.T) {
	r := &recorder{}
	p := NewParser(ParserConfig{Decompressor: syncInflater{}}, r)

	var stream []byte
	stream = append(stream, rawFrame(0x41, []byte("a"))...)
	stream = append(stream, rawFrame(0x80, []byte("b"))...)
	stream = append(stream, rawFrame(0xC2, []byte("c"))...)

	assert.NilError(t, p.Feed(stream))
	assert.DeepEqual(t, r.events, []event{
		{kind: "message", opcode: OpcodeTextFrame, data: "<a><b>"},
		{kind: "message", opcode: OpcodeBinaryFrame, data: "<c>"},
	}, cmpEvents)
	assert.Equal(t, r.drains, 0)
}

func TestParseInflateFailure(t *testing.T) {
	inflater := &asyncInflater{}
	r := &recorder{}
	p := NewParser(ParserConfig{Decompressor: inflater}, r)

	assert.NilError(t, p.Feed(rawFrame(0xC1, []byte("zz"))))
	inflater.calls[0].cb(nil, errors.New("corrupt"))

	assert.Equal(t, len(r.errs), 1)
	assert.Assert(t, errors.Is(r.errs[0], ErrInvalidPayload))
	code, _ := CloseCodeOf(r.errs[0])
	assert.Equal(t, code, CloseInvalidFramePayloadData)
	assert.Assert(t, p.Done())
}

func TestParseInflatedMessageTooBig(t *testing.T) {
	inflater := &asyncInflater{}
	r := &recorder{}
	p := NewParser(ParserConfig{Decompressor: inflater, MaxPayload: 4}, r)

	assert.NilError(t, p.Feed(rawFrame(0xC1, []byte("zz"))))
	inflater.calls[0].cb([]byte("hello"), nil)

	assert.Equal(t, len(r.errs), 1)
	assert.Assert(t, errors.Is(r.errs[0], ErrMessageTooBig))
}

func TestParseStopDropsPendingInflate(t *testing.T) {
	inflater := &asyncInflater{}
	r := &recorder{}
	p := NewParser(ParserConfig{Decompressor: inflater}, r)

	assert.NilError(t, p.Feed(rawFrame(0xC1, []byte("zz"))))
	p.Stop()
	inflater.calls[0].cb([]byte("hello"), nil)

	assert.Check(t, is.Len(r.events, 0))
	assert.Check(t, is.Len(r.errs, 0))
	assert.Assert(t, p.Done())
}

func TestParseScheduleIsUsedForResume(t *testing.T) {
	var scheduled []func()
	inflater := &asyncInflater{}
	r := &recorder{}
	p := NewParser(ParserConfig{
		Decompressor: inflater,
		Schedule:     func(fn func()) { scheduled = append(scheduled, fn) },
	}, r)

	assert.NilError(t, p.Feed(rawFrame(0xC2, []byte("zz"))))
	inflater.calls[0].cb([]byte("x"), nil)
	assert.Check(t, is.Len(r.events, 0))

	assert.Equal(t, len(scheduled), 1)
	scheduled[0]()
	assert.Equal(t, len(r.events), 1)
}
