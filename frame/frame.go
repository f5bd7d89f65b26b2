package frame

import (
	"encoding/binary"
	"slices"
)

/*
  0                   1                   2                   3
  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
 +-+-+-+-+-------+-+-------------+-------------------------------+
 |F|R|R|R| opcode|M| Payload len |    Extended payload length    |
 |I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
 |N|V|V|V|       |S|             |   (if payload len==126/127)   |
 | |1|2|3|       |K|             |                               |
 +-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
 |     Extended payload length continued, if payload len == 127  |
 + - - - - - - - - - - - - - - - +-------------------------------+
 |                               |Masking-key, if MASK set to 1  |
 +-------------------------------+-------------------------------+
 | Masking-key (continued)       |          Payload Data         |
 +-------------------------------- - - - - - - - - - - - - - - - +
 :                     Payload Data continued ...                :
 + - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - +
 |                     Payload Data continued ...                |
 +---------------------------------------------------------------+
*/

const (
	bitFIN  = 0b1_000_0000
	bitRSV1 = 0b0_100_0000
	bitRSV2 = 0b0_010_0000
	bitRSV3 = 0b0_001_0000
	bitMask = 0b1_000_0000

	maskOpcode = 0b0_000_1111
	maskLen7   = 0b0_111_1111

	// largest 7 bit length, 126 and 127 announce 16 and 64 bit lengths
	MaxControlPayload = 125
	len16             = 126
	len64             = 127

	// 2^53 - 1
	MaxPayloadLength = 1<<53 - 1
)

type Header struct {
	IsFinal bool
	// 1 bit, the per-message compressed flag
	RSV1 bool
	// 4 bits
	Opcode Opcode
	// 1 bit
	IsMasked bool
	// 7 bits, 7+16 bits, or 7+64 bits
	PayloadLength uint64
	// 0 or 4 bytes
	MaskingKey [4]byte
}

// Size is the number of bytes h occupies on the wire.
func (h Header) Size() int {
	n := 2
	switch {
	case h.PayloadLength > 0xFFFF:
		n += 8
	case h.PayloadLength > MaxControlPayload:
		n += 2
	}
	if h.IsMasked {
		n += 4
	}
	return n
}

// AppendTo appends the wire form of h to b.
func (h Header) AppendTo(b []byte) []byte {
	var b0, b1 byte

	if h.IsFinal {
		b0 |= bitFIN
	}
	if h.RSV1 {
		b0 |= bitRSV1
	}
	b0 |= byte(h.Opcode) & maskOpcode

	if h.IsMasked {
		b1 |= bitMask
	}

	switch {
	case h.PayloadLength <= MaxControlPayload:
		b = append(b, b0, b1|byte(h.PayloadLength))
	case h.PayloadLength <= 0xFFFF:
		b = append(b, b0, b1|len16)
		b = binary.BigEndian.AppendUint16(b, uint16(h.PayloadLength))
	default:
		b = append(b, b0, b1|len64)
		b = binary.BigEndian.AppendUint64(b, h.PayloadLength)
	}

	if h.IsMasked {
		b = append(b, h.MaskingKey[:]...)
	}

	return b
}

type Opcode uint8

const (
	OpcodeContinuationFrame Opcode = iota
	OpcodeTextFrame
	OpcodeBinaryFrame
	OpcodeNonControlFrame1
	OpcodeNonControlFrame2
	OpcodeNonControlFrame3
	OpcodeNonControlFrame4
	OpcodeNonControlFrame5
	OpcodeConnectionClose
	OpcodePing
	OpcodePong
	OpcodeControlFrame1
	OpcodeControlFrame2
	OpcodeControlFrame3
	OpcodeControlFrame4
	OpcodeControlFrame5
)

func (c Opcode) IsControl() bool {
	return c == OpcodeConnectionClose || c == OpcodePing || c == OpcodePong
}

func (c Opcode) IsData() bool {
	return c == OpcodeContinuationFrame || c == OpcodeTextFrame || c == OpcodeBinaryFrame
}

func (c Opcode) IsReserved() bool {
	return !c.IsControl() && !c.IsData()
}

func (c Opcode) String() string {
	switch c {
	case OpcodeContinuationFrame:
		return "continuation"
	case OpcodeTextFrame:
		return "text"
	case OpcodeBinaryFrame:
		return "binary"
	case OpcodeConnectionClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	}
	return "reserved"
}

type CloseCode uint16

// Close codes defined in RFC 6455, section 11.7.
const (
	CloseNormalClosure           CloseCode = 1000
	CloseGoingAway               CloseCode = 1001
	CloseProtocolError           CloseCode = 1002
	CloseUnsupportedData         CloseCode = 1003
	CloseNoStatusReceived        CloseCode = 1005
	CloseAbnormalClosure         CloseCode = 1006
	CloseInvalidFramePayloadData CloseCode = 1007
	ClosePolicyViolation         CloseCode = 1008
	CloseMessageTooBig           CloseCode = 1009
	CloseMandatoryExtension      CloseCode = 1010
	CloseInternalServerErr       CloseCode = 1011
	CloseServiceRestart          CloseCode = 1012
	CloseTryAgainLater           CloseCode = 1013
	CloseTLSHandshake            CloseCode = 1015
)

var (
	// codes an endpoint may put in a close frame it sends
	sendableCloseCodes = []CloseCode{
		CloseNormalClosure,
		CloseGoingAway,
		CloseProtocolError,
		CloseUnsupportedData,
		CloseInvalidFramePayloadData,
		ClosePolicyViolation,
		CloseMessageTooBig,
		CloseMandatoryExtension,
		CloseInternalServerErr,
	}
)

func (c CloseCode) U() uint16 {
	return uint16(c)
}

// IsValid reports whether c may be sent in a close frame.
func (c CloseCode) IsValid() bool {
	return slices.Contains(sendableCloseCodes, c) || (c >= 3000 && c <= 4999)
}
