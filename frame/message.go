package frame

// BinaryType selects how binary message payloads are delivered.
type BinaryType uint8

const (
	// one contiguous buffer in Message.Data
	BinaryBytes BinaryType = iota
	// the received fragments as they arrived in Message.Fragments
	BinaryFragments
)

func (b BinaryType) String() string {
	if b == BinaryFragments {
		return "fragments"
	}
	return "bytes"
}

type Message struct {
	Opcode Opcode

	Data      []byte
	Fragments [][]byte
}

func (m Message) IsBinary() bool {
	return m.Opcode == OpcodeBinaryFrame
}

func (m Message) Text() string {
	return string(m.Data)
}

// Decompressor inflates compressed message payloads. Decompress may call cb
// synchronously or from another goroutine, exactly once.
type Decompressor interface {
	Decompress(payload []byte, fin bool, cb func(data []byte, err error))
}

// Compressor deflates outgoing payloads, with the same callback contract as Decompressor.
type Compressor interface {
	Compress(payload []byte, fin bool, cb func(data []byte, err error))
}
