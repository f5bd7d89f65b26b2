package internal

import (
	"encoding/binary"
)

// below this length the byte loop is faster than setting up the word loop
const wordMaskThreshold = 8

// Mask writes src[i] ^ key[i%4] to dst[off+i] for i in [0, n).
func Mask(src []byte, key [4]byte, dst []byte, off, n int) []byte {
	if n < wordMaskThreshold {
		for i := 0; i < n; i++ {
			dst[off+i] = src[i] ^ key[i&3]
		}
		return dst
	}

	out := dst[off : off+n]
	if off != 0 || &out[0] != &src[0] {
		copy(out, src[:n])
	}
	maskWords(out, key)

	return dst
}

// Unmask XORs buf with key in place.
func Unmask(buf []byte, key [4]byte) {
	if len(buf) < wordMaskThreshold {
		for i := range buf {
			buf[i] ^= key[i&3]
		}
		return
	}
	maskWords(buf, key)
}

func maskWords(buf []byte, key [4]byte) {
	k32 := binary.LittleEndian.Uint32(key[:])
	k64 := uint64(k32) | uint64(k32)<<32

	i := 0
	for ; i+8 <= len(buf); i += 8 {
		v := binary.LittleEndian.Uint64(buf[i:])
		binary.LittleEndian.PutUint64(buf[i:], v^k64)
	}
	for ; i < len(buf); i++ {
		buf[i] ^= key[i&3]
	}
}

// Concat copies bufs into one new buffer of total bytes.
func Concat(bufs [][]byte, total int) []byte {
	out := make([]byte, total)
	offset := 0
	for _, b := range bufs {
		offset += copy(out[offset:], b)
	}
	return out[:offset]
}
