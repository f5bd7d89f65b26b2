package internal

import (
	"github.com/eapache/queue"
)

// Chunks is an ordered queue of owned byte chunks with a cursor into the first one.
// Len always equals the number of unconsumed bytes across all chunks.
type Chunks struct {
	q   *queue.Queue
	off int
	n   int
}

func NewChunks() *Chunks {
	return &Chunks{q: queue.New()}
}

// Push appends chunk. The queue takes ownership; the caller must not modify it afterwards.
func (c *Chunks) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c.q.Add(chunk)
	c.n += len(chunk)
}

func (c *Chunks) Len() int {
	return c.n
}

// Consume removes and returns the next n bytes. It panics if fewer than n bytes are
// buffered; callers check Len first.
//
// When the bytes sit inside a single chunk the result aliases that chunk.
func (c *Chunks) Consume(n int) []byte {
	if n > c.n {
		panic("internal: consume beyond buffered bytes")
	}
	if n == 0 {
		return []byte{}
	}

	first := c.q.Peek().([]byte)[c.off:]
	if n <= len(first) {
		out := first[:n:n]
		c.advance(n, len(first))
		return out
	}

	dst := make([]byte, n)
	copied := 0
	for copied < n {
		first = c.q.Peek().([]byte)[c.off:]
		k := copy(dst[copied:], first)
		copied += k
		c.advance(k, len(first))
	}
	return dst
}

func (c *Chunks) advance(k, firstLen int) {
	c.n -= k
	if k == firstLen {
		c.q.Remove()
		c.off = 0
		return
	}
	c.off += k
}

// Reset drops every buffered chunk.
func (c *Chunks) Reset() {
	for c.q.Length() > 0 {
		c.q.Remove()
	}
	c.off = 0
	c.n = 0
}
