package transport

import "sync"

// DefaultScrollbackChunks is the default number of chunks retained per session.
const DefaultScrollbackChunks = 2000

// Scrollback is a bounded, ordered buffer of output chunks. Each appended
// chunk gets the next sequence number, starting at 0. When full, the oldest
// chunk is discarded; TrimThrough discards acknowledged chunks early.
//
// All methods are safe for concurrent use.
type Scrollback struct {
	mu      sync.Mutex
	chunks  []Chunk
	max     int
	nextSeq int64
}

// NewScrollback creates a buffer holding at most max chunks.
func NewScrollback(max int) *Scrollback {
	if max <= 0 {
		max = DefaultScrollbackChunks
	}
	return &Scrollback{max: max}
}

// Append stores data as the next chunk and returns it.
func (b *Scrollback) Append(data string) Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := Chunk{Seq: b.nextSeq, Data: data}
	b.nextSeq++
	b.chunks = append(b.chunks, c)
	if len(b.chunks) > b.max {
		b.compact(len(b.chunks) - b.max)
	}
	return c
}

// After returns a copy of the retained chunks with seq greater than seq.
// Pass -1 for everything.
func (b *Scrollback) After(seq int64) []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexAfter(seq)
	if i == len(b.chunks) {
		return nil
	}
	out := make([]Chunk, len(b.chunks)-i)
	copy(out, b.chunks[i:])
	return out
}

// TrimThrough discards chunks with seq less than or equal to seq.
func (b *Scrollback) TrimThrough(seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.compact(b.indexAfter(seq))
}

// NextSeq returns the seq the next appended chunk will get.
func (b *Scrollback) NextSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// Len returns the number of retained chunks.
func (b *Scrollback) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// indexAfter returns the index of the first chunk with Seq > seq. Seqs are
// contiguous, so this is arithmetic.
func (b *Scrollback) indexAfter(seq int64) int {
	if len(b.chunks) == 0 {
		return 0
	}
	first := b.chunks[0].Seq
	i := seq - first + 1
	switch {
	case i < 0:
		return 0
	case i > int64(len(b.chunks)):
		return len(b.chunks)
	}
	return int(i)
}

func (b *Scrollback) compact(n int) {
	if n <= 0 {
		return
	}
	rest := make([]Chunk, len(b.chunks)-n, cap(b.chunks))
	copy(rest, b.chunks[n:])
	b.chunks = rest
}
