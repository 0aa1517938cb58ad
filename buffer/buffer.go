package buffer

// Buffer is a byte buffer with separate fill and consume cursors. Bytes are
// appended at the write cursor and drained from the read cursor, so the same
// buffer can sit between a socket fill and an incremental parser, or between
// a generator and a gather write.
type Buffer struct {
	data []byte
	r, w int

	pool  *Pool
	class int
}

const (
	classNone = iota
	classHeader
	classBody
)

func New(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// Wrap adapts a caller-owned slice into a fully filled Buffer. The result is
// never pooled; ownership stays with the caller.
func Wrap(p []byte) *Buffer {
	return &Buffer{data: p, w: len(p)}
}

// Bytes returns the unconsumed content.
func (b *Buffer) Bytes() []byte {
	return b.data[b.r:b.w]
}

func (b *Buffer) HasContent() bool {
	return b != nil && b.w > b.r
}

func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return b.w - b.r
}

func (b *Buffer) Cap() int {
	return len(b.data)
}

// Space returns the unfilled tail of the buffer.
func (b *Buffer) Space() []byte {
	return b.data[b.w:]
}

func (b *Buffer) SpaceLen() int {
	return len(b.data) - b.w
}

// Filled records that n bytes of Space were written.
func (b *Buffer) Filled(n int) {
	b.w += n
}

// Skip consumes n bytes of content. When the buffer drains completely both
// cursors rewind so the full capacity is reusable.
func (b *Buffer) Skip(n int) {
	b.r += n
	if b.r >= b.w {
		b.r, b.w = 0, 0
	}
}

// Append copies as much of p as fits and reports how many bytes were taken.
func (b *Buffer) Append(p []byte) int {
	n := copy(b.data[b.w:], p)
	b.w += n
	return n
}

func (b *Buffer) Clear() {
	b.r, b.w = 0, 0
}
