package buffer

import (
	"sync"
	"sync/atomic"
)

// Pool recycles buffers in two classes: small header buffers and larger body
// buffers. Outstanding counts every buffer handed out and not yet returned,
// which lets connection code assert that a request/response round leaves
// nothing behind.
type Pool struct {
	headerSize int
	bufferSize int

	headers sync.Pool
	buffers sync.Pool

	outstanding atomic.Int64
}

func NewPool(headerSize, bufferSize int) *Pool {
	p := &Pool{
		headerSize: headerSize,
		bufferSize: bufferSize,
	}
	p.headers.New = func() any {
		return &Buffer{data: make([]byte, p.headerSize), pool: p, class: classHeader}
	}
	p.buffers.New = func() any {
		return &Buffer{data: make([]byte, p.bufferSize), pool: p, class: classBody}
	}
	return p
}

func (p *Pool) HeaderSize() int { return p.headerSize }
func (p *Pool) BufferSize() int { return p.bufferSize }

func (p *Pool) GetHeader() *Buffer {
	p.outstanding.Add(1)
	b := p.headers.Get().(*Buffer)
	b.Clear()
	return b
}

func (p *Pool) GetBuffer() *Buffer {
	p.outstanding.Add(1)
	b := p.buffers.Get().(*Buffer)
	b.Clear()
	return b
}

// GetSized returns a buffer of at least size bytes. Requests within the body
// class are served from the pool; oversized requests get a one-off buffer
// that is still counted until returned.
func (p *Pool) GetSized(size int) *Buffer {
	if size <= p.headerSize {
		return p.GetHeader()
	}
	if size <= p.bufferSize {
		return p.GetBuffer()
	}
	p.outstanding.Add(1)
	return &Buffer{data: make([]byte, size), pool: p, class: classNone}
}

// Put returns a buffer to its class. Wrapped and foreign buffers are ignored.
func (p *Pool) Put(b *Buffer) {
	if b == nil || b.pool != p {
		return
	}
	p.outstanding.Add(-1)
	b.Clear()
	switch b.class {
	case classHeader:
		p.headers.Put(b)
	case classBody:
		p.buffers.Put(b)
	}
}

// Outstanding reports the number of buffers currently checked out.
func (p *Pool) Outstanding() int {
	return int(p.outstanding.Load())
}
