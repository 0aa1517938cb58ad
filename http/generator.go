package http

import (
	"strconv"

	"github.com/freekieb7/shale/buffer"
)

// Action is one step request from the connection to the generator.
type Action int

const (
	ActionPrepare Action = iota
	ActionFlush
	ActionComplete
)

func (a Action) String() string {
	switch a {
	case ActionPrepare:
		return "PREPARE"
	case ActionFlush:
		return "FLUSH"
	case ActionComplete:
		return "COMPLETE"
	}
	return "UNKNOWN"
}

// Result tells the connection what the generator needs next.
type Result int

const (
	ResultNeedHeader Result = iota
	ResultNeedBuffer
	ResultNeedChunk
	ResultFlush
	ResultFlushContent
	ResultShutdownOut
	ResultOK
)

func (r Result) String() string {
	switch r {
	case ResultNeedHeader:
		return "NEED_HEADER"
	case ResultNeedBuffer:
		return "NEED_BUFFER"
	case ResultNeedChunk:
		return "NEED_CHUNK"
	case ResultFlush:
		return "FLUSH"
	case ResultFlushContent:
		return "FLUSH_CONTENT"
	case ResultShutdownOut:
		return "SHUTDOWN_OUT"
	case ResultOK:
		return "OK"
	}
	return "UNKNOWN"
}

// ChunkBufferSize is the capacity a chunk buffer needs: a CRLF closing the
// previous chunk, sixteen hex digits, CRLF, and the final chunk terminator.
const ChunkBufferSize = 32

// Field is one response header line.
type Field struct {
	Name  string
	Value string
}

// ResponseInfo describes the response the generator is serializing: status
// line inputs, declared content length (-1 when unknown), header fields and
// the flags that drive framing.
type ResponseInfo struct {
	Status        uint16
	Reason        string
	ContentLength int64
	Head          bool
	Request11     bool
	Fields        []Field
}

type genState int

const (
	genStart genState = iota
	genCommitted
	genEnd
)

// Generator serializes one response, one step per Generate call. The
// connection owns the buffers; the generator only says which one it needs
// and what to flush.
type Generator struct {
	state      genState
	bufferSize int

	persistent    bool
	head          bool
	chunking      bool
	noBody        bool
	chunkCRLF     bool
	lastChunk     bool
	shutdownSent  bool
	contentLength int64
	prepared      int64
}

func NewGenerator(bufferSize int) *Generator {
	return &Generator{bufferSize: bufferSize, persistent: true, contentLength: -1}
}

func (g *Generator) IsIdle() bool        { return g.state == genStart }
func (g *Generator) IsCommitted() bool   { return g.state != genStart }
func (g *Generator) IsComplete() bool    { return g.state == genEnd }
func (g *Generator) IsPersistent() bool  { return g.persistent }
func (g *Generator) ContentPrepared() int64 { return g.prepared }

func (g *Generator) SetPersistent(persistent bool) {
	g.persistent = persistent
}

func (g *Generator) Reset() {
	g.state = genStart
	g.persistent = true
	g.head = false
	g.chunking = false
	g.noBody = false
	g.chunkCRLF = false
	g.lastChunk = false
	g.shutdownSent = false
	g.contentLength = -1
	g.prepared = 0
}

// Generate advances the response by one step. It never touches the
// endpoint; FLUSH and FLUSH_CONTENT tell the caller which buffers are
// ready for the wire.
func (g *Generator) Generate(info *ResponseInfo, header, chunk, body, content *buffer.Buffer, action Action) (Result, error) {
	if g.state == genEnd {
		return ResultOK, ErrEOF
	}

	if g.state == genStart {
		if header == nil {
			return ResultNeedHeader, nil
		}
		if err := g.commit(info, header, content, action); err != nil {
			return ResultOK, err
		}
		return ResultFlush, nil
	}

	if g.head || g.noBody {
		// a bodyless response still accounts for prepared content
		if content.HasContent() {
			g.prepared += int64(content.Len())
			content.Skip(content.Len())
		}
	}

	if content.HasContent() {
		if g.chunking {
			if chunk == nil {
				return ResultNeedChunk, nil
			}
			g.writeChunkHeader(chunk, content.Len())
			g.prepared += int64(content.Len())
			return ResultFlushContent, nil
		}
		if !body.HasContent() && content.Len() >= g.bufferSize {
			g.prepared += int64(content.Len())
			return ResultFlushContent, nil
		}
		if body == nil {
			return ResultNeedBuffer, nil
		}
		n := body.Append(content.Bytes())
		content.Skip(n)
		g.prepared += int64(n)
		if body.SpaceLen() == 0 {
			return ResultFlush, nil
		}
		if action == ActionPrepare {
			return ResultOK, nil
		}
	}

	switch action {
	case ActionPrepare:
		return ResultOK, nil

	case ActionFlush:
		if body.HasContent() {
			if g.chunking {
				if chunk == nil {
					return ResultNeedChunk, nil
				}
				g.writeChunkHeader(chunk, body.Len())
			}
			return ResultFlush, nil
		}
		return ResultOK, nil

	case ActionComplete:
		if body.HasContent() {
			if g.chunking {
				if chunk == nil {
					return ResultNeedChunk, nil
				}
				g.writeChunkHeader(chunk, body.Len())
			}
			return ResultFlush, nil
		}
		if g.chunking && !g.lastChunk {
			if chunk == nil {
				return ResultNeedChunk, nil
			}
			g.writeLastChunk(chunk)
			g.lastChunk = true
			return ResultFlush, nil
		}
		if !g.persistent && !g.shutdownSent {
			g.shutdownSent = true
			return ResultShutdownOut, nil
		}
		g.state = genEnd
		return ResultOK, nil
	}

	return ResultOK, nil
}

// commit decides the body framing and serializes the status line and header
// section into the header buffer.
func (g *Generator) commit(info *ResponseInfo, header, content *buffer.Buffer, action Action) error {
	g.head = info.Head
	g.noBody = info.Status < 200 || info.Status == StatusNoContent || info.Status == StatusNotModified

	cl := info.ContentLength
	if !g.noBody && cl < 0 {
		if action == ActionComplete {
			// the whole body is already in hand, frame it exactly
			cl = int64(content.Len())
		} else if info.Request11 && g.persistent {
			g.chunking = true
		} else {
			// EOF delimited body, the close is the framing
			g.persistent = false
		}
	}
	g.contentLength = cl

	w := headerWriter{b: header}
	w.str("HTTP/1.1 ")
	w.int(int(info.Status))
	w.byte(' ')
	reason := info.Reason
	if reason == "" {
		reason = Reason(info.Status)
	}
	w.str(reason)
	w.crlf()

	for _, f := range info.Fields {
		w.str(f.Name)
		w.str(": ")
		w.str(f.Value)
		w.crlf()
	}

	if !g.noBody {
		if g.chunking {
			w.str("Transfer-Encoding: chunked\r\n")
		} else if cl >= 0 {
			w.str("Content-Length: ")
			w.int(int(cl))
			w.crlf()
		}
	}
	if !g.persistent {
		w.str("Connection: close\r\n")
	} else if !info.Request11 {
		w.str("Connection: keep-alive\r\n")
	}
	w.crlf()

	if w.overflow {
		return &ProtocolError{Status: StatusInternalServerError, Reason: "response header too large"}
	}
	g.state = genCommitted
	return nil
}

func (g *Generator) writeChunkHeader(chunk *buffer.Buffer, size int) {
	var scratch [24]byte
	n := 0
	if g.chunkCRLF {
		scratch[0], scratch[1] = '\r', '\n'
		n = 2
	}
	n += writeHexToBuffer(size, scratch[n:])
	scratch[n], scratch[n+1] = '\r', '\n'
	n += 2
	chunk.Append(scratch[:n])
	g.chunkCRLF = true
}

func (g *Generator) writeLastChunk(chunk *buffer.Buffer) {
	if g.chunkCRLF {
		chunk.Append([]byte("\r\n0\r\n\r\n"))
	} else {
		chunk.Append([]byte("0\r\n\r\n"))
	}
}

// headerWriter appends header bytes and latches overflow instead of
// erroring on every call.
type headerWriter struct {
	b        *buffer.Buffer
	overflow bool
}

func (w *headerWriter) str(s string) {
	if w.b.SpaceLen() < len(s) {
		w.overflow = true
		return
	}
	w.b.Append([]byte(s))
}

func (w *headerWriter) byte(c byte) {
	if w.b.SpaceLen() < 1 {
		w.overflow = true
		return
	}
	w.b.Append([]byte{c})
}

func (w *headerWriter) int(n int) {
	w.str(strconv.Itoa(n))
}

func (w *headerWriter) crlf() {
	w.str("\r\n")
}
