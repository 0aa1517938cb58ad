package http

import (
	"bytes"

	"github.com/freekieb7/shale/buffer"
)

// RequestHandler receives parse events. Slices are only valid during the
// call; implementations copy what they keep.
type RequestHandler interface {
	StartRequest(method, path, version []byte) error
	ParsedHeader(name, value []byte) error
	HeadersComplete() error
	Content(data []byte) error
	MessageComplete() error
}

type parserState int

const (
	stateStart parserState = iota
	stateMethod
	stateSpaceBeforePath
	statePath
	stateSpaceBeforeVersion
	stateVersion
	stateRequestLineEnd
	stateHeaderLineStart
	stateHeaderName
	stateHeaderValueStart
	stateHeaderValue
	stateHeaderValueEnd
	stateHeaderLineEnd
	stateContent
	stateChunkSize
	stateChunkSizeEnd
	stateChunkData
	stateChunkDataEnd
	stateTrailerLine
	stateEnd
)

const maxHeaderBytes = 16 * 1024

// Parser is a resumable HTTP/1.0 and HTTP/1.1 request parser. ParseNext
// consumes whatever the buffer holds, fires events on the handler, and
// picks up where it left off on the next call.
type Parser struct {
	handler RequestHandler
	state   parserState

	method  []byte
	path    []byte
	version []byte
	name    []byte
	value   []byte

	headerBytes    int
	contentLength  int64 // -1 when no body was declared
	contentLeft    int64
	chunked        bool
	chunkLeft      int64
	sawChunkDigit  bool
	version11      bool
	connClose      bool
	connKeepAlive  bool
	persistent     bool
	seekEOF        bool
	trailerHasByte bool
}

func NewParser(handler RequestHandler) *Parser {
	return &Parser{
		handler:       handler,
		contentLength: -1,
		persistent:    true,
	}
}

func (p *Parser) IsIdle() bool     { return p.state == stateStart }
func (p *Parser) IsComplete() bool { return p.state == stateEnd }

func (p *Parser) IsInContent() bool {
	switch p.state {
	case stateContent, stateChunkSize, stateChunkSizeEnd, stateChunkData, stateChunkDataEnd, stateTrailerLine:
		return true
	}
	return false
}

// IsPersistent reports whether the current request allows the connection to
// serve another one.
func (p *Parser) IsPersistent() bool { return p.persistent }

// SetPersistent(false) tells the parser the stream has ended: an
// in-flight message errors out on the next parse instead of waiting for
// bytes that will never come.
func (p *Parser) SetPersistent(persistent bool) {
	p.persistent = persistent
	p.seekEOF = !persistent
}

func (p *Parser) Reset() {
	p.state = stateStart
	p.method = p.method[:0]
	p.path = p.path[:0]
	p.version = p.version[:0]
	p.name = p.name[:0]
	p.value = p.value[:0]
	p.headerBytes = 0
	p.contentLength = -1
	p.contentLeft = 0
	p.chunked = false
	p.chunkLeft = 0
	p.sawChunkDigit = false
	p.version11 = false
	p.connClose = false
	p.connKeepAlive = false
	p.persistent = true
	p.seekEOF = false
	p.trailerHasByte = false
}

// ParseNext consumes bytes from b and reports true when a full message has
// been parsed. A protocol violation surfaces as *ProtocolError; the bytes
// up to the violation are consumed.
func (p *Parser) ParseNext(b *buffer.Buffer) (bool, error) {
	if p.state == stateEnd {
		return false, nil
	}
	if p.seekEOF && p.state != stateStart && !b.HasContent() {
		return false, badRequest("message truncated by end of stream")
	}

	data := b.Bytes()
	i := 0
	complete := false
	var err error

	for i < len(data) && err == nil && !complete {
		c := data[i]
		switch p.state {

		case stateStart:
			// tolerate CRLF between pipelined requests
			if c == '\r' || c == '\n' {
				i++
				continue
			}
			p.state = stateMethod
			fallthrough

		case stateMethod:
			switch {
			case isTokenChar(c):
				p.method = append(p.method, c)
				i++
			case c == ' ':
				if len(p.method) == 0 {
					err = badRequest("missing method")
					break
				}
				p.state = stateSpaceBeforePath
				i++
			default:
				err = badRequest("malformed request line")
			}

		case stateSpaceBeforePath:
			if c == ' ' {
				i++
				continue
			}
			p.state = statePath

		case statePath:
			switch {
			case c == ' ':
				p.state = stateSpaceBeforeVersion
				i++
			case c == '\r' || c == '\n':
				err = badRequest("malformed request line")
			default:
				p.path = append(p.path, c)
				i++
			}

		case stateSpaceBeforeVersion:
			if c == ' ' {
				i++
				continue
			}
			p.state = stateVersion

		case stateVersion:
			switch {
			case c == '\r':
				p.state = stateRequestLineEnd
				i++
			case c == '\n':
				p.state = stateRequestLineEnd
			default:
				p.version = append(p.version, c)
				i++
			}

		case stateRequestLineEnd:
			if c != '\n' {
				err = badRequest("malformed request line")
				break
			}
			i++
			switch {
			case bytes.Equal(p.version, protocolHTTP11):
				p.version11 = true
			case bytes.Equal(p.version, protocolHTTP10):
				p.version11 = false
			default:
				err = &ProtocolError{Status: StatusHTTPVersionNotSupported, Reason: "unsupported protocol version"}
			}
			if err != nil {
				break
			}
			if err = p.handler.StartRequest(p.method, p.path, p.version); err != nil {
				break
			}
			p.state = stateHeaderLineStart

		case stateHeaderLineStart:
			switch c {
			case '\r':
				p.state = stateHeaderLineEnd
				i++
			case '\n':
				p.state = stateHeaderLineEnd
			default:
				p.state = stateHeaderName
			}

		case stateHeaderName:
			switch {
			case c == ':':
				p.state = stateHeaderValueStart
				i++
			case isTokenChar(c):
				// header names are normalised to lower case
				if c >= 'A' && c <= 'Z' {
					c += 'a' - 'A'
				}
				p.name = append(p.name, c)
				i++
			default:
				err = badRequest("malformed header name")
			}

		case stateHeaderValueStart:
			if c == ' ' || c == '\t' {
				i++
				continue
			}
			p.state = stateHeaderValue

		case stateHeaderValue:
			switch c {
			case '\r':
				p.state = stateHeaderValueEnd
				i++
			case '\n':
				i++
				err = p.endHeaderLine()
			default:
				p.value = append(p.value, c)
				i++
			}

		case stateHeaderValueEnd:
			if c != '\n' {
				err = badRequest("malformed header line")
				break
			}
			i++
			err = p.endHeaderLine()

		case stateHeaderLineEnd:
			if c != '\n' {
				err = badRequest("malformed header line")
				break
			}
			i++
			complete, err = p.endHeaders()

		case stateContent:
			n := int64(len(data) - i)
			if n > p.contentLeft {
				n = p.contentLeft
			}
			if err = p.handler.Content(data[i : i+int(n)]); err != nil {
				break
			}
			i += int(n)
			p.contentLeft -= n
			if p.contentLeft == 0 {
				complete, err = p.endMessage()
			}

		case stateChunkSize:
			switch {
			case isHexDigit(c):
				d := hexToByte(c)
				p.chunkLeft = p.chunkLeft<<4 | int64(d)
				p.sawChunkDigit = true
				i++
			case c == ';':
				// chunk extensions are skipped
				for i < len(data) && data[i] != '\r' && data[i] != '\n' {
					i++
				}
			case c == '\r':
				p.state = stateChunkSizeEnd
				i++
			case c == '\n':
				p.state = stateChunkSizeEnd
			default:
				err = badRequest("malformed chunk size")
			}

		case stateChunkSizeEnd:
			if c != '\n' {
				err = badRequest("malformed chunk size")
				break
			}
			if !p.sawChunkDigit {
				err = badRequest("malformed chunk size")
				break
			}
			i++
			p.sawChunkDigit = false
			if p.chunkLeft == 0 {
				p.state = stateTrailerLine
				p.trailerHasByte = false
			} else {
				p.state = stateChunkData
			}

		case stateChunkData:
			n := int64(len(data) - i)
			if n > p.chunkLeft {
				n = p.chunkLeft
			}
			if err = p.handler.Content(data[i : i+int(n)]); err != nil {
				break
			}
			i += int(n)
			p.chunkLeft -= n
			if p.chunkLeft == 0 {
				p.state = stateChunkDataEnd
			}

		case stateChunkDataEnd:
			switch c {
			case '\r':
				i++
			case '\n':
				i++
				p.state = stateChunkSize
			default:
				err = badRequest("malformed chunk data")
			}

		case stateTrailerLine:
			switch c {
			case '\r':
				i++
			case '\n':
				i++
				if p.trailerHasByte {
					// one trailer line consumed, look for the next
					p.trailerHasByte = false
				} else {
					complete, err = p.endMessage()
				}
			default:
				p.trailerHasByte = true
				i++
			}

		case stateEnd:
			// stop consuming; the next message belongs to the next round
			b.Skip(i)
			return false, nil
		}

		if p.state < stateContent {
			p.headerBytes++
			if p.headerBytes > maxHeaderBytes {
				err = &ProtocolError{Status: StatusRequestHeaderFieldsTooLarge, Reason: "header section too large"}
			}
		}
	}

	b.Skip(i)
	return complete, err
}

func (p *Parser) endHeaderLine() error {
	if len(p.name) == 0 {
		return badRequest("malformed header line")
	}
	name, value := p.name, p.value
	if err := p.examineHeader(name, value); err != nil {
		return err
	}
	if err := p.handler.ParsedHeader(name, value); err != nil {
		return err
	}
	p.name = p.name[:0]
	p.value = p.value[:0]
	p.state = stateHeaderLineStart
	return nil
}

func (p *Parser) examineHeader(name, value []byte) error {
	switch {
	case bytes.Equal(name, headerContentLength):
		n, err := atoi(value)
		if err != nil {
			return badRequest("malformed content-length")
		}
		if p.contentLength >= 0 && p.contentLength != int64(n) {
			return badRequest("conflicting content-length")
		}
		p.contentLength = int64(n)
	case bytes.Equal(name, headerTransferEncoding):
		if !bytes.Equal(bytes.TrimSpace(value), headerChunked) {
			return &ProtocolError{Status: StatusNotImplemented, Reason: "unsupported transfer encoding"}
		}
		p.chunked = true
	case bytes.Equal(name, headerConnection):
		switch {
		case tokenListContains(value, headerClose):
			p.connClose = true
		case tokenListContains(value, headerKeepAlive):
			p.connKeepAlive = true
		}
	}
	return nil
}

// endHeaders closes the header section, fixes the request's persistence and
// decides how the body is framed.
func (p *Parser) endHeaders() (bool, error) {
	if p.chunked && p.contentLength >= 0 {
		return false, badRequest("both content-length and chunked")
	}
	if p.version11 {
		p.persistent = !p.connClose
	} else {
		p.persistent = p.connKeepAlive
	}

	if err := p.handler.HeadersComplete(); err != nil {
		return false, err
	}

	switch {
	case p.chunked:
		p.state = stateChunkSize
		p.chunkLeft = 0
		p.sawChunkDigit = false
		return false, nil
	case p.contentLength > 0:
		p.state = stateContent
		p.contentLeft = p.contentLength
		return false, nil
	default:
		return p.endMessage()
	}
}

func (p *Parser) endMessage() (bool, error) {
	p.state = stateEnd
	if err := p.handler.MessageComplete(); err != nil {
		return false, err
	}
	return true, nil
}

var (
	protocolHTTP10        = []byte("HTTP/1.0")
	protocolHTTP11        = []byte("HTTP/1.1")
	headerContentLength   = []byte("content-length")
	headerTransferEncoding = []byte("transfer-encoding")
	headerConnection      = []byte("connection")
	headerKeepAlive       = []byte("keep-alive")
	headerClose           = []byte("close")
	headerChunked         = []byte("chunked")
)

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

// tokenListContains reports whether a comma separated header value contains
// the given token, ignoring case and surrounding whitespace.
func tokenListContains(value, token []byte) bool {
	for len(value) > 0 {
		var part []byte
		if i := bytes.IndexByte(value, ','); i >= 0 {
			part, value = value[:i], value[i+1:]
		} else {
			part, value = value, nil
		}
		part = bytes.TrimSpace(part)
		if len(part) == len(token) {
			match := true
			for i := range part {
				c := part[i]
				if c >= 'A' && c <= 'Z' {
					c += 'a' - 'A'
				}
				if c != token[i] {
					match = false
					break
				}
			}
			if match {
				return true
			}
		}
	}
	return false
}
