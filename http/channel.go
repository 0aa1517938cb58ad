package http

import (
	"bytes"
	"context"

	"github.com/freekieb7/shale/buffer"
)

// Handler handles one request. It may buffer a body on the response, stream
// it with Write/Flush, or suspend the exchange and finish it later.
type Handler func(req *Request, res *Response)

// ConnectionAttribute is the request attribute a handler sets alongside a
// 101 response to hand the selector to a replacement connection.
const ConnectionAttribute = "shale.connection"

// HttpChannel is the per-request object between parser, handler and
// generator: it absorbs parse events, dispatches the handler and describes
// the response for serialization.
type HttpChannel struct {
	server *Server

	request  Request
	response Response

	conn *HttpConnection
}

func newHttpChannel(server *Server, conn *HttpConnection) *HttpChannel {
	ch := &HttpChannel{server: server, conn: conn}
	ch.response.ch = ch
	ch.response.Status = StatusOK
	return ch
}

func (ch *HttpChannel) Request() *Request   { return &ch.request }
func (ch *HttpChannel) Response() *Response { return &ch.response }

// setConnection records the driving connection for the duration of the
// parse loop, and past it while the exchange is suspended; handler code
// reaches it through Request.Connection.
func (ch *HttpChannel) setConnection(conn *HttpConnection) {
	ch.request.conn = conn
}

// StartRequest implements RequestHandler.
func (ch *HttpChannel) StartRequest(method, path, version []byte) error {
	ch.request.method = string(method)
	ch.request.path = string(path)
	ch.request.version = string(version)
	ch.request.head = bytes.Equal(method, methodHead)
	ch.request.version11 = bytes.Equal(version, protocolHTTP11)
	return nil
}

// ParsedHeader implements RequestHandler.
func (ch *HttpChannel) ParsedHeader(name, value []byte) error {
	if len(ch.request.headers) >= maxRequestHeaders {
		return &ProtocolError{Status: StatusRequestHeaderFieldsTooLarge, Reason: "too many headers"}
	}
	ch.request.headers = append(ch.request.headers, Field{Name: string(name), Value: string(value)})
	return nil
}

// HeadersComplete implements RequestHandler.
func (ch *HttpChannel) HeadersComplete() error {
	return nil
}

// Content implements RequestHandler.
func (ch *HttpChannel) Content(data []byte) error {
	if len(ch.request.body)+len(data) > maxRequestBody {
		return &ProtocolError{Status: StatusRequestEntityTooLarge, Reason: "request body too large"}
	}
	ch.request.body = append(ch.request.body, data...)
	return nil
}

// MessageComplete implements RequestHandler.
func (ch *HttpChannel) MessageComplete() error {
	return nil
}

// HandleRequest dispatches the parsed request and, unless the exchange was
// suspended, completes the response.
func (ch *HttpChannel) HandleRequest() error {
	requestsHandled.Add(context.Background(), 1)

	// the response outlives the connection's persistence decision, so fix
	// it before the handler can write
	ch.conn.generator.SetPersistent(ch.conn.parser.IsPersistent())

	handler := ch.server.handler()
	if handler == nil {
		return ch.SendError(StatusNotFound, "", "", false)
	}
	handler(&ch.request, &ch.response)

	if ch.request.IsSuspended() {
		return nil
	}
	return ch.completeResponse()
}

// ResponseInfo describes the pending response for the generator.
func (ch *HttpChannel) ResponseInfo() *ResponseInfo {
	return &ResponseInfo{
		Status:        ch.response.Status,
		Reason:        ch.response.reason,
		ContentLength: -1,
		Head:          ch.request.head,
		Request11:     ch.request.version11,
		Fields:        ch.response.fields,
	}
}

func (ch *HttpChannel) write(p []byte, volatileContent bool) (int, error) {
	return ch.conn.generate(ch.ResponseInfo(), buffer.Wrap(p), ActionPrepare, volatileContent)
}

func (ch *HttpChannel) flush() error {
	_, err := ch.conn.generate(ch.ResponseInfo(), nil, ActionFlush, false)
	return err
}

// completeResponse finishes the round: streamed responses get their
// terminator, buffered ones go out in one complete generation, gzipped
// when the handler opted in and the client accepts it.
func (ch *HttpChannel) completeResponse() error {
	if ch.conn.generator.IsComplete() {
		return nil
	}
	if ch.response.streamed {
		_, err := ch.conn.generate(ch.ResponseInfo(), nil, ActionComplete, false)
		return err
	}

	body := ch.response.body
	if ch.response.compress && len(body) >= compressMinSize && ch.request.AcceptsGzip() {
		if gz, err := gzipBytes(body); err == nil && len(gz) < len(body) {
			body = gz
			ch.response.WithHeader("Content-Encoding", "gzip")
		}
	}

	var content *buffer.Buffer
	if len(body) > 0 {
		content = buffer.Wrap(body)
	}
	_, err := ch.conn.generate(ch.ResponseInfo(), content, ActionComplete, false)
	return err
}

// SendError emits an error response, provided nothing has been committed
// yet. close marks the connection non-persistent so the framing forces a
// close after the response.
func (ch *HttpChannel) SendError(status uint16, reason, content string, close bool) error {
	c := ch.conn
	if c.generator.IsCommitted() {
		return ErrCommitted
	}

	info := &ResponseInfo{
		Status:        status,
		Reason:        reason,
		ContentLength: -1,
		Head:          ch.request.head,
		Request11:     true,
		Fields:        ch.response.fields,
	}
	if close {
		c.generator.SetPersistent(false)
	}

	if c.responseHeader == nil {
		c.responseHeader = c.connector.ResponseBuffers().GetHeader()
	}
	if c.responseBuffer == nil {
		c.responseBuffer = c.connector.ResponseBuffers().GetBuffer()
	}

	ch.response.Status = status

	var body *buffer.Buffer
	if content != "" {
		body = buffer.Wrap([]byte(content))
	}
	_, err := c.generate(info, body, ActionComplete, false)
	return err
}

func (ch *HttpChannel) Reset() {
	ch.request.reset()
	ch.response.reset()
}

func (ch *HttpChannel) OnClose() {
	ch.request.conn = nil
}

const (
	maxRequestHeaders = 128
	maxRequestBody    = 2 * 1024 * 1024
)

var methodHead = []byte("HEAD")
