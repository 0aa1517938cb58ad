package http

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/freekieb7/shale/buffer"
	"github.com/nats-io/nuid"
)

// flushSet names the buffer slots with bytes pending flush. Only the
// combinations in the flush table are legal; anything else is a
// programming error caught before the write.
type flushSet uint8

const (
	flushContent flushSet = 1 << iota
	flushBody
	flushChunk
	flushHeader
)

func flushMask(header, chunk, body, content *buffer.Buffer) flushSet {
	var set flushSet
	if header.HasContent() {
		set |= flushHeader
	}
	if chunk.HasContent() {
		set |= flushChunk
	}
	if body.HasContent() {
		set |= flushBody
	}
	if content.HasContent() {
		set |= flushContent
	}
	return set
}

// HttpConnection drives the HTTP/1.x request/response lifecycle over a
// selectable endpoint: it fills and parses requests, dispatches them to the
// channel, and runs the generator's flush state machine back against the
// endpoint.
type HttpConnection struct {
	SelectableConn

	server    *Server
	connector *Connector
	parser    *Parser
	generator *Generator
	channel   *HttpChannel
	id        string

	toFlush        flushSet
	requestBuffer  *buffer.Buffer
	responseHeader *buffer.Buffer
	chunk          *buffer.Buffer
	responseBuffer *buffer.Buffer
	content        *buffer.Buffer

	closeOnce sync.Once
}

func NewHttpConnection(server *Server, connector *Connector, endp SelectableEndpoint) *HttpConnection {
	c := &HttpConnection{
		server:    server,
		connector: connector,
		id:        nuid.Next(),
	}
	c.channel = newHttpChannel(server, c)
	c.parser = NewParser(c.channel)
	c.generator = NewGenerator(connector.ResponseBuffers().BufferSize())
	c.Init(endp, c.doRead, c.doWrite)
	c.idlePolicy = c.effectiveMaxIdleTime
	return c
}

func (c *HttpConnection) ID() string             { return c.id }
func (c *HttpConnection) Parser() *Parser        { return c.parser }
func (c *HttpConnection) Generator() *Generator  { return c.generator }
func (c *HttpConnection) Channel() *HttpChannel  { return c.channel }
func (c *HttpConnection) Connector() *Connector  { return c.connector }

func (c *HttpConnection) IsIdle() bool {
	return c.parser.IsIdle() && c.generator.IsIdle()
}

// effectiveMaxIdleTime layers the connector's low-resource timeout over the
// endpoint's, falling back to the connector default when the endpoint has
// none.
func (c *HttpConnection) effectiveMaxIdleTime() time.Duration {
	endp := c.Endpoint()
	if c.connector.IsLowResources() && endp.MaxIdleTime() == c.connector.MaxIdleTime() {
		return c.connector.LowResourceMaxIdleTime()
	}
	if endp.MaxIdleTime() > 0 {
		return endp.MaxIdleTime()
	}
	return c.connector.MaxIdleTime()
}

func (c *HttpConnection) doRead() {
	c.Process()

	endp := c.SelectableEndpoint()
	if !endp.IsOpen() {
		c.OnClose()
		return
	}
	// hand further readable events to whoever owns the endpoint now
	if !c.channel.request.IsSuspended() && !endp.IsInputShutdown() {
		endp.SetReadInterested(true)
	}
}

func (c *HttpConnection) doWrite() {
	if c.toFlush != 0 {
		if err := c.flush(false); err != nil {
			logger.Debug("write cycle failed", "conn", c.id, "err", err)
			c.Endpoint().Close()
		}
	}
}

// Process drives the parse loop: fill, parse, dispatch, and reset for
// keep-alive, until no more progress can be made, the exchange is
// suspended, or the connection has been switched.
func (c *HttpConnection) Process() {
	var conn Conn = c
	progress := true
	eof := false
	closing := false

	c.channel.setConnection(c)
	c.SelectableEndpoint().SetCheckForIdle(false)
	defer func() {
		if !c.channel.request.IsSuspended() {
			c.channel.setConnection(nil)
			c.SelectableEndpoint().SetCheckForIdle(true)
		}
	}()

	for progress && conn == Conn(c) && !closing {
		progress = false

		if c.requestBuffer == nil {
			if c.parser.IsInContent() {
				c.requestBuffer = c.connector.RequestBuffers().GetBuffer()
			} else {
				c.requestBuffer = c.connector.RequestBuffers().GetHeader()
			}
		}

		if !c.requestBuffer.HasContent() && !eof {
			if n := c.Endpoint().Fill(c.requestBuffer); n > 0 {
				progress = true
			} else if n < 0 {
				eof = true
			}
		}

		if c.requestBuffer.HasContent() {
			done, err := c.parser.ParseNext(c.requestBuffer)
			if err == nil && done {
				err = c.channel.HandleRequest()
			}
			if err != nil {
				progress = true
				closing = true
				c.requestBuffer.Clear()
				c.parser.SetPersistent(false)

				var perr *ProtocolError
				if errors.As(err, &perr) {
					protocolErrors.Add(context.Background(), 1)
					if serr := c.channel.SendError(perr.Status, perr.Reason, "", true); serr != nil {
						logger.Debug("error response failed", "conn", c.id, "err", serr)
						c.Endpoint().Close()
					}
				} else {
					// transport failure mid round: nothing useful can be
					// written back
					logger.Debug("process failed", "conn", c.id, "err", err)
					c.generator.SetPersistent(false)
					c.Endpoint().Close()
				}
			}
		}

		if c.requestBuffer != nil && !c.requestBuffer.HasContent() {
			c.connector.RequestBuffers().Put(c.requestBuffer)
			c.requestBuffer = nil
		}

		if c.parser.IsComplete() && c.generator.IsComplete() {
			if c.channel.response.Status == StatusSwitchingProtocols {
				if sw, ok := c.channel.request.Attribute(ConnectionAttribute).(Conn); ok && sw != nil {
					conn = sw
				}
			}
			c.Reset()
			progress = true
		} else if c.channel.request.IsSuspended() {
			logger.Debug("suspended", "conn", c.id)
			progress = false
		}
	}

	if eof {
		c.OnInputShutdown()
	}

	if conn != Conn(c) {
		// protocol switch: rebind the selector to the replacement
		c.SelectableEndpoint().SetConnection(conn)
	}
}

// Reset prepares the connection for the next request of a keep-alive
// round: parser, generator and channel go back to idle and every pooled
// buffer goes home. A request buffer still holding pipelined bytes stays.
func (c *HttpConnection) Reset() {
	c.parser.Reset()
	c.generator.Reset()
	c.channel.Reset()

	if c.requestBuffer != nil && !c.requestBuffer.HasContent() {
		c.connector.RequestBuffers().Put(c.requestBuffer)
		c.requestBuffer = nil
	}
	if c.responseHeader != nil {
		c.connector.ResponseBuffers().Put(c.responseHeader)
		c.responseHeader = nil
	}
	if c.responseBuffer != nil {
		c.connector.ResponseBuffers().Put(c.responseBuffer)
		c.responseBuffer = nil
	}
	if c.chunk != nil {
		c.connector.ResponseBuffers().Put(c.chunk)
		c.chunk = nil
	}
	c.content = nil
	c.toFlush = 0
}

// generate feeds the generator until the action is satisfied and any
// content is drained, allocating buffers and flushing as the generator
// asks. It returns how many content bytes the generator consumed.
func (c *HttpConnection) generate(info *ResponseInfo, content *buffer.Buffer, action Action, volatileContent bool) (int, error) {
	if c.generator.IsComplete() {
		return 0, ErrEOF
	}
	before := c.generator.ContentPrepared()

	for {
		if c.toFlush != 0 {
			if err := c.flush(true); err != nil {
				return int(c.generator.ContentPrepared() - before), err
			}
		}

		result, err := c.generator.Generate(info, c.responseHeader, c.chunk, c.responseBuffer, content, action)
		if err != nil {
			return int(c.generator.ContentPrepared() - before), err
		}

		switch result {
		case ResultNeedHeader:
			c.responseHeader = c.connector.ResponseBuffers().GetHeader()

		case ResultNeedBuffer:
			c.responseBuffer = c.connector.ResponseBuffers().GetBuffer()

		case ResultNeedChunk:
			// chunked responses reuse the header slot for framing
			if c.responseHeader != nil && !c.responseHeader.HasContent() {
				c.connector.ResponseBuffers().Put(c.responseHeader)
				c.responseHeader = nil
			}
			if c.chunk == nil {
				c.chunk = c.connector.ResponseBuffers().GetSized(ChunkBufferSize)
			}

		case ResultFlush:
			c.toFlush = flushMask(c.responseHeader, c.chunk, c.responseBuffer, nil)
			if err := c.flush(false); err != nil {
				return int(c.generator.ContentPrepared() - before), err
			}

		case ResultFlushContent:
			c.content = content
			c.toFlush = flushMask(c.responseHeader, c.chunk, nil, c.content)
			if err := c.flush(volatileContent); err != nil {
				return int(c.generator.ContentPrepared() - before), err
			}

		case ResultShutdownOut:
			c.Endpoint().ShutdownOutput()

		case ResultOK:
		}

		if result == ResultOK && !content.HasContent() {
			break
		}
	}

	return int(c.generator.ContentPrepared() - before), nil
}

// flush walks the pending set and issues the fewest gather writes that
// respect header-then-chunk-then-body-or-content order. With block=false a
// single pass is made; with block=true it parks on BlockWriteable until
// everything is on the wire.
func (c *HttpConnection) flush(block bool) error {
	endp := c.Endpoint()
	for c.toFlush != 0 {
		var err error
		switch c.toFlush {
		case flushHeader | flushBody:
			_, err = endp.Flush(c.responseHeader, c.responseBuffer)
		case flushHeader | flushContent:
			_, err = endp.Flush(c.responseHeader, c.content)
		case flushHeader:
			_, err = endp.Flush(c.responseHeader)
		case flushChunk | flushBody:
			_, err = endp.Flush(c.chunk, c.responseBuffer)
		case flushChunk | flushContent:
			_, err = endp.Flush(c.chunk, c.content)
		case flushChunk:
			_, err = endp.Flush(c.chunk)
		case flushBody:
			_, err = endp.Flush(c.responseBuffer)
		case flushContent:
			_, err = endp.Flush(c.content)
		default:
			return ErrIllegalFlush
		}
		if err != nil {
			return err
		}

		hadContent := c.toFlush&flushContent != 0
		c.toFlush = flushMask(c.responseHeader, c.chunk, c.responseBuffer, c.content)
		if hadContent && c.toFlush&flushContent == 0 {
			// the slot pointer is released; the buffer stays the caller's
			c.content = nil
		}

		if !block {
			break
		}
		if c.toFlush != 0 {
			woken, err := c.BlockWriteable()
			if err != nil {
				return err
			}
			if !woken {
				return ErrWriteTimeout
			}
		}
	}
	return nil
}

// OnInputShutdown closes the connection when nothing is in flight;
// otherwise the parser is pointed at EOF so the current message errors out
// instead of waiting forever.
func (c *HttpConnection) OnInputShutdown() {
	if c.generator.IsIdle() && c.parser.IsIdle() && !c.channel.request.IsSuspended() {
		c.Endpoint().Close()
		c.OnClose()
		return
	}
	c.parser.SetPersistent(false)
}

func (c *HttpConnection) OnClose() {
	c.closeOnce.Do(func() {
		c.channel.OnClose()
		if c.requestBuffer != nil {
			c.connector.RequestBuffers().Put(c.requestBuffer)
			c.requestBuffer = nil
		}
		if c.responseHeader != nil {
			c.connector.ResponseBuffers().Put(c.responseHeader)
			c.responseHeader = nil
		}
		if c.responseBuffer != nil {
			c.connector.ResponseBuffers().Put(c.responseBuffer)
			c.responseBuffer = nil
		}
		if c.chunk != nil {
			c.connector.ResponseBuffers().Put(c.chunk)
			c.chunk = nil
		}
		c.content = nil
		c.toFlush = 0
	})
}

// resume finishes a suspended exchange on the server's executor.
func (c *HttpConnection) resume() {
	work := func() {
		c.channel.request.suspended = false
		if err := c.channel.completeResponse(); err != nil {
			logger.Debug("resume failed", "conn", c.id, "err", err)
			c.Endpoint().Close()
			c.OnClose()
			return
		}
		c.doRead()
	}
	if c.server != nil && c.server.executor != nil {
		c.server.executor.Submit(work)
		return
	}
	go work()
}
