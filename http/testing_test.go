package http

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// pipeChannel is an in-memory ByteChannel scripted by tests: reads drain
// the input script, writes land in out. A write budget simulates
// backpressure; -1 means unlimited.
type pipeChannel struct {
	mu           sync.Mutex
	in           bytes.Buffer
	out          bytes.Buffer
	eof          bool
	closed       bool
	readShut     bool
	writeShut    bool
	writeBudget  int
	gather       bool
	onWouldBlock func()
	writes       int
}

func newPipeChannel() *pipeChannel {
	return &pipeChannel{writeBudget: -1, gather: true}
}

func (c *pipeChannel) feed(s string) {
	c.mu.Lock()
	c.in.WriteString(s)
	c.mu.Unlock()
}

func (c *pipeChannel) feedEOF() {
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()
}

func (c *pipeChannel) setBudget(n int) {
	c.mu.Lock()
	c.writeBudget = n
	c.mu.Unlock()
}

func (c *pipeChannel) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func (c *pipeChannel) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *pipeChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.in.Len() == 0 {
		if c.eof {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	n, _ := c.in.Read(p)
	return n, nil
}

func (c *pipeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(p)
}

func (c *pipeChannel) writeLocked(p []byte) (int, error) {
	if c.writeBudget == 0 {
		if c.onWouldBlock != nil {
			c.onWouldBlock()
		}
		return 0, ErrWouldBlock
	}
	n := len(p)
	if c.writeBudget > 0 && n > c.writeBudget {
		n = c.writeBudget
	}
	c.out.Write(p[:n])
	if c.writeBudget > 0 {
		c.writeBudget -= n
	}
	c.writes++
	return n, nil
}

func (c *pipeChannel) Writev(bufs [][]byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.gather {
		return 0, ErrWouldBlock
	}
	if c.writeBudget == 0 {
		if c.onWouldBlock != nil {
			c.onWouldBlock()
		}
		return 0, ErrWouldBlock
	}
	total := 0
	c.writes++
	for _, p := range bufs {
		if c.writeBudget == 0 {
			break
		}
		n := len(p)
		if c.writeBudget > 0 && n > c.writeBudget {
			n = c.writeBudget
		}
		c.out.Write(p[:n])
		if c.writeBudget > 0 {
			c.writeBudget -= n
		}
		total += n
		if n < len(p) {
			break
		}
	}
	return total, nil
}

func (c *pipeChannel) CloseRead() error {
	c.mu.Lock()
	c.readShut = true
	c.mu.Unlock()
	return nil
}

func (c *pipeChannel) CloseWrite() error {
	c.mu.Lock()
	c.writeShut = true
	c.mu.Unlock()
	return nil
}

func (c *pipeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *pipeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// testEndpoint is a SelectableEndpoint without a selector: interest bits
// and the connection binding are plain fields the test inspects.
type testEndpoint struct {
	*ChannelEndpoint

	readInterested  atomic.Bool
	writeInterested atomic.Bool
	checkIdle       atomic.Bool

	connMu sync.Mutex
	conn   Conn
}

func newTestEndpoint(ch ByteChannel, maxIdle time.Duration) *testEndpoint {
	return &testEndpoint{
		ChannelEndpoint: NewChannelEndpoint(ch, nil, nil, maxIdle),
	}
}

func (e *testEndpoint) SetReadInterested(interested bool)  { e.readInterested.Store(interested) }
func (e *testEndpoint) SetWriteInterested(interested bool) { e.writeInterested.Store(interested) }
func (e *testEndpoint) SetCheckForIdle(check bool)         { e.checkIdle.Store(check) }
func (e *testEndpoint) CheckForIdle() bool                 { return e.checkIdle.Load() }

func (e *testEndpoint) SetConnection(conn Conn) {
	e.connMu.Lock()
	e.conn = conn
	e.connMu.Unlock()
}

func (e *testEndpoint) Connection() Conn {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.conn
}

// newTestConnection builds a connection over a scripted channel with the
// pools sized by opts, the way most connection tests start.
func newTestConnection(opts Options) (*HttpConnection, *pipeChannel, *testEndpoint) {
	server := NewServer("test", nil, opts)
	ch := newPipeChannel()
	endp := newTestEndpoint(ch, server.opts.MaxIdleTime)
	conn := NewHttpConnection(server, server.Connector(), endp)
	endp.SetConnection(conn)
	return conn, ch, endp
}
