package http

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/freekieb7/shale/buffer"
	"github.com/klauspost/compress/gzip"
)

func TestKeepAliveTwoRequests(t *testing.T) {
	conn, ch, _ := newTestConnection(Options{})

	var dispatched []string
	conn.server.SetHandler(func(req *Request, res *Response) {
		dispatched = append(dispatched, req.Path())
	})

	ch.feed("GET /a HTTP/1.1\r\nHost: h\r\n\r\nGET /b HTTP/1.1\r\nHost: h\r\n\r\n")
	conn.Process()

	if len(dispatched) != 2 || dispatched[0] != "/a" || dispatched[1] != "/b" {
		t.Fatalf("expected dispatches for /a and /b, got %v", dispatched)
	}

	want := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"
	if got := ch.output(); got != want+want {
		t.Fatalf("unexpected output:\n%q", got)
	}

	if !ch.IsOpen() {
		t.Fatal("connection should stay open for keep-alive")
	}
	if !conn.parser.IsIdle() || !conn.generator.IsIdle() {
		t.Fatal("parser and generator should be idle between requests")
	}
	if n := conn.connector.RequestBuffers().Outstanding(); n != 0 {
		t.Fatalf("request pool outstanding = %d, want 0", n)
	}
	if n := conn.connector.ResponseBuffers().Outstanding(); n != 0 {
		t.Fatalf("response pool outstanding = %d, want 0", n)
	}
}

func TestChunkedResponse(t *testing.T) {
	conn, ch, _ := newTestConnection(Options{})

	conn.server.SetHandler(func(req *Request, res *Response) {
		for _, part := range []string{"one", "two", "three"} {
			if _, err := res.Write([]byte(part), false); err != nil {
				t.Errorf("write failed: %v", err)
				return
			}
		}
		if err := res.Flush(); err != nil {
			t.Errorf("flush failed: %v", err)
		}
	})

	ch.feed("GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	conn.Process()

	want := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"3\r\none\r\n3\r\ntwo\r\n5\r\nthree\r\n0\r\n\r\n"
	if got := ch.output(); got != want {
		t.Fatalf("unexpected chunked output:\ngot  %q\nwant %q", got, want)
	}
	if !conn.parser.IsIdle() || !conn.generator.IsIdle() {
		t.Fatal("round should have reset parser and generator")
	}
}

func TestVolatileWriteBlocksOnBackpressure(t *testing.T) {
	conn, ch, _ := newTestConnection(Options{MaxIdleTime: 2 * time.Second})

	header := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"
	payload := strings.Repeat("x", 512)

	blocked := make(chan struct{}, 1)
	ch.onWouldBlock = func() {
		select {
		case blocked <- struct{}{}:
		default:
		}
	}

	go func() {
		<-blocked
		ch.setBudget(-1)
		// the parked writer absorbs the event; retry until it is parked
		for i := 0; i < 200; i++ {
			if w := conn.OnWriteable(); w == nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	conn.server.SetHandler(func(req *Request, res *Response) {
		// let the committed header through, then stall the endpoint
		ch.setBudget(len(header))
		volatile := []byte(payload)
		if _, err := res.Write(volatile, true); err != nil {
			t.Errorf("volatile write failed: %v", err)
			return
		}
		// the caller may now reuse the buffer; the flush must be done
		if conn.content != nil {
			t.Error("content slot still referenced after volatile write")
		}
		for i := range volatile {
			volatile[i] = '!'
		}
	})

	ch.feed("GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	conn.Process()

	got := ch.output()
	if !strings.Contains(got, payload) {
		t.Fatalf("payload did not survive backpressure:\n%q", got)
	}
	if strings.Contains(got, "!") {
		t.Fatal("output observed the caller's buffer reuse")
	}
}

func TestBadRequestLine(t *testing.T) {
	conn, ch, _ := newTestConnection(Options{})
	conn.server.SetHandler(func(req *Request, res *Response) {
		t.Error("handler must not run for a malformed request")
	})

	ch.feed("NOTAMETHOD /\r\n\r\n")
	conn.Process()

	got := ch.output()
	if !strings.HasPrefix(got, "HTTP/1.1 400 ") {
		t.Fatalf("expected a 400 response, got %q", got)
	}
	if !strings.Contains(got, "Connection: close\r\n") {
		t.Fatalf("error response should close the connection, got %q", got)
	}
	if conn.generator.IsPersistent() {
		t.Fatal("generator should be non-persistent after a protocol error")
	}
	ch.mu.Lock()
	writeShut := ch.writeShut
	ch.mu.Unlock()
	if !writeShut {
		t.Fatal("output should be shut down after the error response")
	}
}

func TestPeerHalfCloseMidRequest(t *testing.T) {
	conn, ch, _ := newTestConnection(Options{})
	conn.server.SetHandler(func(req *Request, res *Response) {
		t.Error("handler must not run for a truncated request")
	})

	ch.feed("GET /a HTTP/1.1\r\n")
	ch.feedEOF()
	conn.Process()

	if conn.parser.IsIdle() {
		t.Fatal("parser should be mid-message")
	}
	if !ch.IsOpen() {
		t.Fatal("connection should stay open with a request in flight")
	}
	if conn.parser.IsPersistent() {
		t.Fatal("parser should have been pointed at EOF")
	}

	// the truncated message errors out on the next parse
	if _, err := conn.parser.ParseNext(buffer.New(16)); err == nil {
		t.Fatal("expected an incomplete-message error")
	}
}

type echoConn struct {
	SelectableConn
	buf *buffer.Buffer
}

func newEchoConn(endp SelectableEndpoint) *echoConn {
	e := &echoConn{buf: buffer.New(4 * 1024)}
	e.Init(endp, e.doRead, nil)
	return e
}

func (e *echoConn) doRead() {
	for {
		if !e.buf.HasContent() {
			if n := e.Endpoint().Fill(e.buf); n <= 0 {
				return
			}
		}
		for e.buf.HasContent() {
			if _, err := e.Endpoint().Flush(e.buf); err != nil {
				return
			}
			if e.buf.HasContent() {
				if woken, _ := e.BlockWriteable(); !woken {
					return
				}
			}
		}
	}
}

func TestProtocolSwitch(t *testing.T) {
	conn, ch, endp := newTestConnection(Options{})

	var echo *echoConn
	conn.server.SetHandler(func(req *Request, res *Response) {
		echo = newEchoConn(endp)
		res.WithStatus(StatusSwitchingProtocols)
		req.SetAttribute(ConnectionAttribute, echo)
	})

	ch.feed("GET /upgrade HTTP/1.1\r\nHost: h\r\nUpgrade: echo\r\n\r\n")
	conn.Process()

	if got := ch.output(); !strings.HasPrefix(got, "HTTP/1.1 101 ") {
		t.Fatalf("expected a 101 response, got %q", got)
	}
	if endp.Connection() != Conn(echo) {
		t.Fatal("selector should be rebound to the replacement connection")
	}

	// bytes after the switch reach the new connection, not the parser
	before := ch.output()
	ch.feed("ping")
	work := endp.Connection().OnReadable()
	if work == nil {
		t.Fatal("expected a read work unit from the echo connection")
	}
	work()
	if got := ch.output(); got != before+"ping" {
		t.Fatalf("echo connection did not run, output %q", got)
	}
	if !conn.parser.IsIdle() {
		t.Fatal("http parser must not consume post-switch bytes")
	}
}

func TestHttp10Close(t *testing.T) {
	conn, ch, _ := newTestConnection(Options{})
	conn.server.SetHandler(func(req *Request, res *Response) {
		res.WithText("done")
	})

	ch.feed("GET / HTTP/1.0\r\n\r\n")
	conn.Process()

	got := ch.output()
	if !strings.Contains(got, "Connection: close\r\n") {
		t.Fatalf("HTTP/1.0 without keep-alive should close, got %q", got)
	}
	ch.mu.Lock()
	writeShut := ch.writeShut
	ch.mu.Unlock()
	if !writeShut {
		t.Fatal("output should be shut after a non-persistent response")
	}
}

func TestHeadSuppressesBody(t *testing.T) {
	conn, ch, _ := newTestConnection(Options{})
	conn.server.SetHandler(func(req *Request, res *Response) {
		res.WithText("invisible")
	})

	ch.feed("HEAD / HTTP/1.1\r\nHost: h\r\n\r\n")
	conn.Process()

	got := ch.output()
	if !strings.Contains(got, "Content-Length: 9\r\n") {
		t.Fatalf("HEAD should report the body length, got %q", got)
	}
	if strings.Contains(got, "invisible") {
		t.Fatalf("HEAD must not carry a body, got %q", got)
	}
}

func TestRequestBody(t *testing.T) {
	conn, ch, _ := newTestConnection(Options{})

	var body string
	conn.server.SetHandler(func(req *Request, res *Response) {
		body = string(req.Body())
	})

	ch.feed("POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 11\r\n\r\nhello world")
	conn.Process()

	if body != "hello world" {
		t.Fatalf("request body = %q", body)
	}
}

func TestChunkedRequestBody(t *testing.T) {
	conn, ch, _ := newTestConnection(Options{})

	var body string
	conn.server.SetHandler(func(req *Request, res *Response) {
		body = string(req.Body())
	})

	ch.feed("POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	conn.Process()

	if body != "hello world" {
		t.Fatalf("chunked request body = %q", body)
	}
}

func TestGzipResponse(t *testing.T) {
	conn, ch, _ := newTestConnection(Options{})

	payload := strings.Repeat("compressible ", 64)
	conn.server.SetHandler(func(req *Request, res *Response) {
		res.WithCompression().WithText(payload)
	})

	ch.feed("GET / HTTP/1.1\r\nHost: h\r\nAccept-Encoding: gzip\r\n\r\n")
	conn.Process()

	got := ch.output()
	if !strings.Contains(got, "Content-Encoding: gzip\r\n") {
		t.Fatalf("expected a gzip response, got %q", got)
	}
	raw := got[strings.Index(got, "\r\n\r\n")+4:]
	zr, err := gzip.NewReader(bytes.NewReader([]byte(raw)))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	if string(plain) != payload {
		t.Fatal("gzip round trip mismatch")
	}
}

func TestIllegalFlushCombination(t *testing.T) {
	conn, _, _ := newTestConnection(Options{})
	conn.toFlush = flushBody | flushContent
	if err := conn.flush(false); !errors.Is(err, ErrIllegalFlush) {
		t.Fatalf("expected ErrIllegalFlush, got %v", err)
	}
}

func TestSendErrorAfterCommit(t *testing.T) {
	conn, ch, _ := newTestConnection(Options{})
	conn.server.SetHandler(func(req *Request, res *Response) {
		if _, err := res.Write([]byte("partial"), false); err != nil {
			t.Errorf("write failed: %v", err)
		}
		if err := conn.channel.SendError(StatusInternalServerError, "", "", true); !errors.Is(err, ErrCommitted) {
			t.Errorf("expected ErrCommitted, got %v", err)
		}
	})

	ch.feed("GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	conn.Process()
}

func TestSuspendAndResume(t *testing.T) {
	conn, ch, _ := newTestConnection(Options{})

	resumed := make(chan *Request, 1)
	conn.server.SetHandler(func(req *Request, res *Response) {
		res.WithText("later")
		req.Suspend()
		resumed <- req
	})

	ch.feed("GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	conn.Process()

	if got := ch.output(); got != "" {
		t.Fatalf("suspended exchange must not respond yet, got %q", got)
	}

	req := <-resumed
	req.Resume()

	deadline := time.Now().Add(2 * time.Second)
	for ch.output() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := ch.output(); !strings.Contains(got, "later") {
		t.Fatalf("resumed response missing, got %q", got)
	}
}
