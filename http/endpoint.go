package http

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/freekieb7/shale/buffer"
)

// ByteChannel is a non-blocking duplex byte stream. Read returns
// ErrWouldBlock when no data is available and io.EOF at end of stream;
// Write returns ErrWouldBlock when the peer cannot take more right now.
type ByteChannel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	IsOpen() bool
}

// GatherChannel is a ByteChannel that can write several buffers in one
// syscall, preserving order.
type GatherChannel interface {
	Writev(bufs [][]byte) (int, error)
}

// HalfCloser is a channel that supports shutting down one direction, the
// way sockets do.
type HalfCloser interface {
	CloseRead() error
	CloseWrite() error
}

// Endpoint owns a byte channel and layers half-shut semantics, idle
// tracking and gather flushes on top of it. Fill and Flush never block, so
// they are safe to drive from a selector worker.
type Endpoint interface {
	// Fill reads into the tail of b. It returns the byte count, 0 when
	// the channel has nothing right now, or -1 at end of stream. I/O
	// errors are folded into -1 after shutting down input.
	Fill(b *buffer.Buffer) int

	// Flush writes as much of the given buffers as possible in one pass,
	// consuming what it writes. The caller pairs it with readiness
	// tracking; a short flush is not an error.
	Flush(bufs ...*buffer.Buffer) (int, error)

	ShutdownInput()
	ShutdownOutput()
	Close()

	IsOpen() bool
	IsInputShutdown() bool
	IsOutputShutdown() bool

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	MaxIdleTime() time.Duration
	SetMaxIdleTime(d time.Duration)
	IdleFor(now time.Time) time.Duration
}

// SelectableEndpoint reports readiness through a selector and exposes the
// interest bits and the idle-check toggle the connection layer drives. The
// connection binding is swappable, which is what a 101 protocol switch uses
// to hand the selector to a replacement driver.
type SelectableEndpoint interface {
	Endpoint

	SetReadInterested(interested bool)
	SetWriteInterested(interested bool)
	SetCheckForIdle(check bool)
	CheckForIdle() bool

	SetConnection(conn Conn)
	Connection() Conn
}

// ChannelEndpoint is the Endpoint implementation over a ByteChannel.
type ChannelEndpoint struct {
	ch     ByteChannel
	local  net.Addr
	remote net.Addr

	maxIdle      atomic.Int64 // nanoseconds
	ishut        atomic.Bool
	oshut        atomic.Bool
	lastActivity atomic.Int64 // unix nanoseconds
}

func NewChannelEndpoint(ch ByteChannel, local, remote net.Addr, maxIdle time.Duration) *ChannelEndpoint {
	e := &ChannelEndpoint{ch: ch, local: local, remote: remote}
	e.maxIdle.Store(int64(maxIdle))
	e.lastActivity.Store(time.Now().UnixNano())
	return e
}

func (e *ChannelEndpoint) Channel() ByteChannel { return e.ch }

func (e *ChannelEndpoint) Fill(b *buffer.Buffer) int {
	if e.ishut.Load() {
		return -1
	}
	space := b.Space()
	if len(space) == 0 {
		return 0
	}
	n, err := e.ch.Read(space)
	if n > 0 {
		b.Filled(n)
		e.touch()
	}
	switch {
	case err == nil:
		if n == 0 && e.ishut.Load() {
			return -1
		}
		return n
	case errors.Is(err, ErrWouldBlock):
		return n
	case errors.Is(err, io.EOF):
		if n > 0 {
			return n
		}
		e.ShutdownInput()
		return -1
	default:
		logger.Debug("fill failed", "err", err)
		e.ShutdownInput()
		if n > 0 {
			return n
		}
		return -1
	}
}

func (e *ChannelEndpoint) Flush(bufs ...*buffer.Buffer) (int, error) {
	if e.oshut.Load() {
		return 0, ErrClosedOutput
	}

	live := bufs[:0:0]
	for _, b := range bufs {
		if b.HasContent() {
			live = append(live, b)
		}
	}
	if len(live) == 0 {
		return 0, nil
	}

	var total int
	var err error
	if len(live) == 1 {
		var n int
		n, err = e.ch.Write(live[0].Bytes())
		live[0].Skip(n)
		total = n
	} else if gc, ok := e.ch.(GatherChannel); ok {
		vec := make([][]byte, len(live))
		for i, b := range live {
			vec[i] = b.Bytes()
		}
		total, err = gc.Writev(vec)
		skipAcross(live, total)
	} else {
		for _, b := range live {
			var n int
			n, err = e.ch.Write(b.Bytes())
			remaining := b.Len() - n
			b.Skip(n)
			total += n
			if err != nil || remaining > 0 {
				break
			}
		}
	}

	if total > 0 {
		e.touch()
		bytesFlushed.Add(context.Background(), int64(total))
	}
	if errors.Is(err, ErrWouldBlock) {
		err = nil
	}
	return total, err
}

// skipAcross distributes a gather write's byte count over the buffers in
// order.
func skipAcross(bufs []*buffer.Buffer, n int) {
	for _, b := range bufs {
		if n <= 0 {
			return
		}
		take := b.Len()
		if take > n {
			take = n
		}
		b.Skip(take)
		n -= take
	}
}

func (e *ChannelEndpoint) ShutdownInput() {
	if e.ishut.Swap(true) {
		return
	}
	logger.Debug("ishut", "remote", addrString(e.remote))
	if e.ch.IsOpen() {
		if hc, ok := e.ch.(HalfCloser); ok {
			if err := hc.CloseRead(); err != nil {
				logger.Debug("shutdown input failed", "err", err)
			}
		}
	}
	if e.oshut.Load() {
		e.Close()
	}
}

func (e *ChannelEndpoint) ShutdownOutput() {
	if e.oshut.Swap(true) {
		return
	}
	logger.Debug("oshut", "remote", addrString(e.remote))
	if e.ch.IsOpen() {
		if hc, ok := e.ch.(HalfCloser); ok {
			if err := hc.CloseWrite(); err != nil {
				logger.Debug("shutdown output failed", "err", err)
			}
		}
	}
	if e.ishut.Load() {
		e.Close()
	}
}

func (e *ChannelEndpoint) Close() {
	logger.Debug("close", "remote", addrString(e.remote))
	if err := e.ch.Close(); err != nil {
		logger.Debug("close failed", "err", err)
	}
}

func (e *ChannelEndpoint) IsOpen() bool {
	return e.ch.IsOpen()
}

func (e *ChannelEndpoint) IsInputShutdown() bool {
	return e.ishut.Load() || !e.ch.IsOpen()
}

func (e *ChannelEndpoint) IsOutputShutdown() bool {
	return e.oshut.Load() || !e.ch.IsOpen()
}

func (e *ChannelEndpoint) LocalAddr() net.Addr  { return e.local }
func (e *ChannelEndpoint) RemoteAddr() net.Addr { return e.remote }

func (e *ChannelEndpoint) MaxIdleTime() time.Duration {
	return time.Duration(e.maxIdle.Load())
}

// SetMaxIdleTime stores the value only; the idle sweep reads it on the next
// pass.
func (e *ChannelEndpoint) SetMaxIdleTime(d time.Duration) {
	e.maxIdle.Store(int64(d))
}

func (e *ChannelEndpoint) IdleFor(now time.Time) time.Duration {
	return time.Duration(now.UnixNano() - e.lastActivity.Load())
}

func (e *ChannelEndpoint) touch() {
	e.lastActivity.Store(time.Now().UnixNano())
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
