package http

import (
	"context"
	"sync"
	"time"
)

// Conn is a protocol driver bound to a selectable endpoint. The selector
// feeds it readiness events and idle expiries; everything else is up to the
// concrete protocol.
type Conn interface {
	Endpoint() Endpoint
	CreatedAt() time.Time
	MaxIdleTime() time.Duration
	IsIdle() bool

	OnReadable() func()
	OnWriteable() func()
	OnIdleExpired(idleFor time.Duration)
	OnInputShutdown()
	OnClose()

	CheckForIdle() bool
	IdleFor(now time.Time) time.Duration
}

// SelectableConn mediates between a selectable endpoint and a concrete
// connection. Readiness events either wake a parked caller or hand back a
// work unit; BlockReadable/BlockWriteable park the caller until the
// selector reports readiness or the idle timeout elapses.
//
// The condition variables of the blocking façade are rendered as one-slot
// signal channels: a send under the lock cannot be missed because the token
// stays buffered until the parked frame collects it.
type SelectableConn struct {
	mu   sync.Mutex
	endp SelectableEndpoint

	createdAt time.Time
	maxIdle   time.Duration // negative inherits the endpoint's

	readBlocked  bool
	writeBlocked bool
	readableCh   chan struct{}
	writeableCh  chan struct{}

	reader func()
	writer func()

	// idlePolicy, when set, decides the effective idle timeout instead of
	// the connection/endpoint chain. The HTTP connection uses it to layer
	// in the connector's low-resource timeout.
	idlePolicy func() time.Duration
}

// Init wires the coordination state. doRead/doWrite run a protocol cycle
// when the selector dispatches a work unit; leaving one nil makes the
// corresponding dispatch an illegal state.
func (c *SelectableConn) Init(endp SelectableEndpoint, doRead, doWrite func()) {
	c.endp = endp
	c.createdAt = time.Now()
	c.maxIdle = -1
	c.readableCh = make(chan struct{}, 1)
	c.writeableCh = make(chan struct{}, 1)
	c.reader = illegalDispatch
	c.writer = illegalDispatch
	if doRead != nil {
		c.reader = doRead
	}
	if doWrite != nil {
		c.writer = doWrite
	}
}

func illegalDispatch() {
	panic("http: dispatch on connection without a driver")
}

func (c *SelectableConn) Endpoint() Endpoint                     { return c.endp }
func (c *SelectableConn) SelectableEndpoint() SelectableEndpoint { return c.endp }
func (c *SelectableConn) CreatedAt() time.Time                   { return c.createdAt }

func (c *SelectableConn) MaxIdleTime() time.Duration {
	if c.idlePolicy != nil {
		return c.idlePolicy()
	}
	c.mu.Lock()
	max := c.maxIdle
	c.mu.Unlock()
	if max < 0 {
		return c.endp.MaxIdleTime()
	}
	return max
}

func (c *SelectableConn) SetMaxIdleTime(d time.Duration) {
	c.mu.Lock()
	c.maxIdle = d
	c.mu.Unlock()
}

// OnReadable is called by the selector when the endpoint is read-ready. A
// parked reader absorbs the event; otherwise the read work unit is handed
// back for dispatch.
func (c *SelectableConn) OnReadable() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readBlocked {
		signal(c.readableCh)
		return nil
	}
	return c.reader
}

func (c *SelectableConn) OnWriteable() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeBlocked {
		signal(c.writeableCh)
		return nil
	}
	return c.writer
}

// BlockReadable parks the caller until the endpoint is read-ready or the
// idle timeout elapses. It reports true when woken by readiness and false
// on timeout; a second concurrent blocker is an error.
func (c *SelectableConn) BlockReadable() (bool, error) {
	c.mu.Lock()
	if c.readBlocked {
		c.mu.Unlock()
		return false, ErrBlocked
	}
	c.readBlocked = true
	drain(c.readableCh)
	c.endp.SetReadInterested(true)
	c.mu.Unlock()

	woken := await(c.readableCh, c.MaxIdleTime())

	c.mu.Lock()
	c.readBlocked = false
	if !woken {
		c.endp.SetReadInterested(false)
	}
	c.mu.Unlock()
	return woken, nil
}

// BlockWriteable is the write-side counterpart of BlockReadable.
func (c *SelectableConn) BlockWriteable() (bool, error) {
	c.mu.Lock()
	if c.writeBlocked {
		c.mu.Unlock()
		return false, ErrBlocked
	}
	c.writeBlocked = true
	drain(c.writeableCh)
	c.endp.SetWriteInterested(true)
	c.mu.Unlock()

	woken := await(c.writeableCh, c.MaxIdleTime())

	c.mu.Lock()
	c.writeBlocked = false
	if !woken {
		c.endp.SetWriteInterested(false)
	}
	c.mu.Unlock()
	return woken, nil
}

// OnIdleExpired half-closes output for a graceful close, or closes outright
// when either side is already shut.
func (c *SelectableConn) OnIdleExpired(idleFor time.Duration) {
	logger.Debug("idle expired", "idle_for", idleFor)
	idleExpiries.Add(context.Background(), 1)
	if c.endp.IsInputShutdown() || c.endp.IsOutputShutdown() {
		c.endp.Close()
	} else {
		c.endp.ShutdownOutput()
	}
}

func (c *SelectableConn) OnInputShutdown() {}
func (c *SelectableConn) OnClose()         {}

func (c *SelectableConn) IsIdle() bool { return true }

func (c *SelectableConn) CheckForIdle() bool {
	return c.endp.CheckForIdle()
}

func (c *SelectableConn) IdleFor(now time.Time) time.Duration {
	return c.endp.IdleFor(now)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

func await(ch chan struct{}, max time.Duration) bool {
	if max <= 0 {
		<-ch
		return true
	}
	t := time.NewTimer(max)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
