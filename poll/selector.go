//go:build linux

package poll

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Selectable is the selector's view of a connection: readiness callbacks
// that either absorb the event (returning nil) or hand back a work unit,
// plus the idle bookkeeping the sweep needs.
type Selectable interface {
	OnReadable() func()
	OnWriteable() func()
	OnIdleExpired(idleFor time.Duration)
	CheckForIdle() bool
	IdleFor(now time.Time) time.Duration
	MaxIdleTime() time.Duration
}

const idleSweepInterval = time.Second

// Selector is an epoll event loop. It owns readiness detection and the idle
// sweep; actual connection work runs on the executor.
type Selector struct {
	epfd     int
	wakeR    int
	wakeW    int
	executor *Executor

	mu   sync.Mutex
	regs map[int32]*Registration

	closeOnce sync.Once
	done      chan struct{}
	exited    chan struct{}
}

// Registration binds a non-blocking fd to a Selectable and carries its
// interest bits. SetConnection swaps the dispatch target, which is how a
// protocol switch rebinds the selector after a 101 response.
type Registration struct {
	fd  int
	sel *Selector

	mu        sync.Mutex
	conn      Selectable
	interestR bool
	interestW bool
}

func NewSelector(executor *Executor) (*Selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	s := &Selector{
		epfd:     epfd,
		wakeR:    pipe[0],
		wakeW:    pipe[1],
		executor: executor,
		regs:     make(map[int32]*Registration),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, s.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(s.wakeR),
	}); err != nil {
		s.closeFds()
		return nil, err
	}
	go s.loop()
	return s, nil
}

// Register adds fd to the epoll set with no interest bits armed.
func (s *Selector) Register(fd int, conn Selectable) (*Registration, error) {
	reg := &Registration{fd: fd, sel: s, conn: conn}
	s.mu.Lock()
	s.regs[int32(fd)] = reg
	s.mu.Unlock()

	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		s.mu.Lock()
		delete(s.regs, int32(fd))
		s.mu.Unlock()
		return nil, err
	}
	return reg, nil
}

func (r *Registration) SetConnection(conn Selectable) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
}

func (r *Registration) Connection() Selectable {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Registration) SetReadInterested(interested bool) {
	r.mu.Lock()
	r.interestR = interested
	r.update()
	r.mu.Unlock()
}

func (r *Registration) SetWriteInterested(interested bool) {
	r.mu.Lock()
	r.interestW = interested
	r.update()
	r.mu.Unlock()
}

// update pushes the current interest bits to the kernel. Called with r.mu
// held.
func (r *Registration) update() {
	var events uint32 = unix.EPOLLRDHUP
	if r.interestR {
		events |= unix.EPOLLIN
	}
	if r.interestW {
		events |= unix.EPOLLOUT
	}
	ev := &unix.EpollEvent{Events: events, Fd: int32(r.fd)}
	if err := unix.EpollCtl(r.sel.epfd, unix.EPOLL_CTL_MOD, r.fd, ev); err != nil {
		logger.Debug("epoll_ctl mod failed", "fd", r.fd, "err", err)
	}
}

// Deregister removes the fd from the epoll set. The fd itself is closed by
// the endpoint, not here.
func (r *Registration) Deregister() {
	s := r.sel
	s.mu.Lock()
	delete(s.regs, int32(r.fd))
	s.mu.Unlock()
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, r.fd, nil); err != nil {
		logger.Debug("epoll_ctl del failed", "fd", r.fd, "err", err)
	}
}

func (s *Selector) loop() {
	defer close(s.exited)
	events := make([]unix.EpollEvent, 128)
	lastSweep := time.Now()
	for {
		n, err := unix.EpollWait(s.epfd, events, int(idleSweepInterval.Milliseconds()))
		if err != nil && err != unix.EINTR {
			logger.Warn("epoll_wait failed", "err", err)
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == s.wakeR {
				var drain [8]byte
				unix.Read(s.wakeR, drain[:])
				continue
			}
			s.mu.Lock()
			reg := s.regs[ev.Fd]
			s.mu.Unlock()
			if reg == nil {
				continue
			}
			s.dispatch(reg, ev.Events)
		}
		if now := time.Now(); now.Sub(lastSweep) >= idleSweepInterval {
			lastSweep = now
			s.sweepIdle(now)
		}
	}
}

// dispatch translates readiness into connection callbacks. Interest is
// disarmed before the callback so a connection is owned by at most one
// worker at a time; the connection re-arms when it is done.
func (s *Selector) dispatch(reg *Registration, events uint32) {
	readable := events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0
	writeable := events&unix.EPOLLOUT != 0

	reg.mu.Lock()
	conn := reg.conn
	if readable && !reg.interestR {
		readable = false
	}
	if writeable && !reg.interestW {
		writeable = false
	}
	if readable {
		reg.interestR = false
	}
	if writeable {
		reg.interestW = false
	}
	if readable || writeable {
		reg.update()
	}
	reg.mu.Unlock()

	if conn == nil {
		return
	}
	if readable {
		if w := conn.OnReadable(); w != nil {
			s.executor.Submit(w)
		}
	}
	if writeable {
		if w := conn.OnWriteable(); w != nil {
			s.executor.Submit(w)
		}
	}
}

func (s *Selector) sweepIdle(now time.Time) {
	s.mu.Lock()
	expired := make([]*Registration, 0, 4)
	for _, reg := range s.regs {
		conn := reg.Connection()
		if conn == nil || !conn.CheckForIdle() {
			continue
		}
		max := conn.MaxIdleTime()
		if max > 0 && conn.IdleFor(now) > max {
			expired = append(expired, reg)
		}
	}
	s.mu.Unlock()

	for _, reg := range expired {
		conn := reg.Connection()
		if conn == nil {
			continue
		}
		idleFor := conn.IdleFor(now)
		s.executor.Submit(func() { conn.OnIdleExpired(idleFor) })
	}
}

func (s *Selector) wake() {
	var b [1]byte
	unix.Write(s.wakeW, b[:])
}

func (s *Selector) closeFds() {
	unix.Close(s.epfd)
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
}

func (s *Selector) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wake()
		<-s.exited
		s.closeFds()
	})
}
