//go:build linux

package http

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/freekieb7/shale/poll"
	"golang.org/x/sys/unix"
)

// sockChannel is the ByteChannel over a non-blocking socket fd.
type sockChannel struct {
	fd      int
	closed  atomic.Bool
	onClose func()
}

func (c *sockChannel) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		return 0, ErrWouldBlock
	case err == unix.EINTR:
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

func (c *sockChannel) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	}
	return n, nil
}

func (c *sockChannel) Writev(bufs [][]byte) (int, error) {
	n, err := unix.Writev(c.fd, bufs)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	}
	return n, nil
}

func (c *sockChannel) CloseRead() error {
	return unix.Shutdown(c.fd, unix.SHUT_RD)
}

func (c *sockChannel) CloseWrite() error {
	return unix.Shutdown(c.fd, unix.SHUT_WR)
}

func (c *sockChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.onClose != nil {
		c.onClose()
	} else {
		unix.Close(c.fd)
	}
	return nil
}

func (c *sockChannel) IsOpen() bool {
	return !c.closed.Load()
}

// sockEndpoint is the selectable endpoint over a socket: the channel
// endpoint plus the selector registration carrying interest bits and the
// connection binding.
type sockEndpoint struct {
	*ChannelEndpoint

	reg       *poll.Registration
	checkIdle atomic.Bool
}

func (e *sockEndpoint) SetReadInterested(interested bool) {
	e.reg.SetReadInterested(interested)
}

func (e *sockEndpoint) SetWriteInterested(interested bool) {
	e.reg.SetWriteInterested(interested)
}

func (e *sockEndpoint) SetCheckForIdle(check bool) {
	e.checkIdle.Store(check)
}

func (e *sockEndpoint) CheckForIdle() bool {
	return e.checkIdle.Load()
}

func (e *sockEndpoint) SetConnection(conn Conn) {
	e.reg.SetConnection(conn)
}

func (e *sockEndpoint) Connection() Conn {
	if conn, ok := e.reg.Connection().(Conn); ok {
		return conn
	}
	return nil
}

// ListenAndServe binds the configured address and serves until ctx is done
// or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr, err := net.ResolveTCPAddr("tcp", s.opts.Addr)
	if err != nil {
		return err
	}

	s.executor = poll.NewExecutor(s.opts.Workers, s.opts.QueueSize)
	s.selector, err = poll.NewSelector(s.executor)
	if err != nil {
		return err
	}

	fd, sa, err := listenSocket(addr)
	if err != nil {
		return err
	}
	s.listenFd = fd

	logger.Info("listening", "server", s.Name, "addr", addrString(sa))

	go func() {
		<-ctx.Done()
		s.Shutdown(context.Background())
	}()

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return s.Shutdown(context.Background())
			}
		}
		nfd, peer, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			select {
			case <-s.done:
				return nil
			default:
			}
			return fmt.Errorf("http: accept failed: %w", err)
		}
		s.serveFd(nfd, peer, sa)
	}
}

func (s *Server) serveFd(fd int, peer unix.Sockaddr, local net.Addr) {
	connectionsAccepted.Add(context.Background(), 1)
	s.conn.connOpened()

	ch := &sockChannel{fd: fd}
	endp := &sockEndpoint{
		ChannelEndpoint: NewChannelEndpoint(ch, local, sockaddrToTCPAddr(peer), s.opts.MaxIdleTime),
	}
	hc := NewHttpConnection(s, s.conn, endp)

	reg, err := s.selector.Register(fd, hc)
	if err != nil {
		logger.Warn("register failed", "err", err)
		unix.Close(fd)
		s.conn.connClosed()
		return
	}
	endp.reg = reg
	ch.onClose = func() {
		reg.Deregister()
		unix.Close(fd)
		s.conn.connClosed()
	}

	logger.Debug("accepted", "conn", hc.ID(), "remote", addrString(endp.RemoteAddr()))
	endp.SetCheckForIdle(true)
	endp.SetReadInterested(true)
}

// Shutdown stops accepting, tears the selector down and releases the
// workers. It does not close accepted connections; their sockets stay open
// until their endpoints are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.listenFd >= 0 {
			unix.Close(s.listenFd)
			s.listenFd = -1
		}
		if s.selector != nil {
			s.selector.Close()
		}
		if s.executor != nil {
			s.executor.Close()
		}
	})
	return nil
}

func listenSocket(addr *net.TCPAddr) (int, net.Addr, error) {
	family := unix.AF_INET
	if addr.IP.To4() == nil && addr.IP.To16() != nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	var sa unix.Sockaddr
	if family == unix.AF_INET {
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], addr.IP.To4())
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		sa = sa6
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	return fd, sockaddrToTCPAddr(bound), nil
}

func sockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	}
	return nil
}
