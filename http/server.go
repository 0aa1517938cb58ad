package http

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freekieb7/shale/buffer"
	"github.com/freekieb7/shale/poll"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxIdleTime            = 30 * time.Second
	DefaultLowResourceMaxIdleTime = 5 * time.Second
	DefaultLowResourceConnections = 1024
	DefaultHeaderSize             = 8 * 1024
	DefaultBufferSize             = 32 * 1024
	DefaultWorkers                = 0 // one per CPU
	DefaultQueueSize              = 2048
)

// Options is the connector surface: buffer sizes, idle policy and accept
// throttling.
type Options struct {
	Addr string

	MaxIdleTime            time.Duration
	LowResourceMaxIdleTime time.Duration
	LowResourceConnections int

	RequestHeaderSize  int
	RequestBufferSize  int
	ResponseHeaderSize int
	ResponseBufferSize int

	Workers   int
	QueueSize int

	// AcceptLimit caps accepted connections per second; zero disables it.
	AcceptLimit rate.Limit
	AcceptBurst int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Addr == "" {
		opts.Addr = "0.0.0.0:8080"
	}
	if opts.MaxIdleTime == 0 {
		opts.MaxIdleTime = DefaultMaxIdleTime
	}
	if opts.LowResourceMaxIdleTime == 0 {
		opts.LowResourceMaxIdleTime = DefaultLowResourceMaxIdleTime
	}
	if opts.LowResourceConnections == 0 {
		opts.LowResourceConnections = DefaultLowResourceConnections
	}
	if opts.RequestHeaderSize == 0 {
		opts.RequestHeaderSize = DefaultHeaderSize
	}
	if opts.RequestBufferSize == 0 {
		opts.RequestBufferSize = DefaultBufferSize
	}
	if opts.ResponseHeaderSize == 0 {
		opts.ResponseHeaderSize = DefaultHeaderSize
	}
	if opts.ResponseBufferSize == 0 {
		opts.ResponseBufferSize = DefaultBufferSize
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.AcceptBurst == 0 {
		opts.AcceptBurst = 64
	}
	return opts
}

// Connector owns the per-listener resources connections share: buffer
// pools, idle timeouts and the low-resource flag.
type Connector struct {
	opts Options

	requestBuffers  *buffer.Pool
	responseBuffers *buffer.Pool

	open atomic.Int64
}

func NewConnector(opts Options) *Connector {
	opts = opts.withDefaults()
	return &Connector{
		opts:            opts,
		requestBuffers:  buffer.NewPool(opts.RequestHeaderSize, opts.RequestBufferSize),
		responseBuffers: buffer.NewPool(opts.ResponseHeaderSize, opts.ResponseBufferSize),
	}
}

func (c *Connector) RequestBuffers() *buffer.Pool  { return c.requestBuffers }
func (c *Connector) ResponseBuffers() *buffer.Pool { return c.responseBuffers }

func (c *Connector) MaxIdleTime() time.Duration            { return c.opts.MaxIdleTime }
func (c *Connector) LowResourceMaxIdleTime() time.Duration { return c.opts.LowResourceMaxIdleTime }

// IsLowResources reports whether enough connections are open that idle ones
// should be expired aggressively.
func (c *Connector) IsLowResources() bool {
	return c.open.Load() > int64(c.opts.LowResourceConnections)
}

func (c *Connector) OpenConnections() int { return int(c.open.Load()) }

func (c *Connector) connOpened() {
	c.open.Add(1)
	openConnections.Add(context.Background(), 1)
}

func (c *Connector) connClosed() {
	c.open.Add(-1)
	openConnections.Add(context.Background(), -1)
}

// Server accepts connections and serves them with the configured handler.
type Server struct {
	Name string

	mu       sync.Mutex
	h        Handler
	opts     Options
	conn     *Connector
	executor *poll.Executor
	selector *poll.Selector
	limiter  *rate.Limiter

	listenFd  int
	done      chan struct{}
	closeOnce sync.Once
}

func NewServer(name string, handler Handler, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		Name:     name,
		h:        handler,
		opts:     opts,
		conn:     NewConnector(opts),
		listenFd: -1,
		done:     make(chan struct{}),
	}
	if opts.AcceptLimit > 0 {
		s.limiter = rate.NewLimiter(opts.AcceptLimit, opts.AcceptBurst)
	}
	return s
}

func (s *Server) Connector() *Connector { return s.conn }

func (s *Server) handler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

// SetHandler swaps the handler; in-flight requests keep the one they were
// dispatched with.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}
