package http

import (
	"testing"
	"time"
)

func TestOptionsDefaults(t *testing.T) {
	opts := (&Options{}).withDefaults()
	if opts.MaxIdleTime != DefaultMaxIdleTime {
		t.Fatalf("MaxIdleTime = %v", opts.MaxIdleTime)
	}
	if opts.RequestHeaderSize != DefaultHeaderSize || opts.ResponseBufferSize != DefaultBufferSize {
		t.Fatalf("buffer sizes = %d %d", opts.RequestHeaderSize, opts.ResponseBufferSize)
	}
	if opts.LowResourceConnections != DefaultLowResourceConnections {
		t.Fatalf("LowResourceConnections = %d", opts.LowResourceConnections)
	}
}

func TestConnectorLowResources(t *testing.T) {
	conn := NewConnector(Options{LowResourceConnections: 2})
	if conn.IsLowResources() {
		t.Fatal("fresh connector should not be low on resources")
	}
	for i := 0; i < 3; i++ {
		conn.connOpened()
	}
	if !conn.IsLowResources() {
		t.Fatal("connector above the threshold should be low on resources")
	}
	conn.connClosed()
	if conn.IsLowResources() {
		t.Fatal("dropping below the threshold should clear the flag")
	}
}

func TestMaxIdleTimeLayering(t *testing.T) {
	opts := Options{
		MaxIdleTime:            10 * time.Second,
		LowResourceMaxIdleTime: time.Second,
		LowResourceConnections: 1,
	}

	// endpoint on the connector default, connector under pressure
	conn, _, endp := newTestConnection(opts)
	conn.connector.connOpened()
	conn.connector.connOpened()
	if got := conn.MaxIdleTime(); got != time.Second {
		t.Fatalf("low-resource idle = %v, want 1s", got)
	}

	// an endpoint-specific override wins even under pressure
	endp.SetMaxIdleTime(3 * time.Second)
	if got := conn.MaxIdleTime(); got != 3*time.Second {
		t.Fatalf("endpoint idle = %v, want 3s", got)
	}

	// no endpoint value falls back to the connector default
	endp.SetMaxIdleTime(0)
	conn.connector.connClosed()
	conn.connector.connClosed()
	if got := conn.MaxIdleTime(); got != 10*time.Second {
		t.Fatalf("connector idle = %v, want 10s", got)
	}
}

func TestSetHandlerSwaps(t *testing.T) {
	s := NewServer("test", nil, Options{})
	if s.handler() != nil {
		t.Fatal("expected no handler")
	}
	s.SetHandler(func(req *Request, res *Response) {})
	if s.handler() == nil {
		t.Fatal("expected the swapped handler")
	}
}
