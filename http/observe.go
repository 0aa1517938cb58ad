package http

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scope = "github.com/freekieb7/shale/http"

var (
	logger = otelslog.NewLogger(scope)
	meter  = otel.Meter(scope)

	connectionsAccepted = mustCounter("shale.connections.accepted",
		"Connections accepted by the server", "{connection}")
	requestsHandled = mustCounter("shale.requests.handled",
		"Requests dispatched to a handler", "{request}")
	bytesFlushed = mustCounter("shale.bytes.flushed",
		"Bytes flushed to endpoints", "By")
	protocolErrors = mustCounter("shale.errors.protocol",
		"Requests rejected with a protocol error", "{request}")
	idleExpiries = mustCounter("shale.connections.idle_expired",
		"Connections expired by the idle sweep", "{connection}")
	openConnections = mustUpDownCounter("shale.connections.open",
		"Connections currently open", "{connection}")
)

func mustCounter(name, desc, unit string) metric.Int64Counter {
	c, err := meter.Int64Counter(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit))
	if err != nil {
		panic(err)
	}
	return c
}

func mustUpDownCounter(name, desc, unit string) metric.Int64UpDownCounter {
	c, err := meter.Int64UpDownCounter(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit))
	if err != nil {
		panic(err)
	}
	return c
}
