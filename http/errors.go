package http

import (
	"errors"
	"fmt"
)

var (
	// ErrEOF reports that the stream ended or the generator has already
	// finished the response.
	ErrEOF = errors.New("http: end of stream")

	// ErrWouldBlock is returned by non-blocking channel reads and writes
	// that cannot make progress right now.
	ErrWouldBlock = errors.New("http: operation would block")

	// ErrClosedOutput is returned by Flush after ShutdownOutput.
	ErrClosedOutput = errors.New("http: output shutdown")

	// ErrBlocked reports a second caller parking on a direction that
	// already has a blocker.
	ErrBlocked = errors.New("http: already blocked")

	// ErrIllegalFlush reports a flush combination outside the legal set.
	ErrIllegalFlush = errors.New("http: illegal flush combination")

	// ErrCommitted reports an attempt to rewrite a committed response.
	ErrCommitted = errors.New("http: response committed")

	// ErrWriteTimeout reports that a blocking flush gave up waiting for
	// the endpoint to become writeable.
	ErrWriteTimeout = errors.New("http: write timed out")
)

// ProtocolError is an HTTP-level rejection carried as a value. The parse
// loop turns it into an error response with the given status.
type ProtocolError struct {
	Status uint16
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("http: %d %s", e.Status, e.Reason)
}

func badRequest(reason string) *ProtocolError {
	return &ProtocolError{Status: StatusBadRequest, Reason: reason}
}
