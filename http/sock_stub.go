//go:build !linux

package http

import (
	"context"
	"errors"
)

var errUnsupported = errors.New("http: the socket layer needs epoll; linux only")

func (s *Server) ListenAndServe(ctx context.Context) error {
	return errUnsupported
}

func (s *Server) Shutdown(ctx context.Context) error {
	return nil
}
