package wsthost

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// HTTPServer extends net/http Server with an asyncobj lifecycle so the
// listener can be torn down by a context, StartShutdown, or Close.
type HTTPServer struct {
	*asyncobj.Helper
	srv *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer. It does not listen until
// ListenAndServe is called.
func NewHTTPServer(lg logger.Logger) *HTTPServer {
	h := &HTTPServer{
		srv: &http.Server{},
	}
	h.Helper = asyncobj.NewHelper(lg.ForkLogStr("http-server"), h)
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// closes the listener, which unblocks Serve and drains ListenAndServe.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	h.mu.Lock()
	l := h.listener
	h.mu.Unlock()
	if l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			h.DLogf("close of listener failed, ignoring: %s", err)
		}
	}
	return completionErr
}

// Addr returns the bound listen address, or nil before the server has
// started listening. Useful with ":0" bind addresses.
func (h *HTTPServer) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// ListenAndServe runs the HTTP server on the given bind address, invoking
// the provided handler for each request. It returns after the server has
// shut down. The server can be shut down either by cancelling the context
// or by calling StartShutdown or Close.
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	err := h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)

			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("Listen failed: %s", err)
			}
			h.srv.Handler = handler
			h.mu.Lock()
			h.listener = l
			h.mu.Unlock()

			go func() {
				err := h.srv.Serve(l)
				if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
				h.StartShutdown(err)
			}()

			return nil
		},
		true,
	)
	if err == nil {
		err = h.WaitShutdown()
	}
	return err
}
