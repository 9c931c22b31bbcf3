package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"codeberg.org/FiskFan1999/gemini"
	"go.uber.org/zap"
)

type ConnState int

const (
	StateAccepted ConnState = iota
	StateTLSHandshaking
	StateAwaitingRequestLine
	StateResolving
	StateServing
	StateClosed
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateTLSHandshaking:
		return "tls-handshaking"
	case StateAwaitingRequestLine:
		return "awaiting-request-line"
	case StateResolving:
		return "resolving"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type conn struct {
	srv   *Server
	raw   net.Conn
	start time.Time
}

func (c *conn) setState(st ConnState) {
	if hook := c.srv.ConnState; hook != nil {
		hook(c.raw, st)
	}
}

/*
serve runs one connection from handshake to
close. Exactly one response is written, unless
the handshake itself fails, in which case the
socket is just closed.
*/
func (c *conn) serve(ctx context.Context) {
	var closer io.Closer = c.raw
	defer func() {
		closer.Close()
		c.setState(StateClosed)
	}()

	c.setState(StateTLSHandshaking)
	tc := tls.Server(c.raw, c.srv.TLS.Config())
	hsCtx, cancel := context.WithTimeout(ctx, c.srv.HandshakeTimeout)
	err := tc.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		c.setState(StateError)
		logger.Debug("TLS handshake failed",
			zap.Stringer("remote", c.raw.RemoteAddr()),
			zap.Error(fmt.Errorf("%w: %s", ErrTLS, err)))
		return
	}

	// close_notify before the socket goes away
	closer = tc

	c.setState(StateAwaitingRequestLine)
	if d := c.srv.ReadTimeout; d > 0 {
		_ = tc.SetReadDeadline(time.Now().Add(d))
	}
	req, err := ReadRequest(tc, c.srv.ReadLimit)
	if err == nil {
		err = req.Validate(c.srv.Hostnames)
	}

	var resp gemini.Response
	if err != nil {
		c.setState(StateError)
		logger.Debug("rejecting request",
			zap.Stringer("remote", c.raw.RemoteAddr()),
			zap.String("line", truncate(req.RawLine, 64)),
			zap.Error(err))
		resp = errorResponse(err)
	} else {
		c.setState(StateResolving)
		resp = c.handle(req, tc)
		c.setState(StateServing)
	}

	if d := c.srv.WriteTimeout; d > 0 {
		_ = tc.SetWriteDeadline(time.Now().Add(d))
	}
	if _, err := tc.Write(resp.Bytes()); err != nil {
		c.setState(StateError)
		logger.Debug("writing response", zap.Stringer("remote", c.raw.RemoteAddr()), zap.Error(err))
	}

	state := tc.ConnectionState()
	logRequest(LogEntry{
		URL:      req.URL,
		Remote:   c.raw.RemoteAddr(),
		TLS:      &state,
		Response: resp,
		Duration: time.Since(c.start),
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// handle runs the handler, answering 40 if it panics.
func (c *conn) handle(req *Request, tc *tls.Conn) (resp gemini.Response) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: handler panic: %v", ErrIO, r)
			logger.Error("handler failed",
				zap.Stringer("remote", c.raw.RemoteAddr()),
				zap.Stringer("url", req.URL),
				zap.Error(err))
			resp = errorResponse(err)
		}
	}()
	return c.srv.Handler(req.URL, tc)
}
