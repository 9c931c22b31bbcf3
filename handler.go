package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"codeberg.org/FiskFan1999/gemini"
	"go.uber.org/zap"
)

var InternalError = gemini.ResponseFormat{
	Status: gemini.TemporaryFailure, Mime: "Internal error", Lines: nil,
}

var rateLimiterWarning sync.Once

/*
handler is the default gemini.Handler. The
connection may be nil (gemtest passes nil),
in which case rate limiting is skipped.
*/
func (s *Server) handler(u *url.URL, c *tls.Conn) gemini.Response {
	if c != nil {
		if resp := s.rateLimit(c.RemoteAddr()); resp != nil {
			return resp
		}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	switch {
	case s.Search != nil && (path == "/search" || path == "/search/"):
		return s.Search.Handler(u)
	case s.Stats != nil && s.StatsPage && path == "/stats/":
		return s.Stats.Handler()
	}
	return s.serveContent(path)
}

func (s *Server) rateLimit(remote net.Addr) gemini.Response {
	if s.Limiter == nil {
		rateLimiterWarning.Do(func() {
			logger.Debug("rate limiting disabled")
		})
		return nil
	}
	ip, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		ip = remote.String()
	}
	stat, err := s.Limiter.Check(ip)
	if err != nil {
		logger.Error("rate limiter", zap.Error(err))
		return InternalError
	}
	if stat.IsLimited {
		// meta = number of seconds to wait (integer rounded up)
		wait := stat.LimitDuration.Seconds()
		return gemini.SlowDown.Response(fmt.Sprintf("%d", int(wait)+1))
	}
	// register hit for rate limiting.
	if err := s.Limiter.Inc(ip); err != nil {
		logger.Error("rate limiter", zap.Error(err))
		return InternalError
	}
	return nil
}

func (s *Server) serveContent(path string) gemini.Response {
	res := s.Resolver.Resolve(path)
	switch res.Kind {
	case KindDirectory:
		return gemini.RedirectPermanent.Response(strings.TrimSuffix(path, "/") + "/")
	case KindNotFound:
		err := res.Err
		switch {
		case err == nil:
			err = ErrNotFound
		case errors.Is(err, ErrPermissionDenied):
			logger.Warn("request escapes content root", zap.String("path", path))
		case !errors.Is(err, ErrNotFound):
			logger.Error("resolving path", zap.String("path", path), zap.Error(err))
		}
		return errorResponse(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.computeTimeout())
	defer cancel()
	ent, err := s.Cache.GetOrCompute(ctx, res.AbsolutePath, res.ModTime, func() (CacheEntry, error) {
		return s.render(res)
	})
	if err != nil {
		logger.Error("serving file", zap.String("file", res.AbsolutePath), zap.Error(err))
		if errors.Is(err, ErrNotFound) {
			// removed between resolve and read
			return errorResponse(err)
		}
		return errorResponse(fmt.Errorf("%w: %s", ErrIO, err))
	}

	if s.Stats != nil {
		s.Stats.Hit(s.Resolver.Rel(res.AbsolutePath))
	}
	return GeminiResponse{Status: ent.Status, Meta: ent.Mime, Body: ent.Body}
}

// render builds the cache entry for a resolved file.
func (s *Server) render(res ResolvedPath) (CacheEntry, error) {
	src, err := os.ReadFile(res.AbsolutePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return CacheEntry{}, fmt.Errorf("%w: %s", ErrNotFound, err)
		}
		return CacheEntry{}, fmt.Errorf("%w: %s", ErrIO, err)
	}
	ent := CacheEntry{
		Status:  gemini.Success,
		ModTime: res.ModTime,
	}
	if res.Kind == KindMarkdown {
		ent.Body = s.Converter.Convert(src)
		ent.Mime = GeminiMime
	} else {
		ent.Body = src
		ent.Mime = mimeFor(res.AbsolutePath)
	}
	return ent, nil
}

func (s *Server) computeTimeout() time.Duration {
	if s.WriteTimeout > 0 {
		return s.WriteTimeout
	}
	return DefaultWriteTimeout
}
