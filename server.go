package main

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/FiskFan1999/gemini"
	"github.com/coinpaprika/ratelimiter"
	"go.uber.org/zap"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultReadTimeout      = 5 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

/*
Server accepts TLS connections and answers
one request on each. Everything it serves
goes through the Handler, which by default
is (*Server).handler.

Run follows the gemini.Server protocol: a byte
on Ready once listening, send a byte on
Shutdown to stop, a byte on ShutdownCompleted
once every connection has been answered.
*/
type Server struct {
	Address          string
	Hostnames        []string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int

	Handler   gemini.Handler
	ConnState func(net.Conn, ConnState) // optional

	TLS       *TLSContext
	Reloader  *CertReloader
	Cache     *ContentCache
	Resolver  *Resolver
	Converter *Converter
	Limiter   *ratelimiter.RateLimiter
	Search    *SearchIndex
	Stats     *StatsStore
	StatsPage bool
	Watcher   *Watcher

	Ready             chan byte
	Shutdown          chan byte
	ShutdownCompleted chan byte

	conns      sync.WaitGroup
	background sync.WaitGroup
}

/*
NewServer wires every component from the
configuration. snap is the certificate the
server starts with; it has to be valid
before anything listens.
*/
func NewServer(conf *ConfigStr, snap *TLSSnapshot) (*Server, error) {
	resolver, err := NewResolver(conf.Root, conf.Index, nil)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Address:           conf.Listen,
		Hostnames:         conf.Hostnames,
		HandshakeTimeout:  conf.handshakeTimeout(),
		ReadTimeout:       conf.readTimeout(),
		WriteTimeout:      conf.writeTimeout(),
		ReadLimit:         MaxRequestLength,
		TLS:               NewTLSContext(snap),
		Cache:             NewContentCache(conf.Cache.MaxEntries, conf.Cache.MaxBytes),
		Resolver:          resolver,
		Converter:         NewConverter(),
		StatsPage:         conf.Stats.Page,
		Ready:             make(chan byte, 1),
		Shutdown:          make(chan byte, 1),
		ShutdownCompleted: make(chan byte, 1),
	}
	s.Handler = s.handler
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	s.Reloader = NewCertReloader(s.TLS, conf.Cert, conf.Key, conf.reloadEvery())
	s.Reloader.Notify = EmailNotice

	if conf.LimitConnections > 0 && conf.LimitWindow > 0 {
		window := time.Second * conf.LimitWindow
		store := ratelimiter.NewMapLimitStore(10*time.Minute, 30*window)
		s.Limiter = ratelimiter.New(store, conf.LimitConnections, window)
	}

	if conf.Search.Enabled {
		s.Search, err = NewSearchIndex(s.Resolver, s.Converter)
		if err != nil {
			return nil, err
		}
		if err := s.Search.Build(conf.Search.Progress); err != nil {
			return nil, err
		}
	}

	if conf.Stats.Database != "" {
		s.Stats, err = OpenStatsStore(conf.Stats.Database)
		if err != nil {
			return nil, err
		}
		if conf.Stats.BackupDir != "" {
			s.Stats.Backup = FileSaver{Prefix: filepath.Join(conf.Stats.BackupDir, "stats-")}
			s.Stats.BackupEvery = conf.backupEvery()
		}
	}

	if conf.Watch.Enabled {
		s.Watcher, err = NewWatcher(s.Resolver.Root, conf.Cert, conf.Key)
		if err != nil {
			return nil, err
		}
		s.Watcher.Cache = s.Cache
		s.Watcher.Search = s.Search
		s.Watcher.Reloader = s.Reloader
	}
	ok = true
	return s, nil
}

func (s *Server) defaults() {
	if s.Handler == nil {
		s.Handler = s.handler
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.ReadLimit <= 0 {
		s.ReadLimit = MaxRequestLength
	}
	if s.Address == "" {
		s.Address = gemini.DefaultAddress
	}
	if s.Ready == nil {
		s.Ready = make(chan byte, 1)
	}
	if s.Shutdown == nil {
		s.Shutdown = make(chan byte, 1)
	}
	if s.ShutdownCompleted == nil {
		s.ShutdownCompleted = make(chan byte, 1)
	}
}

// Run blocks until the server is shut down or the listener fails.
func (s *Server) Run() error {
	s.defaults()

	l, err := net.Listen("tcp", s.Address)
	if err != nil {
		return err
	}
	defer l.Close()
	// figure out what the address is.
	s.Address = l.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startBackground(ctx)

	logger.Info("listening", zap.String("address", s.Address), zap.String("root", s.rootName()))
	s.Ready <- 0

	stopping := make(chan struct{})
	go func() {
		<-s.Shutdown
		close(stopping)
		l.Close()
	}()

	err = s.serve(l)
	select {
	case <-stopping:
		err = nil
	default:
	}

	// connections are not cancelled, they end on their own timeouts
	s.conns.Wait()
	cancel()
	s.background.Wait()
	if err == nil {
		s.ShutdownCompleted <- 0
	}
	return err
}

func (s *Server) serve(l net.Listener) error {
	var tempDelay time.Duration // how long to sleep on accept failure

	for {
		rw, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if isTemporary(err) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				logger.Warn("accept error, retrying", zap.Error(err), zap.Duration("in", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		c := &conn{srv: s, raw: rw, start: time.Now()}
		c.setState(StateAccepted)
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			c.serve(context.Background())
		}()
	}
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

func (s *Server) startBackground(ctx context.Context) {
	run := func(f func(context.Context)) {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			f(ctx)
		}()
	}
	if s.Reloader != nil {
		run(s.Reloader.Run)
	}
	if s.Watcher != nil {
		run(s.Watcher.Run)
	}
	if s.Stats != nil {
		run(s.Stats.Run)
	}
}

func (s *Server) rootName() string {
	if s.Resolver == nil {
		return ""
	}
	return s.Resolver.Root
}

// Close releases the stores opened by NewServer. Call after Run returns.
func (s *Server) Close() error {
	var first error
	if s.Watcher != nil {
		if err := s.Watcher.Close(); err != nil && first == nil {
			first = err
		}
	}
	if s.Search != nil {
		if err := s.Search.Close(); err != nil && first == nil {
			first = err
		}
	}
	if s.Stats != nil {
		if err := s.Stats.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
