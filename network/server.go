package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

const (
	DefaultIdleTimeout  = 12 * time.Second
	DefaultPollInterval = time.Second
	DefaultLoginTimeout = 30 * time.Second
	DefaultEvictWait    = 5 * time.Second

	defaultConnectionRateLimitWindow = time.Minute
)

// ServerOptions configures the transfer listener.
type ServerOptions struct {
	TLSConfig  *tls.Config
	Gateway    Gateway
	StorageDir string

	ChunkSize    int
	StallTimeout time.Duration
	IdleTimeout  time.Duration
	PollInterval time.Duration
	LoginTimeout time.Duration
	EvictWait    time.Duration

	// ConnectionRateLimitPerIP caps accepted connections per remote IP within
	// ConnectionRateLimitWindow. Zero disables the limit.
	ConnectionRateLimitPerIP     int
	ConnectionRateLimitWindow    time.Duration
	OnInboundConnectionRateLimit func(remoteIP string)

	Logger *zap.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.PollInterval > out.IdleTimeout {
		out.PollInterval = out.IdleTimeout
	}
	if out.LoginTimeout < 0 {
		out.LoginTimeout = 0
	}
	if out.EvictWait <= 0 {
		out.EvictWait = DefaultEvictWait
	}
	if out.ConnectionRateLimitWindow <= 0 {
		out.ConnectionRateLimitWindow = defaultConnectionRateLimitWindow
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

func (o ServerOptions) validate() error {
	if o.TLSConfig == nil {
		return errors.New("TLS config is required")
	}
	if o.Gateway == nil {
		return errors.New("gateway is required")
	}
	if o.StorageDir == "" {
		return errors.New("storage directory is required")
	}
	return nil
}

type rateWindow struct {
	start time.Time
	count int
}

// Server accepts TLS connections and runs one Session per connection.
type Server struct {
	listener net.Listener
	options  ServerOptions
	logger   *zap.Logger

	liveness   *Liveness
	dispatcher *Dispatcher
	engine     *Engine

	ctx    context.Context
	cancel context.CancelFunc

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}

	rateMu      sync.Mutex
	rateWindows map[string]*rateWindow

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TLS listener and its accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.StorageDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	if address == "" {
		address = ":0"
	}
	inner, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.Logger.Named("server")
	server := &Server{
		listener:    tls.NewListener(inner, opts.TLSConfig),
		options:     opts,
		logger:      logger,
		liveness:    NewLiveness(),
		dispatcher:  NewDispatcher(opts.Gateway, logger.Named("dispatch")),
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[*Session]struct{}),
		rateWindows: make(map[string]*rateWindow),
		closed:      make(chan struct{}),
	}
	server.engine = NewEngine(opts.Gateway, EngineOptions{
		StorageDir:   opts.StorageDir,
		ChunkSize:    opts.ChunkSize,
		StallTimeout: opts.StallTimeout,
	}, logger.Named("transfer"))

	server.wg.Add(1)
	go server.acceptLoop()

	logger.Info("listening", zap.Stringer("addr", inner.Addr()))
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Liveness returns the registry shared by all sessions.
func (s *Server) Liveness() *Liveness {
	return s.liveness
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// Shutdown stops accepting, lets sessions finish their current directive, and
// force-closes whatever is still open when ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.stopAccepting()
	s.cancel()

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return err
	case <-ctx.Done():
	}

	s.closeSessions()
	<-waited
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// Close stops the server and drops every session immediately.
func (s *Server) Close() error {
	err := s.stopAccepting()
	s.cancel()
	s.closeSessions()
	s.wg.Wait()
	return err
}

func (s *Server) stopAccepting() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
	})
	return closeErr
}

func (s *Server) closeSessions() {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	for session := range s.sessions {
		_ = session.Close()
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	retry := newRetryBackOff()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			delay := retry.NextBackOff()
			s.logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", delay))
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-s.closed:
				timer.Stop()
				return
			}
			continue
		}
		retry.Reset()

		if ip, ok := s.allowInbound(conn.RemoteAddr()); !ok {
			s.logger.Warn("inbound connection rate limited", zap.String("ip", ip))
			if s.options.OnInboundConnectionRateLimit != nil {
				s.options.OnInboundConnectionRateLimit(ip)
			}
			_ = conn.Close()
			continue
		}

		s.startSession(conn)
	}
}

func (s *Server) startSession(conn net.Conn) {
	session := NewSession(conn, SessionDeps{
		Gateway:    s.options.Gateway,
		Liveness:   s.liveness,
		Dispatcher: s.dispatcher,
		Engine:     s.engine,
		Logger:     s.logger.Named("session"),
	}, SessionOptions{
		IdleTimeout:  s.options.IdleTimeout,
		PollInterval: s.options.PollInterval,
		LoginTimeout: s.options.LoginTimeout,
		EvictWait:    s.options.EvictWait,
	})

	s.sessionsMu.Lock()
	s.sessions[session] = struct{}{}
	s.sessionsMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.sessionsMu.Lock()
			delete(s.sessions, session)
			s.sessionsMu.Unlock()
		}()
		session.Serve(s.ctx)
	}()
}

// allowInbound applies the fixed-window per-IP connection limit.
func (s *Server) allowInbound(addr net.Addr) (string, bool) {
	ip := remoteIP(addr)
	if s.options.ConnectionRateLimitPerIP <= 0 {
		return ip, true
	}

	now := time.Now()
	window := s.options.ConnectionRateLimitWindow

	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	for key, entry := range s.rateWindows {
		if now.Sub(entry.start) >= window {
			delete(s.rateWindows, key)
		}
	}

	entry, ok := s.rateWindows[ip]
	if !ok {
		s.rateWindows[ip] = &rateWindow{start: now, count: 1}
		return ip, true
	}
	if entry.count >= s.options.ConnectionRateLimitPerIP {
		return ip, false
	}
	entry.count++
	return ip, true
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// newRetryBackOff paces retries of transient network failures.
func newRetryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
