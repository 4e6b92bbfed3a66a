package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"filehub/crypto"
	"filehub/models"
	"filehub/storage"
)

var (
	// ErrIdleTimeout indicates the client stayed silent past the idle threshold.
	ErrIdleTimeout = errors.New("network: client idle timeout")
	// ErrSuperseded indicates a newer login of the same client took over.
	ErrSuperseded = errors.New("network: session superseded")
)

// SessionState represents the lifecycle state of one client connection.
type SessionState string

const (
	StateConnected         SessionState = "CONNECTED"
	StateAuthenticating    SessionState = "AUTHENTICATING"
	StateIdle              SessionState = "AUTHENTICATED_IDLE"
	StateAwaitingDirective SessionState = "AWAITING_DIRECTIVE"
	StateTransferring      SessionState = "TRANSFERRING"
	StateTerminated        SessionState = "TERMINATED"
)

// SessionOptions controls timing of one session.
type SessionOptions struct {
	IdleTimeout  time.Duration
	PollInterval time.Duration
	LoginTimeout time.Duration
	// EvictWait bounds how long a new login waits for the session it
	// supersedes to settle.
	EvictWait time.Duration
}

// SessionDeps are the shared components a session runs against.
type SessionDeps struct {
	Gateway    Gateway
	Liveness   *Liveness
	Dispatcher *Dispatcher
	Engine     *Engine
	Logger     *zap.Logger
}

// protocolError is a failure the peer is told about with one ERROR line
// before the connection closes.
type protocolError struct {
	code string
	err  error
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *protocolError) Unwrap() error {
	return e.err
}

// Session drives one authenticated client connection.
type Session struct {
	id    string
	conn  net.Conn
	codec *Codec
	deps  SessionDeps
	opts  SessionOptions

	logger *zap.Logger

	stateMu sync.RWMutex
	state   SessionState

	client *models.Client
	lease  *Lease

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps an accepted connection.
func NewSession(conn net.Conn, deps SessionDeps, options SessionOptions) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	id := uuid.NewString()
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Session{
		id:     id,
		conn:   conn,
		codec:  NewCodec(conn),
		deps:   deps,
		opts:   options,
		logger: deps.Logger.With(zap.String("session", id), zap.String("remote", remote)),
		state:  StateConnected,
		done:   make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close drops the connection. Serve notices and terminates.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) setState(state SessionState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// Serve runs the session until the peer leaves, goes idle, or ctx is done.
// The client is marked OFFLINE and the socket closed on every exit path.
func (s *Session) Serve(ctx context.Context) {
	defer s.terminate()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	s.logger.Debug("connection accepted")
	if err := s.authenticate(); err != nil {
		var perr *protocolError
		if errors.As(err, &perr) {
			_ = s.codec.WriteLine(ErrorLine(perr.code))
		}
		s.logger.Info("login rejected", zap.Error(err))
		return
	}

	err := s.run(ctx)
	switch {
	case errors.Is(err, ErrIdleTimeout):
		s.logger.Info("client went silent", zap.Error(err))
	case errors.Is(err, ErrSuperseded), errors.Is(err, context.Canceled):
		s.logger.Info("session closed", zap.Error(err))
	case err != nil:
		s.logger.Info("connection ended", zap.Error(err))
	}
}

func (s *Session) authenticate() error {
	s.setState(StateAuthenticating)

	line, err := s.codec.ReadLine(s.opts.LoginTimeout)
	if errors.Is(err, ErrLineTooLong) {
		return &protocolError{code: CodeUnknownCommand, err: err}
	}
	if err != nil {
		return fmt.Errorf("read login: %w", err)
	}

	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != CmdLogin {
		return &protocolError{code: CodeUnknownCommand, err: fmt.Errorf("%w: expected %s", ErrProtocolViolation, CmdLogin)}
	}
	clientID, password := fields[1], fields[2]

	client, err := s.deps.Gateway.GetClient(clientID)
	if errors.Is(err, storage.ErrNotFound) {
		crypto.RejectPassword(password)
		return &protocolError{code: CodeInvalidCredentials, err: fmt.Errorf("%w: unknown client %q", ErrAuthenticationFailed, clientID)}
	}
	if err != nil {
		return &protocolError{code: CodeStorageFailure, err: fmt.Errorf("load client: %w", err)}
	}
	if !crypto.VerifyPassword(client.PasswordHash, password) {
		return &protocolError{code: CodeInvalidCredentials, err: fmt.Errorf("%w: bad password for %q", ErrAuthenticationFailed, clientID)}
	}

	s.logger = s.logger.With(zap.String("client_id", clientID))
	s.lease = s.deps.Liveness.Claim(clientID, s.id, s.evict, s.opts.EvictWait)
	if err := s.deps.Gateway.SetClientStatus(clientID, models.ClientOnline); err != nil {
		return &protocolError{code: CodeStorageFailure, err: fmt.Errorf("mark online: %w", err)}
	}
	s.client = client

	if err := s.codec.WriteLine(ReplyAuthorized); err != nil {
		return err
	}
	s.logger.Info("client logged in")
	return nil
}

// evict is called by the liveness registry when a newer login takes over.
func (s *Session) evict() {
	s.logger.Info("superseded by a newer login")
	_ = s.conn.Close()
}

func (s *Session) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.setState(StateIdle)
		if !s.lease.Current() {
			return ErrSuperseded
		}
		if idle := s.lease.Idle(); idle >= s.opts.IdleTimeout {
			return fmt.Errorf("%w: silent for %s", ErrIdleTimeout, idle.Round(time.Millisecond))
		}

		line, err := s.codec.ReadLine(s.opts.PollInterval)
		switch {
		case err == nil:
			if s.handleLine(line) {
				continue
			}
		case IsTimeout(err):
		case errors.Is(err, ErrLineTooLong):
			s.logger.Debug("ignoring oversized line")
		default:
			if !s.lease.Current() {
				return ErrSuperseded
			}
			return fmt.Errorf("read: %w", err)
		}

		if err := s.dispatch(); err != nil {
			return err
		}
	}
}

// handleLine processes one idle line and reports whether it was a heartbeat.
// A heartbeat only refreshes liveness and does not consult the dispatcher.
func (s *Session) handleLine(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	if !strings.EqualFold(fields[0], CmdPing) {
		s.logger.Debug("ignoring stray token", zap.String("token", fields[0]))
		return false
	}

	s.lease.Touch()
	if err := s.deps.Gateway.SetClientStatus(s.client.ClientID, models.ClientOnline); err != nil {
		s.logger.Warn("refresh online status failed", zap.Error(err))
	}
	return true
}

// dispatch runs at most one directive. A non-nil error ends the session.
func (s *Session) dispatch() error {
	s.setState(StateAwaitingDirective)
	s.deps.Engine.PurgeAbandonedUploads(s.client.ClientID)
	directive, err := s.deps.Dispatcher.Next(s.client.ClientID)
	if err != nil {
		s.logger.Warn("dispatch failed", zap.Error(err))
		return nil
	}
	if directive == nil {
		return nil
	}

	// Capacity may have been changed by the operator since login.
	if fresh, err := s.deps.Gateway.GetClient(s.client.ClientID); err == nil {
		s.client = fresh
	}

	s.setState(StateTransferring)
	if err := s.codec.SetReadTimeout(0); err != nil {
		return err
	}
	outcome, err := s.deps.Engine.Run(Transfer{
		Codec:     s.codec,
		Client:    s.client,
		Directive: directive,
		Logger:    s.logger,
	})
	s.lease.Touch()
	if err != nil {
		return fmt.Errorf("action %d ended %s: %w", directive.Action.ActionID, outcome, err)
	}
	return nil
}

func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		s.setState(StateTerminated)
		_ = s.conn.Close()
		if s.lease != nil {
			clientID := s.lease.clientID
			s.lease.Release(func() {
				if err := s.deps.Gateway.SetClientStatus(clientID, models.ClientOffline); err != nil {
					s.logger.Error("mark offline failed", zap.Error(err))
				}
			})
		}
		s.logger.Debug("connection terminated")
		close(s.done)
	})
}
