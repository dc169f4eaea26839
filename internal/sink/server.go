// Package sink implements a small SMTP server that accepts every message and
// hands it to a Backend instead of relaying it. It lets the mailer run and be
// tested without a real relay.
package sink

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shineum/smtp-mailer-lite/internal/email"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Envelope is one completed SMTP transaction.
type Envelope struct {
	// Conn numbers the connection the transaction arrived on, starting at 1.
	Conn int64

	From        string
	To          []string
	MailOptions []string
	RcptOptions []string

	// Data is the message exactly as received, after dot-unstuffing.
	Data []byte

	// Message is Data parsed into the mailer's model.
	Message *email.Email
}

// Backend receives completed transactions. A returned error is reported to
// the client as a temporary failure.
type Backend interface {
	Deliver(ctx context.Context, env *Envelope) error
}

// Config holds the configuration for a sink Server.
type Config struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:2525").
	Addr string

	// Hostname is used in the greeting and EHLO responses.
	Hostname string

	Backend Backend

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	// Username and Password enable SMTP AUTH; with AUTH enabled MAIL is
	// refused until the client authenticates.
	Username string
	Password string

	Logger *slog.Logger
}

// Server is an SMTP sink.
type Server struct {
	cfg      Config
	creds    credentials
	logger   *slog.Logger
	listener net.Listener

	conns atomic.Int64

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new sink Server with the given configuration.
func New(cfg Config) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:    cfg,
		creds:  credentials{username: cfg.Username, password: cfg.Password},
		logger: logger,
	}
}

// Listen binds the listening socket without accepting connections yet, so
// Addr is known before Serve runs.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// ListenAndServe binds and serves until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until the context is cancelled, then waits up
// to 30 seconds for in-flight sessions to complete.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("sink: Serve called before Listen")
	}
	ln := s.listener

	s.logger.Info("SMTP sink listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.creds.enabled(),
		"tls_enabled", s.cfg.TLSConfig != nil,
	)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForSessions()
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return err
				}
				s.logger.Error("accept error", "error", err)
				continue
			}
		}

		id := s.conns.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(s, nc, id).run(ctx)
		}()
	}
}

// Connections returns how many connections have been accepted.
func (s *Server) Connections() int64 {
	return s.conns.Load()
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sink sessions completed")
	case <-time.After(shutdownTimeout):
		s.logger.Warn("shutdown timeout reached, forcing close")
	}
}

// Recorder is a Backend that keeps every envelope in memory. It is safe for
// concurrent use.
type Recorder struct {
	mu        sync.Mutex
	envelopes []*Envelope
}

// Deliver records env.
func (r *Recorder) Deliver(_ context.Context, env *Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
	return nil
}

// Envelopes returns a copy of the recorded envelopes in arrival order.
func (r *Recorder) Envelopes() []*Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Envelope, len(r.envelopes))
	copy(out, r.envelopes)
	return out
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, env *Envelope) error

// Deliver calls f.
func (f BackendFunc) Deliver(ctx context.Context, env *Envelope) error {
	return f(ctx, env)
}
