// Package server accepts SSH connections and turns each interactive shell
// request into a bridged terminal session.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/tuibridge/internal/adapters/realclock"
	"github.com/acolita/tuibridge/internal/adapters/realnet"
	"github.com/acolita/tuibridge/internal/config"
	"github.com/acolita/tuibridge/internal/filter"
	"github.com/acolita/tuibridge/internal/ports"
	"github.com/acolita/tuibridge/internal/process"
	"github.com/acolita/tuibridge/internal/recording"
	"github.com/acolita/tuibridge/internal/session"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// DefaultHandshakeTimeout bounds the SSH handshake of a new connection.
const DefaultHandshakeTimeout = 30 * time.Second

// AuthPolicy decides whether a connection may proceed. It is consulted for
// every authentication method the client tries.
type AuthPolicy func(conn ssh.ConnMetadata) error

// AcceptAll admits every connection.
func AcceptAll(ssh.ConnMetadata) error { return nil }

// Server is the SSH listener. It holds no per-session state of its own;
// sessions live in the Registry.
type Server struct {
	cfg        atomic.Pointer[config.Config]
	sshConfig  *ssh.ServerConfig
	registry   *session.Registry
	recordings *recording.Manager
	network    ports.NetworkListener
	clock      ports.Clock
	logger     *slog.Logger
	auth       AuthPolicy
	handshake  time.Duration
	baseEnv    []string

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*ssh.ServerConn]struct{}
	closed    bool
	wg        sync.WaitGroup

	channelSeq atomic.Uint64
}

// Option configures a Server.
type Option func(*Server)

// WithAuthPolicy replaces the default accept-all policy.
func WithAuthPolicy(p AuthPolicy) Option {
	return func(s *Server) { s.auth = p }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock sets the clock passed to sessions.
func WithClock(c ports.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithNetworkListener sets how ListenAndServe opens its socket.
func WithNetworkListener(n ports.NetworkListener) Option {
	return func(s *Server) { s.network = n }
}

// WithRecordings enables per-session recordings through m.
func WithRecordings(m *recording.Manager) Option {
	return func(s *Server) { s.recordings = m }
}

// WithRegistry shares a session registry, e.g. with the admin endpoint.
func WithRegistry(r *session.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithHandshakeTimeout overrides DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) { s.handshake = d }
}

// WithBaseEnv sets the environment every program inherits before
// program.env and client env are applied. The default is the server's own.
func WithBaseEnv(env []string) Option {
	return func(s *Server) { s.baseEnv = env }
}

// New creates a server identified by hostKey. cfg must have been validated.
func New(cfg *config.Config, hostKey ssh.Signer, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: nil config")
	}
	if hostKey == nil {
		return nil, errors.New("server: nil host key")
	}

	s := &Server{
		network:   realnet.NewListener(),
		clock:     realclock.New(),
		logger:    slog.Default(),
		auth:      AcceptAll,
		handshake: DefaultHandshakeTimeout,
		baseEnv:   os.Environ(),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*ssh.ServerConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = session.NewRegistry(cfg.Server.MaxSessions)
	} else {
		s.registry.SetLimit(cfg.Server.MaxSessions)
	}
	s.cfg.Store(cfg)

	s.sshConfig = &ssh.ServerConfig{
		NoClientAuth: true,
		NoClientAuthCallback: func(c ssh.ConnMetadata) (*ssh.Permissions, error) {
			return s.authorize(c, "none")
		},
		PasswordCallback: func(c ssh.ConnMetadata, _ []byte) (*ssh.Permissions, error) {
			return s.authorize(c, "password")
		},
		KeyboardInteractiveCallback: func(c ssh.ConnMetadata, _ ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			return s.authorize(c, "keyboard-interactive")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return s.authorize(c, "publickey")
		},
	}
	s.sshConfig.AddHostKey(hostKey)
	return s, nil
}

func (s *Server) authorize(c ssh.ConnMetadata, method string) (*ssh.Permissions, error) {
	if err := s.auth(c); err != nil {
		s.logger.Info("authentication rejected",
			"remote_addr", c.RemoteAddr().String(),
			"user", c.User(),
			"method", method,
			"error", err,
		)
		return nil, err
	}
	return nil, nil
}

// Config returns the configuration new sessions are created with.
func (s *Server) Config() *config.Config {
	return s.cfg.Load()
}

// Registry returns the live-session registry.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// UpdateConfig swaps the configuration used for sessions accepted from now
// on. Running sessions keep the settings they started with.
func (s *Server) UpdateConfig(cfg *config.Config) {
	old := s.cfg.Swap(cfg)
	s.registry.SetLimit(cfg.Server.MaxSessions)

	if old == nil {
		return
	}
	if old.Server.ListenAddr != cfg.Server.ListenAddr {
		s.logger.Warn("listen address change requires a restart",
			"current", old.Server.ListenAddr, "configured", cfg.Server.ListenAddr)
	}
	if old.Server.HostKeyPath != cfg.Server.HostKeyPath {
		s.logger.Warn("host key change requires a restart",
			"current", old.Server.HostKeyPath, "configured", cfg.Server.HostKeyPath)
	}
	if old.Recording != cfg.Recording {
		s.logger.Warn("recording change requires a restart")
	}
	s.logger.Info("configuration updated",
		"program", cfg.Program.Path,
		"max_sessions", cfg.Server.MaxSessions,
	)
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	addr := s.Config().Server.ListenAddr
	ln, err := s.network.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It always returns a
// non-nil error; after Shutdown that error is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)

	s.logger.Info("listening", "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// Transient accept failures (e.g. EMFILE) must not stop the listener.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Warn("accept failed", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.listeners[ln] = struct{}{}
		return true
	}
	delete(s.listeners, ln)
	return true
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) handleConn(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	remote := netConn.RemoteAddr().String()
	if s.handshake > 0 {
		netConn.SetDeadline(time.Now().Add(s.handshake))
	}
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.sshConfig)
	if err != nil {
		s.logger.Debug("handshake failed", "remote_addr", remote, "error", err)
		return
	}
	netConn.SetDeadline(time.Time{})

	if !s.trackConn(sshConn, true) {
		sshConn.Close()
		return
	}
	defer s.trackConn(sshConn, false)
	defer sshConn.Close()

	logger := s.logger.With("remote_addr", remote, "user", sshConn.User())
	logger.Info("connection made", "client_version", string(sshConn.ClientVersion()))

	go ssh.DiscardRequests(reqs)

	var channels sync.WaitGroup
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			logger.Debug("channel accept failed", "error", err)
			continue
		}

		h := &channelHandler{
			srv:     s,
			cfg:     s.Config(),
			channel: channel,
			peer: session.Peer{
				Key:        fmt.Sprintf("%s/%d", remote, s.channelSeq.Add(1)),
				RemoteAddr: remote,
				User:       sshConn.User(),
			},
			logger: logger,
		}
		channels.Add(1)
		go func() {
			defer channels.Done()
			h.serve(requests)
		}()
	}
	channels.Wait()
	logger.Info("connection lost")
}

func (s *Server) trackConn(c *ssh.ServerConn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.conns[c] = struct{}{}
		return true
	}
	delete(s.conns, c)
	return true
}

// Shutdown stops accepting connections, terminates every session through the
// registry, and waits for connection handlers to return or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	err := s.registry.CloseAll(ctx)

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}

	if s.recordings != nil {
		s.recordings.CloseAll()
	}
	return err
}

// sessionOptions derives session settings from cfg. clientEnv holds the
// accepted "env" requests and wins over the configured environment.
func (s *Server) sessionOptions(cfg *config.Config, clientEnv []string) session.Options {
	sc := cfg.Session
	return session.Options{
		Program: process.Spec{
			Path: cfg.Program.Path,
			Args: cfg.Program.Args,
			Dir:  cfg.Program.Dir,
			Env:  process.MergeEnv(s.baseEnv, cfg.Program.Env, clientEnv),
		},
		DefaultTerm:     sc.DefaultTerm,
		GracePeriod:     sc.GracePeriod,
		StartupWatchdog: sc.StartupWatchdog,
		TerminateOnHang: sc.TerminateOnHang,
		Filter: filter.Options{
			MaxCarry: sc.MaxCarry,
			SuppressModes: filter.Negotiation{
				DisableMouseReporting: sc.Negotiation.DisableMouseReporting,
				DisableBracketedPaste: sc.Negotiation.DisableBracketedPaste,
				DisableSyncUpdates:    sc.Negotiation.DisableSyncUpdates,
			}.Modes(),
		},
		CarryTimeout: sc.CarryTimeout,
		ChunkSize:    sc.ChunkSize,
		Recordings:   s.recordings,
		Clock:        s.clock,
		Logger:       s.logger,
	}
}
