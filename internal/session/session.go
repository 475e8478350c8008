// Package session ties one accepted SSH shell request to its PTY, its child
// process, and the bridge between them.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/acolita/tuibridge/internal/adapters/realclock"
	"github.com/acolita/tuibridge/internal/bridge"
	"github.com/acolita/tuibridge/internal/filter"
	"github.com/acolita/tuibridge/internal/ports"
	"github.com/acolita/tuibridge/internal/process"
	"github.com/acolita/tuibridge/internal/pty"
	"github.com/acolita/tuibridge/internal/recording"
	"github.com/acolita/tuibridge/internal/router"
)

// Default terminal values used when the client does not negotiate them.
const (
	DefaultTerm = "xterm-256color"
	DefaultCols = 80
	DefaultRows = 24

	// DefaultStartupWatchdog is how long a child may stay silent after spawn
	// before the session reports it as hung.
	DefaultStartupWatchdog = 10 * time.Second

	// DefaultDrainTimeout bounds how long output is still forwarded after the
	// child exits, for descendants that keep the terminal open.
	DefaultDrainTimeout = 500 * time.Millisecond
)

var (
	// ErrClosed is returned when operating on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrNotRunning is returned when the session has no child process.
	ErrNotRunning = errors.New("session not running")
)

// State is the lifecycle stage of a session.
type State string

const (
	StateNegotiating State = "negotiating"
	StateRunning     State = "running"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
)

// Terminal is what the client negotiated.
type Terminal struct {
	Term string
	Cols int
	Rows int
	// ControlChars maps termios indexes (unix.VINTR, ...) to their values.
	ControlChars map[int]byte
	// RawApplied records that raw input mode was set on the PTY.
	RawApplied bool
}

func (t *Terminal) normalize(term string) {
	t.RawApplied = false
	if t.Term == "" {
		t.Term = term
	}
	if t.Cols <= 0 {
		t.Cols = DefaultCols
	}
	if t.Rows <= 0 {
		t.Rows = DefaultRows
	}
}

// Peer identifies the connection a session belongs to.
type Peer struct {
	// Key is the lookup key of the session's channel in the Registry.
	Key        string
	RemoteAddr string
	User       string
}

// Options configures how a session runs its program.
type Options struct {
	Program     process.Spec
	// DefaultTerm is the TERM given to the child when the client sends none.
	DefaultTerm string

	GracePeriod     time.Duration
	StartupWatchdog time.Duration
	TerminateOnHang bool
	DrainTimeout    time.Duration

	Filter       filter.Options
	CarryTimeout time.Duration
	ChunkSize    int

	Recordings *recording.Manager
	Clock      ports.Clock
	Logger     *slog.Logger
}

// Session owns exactly one PTY pair and one child process. Both are created
// together by Start and released together when the session ends.
type Session struct {
	ID        string
	Peer      Peer
	CreatedAt time.Time

	opts   Options
	clock  ports.Clock
	logger *slog.Logger
	input  *router.Router

	mu        sync.Mutex
	term      Terminal
	state     State
	startedAt time.Time
	pair      *pty.Pair
	proc      *process.Process
	recorder  *recording.Recorder
	watchdog  ports.Timer
	cancel    context.CancelFunc
	exit      *process.ExitStatus

	outputSeen atomic.Bool
	hung       atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a session in the negotiating state. It allocates nothing.
func New(peer Peer, term Terminal, opts Options) *Session {
	if opts.DefaultTerm == "" {
		opts.DefaultTerm = DefaultTerm
	}
	term.normalize(opts.DefaultTerm)
	if opts.Clock == nil {
		opts.Clock = realclock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = process.DefaultGracePeriod
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}

	s := &Session{
		ID:        uuid.NewString(),
		Peer:      peer,
		CreatedAt: opts.Clock.Now(),
		opts:      opts,
		clock:     opts.Clock,
		term:      term,
		state:     StateNegotiating,
		done:      make(chan struct{}),
	}
	s.logger = opts.Logger.With(
		"session_id", s.ID,
		"remote_addr", peer.RemoteAddr,
		"user", peer.User,
	)
	s.input = router.New(router.OnClaim(func(src router.Source) {
		s.logger.Debug("input source claimed", "source", src.String())
	}))
	return s
}

// Input returns the router that feeds the child's keyboard.
func (s *Session) Input() *router.Router {
	return s.input
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// Done is closed when the session has fully ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start allocates the PTY, spawns the program on it, and begins forwarding
// between the PTY and output. If allocation fails nothing is spawned; if the
// spawn fails the PTY is released. Start returns once the child is running.
func (s *Session) Start(ctx context.Context, output io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateNegotiating:
	case StateClosing, StateClosed:
		return ErrClosed
	default:
		return ErrAlreadyStarted
	}

	pair, err := pty.Allocate()
	if err != nil {
		s.logger.Error("pty allocation failed", "error", err)
		return fmt.Errorf("allocate pty: %w", err)
	}
	if err := s.preparePTY(pair); err != nil {
		pair.Release()
		s.logger.Error("pty setup failed", "error", err)
		return err
	}

	spec := s.opts.Program
	spec.Env = process.MergeEnv(spec.Env, s.terminalEnv())
	proc, err := process.Spawn(spec, pair.Secondary,
		process.WithClock(s.clock),
		process.WithLogger(s.logger),
	)
	if err != nil {
		pair.Release()
		s.logger.Error("spawn failed", "program", spec.Path, "error", err)
		return err
	}
	if err := pair.CloseSecondary(); err != nil {
		s.logger.Warn("close secondary", "error", err)
	}

	s.pair = pair
	s.proc = proc
	s.startedAt = s.clock.Now()
	s.state = StateRunning
	s.startRecording()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	b := &bridge.Bridge{
		Primary:      pair.Primary,
		Output:       output,
		Input:        s.input,
		Filter:       filter.New(s.opts.Filter),
		ChunkSize:    s.opts.ChunkSize,
		CarryTimeout: s.opts.CarryTimeout,
		Clock:        s.clock,
		Logger:       s.logger,
		OnOutput:     s.observeOutput,
	}

	if s.opts.StartupWatchdog > 0 {
		s.watchdog = s.clock.AfterFunc(s.opts.StartupWatchdog, s.checkHang)
	}

	s.logger.Info("session started",
		"pid", proc.Pid(),
		"term", s.term.Term,
		"cols", s.term.Cols,
		"rows", s.term.Rows,
	)
	go s.run(runCtx, b)
	return nil
}

func (s *Session) preparePTY(pair *pty.Pair) error {
	if err := pair.SetRaw(); err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	s.term.RawApplied = true
	if err := pair.SetControlChars(s.term.ControlChars); err != nil {
		return fmt.Errorf("set control characters: %w", err)
	}
	if err := pair.Resize(s.term.Cols, s.term.Rows); err != nil {
		return fmt.Errorf("set initial size: %w", err)
	}
	return nil
}

// terminalEnv describes the negotiated terminal to the child.
func (s *Session) terminalEnv() []string {
	env := []string{
		"TERM=" + s.term.Term,
		"COLUMNS=" + strconv.Itoa(s.term.Cols),
		"LINES=" + strconv.Itoa(s.term.Rows),
	}
	if supportsTrueColor(s.term.Term) {
		env = append(env, "COLORTERM=truecolor")
	}
	return env
}

func supportsTrueColor(term string) bool {
	return strings.Contains(term, "256color") ||
		strings.Contains(term, "truecolor") ||
		strings.Contains(term, "direct")
}

func (s *Session) startRecording() {
	if s.opts.Recordings == nil || !s.opts.Recordings.Enabled() {
		return
	}
	rec, err := s.opts.Recordings.Start(s.ID, recording.Meta{
		Cols:  s.term.Cols,
		Rows:  s.term.Rows,
		Term:  s.term.Term,
		Title: s.Peer.RemoteAddr,
	})
	if err != nil {
		s.logger.Warn("recording disabled for session", "error", err)
		return
	}
	s.recorder = rec
}

func (s *Session) observeOutput(p []byte) {
	if s.outputSeen.CompareAndSwap(false, true) {
		s.mu.Lock()
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		s.mu.Unlock()
	}
	if s.recorder != nil {
		if err := s.recorder.RecordOutput(p); err != nil {
			s.logger.Debug("record output", "error", err)
		}
	}
}

// checkHang fires when the startup watchdog expires.
func (s *Session) checkHang() {
	if s.outputSeen.Load() {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	s.hung.Store(true)
	s.logger.Warn("child produced no output within startup watchdog",
		"startup_watchdog", s.opts.StartupWatchdog,
		"terminate", s.opts.TerminateOnHang,
	)
	if s.opts.TerminateOnHang {
		s.Close()
	}
}

func (s *Session) run(ctx context.Context, b *bridge.Bridge) {
	defer close(s.done)

	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- b.Run(ctx, s.teardown) }()

	var err error
	select {
	case err = <-bridgeDone:
	case <-s.proc.Done():
		// Forward what the child wrote before exiting.
		select {
		case err = <-bridgeDone:
		case <-s.clock.After(s.opts.DrainTimeout):
			s.cancel()
			err = <-bridgeDone
		}
	}
	s.cancel()
	if err != nil {
		s.logger.Debug("bridge ended with error", "error", err)
	}

	status, _ := s.proc.Wait(context.Background())

	s.mu.Lock()
	s.exit = &status
	s.state = StateClosed
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.mu.Unlock()

	if s.recorder != nil {
		s.opts.Recordings.Stop(s.ID)
	}
	s.logger.Info("session ended",
		"exit", status.String(),
		"duration", s.clock.Now().Sub(s.startedAt),
		"input_source", s.input.Owner().String(),
	)
}

// teardown terminates the child, then releases the PTY and the input router.
// The bridge calls it exactly once.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StateClosing
	}
	s.mu.Unlock()

	if err := s.proc.Terminate(s.opts.GracePeriod); err != nil {
		s.logger.Warn("terminate child", "error", err)
	}
	if err := s.pair.Release(); err != nil {
		s.logger.Debug("release pty", "error", err)
	}
	s.input.Close()
}

// Resize records the new size and applies it to the PTY, which signals the
// child's process group.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("%w: %dx%d", pty.ErrInvalidSize, cols, rows)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosing, StateClosed:
		return ErrClosed
	}
	s.term.Cols, s.term.Rows = cols, rows
	if s.pair == nil {
		return nil
	}
	if err := s.pair.Resize(cols, rows); err != nil {
		return err
	}
	if s.recorder != nil {
		s.recorder.RecordResize(cols, rows)
	}
	s.logger.Debug("terminal resized", "cols", cols, "rows", rows)
	return nil
}

// Signal forwards sig to the child's process group.
func (s *Session) Signal(sig syscall.Signal) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return ErrNotRunning
	}
	return proc.Signal(sig)
}

// SetTerminal replaces the negotiated terminal before Start.
func (s *Session) SetTerminal(term Terminal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNegotiating {
		return ErrAlreadyStarted
	}
	term.normalize(s.opts.DefaultTerm)
	s.term = term
	return nil
}

// Terminal returns the current terminal parameters.
func (s *Session) Terminal() Terminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

// Close asks the session to end. A running child is terminated gracefully and
// then killed after the grace period. Close does not wait; use Wait or Done.
// It is safe to call any number of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		if s.state == StateNegotiating {
			s.state = StateClosed
			s.mu.Unlock()
			s.input.Close()
			close(s.done)
			return
		}
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// Wait blocks until the session has ended or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitStatus returns how the child ended. ok is false until it has been reaped.
func (s *Session) ExitStatus() (status process.ExitStatus, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exit == nil {
		return process.ExitStatus{}, false
	}
	return *s.exit, true
}

// State returns the lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info is a point-in-time summary of a session.
type Info struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	User        string    `json:"user"`
	State       State     `json:"state"`
	Term        string    `json:"term"`
	Cols        int       `json:"cols"`
	Rows        int       `json:"rows"`
	RawApplied  bool      `json:"raw_applied"`
	PTYOpen     bool      `json:"pty_open"`
	Pid         int       `json:"pid,omitempty"`
	InputSource string    `json:"input_source"`
	Hung        bool      `json:"hung,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Recording   string    `json:"recording,omitempty"`
	Exit        string    `json:"exit,omitempty"`
}

// Info returns a summary of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:          s.ID,
		RemoteAddr:  s.Peer.RemoteAddr,
		User:        s.Peer.User,
		State:       s.state,
		Term:        s.term.Term,
		Cols:        s.term.Cols,
		Rows:        s.term.Rows,
		RawApplied:  s.term.RawApplied,
		InputSource: s.input.Owner().String(),
		Hung:        s.hung.Load(),
		CreatedAt:   s.CreatedAt,
	}
	if s.pair != nil {
		info.PTYOpen = !s.pair.Released()
		// The kernel's size is what the child sees.
		if cols, rows, err := s.pair.Size(); err == nil {
			info.Cols, info.Rows = cols, rows
		}
	}
	if s.proc != nil {
		info.Pid = s.proc.Pid()
	}
	if s.recorder != nil {
		info.Recording = s.recorder.Path()
	}
	if s.exit != nil {
		info.Exit = s.exit.String()
	}
	return info
}
