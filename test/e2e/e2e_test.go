// Package e2e drives a real tuibridge server with SSH clients. The served
// program is this test binary re-executed in helper mode.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/tuibridge/internal/adapters/realfs"
	"github.com/acolita/tuibridge/internal/admin"
	"github.com/acolita/tuibridge/internal/config"
	"github.com/acolita/tuibridge/internal/hostkey"
	"github.com/acolita/tuibridge/internal/logging"
	"github.com/acolita/tuibridge/internal/pty"
	"github.com/acolita/tuibridge/internal/server"
	"github.com/acolita/tuibridge/internal/session"
	"github.com/acolita/tuibridge/internal/testing/helperproc"
)

func TestHelperProcess(t *testing.T) { helperproc.Run() }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testEnv is one running server plus its admin API.
type testEnv struct {
	srv     *server.Server
	addr    string
	hostKey ssh.PublicKey
	admin   *httptest.Server
	logs    *syncBuffer
}

func setup(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	pair, err := pty.Allocate()
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	pair.Release()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "host_key")
	pub, err := hostkey.Generate(realfs.New(), keyPath, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := hostkey.Load(realfs.New(), keyPath, nil)
	if err != nil {
		t.Fatal(err)
	}

	logs := &syncBuffer{}
	logger := logging.New(logs, "debug", true)
	srv, err := server.New(cfg, signer, server.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	adminSrv := httptest.NewServer(admin.NewRouter(srv.Registry(), logger))

	t.Cleanup(func() {
		adminSrv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error: %v", err)
		}
		if err := <-served; !errors.Is(err, server.ErrServerClosed) {
			t.Errorf("Serve() = %v", err)
		}
	})
	return &testEnv{srv: srv, addr: ln.Addr().String(), hostKey: pub, admin: adminSrv, logs: logs}
}

func helperConfig(mode string, args ...string) *config.Config {
	path, argv, env := helperproc.Command(mode, args...)
	cfg := config.DefaultConfig()
	cfg.Program.Path = path
	cfg.Program.Args = argv
	cfg.Program.Env = env
	cfg.Session.GracePeriod = 300 * time.Millisecond
	return cfg
}

func (e *testEnv) dial(t *testing.T) *ssh.Client {
	t.Helper()
	client, err := ssh.Dial("tcp", e.addr, &ssh.ClientConfig{
		User:            "e2e",
		HostKeyCallback: ssh.FixedHostKey(e.hostKey),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

type shell struct {
	sess  *ssh.Session
	stdin io.WriteCloser
	out   *syncBuffer
}

func (e *testEnv) shell(t *testing.T, client *ssh.Client, cols, rows int) *shell {
	t.Helper()
	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession() error: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	if err := sess.RequestPty("xterm-256color", rows, cols, ssh.TerminalModes{ssh.ECHO: 1}); err != nil {
		t.Fatalf("RequestPty() error: %v", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	out := &syncBuffer{}
	sess.Stdout = out
	sess.Stderr = out
	if err := sess.Shell(); err != nil {
		t.Fatalf("Shell() error: %v", err)
	}
	return &shell{sess: sess, stdin: stdin, out: out}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (s *shell) waitOutput(t *testing.T, want string) {
	t.Helper()
	waitFor(t, 5*time.Second, fmt.Sprintf("output %q", want), func() bool {
		return strings.Contains(s.out.String(), want)
	})
}

func (s *shell) wait(t *testing.T, timeout time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.sess.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatal("session did not end")
		return nil
	}
}

func (e *testEnv) sessions(t *testing.T) []session.Info {
	t.Helper()
	resp, err := http.Get(e.admin.URL + "/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var infos []session.Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	return infos
}

func TestQuitExitsCleanly(t *testing.T) {
	env := setup(t, helperConfig(helperproc.ModeApp))
	sh := env.shell(t, env.dial(t), 80, 24)

	sh.waitOutput(t, "cols=80 lines=24")
	if _, err := sh.stdin.Write([]byte("q\n")); err != nil {
		t.Fatal(err)
	}
	sh.waitOutput(t, "bye")

	if err := sh.wait(t, 2*time.Second); err != nil {
		t.Fatalf("Wait() = %v, want clean exit", err)
	}
	waitFor(t, 2*time.Second, "empty registry", func() bool { return env.srv.Registry().Len() == 0 })
}

func TestUnresolvedEscapeIsFlushed(t *testing.T) {
	stray := "\x1b[?" + strings.Repeat("9", 80)
	env := setup(t, helperConfig(helperproc.ModeEmit, "start ", stray, " after"))
	sh := env.shell(t, env.dial(t), 80, 24)

	sh.waitOutput(t, "start "+stray)
	if strings.Contains(sh.out.String(), "after") {
		t.Fatal("stray prefix was held until the next chunk")
	}
	sh.waitOutput(t, stray+" after")
}

func TestCapabilityReplySplitAcrossWrites(t *testing.T) {
	cfg := helperConfig(helperproc.ModeEmit, "A\x1b[?2", "048;0$yB")
	cfg.Session.CarryTimeout = 0
	env := setup(t, cfg)
	sh := env.shell(t, env.dial(t), 80, 24)

	sh.waitOutput(t, "B")
	if got := sh.out.String(); got != "AB" {
		t.Errorf("output = %q, want %q", got, "AB")
	}
}

func TestStartupWatchdogReportsHang(t *testing.T) {
	cfg := helperConfig(helperproc.ModeSilent)
	cfg.Session.StartupWatchdog = 200 * time.Millisecond
	env := setup(t, cfg)
	env.shell(t, env.dial(t), 80, 24)

	waitFor(t, 3*time.Second, "hung session", func() bool {
		infos := env.sessions(t)
		return len(infos) == 1 && infos[0].Hung && infos[0].State == session.StateRunning
	})
	if !strings.Contains(env.logs.String(), "startup watchdog") {
		t.Error("hang was not logged")
	}
}

func TestStartupWatchdogTerminates(t *testing.T) {
	cfg := helperConfig(helperproc.ModeSilent)
	cfg.Session.StartupWatchdog = 200 * time.Millisecond
	cfg.Session.TerminateOnHang = true
	env := setup(t, cfg)
	sh := env.shell(t, env.dial(t), 80, 24)

	err := sh.wait(t, 3*time.Second)
	var exitErr *ssh.ExitError
	if !errors.As(err, &exitErr) || exitErr.Signal() != "TERM" {
		t.Fatalf("Wait() = %v, want exit by TERM", err)
	}
}

func TestClientDisconnectKillsStubbornChild(t *testing.T) {
	cfg := helperConfig(helperproc.ModeIgnoreTerm)
	env := setup(t, cfg)
	client := env.dial(t)
	sh := env.shell(t, client, 80, 24)
	sh.waitOutput(t, "ready")

	infos := env.sessions(t)
	if len(infos) != 1 || infos[0].Pid == 0 {
		t.Fatalf("sessions = %+v", infos)
	}

	start := time.Now()
	client.Close()
	waitFor(t, cfg.Session.GracePeriod+3*time.Second, "session teardown", func() bool {
		return env.srv.Registry().Len() == 0
	})
	if elapsed := time.Since(start); elapsed < cfg.Session.GracePeriod {
		t.Errorf("teardown took %v, shorter than the grace period", elapsed)
	}
	if !strings.Contains(env.logs.String(), "KILL") {
		t.Error("child was not force-killed")
	}
}

func TestAdminTerminate(t *testing.T) {
	env := setup(t, helperConfig(helperproc.ModeApp))
	client := env.dial(t)
	first := env.shell(t, client, 80, 24)
	second := env.shell(t, client, 100, 30)
	first.waitOutput(t, "ready")
	second.waitOutput(t, "ready")

	var target string
	for _, info := range env.sessions(t) {
		if info.Cols == 80 {
			target = info.ID
		}
	}
	if target == "" {
		t.Fatal("80x24 session not listed")
	}

	req, _ := http.NewRequest(http.MethodDelete, env.admin.URL+"/sessions/"+target, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}
	if err := first.wait(t, 3*time.Second); err == nil {
		t.Error("terminated session exited cleanly")
	}

	if _, err := second.stdin.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	second.waitOutput(t, "key 'x'")
	second.stdin.Write([]byte("q"))
	if err := second.wait(t, 3*time.Second); err != nil {
		t.Errorf("second session Wait() = %v", err)
	}
}
