// Package helperproc turns a test binary into a small interactive terminal
// program, so session tests can spawn a real child without external tools.
//
// A test package opts in with:
//
//	func TestHelperProcess(t *testing.T) { helperproc.Run() }
//
// and spawns the child with the values returned by Command.
package helperproc

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// EnvVar selects the helper mode in the child.
const EnvVar = "TUIBRIDGE_HELPER_MODE"

// Modes understood by Run.
const (
	// ModeApp prints a banner with its terminal environment, echoes every
	// input byte, reports window resizes, and exits 0 on 'q'.
	ModeApp = "app"
	// ModeSilent never writes anything and waits to be signalled.
	ModeSilent = "silent"
	// ModeIgnoreTerm ignores SIGTERM, prints "ready", then sleeps forever.
	ModeIgnoreTerm = "ignore-term"
	// ModeExit exits immediately with the code given as its argument.
	ModeExit = "exit"
	// ModeEmit writes each argument verbatim, pausing EmitPause between
	// them, then waits to be signalled.
	ModeEmit = "emit"
)

// EmitPause separates the chunks written in ModeEmit.
const EmitPause = 300 * time.Millisecond

// Command returns the executable, arguments, and environment that re-run the
// current test binary in the given helper mode.
func Command(mode string, args ...string) (path string, argv []string, env []string) {
	argv = append([]string{"-test.run=TestHelperProcess", "--"}, args...)
	return os.Args[0], argv, []string{EnvVar + "=" + mode}
}

// Run executes the selected helper mode and exits. It returns immediately when
// the process is not a helper child.
func Run() {
	mode := os.Getenv(EnvVar)
	if mode == "" {
		return
	}
	os.Exit(run(mode, helperArgs()))
}

func helperArgs() []string {
	for i, a := range os.Args {
		if a == "--" {
			return os.Args[i+1:]
		}
	}
	return nil
}

func run(mode string, args []string) int {
	switch mode {
	case ModeApp:
		return app()
	case ModeSilent:
		sleepForever()
	case ModeIgnoreTerm:
		signal.Ignore(syscall.SIGTERM)
		fmt.Print("ready\r\n")
		sleepForever()
	case ModeExit:
		code := 0
		if len(args) > 0 {
			code, _ = strconv.Atoi(args[0])
		}
		return code
	case ModeEmit:
		for i, chunk := range args {
			if i > 0 {
				time.Sleep(EmitPause)
			}
			os.Stdout.WriteString(chunk)
		}
		sleepForever()
	}
	fmt.Fprintf(os.Stderr, "unknown helper mode %q\n", mode)
	return 2
}

func app() int {
	fmt.Printf("ready term=%s cols=%s lines=%s colorterm=%s\r\n",
		os.Getenv("TERM"), os.Getenv("COLUMNS"), os.Getenv("LINES"), os.Getenv("COLORTERM"))

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			ws, err := unix.IoctlGetWinsize(int(os.Stdin.Fd()), unix.TIOCGWINSZ)
			if err != nil {
				continue
			}
			fmt.Printf("resize %dx%d\r\n", ws.Col, ws.Row)
		}
	}()

	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return 1
		}
		if n == 0 {
			continue
		}
		if buf[0] == 'q' {
			fmt.Print("bye\r\n")
			// Let the final line drain before the secondary side closes.
			time.Sleep(10 * time.Millisecond)
			return 0
		}
		fmt.Printf("key %q\r\n", buf[0])
	}
}

func sleepForever() {
	for {
		time.Sleep(time.Hour)
	}
}
