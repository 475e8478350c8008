// Package pty allocates and manages the pseudo-terminal pair behind a session.
//
// The primary side stays with the server and carries the forwarded bytes. The
// secondary side is handed to the child process and closed by the server as
// soon as the child has inherited it.
package pty

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// ErrInvalidSize is returned when a resize asks for a zero or oversized dimension.
var ErrInvalidSize = errors.New("invalid terminal size")

const maxDimension = 1<<16 - 1

// Pair is an allocated pseudo-terminal. Each side is closed at most once.
type Pair struct {
	Primary   *os.File
	Secondary *os.File

	mu              sync.Mutex
	primaryClosed   bool
	secondaryClosed bool
}

// Allocate opens a new pseudo-terminal pair.
func Allocate() (*Pair, error) {
	primary, secondary, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	return &Pair{Primary: primary, Secondary: secondary}, nil
}

// SetRaw switches the secondary side to raw discipline: no canonical line
// buffering, no local echo, no input translation, and reads that return after a
// single byte with no inter-byte timeout. Output post-processing is left on.
func (p *Pair) SetRaw() error {
	return p.updateTermios(func(t *unix.Termios) {
		t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
			unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
		t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
		t.Cflag &^= unix.CSIZE | unix.PARENB
		t.Cflag |= unix.CS8
		t.Cc[unix.VMIN] = 1
		t.Cc[unix.VTIME] = 0
	})
}

// SetControlChars assigns control characters, keyed by termios index
// (unix.VINTR, unix.VERASE, ...). Unknown indexes are ignored.
func (p *Pair) SetControlChars(cc map[int]byte) error {
	if len(cc) == 0 {
		return nil
	}
	return p.updateTermios(func(t *unix.Termios) {
		for idx, v := range cc {
			if idx >= 0 && idx < len(t.Cc) {
				t.Cc[idx] = v
			}
		}
	})
}

// termios returns the current line discipline settings of the pair.
func (p *Pair) termios() (*unix.Termios, error) {
	f, err := p.termiosFile()
	if err != nil {
		return nil, err
	}
	return unix.IoctlGetTermios(int(f.Fd()), ioctlGetTermios)
}

func (p *Pair) updateTermios(fn func(*unix.Termios)) error {
	f, err := p.termiosFile()
	if err != nil {
		return err
	}
	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}
	fn(t)
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// termiosFile prefers the secondary side and falls back to the primary once the
// secondary has been handed off, which is enough for the kernel to reach the
// shared line discipline.
func (p *Pair) termiosFile() (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !p.secondaryClosed:
		return p.Secondary, nil
	case !p.primaryClosed:
		return p.Primary, nil
	default:
		return nil, os.ErrClosed
	}
}

// Resize applies a new window size to the primary side. The kernel delivers
// SIGWINCH to the foreground process group of the secondary side.
func (p *Pair) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > maxDimension || rows > maxDimension {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, cols, rows)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.primaryClosed {
		return os.ErrClosed
	}
	if err := pty.Setsize(p.Primary, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("set window size: %w", err)
	}
	return nil
}

// Size returns the current window size of the primary side.
func (p *Pair) Size() (cols, rows int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.primaryClosed {
		return 0, 0, os.ErrClosed
	}
	ws, err := pty.GetsizeFull(p.Primary)
	if err != nil {
		return 0, 0, fmt.Errorf("get window size: %w", err)
	}
	return int(ws.Cols), int(ws.Rows), nil
}

// CloseSecondary closes the server's copy of the secondary side. It is called
// right after the child has inherited the descriptor.
func (p *Pair) CloseSecondary() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeSecondaryLocked()
}

func (p *Pair) closeSecondaryLocked() error {
	if p.secondaryClosed {
		return nil
	}
	p.secondaryClosed = true
	return p.Secondary.Close()
}

// Release closes whichever sides are still open. Only the first call does any work.
func (p *Pair) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if err := p.closeSecondaryLocked(); err != nil {
		errs = append(errs, fmt.Errorf("close secondary: %w", err))
	}
	if !p.primaryClosed {
		p.primaryClosed = true
		if err := p.Primary.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close primary: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Released reports whether both sides have been closed.
func (p *Pair) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primaryClosed && p.secondaryClosed
}
