package pty

import (
	"errors"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func allocate(t *testing.T) *Pair {
	t.Helper()
	p, err := Allocate()
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	t.Cleanup(func() { p.Release() })
	return p
}

func TestSetRaw(t *testing.T) {
	p := allocate(t)

	if err := p.SetRaw(); err != nil {
		t.Fatalf("SetRaw() error: %v", err)
	}

	tios, err := p.termios()
	if err != nil {
		t.Fatalf("termios() error: %v", err)
	}
	if tios.Lflag&unix.ICANON != 0 {
		t.Error("ICANON still set")
	}
	if tios.Lflag&unix.ECHO != 0 {
		t.Error("ECHO still set")
	}
	if tios.Iflag&unix.ICRNL != 0 {
		t.Error("ICRNL still set")
	}
	if tios.Cc[unix.VMIN] != 1 || tios.Cc[unix.VTIME] != 0 {
		t.Errorf("VMIN/VTIME = %d/%d, want 1/0", tios.Cc[unix.VMIN], tios.Cc[unix.VTIME])
	}
	if tios.Oflag&unix.OPOST == 0 {
		t.Error("OPOST cleared, want output post-processing kept")
	}
}

func TestSetControlChars(t *testing.T) {
	p := allocate(t)

	if err := p.SetControlChars(map[int]byte{unix.VERASE: 0x08, 9999: 1}); err != nil {
		t.Fatalf("SetControlChars() error: %v", err)
	}
	tios, err := p.termios()
	if err != nil {
		t.Fatalf("termios() error: %v", err)
	}
	if tios.Cc[unix.VERASE] != 0x08 {
		t.Errorf("VERASE = %#x, want 0x08", tios.Cc[unix.VERASE])
	}
}

func TestResize(t *testing.T) {
	p := allocate(t)

	if err := p.Resize(120, 40); err != nil {
		t.Fatalf("Resize() error: %v", err)
	}
	cols, rows, err := p.Size()
	if err != nil {
		t.Fatalf("Size() error: %v", err)
	}
	if cols != 120 || rows != 40 {
		t.Errorf("Size() = %dx%d, want 120x40", cols, rows)
	}
}

func TestResize_Invalid(t *testing.T) {
	p := allocate(t)

	tests := []struct {
		name       string
		cols, rows int
	}{
		{"zero cols", 0, 24},
		{"zero rows", 80, 0},
		{"negative", -1, 24},
		{"too wide", 1 << 16, 24},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.Resize(tt.cols, tt.rows); !errors.Is(err, ErrInvalidSize) {
				t.Errorf("Resize(%d, %d) = %v, want ErrInvalidSize", tt.cols, tt.rows, err)
			}
		})
	}
}

func TestRelease_Idempotent(t *testing.T) {
	p := allocate(t)

	if err := p.CloseSecondary(); err != nil {
		t.Fatalf("CloseSecondary() error: %v", err)
	}
	if err := p.CloseSecondary(); err != nil {
		t.Errorf("second CloseSecondary() error: %v", err)
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if err := p.Release(); err != nil {
		t.Errorf("second Release() error: %v", err)
	}
	if !p.Released() {
		t.Error("Released() = false after Release")
	}
	if err := p.Resize(80, 24); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Resize after Release = %v, want os.ErrClosed", err)
	}
}

func TestTermiosAfterSecondaryHandoff(t *testing.T) {
	p := allocate(t)

	if err := p.CloseSecondary(); err != nil {
		t.Fatalf("CloseSecondary() error: %v", err)
	}
	if err := p.SetRaw(); err != nil {
		t.Errorf("SetRaw() via primary error: %v", err)
	}
}
