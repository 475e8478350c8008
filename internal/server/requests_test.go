package server

import (
	"encoding/binary"
	"syscall"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"
)

func encodeModes(pairs ...uint32) string {
	var b []byte
	for i := 0; i+1 < len(pairs); i += 2 {
		b = append(b, byte(pairs[i]))
		b = binary.BigEndian.AppendUint32(b, pairs[i+1])
	}
	return string(append(b, ttyOpEnd))
}

func TestParseTerminalModes(t *testing.T) {
	encoded := encodeModes(
		ssh.VINTR, 3,
		ssh.VERASE, 127,
		ssh.VEOF, 4,
		ssh.ECHO, 1,
		ssh.ICANON, 0,
		ssh.TTY_OP_ISPEED, 38400,
		ssh.VSUSP, 0x1ff, // out of range, ignored
	)

	modes, err := parseTerminalModes(encoded)
	if err != nil {
		t.Fatalf("parseTerminalModes() error: %v", err)
	}

	want := map[int]byte{unix.VINTR: 3, unix.VERASE: 127, unix.VEOF: 4}
	if len(modes.controlChars) != len(want) {
		t.Fatalf("controlChars = %v, want %v", modes.controlChars, want)
	}
	for idx, v := range want {
		if modes.controlChars[idx] != v {
			t.Errorf("controlChars[%d] = %d, want %d", idx, modes.controlChars[idx], v)
		}
	}
	if modes.echo == nil || !*modes.echo {
		t.Error("echo not recorded as requested")
	}
	if modes.icanon == nil || *modes.icanon {
		t.Error("icanon not recorded as off")
	}
}

func TestParseTerminalModesEmptyAndTruncated(t *testing.T) {
	modes, err := parseTerminalModes("")
	if err != nil || len(modes.controlChars) != 0 {
		t.Errorf("empty modes = %v, %v", modes.controlChars, err)
	}

	truncated := string([]byte{ssh.VINTR, 0, 0})
	if _, err := parseTerminalModes(truncated); err == nil {
		t.Error("truncated modes parsed without error")
	}

	// Parsing stops at opcodes whose argument size is unknown.
	stop := string([]byte{200, 1, 2, 3, 4, ssh.VINTR, 0, 0, 0, 3, ttyOpEnd})
	modes, err = parseTerminalModes(stop)
	if err != nil || len(modes.controlChars) != 0 {
		t.Errorf("modes after undefined opcode = %v, %v", modes.controlChars, err)
	}
}

func TestSignalFromName(t *testing.T) {
	tests := []struct {
		name string
		want syscall.Signal
		ok   bool
	}{
		{"TERM", syscall.SIGTERM, true},
		{"INT", syscall.SIGINT, true},
		{"KILL", syscall.SIGKILL, true},
		{"USR1", syscall.SIGUSR1, true},
		{"WINCH", syscall.SIGWINCH, true},
		{"BOGUS", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := signalFromName(tt.name)
		if ok != tt.ok || got != tt.want {
			t.Errorf("signalFromName(%q) = %v, %v; want %v, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRequestPayloadsMatchClient(t *testing.T) {
	// Marshal the way a client does and decode with the server structs.
	payload := ssh.Marshal(&struct {
		Term          string
		Columns, Rows uint32
		Width, Height uint32
		Modes         string
	}{"screen", 132, 43, 0, 0, encodeModes(ssh.VINTR, 3)})

	var msg ptyRequestMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if msg.Term != "screen" || msg.Columns != 132 || msg.Rows != 43 {
		t.Errorf("ptyRequestMsg = %+v", msg)
	}
}
