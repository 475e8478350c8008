package server

import (
	"encoding/binary"
	"errors"
	"syscall"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"
)

// Channel request payloads (RFC 4254 section 6).

type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
	Modes    string
}

type windowChangeMsg struct {
	Columns  uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
}

type envRequestMsg struct {
	Name  string
	Value string
}

type execRequestMsg struct {
	Command string
}

type subsystemRequestMsg struct {
	Subsystem string
}

type signalMsg struct {
	Signal string
}

type exitStatusMsg struct {
	Status uint32
}

type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

const (
	ttyOpEnd = 0
	// Opcodes 160 and above take arguments of unknown size, so parsing
	// stops there.
	ttyOpMaxDefined = 159
	posixVDisable   = 0xff
)

// controlCharIndex maps SSH terminal mode opcodes to termios c_cc indexes.
var controlCharIndex = map[uint8]int{
	ssh.VINTR:    unix.VINTR,
	ssh.VQUIT:    unix.VQUIT,
	ssh.VERASE:   unix.VERASE,
	ssh.VKILL:    unix.VKILL,
	ssh.VEOF:     unix.VEOF,
	ssh.VSUSP:    unix.VSUSP,
	ssh.VWERASE:  unix.VWERASE,
	ssh.VLNEXT:   unix.VLNEXT,
	ssh.VREPRINT: unix.VREPRINT,
}

var errTruncatedModes = errors.New("truncated terminal modes")

// terminalModes is the decoded mode list of a pty-req.
type terminalModes struct {
	controlChars map[int]byte
	// echo and icanon record what the client asked for; raw mode overrides both.
	echo, icanon *bool
}

// parseTerminalModes decodes the opcode/uint32 pairs of a pty-req mode string.
func parseTerminalModes(encoded string) (terminalModes, error) {
	modes := terminalModes{controlChars: make(map[int]byte)}
	b := []byte(encoded)
	for len(b) > 0 {
		op := b[0]
		if op == ttyOpEnd || op > ttyOpMaxDefined {
			break
		}
		if len(b) < 5 {
			return modes, errTruncatedModes
		}
		val := binary.BigEndian.Uint32(b[1:5])
		b = b[5:]

		switch op {
		case ssh.ECHO:
			on := val != 0
			modes.echo = &on
		case ssh.ICANON:
			on := val != 0
			modes.icanon = &on
		default:
			if idx, ok := controlCharIndex[op]; ok && val <= posixVDisable {
				modes.controlChars[idx] = byte(val)
			}
		}
	}
	return modes, nil
}

// signalFromName maps an RFC 4254 signal name ("TERM", "INT") to a signal.
func signalFromName(name string) (syscall.Signal, bool) {
	if name == "" {
		return 0, false
	}
	sig := unix.SignalNum("SIG" + name)
	return sig, sig != 0
}
