// Package filter strips terminal capability replies from the byte stream a
// session sends to its client.
//
// Replies such as mode reports (ESC [ ? 2048 ; 0 $ y), cursor position reports
// (ESC [ 24 ; 80 R) and device attributes (ESC [ ? 1 ; 2 c) answer queries the
// client never sent, so the client would render them as garbage. The filter is
// streaming: a sequence split across reads is held back until it can be
// classified, and anything that cannot be resolved within MaxCarry bytes is
// forwarded untouched.
package filter

import (
	"bytes"
	"strconv"
)

// DefaultMaxCarry bounds how many bytes of an unresolved sequence are held back.
const DefaultMaxCarry = 64

const esc = 0x1b

// Options configures a Reply filter.
type Options struct {
	// MaxCarry is the longest unresolved sequence held between calls.
	MaxCarry int
	// SuppressModes lists DEC private modes whose set and reset sequences
	// (ESC [ ? n h, ESC [ ? n l) are removed from the output.
	SuppressModes []int
}

// Negotiation selects terminal features the bridge keeps the program from
// turning on in the client.
type Negotiation struct {
	DisableMouseReporting bool
	DisableBracketedPaste bool
	DisableSyncUpdates    bool
}

// Mode numbers controlled by Negotiation.
var (
	MouseModes         = []int{9, 1000, 1001, 1002, 1003, 1004, 1005, 1006, 1015, 1016}
	BracketedPasteMode = 2004
	SyncUpdatesMode    = 2026
)

// Modes returns the DEC private modes to suppress.
func (n Negotiation) Modes() []int {
	var modes []int
	if n.DisableMouseReporting {
		modes = append(modes, MouseModes...)
	}
	if n.DisableBracketedPaste {
		modes = append(modes, BracketedPasteMode)
	}
	if n.DisableSyncUpdates {
		modes = append(modes, SyncUpdatesMode)
	}
	return modes
}

// Reply is a streaming reply filter. It is not safe for concurrent use.
type Reply struct {
	maxCarry int
	suppress map[int]bool
	carry    []byte
}

// New creates a Reply filter.
func New(opts Options) *Reply {
	r := &Reply{maxCarry: opts.MaxCarry}
	if r.maxCarry <= 0 {
		r.maxCarry = DefaultMaxCarry
	}
	if len(opts.SuppressModes) > 0 {
		r.suppress = make(map[int]bool, len(opts.SuppressModes))
		for _, m := range opts.SuppressModes {
			r.suppress[m] = true
		}
	}
	return r
}

// Filter returns the part of chunk, prefixed by any carry from the previous
// call, that can be forwarded now.
func (r *Reply) Filter(chunk []byte) []byte {
	var out []byte
	out, r.carry = r.scan(r.carry, chunk)
	return out
}

// Flush returns the held-back bytes verbatim and clears them.
func (r *Reply) Flush() []byte {
	c := r.carry
	r.carry = nil
	return c
}

// Pending returns the number of held-back bytes.
func (r *Reply) Pending() int {
	return len(r.carry)
}

// Apply filters chunk with the default options, starting from carry. It
// returns the bytes to forward and the carry for the next call.
func Apply(carry, chunk []byte) (out, newCarry []byte) {
	r := New(Options{})
	return r.scan(carry, chunk)
}

type verdict int

const (
	forward verdict = iota // not a reply; emit the ESC and keep scanning
	partial                // may still become a reply; hold back
	drop                   // complete reply; remove
	rewrite                // mode sequence with some modes removed
)

func (r *Reply) scan(carry, chunk []byte) (out, newCarry []byte) {
	buf := make([]byte, 0, len(carry)+len(chunk))
	buf = append(buf, carry...)
	buf = append(buf, chunk...)

	out = make([]byte, 0, len(buf))
	for i := 0; i < len(buf); {
		next := bytes.IndexByte(buf[i:], esc)
		if next < 0 {
			out = append(out, buf[i:]...)
			break
		}
		out = append(out, buf[i:i+next]...)
		i += next

		v, n, repl := r.classify(buf[i:])
		if v == partial && len(buf)-i > r.maxCarry {
			v = forward
		}
		switch v {
		case partial:
			return out, append([]byte(nil), buf[i:]...)
		case drop:
			i += n
		case rewrite:
			out = append(out, repl...)
			i += n
		default:
			out = append(out, esc)
			i++
		}
	}
	return out, nil
}

// classify inspects a sequence starting at ESC. For drop and rewrite it
// returns the sequence length, and for rewrite the replacement bytes.
func (r *Reply) classify(b []byte) (verdict, int, []byte) {
	if len(b) < 2 {
		return partial, 0, nil
	}
	if b[1] != '[' {
		return forward, 0, nil
	}

	j := 2
	var prefix byte
	if j < len(b) && (b[j] == '?' || b[j] == '>' || b[j] == '<') {
		prefix = b[j]
		j++
	}
	paramStart := j
	for j < len(b) && (isDigit(b[j]) || b[j] == ';') {
		j++
	}
	if j == len(b) {
		return partial, 0, nil
	}
	params := b[paramStart:j]

	switch t := b[j]; {
	case prefix == '<':
		if t == 'M' || t == 'm' {
			return drop, j + 1, nil
		}
	case t == '$':
		if j+1 == len(b) {
			return partial, 0, nil
		}
		if isLetter(b[j+1]) {
			return drop, j + 2, nil
		}
	case t == 'R' || t == '~':
		return drop, j + 1, nil
	case t == 'c':
		if prefix == '?' || (prefix == '>' && bytes.IndexByte(params, ';') >= 0) {
			return drop, j + 1, nil
		}
	case (t == 'h' || t == 'l') && prefix == '?' && r.suppress != nil:
		return r.filterModes(params, t, j+1)
	}
	return forward, 0, nil
}

// filterModes removes suppressed modes from ESC [ ? p;p;p h|l.
func (r *Reply) filterModes(params []byte, final byte, n int) (verdict, int, []byte) {
	fields := bytes.Split(params, []byte{';'})
	kept := make([][]byte, 0, len(fields))
	for _, f := range fields {
		mode, err := strconv.Atoi(string(f))
		if err == nil && r.suppress[mode] {
			continue
		}
		kept = append(kept, f)
	}
	switch len(kept) {
	case len(fields):
		return forward, 0, nil
	case 0:
		return drop, n, nil
	}
	repl := make([]byte, 0, n)
	repl = append(repl, esc, '[', '?')
	repl = append(repl, bytes.Join(kept, []byte{';'})...)
	repl = append(repl, final)
	return rewrite, n, repl
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
