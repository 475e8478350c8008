package filter

import (
	"bytes"
	"strings"
	"testing"
)

func run(r *Reply, chunks ...string) string {
	var out bytes.Buffer
	for _, c := range chunks {
		out.Write(r.Filter([]byte(c)))
	}
	out.Write(r.Flush())
	return out.String()
}

func TestFilter_RemovesReplies(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"mode report", "a\x1b[?2048;0$yb", "ab"},
		{"ansi mode report", "a\x1b[12;2$yb", "ab"},
		{"cursor position report", "a\x1b[24;80Rb", "ab"},
		{"tilde reply", "a\x1b[200~b", "ab"},
		{"sgr mouse press", "a\x1b[<0;10;5Mb", "ab"},
		{"sgr mouse release", "a\x1b[<0;10;5mb", "ab"},
		{"primary device attributes", "a\x1b[?1;2cb", "ab"},
		{"secondary device attributes", "a\x1b[>41;354;0cb", "ab"},
		{"several in a row", "\x1b[?2026;2$y\x1b[1;1R\x1b[?62c", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(New(Options{}), tt.in); got != tt.want {
				t.Errorf("filtered = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFilter_KeepsOrdinaryOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"plain text", "hello, world\r\n"},
		{"colors", "\x1b[1;31mred\x1b[0m"},
		{"cursor movement", "\x1b[10;20H\x1b[2J\x1b[K"},
		{"delete line", "\x1b[3M"},
		{"alt screen", "\x1b[?1049h\x1b[?25l"},
		{"device attributes query", "\x1b[c\x1b[>c\x1b[>0c"},
		{"mouse enable without suppression", "\x1b[?1000h\x1b[?1006h"},
		{"osc title", "\x1b]0;title\x07"},
		{"charset", "\x1b(B"},
		{"soft reset", "\x1b[!p"},
		{"utf8", "héllo ✓"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(New(Options{}), tt.in); got != tt.in {
				t.Errorf("filtered = %q, want unchanged %q", got, tt.in)
			}
		})
	}
}

func TestFilter_SplitAtEveryPoint(t *testing.T) {
	input := "before\x1b[?2048;0$yafter\x1b[5;7Rend"
	want := "beforeafterend"

	for i := 0; i <= len(input); i++ {
		got := run(New(Options{}), input[:i], input[i:])
		if got != want {
			t.Errorf("split at %d: got %q, want %q", i, got, want)
		}
	}
}

func TestFilter_SplitIntoSingleBytes(t *testing.T) {
	input := "x\x1b[?2048;0$yy\x1b[<35;1;1Mz"
	r := New(Options{})
	chunks := strings.Split(input, "")
	if got := run(r, chunks...); got != "xyz" {
		t.Errorf("got %q, want %q", got, "xyz")
	}
}

func TestFilter_HoldsPartialSequence(t *testing.T) {
	r := New(Options{})

	out := r.Filter([]byte("...\x1b[?2"))
	if string(out) != "..." {
		t.Errorf("first output = %q, want %q", out, "...")
	}
	if r.Pending() != 4 {
		t.Errorf("Pending() = %d, want 4", r.Pending())
	}

	out = r.Filter([]byte("048;0$y..."))
	if string(out) != "..." {
		t.Errorf("second output = %q, want %q", out, "...")
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d after completion, want 0", r.Pending())
	}
}

func TestFilter_ResolvedAsNonReply(t *testing.T) {
	r := New(Options{})

	if out := r.Filter([]byte("a\x1b[3")); string(out) != "a" {
		t.Fatalf("first output = %q", out)
	}
	if out := r.Filter([]byte("1mred")); string(out) != "\x1b[31mred" {
		t.Errorf("second output = %q, want %q", out, "\x1b[31mred")
	}
}

func TestFilter_MaxCarryFlushesVerbatim(t *testing.T) {
	r := New(Options{MaxCarry: 64})

	stray := "\x1b[" + strings.Repeat("1;", 40)
	out := r.Filter([]byte(stray))
	if string(out) != stray {
		t.Errorf("output = %q, want stray prefix forwarded verbatim", out)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", r.Pending())
	}
}

func TestFilter_CarryNeverExceedsMax(t *testing.T) {
	r := New(Options{MaxCarry: 16})

	var forwarded bytes.Buffer
	forwarded.Write(r.Filter([]byte("\x1b[")))
	for i := 0; i < 100; i++ {
		forwarded.Write(r.Filter([]byte("9")))
		if r.Pending() > 16 {
			t.Fatalf("Pending() = %d after %d digits, exceeds max", r.Pending(), i+1)
		}
	}
	forwarded.Write(r.Flush())

	want := "\x1b[" + strings.Repeat("9", 100)
	if forwarded.String() != want {
		t.Errorf("forwarded %q, want %q", forwarded.String(), want)
	}
}

func TestFilter_Flush(t *testing.T) {
	r := New(Options{})
	r.Filter([]byte("\x1b"))

	if got := r.Flush(); string(got) != "\x1b" {
		t.Errorf("Flush() = %q, want ESC", got)
	}
	if got := r.Flush(); len(got) != 0 {
		t.Errorf("second Flush() = %q, want empty", got)
	}
}

func TestFilter_SuppressModes(t *testing.T) {
	opts := Options{SuppressModes: Negotiation{
		DisableMouseReporting: true,
		DisableBracketedPaste: true,
		DisableSyncUpdates:    true,
	}.Modes()}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"mouse on", "\x1b[?1000h\x1b[?1006h", ""},
		{"mouse off", "\x1b[?1000l", ""},
		{"bracketed paste", "a\x1b[?2004hb", "ab"},
		{"sync update", "\x1b[?2026hframe\x1b[?2026l", "frame"},
		{"mixed list rewritten", "\x1b[?1049;1000;25h", "\x1b[?1049;25h"},
		{"unrelated mode kept", "\x1b[?1049h", "\x1b[?1049h"},
		{"ansi mode kept", "\x1b[4h", "\x1b[4h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(New(opts), tt.in); got != tt.want {
				t.Errorf("filtered = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNegotiation_Modes(t *testing.T) {
	if m := (Negotiation{}).Modes(); len(m) != 0 {
		t.Errorf("zero Negotiation modes = %v, want none", m)
	}
	m := Negotiation{DisableBracketedPaste: true}.Modes()
	if len(m) != 1 || m[0] != BracketedPasteMode {
		t.Errorf("paste modes = %v", m)
	}
}

func TestApply(t *testing.T) {
	out, carry := Apply(nil, []byte("...\x1b[?2"))
	if string(out) != "..." || string(carry) != "\x1b[?2" {
		t.Fatalf("Apply() = %q, %q", out, carry)
	}

	out, carry = Apply(carry, []byte("048;0$y..."))
	if string(out) != "..." || len(carry) != 0 {
		t.Errorf("Apply() = %q, %q, want %q and no carry", out, carry, "...")
	}
}
