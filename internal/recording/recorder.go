// Package recording writes sessions to disk in asciicast v2 format.
package recording

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/acolita/tuibridge/internal/ports"
)

// Event types written by Recorder.
const (
	EventOutput = "o"
	EventResize = "r"
)

// Recorder records the output of one session in asciicast v2 format.
// See: https://docs.asciinema.org/manual/asciicast/v2/
type Recorder struct {
	mu        sync.Mutex
	file      ports.FileHandle
	startTime time.Time
	closed    bool
	clock     ports.Clock
	// partial holds the leading bytes of a UTF-8 rune split across chunks.
	partial []byte
}

// Header is the asciicast v2 header.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event [time, type, data].
type Event struct {
	Time float64 `json:"-"`
	Type string  `json:"-"`
	Data string  `json:"-"`
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Time, e.Type, e.Data})
}

// Meta describes the terminal a recording starts with.
type Meta struct {
	Cols  int
	Rows  int
	Term  string
	Title string
}

// NewRecorder creates <dir>/<sessionID>_<timestamp>.cast and writes its header.
func NewRecorder(dir, sessionID string, meta Meta, fs ports.FileSystem, clock ports.Clock) (*Recorder, error) {
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.cast", sessionID, clock.Now().Format("20060102_150405"))
	file, err := fs.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	r := &Recorder{
		file:      file,
		startTime: clock.Now(),
		clock:     clock,
	}

	header := Header{
		Version:   2,
		Width:     meta.Cols,
		Height:    meta.Rows,
		Timestamp: r.startTime.Unix(),
		Title:     meta.Title,
	}
	if meta.Term != "" {
		header.Env = map[string]string{"TERM": meta.Term}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := file.Write(append(headerJSON, '\n')); err != nil {
		file.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	return r, nil
}

// RecordOutput records bytes sent to the client. A rune split across calls is
// held until its remaining bytes arrive.
func (r *Recorder) RecordOutput(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := append(r.partial, p...)
	r.partial = nil
	if cut := incompleteTail(data); cut > 0 {
		r.partial = append([]byte(nil), data[len(data)-cut:]...)
		data = data[:len(data)-cut]
	}
	if len(data) == 0 {
		return nil
	}
	return r.recordLocked(EventOutput, string(data))
}

// RecordResize records a terminal size change.
func (r *Recorder) RecordResize(cols, rows int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordLocked(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) recordLocked(eventType, data string) error {
	if r.closed {
		return nil
	}

	event := Event{
		Time: r.clock.Now().Sub(r.startTime).Seconds(),
		Type: eventType,
		Data: data,
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.file.Write(append(eventJSON, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// incompleteTail returns how many trailing bytes of p start a UTF-8 rune that
// is not complete yet.
func incompleteTail(p []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(p); i++ {
		b := p[len(p)-i]
		if b < utf8.RuneSelf {
			return 0
		}
		if utf8.RuneStart(b) {
			if !utf8.FullRune(p[len(p)-i:]) {
				return i
			}
			return 0
		}
	}
	return 0
}

// Close writes any held bytes and closes the file. Calling it again is a no-op.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	if len(r.partial) > 0 {
		r.recordLocked(EventOutput, string(r.partial))
		r.partial = nil
	}
	r.closed = true
	return r.file.Close()
}

// Path returns the path to the recording file.
func (r *Recorder) Path() string {
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}
