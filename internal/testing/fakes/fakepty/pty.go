// Package fakepty provides a scripted stand-in for the primary side of a PTY.
package fakepty

import (
	"bytes"
	"io"
	"sync"
)

// PTY plays back queued chunks on Read and captures everything written to it.
// Once the script is exhausted, Read blocks until Close, then returns io.EOF,
// which matches how a real PTY primary behaves while the child is idle.
type PTY struct {
	mu         sync.Mutex
	chunks     [][]byte
	written    bytes.Buffer
	closes     int
	eofOnDrain bool
	readErr    error
	wake       chan struct{}
	closed     chan struct{}
	writeNote  chan struct{}
}

// New creates a new fake PTY.
func New() *PTY {
	return &PTY{
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
		writeNote: make(chan struct{}, 1),
	}
}

// AddChunks queues chunks to be returned by successive Read calls.
func (p *PTY) AddChunks(chunks ...string) *PTY {
	p.mu.Lock()
	for _, c := range chunks {
		p.chunks = append(p.chunks, []byte(c))
	}
	p.mu.Unlock()
	p.notify()
	return p
}

// EOFWhenDrained makes Read return io.EOF as soon as the script is exhausted,
// as a PTY does after the child exits.
func (p *PTY) EOFWhenDrained() *PTY {
	p.mu.Lock()
	p.eofOnDrain = true
	p.mu.Unlock()
	p.notify()
	return p
}

// FailReads makes Read return err once the script is exhausted.
func (p *PTY) FailReads(err error) *PTY {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
	p.notify()
	return p
}

func (p *PTY) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Read returns the next queued chunk. Chunks larger than b are split.
func (p *PTY) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if len(p.chunks) > 0 {
			n := copy(b, p.chunks[0])
			if n < len(p.chunks[0]) {
				p.chunks[0] = p.chunks[0][n:]
			} else {
				p.chunks = p.chunks[1:]
			}
			p.mu.Unlock()
			return n, nil
		}
		if p.readErr != nil {
			err := p.readErr
			p.mu.Unlock()
			return 0, err
		}
		if p.eofOnDrain {
			p.mu.Unlock()
			return 0, io.EOF
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-p.closed:
			return 0, io.EOF
		}
	}
}

// Write captures b for later inspection.
func (p *PTY) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	p.mu.Lock()
	n, err := p.written.Write(b)
	p.mu.Unlock()

	select {
	case p.writeNote <- struct{}{}:
	default:
	}
	return n, err
}

// Close unblocks pending reads. Calling it again is a no-op.
func (p *PTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	if p.closes == 1 {
		close(p.closed)
	}
	return nil
}

// --- Test inspection methods ---

// Written returns all data written to the PTY.
func (p *PTY) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// WriteNotify fires (coalesced) after each Write.
func (p *PTY) WriteNotify() <-chan struct{} {
	return p.writeNote
}

// IsClosed reports whether Close was called.
func (p *PTY) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes > 0
}

// CloseCount returns how many times Close was called.
func (p *PTY) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}
