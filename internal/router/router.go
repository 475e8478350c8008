// Package router picks the one input path a session trusts for keystrokes.
//
// SSH clients deliver keystrokes either on the channel's data stream or as
// out-of-band packets. Some implementations use both for the same bytes. The
// router makes whichever source produces data first authoritative for the rest
// of the session and drops everything from the other one.
package router

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Recv after Close.
var ErrClosed = errors.New("router closed")

// Source identifies an input path.
type Source int

const (
	// SourceNone means no source has produced data yet.
	SourceNone Source = iota
	// SourceStream is the channel's ordinary data stream.
	SourceStream
	// SourcePacket is out-of-band packet delivery (SSH extended data).
	SourcePacket
)

func (s Source) String() string {
	switch s {
	case SourceStream:
		return "stream"
	case SourcePacket:
		return "packet"
	default:
		return "none"
	}
}

const sourceCount = 2

// DefaultMaxQueued bounds the bytes a Router holds for a reader that is not
// keeping up. Deliver blocks past it.
const DefaultMaxQueued = 256 << 10

// Router is a FIFO of input chunks fed by competing sources.
type Router struct {
	mu        sync.Mutex
	space     *sync.Cond
	owner     Source
	queue     [][]byte
	queued    int
	maxQueued int
	ended     map[Source]bool
	eof       bool
	closed    bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	onClaim func(Source)
}

// Option configures a Router.
type Option func(*Router)

// OnClaim registers a callback invoked once, when a source becomes authoritative.
func OnClaim(fn func(Source)) Option {
	return func(r *Router) { r.onClaim = fn }
}

// New creates a Router with no authoritative source.
func New(opts ...Option) *Router {
	r := &Router{
		maxQueued: DefaultMaxQueued,
		ended:     make(map[Source]bool, sourceCount),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	r.space = sync.NewCond(&r.mu)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Deliver queues p if src is, or becomes, the authoritative source. It reports
// whether p was accepted. p is copied.
//
// When DefaultMaxQueued bytes are already waiting, Deliver blocks until Recv
// makes room or the router closes. A chunk is always accepted into an empty
// queue, whatever its size.
func (r *Router) Deliver(src Source, p []byte) bool {
	if len(p) == 0 || src == SourceNone {
		return false
	}

	r.mu.Lock()
	claimed := false
	for {
		if r.closed || r.eof {
			r.mu.Unlock()
			return false
		}
		if r.owner == SourceNone {
			r.owner = src
			claimed = true
		}
		if r.owner != src {
			r.mu.Unlock()
			return false
		}
		if r.queued == 0 || r.queued+len(p) <= r.maxQueued {
			break
		}
		r.space.Wait()
	}
	r.queue = append(r.queue, append([]byte(nil), p...))
	r.queued += len(p)
	r.mu.Unlock()

	if claimed && r.onClaim != nil {
		r.onClaim(src)
	}
	r.wake()
	return true
}

// End records that src will deliver nothing more. Input ends when the
// authoritative source ends, or when every source ends before any claimed
// authority.
func (r *Router) End(src Source) {
	r.mu.Lock()
	r.ended[src] = true
	switch {
	case r.owner == src:
		r.eof = true
	case r.owner == SourceNone && len(r.ended) >= sourceCount:
		r.eof = true
	}
	r.space.Broadcast()
	r.mu.Unlock()
	r.wake()
}

// Recv returns the next queued chunk in arrival order. It returns io.EOF once
// input has ended and the queue is drained, and ErrClosed after Close.
func (r *Router) Recv(ctx context.Context) ([]byte, error) {
	for {
		r.mu.Lock()
		switch {
		case r.closed:
			r.mu.Unlock()
			return nil, ErrClosed
		case len(r.queue) > 0:
			p := r.queue[0]
			r.queue[0] = nil
			r.queue = r.queue[1:]
			r.queued -= len(p)
			r.space.Broadcast()
			r.mu.Unlock()
			return p, nil
		case r.eof:
			r.mu.Unlock()
			return nil, io.EOF
		}
		r.mu.Unlock()

		select {
		case <-r.notify:
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Owner returns the authoritative source, or SourceNone if none has claimed it yet.
func (r *Router) Owner() Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

// Close discards queued input and wakes any pending Recv or Deliver. Safe to call more than once.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.queue = nil
		r.queued = 0
		r.space.Broadcast()
		r.mu.Unlock()
		close(r.done)
	})
}

func (r *Router) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
