// Package bridge shuttles bytes between a session's PTY and its SSH channel.
//
// Two loops run side by side. The outbound loop reads the PTY primary, strips
// capability replies, and writes to the channel. The inbound loop takes input
// from the session's router and writes it to the PTY primary. Each direction
// preserves byte order. Whichever loop ends first triggers teardown, which
// must unblock the other one.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/acolita/tuibridge/internal/adapters/realclock"
	"github.com/acolita/tuibridge/internal/filter"
	"github.com/acolita/tuibridge/internal/logging"
	"github.com/acolita/tuibridge/internal/ports"
	"github.com/acolita/tuibridge/internal/router"
)

// DefaultChunkSize is the largest single read from the PTY.
const DefaultChunkSize = 8192

// Receiver is the input side of the bridge.
type Receiver interface {
	Recv(ctx context.Context) ([]byte, error)
}

// Bridge wires a PTY primary to a channel. Fields must be set before Run.
type Bridge struct {
	Primary io.ReadWriter
	Output  io.Writer
	Input   Receiver
	Filter  *filter.Reply

	ChunkSize    int
	CarryTimeout time.Duration
	Clock        ports.Clock
	Logger       *slog.Logger

	// OnOutput observes every chunk after it has been written to Output.
	OnOutput func(p []byte)

	mu        sync.Mutex
	timer     ports.Timer
	timerGen  uint64
	outClosed bool
}

// Run starts both loops and blocks until both have returned. teardown is
// invoked exactly once, by whichever loop ends first or when ctx is cancelled,
// and must close the PTY and the input so the remaining loop can finish.
// Errors that only mean the other side went away are not reported.
func (b *Bridge) Run(ctx context.Context, teardown func()) error {
	b.setDefaults()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			if teardown != nil {
				teardown()
			}
		})
	}

	var (
		wg      sync.WaitGroup
		outErr  error
		inErr   error
		stopped = make(chan struct{})
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		outErr = b.outbound()
		b.Logger.Debug("outbound loop finished", "error", outErr)
		stop()
	}()
	go func() {
		defer wg.Done()
		inErr = b.inbound(ctx)
		b.Logger.Debug("inbound loop finished", "error", inErr)
		stop()
	}()
	go func() {
		wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		stop()
		<-stopped
	}

	for _, err := range []error{outErr, inErr} {
		if err != nil && !IsClosedErr(err) {
			return err
		}
	}
	return nil
}

func (b *Bridge) setDefaults() {
	if b.ChunkSize <= 0 {
		b.ChunkSize = DefaultChunkSize
	}
	if b.Filter == nil {
		b.Filter = filter.New(filter.Options{})
	}
	if b.Clock == nil {
		b.Clock = realclock.New()
	}
	if b.Logger == nil {
		b.Logger = slog.Default()
	}
}

func (b *Bridge) outbound() error {
	buf := make([]byte, b.ChunkSize)
	for {
		n, err := b.Primary.Read(buf)
		if n > 0 {
			if werr := b.forward(buf[:n]); werr != nil {
				return fmt.Errorf("write channel: %w", werr)
			}
		}
		if err != nil {
			b.finishOutput()
			if IsClosedErr(err) {
				return nil
			}
			return fmt.Errorf("read pty: %w", err)
		}
	}
}

// forward filters chunk and writes the result. Output writes are serialized
// with the carry timer.
func (b *Bridge) forward(chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopTimerLocked()
	out := b.Filter.Filter(chunk)
	if b.Filter.Pending() > 0 && b.CarryTimeout > 0 {
		b.timerGen++
		gen := b.timerGen
		b.timer = b.Clock.AfterFunc(b.CarryTimeout, func() { b.flushCarry(gen) })
	}
	return b.writeLocked(out)
}

// flushCarry forwards a carry that did not resolve within CarryTimeout.
func (b *Bridge) flushCarry(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.timerGen || b.outClosed {
		return
	}
	b.timer = nil
	if err := b.writeLocked(b.Filter.Flush()); err != nil {
		b.Logger.Debug("flush carry failed", "error", err)
	}
}

func (b *Bridge) finishOutput() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
	if err := b.writeLocked(b.Filter.Flush()); err != nil {
		b.Logger.Debug("final flush failed", "error", err)
	}
	b.outClosed = true
}

func (b *Bridge) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.timerGen++
}

func (b *Bridge) writeLocked(p []byte) error {
	if len(p) == 0 || b.outClosed {
		return nil
	}
	if b.Logger.Enabled(context.Background(), slog.LevelDebug) {
		b.Logger.Debug("pty output", logging.Bytes("data", p))
	}
	if _, err := b.Output.Write(p); err != nil {
		return err
	}
	if b.OnOutput != nil {
		b.OnOutput(p)
	}
	return nil
}

func (b *Bridge) inbound(ctx context.Context) error {
	for {
		p, err := b.Input.Recv(ctx)
		if err != nil {
			if IsClosedErr(err) {
				return nil
			}
			return fmt.Errorf("receive input: %w", err)
		}
		if _, err := b.Primary.Write(p); err != nil {
			return fmt.Errorf("write pty: %w", err)
		}
	}
}

// IsClosedErr reports whether err only means that one side of the bridge has
// gone away, which ends a session normally.
func IsClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, router.ErrClosed) ||
		errors.Is(err, context.Canceled)
}
