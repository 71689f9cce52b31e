// Package sockreader provides a restartable background read loop.
//
// A Reader repeatedly calls a Step until it is stopped or the step fails.
// Stop unblocks a pending read through an Interrupter (typically the socket
// itself, via SetReadDeadline) and waits for the loop goroutine to exit.
// Every lifecycle ends with exactly one Monitor call.
package sockreader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrRunning = errors.New("sockreader: already running")

// Step reads and processes one unit (a frame, a datagram). A non-nil error
// ends the loop.
type Step func(ctx context.Context) error

// Interrupter unblocks a pending read. net.Conn and *net.UDPConn satisfy it.
type Interrupter interface {
	SetReadDeadline(t time.Time) error
}

// Exit describes how a lifecycle ended. Err is nil for an intentional stop.
type Exit struct {
	Name string
	Err  error
}

// Monitor is notified once per lifecycle, after the loop has been joined.
type Monitor func(Exit)

type Option func(*Reader)

// WithInterrupter sets the object used to unblock reads on Stop.
func WithInterrupter(i Interrupter) Option {
	return func(r *Reader) { r.interrupt = i }
}

// WithMonitor sets the exit callback.
func WithMonitor(m Monitor) Option {
	return func(r *Reader) { r.monitor = m }
}

// WithLogger overrides the default component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reader) { r.log = l }
}

// Reader runs Step on its own goroutine.
type Reader struct {
	name      string
	step      Step
	interrupt Interrupter
	monitor   Monitor
	log       zerolog.Logger

	// opMu serialises Start/Stop. mu guards the fields below.
	opMu    sync.Mutex
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped Reader.
func New(name string, step Step, opts ...Option) *Reader {
	r := &Reader{
		name: name,
		step: step,
		log:  log.With().Str("component", "sockreader").Str("reader", name).Logger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Name returns the reader's label.
func (r *Reader) Name() string { return r.name }

// Running reports whether the loop is live.
func (r *Reader) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start begins a new lifecycle. It waits for a previous lifecycle's loop to
// finish exiting first.
func (r *Reader) Start() error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRunning
	}
	prev := r.done
	r.mu.Unlock()
	if prev != nil {
		<-prev
	}

	if r.interrupt != nil {
		// Clear the deadline a previous Stop left behind.
		if err := r.interrupt.SetReadDeadline(time.Time{}); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	r.running = true
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go r.run(ctx, cancel, done)
	return nil
}

// Stop ends the current lifecycle and waits for the loop goroutine to exit.
// It is idempotent and safe from any goroutine except the Step itself.
func (r *Reader) Stop() {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	done, cancel, wasRunning := r.done, r.cancel, r.running
	r.running = false
	r.mu.Unlock()

	if done == nil {
		return
	}
	if wasRunning {
		cancel()
		if r.interrupt != nil {
			r.interrupt.SetReadDeadline(time.Now()) //nolint:errcheck // closed sockets already unblock
		}
	}
	<-done
}

// Restart stops the current lifecycle, if any, and starts a fresh one.
func (r *Reader) Restart() error {
	r.Stop()
	return r.Start()
}

func (r *Reader) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	var exitErr error
	defer func() {
		cancel()
		r.mu.Lock()
		if r.done == done {
			r.running = false
		}
		r.mu.Unlock()
		close(done)

		if r.monitor != nil {
			r.monitor(Exit{Name: r.name, Err: exitErr})
		}
	}()

	for ctx.Err() == nil {
		if err := r.step(ctx); err != nil {
			if ctx.Err() != nil {
				// Reads fail once Stop interrupts them.
				return
			}
			exitErr = err
			r.log.Warn().Err(err).Msg("read loop failed")
			return
		}
	}
}
