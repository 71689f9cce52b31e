package sockreader

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitLog struct {
	mu    sync.Mutex
	exits []Exit
	ch    chan Exit
}

func newExitLog() *exitLog { return &exitLog{ch: make(chan Exit, 8)} }

func (l *exitLog) monitor(e Exit) {
	l.mu.Lock()
	l.exits = append(l.exits, e)
	l.mu.Unlock()
	l.ch <- e
}

func (l *exitLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.exits)
}

func (l *exitLog) wait(t *testing.T) Exit {
	t.Helper()
	select {
	case e := <-l.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("monitor was not notified")
		return Exit{}
	}
}

// pipeStep reads one byte per step from a net.Pipe end.
func pipeStep(c net.Conn, got chan<- byte) Step {
	return func(ctx context.Context) error {
		var b [1]byte
		if _, err := c.Read(b[:]); err != nil {
			return err
		}
		got <- b[0]
		return nil
	}
}

func TestStopUnblocksReadAndNotifiesOnce(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	got := make(chan byte, 4)
	exits := newExitLog()
	r := New("control", pipeStep(local, got), WithInterrupter(local), WithMonitor(exits.monitor))
	require.NoError(t, r.Start())
	assert.True(t, r.Running())

	_, err := remote.Write([]byte{7})
	require.NoError(t, err)
	assert.Equal(t, byte(7), <-got)

	r.Stop()
	assert.False(t, r.Running())
	e := exits.wait(t)
	assert.Equal(t, "control", e.Name)
	assert.NoError(t, e.Err, "intentional stop reports no error")

	r.Stop()
	assert.Equal(t, 1, exits.count())
}

func TestStepErrorEndsLifecycle(t *testing.T) {
	boom := errors.New("boom")
	exits := newExitLog()
	calls := 0
	r := New("udp", func(ctx context.Context) error {
		calls++
		if calls == 3 {
			return boom
		}
		return nil
	}, WithMonitor(exits.monitor))

	require.NoError(t, r.Start())
	e := exits.wait(t)
	assert.ErrorIs(t, e.Err, boom)
	assert.Equal(t, 3, calls)
	assert.False(t, r.Running())

	// Stop after an error exit is a no-op and does not notify again.
	r.Stop()
	assert.Equal(t, 1, exits.count())
}

func TestRestartRunsFreshLifecycle(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	got := make(chan byte, 4)
	exits := newExitLog()
	r := New("control", pipeStep(local, got), WithInterrupter(local), WithMonitor(exits.monitor))
	require.NoError(t, r.Start())
	require.NoError(t, r.Restart())
	exits.wait(t)

	_, err := remote.Write([]byte{9})
	require.NoError(t, err)
	assert.Equal(t, byte(9), <-got, "reader works after the deadline is cleared")

	r.Stop()
	exits.wait(t)
	assert.Equal(t, 2, exits.count())
}

func TestStartWhileRunning(t *testing.T) {
	block := make(chan struct{})
	r := New("x", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
			return nil
		}
	})
	require.NoError(t, r.Start())
	assert.ErrorIs(t, r.Start(), ErrRunning)
	r.Stop()
	close(block)
}

func TestStopBeforeStart(t *testing.T) {
	exits := newExitLog()
	r := New("idle", func(context.Context) error { return nil }, WithMonitor(exits.monitor))
	r.Stop()
	assert.Zero(t, exits.count())
}

func TestMonitorMayRestart(t *testing.T) {
	fail := errors.New("transient")
	var mu sync.Mutex
	attempts := 0
	restarted := make(chan struct{})

	var r *Reader
	r = New("udp", func(ctx context.Context) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return fail
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithMonitor(func(e Exit) {
		if errors.Is(e.Err, fail) {
			assert.NoError(t, r.Start())
			close(restarted)
		}
	}))

	require.NoError(t, r.Start())
	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not restart the reader")
	}
	assert.True(t, r.Running())
	r.Stop()
}
