package guard

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/carlarl/internal/simulator"
)

type fakeHandle struct {
	pid        int
	err        error
	terminated int
	order      *[]string
}

func (f *fakeHandle) PID() int { return f.pid }

func (f *fakeHandle) Terminate() error {
	f.terminated++
	if f.order != nil {
		*f.order = append(*f.order, "terminate")
	}
	return f.err
}

type fakeManager struct {
	mu       sync.Mutex
	starts   int
	kills    int
	startErr error
	killErr  error
	order    *[]string
}

func (f *fakeManager) StartServers(ctx context.Context, cfg simulator.Config) ([]*simulator.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil, f.startErr
}

func (f *fakeManager) KillAll(ctx context.Context, cfg simulator.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	if f.order != nil {
		*f.order = append(*f.order, "killall")
	}
	return f.killErr
}

func TestRunReleasesOnError(t *testing.T) {
	mgr := &fakeManager{}
	g := New(mgr, simulator.DefaultConfig(), nil)

	handles := []*fakeHandle{{pid: 1}, {pid: 2}, {pid: 3}}
	bodyErr := errors.New("trainer crashed")

	err := g.Run(context.Background(), func(ctx context.Context) error {
		for _, h := range handles {
			g.Track(h)
		}
		return bodyErr
	})

	assert.ErrorIs(t, err, bodyErr)
	for _, h := range handles {
		assert.Equal(t, 1, h.terminated, "pid %d", h.pid)
	}
	assert.Equal(t, 1, mgr.kills)
	assert.Empty(t, g.Handles())
}

func TestRunReleasesOnSuccess(t *testing.T) {
	mgr := &fakeManager{}
	g := New(mgr, simulator.DefaultConfig(), nil)
	h := &fakeHandle{pid: 7}

	err := g.Run(context.Background(), func(ctx context.Context) error {
		g.Track(h)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, h.terminated)
	assert.Equal(t, 1, mgr.kills)
}

func TestRunReleasesOnPanic(t *testing.T) {
	mgr := &fakeManager{}
	g := New(mgr, simulator.DefaultConfig(), nil)
	h := &fakeHandle{pid: 9}

	assert.Panics(t, func() {
		_ = g.Run(context.Background(), func(ctx context.Context) error {
			g.Track(h)
			panic("boom")
		})
	})
	assert.Equal(t, 1, h.terminated)
	assert.Equal(t, 1, mgr.kills)
}

func TestRunReleasesOnCancellation(t *testing.T) {
	mgr := &fakeManager{}
	g := New(mgr, simulator.DefaultConfig(), nil)
	h := &fakeHandle{pid: 11}

	ctx, cancel := context.WithCancel(context.Background())
	err := g.Run(ctx, func(ctx context.Context) error {
		g.Track(h)
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, h.terminated)
}

func TestReleaseOrder(t *testing.T) {
	var order []string
	mgr := &fakeManager{order: &order}
	g := New(mgr, simulator.DefaultConfig(), nil)

	g.Register("first", func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	g.Register("second", func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})

	err := g.Run(context.Background(), func(ctx context.Context) error {
		g.Track(&fakeHandle{pid: 1, order: &order})
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"terminate", "second", "first", "killall"}, order)
}

func TestCleanupFailuresAreNotReturned(t *testing.T) {
	mgr := &fakeManager{killErr: errors.New("permission denied")}
	g := New(mgr, simulator.DefaultConfig(), nil)
	stuck := &fakeHandle{pid: 5, err: errors.New("still running")}
	healthy := &fakeHandle{pid: 6}

	err := g.Run(context.Background(), func(ctx context.Context) error {
		g.Track(stuck)
		g.Track(healthy)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, healthy.terminated)

	failures := g.CleanupErrors()
	require.Len(t, failures, 2)
	var cleanupErr *ProcessCleanupError
	require.ErrorAs(t, failures[0], &cleanupErr)
	assert.Equal(t, 5, cleanupErr.PID)
}

func TestGuardIsSingleUse(t *testing.T) {
	mgr := &fakeManager{}
	g := New(mgr, simulator.DefaultConfig(), nil)

	require.NoError(t, g.Run(context.Background(), func(ctx context.Context) error { return nil }))

	called := false
	err := g.Run(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrGuardReused)
	assert.False(t, called)
	assert.Equal(t, 1, mgr.kills)
}

func TestStartFailureStillReleases(t *testing.T) {
	mgr := &fakeManager{startErr: errors.New("no CARLA_ROOT")}
	g := New(mgr, simulator.DefaultConfig(), nil)

	err := g.Run(context.Background(), func(ctx context.Context) error {
		_, err := g.Start(ctx, simulator.DefaultConfig())
		return err
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no CARLA_ROOT")
	assert.Equal(t, 1, mgr.starts)
	assert.Equal(t, 1, mgr.kills)
}

func TestNilManagerSkipsSweep(t *testing.T) {
	g := New(nil, simulator.DefaultConfig(), nil)
	h := &fakeHandle{pid: 3}

	err := g.Run(context.Background(), func(ctx context.Context) error {
		g.Track(h)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.terminated)
	assert.Empty(t, g.CleanupErrors())
}
