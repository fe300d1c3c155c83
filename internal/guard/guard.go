// Package guard owns simulator server processes for the duration of a run
// and releases them on every exit path.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/carlarl/internal/simulator"
	"github.com/psantana5/carlarl/pkg/logging"
	"github.com/psantana5/carlarl/pkg/shutdown"
)

// ErrGuardReused is returned by a second call to Run.
var ErrGuardReused = errors.New("process guard already used")

// Handle is a process the guard terminates on release.
type Handle interface {
	PID() int
	Terminate() error
}

// ProcessCleanupError describes a release step that failed. It is logged,
// never returned to the caller.
type ProcessCleanupError struct {
	Op  string
	PID int
	Err error
}

func (e *ProcessCleanupError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("cleanup %s (pid %d): %v", e.Op, e.PID, e.Err)
	}
	return fmt.Sprintf("cleanup %s: %v", e.Op, e.Err)
}

func (e *ProcessCleanupError) Unwrap() error {
	return e.Err
}

// Guard tracks the processes started for one run.
type Guard struct {
	manager simulator.Manager
	simCfg  simulator.Config
	log     *logging.Logger
	hooks   *shutdown.Manager

	// KillTimeout bounds the final host-wide sweep.
	KillTimeout time.Duration

	mu       sync.Mutex
	handles  []Handle
	used     bool
	failures []error
}

// New creates a guard. manager may be nil when no host-wide sweep is wanted.
func New(manager simulator.Manager, simCfg simulator.Config, log *logging.Logger) *Guard {
	if log == nil {
		log = logging.Nop()
	}
	log = log.Component("guard")
	return &Guard{
		manager:     manager,
		simCfg:      simCfg,
		log:         log,
		hooks:       shutdown.New(30*time.Second, log),
		KillTimeout: 30 * time.Second,
	}
}

// Start launches simulator servers and tracks every handle the manager
// returns, including those handed back alongside an error.
func (g *Guard) Start(ctx context.Context, cfg simulator.Config) ([]*simulator.Server, error) {
	g.mu.Lock()
	g.simCfg = cfg
	g.mu.Unlock()

	if g.manager == nil {
		return nil, errors.New("no simulator manager configured")
	}

	servers, err := g.manager.StartServers(ctx, cfg)
	for _, s := range servers {
		g.Track(s)
	}
	if err != nil {
		return servers, fmt.Errorf("failed to start simulator servers: %w", err)
	}
	return servers, nil
}

// Track adds an externally started process to the release set.
func (g *Guard) Track(h Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handles = append(g.handles, h)
	g.log.Debug("tracking process", logging.Fields{"pid": h.PID()})
}

// Register adds a release hook. Hooks run after tracked handles are
// terminated, most recent first.
func (g *Guard) Register(name string, fn func(context.Context) error) {
	g.hooks.Register(name, fn)
}

// Handles returns the currently tracked handles.
func (g *Guard) Handles() []Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Handle, len(g.handles))
	copy(out, g.handles)
	return out
}

// CleanupErrors returns the failures recorded by the last release.
func (g *Guard) CleanupErrors() []error {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]error, len(g.failures))
	copy(out, g.failures)
	return out
}

// Run executes body and releases every tracked process afterwards, whether
// body returns, fails, panics or ctx is cancelled. body's error is returned
// unchanged.
func (g *Guard) Run(ctx context.Context, body func(ctx context.Context) error) error {
	g.mu.Lock()
	if g.used {
		g.mu.Unlock()
		return ErrGuardReused
	}
	g.used = true
	g.mu.Unlock()

	defer g.release()
	return body(ctx)
}

func (g *Guard) release() {
	g.mu.Lock()
	handles := g.handles
	g.handles = nil
	simCfg := g.simCfg
	g.mu.Unlock()

	g.log.Info("releasing processes", logging.Fields{"tracked": len(handles)})

	var failures []error
	for i := len(handles) - 1; i >= 0; i-- {
		h := handles[i]
		if err := h.Terminate(); err != nil {
			failures = append(failures, &ProcessCleanupError{Op: "terminate", PID: h.PID(), Err: err})
		}
	}

	if err := g.hooks.Shutdown(); err != nil {
		failures = append(failures, &ProcessCleanupError{Op: "release hooks", Err: err})
	}

	if g.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.KillTimeout)
		if err := g.manager.KillAll(ctx, simCfg); err != nil {
			failures = append(failures, &ProcessCleanupError{Op: "kill all", Err: err})
		}
		cancel()
	}

	for _, f := range failures {
		g.log.Error("process cleanup failed", logging.Fields{"error": f.Error()})
	}

	g.mu.Lock()
	g.failures = failures
	g.mu.Unlock()
}
