package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/carlarl/pkg/logging"
)

// ErrInterrupted is the cancellation cause set when SIGINT or SIGTERM arrives.
var ErrInterrupted = errors.New("interrupted")

type hook struct {
	name string
	fn   func(context.Context) error
}

// Manager runs registered release hooks exactly once, in reverse
// registration order (LIFO).
type Manager struct {
	mu      sync.Mutex
	hooks   []hook
	timeout time.Duration
	log     *logging.Logger
	once    sync.Once
	err     error
}

// New creates a new shutdown manager. Each hook gets its own timeout.
func New(timeout time.Duration, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		timeout: timeout,
		log:     log.Component("shutdown"),
	}
}

// Register adds a release hook.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Len returns the number of registered hooks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hooks)
}

// Shutdown executes every hook once. A failing hook does not stop the
// ones registered before it. Hook contexts derive from Background so an
// already-cancelled run still gets a full cleanup window. Later calls
// return the first call's result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.mu.Lock()
		hooks := make([]hook, len(m.hooks))
		copy(hooks, m.hooks)
		m.mu.Unlock()

		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			if err := m.runHook(h); err != nil {
				m.log.Warn("release hook failed", logging.Fields{"hook": h.name, "error": err.Error()})
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			}
		}
		m.err = errors.Join(errs...)
	})
	return m.err
}

func (m *Manager) runHook(h hook) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.fn(ctx)
}

// WithSignals returns a context cancelled with cause ErrInterrupted when
// SIGINT or SIGTERM arrives. The returned stop func releases the signal
// subscription.
func WithSignals(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-sigChan:
			cancel(fmt.Errorf("%w: received %v", ErrInterrupted, sig))
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel(context.Canceled)
	}
}

// Interrupted reports whether ctx was cancelled by a signal.
func Interrupted(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrInterrupted)
}

// CloseResource creates a release hook for an io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}
