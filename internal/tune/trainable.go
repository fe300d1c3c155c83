package tune

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/psantana5/carlarl/internal/bridge"
	"github.com/psantana5/carlarl/pkg/checkpoint"
	"github.com/psantana5/carlarl/pkg/config"
)

// Trainable is the algorithm being trained.
type Trainable interface {
	// Name prefixes trial directories, e.g. "DQN".
	Name() string
	// Setup builds the algorithm, restoring from restoreFrom when set.
	Setup(ctx context.Context, cfg *config.Effective, restoreFrom string) error
	// Train runs one iteration.
	Train(ctx context.Context) (Metrics, error)
	// Save writes a checkpoint into dir and returns the path a restore
	// should load.
	Save(ctx context.Context, dir string) (string, error)
	// Stop releases the algorithm's resources.
	Stop(ctx context.Context) error
}

// Caller is the subset of *bridge.Client used here.
type Caller interface {
	Call(ctx context.Context, method string, params, out interface{}) error
	Close() error
}

var _ Caller = (*bridge.Client)(nil)

// RemoteTrainable drives an algorithm living in a worker process.
//
// Protocol methods: "setup" {config, restore_from}, "train" -> metrics,
// "save" {dir, iteration} -> {path}, "stop".
type RemoteTrainable struct {
	name   string
	worker Caller
	// iteration is the last training_iteration the worker reported.
	iteration int
}

// NewRemoteTrainable wraps worker as a trainable called name.
func NewRemoteTrainable(name string, worker Caller) *RemoteTrainable {
	return &RemoteTrainable{name: name, worker: worker}
}

// Name implements Trainable.
func (r *RemoteTrainable) Name() string {
	return r.name
}

// Setup implements Trainable.
func (r *RemoteTrainable) Setup(ctx context.Context, cfg *config.Effective, restoreFrom string) error {
	params := map[string]interface{}{
		"config":       cfg.Tree(),
		"restore_from": restoreFrom,
	}
	if err := r.worker.Call(ctx, "setup", params, nil); err != nil {
		return fmt.Errorf("trainable setup: %w", err)
	}
	return nil
}

// Train implements Trainable.
func (r *RemoteTrainable) Train(ctx context.Context) (Metrics, error) {
	var raw map[string]interface{}
	if err := r.worker.Call(ctx, "train", nil, &raw); err != nil {
		return nil, fmt.Errorf("trainable train: %w", err)
	}
	m := Flatten(raw)
	if it, ok := m[TrainingIteration]; ok {
		r.iteration = int(it)
	}
	return m, nil
}

// Save implements Trainable.
func (r *RemoteTrainable) Save(ctx context.Context, dir string) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	iteration := r.iteration
	if seq, ok := checkpoint.ParseSequence(filepath.Base(dir)); ok {
		iteration = seq
	}
	params := map[string]interface{}{
		"dir":       dir,
		"iteration": iteration,
	}
	if err := r.worker.Call(ctx, "save", params, &out); err != nil {
		return "", fmt.Errorf("trainable save: %w", err)
	}
	if out.Path == "" {
		return dir, nil
	}
	return out.Path, nil
}

// Stop implements Trainable. The worker is shut down afterwards either way.
func (r *RemoteTrainable) Stop(ctx context.Context) error {
	callErr := r.worker.Call(ctx, "stop", nil, nil)
	closeErr := r.worker.Close()
	if callErr != nil {
		return fmt.Errorf("trainable stop: %w", callErr)
	}
	return closeErr
}
