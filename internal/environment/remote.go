package environment

import (
	"context"
	"fmt"

	"github.com/psantana5/carlarl/internal/bridge"
	"github.com/psantana5/carlarl/pkg/config"
)

// Caller is the subset of *bridge.Client used here.
type Caller interface {
	Call(ctx context.Context, method string, params, out interface{}) error
	Close() error
}

var _ Caller = (*bridge.Client)(nil)

// Remote drives an environment living in a worker process.
//
// Protocol methods: "make" {config}, "reset" -> Observation,
// "step" {action} -> StepResult, "close".
type Remote struct {
	worker Caller
}

// NewRemote asks the worker to build the environment from the
// env_config section of cfg.
func NewRemote(ctx context.Context, worker Caller, cfg *config.Effective) (*Remote, error) {
	params := map[string]interface{}{
		"config": cfg.Sub("env_config"),
	}
	if err := worker.Call(ctx, "make", params, nil); err != nil {
		return nil, fmt.Errorf("failed to create environment: %w", err)
	}
	return &Remote{worker: worker}, nil
}

// Reset implements Environment.
func (r *Remote) Reset(ctx context.Context) (Observation, error) {
	var obs Observation
	if err := r.worker.Call(ctx, "reset", nil, &obs); err != nil {
		return Observation{}, fmt.Errorf("reset: %w", err)
	}
	return obs, nil
}

// Step implements Environment.
func (r *Remote) Step(ctx context.Context, action int) (StepResult, error) {
	var res StepResult
	if err := r.worker.Call(ctx, "step", map[string]int{"action": action}, &res); err != nil {
		return StepResult{}, fmt.Errorf("step: %w", err)
	}
	return res, nil
}

// Close asks the worker to close the environment, then stops the worker.
func (r *Remote) Close() error {
	// best effort; the worker may already be gone
	_ = r.worker.Call(context.Background(), "close", nil, nil)
	return r.worker.Close()
}
