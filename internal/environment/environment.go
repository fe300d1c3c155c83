// Package environment defines the simulator environment contract the debug
// loop steps, plus a worker-backed implementation.
package environment

import (
	"context"
	"fmt"
)

// Observation is one sensor frame. Data is row-major uint8, laid out as
// Shape (height, width[, channels]).
type Observation struct {
	Shape []int  `json:"shape"`
	Data  []byte `json:"data"`
}

// Bytes returns the in-memory size of the frame.
func (o Observation) Bytes() int {
	return len(o.Data)
}

// Validate checks that Data matches Shape.
func (o Observation) Validate() error {
	if len(o.Shape) == 0 {
		return fmt.Errorf("observation has no shape")
	}
	n := 1
	for _, d := range o.Shape {
		if d <= 0 {
			return fmt.Errorf("observation shape %v has a non-positive dimension", o.Shape)
		}
		n *= d
	}
	if n != len(o.Data) {
		return fmt.Errorf("observation shape %v needs %d bytes, got %d", o.Shape, n, len(o.Data))
	}
	return nil
}

// StepResult is what the environment returns for one action.
type StepResult struct {
	Observation Observation            `json:"obs"`
	Reward      float64                `json:"reward"`
	Done        bool                   `json:"done"`
	Info        map[string]interface{} `json:"info,omitempty"`
}

// Environment is a resettable, steppable environment.
type Environment interface {
	// Reset starts a new episode.
	Reset(ctx context.Context) (Observation, error)
	// Step applies action and returns the next observation.
	Step(ctx context.Context, action int) (StepResult, error)
	Close() error
}
