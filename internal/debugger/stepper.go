// Package debugger steps an environment with a scripted policy and reports
// per-step diagnostics.
package debugger

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/carlarl/internal/environment"
	"github.com/psantana5/carlarl/internal/observe"
	"github.com/psantana5/carlarl/pkg/tracing"
)

// DefaultSteps and DefaultAction reproduce the stock debug session.
const (
	DefaultSteps  = 10000
	DefaultAction = 8
)

// StepRecord is the diagnostic for one step. It is handed to the sink and
// not retained.
type StepRecord struct {
	Index       int
	Action      int
	Observation environment.Observation
	Reward      float64
	Done        bool
	Elapsed     time.Duration
}

// RecordSink consumes step records. An error aborts the loop.
type RecordSink interface {
	Record(ctx context.Context, rec StepRecord) error
}

// SinkFunc adapts a function to RecordSink.
type SinkFunc func(ctx context.Context, rec StepRecord) error

// Record implements RecordSink.
func (f SinkFunc) Record(ctx context.Context, rec StepRecord) error {
	return f(ctx, rec)
}

// ActionPolicy picks the action for step i.
type ActionPolicy func(step int) int

// FixedAction always returns a.
func FixedAction(a int) ActionPolicy {
	return func(int) int { return a }
}

// CycleActions repeats actions in order. It panics on an empty list.
func CycleActions(actions ...int) ActionPolicy {
	if len(actions) == 0 {
		panic("debugger: CycleActions needs at least one action")
	}
	seq := append([]int(nil), actions...)
	return func(step int) int { return seq[step%len(seq)] }
}

// StepLoop resets env once and steps it at most maxSteps times, forwarding
// one record per step to sink. It stops early when the environment reports
// done or ctx ends, and returns the number of steps taken.
func StepLoop(ctx context.Context, env environment.Environment, policy ActionPolicy, maxSteps int, sink RecordSink) (taken int, err error) {
	ctx, span := tracing.Tracer("carlarl/debugger").Start(ctx, "debug.step_loop")
	defer func() {
		span.SetAttributes(attribute.Int("steps", taken))
		tracing.SetError(span, err)
		span.End()
	}()

	if _, err := env.Reset(ctx); err != nil {
		return 0, fmt.Errorf("failed to reset environment: %w", err)
	}

	for i := 0; i < maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return taken, err
		}

		action := policy(i)
		var res environment.StepResult
		elapsed, err := observe.Measure(func() error {
			var stepErr error
			res, stepErr = env.Step(ctx, action)
			return stepErr
		})
		if err != nil {
			return taken, fmt.Errorf("step %d: %w", i, err)
		}
		taken++

		rec := StepRecord{
			Index:       i,
			Action:      action,
			Observation: res.Observation,
			Reward:      res.Reward,
			Done:        res.Done,
			Elapsed:     elapsed,
		}
		if sink != nil {
			if err := sink.Record(ctx, rec); err != nil {
				return taken, fmt.Errorf("step %d: sink: %w", i, err)
			}
		}
		if res.Done {
			tracing.AddEvent(ctx, "episode.done", attribute.Int("step", i))
			break
		}
	}
	return taken, nil
}
