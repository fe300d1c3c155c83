package debugger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/carlarl/internal/environment"
)

// fakeEnv reports done on step doneAt (1-based); zero means never.
type fakeEnv struct {
	doneAt  int
	resets  int
	steps   int
	actions []int
	stepErr error
	cancel  func()
}

func (f *fakeEnv) Reset(ctx context.Context) (environment.Observation, error) {
	f.resets++
	return frame(0), nil
}

func (f *fakeEnv) Step(ctx context.Context, action int) (environment.StepResult, error) {
	if f.stepErr != nil {
		return environment.StepResult{}, f.stepErr
	}
	f.steps++
	f.actions = append(f.actions, action)
	if f.cancel != nil && f.steps == 2 {
		f.cancel()
	}
	return environment.StepResult{
		Observation: frame(byte(f.steps)),
		Reward:      1,
		Done:        f.doneAt > 0 && f.steps == f.doneAt,
	}, nil
}

func (f *fakeEnv) Close() error { return nil }

func frame(v byte) environment.Observation {
	return environment.Observation{Shape: []int{2, 2}, Data: []byte{v, v, v, v}}
}

type collectSink struct {
	records []StepRecord
}

func (c *collectSink) Record(ctx context.Context, rec StepRecord) error {
	c.records = append(c.records, rec)
	return nil
}

func TestStepLoopStopsOnDone(t *testing.T) {
	env := &fakeEnv{doneAt: 4}
	sink := &collectSink{}

	n, err := StepLoop(context.Background(), env, FixedAction(DefaultAction), 100, sink)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.Len(t, sink.records, 4)
	assert.True(t, sink.records[3].Done)
	assert.Equal(t, 3, sink.records[3].Index)
	assert.Equal(t, 1, env.resets)
	assert.Equal(t, []int{8, 8, 8, 8}, env.actions)
}

func TestStepLoopHonorsMaxSteps(t *testing.T) {
	env := &fakeEnv{}
	sink := &collectSink{}

	n, err := StepLoop(context.Background(), env, CycleActions(0, 1, 2), 5, sink)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, sink.records, 5)
	assert.Equal(t, []int{0, 1, 2, 0, 1}, env.actions)
}

func TestStepLoopCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	env := &fakeEnv{cancel: cancel}

	n, err := StepLoop(ctx, env, FixedAction(1), 100, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, n)
}

func TestStepLoopStepError(t *testing.T) {
	env := &fakeEnv{stepErr: errors.New("simulator timeout")}

	n, err := StepLoop(context.Background(), env, FixedAction(1), 10, nil)
	assert.ErrorContains(t, err, "simulator timeout")
	assert.Equal(t, 0, n)
}

func TestStepLoopSinkError(t *testing.T) {
	env := &fakeEnv{}
	failing := SinkFunc(func(ctx context.Context, rec StepRecord) error {
		if rec.Index == 2 {
			return errors.New("disk full")
		}
		return nil
	})

	n, err := StepLoop(context.Background(), env, FixedAction(1), 10, failing)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 3, n)
}

func TestCycleActionsEmpty(t *testing.T) {
	assert.Panics(t, func() { CycleActions() })
}
