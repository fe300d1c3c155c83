package environment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/carlarl/pkg/config"
)

// scriptedWorker answers calls from canned results by round-tripping
// through JSON like the real bridge.
type scriptedWorker struct {
	calls   []string
	params  []interface{}
	results map[string]interface{}
	errs    map[string]error
	closed  bool
}

func (w *scriptedWorker) Call(ctx context.Context, method string, params, out interface{}) error {
	w.calls = append(w.calls, method)
	w.params = append(w.params, params)
	if err := w.errs[method]; err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(w.results[method])
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (w *scriptedWorker) Close() error {
	w.closed = true
	return nil
}

func testConfig(t *testing.T) *config.Effective {
	t.Helper()
	eff, err := config.Resolve(config.Tree{
		"env_config": config.Tree{
			"experiment": config.Tree{"type": "CarlaExperiment"},
		},
	}, nil)
	require.NoError(t, err)
	return eff
}

func TestRemoteLifecycle(t *testing.T) {
	w := &scriptedWorker{results: map[string]interface{}{
		"reset": Observation{Shape: []int{2, 2}, Data: []byte{1, 2, 3, 4}},
		"step": StepResult{
			Observation: Observation{Shape: []int{2, 2}, Data: []byte{5, 6, 7, 8}},
			Reward:      0.5,
			Done:        true,
		},
	}}

	env, err := NewRemote(context.Background(), w, testConfig(t))
	require.NoError(t, err)

	obs, err := env.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, obs.Bytes())
	assert.NoError(t, obs.Validate())

	res, err := env.Step(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.Reward)
	assert.True(t, res.Done)
	assert.Equal(t, []byte{5, 6, 7, 8}, res.Observation.Data)
	assert.Equal(t, map[string]int{"action": 8}, w.params[2])

	require.NoError(t, env.Close())
	assert.True(t, w.closed)
	assert.Equal(t, []string{"make", "reset", "step", "close"}, w.calls)
}

func TestRemoteMakeSendsEnvConfig(t *testing.T) {
	w := &scriptedWorker{}
	_, err := NewRemote(context.Background(), w, testConfig(t))
	require.NoError(t, err)

	params := w.params[0].(map[string]interface{})
	cfg := params["config"].(config.Tree)
	assert.Contains(t, cfg, "experiment")
}

func TestRemoteMakeFailure(t *testing.T) {
	w := &scriptedWorker{errs: map[string]error{"make": errors.New("no server")}}
	_, err := NewRemote(context.Background(), w, testConfig(t))
	assert.ErrorContains(t, err, "failed to create environment")
}

func TestObservationValidate(t *testing.T) {
	tests := []struct {
		name string
		obs  Observation
		ok   bool
	}{
		{"gray", Observation{Shape: []int{2, 3}, Data: make([]byte, 6)}, true},
		{"rgb", Observation{Shape: []int{2, 2, 3}, Data: make([]byte, 12)}, true},
		{"short", Observation{Shape: []int{2, 2}, Data: make([]byte, 3)}, false},
		{"no shape", Observation{Data: make([]byte, 3)}, false},
		{"zero dim", Observation{Shape: []int{0, 2}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.obs.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
