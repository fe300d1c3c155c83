package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/carlarl/pkg/logging"
)

func sampleResult() *RunResult {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRunResult("dqn_example", StatusStopped, start, start.Add(90*time.Second))
	r.SetTraining("/runs/dqn_example/DQN_ab12cd34", 7, "/runs/dqn_example/DQN_ab12cd34/checkpoint_000007", map[string]float64{
		"episode_reward_mean":   12.5,
		"perf/ram_util_percent": 86.1,
	})
	r.SetStopReason("perf/ram_util_percent > 85")
	return r
}

func TestSummary(t *testing.T) {
	r := sampleResult()
	s := r.Summary()
	assert.Contains(t, s, "RUN dqn_example")
	assert.Contains(t, s, "status=stopped")
	assert.Contains(t, s, "iterations=7")
	assert.Contains(t, s, "runtime=90s")
	assert.Contains(t, s, "stop=perf/ram_util_percent > 85")
}

func TestSetTrainingCopiesMetrics(t *testing.T) {
	metrics := map[string]float64{"episode_reward_mean": 1}
	r := NewRunResult("x", StatusCompleted, time.Now(), time.Now())
	r.SetTraining("", 1, "", metrics)
	metrics["episode_reward_mean"] = 99

	v, ok := r.Metric("episode_reward_mean")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestLogSummary(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewLogger(logging.INFO, false)
	log.SetOutput(&buf)

	sampleResult().LogSummary(log)
	assert.Contains(t, buf.String(), "RUN dqn_example")
	assert.Contains(t, buf.String(), "episode_reward_mean=12.5")

	buf.Reset()
	failed := NewRunResult("broken", StatusFailed, time.Now(), time.Now())
	failed.SetError(errors.New("trainer exited"))
	failed.LogSummary(log)
	assert.Contains(t, buf.String(), "ERROR")
	assert.Contains(t, buf.String(), "error=trainer exited")
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path, err := sampleResult().WriteFile(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded RunResult
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, StatusStopped, decoded.Status)
	assert.Equal(t, 7, decoded.Iterations)
}

func TestMetricsRecordResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.IncrStarted("train")
	m.RecordResult(sampleResult())
	m.RecordResult(NewRunResult("other", StatusCompleted, time.Now(), time.Now()))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsStarted.WithLabelValues("train")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsEnded.WithLabelValues("stopped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsEnded.WithLabelValues("completed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.iterations))
}
