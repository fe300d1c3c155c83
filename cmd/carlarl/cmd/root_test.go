package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/carlarl/internal/report"
	"github.com/psantana5/carlarl/pkg/checkpoint"
)

// execute runs the command tree with an isolated home and environment.
func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CARLA_ROOT", "")
	t.Setenv("CUDA_VISIBLE_DEVICES", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err = cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func writeRunConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const localRunConfig = `
env_config:
  carla:
    launch_server: false
  experiment:
    hero:
      blueprint: vehicle.lincoln.mkz2017
framework: torch
`

func TestRootCommandTree(t *testing.T) {
	cmd := NewRootCommand()

	for _, path := range [][]string{
		{"train"},
		{"debug"},
		{"checkpoints", "list"},
		{"checkpoints", "latest"},
	} {
		found, _, err := cmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], found.Name())
	}

	assert.NotNil(t, cmd.PersistentFlags().Lookup("carla-root"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("visible-devices"))
	assert.True(t, cmd.SilenceUsage)
}

func TestTrainFlagDefaults(t *testing.T) {
	cmd := NewRootCommand()
	train, _, err := cmd.Find([]string{"train"})
	require.NoError(t, err)

	tests := []struct {
		flag string
		want string
	}{
		{"directory", "./ray_results/carla_rllib"},
		{"name", "dqn_example"},
		{"restore", "false"},
		{"overwrite", "false"},
		{"tboff", "false"},
		{"auto", "false"},
		{"local_mode", "false"},
		{"experiment", "dqn"},
		{"stop-ram-percent", "85"},
	}
	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			f := train.Flags().Lookup(tt.flag)
			require.NotNil(t, f)
			assert.Equal(t, tt.want, f.DefValue)
		})
	}
	assert.Equal(t, "d", train.Flags().Lookup("directory").Shorthand)
	assert.Equal(t, "n", train.Flags().Lookup("name").Shorthand)

	list, _, err := cmd.Find([]string{"checkpoints", "list"})
	require.NoError(t, err)
	assert.Equal(t, "./ray_results/carla_rllib", list.Flags().Lookup("directory").DefValue)
}

func TestDebugFlagDefaults(t *testing.T) {
	cmd := NewRootCommand()
	debug, _, err := cmd.Find([]string{"debug"})
	require.NoError(t, err)

	assert.Equal(t, "10000", debug.Flags().Lookup("steps").DefValue)
	assert.Equal(t, "8", debug.Flags().Lookup("action").DefValue)
}

func TestTrainRequiresConfigArgument(t *testing.T) {
	_, _, err := execute(t, "train")
	assert.Error(t, err)
}

func TestTrainConflictingFlags(t *testing.T) {
	cfg := writeRunConfig(t, localRunConfig)
	_, _, err := execute(t, "train", cfg, "-d", t.TempDir(), "--restore", "--overwrite", "--trainer-command", "true")
	assert.ErrorIs(t, err, checkpoint.ErrConflictingFlags)
}

func TestTrainRefusesExistingRun(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dqn_example", "old"), 0o755))

	cfg := writeRunConfig(t, localRunConfig)
	_, _, err := execute(t, "train", cfg, "-d", dir, "--trainer-command", "true")
	assert.ErrorIs(t, err, checkpoint.ErrRunAlreadyExists)
}

func TestTrainRequiresWorker(t *testing.T) {
	// --experiment always writes the type, so the subtree exists
	cfg := writeRunConfig(t, "framework: torch\n")
	_, _, err := execute(t, "train", cfg, "-d", t.TempDir(), "--tboff")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--trainer-command")
}

func TestTrainInvalidOverride(t *testing.T) {
	cfg := writeRunConfig(t, localRunConfig)
	_, _, err := execute(t, "train", cfg, "-d", t.TempDir(), "--set", "=1")
	assert.Error(t, err)
}

func TestSettingsValidation(t *testing.T) {
	settingsFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(settingsFile, []byte("carla_root: /definitely/not/carla\n"), 0o644))

	_, _, err := execute(t, "--config", settingsFile, "checkpoints", "list", "-d", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid environment settings")

	// the flag wins over the settings file
	_, _, err = execute(t, "--config", settingsFile, "--carla-root", t.TempDir(), "checkpoints", "list", "-d", t.TempDir())
	assert.NoError(t, err)
}

func TestDotEnvDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CARLA_ROOT=/definitely/not/carla\n"), 0o644))
	t.Chdir(dir)

	_, _, err := execute(t, "checkpoints", "list", "-d", t.TempDir())
	assert.Error(t, err)
}

func TestCheckpointsListEmpty(t *testing.T) {
	out, _, err := execute(t, "checkpoints", "list", "-d", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No checkpoints")
}

func TestCheckpointsInvalidOutput(t *testing.T) {
	_, _, err := execute(t, "checkpoints", "list", "-d", t.TempDir(), "-o", "xml")
	assert.Error(t, err)
}

// fakeTrainer answers every request in order; train reports a reward.
const fakeTrainer = `#!/bin/sh
i=0
while read -r line; do
  i=$((i+1))
  case "$line" in
    *'"method":"train"'*) echo "{\"id\":$i,\"result\":{\"episode_reward_mean\":1.5}}" ;;
    *) echo "{\"id\":$i,\"result\":null}" ;;
  esac
done
`

func TestTrainEndToEnd(t *testing.T) {
	worker := filepath.Join(t.TempDir(), "trainer.sh")
	require.NoError(t, os.WriteFile(worker, []byte(fakeTrainer), 0o755))
	cfg := writeRunConfig(t, localRunConfig)
	dir := t.TempDir()

	out, _, err := execute(t, "train", cfg,
		"-d", dir, "-n", "e2e",
		"--tboff",
		"--trainer-command", worker,
		"--max-iterations", "2",
		"--stop-ram-percent", "101",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "RUN e2e | status=completed | iterations=2")

	data, err := os.ReadFile(filepath.Join(dir, "e2e", report.SummaryFile))
	require.NoError(t, err)
	var summary report.RunResult
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, report.StatusCompleted, summary.Status)
	assert.Equal(t, 1.5, summary.FinalMetrics["episode_reward_mean"])

	out, _, err = execute(t, "checkpoints", "list", "-d", dir, "-n", "e2e", "-o", "json")
	require.NoError(t, err)
	var found []checkpoint.Checkpoint
	require.NoError(t, json.Unmarshal([]byte(out), &found))
	require.Len(t, found, 2)
	assert.Equal(t, 1, found[0].Sequence)
	assert.Equal(t, 2, found[1].Sequence)

	out, _, err = execute(t, "checkpoints", "latest", "-d", dir, "-n", "e2e")
	require.NoError(t, err)
	assert.Equal(t, found[1].Path+"\n", out)

	// a second run without flags must not clobber the first
	_, _, err = execute(t, "train", cfg, "-d", dir, "-n", "e2e", "--tboff", "--trainer-command", worker)
	assert.ErrorIs(t, err, checkpoint.ErrRunAlreadyExists)

	// resuming picks up the latest checkpoint
	out, _, err = execute(t, "train", cfg,
		"-d", dir, "-n", "e2e", "--restore", "--tboff",
		"--trainer-command", worker,
		"--max-iterations", "1",
		"--stop-ram-percent", "101",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "status=completed")

	data, err = os.ReadFile(filepath.Join(dir, "e2e", report.SummaryFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, found[1].Path, summary.RestoredFrom)
}
