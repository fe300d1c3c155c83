// Package report holds the immutable outcome of a training run.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/psantana5/carlarl/pkg/logging"
)

// SummaryFile is written into the run directory when a run ends.
const SummaryFile = "run_summary.json"

// Status is how a run ended.
type Status string

const (
	StatusCompleted   Status = "completed"   // iteration budget exhausted
	StatusStopped     Status = "stopped"     // stop condition met
	StatusInterrupted Status = "interrupted" // SIGINT/SIGTERM
	StatusFailed      Status = "failed"
)

// RunResult is run-level truth. Set once, never change.
type RunResult struct {
	RunName    string `json:"run_name"`
	TrialDir   string `json:"trial_dir,omitempty"`
	Status     Status `json:"status"`
	StopReason string `json:"stop_reason,omitempty"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration_ns"`

	Iterations     int                `json:"iterations"`
	RestoredFrom   string             `json:"restored_from,omitempty"`
	LastCheckpoint string             `json:"last_checkpoint,omitempty"`
	FinalMetrics   map[string]float64 `json:"final_metrics,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewRunResult creates a result for a run that has ended.
func NewRunResult(name string, status Status, startTime, endTime time.Time) *RunResult {
	return &RunResult{
		RunName:   name,
		Status:    status,
		StartTime: startTime,
		EndTime:   endTime,
		Duration:  endTime.Sub(startTime),
	}
}

// SetTraining records what the training loop produced. Call this ONCE.
func (r *RunResult) SetTraining(trialDir string, iterations int, lastCheckpoint string, metrics map[string]float64) {
	r.TrialDir = trialDir
	r.Iterations = iterations
	r.LastCheckpoint = lastCheckpoint
	if metrics != nil {
		r.FinalMetrics = make(map[string]float64, len(metrics))
		for k, v := range metrics {
			r.FinalMetrics[k] = v
		}
	}
}

// SetStopReason records why the loop ended early.
func (r *RunResult) SetStopReason(reason string) {
	r.StopReason = reason
}

// SetRestoredFrom records the checkpoint the run resumed from.
func (r *RunResult) SetRestoredFrom(path string) {
	r.RestoredFrom = path
}

// SetError records the failure that ended the run.
func (r *RunResult) SetError(err error) {
	if err != nil {
		r.Error = err.Error()
	}
}

// Metric returns a final metric value.
func (r *RunResult) Metric(name string) (float64, bool) {
	v, ok := r.FinalMetrics[name]
	return v, ok
}

// Summary is the human-readable one-line form.
func (r *RunResult) Summary() string {
	s := fmt.Sprintf("RUN %s | status=%s | iterations=%d | runtime=%.0fs",
		r.RunName, r.Status, r.Iterations, r.Duration.Seconds())
	if r.StopReason != "" {
		s += " | stop=" + r.StopReason
	}
	if r.LastCheckpoint != "" {
		s += " | checkpoint=" + r.LastCheckpoint
	}
	if r.Error != "" {
		s += " | error=" + r.Error
	}
	return s
}

// LogSummary emits the one-line summary with the final metrics attached.
func (r *RunResult) LogSummary(log *logging.Logger) {
	fields := logging.Fields{}
	keys := make([]string, 0, len(r.FinalMetrics))
	for k := range r.FinalMetrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields[k] = r.FinalMetrics[k]
	}

	if r.Status == StatusFailed {
		log.Error(r.Summary(), fields)
		return
	}
	log.Info(r.Summary(), fields)
}

// WriteFile stores the result as JSON in dir.
func (r *RunResult) WriteFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode run result: %w", err)
	}
	path := filepath.Join(dir, SummaryFile)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
