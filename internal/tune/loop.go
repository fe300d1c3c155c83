// Package tune runs a Trainable iteration by iteration, writing results
// and checkpoints into a trial directory.
//
// Trial layout:
//
//	<LocalDir>/<Name>/<trainable>_<id>/
//	    params.yaml
//	    result.json          one JSON object per iteration
//	    checkpoint_000001/   whatever Trainable.Save wrote
package tune

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/carlarl/pkg/checkpoint"
	"github.com/psantana5/carlarl/pkg/config"
	"github.com/psantana5/carlarl/pkg/logging"
	"github.com/psantana5/carlarl/pkg/resources"
	"github.com/psantana5/carlarl/pkg/tracing"
)

// File names inside a trial directory.
const (
	ResultFile = "result.json"
	ParamsFile = "params.yaml"
)

// Experiment is everything one training run needs.
type Experiment struct {
	Name      string
	LocalDir  string
	Trainable Trainable
	Config    *config.Effective
	Stop      StopCondition

	CheckpointFreq  int
	CheckpointAtEnd bool
	// KeepCheckpoints bounds how many checkpoints a trial retains; zero keeps all.
	KeepCheckpoints int
	RestoreFrom     string
	// MaxIterations bounds the run; zero means until Stop fires.
	MaxIterations int
}

func (e Experiment) validate() error {
	switch {
	case e.Name == "":
		return errors.New("experiment name is required")
	case e.LocalDir == "":
		return errors.New("experiment directory is required")
	case e.Trainable == nil:
		return errors.New("experiment has no trainable")
	case e.Config == nil:
		return errors.New("experiment has no configuration")
	case e.CheckpointFreq < 0:
		return fmt.Errorf("invalid checkpoint frequency %d", e.CheckpointFreq)
	}
	return nil
}

// Result summarizes a finished (or aborted) loop.
type Result struct {
	TrialDir       string
	Iterations     int
	LastCheckpoint string
	Checkpoints    int
	LastMetrics    Metrics
	StopReason     string
}

// Stopped reports whether the stop condition ended the run.
func (r *Result) Stopped() bool {
	return r.StopReason != ""
}

// Loop runs experiments. It is the in-process training framework.
type Loop struct {
	sampler resources.Sampler
	log     *logging.Logger
	newID   func() string

	iterations  prometheus.Counter
	checkpoints prometheus.Counter
	values      *prometheus.GaugeVec
}

// NewLoop creates a loop sampling host usage with sampler (nil disables
// perf metrics) and registering its metrics with reg (may be nil).
func NewLoop(sampler resources.Sampler, log *logging.Logger, reg prometheus.Registerer) *Loop {
	if log == nil {
		log = logging.Nop()
	}
	l := &Loop{
		sampler: sampler,
		log:     log.Component("tune"),
		newID:   func() string { return uuid.NewString()[:8] },
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carlarl_train_iterations_total",
			Help: "Training iterations completed",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carlarl_train_checkpoints_total",
			Help: "Checkpoints written",
		}),
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carlarl_train_metric",
			Help: "Last reported value of each training metric",
		}, []string{"metric"}),
	}
	if reg != nil {
		reg.MustRegister(l.iterations, l.checkpoints, l.values)
	}
	return l
}

// Run executes exp until the stop condition fires, MaxIterations is
// reached, or ctx ends. The partial result is returned with any error.
func (l *Loop) Run(ctx context.Context, exp Experiment) (res *Result, err error) {
	if err := exp.validate(); err != nil {
		return nil, err
	}

	ctx, span := tracing.Tracer("carlarl/tune").Start(ctx, "tune.run")
	defer func() {
		tracing.SetError(span, err)
		span.End()
	}()

	trialDir := filepath.Join(exp.LocalDir, exp.Name, fmt.Sprintf("%s_%s", exp.Trainable.Name(), l.newID()))
	if err := os.MkdirAll(trialDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trial directory: %w", err)
	}
	if err := writeParams(trialDir, exp.Config); err != nil {
		return nil, err
	}

	results, err := os.OpenFile(filepath.Join(trialDir, ResultFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open result log: %w", err)
	}
	defer results.Close()

	log := l.log.WithField("trial", filepath.Base(trialDir))
	res = &Result{TrialDir: trialDir}

	if err := exp.Trainable.Setup(ctx, exp.Config, exp.RestoreFrom); err != nil {
		return res, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if stopErr := exp.Trainable.Stop(stopCtx); stopErr != nil {
			log.Warn("trainable stop failed", logging.Fields{"error": stopErr.Error()})
		}
	}()
	log.Info("trial started", logging.Fields{"dir": trialDir, "restore_from": exp.RestoreFrom})

	start := time.Now()
	savedLast := false
	for exp.MaxIterations <= 0 || res.Iterations < exp.MaxIterations {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		metrics, err := l.iterate(ctx, exp, res, start)
		if err != nil {
			return res, err
		}
		res.Iterations++
		res.LastMetrics = metrics

		if err := appendResult(results, metrics); err != nil {
			return res, err
		}

		savedLast = false
		if exp.CheckpointFreq > 0 && res.Iterations%exp.CheckpointFreq == 0 {
			if err := l.save(ctx, exp, res); err != nil {
				return res, err
			}
			savedLast = true
		}

		log.Info("iteration finished", logging.Fields{
			TrainingIteration: metrics[TrainingIteration],
			EpisodeRewardMean: metrics[EpisodeRewardMean],
			"ram_percent":     metrics[resources.RAMUtilPercent],
		})

		if exp.Stop != nil {
			if reason, stop := exp.Stop(metrics); stop {
				res.StopReason = reason
				log.Info("stop condition met", logging.Fields{"reason": reason})
				break
			}
		}
	}

	if exp.CheckpointAtEnd && !savedLast && res.Iterations > 0 {
		if err := l.save(ctx, exp, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// iterate runs one Train call and decorates its metrics.
func (l *Loop) iterate(ctx context.Context, exp Experiment, res *Result, start time.Time) (Metrics, error) {
	ctx, span := tracing.Tracer("carlarl/tune").Start(ctx, "tune.iteration")
	defer span.End()

	iterStart := time.Now()
	raw, err := exp.Trainable.Train(ctx)
	if err != nil {
		tracing.SetError(span, err)
		return nil, fmt.Errorf("iteration %d: %w", res.Iterations+1, err)
	}

	metrics := raw.Clone()
	if _, ok := metrics[TrainingIteration]; !ok {
		metrics[TrainingIteration] = float64(res.Iterations + 1)
	}
	metrics[TimeThisIterS] = time.Since(iterStart).Seconds()
	metrics[TimeTotalS] = time.Since(start).Seconds()
	metrics[Timestamp] = float64(time.Now().Unix())

	if l.sampler != nil {
		usage, err := l.sampler.Sample(ctx)
		if err != nil {
			l.log.Warn("failed to sample host usage", logging.Fields{"error": err.Error()})
		} else {
			metrics.Merge(usage.Metrics())
		}
	}

	l.iterations.Inc()
	for k, v := range metrics {
		l.values.WithLabelValues(k).Set(v)
	}
	span.SetAttributes(attribute.Int(TrainingIteration, int(metrics[TrainingIteration])))
	return metrics, nil
}

// save writes checkpoint_<training_iteration> into the trial directory.
func (l *Loop) save(ctx context.Context, exp Experiment, res *Result) error {
	seq := int(res.LastMetrics[TrainingIteration])
	if seq <= 0 {
		seq = res.Iterations
	}
	dir := filepath.Join(res.TrialDir, checkpoint.DirName(seq))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	path, err := exp.Trainable.Save(ctx, dir)
	if err != nil {
		return fmt.Errorf("checkpoint %d: %w", seq, err)
	}
	if path == "" {
		path = dir
	}
	res.LastCheckpoint = path
	res.Checkpoints++
	l.checkpoints.Inc()
	tracing.AddEvent(ctx, "checkpoint", attribute.String("path", path))
	l.log.Debug("checkpoint saved", logging.Fields{"path": path})

	removed, err := checkpoint.Prune(res.TrialDir, exp.KeepCheckpoints)
	if err != nil {
		l.log.Warn("checkpoint pruning failed", logging.Fields{"error": err.Error()})
	}
	for _, p := range removed {
		l.log.Debug("checkpoint pruned", logging.Fields{"path": p})
	}
	return nil
}

func writeParams(trialDir string, cfg *config.Effective) error {
	data, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	if err := os.WriteFile(filepath.Join(trialDir, ParamsFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write params: %w", err)
	}
	return nil
}

// appendResult writes one result line. Non-finite values have no JSON
// form and are left out.
func appendResult(f *os.File, m Metrics) error {
	finite := make(Metrics, len(m))
	for k, v := range m {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite[k] = v
		}
	}
	line, err := json.Marshal(finite)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}
