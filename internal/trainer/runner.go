// Package trainer runs one training experiment end to end: backend,
// simulator servers, dashboard and the training loop, all released by a
// process guard.
package trainer

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/carlarl/internal/backend"
	"github.com/psantana5/carlarl/internal/guard"
	"github.com/psantana5/carlarl/internal/observe"
	"github.com/psantana5/carlarl/internal/report"
	"github.com/psantana5/carlarl/internal/simulator"
	"github.com/psantana5/carlarl/internal/tune"
	"github.com/psantana5/carlarl/pkg/checkpoint"
	"github.com/psantana5/carlarl/pkg/config"
	"github.com/psantana5/carlarl/pkg/logging"
	"github.com/psantana5/carlarl/pkg/shutdown"
	"github.com/psantana5/carlarl/pkg/tracing"
)

// DefaultRAMPercent is the host memory ceiling that ends training.
const DefaultRAMPercent = 85

// Framework is the training-framework collaborator.
type Framework interface {
	Run(ctx context.Context, exp tune.Experiment) (*tune.Result, error)
}

// TrainableFactory creates the trainable for a run. env carries the
// backend variables the worker needs. The returned handle, if any, is
// released with the run.
type TrainableFactory func(ctx context.Context, env []string) (tune.Trainable, guard.Handle, error)

// DashboardLauncher starts the auxiliary dashboard.
type DashboardLauncher func(ctx context.Context) (guard.Handle, error)

// Runner wires the collaborators of a training run.
type Runner struct {
	Backend        backend.Backend
	BackendOptions backend.Options
	Simulators     simulator.Manager
	Framework      Framework
	NewTrainable   TrainableFactory
	// Dashboard is optional.
	Dashboard DashboardLauncher
	// Metrics is optional.
	Metrics *report.Metrics
	// MaxIterations bounds the loop; zero runs until stop fires.
	MaxIterations int
	// KeepCheckpoints bounds retained checkpoints per trial; zero keeps all.
	KeepCheckpoints int

	Log *logging.Logger
}

// Run executes one run. The carla section is validated before anything is
// touched on disk, then the run directory is cleared when d says so.
// Every process started on the way is released before Run returns, and
// the framework's error surfaces after that release.
func (r *Runner) Run(ctx context.Context, cfg *config.Effective, id checkpoint.RunIdentity, d checkpoint.Decision, stop tune.StopCondition) (result *report.RunResult, err error) {
	log := r.Log
	if log == nil {
		log = logging.Nop()
	}
	log = log.Component("trainer").WithField("run", id.Name)
	if stop == nil {
		stop = tune.RAMUtilAbove(DefaultRAMPercent)
	}

	ctx, span := tracing.Tracer("carlarl/trainer").Start(ctx, "train.run")
	span.SetAttributes(attribute.String("run.name", id.Name), attribute.String("checkpoint.decision", d.String()))
	defer func() {
		tracing.SetError(span, err)
		span.End()
	}()

	timing := observe.NewTiming()
	if r.Metrics != nil {
		r.Metrics.IncrStarted("train")
	}

	simCfg, err := simulator.LoadConfig(cfg)
	if err != nil {
		return nil, err
	}

	if d.ClearExisting {
		log.Warn("overwriting run directory", logging.Fields{"dir": id.Path()})
		if err := checkpoint.Clear(id); err != nil {
			return nil, err
		}
	}
	if path, err := log.AttachFile(id.Path(), "train"); err != nil {
		log.Warn("file logging disabled", logging.Fields{"error": err.Error()})
	} else {
		log.Debug("logging to file", logging.Fields{"path": path})
	}

	var trained *tune.Result
	g := guard.New(r.Simulators, simCfg, log)
	err = g.Run(ctx, func(ctx context.Context) error {
		if err := r.Backend.Init(ctx, r.BackendOptions); err != nil {
			return err
		}
		g.Register("backend", r.Backend.Shutdown)

		runCfg := cfg
		if simCfg.LaunchServer {
			servers, err := g.Start(ctx, simCfg)
			if err != nil {
				return err
			}
			if runCfg, err = simulator.WithPorts(cfg, servers); err != nil {
				return err
			}
		}

		if r.Dashboard != nil {
			h, err := r.Dashboard(ctx)
			if err != nil {
				log.Warn("dashboard not started", logging.Fields{"error": err.Error()})
			} else {
				g.Track(h)
			}
		}

		trainable, handle, err := r.NewTrainable(ctx, r.BackendOptions.Env())
		if handle != nil {
			g.Track(handle)
		}
		if err != nil {
			return fmt.Errorf("failed to create trainable: %w", err)
		}

		trained, err = r.Framework.Run(ctx, tune.Experiment{
			Name:            id.Name,
			LocalDir:        id.Directory,
			Trainable:       trainable,
			Config:          runCfg,
			Stop:            stop,
			CheckpointFreq:  1,
			CheckpointAtEnd: true,
			KeepCheckpoints: r.KeepCheckpoints,
			RestoreFrom:     d.ResumeFrom,
			MaxIterations:   r.MaxIterations,
		})
		return err
	})
	timing.Complete()

	result = report.NewRunResult(id.Name, status(ctx, err, trained), timing.StartedAt, timing.CompletedAt)
	result.SetRestoredFrom(d.ResumeFrom)
	if trained != nil {
		result.SetTraining(trained.TrialDir, trained.Iterations, trained.LastCheckpoint, trained.LastMetrics)
		result.SetStopReason(trained.StopReason)
	}
	if result.Status == report.StatusFailed {
		result.SetError(err)
	}

	result.LogSummary(log)
	if _, werr := result.WriteFile(id.Path()); werr != nil {
		log.Warn("failed to write run summary", logging.Fields{"error": werr.Error()})
	}
	if r.Metrics != nil {
		r.Metrics.RecordResult(result)
	}
	return result, err
}

func status(ctx context.Context, err error, trained *tune.Result) report.Status {
	switch {
	case err == nil && trained != nil && trained.Stopped():
		return report.StatusStopped
	case err == nil:
		return report.StatusCompleted
	case shutdown.Interrupted(ctx) || errors.Is(err, context.Canceled):
		return report.StatusInterrupted
	default:
		return report.StatusFailed
	}
}
