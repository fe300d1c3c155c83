package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/psantana5/carlarl/internal/bridge"
	"github.com/psantana5/carlarl/internal/dashboard"
	"github.com/psantana5/carlarl/internal/debugger"
	"github.com/psantana5/carlarl/internal/environment"
	"github.com/psantana5/carlarl/internal/guard"
	"github.com/psantana5/carlarl/internal/observe"
	"github.com/psantana5/carlarl/internal/report"
	"github.com/psantana5/carlarl/internal/simulator"
	"github.com/psantana5/carlarl/pkg/config"
	"github.com/psantana5/carlarl/pkg/logging"
	"github.com/psantana5/carlarl/pkg/shutdown"
)

// DebugOptions holds flags for the debug command.
type DebugOptions struct {
	Steps      int
	Action     int
	Actions    []int
	FramesDir  string
	EnvCommand string
	Experiment string
	Sets       []string
	// LogRate throttles per-step log lines; 0 logs every step.
	LogRate     float64
	MetricsPort int
	SummaryDir  string
}

// debugDefaults preprocess observations the way a DQN agent would see them.
func debugDefaults(experiment string) config.Tree {
	return config.Tree{
		ExperimentTypePath: experiment,
		config.ExperimentPath + ".others.framestack": 3,
		config.ExperimentPath + ".others.normalize":  true,
		config.ExperimentPath + ".others.gray_scale": true,
	}
}

// NewDebugCommand creates the debug command.
func NewDebugCommand(root *RootOptions) *cobra.Command {
	opts := &DebugOptions{}

	cmd := &cobra.Command{
		Use:   "debug <configuration_file>",
		Short: "Step an environment with a fixed action and report timings",
		Long: `Debug builds the environment described by the run configuration and steps
it without a learner, logging how long each step takes and the size of the
observation. It stops at the first done or after --steps steps.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDebug(cmd, root, opts, args[0])
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.Steps, "steps", debugger.DefaultSteps, "maximum number of steps")
	f.IntVar(&opts.Action, "action", debugger.DefaultAction, "action taken on every step")
	f.IntSliceVar(&opts.Actions, "actions", nil, "cycle through these actions instead of --action")
	f.StringVar(&opts.FramesDir, "frames-dir", "", "write each observation as obs_<step>.png here")
	f.StringVar(&opts.EnvCommand, "env-command", "", "command starting the environment worker")
	f.StringVar(&opts.Experiment, "experiment", "dqn", "experiment type written to "+ExperimentTypePath)
	f.StringArrayVar(&opts.Sets, "set", nil, "override a configuration value, dotted.key=value (repeatable)")
	f.Float64Var(&opts.LogRate, "log-rate", 0, "maximum step log lines per second (0 logs every step)")
	f.IntVar(&opts.MetricsPort, "metrics-port", 0, "serve /metrics and /healthz on this port (0 disables)")
	f.StringVar(&opts.SummaryDir, "summary-dir", "", "write "+report.SummaryFile+" here")

	return cmd
}

func runDebug(cmd *cobra.Command, root *RootOptions, opts *DebugOptions, configFile string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := root.Log
	defer log.Close()

	flush, err := root.startTracing(ctx)
	if err != nil {
		return err
	}
	defer flush()

	if opts.Steps <= 0 {
		return fmt.Errorf("--steps must be positive, got %d", opts.Steps)
	}
	if opts.EnvCommand == "" {
		return errors.New("no environment worker configured: pass --env-command")
	}

	cfg, err := resolveConfig(configFile, debugDefaults(opts.Experiment), opts.Sets)
	if err != nil {
		return err
	}
	simCfg, err := simulator.LoadConfig(cfg)
	if err != nil {
		return err
	}

	policy := debugger.FixedAction(opts.Action)
	if len(opts.Actions) > 0 {
		policy = debugger.CycleActions(opts.Actions...)
	}

	reg := prometheus.NewRegistry()
	runMetrics := report.NewMetrics(reg)
	runMetrics.IncrStarted("debug")
	timing := debugger.NewTimingSink(log, opts.LogRate)
	sinks := debugger.MultiSink{timing, debugger.NewMetricsSink(reg)}
	if opts.FramesDir != "" {
		frames, err := debugger.NewFrameSink(opts.FramesDir)
		if err != nil {
			return err
		}
		sinks = append(sinks, frames)
	}

	clock := observe.NewTiming()
	var steps int
	g := guard.New(simulator.NewProcessManager(root.Env, log), simCfg, log)
	err = g.Run(ctx, func(ctx context.Context) error {
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

		if opts.MetricsPort > 0 {
			dopts := dashboard.Options{MetricsAddr: fmt.Sprintf(":%d", opts.MetricsPort), Gatherer: reg}
			d, err := dashboard.Launch(ctx, dopts, log)
			if err != nil {
				log.Warn("metrics server not started", logging.Fields{"error": err.Error()})
			} else {
				g.Track(d)
			}
		}

		command, err := splitCommand(opts.EnvCommand, root.Env.Vars())
		if err != nil {
			return err
		}
		client, err := bridge.Start(ctx, command, log.WithField("worker", "environment"))
		if err != nil {
			return err
		}
		g.Track(client)

		env, err := environment.NewRemote(ctx, client, runCfg)
		if err != nil {
			return err
		}
		defer env.Close()

		steps, err = debugger.StepLoop(ctx, env, policy, opts.Steps, sinks)
		return err
	})
	clock.Complete()

	taken, mean, slowest, obsBytes := timing.Summary()
	log.Info("debug session finished", logging.Fields{
		"steps":        steps,
		"mean_step":    mean.String(),
		"slowest_step": slowest.String(),
		"obs_bytes":    obsBytes,
	})

	result := report.NewRunResult("debug", debugStatus(ctx, err), clock.StartedAt, clock.CompletedAt)
	result.SetTraining("", taken, "", nil)
	if result.Status == report.StatusFailed {
		result.SetError(err)
	}
	runMetrics.RecordResult(result)
	fmt.Fprintln(cmd.OutOrStdout(), result.Summary())
	if opts.SummaryDir != "" {
		if _, werr := result.WriteFile(opts.SummaryDir); werr != nil {
			log.Warn("failed to write run summary", logging.Fields{"error": werr.Error()})
		}
	}
	return err
}

func debugStatus(ctx context.Context, err error) report.Status {
	switch {
	case err == nil:
		return report.StatusCompleted
	case shutdown.Interrupted(ctx) || errors.Is(err, context.Canceled):
		return report.StatusInterrupted
	default:
		return report.StatusFailed
	}
}
