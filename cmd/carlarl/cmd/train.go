package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/psantana5/carlarl/internal/backend"
	"github.com/psantana5/carlarl/internal/bridge"
	"github.com/psantana5/carlarl/internal/dashboard"
	"github.com/psantana5/carlarl/internal/guard"
	"github.com/psantana5/carlarl/internal/report"
	"github.com/psantana5/carlarl/internal/simulator"
	"github.com/psantana5/carlarl/internal/trainer"
	"github.com/psantana5/carlarl/internal/tune"
	"github.com/psantana5/carlarl/pkg/checkpoint"
	"github.com/psantana5/carlarl/pkg/config"
	"github.com/psantana5/carlarl/pkg/logging"
	"github.com/psantana5/carlarl/pkg/resources"
)

// ExperimentTypePath selects the experiment implementation inside a run document.
const ExperimentTypePath = config.ExperimentPath + ".type"

// TrainOptions holds flags for the train command.
type TrainOptions struct {
	Directory string
	Name      string
	Restore   bool
	Overwrite bool
	// TBOff disables TensorBoard.
	TBOff bool
	// Auto exposes TensorBoard and joins an existing backend.
	Auto      bool
	LocalMode bool
	NumGPUs   int

	Experiment string
	Sets       []string

	TrainerCommand string
	BackendStart   string
	BackendStop    string

	StopRAMPercent  float64
	MaxIterations   int
	KeepCheckpoints int
	MetricsPort     int
	TensorBoard     string
}

// NewTrainCommand creates the train command.
func NewTrainCommand(root *RootOptions) *cobra.Command {
	opts := &TrainOptions{}

	cmd := &cobra.Command{
		Use:   "train <configuration_file>",
		Short: "Train an agent on a run configuration",
		Long: `Train loads the YAML run configuration, decides whether to resume from the
latest checkpoint, launches the simulator servers and runs the training loop
until the stop condition fires. Every launched process is stopped on exit.`,
		Example: `  # Fresh run
  carlarl train dqn_example/dqn_config.yaml --trainer-command "python3 -m carla_worker"

  # Resume the latest checkpoint of the same run
  carlarl train dqn_example/dqn_config.yaml --restore --trainer-command "python3 -m carla_worker"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, root, opts, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Directory, "directory", "d", "./ray_results/carla_rllib", "directory holding runs")
	f.StringVarP(&opts.Name, "name", "n", "dqn_example", "run name, a subdirectory of --directory")
	f.BoolVar(&opts.Restore, "restore", false, "resume from the latest checkpoint of the run")
	f.BoolVar(&opts.Overwrite, "overwrite", false, "delete the existing run before starting")
	f.BoolVar(&opts.TBOff, "tboff", false, "do not start TensorBoard")
	f.BoolVar(&opts.Auto, "auto", false, "join a running backend and expose TensorBoard on all interfaces")
	f.BoolVar(&opts.LocalMode, "local_mode", false, "run the backend in local (single process) mode")
	f.IntVar(&opts.NumGPUs, "num-gpus", 0, "GPUs handed to a started backend")
	f.StringVar(&opts.Experiment, "experiment", "dqn", "experiment type written to "+ExperimentTypePath)
	f.StringArrayVar(&opts.Sets, "set", nil, "override a configuration value, dotted.key=value (repeatable)")
	f.StringVar(&opts.TrainerCommand, "trainer-command", "", "command starting the training worker")
	f.StringVar(&opts.BackendStart, "backend-start", "", "command starting the backend cluster")
	f.StringVar(&opts.BackendStop, "backend-stop", "", "command stopping the backend cluster")
	f.Float64Var(&opts.StopRAMPercent, "stop-ram-percent", trainer.DefaultRAMPercent, "stop when host memory use exceeds this percentage")
	f.IntVar(&opts.MaxIterations, "max-iterations", 0, "stop after this many iterations (0 is unbounded)")
	f.IntVar(&opts.KeepCheckpoints, "keep-checkpoints", 0, "checkpoints retained per trial (0 keeps all)")
	f.IntVar(&opts.MetricsPort, "metrics-port", 0, "serve /metrics and /healthz on this port (0 disables)")
	f.StringVar(&opts.TensorBoard, "tensorboard", "tensorboard", "TensorBoard executable")

	return cmd
}

func runTrain(cmd *cobra.Command, root *RootOptions, opts *TrainOptions, configFile string) error {
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

	cfg, err := resolveConfig(configFile, config.Tree{ExperimentTypePath: opts.Experiment}, opts.Sets)
	if err != nil {
		return err
	}

	id := checkpoint.RunIdentity{Name: opts.Name, Directory: opts.Directory}
	if err := id.Validate(); err != nil {
		return err
	}
	decision, err := checkpoint.NewPolicy().Decide(id, opts.Restore, opts.Overwrite)
	if err != nil {
		return err
	}
	log.Info("checkpoint decision", logging.Fields{"run": id.Path(), "decision": decision.String()})

	if opts.TrainerCommand == "" {
		return errors.New("no training worker configured: pass --trainer-command")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	backendOpts := backend.Options{LocalMode: opts.LocalMode, NumGPUs: opts.NumGPUs}
	if opts.Auto {
		backendOpts.Address = backend.AutoAddress
	}
	var be backend.Backend = backend.InProcess{}
	if opts.BackendStart != "" {
		be = backend.NewCommandBackend(opts.BackendStart, opts.BackendStop, root.Env.Vars(), log)
	}

	runner := &trainer.Runner{
		Backend:         be,
		BackendOptions:  backendOpts,
		Simulators:      simulator.NewProcessManager(root.Env, log),
		Framework:       tune.NewLoop(resources.NewHostSampler(), log, reg),
		NewTrainable:    trainableFactory(root, opts, log),
		Dashboard:       dashboardLauncher(opts, id.Path(), reg, log),
		Metrics:         report.NewMetrics(reg),
		MaxIterations:   opts.MaxIterations,
		KeepCheckpoints: opts.KeepCheckpoints,
		Log:             log,
	}

	result, err := runner.Run(ctx, cfg, id, decision, tune.RAMUtilAbove(opts.StopRAMPercent))
	if result != nil {
		fmt.Fprintln(cmd.OutOrStdout(), result.Summary())
	}
	return err
}

// resolveConfig loads a run document and applies defaults then --set
// expressions, the latter winning.
func resolveConfig(path string, defaults config.Tree, sets []string) (*config.Effective, error) {
	base, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	overrides, err := config.ParseOverrides(sets)
	if err != nil {
		return nil, err
	}
	return config.Resolve(base, config.Merge(config.Expand(defaults), config.Expand(overrides)))
}

// splitCommand turns a command line into a bridge command.
func splitCommand(line string, env []string) (bridge.Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return bridge.Command{}, errors.New("empty command")
	}
	return bridge.Command{Path: fields[0], Args: fields[1:], Env: env}, nil
}

func trainableFactory(root *RootOptions, opts *TrainOptions, log *logging.Logger) trainer.TrainableFactory {
	return func(ctx context.Context, env []string) (tune.Trainable, guard.Handle, error) {
		command, err := splitCommand(opts.TrainerCommand, append(root.Env.Vars(), env...))
		if err != nil {
			return nil, nil, err
		}
		client, err := bridge.Start(ctx, command, log.WithField("worker", "trainer"))
		if err != nil {
			return nil, nil, err
		}
		return tune.NewRemoteTrainable(strings.ToUpper(opts.Experiment), client), client, nil
	}
}

func dashboardLauncher(opts *TrainOptions, logDir string, reg *prometheus.Registry, log *logging.Logger) trainer.DashboardLauncher {
	if opts.TBOff && opts.MetricsPort == 0 {
		return nil
	}
	return func(ctx context.Context) (guard.Handle, error) {
		return dashboard.Launch(ctx, dashboardOptions(opts, logDir, reg), log)
	}
}

// dashboardOptions points TensorBoard at a single run directory.
func dashboardOptions(opts *TrainOptions, logDir string, reg *prometheus.Registry) dashboard.Options {
	dopts := dashboard.DefaultOptions(logDir)
	dopts.Command = opts.TensorBoard
	dopts.Gatherer = reg
	if opts.TBOff {
		dopts.Command = ""
	}
	if opts.Auto {
		dopts.Host = "0.0.0.0"
	}
	if opts.MetricsPort > 0 {
		dopts.MetricsAddr = fmt.Sprintf(":%d", opts.MetricsPort)
	}
	return dopts
}
