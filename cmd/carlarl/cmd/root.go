package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/carlarl/internal/settings"
	"github.com/psantana5/carlarl/pkg/logging"
	"github.com/psantana5/carlarl/pkg/tracing"
)

// Version is stamped at build time.
var Version = "dev"

// RootOptions holds the global flags and what initConfig derives from them.
type RootOptions struct {
	ConfigFile     string
	LogLevel       string
	LogJSON        bool
	CarlaRoot      string
	VisibleDevices string
	OTLPEndpoint   string

	// DotEnv is read for defaults before the environment; missing is fine.
	DotEnv string

	Env settings.Environment
	Log *logging.Logger
}

// NewRootCommand creates the carlarl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{DotEnv: ".env"}

	cmd := &cobra.Command{
		Use:   "carlarl",
		Short: "Train and debug reinforcement learning agents in CARLA",
		Long: `carlarl launches CARLA simulator servers, drives a training or debugging
session against them and guarantees every process it started is gone when
it exits.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "settings file (default is $HOME/.carlarl/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level: debug, info, warn or error")
	cmd.PersistentFlags().BoolVar(&opts.LogJSON, "log-json", false, "log in JSON")
	cmd.PersistentFlags().StringVar(&opts.CarlaRoot, "carla-root", "", "CARLA installation directory (env CARLA_ROOT)")
	cmd.PersistentFlags().StringVar(&opts.VisibleDevices, "visible-devices", "", "GPUs visible to child processes (env CUDA_VISIBLE_DEVICES)")
	cmd.PersistentFlags().StringVar(&opts.OTLPEndpoint, "otlp-endpoint", "", "OTLP HTTP collector host:port for traces")

	cmd.AddCommand(NewTrainCommand(opts))
	cmd.AddCommand(NewDebugCommand(opts))
	cmd.AddCommand(NewCheckpointsCommand(opts))

	return cmd
}

// initConfig resolves settings with the usual precedence: flags, then
// environment, then the settings file, then .env.
func initConfig(cmd *cobra.Command, opts *RootOptions) error {
	v := viper.New()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".carlarl"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CARLARL")
	v.AutomaticEnv()
	v.BindEnv("carla_root", settings.SimulatorRootVar)
	v.BindEnv("visible_devices", settings.VisibleDevicesVar)
	v.BindEnv("otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	if opts.DotEnv != "" {
		dotenv, err := godotenv.Read(opts.DotEnv)
		switch {
		case err == nil:
			for key, name := range map[string]string{
				"carla_root":      settings.SimulatorRootVar,
				"visible_devices": settings.VisibleDevicesVar,
			} {
				if val, ok := dotenv[name]; ok {
					v.SetDefault(key, val)
				}
			}
		case !errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("failed to read %s: %w", opts.DotEnv, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read settings: %w", err)
		}
	}

	flags := cmd.Flags()
	v.BindPFlag("carla_root", flags.Lookup("carla-root"))
	v.BindPFlag("visible_devices", flags.Lookup("visible-devices"))
	v.BindPFlag("otlp_endpoint", flags.Lookup("otlp-endpoint"))
	v.BindPFlag("log_level", flags.Lookup("log-level"))
	v.BindPFlag("log_json", flags.Lookup("log-json"))

	var env settings.Environment
	if err := v.Unmarshal(&env); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := env.Validate(); err != nil {
		return err
	}
	opts.Env = env
	opts.CarlaRoot = env.SimulatorRoot
	opts.VisibleDevices = env.VisibleDevices
	opts.OTLPEndpoint = v.GetString("otlp_endpoint")
	opts.LogLevel = v.GetString("log_level")
	opts.LogJSON = v.GetBool("log_json")

	opts.Log = logging.NewLogger(logging.ParseLevel(opts.LogLevel), opts.LogJSON)
	opts.Log.SetOutput(cmd.ErrOrStderr())
	return nil
}

// startTracing initializes the tracer provider and returns its flush.
func (o *RootOptions) startTracing(ctx context.Context) (func(), error) {
	provider, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    "carlarl",
		ServiceVersion: Version,
		OTLPEndpoint:   o.OTLPEndpoint,
	})
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			o.Log.Warn("failed to flush traces", logging.Fields{"error": err.Error()})
		}
	}, nil
}
