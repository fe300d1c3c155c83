// Package backend starts and stops the distributed execution backend the
// training workers attach to.
package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/psantana5/carlarl/pkg/logging"
)

// AutoAddress attaches to an already running cluster.
const AutoAddress = "auto"

// Options configure backend startup.
type Options struct {
	// Address of an existing cluster; AutoAddress or empty.
	Address   string
	LocalMode bool
	NumGPUs   int
}

// Env returns the variables workers need to find the backend.
func (o Options) Env() []string {
	env := []string{"CARLARL_LOCAL_MODE=" + strconv.FormatBool(o.LocalMode)}
	if o.Address != "" {
		env = append(env, "RAY_ADDRESS="+o.Address)
	}
	return env
}

// Backend is the execution backend lifecycle.
type Backend interface {
	Init(ctx context.Context, opts Options) error
	Shutdown(ctx context.Context) error
}

// InProcess is a backend with nothing to start: workers run locally.
type InProcess struct{}

// Init implements Backend.
func (InProcess) Init(ctx context.Context, opts Options) error { return nil }

// Shutdown implements Backend.
func (InProcess) Shutdown(ctx context.Context) error { return nil }

// CommandBackend runs shell-style commands to bring a cluster up and down,
// e.g. "ray start --head" and "ray stop".
type CommandBackend struct {
	StartCommand []string
	StopCommand  []string
	// Env is appended to the current environment of both commands.
	Env []string

	log     *logging.Logger
	started bool
}

// NewCommandBackend parses start and stop into argv by whitespace.
func NewCommandBackend(start, stop string, env []string, log *logging.Logger) *CommandBackend {
	if log == nil {
		log = logging.Nop()
	}
	return &CommandBackend{
		StartCommand: strings.Fields(start),
		StopCommand:  strings.Fields(stop),
		Env:          env,
		log:          log.Component("backend"),
	}
}

// Init implements Backend. With AutoAddress nothing is started and
// Shutdown leaves the cluster alone.
func (b *CommandBackend) Init(ctx context.Context, opts Options) error {
	if opts.Address == AutoAddress {
		b.log.Info("attaching to existing cluster", logging.Fields{"address": opts.Address})
		return nil
	}
	if len(b.StartCommand) == 0 {
		return nil
	}

	args := append([]string(nil), b.StartCommand[1:]...)
	if opts.NumGPUs > 0 {
		args = append(args, "--num-gpus="+strconv.Itoa(opts.NumGPUs))
	}
	if err := b.run(ctx, b.StartCommand[0], args, opts.Env()); err != nil {
		return fmt.Errorf("failed to start backend: %w", err)
	}
	b.started = true
	b.log.Info("backend started", logging.Fields{"command": strings.Join(b.StartCommand, " "), "local_mode": opts.LocalMode})
	return nil
}

// Shutdown implements Backend. It only stops what Init started.
func (b *CommandBackend) Shutdown(ctx context.Context) error {
	if !b.started || len(b.StopCommand) == 0 {
		return nil
	}
	b.started = false
	if err := b.run(ctx, b.StopCommand[0], b.StopCommand[1:], nil); err != nil {
		return fmt.Errorf("failed to stop backend: %w", err)
	}
	b.log.Info("backend stopped")
	return nil
}

func (b *CommandBackend) run(ctx context.Context, name string, args, extraEnv []string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(append(os.Environ(), b.Env...), extraEnv...)
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		b.log.Debug(strings.TrimSpace(string(out)), logging.Fields{"command": name})
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
