package simulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/psantana5/carlarl/internal/settings"
	"github.com/psantana5/carlarl/pkg/logging"
	"github.com/psantana5/carlarl/pkg/procgroup"
	"github.com/psantana5/carlarl/pkg/retry"
)

// Manager is the simulator lifecycle collaborator.
type Manager interface {
	// StartServers launches cfg.NumServers servers. On error the servers
	// already running are still returned so the caller can release them.
	StartServers(ctx context.Context, cfg Config) ([]*Server, error)
	// KillAll terminates every simulator process on the host. Idempotent.
	KillAll(ctx context.Context, cfg Config) error
}

// Process is the subset of a host process KillAll needs.
type Process interface {
	PID() int
	Name(ctx context.Context) (string, error)
	Kill(ctx context.Context) error
}

// ProcessLister enumerates host processes.
type ProcessLister func(ctx context.Context) ([]Process, error)

// ProcessManager starts servers as child processes and finds strays with
// gopsutil.
type ProcessManager struct {
	env   settings.Environment
	log   *logging.Logger
	ready retry.Config
	grace time.Duration
	list  ProcessLister
	// Command builds the server command. Defaults to exec.Command.
	Command func(name string, args ...string) *exec.Cmd
}

// NewProcessManager creates a manager launching servers from env.SimulatorRoot.
func NewProcessManager(env settings.Environment, log *logging.Logger) *ProcessManager {
	if log == nil {
		log = logging.Nop()
	}
	return &ProcessManager{
		env:     env,
		log:     log.Component("simulator"),
		ready:   retry.DefaultConfig(),
		grace:   10 * time.Second,
		list:    HostProcesses,
		Command: exec.Command,
	}
}

// WithReadiness overrides the backoff used while waiting for the RPC port.
func (m *ProcessManager) WithReadiness(cfg retry.Config) *ProcessManager {
	m.ready = cfg
	return m
}

// WithLister overrides how host processes are enumerated.
func (m *ProcessManager) WithLister(list ProcessLister) *ProcessManager {
	m.list = list
	return m
}

// StartServers implements Manager.
func (m *ProcessManager) StartServers(ctx context.Context, cfg Config) ([]*Server, error) {
	if !cfg.LaunchServer || cfg.NumServers == 0 {
		m.log.Info("not launching simulator servers", logging.Fields{"host": cfg.Host})
		return nil, nil
	}

	executable := cfg.Executable
	if !filepath.IsAbs(executable) {
		if m.env.SimulatorRoot == "" {
			return nil, fmt.Errorf("simulator root is not set (use --carla-root or %s)", settings.SimulatorRootVar)
		}
		executable = filepath.Join(m.env.SimulatorRoot, executable)
	}

	servers := make([]*Server, 0, cfg.NumServers)
	port := cfg.Port
	for i := 0; i < cfg.NumServers; i++ {
		if cfg.Port == 0 || i > 0 {
			free, err := freePortPair(port)
			if err != nil {
				return servers, err
			}
			port = free
		}

		server, err := m.startOne(ctx, executable, cfg, port)
		if server != nil {
			servers = append(servers, server)
		}
		if err != nil {
			return servers, err
		}
		port += 2
	}
	return servers, nil
}

func (m *ProcessManager) startOne(ctx context.Context, executable string, cfg Config, port int) (*Server, error) {
	args := serverArgs(cfg, port)
	cmd := m.Command(executable, args...)
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, m.env.Vars()...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	proc, err := procgroup.Start(cmd, m.grace)
	if err != nil {
		return nil, fmt.Errorf("failed to start simulator %s: %w", executable, err)
	}

	server := &Server{Host: cfg.Host, Port: port, Process: proc}
	m.log.Info("simulator server started", logging.Fields{"pid": server.PID(), "port": port})

	if err := m.waitReady(ctx, server); err != nil {
		return server, fmt.Errorf("simulator server on port %d did not become ready: %w", port, err)
	}
	return server, nil
}

func (m *ProcessManager) waitReady(ctx context.Context, s *Server) error {
	return retry.Do(ctx, m.ready, func() error {
		if s.Exited() {
			return retry.Permanent(fmt.Errorf("server process %s", s.Exit()))
		}
		conn, err := net.DialTimeout("tcp", s.Address(), time.Second)
		if err != nil {
			if retry.IsRetryable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		return conn.Close()
	})
}

// serverArgs builds the CarlaUE4.sh command line.
func serverArgs(cfg Config, port int) []string {
	args := []string{
		"-windowed",
		"-ResX=" + strconv.Itoa(cfg.ResolutionX),
		"-ResY=" + strconv.Itoa(cfg.ResolutionY),
		"--carla-rpc-port=" + strconv.Itoa(port),
		"-quality-level=" + cfg.QualityLevel,
	}
	if !cfg.ShowDisplay {
		args = append(args, "-RenderOffScreen")
	}
	return args
}

// KillAll implements Manager. Processes that vanish mid-scan are ignored.
func (m *ProcessManager) KillAll(ctx context.Context, cfg Config) error {
	procs, err := m.list(ctx)
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}

	pattern := strings.ToLower(cfg.ProcessPattern)
	self := os.Getpid()
	var errs []error
	killed := 0
	for _, p := range procs {
		if p.PID() == self {
			continue
		}
		name, err := p.Name(ctx)
		if err != nil || !strings.Contains(strings.ToLower(name), pattern) {
			continue
		}
		if err := p.Kill(ctx); err != nil && !procgroup.IsGone(err) && !errors.Is(err, process.ErrorProcessNotRunning) {
			errs = append(errs, fmt.Errorf("kill %s (pid %d): %w", name, p.PID(), err))
			continue
		}
		killed++
	}

	if killed > 0 {
		m.log.Info("killed simulator processes", logging.Fields{"count": killed, "pattern": cfg.ProcessPattern})
	}
	return errors.Join(errs...)
}

// freePortPair finds P such that P and P+1 are both free. CARLA uses the
// second port for sensor streaming. Search starts just above start.
func freePortPair(start int) (int, error) {
	if start == 0 {
		start = 2000
	}
	for port := start; port < 65534; port += 2 {
		if portFree(port) && portFree(port+1) {
			return port, nil
		}
	}
	return 0, errors.New("no free port pair available")
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

type hostProcess struct {
	p *process.Process
}

func (h hostProcess) PID() int { return int(h.p.Pid) }

func (h hostProcess) Name(ctx context.Context) (string, error) {
	return h.p.NameWithContext(ctx)
}

func (h hostProcess) Kill(ctx context.Context) error {
	return h.p.KillWithContext(ctx)
}

// HostProcesses lists the processes on this host.
func HostProcesses(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		out = append(out, hostProcess{p: p})
	}
	return out, nil
}
