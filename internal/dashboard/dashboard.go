// Package dashboard launches TensorBoard over the run directory and serves
// the process's Prometheus metrics.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/carlarl/pkg/logging"
	"github.com/psantana5/carlarl/pkg/procgroup"
	"github.com/psantana5/carlarl/pkg/tracing"
)

// Options configure the dashboard.
type Options struct {
	LogDir string
	// Host TensorBoard binds to: "localhost", or "0.0.0.0" to expose it.
	Host string
	Port int
	// Command is the TensorBoard executable; empty skips it.
	Command string
	// MetricsAddr is where /metrics and /healthz are served; empty skips it.
	MetricsAddr string
	Gatherer    prometheus.Gatherer
}

// DefaultOptions serve TensorBoard on localhost:6006.
func DefaultOptions(logDir string) Options {
	return Options{
		LogDir:   logDir,
		Host:     "localhost",
		Port:     6006,
		Command:  "tensorboard",
		Gatherer: prometheus.DefaultGatherer,
	}
}

// Dashboard is the running TensorBoard process and metrics server.
type Dashboard struct {
	proc     *procgroup.Process
	server   *http.Server
	listener net.Listener
	log      *logging.Logger

	once    sync.Once
	termErr error
}

// Launch starts whatever opts enable.
func Launch(ctx context.Context, opts Options, log *logging.Logger) (*Dashboard, error) {
	if log == nil {
		log = logging.Nop()
	}
	d := &Dashboard{log: log.Component("dashboard")}

	if opts.MetricsAddr != "" {
		if err := d.serve(opts); err != nil {
			return nil, err
		}
	}

	if opts.Command != "" {
		cmd := exec.Command(opts.Command,
			"--logdir", opts.LogDir,
			"--host", opts.Host,
			"--port", strconv.Itoa(opts.Port),
		)
		proc, err := procgroup.Start(cmd, 5*time.Second)
		if err != nil {
			d.Terminate()
			return nil, fmt.Errorf("failed to launch %s: %w", opts.Command, err)
		}
		d.proc = proc
		d.log.Info("tensorboard started", logging.Fields{
			"pid": proc.PID(),
			"url": fmt.Sprintf("http://%s:%d", opts.Host, opts.Port),
		})
	}
	return d, nil
}

func (d *Dashboard) serve(opts Options) error {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	l, err := net.Listen("tcp", opts.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", opts.MetricsAddr, err)
	}
	d.listener = l
	d.server = &http.Server{
		Handler:      NewRouter(gatherer),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := d.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("metrics server error", logging.Fields{"error": err.Error()})
		}
	}()
	d.log.Info("metrics server listening", logging.Fields{"addr": l.Addr().String()})
	return nil
}

// NewRouter exposes /metrics from gatherer and a /healthz probe.
func NewRouter(gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	router.Use(tracing.Routes(tracing.Tracer("carlarl/dashboard")))
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods("GET")
	return router
}

// MetricsAddr returns the bound metrics address, or "" when not serving.
func (d *Dashboard) MetricsAddr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// PID returns the TensorBoard process id, or 0 when it was not launched.
func (d *Dashboard) PID() int {
	if d.proc == nil {
		return 0
	}
	return d.proc.PID()
}

// Terminate stops the metrics server and TensorBoard. Safe to call more
// than once.
func (d *Dashboard) Terminate() error {
	d.once.Do(func() {
		var errs []error
		if d.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("metrics server: %w", err))
			}
			cancel()
		}
		if d.proc != nil {
			if err := d.proc.Terminate(); err != nil {
				errs = append(errs, fmt.Errorf("tensorboard: %w", err))
			}
		}
		d.termErr = errors.Join(errs...)
	})
	return d.termErr
}
