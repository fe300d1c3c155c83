package debugger

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/psantana5/carlarl/internal/environment"
	"github.com/psantana5/carlarl/pkg/logging"
)

// TimingSink logs elapsed time and observation size. Lines are throttled to
// perSecond; the final (done) step is always logged. Totals cover every
// step, logged or not.
type TimingSink struct {
	log     *logging.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	steps    int
	total    time.Duration
	slowest  time.Duration
	obsBytes int
}

// NewTimingSink creates a timing sink. perSecond <= 0 disables throttling.
func NewTimingSink(log *logging.Logger, perSecond float64) *TimingSink {
	if log == nil {
		log = logging.Nop()
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &TimingSink{
		log:     log.Component("debugger"),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Record implements RecordSink.
func (s *TimingSink) Record(ctx context.Context, rec StepRecord) error {
	s.mu.Lock()
	s.steps++
	s.total += rec.Elapsed
	if rec.Elapsed > s.slowest {
		s.slowest = rec.Elapsed
	}
	s.obsBytes = rec.Observation.Bytes()
	s.mu.Unlock()

	if rec.Done || s.limiter.Allow() {
		s.log.Info("step", logging.Fields{
			"step":       rec.Index,
			"action":     rec.Action,
			"reward":     rec.Reward,
			"done":       rec.Done,
			"elapsed_ms": float64(rec.Elapsed.Microseconds()) / 1000,
			"obs_bytes":  rec.Observation.Bytes(),
		})
	}
	return nil
}

// Summary returns steps seen, mean and max step time, and the size of the
// last observation.
func (s *TimingSink) Summary() (steps int, mean, slowest time.Duration, obsBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps > 0 {
		mean = s.total / time.Duration(s.steps)
	}
	return s.steps, mean, s.slowest, s.obsBytes
}

// FrameSink writes each observation to Dir/obs_<i>.png.
type FrameSink struct {
	Dir string
}

// NewFrameSink creates dir if needed.
func NewFrameSink(dir string) (*FrameSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}
	return &FrameSink{Dir: dir}, nil
}

// FramePath returns where step i is written.
func (s *FrameSink) FramePath(i int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("obs_%d.png", i))
}

// Record implements RecordSink.
func (s *FrameSink) Record(ctx context.Context, rec StepRecord) error {
	img, err := ToImage(rec.Observation)
	if err != nil {
		return err
	}

	f, err := os.Create(s.FramePath(rec.Index))
	if err != nil {
		return fmt.Errorf("failed to create frame: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	return f.Close()
}

// ToImage converts an observation to an image. (H, W) and (H, W, 1) are
// grayscale, (H, W, 3) is RGB and (H, W, 4) is RGBA. Any other channel
// count (stacked frames) renders the first channel.
func ToImage(obs environment.Observation) (image.Image, error) {
	if err := obs.Validate(); err != nil {
		return nil, err
	}
	if len(obs.Shape) < 2 || len(obs.Shape) > 3 {
		return nil, fmt.Errorf("cannot render observation of shape %v", obs.Shape)
	}

	h, w, c := obs.Shape[0], obs.Shape[1], 1
	if len(obs.Shape) == 3 {
		c = obs.Shape[2]
	}
	rect := image.Rect(0, 0, w, h)

	switch c {
	case 3, 4:
		img := image.NewNRGBA(rect)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p := obs.Data[(y*w+x)*c:]
				a := uint8(255)
				if c == 4 {
					a = p[3]
				}
				img.SetNRGBA(x, y, color.NRGBA{R: p[0], G: p[1], B: p[2], A: a})
			}
		}
		return img, nil
	default:
		img := image.NewGray(rect)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetGray(x, y, color.Gray{Y: obs.Data[(y*w+x)*c]})
			}
		}
		return img, nil
	}
}

// MetricsSink records step latency, rewards and observation size.
type MetricsSink struct {
	latency  prometheus.Histogram
	steps    prometheus.Counter
	episodes prometheus.Counter
	reward   prometheus.Counter
	obsBytes prometheus.Gauge
}

// NewMetricsSink creates the debug metrics and registers them with reg.
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	s := &MetricsSink{
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carlarl_debug_step_seconds",
			Help:    "Environment step latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carlarl_debug_steps_total",
			Help: "Environment steps taken",
		}),
		episodes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carlarl_debug_episodes_total",
			Help: "Episodes that reached done",
		}),
		reward: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carlarl_debug_reward_total",
			Help: "Sum of positive rewards observed",
		}),
		obsBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carlarl_debug_observation_bytes",
			Help: "Size of the last observation",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.latency, s.steps, s.episodes, s.reward, s.obsBytes)
	}
	return s
}

// Record implements RecordSink.
func (s *MetricsSink) Record(ctx context.Context, rec StepRecord) error {
	s.latency.Observe(rec.Elapsed.Seconds())
	s.steps.Inc()
	if rec.Reward > 0 {
		s.reward.Add(rec.Reward)
	}
	if rec.Done {
		s.episodes.Inc()
	}
	s.obsBytes.Set(float64(rec.Observation.Bytes()))
	return nil
}

// MultiSink fans a record out to every sink. All sinks see the record even
// if one fails.
type MultiSink []RecordSink

// Record implements RecordSink.
func (m MultiSink) Record(ctx context.Context, rec StepRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
