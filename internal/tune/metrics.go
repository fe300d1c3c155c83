package tune

import (
	"fmt"
	"sort"
	"strings"

	"github.com/psantana5/carlarl/pkg/resources"
)

// Well-known metric keys.
const (
	TrainingIteration = "training_iteration"
	EpisodeRewardMean = "episode_reward_mean"
	TimeThisIterS     = "time_this_iter_s"
	TimeTotalS        = "time_total_s"
	Timestamp         = "timestamp"
)

// Metrics is the flat result of one training iteration.
type Metrics map[string]float64

// Clone returns a copy of m.
func (m Metrics) Clone() Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge copies every key of other into m, overwriting.
func (m Metrics) Merge(other map[string]float64) {
	for k, v := range other {
		m[k] = v
	}
}

// Keys returns the metric names in sorted order.
func (m Metrics) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StopCondition decides from an iteration's metrics whether training
// should end. It returns a human-readable reason when it fires.
type StopCondition func(m Metrics) (reason string, stop bool)

// MetricAbove stops once metric exceeds threshold.
func MetricAbove(metric string, threshold float64) StopCondition {
	return func(m Metrics) (string, bool) {
		v, ok := m[metric]
		if !ok || v <= threshold {
			return "", false
		}
		return fmt.Sprintf("%s %.1f > %g", metric, v, threshold), true
	}
}

// RAMUtilAbove stops once host memory use exceeds percent.
func RAMUtilAbove(percent float64) StopCondition {
	return MetricAbove(resources.RAMUtilPercent, percent)
}

// MaxIterations stops after n iterations.
func MaxIterations(n int) StopCondition {
	return func(m Metrics) (string, bool) {
		if m[TrainingIteration] >= float64(n) {
			return fmt.Sprintf("%s reached %d", TrainingIteration, n), true
		}
		return "", false
	}
}

// AnyOf fires when any condition fires. Nil conditions are skipped.
func AnyOf(conds ...StopCondition) StopCondition {
	return func(m Metrics) (string, bool) {
		var reasons []string
		for _, c := range conds {
			if c == nil {
				continue
			}
			if reason, stop := c(m); stop {
				reasons = append(reasons, reason)
			}
		}
		if len(reasons) == 0 {
			return "", false
		}
		return strings.Join(reasons, "; "), true
	}
}

// Flatten keeps the numeric leaves of a decoded result. Nested mappings
// are joined with "/", so {"perf": {"cpu": 3}} becomes "perf/cpu". Bools
// map to 0 and 1; everything else is dropped.
func Flatten(raw map[string]interface{}) Metrics {
	out := Metrics{}
	flattenInto(out, "", raw)
	return out
}

func flattenInto(out Metrics, prefix string, raw map[string]interface{}) {
	for k, v := range raw {
		key := k
		if prefix != "" {
			key = prefix + "/" + k
		}
		switch val := v.(type) {
		case float64:
			out[key] = val
		case int:
			out[key] = float64(val)
		case bool:
			if val {
				out[key] = 1
			} else {
				out[key] = 0
			}
		case map[string]interface{}:
			flattenInto(out, key, val)
		}
	}
}
