package fusion

import (
	"fmt"
	"math"
	"time"

	"github.com/openwatt/datamesh/pkg/models"
)

// Weight bounds for a single contribution
const (
	MinWeight = 0.1
	MaxWeight = 1.0
)

// ComputeWeight scores one contribution from its source's registered config
// and its observed latency. Each factor shrinks the weight multiplicatively;
// the result is clamped to [MinWeight, MaxWeight].
func ComputeWeight(c models.SourceContribution, cfg models.SourceConfig) float64 {
	weight := 1.0
	weight *= 0.7 + 0.3*cfg.Quality.Reliability

	latencyMs := float64(c.Latency.Milliseconds())
	latencyFactor := 1 - latencyMs/5000
	if latencyFactor < 0 {
		latencyFactor = 0
	}
	weight *= 0.8 + 0.2*latencyFactor

	weight *= 0.8 + 0.2*cfg.Quality.Timeliness

	priority := cfg.Priority
	if priority < 1 {
		priority = 1
	}
	weight *= 0.7 + 0.3*math.Min(1, 1/float64(priority))

	return clampWeight(weight)
}

func clampWeight(w float64) float64 {
	return math.Max(MinWeight, math.Min(MaxWeight, w))
}

func averageWeight(contributions []models.SourceContribution) float64 {
	if len(contributions) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range contributions {
		sum += c.Weight
	}
	return sum / float64(len(contributions))
}

func sourceIDs(contributions []models.SourceContribution) []string {
	ids := make([]string, len(contributions))
	for i, c := range contributions {
		ids[i] = c.SourceID
	}
	return ids
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// toTimePoints normalizes a time-series payload. Adapters may return typed
// points or decoded JSON maps with timestamp/value keys.
func toTimePoints(v interface{}) ([]models.TimePoint, error) {
	switch series := v.(type) {
	case []models.TimePoint:
		return series, nil
	case []interface{}:
		points := make([]models.TimePoint, 0, len(series))
		for _, raw := range series {
			m, ok := raw.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("time series element is %T, not an object", raw)
			}
			ts, err := parseTimestamp(m["timestamp"])
			if err != nil {
				return nil, err
			}
			points = append(points, models.TimePoint{Timestamp: ts, Value: m["value"]})
		}
		return points, nil
	case nil:
		return nil, fmt.Errorf("time series payload is null")
	default:
		return nil, fmt.Errorf("unsupported time series payload %T", v)
	}
}

func parseTimestamp(v interface{}) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case string:
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return time.Time{}, fmt.Errorf("unparseable timestamp %q", ts)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("missing or unsupported timestamp %T", v)
	}
}

func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if len(values) < 2 {
		return mean, 0
	}
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
