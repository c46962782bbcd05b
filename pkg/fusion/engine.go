// Package fusion combines parallel source results into a single answer with
// a confidence score. The algorithm is picked by the request's dataType tag;
// weights fold source reliability, latency, timeliness, and priority.
package fusion

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/models"
	"github.com/openwatt/datamesh/pkg/observability"
)

// Algorithm identifies a fusion strategy
type Algorithm string

// Fusion algorithms
const (
	AlgorithmWeightedAverage  Algorithm = "weighted_average"
	AlgorithmMajorityVote     Algorithm = "majority_vote"
	AlgorithmTemporal         Algorithm = "temporal"
	AlgorithmQualitySelection Algorithm = "quality_selection"
	AlgorithmEnsemble         Algorithm = "ensemble"
)

// Result is the outcome of a fusion computation
type Result struct {
	Data        interface{} `json:"data"`
	Confidence  float64     `json:"confidence"`
	Algorithm   Algorithm   `json:"algorithm"`
	SourcesUsed []string    `json:"sources_used"`
	Warnings    []string    `json:"warnings"`
}

// Engine selects and runs fusion algorithms
type Engine struct {
	algorithms map[string]Algorithm

	logger  observability.Logger
	metrics observability.MetricsClient

	// now is swappable for tests (temporal decay)
	now func() time.Time
}

// NewEngine creates a fusion engine with an empty dataType registry
func NewEngine(logger observability.Logger, metrics observability.MetricsClient) *Engine {
	return &Engine{
		algorithms: make(map[string]Algorithm),
		logger:     logger.WithPrefix("fusion"),
		metrics:    metrics,
		now:        time.Now,
	}
}

// RegisterAlgorithm pins a dataType tag to an explicit algorithm
func (e *Engine) RegisterAlgorithm(dataType string, algorithm Algorithm) {
	e.algorithms[dataType] = algorithm
}

// Fuse combines successful contributions. Contribution order must not affect
// the output; callers pass them in completion order.
func (e *Engine) Fuse(req models.DataRequest, contributions []models.SourceContribution, configs map[string]models.SourceConfig) (*Result, error) {
	successful := make([]models.SourceContribution, 0, len(contributions))
	for _, c := range contributions {
		if c.Status == models.ContributionSuccess {
			successful = append(successful, c)
		}
	}
	if len(successful) == 0 {
		return nil, errors.FusionInfeasible("no successful contributions for data type %q", req.DataType)
	}

	// Recompute weights from registered configs so all algorithms see the
	// same weighting, then fix iteration order for determinism.
	for i := range successful {
		cfg, ok := configs[successful[i].SourceID]
		if ok {
			successful[i].Weight = ComputeWeight(successful[i], cfg)
		} else if successful[i].Weight == 0 {
			successful[i].Weight = 0.1
		}
	}
	sort.Slice(successful, func(i, j int) bool {
		return successful[i].SourceID < successful[j].SourceID
	})

	algorithm := e.selectAlgorithm(req.DataType, successful)
	result, err := e.run(algorithm, successful, configs)
	if err != nil {
		return nil, err
	}

	// A lone contribution cannot corroborate itself; cap confidence at the
	// source's registered quality.
	if len(successful) == 1 {
		if cfg, ok := configs[successful[0].SourceID]; ok {
			result.Confidence = math.Min(result.Confidence, cfg.Quality.Mean())
		}
	}

	result.Warnings = e.collectWarnings(req, successful, result)
	e.metrics.IncrementCounterWithLabels("fusion_operations_total", 1, map[string]string{
		"algorithm": string(result.Algorithm),
	})
	return result, nil
}

func (e *Engine) run(algorithm Algorithm, contributions []models.SourceContribution, configs map[string]models.SourceConfig) (*Result, error) {
	switch algorithm {
	case AlgorithmWeightedAverage:
		return e.weightedAverage(contributions)
	case AlgorithmMajorityVote:
		return e.majorityVote(contributions)
	case AlgorithmTemporal:
		return e.temporal(contributions)
	case AlgorithmEnsemble:
		return e.ensemble(contributions, configs)
	default:
		return e.qualitySelection(contributions, configs)
	}
}

// selectAlgorithm resolves a dataType tag: explicit registration first, then
// tag keywords, then the shape of the contributed values.
func (e *Engine) selectAlgorithm(dataType string, contributions []models.SourceContribution) Algorithm {
	if algorithm, ok := e.algorithms[dataType]; ok {
		return algorithm
	}
	tag := strings.ToLower(dataType)
	if tag == "ensemble" {
		return AlgorithmEnsemble
	}
	for _, kw := range []string{"series", "history", "hourly", "daily", "timeline"} {
		if strings.Contains(tag, kw) {
			return AlgorithmTemporal
		}
	}

	numeric, categorical := true, true
	for _, c := range contributions {
		if _, ok := toFloat(c.Data); !ok {
			numeric = false
		}
		switch c.Data.(type) {
		case string, bool:
		default:
			categorical = false
		}
	}
	if numeric {
		return AlgorithmWeightedAverage
	}
	if categorical {
		return AlgorithmMajorityVote
	}
	return AlgorithmQualitySelection
}

func (e *Engine) weightedAverage(contributions []models.SourceContribution) (*Result, error) {
	var weightedSum, totalWeight float64
	values := make([]float64, 0, len(contributions))
	for _, c := range contributions {
		v, ok := toFloat(c.Data)
		if !ok {
			return nil, errors.FusionInfeasible("source %s contributed a non-numeric value", c.SourceID)
		}
		values = append(values, v)
		weightedSum += v * c.Weight
		totalWeight += c.Weight
	}
	if totalWeight == 0 {
		return nil, errors.FusionInfeasible("total weight is zero")
	}
	fused := weightedSum / totalWeight
	if math.IsNaN(fused) || math.IsInf(fused, 0) {
		return nil, errors.FusionInfeasible("fused numerical result is not finite")
	}

	mean, stddev := meanStddev(values)
	agreement := 0.0
	if mean != 0 {
		agreement = math.Max(0, 1-stddev/math.Abs(mean))
	} else if stddev == 0 {
		agreement = 1
	}
	confidence := 0.3*math.Min(1, float64(len(contributions))/3) +
		0.4*averageWeight(contributions) +
		0.3*agreement

	return &Result{
		Data:        fused,
		Confidence:  clamp01(confidence),
		Algorithm:   AlgorithmWeightedAverage,
		SourcesUsed: sourceIDs(contributions),
	}, nil
}

func (e *Engine) majorityVote(contributions []models.SourceContribution) (*Result, error) {
	votes := make(map[string]float64)
	byKey := make(map[string]interface{})
	totalWeight := 0.0
	for _, c := range contributions {
		if c.Data == nil {
			return nil, errors.FusionInfeasible("source %s contributed a null categorical value", c.SourceID)
		}
		key := fmt.Sprintf("%v", c.Data)
		votes[key] += c.Weight
		byKey[key] = c.Data
		totalWeight += c.Weight
	}

	winner, maxVotes := "", -1.0
	keys := make([]string, 0, len(votes))
	for k := range votes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if votes[k] > maxVotes {
			winner, maxVotes = k, votes[k]
		}
	}

	return &Result{
		Data:        byKey[winner],
		Confidence:  clamp01(maxVotes / totalWeight),
		Algorithm:   AlgorithmMajorityVote,
		SourcesUsed: sourceIDs(contributions),
	}, nil
}

// temporal flattens time-series contributions into an unordered item set
// annotated with source and recency-decayed weight. Merging policy belongs
// to the caller.
func (e *Engine) temporal(contributions []models.SourceContribution) (*Result, error) {
	const halfLife = 24 * time.Hour
	now := e.now()

	var items []models.TemporalItem
	for _, c := range contributions {
		points, err := toTimePoints(c.Data)
		if err != nil {
			return nil, errors.FusionInfeasible("source %s: %v", c.SourceID, err)
		}
		if len(points) == 0 {
			return nil, errors.FusionInfeasible("source %s contributed an empty time series", c.SourceID)
		}
		for _, p := range points {
			age := now.Sub(p.Timestamp)
			decay := math.Exp2(-float64(age) / float64(halfLife))
			if age < 0 {
				decay = 1
			}
			items = append(items, models.TemporalItem{
				SourceID:  c.SourceID,
				Weight:    clampWeight(c.Weight * decay),
				Timestamp: p.Timestamp,
				Value:     p.Value,
			})
		}
	}

	confidence := 0.7*averageWeight(contributions) +
		0.3*math.Min(1, float64(len(contributions))/5)
	return &Result{
		Data:        items,
		Confidence:  clamp01(confidence),
		Algorithm:   AlgorithmTemporal,
		SourcesUsed: sourceIDs(contributions),
	}, nil
}

func (e *Engine) qualitySelection(contributions []models.SourceContribution, configs map[string]models.SourceConfig) (*Result, error) {
	best := -1
	bestQuality := -1.0
	for i, c := range contributions {
		quality := c.Confidence
		if cfg, ok := configs[c.SourceID]; ok {
			quality = cfg.Quality.Mean()
		}
		if quality > bestQuality {
			best, bestQuality = i, quality
		}
	}
	chosen := contributions[best]
	if chosen.Data == nil {
		return nil, errors.FusionInfeasible("selected source %s contributed a null value", chosen.SourceID)
	}
	return &Result{
		Data:        chosen.Data,
		Confidence:  clamp01(bestQuality),
		Algorithm:   AlgorithmQualitySelection,
		SourcesUsed: []string{chosen.SourceID},
	}, nil
}

// ensemble composes the primary algorithms: numeric inputs take the
// confidence-weighted average of the numeric algorithms' outputs, anything
// else takes the highest-confidence pick.
func (e *Engine) ensemble(contributions []models.SourceContribution, configs map[string]models.SourceConfig) (*Result, error) {
	numeric := true
	for _, c := range contributions {
		if _, ok := toFloat(c.Data); !ok {
			numeric = false
			break
		}
	}

	if numeric {
		avg, err := e.weightedAverage(contributions)
		if err != nil {
			return nil, err
		}
		sel, err := e.qualitySelection(contributions, configs)
		if err != nil {
			return nil, err
		}
		selValue, _ := toFloat(sel.Data)
		avgValue := avg.Data.(float64)
		totalConf := avg.Confidence + sel.Confidence
		if totalConf == 0 {
			return nil, errors.FusionInfeasible("ensemble confidence collapsed to zero")
		}
		fused := (avgValue*avg.Confidence + selValue*sel.Confidence) / totalConf
		return &Result{
			Data:        fused,
			Confidence:  clamp01((avg.Confidence + sel.Confidence) / 2),
			Algorithm:   AlgorithmEnsemble,
			SourcesUsed: sourceIDs(contributions),
		}, nil
	}

	vote, voteErr := e.majorityVote(contributions)
	sel, selErr := e.qualitySelection(contributions, configs)
	switch {
	case voteErr != nil && selErr != nil:
		return nil, selErr
	case voteErr != nil:
		sel.Algorithm = AlgorithmEnsemble
		return sel, nil
	case selErr != nil || vote.Confidence >= sel.Confidence:
		vote.Algorithm = AlgorithmEnsemble
		return vote, nil
	default:
		sel.Algorithm = AlgorithmEnsemble
		return sel, nil
	}
}

func (e *Engine) collectWarnings(req models.DataRequest, contributions []models.SourceContribution, result *Result) []string {
	warnings := []string{}
	if req.Quality.MinConfidence > 0 && result.Confidence < req.Quality.MinConfidence {
		warnings = append(warnings, fmt.Sprintf("Confidence %.2f below requested minimum %.2f", result.Confidence, req.Quality.MinConfidence))
	}
	if len(contributions) == 1 {
		warnings = append(warnings, "Only one source contributed to fusion")
	}
	var totalLatency time.Duration
	for _, c := range contributions {
		totalLatency += c.Latency
	}
	if avg := totalLatency / time.Duration(len(contributions)); avg > 2*time.Second {
		warnings = append(warnings, fmt.Sprintf("High average source latency: %s", avg))
	}
	weights := make([]float64, len(contributions))
	for i, c := range contributions {
		weights[i] = c.Weight
	}
	if _, stddev := meanStddev(weights); stddev*stddev > 0.3 {
		warnings = append(warnings, "High variance across source weights")
	}
	return warnings
}
