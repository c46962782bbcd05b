package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/models"
	"github.com/openwatt/datamesh/pkg/reliability"
	"github.com/openwatt/datamesh/pkg/resilience"
	"github.com/openwatt/datamesh/pkg/retry"
)

// ExecuteRequest routes one data request according to its strategy. The
// request's MaxLatency bounds the whole execution including failover.
func (m *Manager) ExecuteRequest(ctx context.Context, req models.DataRequest) (*models.DataResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.Strategy == "" {
		req.Strategy = models.StrategyFailover
	}

	requestID := uuid.NewString()
	start := m.now()

	fingerprint := ""
	if m.store != nil && m.config.ResponseCacheTTL > 0 && !req.Quality.RequireFreshData {
		fingerprint = requestFingerprint(req)
		if cached := m.cachedResponse(ctx, fingerprint); cached != nil {
			cached.Metadata.RequestID = requestID
			cached.Metadata.CacheHit = true
			m.metrics.IncrementCounterWithLabels("requests_total", 1, map[string]string{
				"strategy": string(req.Strategy), "outcome": "cache_hit",
			})
			return cached, nil
		}
	}

	if req.Quality.MaxLatency > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Quality.MaxLatency)
		defer cancel()
	}

	candidates, warnings, err := m.selectCandidates(ctx, req)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, m.budgetWarnings(req, candidates)...)

	timer := m.metrics.StartTimer("request_duration", map[string]string{
		"strategy": string(req.Strategy),
	})
	defer timer()

	var resp *models.DataResponse
	switch req.Strategy {
	case models.StrategyPrimaryOnly:
		resp, err = m.executePrimaryOnly(ctx, req, candidates, warnings)
	case models.StrategyFusion:
		resp, err = m.executeFusion(ctx, req, candidates, warnings)
	default:
		resp, err = m.executeFailover(ctx, req, candidates, warnings)
	}
	if err != nil {
		m.metrics.IncrementCounterWithLabels("requests_total", 1, map[string]string{
			"strategy": string(req.Strategy), "outcome": errors.KindOf(err).String(),
		})
		return nil, err
	}

	resp.Metadata.Strategy = req.Strategy
	resp.Metadata.RequestID = requestID
	resp.Metadata.Latency = m.now().Sub(start)
	if fingerprint != "" {
		m.storeResponse(ctx, fingerprint, resp)
	}
	m.metrics.IncrementCounterWithLabels("requests_total", 1, map[string]string{
		"strategy": string(req.Strategy), "outcome": "ok",
	})
	return resp, nil
}

// requestFingerprint keys the response cache. json.Marshal sorts map keys, so
// equal parameter sets fingerprint identically.
func requestFingerprint(req models.DataRequest) string {
	payload, err := json.Marshal(struct {
		DataType   string                 `json:"data_type"`
		Parameters map[string]interface{} `json:"parameters"`
		Strategy   models.Strategy        `json:"strategy"`
		Sources    models.SourceSelection `json:"sources"`
	}{req.DataType, req.Parameters, req.Strategy, req.Sources})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (m *Manager) cachedResponse(ctx context.Context, fingerprint string) *models.DataResponse {
	payload, err := m.store.GetCachedResponse(ctx, fingerprint)
	if err != nil || len(payload) == 0 {
		return nil
	}
	var resp models.DataResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil
	}
	return &resp
}

func (m *Manager) storeResponse(ctx context.Context, fingerprint string, resp *models.DataResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := m.store.PutCachedResponse(ctx, fingerprint, payload, m.config.ResponseCacheTTL); err != nil {
		m.logger.Debug("Failed to cache response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func validateRequest(req models.DataRequest) error {
	if req.DataType == "" {
		return errors.Validation("data type is required")
	}
	switch req.Strategy {
	case "", models.StrategyPrimaryOnly, models.StrategyFailover, models.StrategyFusion:
	default:
		return errors.Validation("unknown strategy %q", req.Strategy)
	}
	if req.Quality.MinConfidence < 0 || req.Quality.MinConfidence > 1 {
		return errors.Validation("min confidence must be in [0,1]")
	}
	if req.Quality.MaxLatency < 0 {
		return errors.Validation("max latency must not be negative")
	}
	return nil
}

// selectCandidates resolves the eligible, ordered source set for a request.
// A required source that is unregistered or non-compliant fails the request;
// other ineligible sources are skipped with a warning.
func (m *Manager) selectCandidates(ctx context.Context, req models.DataRequest) ([]models.SourceConfig, []string, error) {
	m.mu.RLock()
	all := make(map[string]models.SourceConfig, len(m.configs))
	for id, cfg := range m.configs {
		all[id] = cfg
	}
	m.mu.RUnlock()

	excluded := make(map[string]bool, len(req.Sources.Excluded))
	for _, id := range req.Sources.Excluded {
		excluded[id] = true
	}

	var pool []models.SourceConfig
	if len(req.Sources.Required) > 0 {
		for _, id := range req.Sources.Required {
			if excluded[id] {
				return nil, nil, errors.Validation("source %s is both required and excluded", id)
			}
			cfg, ok := all[id]
			if !ok {
				return nil, nil, errors.UnknownSource(id)
			}
			if eligible, reasons := m.gate.Eligible(ctx, cfg); !eligible {
				return nil, nil, errors.ComplianceViolation(id, reasons)
			}
			pool = append(pool, cfg)
		}
	} else {
		for _, cfg := range all {
			if !excluded[cfg.ID] {
				pool = append(pool, cfg)
			}
		}
	}

	var warnings []string
	candidates := pool[:0]
	for _, cfg := range pool {
		if len(req.Sources.Required) == 0 {
			if eligible, _ := m.gate.Eligible(ctx, cfg); !eligible {
				warnings = append(warnings, fmt.Sprintf("Source %s skipped: compliance check failed", cfg.ID))
				continue
			}
		}
		if cfg.Retry.MaxAttempts <= 0 {
			return nil, nil, errors.Validation("source %s: retry max attempts must be at least 1", cfg.ID)
		}
		candidates = append(candidates, cfg)
	}
	if len(candidates) == 0 {
		return nil, nil, errors.Validation("no eligible sources for data type %q", req.DataType)
	}

	m.sortCandidates(candidates, req.Sources.Preferred)
	return candidates, warnings, nil
}

// sortCandidates orders sources: closed breakers first, then preferred, then
// priority, then user satisfaction.
func (m *Manager) sortCandidates(candidates []models.SourceConfig, preferred []string) {
	prefRank := make(map[string]int, len(preferred))
	for i, id := range preferred {
		prefRank[id] = i
	}
	rank := func(cfg models.SourceConfig) (int, int, int, float64) {
		open := 0
		if state, err := m.breaker.State(cfg.ID); err == nil && state == resilience.StateOpen {
			open = 1
		}
		pref, ok := prefRank[cfg.ID]
		if !ok {
			pref = len(preferred)
		}
		return open, pref, cfg.Priority, -m.tracker.UserSatisfaction(cfg.ID)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		oi, pi, ri, si := rank(candidates[i])
		oj, pj, rj, sj := rank(candidates[j])
		if oi != oj {
			return oi < oj
		}
		if pi != pj {
			return pi < pj
		}
		if ri != rj {
			return ri < rj
		}
		return si < sj
	})
}

// budgetWarnings is advisory only: a request over budget still runs
func (m *Manager) budgetWarnings(req models.DataRequest, candidates []models.SourceConfig) []string {
	if req.Budget == nil || req.Budget.MaxCost <= 0 {
		return nil
	}
	planned := candidates
	if req.Strategy != models.StrategyFusion {
		planned = candidates[:1]
	} else if len(planned) > m.config.MaxFusionSources {
		planned = planned[:m.config.MaxFusionSources]
	}
	cost := 0.0
	for _, cfg := range planned {
		cost += cfg.CostPerCall
	}
	if cost > req.Budget.MaxCost {
		return []string{fmt.Sprintf("Estimated cost %.4f exceeds budget %.4f", cost, req.Budget.MaxCost)}
	}
	return nil
}

func (m *Manager) executePrimaryOnly(ctx context.Context, req models.DataRequest, candidates []models.SourceConfig, warnings []string) (*models.DataResponse, error) {
	cfg := candidates[0]
	data, _, err := m.callSource(ctx, cfg, req.Parameters)
	if err != nil {
		return nil, err
	}
	return m.buildResponse(req, data, cfg.Quality.Mean(), []models.SourceConfig{cfg}, []string{cfg.ID}, false, warnings), nil
}

func (m *Manager) executeFailover(ctx context.Context, req models.DataRequest, candidates []models.SourceConfig, warnings []string) (*models.DataResponse, error) {
	atomic.AddInt64(&m.activeFailovers, 1)
	defer atomic.AddInt64(&m.activeFailovers, -1)

	var attempted []string
	var failures []errors.SourceFailure
	for _, cfg := range candidates {
		if len(attempted) >= m.config.MaxFailoverAttempts {
			break
		}
		if snap, err := m.breaker.Snapshot(cfg.ID); err == nil &&
			snap.State == resilience.StateOpen && m.now().Before(snap.NextAttemptAt) {
			failures = append(failures, errors.SourceFailure{
				SourceID: cfg.ID,
				Kind:     errors.KindCircuitOpen.String(),
				Message:  "circuit breaker is open",
			})
			continue
		}

		attempted = append(attempted, cfg.ID)
		data, _, err := m.callSource(ctx, cfg, req.Parameters)
		if err == nil {
			failedOver := len(failures) > 0 || len(attempted) > 1
			if failedOver {
				warnings = append(warnings, "Failover occurred during request")
				m.metrics.IncrementCounterWithLabels("failovers_total", 1, map[string]string{
					"served_by": cfg.ID,
				})
			}
			resp := m.buildResponse(req, data, cfg.Quality.Mean(), []models.SourceConfig{cfg}, []string{cfg.ID}, failedOver, warnings)
			resp.Metadata.AttemptedSources = attempted
			return resp, nil
		}

		if errors.IsCancelled(err) {
			return nil, errors.Cancelled()
		}
		if ctx.Err() != nil {
			return nil, errors.Timeout("")
		}
		failures = append(failures, errors.SourceFailure{
			SourceID: cfg.ID,
			Kind:     errors.KindOf(err).String(),
			Message:  err.Error(),
		})
		m.logger.Warn("Source failed, trying next candidate", map[string]interface{}{
			"source": cfg.ID,
			"error":  err.Error(),
		})
	}
	return nil, errors.AllSourcesFailed(failures)
}

func (m *Manager) executeFusion(ctx context.Context, req models.DataRequest, candidates []models.SourceConfig, warnings []string) (*models.DataResponse, error) {
	chosen := candidates
	if len(chosen) > m.config.MaxFusionSources {
		chosen = chosen[:m.config.MaxFusionSources]
	}

	contributions := make([]models.SourceContribution, len(chosen))
	var g errgroup.Group
	for i, cfg := range chosen {
		i, cfg := i, cfg
		g.Go(func() error {
			data, latency, err := m.callSource(ctx, cfg, req.Parameters)
			c := models.SourceContribution{SourceID: cfg.ID, Latency: latency}
			switch {
			case err == nil:
				c.Status = models.ContributionSuccess
				c.Data = data
				c.Confidence = cfg.Quality.Mean()
			case errors.IsTimeout(err):
				c.Status = models.ContributionTimeout
			default:
				c.Status = models.ContributionError
			}
			contributions[i] = c
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err == context.DeadlineExceeded {
		return nil, errors.Timeout("")
	} else if err != nil {
		return nil, errors.Cancelled()
	}

	var usedConfigs []models.SourceConfig
	var attempted []string
	var failures []errors.SourceFailure
	configMap := make(map[string]models.SourceConfig, len(chosen))
	for i, cfg := range chosen {
		attempted = append(attempted, cfg.ID)
		configMap[cfg.ID] = cfg
		if contributions[i].Status == models.ContributionSuccess {
			usedConfigs = append(usedConfigs, cfg)
		} else {
			failures = append(failures, errors.SourceFailure{
				SourceID: cfg.ID,
				Kind:     string(contributions[i].Status),
			})
		}
	}
	if len(usedConfigs) == 0 {
		return nil, errors.AllSourcesFailed(failures)
	}

	result, err := m.fusion.Fuse(req, contributions, configMap)
	if err != nil {
		return nil, err
	}

	warnings = append(warnings, result.Warnings...)
	if len(usedConfigs) < len(chosen) {
		warnings = append(warnings, fmt.Sprintf("Fusion proceeded with %d of %d sources", len(usedConfigs), len(chosen)))
	}

	resp := m.buildResponse(req, result.Data, result.Confidence, usedConfigs, result.SourcesUsed, false, warnings)
	resp.Metadata.AttemptedSources = attempted
	return resp, nil
}

// callSource performs one guarded source call: rate limiter, then circuit
// breaker, then the per-source retry policy around the adapter fetch. The
// reliability tracker sees one sample per completed call; rate-limit
// denials, open-circuit rejections, and cancellations record nothing.
func (m *Manager) callSource(ctx context.Context, cfg models.SourceConfig, params map[string]interface{}) (interface{}, time.Duration, error) {
	if err := m.limiter.Acquire(cfg.ID); err != nil {
		return nil, 0, err
	}

	timeout := cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var data interface{}
	start := m.now()
	err := m.breaker.Execute(callCtx, cfg.ID, func(c context.Context) error {
		return retry.Do(c, retry.FromPolicy(cfg.Retry), func() error {
			adapter, err := m.registry.Get(cfg.ID)
			if err != nil {
				return err
			}
			resp, err := adapter.Fetch(c, params)
			if err != nil {
				if c.Err() == context.DeadlineExceeded {
					return errors.Timeout(cfg.ID)
				}
				return errors.Adapter(cfg.ID, err)
			}
			if !resp.Success {
				return errors.Adapter(cfg.ID, fmt.Errorf("%s", resp.Error))
			}
			data = resp.Data
			return nil
		})
	})
	latency := m.now().Sub(start)

	if !errors.IsCircuitOpen(err) && !errors.IsCancelled(err) {
		if recordErr := m.tracker.Record(ctx, cfg.ID, reliability.Sample{
			Latency: latency,
			Success: err == nil,
		}); recordErr != nil {
			m.logger.Debug("Failed to record reliability sample", map[string]interface{}{
				"source": cfg.ID,
				"error":  recordErr.Error(),
			})
		}
	}
	if err != nil {
		return nil, latency, err
	}
	return data, latency, nil
}

// buildResponse assembles the response envelope from the serving sources
func (m *Manager) buildResponse(req models.DataRequest, data interface{}, confidence float64, used []models.SourceConfig, usedIDs []string, failedOver bool, warnings []string) *models.DataResponse {
	if warnings == nil {
		warnings = []string{}
	}

	var quality models.ResponseQuality
	comp := models.ResponseCompliance{LicenseCompliant: true}
	restrictions := map[string]bool{}
	for _, cfg := range used {
		quality.Accuracy += cfg.Quality.Accuracy
		quality.Completeness += cfg.Quality.Completeness
		quality.Freshness += cfg.Quality.Timeliness
		quality.Reliability += cfg.Quality.Reliability
		if cfg.Compliance.RequiresAttribution {
			comp.AttributionRequired = true
		}
		for _, r := range cfg.Compliance.UsageRestrictions {
			restrictions[r] = true
		}
	}
	if n := float64(len(used)); n > 0 {
		quality.Accuracy /= n
		quality.Completeness /= n
		quality.Freshness /= n
		quality.Reliability /= n
	}
	for r := range restrictions {
		comp.UsageRestrictions = append(comp.UsageRestrictions, r)
	}
	sort.Strings(comp.UsageRestrictions)

	return &models.DataResponse{
		Data: data,
		Metadata: models.ResponseMetadata{
			SourcesUsed:      usedIDs,
			FailoverOccurred: failedOver,
			Confidence:       confidence,
			Warnings:         warnings,
		},
		Quality:    quality,
		Compliance: comp,
	}
}
