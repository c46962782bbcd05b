// Package feeds polls registered RSS/Atom/JSON streams, normalizes and
// filters their items, deduplicates against a per-stream bounded cache, and
// delivers only new items. One goroutine per stream; no cross-stream state.
package feeds

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/models"
	"github.com/openwatt/datamesh/pkg/observability"
)

// EMA smoothing factors for stream metrics
const (
	latencyAlpha   = 0.2
	duplicateAlpha = 0.1
)

// StreamConfig describes one polled feed
type StreamConfig struct {
	ID           string            `json:"id" mapstructure:"id"`
	Name         string            `json:"name" mapstructure:"name"`
	Type         models.FeedType   `json:"type" mapstructure:"type"`
	URL          string            `json:"url" mapstructure:"url"`
	PollInterval time.Duration     `json:"poll_interval" mapstructure:"poll_interval"`
	Timeout      time.Duration     `json:"timeout" mapstructure:"timeout"`
	UserAgent    string            `json:"user_agent" mapstructure:"user_agent"`
	Headers      map[string]string `json:"headers,omitempty" mapstructure:"headers"`

	// QualityBaseline seeds the stream quality score, default 1.0
	QualityBaseline float64 `json:"quality_baseline" mapstructure:"quality_baseline"`

	Filters         []Filter         `json:"filters,omitempty"`
	Transformations []Transformation `json:"-"`
}

// StreamMetrics is the rolling view of one stream
type StreamMetrics struct {
	TotalItems     int64     `json:"total_items"`
	ItemsToday     int64     `json:"items_today"`
	ErrorCount     int64     `json:"error_count"`
	PollCount      int64     `json:"poll_count"`
	SuccessCount   int64     `json:"success_count"`
	AverageLatency float64   `json:"average_latency_ms"`
	DuplicateRate  float64   `json:"duplicate_rate"`
	QualityScore   float64   `json:"quality_score"`
	LastPollAt     time.Time `json:"last_poll_at"`
	LastError      string    `json:"last_error,omitempty"`
}

// ItemHandler receives the new items of one poll
type ItemHandler func(streamID string, items []models.FeedItem)

// Poller owns the registered streams and their polling goroutines
type Poller struct {
	mu      sync.RWMutex
	streams map[string]*stream

	client  *http.Client
	handler ItemHandler
	logger  observability.Logger
	metrics observability.MetricsClient
}

type stream struct {
	config StreamConfig
	dedupe *dedupeCache

	mu      sync.Mutex
	metrics StreamMetrics
	dayUTC  time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewPoller creates a poller. client may be nil.
func NewPoller(client *http.Client, handler ItemHandler, logger observability.Logger, metrics observability.MetricsClient) *Poller {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Poller{
		streams: make(map[string]*stream),
		client:  client,
		handler: handler,
		logger:  logger.WithPrefix("feeds"),
		metrics: metrics,
	}
}

// AddStream registers a stream without starting it
func (p *Poller) AddStream(config StreamConfig) error {
	if config.ID == "" {
		return errors.Validation("stream id is required")
	}
	if _, err := url.ParseRequestURI(config.URL); err != nil {
		return errors.Validation("stream %s: invalid URL %q", config.ID, config.URL)
	}
	if config.PollInterval <= 0 {
		return errors.Validation("stream %s: poll interval must be positive", config.ID)
	}
	switch config.Type {
	case models.FeedRSS, models.FeedAtom, models.FeedJSONAPI, models.FeedNewsAPI:
	default:
		return errors.Validation("stream %s: unsupported feed type %q", config.ID, config.Type)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.QualityBaseline <= 0 {
		config.QualityBaseline = 1.0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.streams[config.ID]; exists {
		return errors.Validation("stream %s already registered", config.ID)
	}
	p.streams[config.ID] = &stream{
		config: config,
		dedupe: newDedupeCache(),
		dayUTC: todayUTC(time.Now()),
	}
	return nil
}

// StartStream launches the polling loop for a stream
func (p *Poller) StartStream(ctx context.Context, streamID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[streamID]
	if !ok {
		return errors.Validation("stream %s not registered", streamID)
	}
	if s.running {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go p.run(loopCtx, s)
	p.logger.Info("Started feed stream", map[string]interface{}{
		"stream":   streamID,
		"interval": s.config.PollInterval.String(),
	})
	return nil
}

// StopStream cancels a stream's loop and waits for any in-flight poll
func (p *Poller) StopStream(streamID string) error {
	p.mu.Lock()
	s, ok := p.streams[streamID]
	if !ok {
		p.mu.Unlock()
		return errors.Validation("stream %s not registered", streamID)
	}
	if !s.running {
		p.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.running = false
	p.mu.Unlock()

	cancel()
	<-done
	return nil
}

// RemoveStream stops and deletes a stream
func (p *Poller) RemoveStream(streamID string) error {
	if err := p.StopStream(streamID); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.streams, streamID)
	return nil
}

// StartAll starts every registered stream
func (p *Poller) StartAll(ctx context.Context) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	for _, id := range ids {
		_ = p.StartStream(ctx, id)
	}
}

// StopAll stops every running stream
func (p *Poller) StopAll() {
	p.mu.RLock()
	ids := make([]string, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	for _, id := range ids {
		_ = p.StopStream(id)
	}
}

// StreamMetrics returns a copy of a stream's metrics
func (p *Poller) StreamMetrics(streamID string) (StreamMetrics, error) {
	p.mu.RLock()
	s, ok := p.streams[streamID]
	p.mu.RUnlock()
	if !ok {
		return StreamMetrics{}, errors.Validation("stream %s not registered", streamID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics, nil
}

// StreamCount returns the number of registered streams
func (p *Poller) StreamCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.streams)
}

// Maintenance clears oversized dedupe caches. Trimming normally happens
// inline; this is the backstop for streams that stopped polling.
func (p *Poller) Maintenance() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.streams {
		s.mu.Lock()
		s.dedupe.trim()
		s.mu.Unlock()
	}
}

// run is the per-stream loop. Successful polls reschedule on the configured
// interval; consecutive errors back off exponentially, capped at 10x the
// interval.
func (p *Poller) run(ctx context.Context, s *stream) {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.config.PollInterval
	bo.MaxInterval = 10 * s.config.PollInterval
	bo.MaxElapsedTime = 0

	delay := s.config.PollInterval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := p.poll(ctx, s); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay = bo.NextBackOff()
			p.logger.Warn("Feed poll failed", map[string]interface{}{
				"stream":     s.config.ID,
				"error":      err.Error(),
				"next_retry": delay.String(),
			})
		} else {
			bo.Reset()
			delay = s.config.PollInterval
		}
		timer.Reset(delay)
	}
}

func (p *Poller) poll(ctx context.Context, s *stream) error {
	start := time.Now()
	body, err := p.fetch(ctx, s.config)
	if err != nil {
		s.recordError(start, err)
		p.metrics.IncrementCounterWithLabels("feed_polls_total", 1, map[string]string{
			"stream": s.config.ID, "status": "fetch_error",
		})
		return err
	}

	items, err := ParseFeed(s.config.Type, s.config.Name, body)
	if err != nil {
		s.recordError(start, err)
		p.metrics.IncrementCounterWithLabels("feed_polls_total", 1, map[string]string{
			"stream": s.config.ID, "status": "parse_error",
		})
		return err
	}

	items = applyFilters(items, s.config.Filters)
	items = applyTransformations(items, s.config.Transformations)

	var fresh []models.FeedItem
	duplicates := 0
	for _, item := range items {
		if s.dedupe.Seen(item.DedupeKey()) {
			duplicates++
			continue
		}
		fresh = append(fresh, item)
	}

	s.recordSuccess(start, len(items), len(fresh), duplicates)
	p.metrics.IncrementCounterWithLabels("feed_polls_total", 1, map[string]string{
		"stream": s.config.ID, "status": "ok",
	})
	p.metrics.RecordGauge("feed_new_items", float64(len(fresh)), map[string]string{
		"stream": s.config.ID,
	})

	if len(fresh) > 0 && p.handler != nil {
		p.handler(s.config.ID, fresh)
	}
	return nil
}

func (p *Poller) fetch(ctx context.Context, config StreamConfig) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, config.URL, nil)
	if err != nil {
		return nil, err
	}
	if config.UserAgent != "" {
		req.Header.Set("User-Agent", config.UserAgent)
	}
	for k, v := range config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

func (s *stream) recordSuccess(start time.Time, parsed, fresh, duplicates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked(start)

	s.metrics.PollCount++
	s.metrics.SuccessCount++
	s.metrics.TotalItems += int64(fresh)
	s.metrics.ItemsToday += int64(fresh)
	s.metrics.LastPollAt = start
	s.metrics.LastError = ""

	latencyMs := float64(time.Since(start).Milliseconds())
	s.metrics.AverageLatency = ema(s.metrics.AverageLatency, latencyMs, latencyAlpha)

	dupRate := 0.0
	if parsed > 0 {
		dupRate = float64(duplicates) / float64(parsed)
	}
	s.metrics.DuplicateRate = ema(s.metrics.DuplicateRate, dupRate, duplicateAlpha)

	s.recomputeQualityLocked()
}

func (s *stream) recordError(start time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked(start)

	s.metrics.PollCount++
	s.metrics.ErrorCount++
	s.metrics.LastPollAt = start
	s.metrics.LastError = err.Error()
	s.recomputeQualityLocked()
}

func (s *stream) recomputeQualityLocked() {
	successRate := 1.0
	if s.metrics.PollCount > 0 {
		successRate = float64(s.metrics.SuccessCount) / float64(s.metrics.PollCount)
	}
	latencyPenalty := 1 - s.metrics.AverageLatency/5000
	if latencyPenalty < 0 {
		latencyPenalty = 0
	}
	score := s.config.QualityBaseline * successRate * latencyPenalty * (1 - s.metrics.DuplicateRate)
	s.metrics.QualityScore = math.Max(0, math.Min(1, score))
}

// rolloverLocked resets the daily counter at UTC midnight
func (s *stream) rolloverLocked(now time.Time) {
	day := todayUTC(now)
	if !day.Equal(s.dayUTC) {
		s.dayUTC = day
		s.metrics.ItemsToday = 0
	}
}

func todayUTC(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour)
}

func ema(current, sample, alpha float64) float64 {
	if current == 0 {
		return sample
	}
	return alpha*sample + (1-alpha)*current
}
