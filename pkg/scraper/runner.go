package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/observability"
)

// ResultQuality scores one scrape
type ResultQuality struct {
	// Completeness is the share of selectors that yielded a value
	Completeness float64 `json:"completeness"`
	// Accuracy is the share of validation checks that passed
	Accuracy float64 `json:"accuracy"`
	// Freshness is fixed for a just-fetched page
	Freshness float64 `json:"freshness"`
}

// ScrapingResult is the outcome of one job execution
type ScrapingResult struct {
	JobID     string                 `json:"job_id"`
	URL       string                 `json:"url"`
	Data      map[string]interface{} `json:"data"`
	Quality   ResultQuality          `json:"quality"`
	Warnings  []string               `json:"warnings,omitempty"`
	Errors    []string               `json:"errors,omitempty"`
	FetchedAt time.Time              `json:"fetched_at"`
	Latency   time.Duration          `json:"latency"`
}

// JobMetrics is the rolling view of one job
type JobMetrics struct {
	RunCount         int64     `json:"run_count"`
	SuccessCount     int64     `json:"success_count"`
	ErrorCount       int64     `json:"error_count"`
	RobotsViolations int64     `json:"robots_violations"`
	LastRunAt        time.Time `json:"last_run_at"`
}

// Runner owns the registered jobs, their robots checks, and the per-origin
// politeness state (request spacing and in-flight cap).
type Runner struct {
	mu      sync.RWMutex
	jobs    map[string]*jobState
	origins map[string]*originState

	robots RobotsChecker
	client *http.Client

	logger  observability.Logger
	metrics observability.MetricsClient
}

// RobotsChecker is the robots.txt decision surface the runner needs
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL, userAgent string) (bool, error)
	CrawlDelay(ctx context.Context, rawURL, userAgent string) time.Duration
}

// originState is shared by every job targeting the same scheme://host, so
// the in-flight cap holds across jobs.
type originState struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

type jobState struct {
	job Job

	mu      sync.Mutex
	metrics JobMetrics
}

// NewRunner creates a job runner. client may be nil.
func NewRunner(robots RobotsChecker, client *http.Client, logger observability.Logger, metrics observability.MetricsClient) *Runner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Runner{
		jobs:    make(map[string]*jobState),
		origins: make(map[string]*originState),
		robots:  robots,
		client:  client,
		logger:  logger.WithPrefix("scraper"),
		metrics: metrics,
	}
}

// RegisterJob validates and stores a job
func (r *Runner) RegisterJob(job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.Timeout <= 0 {
		job.Timeout = 30 * time.Second
	}
	if job.RateLimit.Concurrent <= 0 {
		job.RateLimit.Concurrent = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return errors.Validation("job %s already registered", job.ID)
	}
	r.jobs[job.ID] = &jobState{job: job}
	return nil
}

// RemoveJob deletes a job
func (r *Runner) RemoveJob(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		return errors.Validation("job %s not registered", jobID)
	}
	delete(r.jobs, jobID)
	return nil
}

// JobCount returns the number of registered jobs
func (r *Runner) JobCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// JobMetrics returns a copy of a job's metrics
func (r *Runner) JobMetrics(jobID string) (JobMetrics, error) {
	r.mu.RLock()
	s, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		return JobMetrics{}, errors.Validation("job %s not registered", jobID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics, nil
}

// Execute runs one job: robots check first, then rate-limited fetch and
// selector extraction. A robots denial is recorded and returns without
// touching the target.
func (r *Runner) Execute(ctx context.Context, jobID string) (*ScrapingResult, error) {
	r.mu.RLock()
	s, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Validation("job %s not registered", jobID)
	}
	job := s.job
	start := time.Now()

	if job.RespectRobotsTxt && r.robots != nil {
		allowed, err := r.robots.Allowed(ctx, job.TargetURL, job.UserAgent)
		if err != nil {
			return nil, err
		}
		if !allowed {
			s.mu.Lock()
			s.metrics.RunCount++
			s.metrics.RobotsViolations++
			s.metrics.LastRunAt = start
			s.mu.Unlock()
			r.metrics.IncrementCounterWithLabels("scrape_runs_total", 1, map[string]string{
				"job": jobID, "status": "robots_denied",
			})
			r.logger.Warn("Robots.txt disallows target, skipping fetch", map[string]interface{}{
				"job": jobID,
				"url": job.TargetURL,
			})
			return nil, errors.ComplianceViolation(jobID, []string{"robots.txt disallows " + job.TargetURL})
		}
	}

	origin, err := r.acquireOrigin(ctx, job)
	if err != nil {
		return nil, err
	}
	defer origin.sem.Release(1)

	doc, status, err := r.fetch(ctx, job)
	if err != nil {
		s.mu.Lock()
		s.metrics.RunCount++
		s.metrics.ErrorCount++
		s.metrics.LastRunAt = start
		s.mu.Unlock()
		r.metrics.IncrementCounterWithLabels("scrape_runs_total", 1, map[string]string{
			"job": jobID, "status": "fetch_error",
		})
		return nil, errors.Adapter(jobID, err)
	}
	if status != http.StatusOK {
		s.mu.Lock()
		s.metrics.RunCount++
		s.metrics.ErrorCount++
		s.metrics.LastRunAt = start
		s.mu.Unlock()
		return nil, errors.Adapter(jobID, fmt.Errorf("target returned status %d", status))
	}

	result := r.extract(job, doc)
	result.FetchedAt = start
	result.Latency = time.Since(start)

	s.mu.Lock()
	s.metrics.RunCount++
	s.metrics.SuccessCount++
	s.metrics.LastRunAt = start
	s.mu.Unlock()
	r.metrics.IncrementCounterWithLabels("scrape_runs_total", 1, map[string]string{
		"job": jobID, "status": "ok",
	})
	r.metrics.RecordLatency("scrape_duration", result.Latency)

	return result, nil
}

// acquireOrigin takes an in-flight slot for the target's origin and then
// waits for the origin's limiter. The effective spacing is the larger of the
// job delay and the origin's declared crawl delay. The caller releases the
// slot when the fetch completes.
func (r *Runner) acquireOrigin(ctx context.Context, job Job) (*originState, error) {
	delay := job.RateLimit.Delay
	if job.RespectRobotsTxt && r.robots != nil {
		if cd := r.robots.CrawlDelay(ctx, job.TargetURL, job.UserAgent); cd > delay {
			delay = cd
		}
	}
	parsed, err := url.Parse(job.TargetURL)
	if err != nil {
		return nil, errors.Validation("invalid target URL %q", job.TargetURL)
	}

	state := r.originFor(parsed.Scheme+"://"+parsed.Host, delay, job.RateLimit.Concurrent)
	if err := state.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Cancelled()
	}
	if err := state.limiter.Wait(ctx); err != nil {
		state.sem.Release(1)
		return nil, errors.Cancelled()
	}
	return state, nil
}

// originFor returns the shared state for an origin, creating it on first use
// with the first job's spacing and concurrency settings.
func (r *Runner) originFor(origin string, delay time.Duration, concurrent int) *originState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.origins[origin]; ok {
		return state
	}
	state := &originState{
		limiter: rate.NewLimiter(rate.Every(delay), 1),
		sem:     semaphore.NewWeighted(int64(concurrent)),
	}
	r.origins[origin] = state
	return state
}

func (r *Runner) fetch(ctx context.Context, job Job) (*goquery.Document, int, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, job.TargetURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", job.UserAgent)
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return doc, resp.StatusCode, nil
}

// extract pulls every configured selector out of the document and scores the
// result. A selector with no match yields a null field and a warning.
func (r *Runner) extract(job Job, doc *goquery.Document) *ScrapingResult {
	result := &ScrapingResult{
		JobID: job.ID,
		URL:   job.TargetURL,
		Data:  make(map[string]interface{}, len(job.Selectors)),
	}

	found := 0
	for field, spec := range job.Selectors {
		sel := doc.Find(selectorToCSS(spec)).First()
		if sel.Length() == 0 {
			result.Data[field] = nil
			result.Warnings = append(result.Warnings, fmt.Sprintf("selector for %q matched nothing", field))
			continue
		}
		result.Data[field] = strings.TrimSpace(sel.Text())
		found++
	}

	checks, failures := r.validate(job, result)

	result.Quality.Completeness = float64(found) / float64(len(job.Selectors))
	result.Quality.Accuracy = 1.0
	if checks > 0 {
		result.Quality.Accuracy = 1 - float64(failures)/float64(checks)
	}
	result.Quality.Freshness = 0.9
	return result
}

// validate applies the job's rules and returns the number of checks run and
// failed. Required failures land in Errors, the rest in Warnings.
func (r *Runner) validate(job Job, result *ScrapingResult) (checks, failures int) {
	for _, rule := range job.Validation {
		value, _ := result.Data[rule.Field].(string)
		checks++
		switch rule.Type {
		case RuleRequired:
			if value == "" {
				failures++
				result.Errors = append(result.Errors, fmt.Sprintf("required field %q is missing", rule.Field))
			}
		case RulePattern:
			if value == "" {
				continue
			}
			matched, err := regexp.MatchString(rule.Pattern, value)
			if err != nil || !matched {
				failures++
				result.Warnings = append(result.Warnings, fmt.Sprintf("field %q does not match expected pattern", rule.Field))
			}
		case RuleRange:
			if value == "" {
				continue
			}
			num, err := strconv.ParseFloat(strings.TrimLeft(value, "$€£ "), 64)
			if err != nil || (rule.Min != nil && num < *rule.Min) || (rule.Max != nil && num > *rule.Max) {
				failures++
				result.Warnings = append(result.Warnings, fmt.Sprintf("field %q is out of range", rule.Field))
			}
		case RuleCustom:
			if rule.Check != nil && !rule.Check(value) {
				failures++
				result.Warnings = append(result.Warnings, fmt.Sprintf("field %q failed custom validation", rule.Field))
			}
		}
	}
	return checks, failures
}
