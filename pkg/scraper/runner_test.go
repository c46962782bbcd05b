package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwatt/datamesh/pkg/compliance"
	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/observability"
)

const botUA = "DataMeshBot/1.0 (+https://openwatt.example/bot)"

func newTestRunner(client *http.Client) *Runner {
	robots := compliance.NewRobotsCache(compliance.DefaultRobotsConfig(), client,
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	return NewRunner(robots, client, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func validJob(target string) Job {
	return Job{
		ID:        "job-1",
		Name:      "price page",
		TargetURL: target,
		Selectors: map[string]string{
			"title": "title",
			"price": "class=price",
		},
		UserAgent: botUA,
		RateLimit: JobRateLimit{Delay: time.Millisecond, Concurrent: 2},
		Timeout:   2 * time.Second,
	}
}

func TestJobValidate(t *testing.T) {
	base := validJob("https://shop.example/item")
	require.NoError(t, base.Validate())

	j := base
	j.ID = ""
	assert.Error(t, j.Validate())

	j = base
	j.TargetURL = "ftp://shop.example/item"
	assert.Error(t, j.Validate())

	j = base
	j.Selectors = nil
	assert.Error(t, j.Validate())

	j = base
	j.RateLimit.Delay = 0
	assert.Error(t, j.Validate())

	j = base
	j.UserAgent = "Mozilla/5.0"
	assert.Error(t, j.Validate(), "must identify as a bot")

	j = base
	j.UserAgent = "DataMeshBot/1.0"
	assert.Error(t, j.Validate(), "must include a contact URL")

	j = base
	j.Validation = []ValidationRule{{Field: "price", Type: RulePattern, Pattern: "[broken"}}
	assert.Error(t, j.Validate())
}

func TestSelectorShorthand(t *testing.T) {
	assert.Equal(t, "title", selectorToCSS("title"))
	assert.Equal(t, ".price", selectorToCSS("class=price"))
	assert.Equal(t, "#main", selectorToCSS("id=main"))
	assert.Equal(t, "div.content > p", selectorToCSS("div.content > p"))
}

func TestRunnerRegisterAndRemove(t *testing.T) {
	r := newTestRunner(nil)
	require.NoError(t, r.RegisterJob(validJob("https://shop.example/item")))
	assert.Equal(t, 1, r.JobCount())

	err := r.RegisterJob(validJob("https://shop.example/item"))
	assert.Error(t, err, "duplicate id")

	require.NoError(t, r.RemoveJob("job-1"))
	assert.Zero(t, r.JobCount())
	assert.Error(t, r.RemoveJob("job-1"))
}

func TestRunnerExtractsFields(t *testing.T) {
	page := `<html><head><title>Widget Page</title></head>
<body><span class="price">$19.99</span><div id="stock">in stock</div></body></html>`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, botUA, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(page))
	}))
	defer server.Close()

	r := newTestRunner(server.Client())
	job := validJob(server.URL + "/item")
	job.RespectRobotsTxt = true
	job.Selectors = map[string]string{
		"title":   "title",
		"price":   "class=price",
		"stock":   "id=stock",
		"missing": "class=nope",
	}
	require.NoError(t, r.RegisterJob(job))

	result, err := r.Execute(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, "Widget Page", result.Data["title"])
	assert.Equal(t, "$19.99", result.Data["price"])
	assert.Equal(t, "in stock", result.Data["stock"])
	assert.Nil(t, result.Data["missing"])
	assert.Len(t, result.Warnings, 1)
	assert.InDelta(t, 0.75, result.Quality.Completeness, 0.001)
	assert.Equal(t, 1.0, result.Quality.Accuracy)
	assert.Equal(t, 0.9, result.Quality.Freshness)

	metrics, err := r.JobMetrics("job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.SuccessCount)
}

func TestRunnerRobotsDenialSkipsFetch(t *testing.T) {
	var targetHits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
			return
		}
		atomic.AddInt64(&targetHits, 1)
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer server.Close()

	r := newTestRunner(server.Client())
	job := validJob(server.URL + "/item")
	job.RespectRobotsTxt = true
	require.NoError(t, r.RegisterJob(job))

	_, err := r.Execute(context.Background(), "job-1")
	require.Error(t, err)
	assert.True(t, errors.IsComplianceViolation(err))
	assert.Zero(t, atomic.LoadInt64(&targetHits))

	metrics, err := r.JobMetrics("job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.RobotsViolations)
	assert.Equal(t, int64(1), metrics.RunCount)
}

func TestRunnerIgnoresRobotsWhenDisabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
			return
		}
		_, _ = w.Write([]byte("<html><head><title>T</title></head></html>"))
	}))
	defer server.Close()

	r := newTestRunner(server.Client())
	job := validJob(server.URL + "/item")
	job.RespectRobotsTxt = false
	require.NoError(t, r.RegisterJob(job))

	_, err := r.Execute(context.Background(), "job-1")
	require.NoError(t, err)
}

func TestRunnerConcurrencyCapSharedAcrossJobsOnOrigin(t *testing.T) {
	var inFlight, maxInFlight int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		current := atomic.AddInt64(&inFlight, 1)
		for {
			observed := atomic.LoadInt64(&maxInFlight)
			if current <= observed || atomic.CompareAndSwapInt64(&maxInFlight, observed, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		_, _ = w.Write([]byte("<html><head><title>T</title></head></html>"))
	}))
	defer server.Close()

	r := newTestRunner(server.Client())
	jobA := validJob(server.URL + "/a")
	jobA.RateLimit.Concurrent = 1
	jobB := validJob(server.URL + "/b")
	jobB.ID = "job-2"
	jobB.RateLimit.Concurrent = 1
	require.NoError(t, r.RegisterJob(jobA))
	require.NoError(t, r.RegisterJob(jobB))

	var wg sync.WaitGroup
	for _, id := range []string{"job-1", "job-2"} {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			_, err := r.Execute(context.Background(), jobID)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	// Both jobs share the origin's in-flight slot.
	assert.Equal(t, int64(1), atomic.LoadInt64(&maxInFlight))
}

func TestRunnerValidationRules(t *testing.T) {
	page := `<html><head><title>Widget</title></head>
<body><span class="price">19.99</span></body></html>`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer server.Close()

	r := newTestRunner(server.Client())
	min, max := 1.0, 10.0
	job := validJob(server.URL + "/item")
	job.Selectors = map[string]string{
		"title": "title",
		"price": "class=price",
		"sku":   "class=sku",
	}
	job.Validation = []ValidationRule{
		{Field: "sku", Type: RuleRequired},
		{Field: "price", Type: RulePattern, Pattern: `^\d+\.\d{2}$`},
		{Field: "price", Type: RuleRange, Min: &min, Max: &max},
	}
	require.NoError(t, r.RegisterJob(job))

	result, err := r.Execute(context.Background(), "job-1")
	require.NoError(t, err)

	// Required failure is an error; the out-of-range price is a warning.
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "sku")
	// 19.99 matches the pattern but exceeds the range.
	rangeWarned := false
	for _, w := range result.Warnings {
		if w == `field "price" is out of range` {
			rangeWarned = true
		}
	}
	assert.True(t, rangeWarned)
	assert.InDelta(t, 1-2.0/3.0, result.Quality.Accuracy, 0.001)
}

func TestRunnerFetchErrorRecorded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	r := newTestRunner(server.Client())
	require.NoError(t, r.RegisterJob(validJob(server.URL+"/item")))

	_, err := r.Execute(context.Background(), "job-1")
	require.Error(t, err)
	assert.Equal(t, errors.KindAdapter, errors.KindOf(err))

	metrics, _ := r.JobMetrics("job-1")
	assert.Equal(t, int64(1), metrics.ErrorCount)
}

func TestRunnerUnknownJob(t *testing.T) {
	r := newTestRunner(nil)
	_, err := r.Execute(context.Background(), "nope")
	assert.Error(t, err)
}
