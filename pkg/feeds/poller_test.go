package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwatt/datamesh/pkg/models"
	"github.com/openwatt/datamesh/pkg/observability"
)

type itemCollector struct {
	mu    sync.Mutex
	items []models.FeedItem
}

func (c *itemCollector) handle(_ string, items []models.FeedItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, items...)
}

func (c *itemCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func newTestPoller(client *http.Client, collector *itemCollector) *Poller {
	return NewPoller(client, collector.handle,
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestPollerAddStreamValidation(t *testing.T) {
	p := newTestPoller(nil, &itemCollector{})

	err := p.AddStream(StreamConfig{URL: "https://x.example/feed", Type: models.FeedRSS, PollInterval: time.Second})
	assert.Error(t, err, "missing id")

	err = p.AddStream(StreamConfig{ID: "s", URL: "::bad::", Type: models.FeedRSS, PollInterval: time.Second})
	assert.Error(t, err, "bad url")

	err = p.AddStream(StreamConfig{ID: "s", URL: "https://x.example/feed", Type: models.FeedRSS})
	assert.Error(t, err, "missing interval")

	err = p.AddStream(StreamConfig{ID: "s", URL: "https://x.example/feed", Type: "telnet", PollInterval: time.Second})
	assert.Error(t, err, "unsupported type")

	require.NoError(t, p.AddStream(StreamConfig{ID: "s", URL: "https://x.example/feed", Type: models.FeedRSS, PollInterval: time.Second}))
	err = p.AddStream(StreamConfig{ID: "s", URL: "https://x.example/feed", Type: models.FeedRSS, PollInterval: time.Second})
	assert.Error(t, err, "duplicate id")
	assert.Equal(t, 1, p.StreamCount())
}

func TestPollerDeliversNewItemsOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer server.Close()

	collector := &itemCollector{}
	p := newTestPoller(server.Client(), collector)
	require.NoError(t, p.AddStream(StreamConfig{
		ID:           "grid",
		Name:         "grid-notices",
		Type:         models.FeedRSS,
		URL:          server.URL,
		PollInterval: 20 * time.Millisecond,
		Timeout:      time.Second,
	}))
	require.NoError(t, p.StartStream(context.Background(), "grid"))

	// Several poll cycles run; the two items must be delivered exactly once.
	require.Eventually(t, func() bool { return collector.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, p.StopStream("grid"))
	assert.Equal(t, 2, collector.count())

	metrics, err := p.StreamMetrics("grid")
	require.NoError(t, err)
	assert.Equal(t, int64(2), metrics.TotalItems)
	assert.GreaterOrEqual(t, metrics.SuccessCount, int64(2))
	assert.Zero(t, metrics.ErrorCount)
	assert.Greater(t, metrics.DuplicateRate, 0.0)
}

func TestPollerAppliesFilters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer server.Close()

	collector := &itemCollector{}
	p := newTestPoller(server.Client(), collector)
	require.NoError(t, p.AddStream(StreamConfig{
		ID:           "grid",
		Type:         models.FeedRSS,
		URL:          server.URL,
		PollInterval: 20 * time.Millisecond,
		Timeout:      time.Second,
		Filters: []Filter{
			{Field: "title", Operator: FilterContains, Value: "maintenance"},
		},
	}))
	require.NoError(t, p.StartStream(context.Background(), "grid"))

	require.Eventually(t, func() bool { return collector.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, p.StopStream("grid"))
	assert.Equal(t, 1, collector.count())
	assert.Equal(t, "Planned maintenance window", collector.items[0].Title)
}

func TestPollerCountsErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	collector := &itemCollector{}
	p := newTestPoller(server.Client(), collector)
	require.NoError(t, p.AddStream(StreamConfig{
		ID:           "bad",
		Type:         models.FeedRSS,
		URL:          server.URL,
		PollInterval: 10 * time.Millisecond,
		Timeout:      time.Second,
	}))
	require.NoError(t, p.StartStream(context.Background(), "bad"))

	require.Eventually(t, func() bool {
		m, err := p.StreamMetrics("bad")
		return err == nil && m.ErrorCount >= 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, p.StopStream("bad"))

	m, err := p.StreamMetrics("bad")
	require.NoError(t, err)
	assert.Zero(t, m.TotalItems)
	assert.NotEmpty(t, m.LastError)
	assert.Less(t, m.QualityScore, 1.0)
}

func TestPollerStopStreamIdempotent(t *testing.T) {
	p := newTestPoller(nil, &itemCollector{})
	require.NoError(t, p.AddStream(StreamConfig{
		ID: "s", Type: models.FeedRSS, URL: "https://x.example/feed", PollInterval: time.Hour,
	}))

	require.NoError(t, p.StopStream("s"))
	require.NoError(t, p.StartStream(context.Background(), "s"))
	require.NoError(t, p.StopStream("s"))
	require.NoError(t, p.StopStream("s"))
	assert.Error(t, p.StopStream("missing"))
}

func TestPollerRemoveStream(t *testing.T) {
	p := newTestPoller(nil, &itemCollector{})
	require.NoError(t, p.AddStream(StreamConfig{
		ID: "s", Type: models.FeedRSS, URL: "https://x.example/feed", PollInterval: time.Hour,
	}))
	require.NoError(t, p.RemoveStream("s"))
	assert.Zero(t, p.StreamCount())
	_, err := p.StreamMetrics("s")
	assert.Error(t, err)
}
