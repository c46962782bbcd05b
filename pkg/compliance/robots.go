package compliance

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/observability"
)

// AgentRules are the directives applying to one user-agent token
type AgentRules struct {
	Allow      []string      `json:"allow"`
	Disallow   []string      `json:"disallow"`
	CrawlDelay time.Duration `json:"crawl_delay,omitempty"`
}

// RobotsRules is the parsed robots.txt of one origin
type RobotsRules struct {
	UserAgents map[string]AgentRules `json:"user_agents"`
	Sitemaps   []string              `json:"sitemaps,omitempty"`
	FetchedAt  time.Time             `json:"fetched_at"`
}

// RobotsConfig holds robots cache parameters
type RobotsConfig struct {
	TTL          time.Duration `json:"ttl" mapstructure:"ttl"`
	CacheSize    int           `json:"cache_size" mapstructure:"cache_size"`
	FetchTimeout time.Duration `json:"fetch_timeout" mapstructure:"fetch_timeout"`
}

// DefaultRobotsConfig returns the default robots cache parameters
func DefaultRobotsConfig() RobotsConfig {
	return RobotsConfig{
		TTL:          24 * time.Hour,
		CacheSize:    512,
		FetchTimeout: 10 * time.Second,
	}
}

// RobotsCache fetches, parses, and caches robots.txt per origin. A failed
// fetch or a non-200 status yields empty rules: allow by default.
type RobotsCache struct {
	config RobotsConfig
	cache  *expirable.LRU[string, *RobotsRules]
	client *http.Client

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewRobotsCache creates a robots cache. client may be nil.
func NewRobotsCache(config RobotsConfig, client *http.Client, logger observability.Logger, metrics observability.MetricsClient) *RobotsCache {
	if config.TTL <= 0 {
		config = DefaultRobotsConfig()
	}
	if client == nil {
		client = &http.Client{Timeout: config.FetchTimeout}
	}
	return &RobotsCache{
		config:  config,
		cache:   expirable.NewLRU[string, *RobotsRules](config.CacheSize, nil, config.TTL),
		client:  client,
		logger:  logger.WithPrefix("robots"),
		metrics: metrics,
	}
}

// Allowed reports whether userAgent may fetch rawURL under the origin's
// robots rules. Matching uses the URL's path component only.
func (rc *RobotsCache) Allowed(ctx context.Context, rawURL, userAgent string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false, errors.Validation("invalid target URL %q", rawURL)
	}
	rules := rc.rulesFor(ctx, origin(parsed))
	agentRules := rules.selectAgent(userAgent)
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	return pathAllowed(agentRules, path), nil
}

// CrawlDelay returns the crawl delay declared for userAgent at rawURL's
// origin, or zero when none is declared.
func (rc *RobotsCache) CrawlDelay(ctx context.Context, rawURL, userAgent string) time.Duration {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return 0
	}
	rules := rc.rulesFor(ctx, origin(parsed))
	return rules.selectAgent(userAgent).CrawlDelay
}

// Rules returns the cached rules for rawURL's origin, fetching when absent
func (rc *RobotsCache) Rules(ctx context.Context, rawURL string) (*RobotsRules, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, errors.Validation("invalid target URL %q", rawURL)
	}
	return rc.rulesFor(ctx, origin(parsed)), nil
}

func (rc *RobotsCache) rulesFor(ctx context.Context, orig string) *RobotsRules {
	if rules, ok := rc.cache.Get(orig); ok {
		return rules
	}
	rules := rc.fetch(ctx, orig)
	rc.cache.Add(orig, rules)
	return rules
}

func (rc *RobotsCache) fetch(ctx context.Context, orig string) *RobotsRules {
	empty := &RobotsRules{UserAgents: map[string]AgentRules{}, FetchedAt: time.Now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, orig+"/robots.txt", nil)
	if err != nil {
		return empty
	}
	resp, err := rc.client.Do(req)
	if err != nil {
		rc.logger.Debug("robots.txt fetch failed, allowing by default", map[string]interface{}{
			"origin": orig,
			"error":  err.Error(),
		})
		rc.metrics.IncrementCounterWithLabels("robots_fetches_total", 1, map[string]string{"status": "error"})
		return empty
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		rc.metrics.IncrementCounterWithLabels("robots_fetches_total", 1, map[string]string{"status": "non_200"})
		return empty
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return empty
	}
	rc.metrics.IncrementCounterWithLabels("robots_fetches_total", 1, map[string]string{"status": "ok"})
	return ParseRobots(string(body))
}

// ParseRobots parses a robots.txt document. Directive names are
// case-insensitive; comments start with '#'; consecutive User-agent lines
// open a group sharing the directives that follow.
func ParseRobots(content string) *RobotsRules {
	rules := &RobotsRules{
		UserAgents: map[string]AgentRules{},
		FetchedAt:  time.Now(),
	}

	var groupAgents []string
	lastWasAgent := false

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		directive := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])

		switch directive {
		case "user-agent":
			agent := strings.ToLower(value)
			if lastWasAgent {
				groupAgents = append(groupAgents, agent)
			} else {
				groupAgents = []string{agent}
			}
			if _, ok := rules.UserAgents[agent]; !ok {
				rules.UserAgents[agent] = AgentRules{}
			}
			lastWasAgent = true
			continue
		case "sitemap":
			rules.Sitemaps = append(rules.Sitemaps, value)
			lastWasAgent = false
			continue
		case "request-rate":
			// Recognized but not enforced; the scraper's own limiter governs.
			lastWasAgent = false
			continue
		}

		lastWasAgent = false
		for _, agent := range groupAgents {
			ar := rules.UserAgents[agent]
			switch directive {
			case "allow":
				if value != "" {
					ar.Allow = append(ar.Allow, value)
				}
			case "disallow":
				// An empty Disallow means everything is allowed.
				if value != "" {
					ar.Disallow = append(ar.Disallow, value)
				}
			case "crawl-delay":
				if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds > 0 {
					ar.CrawlDelay = time.Duration(seconds * float64(time.Second))
				}
			}
			rules.UserAgents[agent] = ar
		}
	}
	return rules
}

// selectAgent returns the rules of the most specific matching user-agent
// token (longest token contained in userAgent), falling back to "*".
func (r *RobotsRules) selectAgent(userAgent string) AgentRules {
	ua := strings.ToLower(userAgent)
	bestLen := -1
	var best AgentRules
	for agent, rules := range r.UserAgents {
		if agent == "*" {
			continue
		}
		if strings.Contains(ua, agent) && len(agent) > bestLen {
			bestLen = len(agent)
			best = rules
		}
	}
	if bestLen >= 0 {
		return best
	}
	return r.UserAgents["*"]
}

// pathAllowed applies longest-pattern precedence; at equal specificity an
// explicit Allow beats a Disallow. No matching rule allows the path.
func pathAllowed(rules AgentRules, path string) bool {
	bestLen := -1
	allowed := true
	for _, pattern := range rules.Disallow {
		if patternMatches(pattern, path) && len(pattern) > bestLen {
			bestLen = len(pattern)
			allowed = false
		}
	}
	for _, pattern := range rules.Allow {
		if patternMatches(pattern, path) && len(pattern) >= bestLen {
			bestLen = len(pattern)
			allowed = true
		}
	}
	return allowed
}

// patternMatches matches a robots path pattern: '*' spans any substring and
// a trailing '$' anchors the end of the path.
func patternMatches(pattern, path string) bool {
	anchored := strings.HasSuffix(pattern, "$")
	if anchored {
		pattern = strings.TrimSuffix(pattern, "$")
	}
	expr := "^"
	for i, part := range strings.Split(pattern, "*") {
		if i > 0 {
			expr += ".*"
		}
		expr += regexp.QuoteMeta(part)
	}
	if anchored {
		expr += "$"
	}
	matched, err := regexp.MatchString(expr, path)
	return err == nil && matched
}

// origin returns scheme://host[:port], the unit of robots scope
func origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
