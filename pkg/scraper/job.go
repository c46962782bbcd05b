// Package scraper runs registered scraping jobs against web pages, honoring
// robots.txt and per-origin politeness limits, and extracts fields with CSS
// selectors.
package scraper

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/openwatt/datamesh/pkg/errors"
)

// contactPattern requires the user agent to carry an http(s) contact URL
var contactPattern = regexp.MustCompile(`https?://\S+`)

// JobRateLimit is the per-job politeness policy
type JobRateLimit struct {
	// Delay is the minimum spacing between requests to the job's origin
	Delay time.Duration `json:"delay" mapstructure:"delay"`
	// Concurrent caps simultaneous fetches for this job
	Concurrent int `json:"concurrent" mapstructure:"concurrent"`
}

// ValidationRuleType enumerates validation rule kinds
type ValidationRuleType string

// Validation rule types
const (
	RuleRequired ValidationRuleType = "required"
	RulePattern  ValidationRuleType = "pattern"
	RuleRange    ValidationRuleType = "range"
	RuleCustom   ValidationRuleType = "custom"
)

// ValidationRule checks one extracted field. Required violations are errors;
// pattern and range violations are warnings.
type ValidationRule struct {
	Field   string             `json:"field" mapstructure:"field"`
	Type    ValidationRuleType `json:"type" mapstructure:"type"`
	Pattern string             `json:"pattern,omitempty" mapstructure:"pattern"`
	Min     *float64           `json:"min,omitempty" mapstructure:"min"`
	Max     *float64           `json:"max,omitempty" mapstructure:"max"`
	Check   func(string) bool  `json:"-"`
}

// Job describes one registered scraping job
type Job struct {
	ID        string `json:"id" mapstructure:"id"`
	Name      string `json:"name" mapstructure:"name"`
	TargetURL string `json:"target_url" mapstructure:"target_url"`

	// Selectors maps output field names to selector specs. A spec is either
	// a shorthand ("title", "class=price", "id=main") or a raw CSS selector.
	Selectors map[string]string `json:"selectors" mapstructure:"selectors"`

	Headers   map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	UserAgent string            `json:"user_agent" mapstructure:"user_agent"`
	Timeout   time.Duration     `json:"timeout" mapstructure:"timeout"`

	RateLimit        JobRateLimit     `json:"rate_limit" mapstructure:"rate_limit"`
	RespectRobotsTxt bool             `json:"respect_robots_txt" mapstructure:"respect_robots_txt"`
	Validation       []ValidationRule `json:"validation,omitempty"`
}

// Validate enforces the registration policy: a job needs a valid target, at
// least one selector, a configured rate limit, and a user agent that
// identifies itself as a bot with a contact URL.
func (j Job) Validate() error {
	if j.ID == "" {
		return errors.Validation("job id is required")
	}
	parsed, err := url.Parse(j.TargetURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return errors.Validation("job %s: invalid target URL %q", j.ID, j.TargetURL)
	}
	if len(j.Selectors) == 0 {
		return errors.Validation("job %s: at least one selector is required", j.ID)
	}
	if j.RateLimit.Delay <= 0 {
		return errors.Validation("job %s: rate limit delay must be configured", j.ID)
	}
	if !strings.Contains(j.UserAgent, "Bot") {
		return errors.Validation("job %s: user agent must identify as a bot", j.ID)
	}
	if !contactPattern.MatchString(j.UserAgent) {
		return errors.Validation("job %s: user agent must include a contact URL", j.ID)
	}
	for _, rule := range j.Validation {
		if rule.Field == "" {
			return errors.Validation("job %s: validation rule missing field", j.ID)
		}
		if rule.Type == RulePattern {
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return errors.Validation("job %s: invalid validation pattern for %s", j.ID, rule.Field)
			}
		}
	}
	return nil
}

// selectorToCSS expands the selector shorthand into a CSS selector
func selectorToCSS(spec string) string {
	switch {
	case spec == "title":
		return "title"
	case strings.HasPrefix(spec, "class="):
		return "." + strings.TrimPrefix(spec, "class=")
	case strings.HasPrefix(spec, "id="):
		return "#" + strings.TrimPrefix(spec, "id=")
	default:
		return spec
	}
}
