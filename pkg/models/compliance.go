package models

import "time"

// CheckStatus is the outcome of one compliance rule
type CheckStatus string

// Check statuses
const (
	CheckPass    CheckStatus = "pass"
	CheckWarning CheckStatus = "warning"
	CheckFail    CheckStatus = "fail"
)

// ComplianceRuleResult is the outcome of a single rule in a check
type ComplianceRuleResult struct {
	Rule    string      `json:"rule"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

// ComplianceCheck is a cached assessment of whether a source may be used
type ComplianceCheck struct {
	SourceID  string                 `json:"source_id"`
	CheckedAt time.Time              `json:"checked_at"`
	Results   []ComplianceRuleResult `json:"results"`
	Eligible  bool                   `json:"eligible"`
}

// FailureReasons lists the messages of failing rules
func (c ComplianceCheck) FailureReasons() []string {
	var reasons []string
	for _, r := range c.Results {
		if r.Status == CheckFail {
			reasons = append(reasons, r.Message)
		}
	}
	return reasons
}
