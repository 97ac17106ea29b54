// Package ratelimit enforces fixed-window request budgets keyed by
// (account, platform, endpoint). The window counter lives in Redis so
// every scheduler instance sees the same budget; vendor-reported budgets
// override the local counter when present.
package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	"postdeck/internal/models"
)

// Rule is the static budget for one platform endpoint.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Rules maps platform and endpoint to a budget. Endpoints without a rule
// are unlimited locally (vendor overrides still apply).
type Rules map[models.Platform]map[string]Rule

// DefaultRules reflects the documented per-account publish budgets.
func DefaultRules() Rules {
	return Rules{
		models.PlatformTwitter: {
			"tweets": {Limit: 300, Window: 3 * time.Hour},
			"media":  {Limit: 500, Window: 24 * time.Hour},
		},
		models.PlatformInstagram: {
			"media":         {Limit: 50, Window: time.Hour},
			"media_publish": {Limit: 25, Window: 24 * time.Hour},
		},
		models.PlatformLinkedIn: {
			"ugcPosts": {Limit: 150, Window: 24 * time.Hour},
			"assets":   {Limit: 300, Window: 24 * time.Hour},
		},
		models.PlatformTikTok: {
			"post/publish": {Limit: 15, Window: 24 * time.Hour},
		},
	}
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
	Source    string    `json:"source"` // window, override, unlimited
}

// Snapshot renders the decision for the diagnostic column on the
// scheduled post.
func (d Decision) Snapshot() string {
	raw, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Limiter answers budget checks and records consumption.
type Limiter interface {
	// Check reports whether one more request fits the current window
	// without consuming anything.
	Check(ctx context.Context, accountID string, p models.Platform, endpoint string) (Decision, error)

	// Consume counts one request against the window.
	Consume(ctx context.Context, accountID string, p models.Platform, endpoint string) error

	// Override installs a vendor-reported budget that takes precedence
	// over the local counter until resetsAt.
	Override(ctx context.Context, accountID string, p models.Platform, endpoint string, remaining int, limit int, resetsAt time.Time) error
}

func (r Rules) rule(p models.Platform, endpoint string) (Rule, bool) {
	endpoints, ok := r[p]
	if !ok {
		return Rule{}, false
	}
	rule, ok := endpoints[endpoint]
	return rule, ok
}

// windowStart floors now to the rule's window so every instance computes
// the same bucket.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}
