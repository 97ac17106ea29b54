package ratelimit

import (
	"context"
	"sync"
	"time"

	"postdeck/internal/models"
)

// MemoryLimiter is a single-process limiter with the same window
// semantics as the Redis one. It backs tests and single-instance
// deployments that run without Redis.
type MemoryLimiter struct {
	rules Rules
	now   func() time.Time

	mu        sync.Mutex
	counters  map[string]int
	overrides map[string]overrideRecord
}

func NewMemoryLimiter(rules Rules) *MemoryLimiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &MemoryLimiter{
		rules:     rules,
		now:       time.Now,
		counters:  make(map[string]int),
		overrides: make(map[string]overrideRecord),
	}
}

func (l *MemoryLimiter) Check(ctx context.Context, accountID string, p models.Platform, endpoint string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	if rec, ok := l.overrides[overrideKey(accountID, p, endpoint)]; ok && now.Before(rec.ResetsAt) {
		return Decision{
			Allowed:   rec.Remaining > 0,
			Limit:     rec.Limit,
			Remaining: rec.Remaining,
			ResetsAt:  rec.ResetsAt,
			Source:    "override",
		}, nil
	}

	rule, ok := l.rules.rule(p, endpoint)
	if !ok {
		return Decision{Allowed: true, Source: "unlimited"}, nil
	}

	start := windowStart(now, rule.Window)
	used := l.counters[counterKey(accountID, p, endpoint, start)]
	remaining := rule.Limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   used < rule.Limit,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetsAt:  start.Add(rule.Window),
		Source:    "window",
	}, nil
}

func (l *MemoryLimiter) Consume(ctx context.Context, accountID string, p models.Platform, endpoint string) error {
	rule, ok := l.rules.rule(p, endpoint)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	start := windowStart(l.now(), rule.Window)
	l.counters[counterKey(accountID, p, endpoint, start)]++
	return nil
}

func (l *MemoryLimiter) Override(ctx context.Context, accountID string, p models.Platform, endpoint string, remaining, limit int, resetsAt time.Time) error {
	if !l.now().Before(resetsAt) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[overrideKey(accountID, p, endpoint)] = overrideRecord{
		Remaining: remaining,
		Limit:     limit,
		ResetsAt:  resetsAt,
	}
	return nil
}
