package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"postdeck/internal/models"
)

// RedisLimiter keeps window counters and vendor overrides in Redis.
// Counter keys carry the window start so expired windows age out via TTL
// instead of explicit resets.
type RedisLimiter struct {
	client goredis.UniversalClient
	rules  Rules
	now    func() time.Time
}

func NewRedisLimiter(client goredis.UniversalClient, rules Rules) *RedisLimiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &RedisLimiter{client: client, rules: rules, now: time.Now}
}

func counterKey(accountID string, p models.Platform, endpoint string, start time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s:%d", p, accountID, endpoint, start.Unix())
}

func overrideKey(accountID string, p models.Platform, endpoint string) string {
	return fmt.Sprintf("ratelimit:override:%s:%s:%s", p, accountID, endpoint)
}

type overrideRecord struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetsAt  time.Time `json:"resets_at"`
}

func (l *RedisLimiter) Check(ctx context.Context, accountID string, p models.Platform, endpoint string) (Decision, error) {
	now := l.now()

	// A vendor override wins over the local window.
	raw, err := l.client.Get(ctx, overrideKey(accountID, p, endpoint)).Result()
	if err != nil && err != goredis.Nil {
		return Decision{}, fmt.Errorf("read rate limit override: %w", err)
	}
	if err == nil {
		var rec overrideRecord
		if jerr := json.Unmarshal([]byte(raw), &rec); jerr == nil && now.Before(rec.ResetsAt) {
			return Decision{
				Allowed:   rec.Remaining > 0,
				Limit:     rec.Limit,
				Remaining: rec.Remaining,
				ResetsAt:  rec.ResetsAt,
				Source:    "override",
			}, nil
		}
	}

	rule, ok := l.rules.rule(p, endpoint)
	if !ok {
		return Decision{Allowed: true, Source: "unlimited"}, nil
	}

	start := windowStart(now, rule.Window)
	count, err := l.client.Get(ctx, counterKey(accountID, p, endpoint, start)).Result()
	if err != nil && err != goredis.Nil {
		return Decision{}, fmt.Errorf("read rate limit counter: %w", err)
	}
	used := 0
	if err == nil {
		used, _ = strconv.Atoi(count)
	}

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

func (l *RedisLimiter) Consume(ctx context.Context, accountID string, p models.Platform, endpoint string) error {
	rule, ok := l.rules.rule(p, endpoint)
	if !ok {
		return nil
	}

	now := l.now()
	start := windowStart(now, rule.Window)
	key := counterKey(accountID, p, endpoint, start)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// TTL slightly past the window end covers clock skew between instances.
	pipe.PExpire(ctx, key, rule.Window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("consume rate limit: %w", err)
	}
	_ = incr
	return nil
}

func (l *RedisLimiter) Override(ctx context.Context, accountID string, p models.Platform, endpoint string, remaining, limit int, resetsAt time.Time) error {
	ttl := time.Until(resetsAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(overrideRecord{Remaining: remaining, Limit: limit, ResetsAt: resetsAt})
	if err != nil {
		return err
	}
	if err := l.client.Set(ctx, overrideKey(accountID, p, endpoint), raw, ttl).Err(); err != nil {
		return fmt.Errorf("set rate limit override: %w", err)
	}
	return nil
}
