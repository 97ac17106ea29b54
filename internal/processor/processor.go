// Package processor drives the scheduled post state machine: claim due
// posts, resolve credentials, enforce rate budgets, publish through the
// platform adapters, and record the outcome.
package processor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"postdeck/internal/credentials"
	"postdeck/internal/models"
	"postdeck/internal/platform"
	"postdeck/internal/ratelimit"
	"postdeck/pkg/kafka"
	"postdeck/pkg/logging"
)

type postStore interface {
	ClaimDuePosts(ctx context.Context, lookahead time.Duration, limit int) ([]models.ScheduledPost, error)
	GetPost(ctx context.Context, id string) (models.Post, error)
	MarkPublished(ctx context.Context, id, platformPostID, platformURL string) (bool, error)
	MarkFailed(ctx context.Context, id, errorCode, errorMessage string, nextRetryAt time.Time) (bool, error)
	DeferForRateLimit(ctx context.Context, id string, resumeAt time.Time, snapshot string) (bool, error)
	ResetDueRetries(ctx context.Context) (int64, error)
	PublishedSince(ctx context.Context, since time.Time, limit int) ([]models.ScheduledPost, error)
	UpsertAnalytics(ctx context.Context, a models.PostingAnalytics) error
}

type credentialManager interface {
	Load(ctx context.Context, accountID string) (models.SocialAccount, models.PlatformCredentials, error)
	EnsureFresh(ctx context.Context, account models.SocialAccount, creds models.PlatformCredentials, refresher credentials.Refresher) (models.PlatformCredentials, error)
}

type adapterSource interface {
	Adapter(account models.SocialAccount, creds models.PlatformCredentials) (platform.Adapter, error)
}

type eventSink interface {
	ProduceEvent(topic string, event kafka.Event) error
}

// Config tunes the publishing passes.
type Config struct {
	// Lookahead pulls posts due within this much of now, so a post lands
	// close to its scheduled time instead of one tick late.
	Lookahead time.Duration

	// ClaimBatch caps posts claimed per pass.
	ClaimBatch int

	// MaxConcurrency caps account groups publishing in parallel. Posts
	// for the same (account, platform) always run sequentially.
	MaxConcurrency int

	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64

	// AnalyticsWindow bounds how far back the analytics pass refreshes.
	AnalyticsWindow time.Duration
	AnalyticsBatch  int

	// EventTopic receives outcome events; empty disables event emission.
	EventTopic string
}

func DefaultConfig() Config {
	return Config{
		Lookahead:       5 * time.Minute,
		ClaimBatch:      50,
		MaxConcurrency:  8,
		BaseBackoff:     time.Minute,
		MaxBackoff:      time.Hour,
		JitterFraction:  0.1,
		AnalyticsWindow: 30 * 24 * time.Hour,
		AnalyticsBatch:  200,
		EventTopic:      "publishing-events",
	}
}

// RunOutcome summarizes one publish pass.
type RunOutcome struct {
	Claimed   int
	Published int
	Failed    int
	Deferred  int
	Errors    []string
}

type Processor struct {
	cfg      Config
	store    postStore
	creds    credentialManager
	adapters adapterSource
	limiter  ratelimit.Limiter
	events   eventSink
	metrics  *Metrics
	logger   logging.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

func New(cfg Config, store postStore, creds credentialManager, adapters adapterSource, limiter ratelimit.Limiter, logger logging.Logger) *Processor {
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 50
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Minute
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Hour
	}
	return &Processor{
		cfg:      cfg,
		store:    store,
		creds:    creds,
		adapters: adapters,
		limiter:  limiter,
		logger:   logger,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetEvents installs an outcome event sink.
func (p *Processor) SetEvents(events eventSink) { p.events = events }

// SetMetrics installs the prometheus instruments.
func (p *Processor) SetMetrics(m *Metrics) { p.metrics = m }

// publishEndpoint names the rate-limited endpoint a publish consumes.
func publishEndpoint(pl models.Platform) string {
	switch pl {
	case models.PlatformTwitter:
		return "tweets"
	case models.PlatformInstagram:
		return "media_publish"
	case models.PlatformLinkedIn:
		return "ugcPosts"
	case models.PlatformTikTok:
		return "post/publish"
	default:
		return "feed"
	}
}

// RunPublishPass claims due posts and publishes them. Posts sharing an
// (account, platform) pair run in order; distinct pairs run in parallel
// up to MaxConcurrency.
func (p *Processor) RunPublishPass(ctx context.Context) (RunOutcome, error) {
	var outcome RunOutcome

	posts, err := p.store.ClaimDuePosts(ctx, p.cfg.Lookahead, p.cfg.ClaimBatch)
	if err != nil {
		return outcome, fmt.Errorf("publish pass: %w", err)
	}
	outcome.Claimed = len(posts)
	if len(posts) == 0 {
		return outcome, nil
	}

	groups := make(map[string][]models.ScheduledPost)
	for _, sp := range posts {
		key := string(sp.Platform) + ":" + sp.SocialAccountID
		groups[key] = append(groups[key], sp)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrency)

	for _, group := range groups {
		group := group
		g.Go(func() error {
			for _, sp := range group {
				result := p.processOne(gctx, sp)
				mu.Lock()
				switch result.kind {
				case outcomePublished:
					outcome.Published++
				case outcomeDeferred:
					outcome.Deferred++
				case outcomeFailed:
					outcome.Failed++
				}
				if result.err != nil {
					outcome.Errors = append(outcome.Errors, result.err.Error())
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	p.emitRunEvent(outcome)
	return outcome, nil
}

type outcomeKind int

const (
	outcomePublished outcomeKind = iota
	outcomeFailed
	outcomeDeferred
	outcomeDiscarded
)

type attemptResult struct {
	kind outcomeKind
	err  error
}

func (p *Processor) processOne(ctx context.Context, sp models.ScheduledPost) attemptResult {
	log := p.logger.WithFields(logrus.Fields{
		"scheduled_post_id": sp.ID,
		"platform":          sp.Platform,
		"account_id":        sp.SocialAccountID,
		"retry_count":       sp.RetryCount,
	})
	started := time.Now()

	account, creds, err := p.creds.Load(ctx, sp.SocialAccountID)
	if err != nil {
		return p.failAttempt(ctx, sp, platform.Classify(err), log)
	}

	adapter, err := p.adapters.Adapter(account, creds)
	if err != nil {
		return p.failAttempt(ctx, sp, platform.NewError(platform.ErrPlatformError, err.Error(), false), log)
	}

	fresh, err := p.creds.EnsureFresh(ctx, account, creds, adapter)
	if err != nil {
		return p.failAttempt(ctx, sp, platform.Classify(err), log)
	}
	adapter.SetCredentials(fresh)

	post, err := p.store.GetPost(ctx, sp.PostID)
	if err != nil {
		return p.failAttempt(ctx, sp, platform.Classify(err), log)
	}

	endpoint := publishEndpoint(sp.Platform)
	decision, err := p.limiter.Check(ctx, sp.SocialAccountID, sp.Platform, endpoint)
	if err != nil {
		return p.failAttempt(ctx, sp, platform.Classify(err), log)
	}
	if !decision.Allowed {
		return p.deferAttempt(ctx, sp, decision.ResetsAt, decision.Snapshot(), log)
	}

	result, err := adapter.PublishPost(ctx, &post, post.Options)

	if cerr := p.limiter.Consume(ctx, sp.SocialAccountID, sp.Platform, endpoint); cerr != nil {
		log.WithError(cerr).Warn("Failed to record rate limit consumption")
	}
	p.applyVendorBudget(ctx, sp, adapter, endpoint, log)

	if err != nil {
		return p.failAttempt(ctx, sp, platform.Classify(err), log)
	}
	if result.Error != nil {
		// A vendor-reported rate limit counts as a failed attempt; only
		// the pre-attempt window check defers without a retry penalty.
		// The exhausted budget still lands in the limiter via the header
		// override above, so the next pass defers before calling out.
		return p.failAttempt(ctx, sp, result.Error, log)
	}

	applied, err := p.store.MarkPublished(ctx, sp.ID, result.PlatformPostID, result.PlatformURL)
	if err != nil {
		return attemptResult{kind: outcomeFailed, err: fmt.Errorf("scheduled post %s: %w", sp.ID, err)}
	}
	if !applied {
		// Cancelled while the publish was in flight; the post is live on
		// the platform but our record stays cancelled.
		log.Warn("Publish outcome discarded; post left processing state mid-flight")
		return attemptResult{kind: outcomeDiscarded}
	}

	log.WithFields(logrus.Fields{
		"platform_post_id": result.PlatformPostID,
		"duration":         time.Since(started).String(),
	}).Info("Post published")
	p.observePublish(sp.Platform, "published", time.Since(started))
	p.emitPostEvent(kafka.EventPostPublished, sp, map[string]interface{}{
		"platform_post_id": result.PlatformPostID,
		"platform_url":     result.PlatformURL,
	})
	return attemptResult{kind: outcomePublished}
}

// applyVendorBudget pushes adapter-captured budget headers into the shared
// limiter so other instances see the vendor's view.
func (p *Processor) applyVendorBudget(ctx context.Context, sp models.ScheduledPost, adapter platform.Adapter, endpoint string, log *logrus.Entry) {
	status := adapter.RateLimitStatus(endpoint)
	if status.Source != "headers" || status.ResetsAt.IsZero() {
		return
	}
	if err := p.limiter.Override(ctx, sp.SocialAccountID, sp.Platform, endpoint,
		status.Remaining, status.Limit, status.ResetsAt); err != nil {
		log.WithError(err).Warn("Failed to store vendor rate limit override")
	}
}

func (p *Processor) deferAttempt(ctx context.Context, sp models.ScheduledPost, resumeAt time.Time, snapshot string, log *logrus.Entry) attemptResult {
	applied, err := p.store.DeferForRateLimit(ctx, sp.ID, resumeAt, snapshot)
	if err != nil {
		return attemptResult{kind: outcomeFailed, err: fmt.Errorf("defer scheduled post %s: %w", sp.ID, err)}
	}
	if !applied {
		return attemptResult{kind: outcomeDiscarded}
	}
	log.WithField("resume_at", resumeAt).Info("Publish deferred by rate limit")
	if p.metrics != nil {
		p.metrics.DeferralsTotal.WithLabelValues(string(sp.Platform)).Inc()
	}
	return attemptResult{kind: outcomeDeferred}
}

func (p *Processor) failAttempt(ctx context.Context, sp models.ScheduledPost, perr *platform.Error, log *logrus.Entry) attemptResult {
	var nextRetryAt time.Time
	attemptsLeft := sp.RetryCount+1 < sp.MaxRetries
	if perr.Retryable && attemptsLeft {
		nextRetryAt = time.Now().Add(p.backoff(sp.RetryCount))
	}

	applied, err := p.store.MarkFailed(ctx, sp.ID, string(perr.Code), perr.Message, nextRetryAt)
	if err != nil {
		return attemptResult{kind: outcomeFailed, err: fmt.Errorf("scheduled post %s: %w", sp.ID, err)}
	}
	if !applied {
		return attemptResult{kind: outcomeDiscarded}
	}

	entry := log.WithFields(logrus.Fields{
		"error_code": perr.Code,
		"retryable":  perr.Retryable,
	})
	if nextRetryAt.IsZero() {
		entry.WithField("error_message", perr.Message).Error("Post failed terminally")
	} else {
		entry.WithField("next_retry_at", nextRetryAt).Warn("Post failed; retry scheduled")
	}

	p.observePublish(sp.Platform, "failed", 0)
	p.emitPostEvent(kafka.EventPostFailed, sp, map[string]interface{}{
		"error_code":    string(perr.Code),
		"error_message": perr.Message,
		"retryable":     perr.Retryable,
		"terminal":      nextRetryAt.IsZero(),
	})
	return attemptResult{kind: outcomeFailed, err: perr}
}

// backoff computes the delay before retry n+1: base doubled per prior
// attempt, capped, with a small random spread so retries from one bad
// window do not land together.
func (p *Processor) backoff(retryCount int) time.Duration {
	d := p.cfg.BaseBackoff
	for i := 0; i < retryCount && d < p.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	if p.cfg.JitterFraction > 0 {
		p.mu.Lock()
		spread := (p.rand.Float64()*2 - 1) * p.cfg.JitterFraction
		p.mu.Unlock()
		d = time.Duration(float64(d) * (1 + spread))
	}
	return d
}

// RunRetryPass returns failed posts with remaining budget and an elapsed
// backoff to pending.
func (p *Processor) RunRetryPass(ctx context.Context) (int64, error) {
	reset, err := p.store.ResetDueRetries(ctx)
	if err != nil {
		return 0, fmt.Errorf("retry pass: %w", err)
	}
	if reset > 0 {
		p.logger.WithField("count", reset).Info("Reset failed posts for retry")
		if p.metrics != nil {
			p.metrics.RetriesReset.Add(float64(reset))
		}
	}
	return reset, nil
}

// RunAnalyticsPass refreshes metrics for recently published posts. Every
// failure is logged and skipped; analytics never affects publishing.
func (p *Processor) RunAnalyticsPass(ctx context.Context) (int, error) {
	since := time.Now().Add(-p.cfg.AnalyticsWindow)
	posts, err := p.store.PublishedSince(ctx, since, p.cfg.AnalyticsBatch)
	if err != nil {
		return 0, fmt.Errorf("analytics pass: %w", err)
	}

	updated := 0
	for _, sp := range posts {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}
		if !sp.PlatformPostID.Valid {
			continue
		}
		log := p.logger.WithFields(logrus.Fields{
			"scheduled_post_id": sp.ID,
			"platform":          sp.Platform,
		})

		account, creds, err := p.creds.Load(ctx, sp.SocialAccountID)
		if err != nil {
			log.WithError(err).Warn("Analytics skipped; account load failed")
			continue
		}
		adapter, err := p.adapters.Adapter(account, creds)
		if err != nil {
			log.WithError(err).Warn("Analytics skipped; no adapter")
			continue
		}
		fresh, err := p.creds.EnsureFresh(ctx, account, creds, adapter)
		if err != nil {
			log.WithError(err).Warn("Analytics skipped; credential refresh failed")
			continue
		}
		adapter.SetCredentials(fresh)

		analytics, err := adapter.FetchAnalytics(ctx, sp.PlatformPostID.String)
		if err != nil {
			log.WithError(err).Warn("Analytics fetch failed")
			continue
		}
		if analytics.Empty() {
			continue
		}
		analytics.ScheduledPostID = sp.ID
		if err := p.store.UpsertAnalytics(ctx, analytics); err != nil {
			log.WithError(err).Warn("Analytics upsert failed")
			continue
		}
		updated++
	}
	return updated, nil
}

func (p *Processor) observePublish(pl models.Platform, result string, duration time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.PublishesTotal.WithLabelValues(string(pl), result).Inc()
	if duration > 0 {
		p.metrics.PublishDuration.WithLabelValues(string(pl)).Observe(duration.Seconds())
	}
}

func (p *Processor) emitPostEvent(eventType string, sp models.ScheduledPost, data map[string]interface{}) {
	if p.events == nil || p.cfg.EventTopic == "" {
		return
	}
	data["scheduled_post_id"] = sp.ID
	data["platform"] = string(sp.Platform)
	data["account_id"] = sp.SocialAccountID
	event := kafka.NewEvent(eventType, "herald", data)
	if err := p.events.ProduceEvent(p.cfg.EventTopic, event); err != nil {
		p.logger.WithError(err).Warn("Failed to produce post event")
	}
}

func (p *Processor) emitRunEvent(outcome RunOutcome) {
	if p.events == nil || p.cfg.EventTopic == "" || outcome.Claimed == 0 {
		return
	}
	event := kafka.NewEvent(kafka.EventPublishRunCompleted, "herald", map[string]interface{}{
		"claimed":   outcome.Claimed,
		"published": outcome.Published,
		"failed":    outcome.Failed,
		"deferred":  outcome.Deferred,
	})
	if err := p.events.ProduceEvent(p.cfg.EventTopic, event); err != nil {
		p.logger.WithError(err).Warn("Failed to produce run event")
	}
}
