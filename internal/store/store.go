// Package store is the Postgres persistence layer. It owns the scheduled
// post state machine transitions and the encrypted token columns; callers
// never see ciphertext and never write state columns directly.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"postdeck/internal/models"
	"postdeck/pkg/crypto"
	"postdeck/pkg/logging"
)

const scheduledPostColumns = `id, post_id, social_account_id, platform, scheduled_for, timezone,
	processing_started_at, processing_completed_at, published_at,
	status, retry_count, max_retries, next_retry_at,
	error_code, error_message, platform_post_id, platform_url,
	rate_limit_snapshot, created_at, updated_at`

type Store struct {
	db           *sql.DB
	accessCrypt  *crypto.FieldEncryptor
	refreshCrypt *crypto.FieldEncryptor
	logger       logging.Logger
}

func NewStore(db *sql.DB, accessCrypt, refreshCrypt *crypto.FieldEncryptor, logger logging.Logger) *Store {
	return &Store{db: db, accessCrypt: accessCrypt, refreshCrypt: refreshCrypt, logger: logger}
}

// ClaimDuePosts atomically flips due pending posts to processing and
// returns them. The subquery takes row locks with SKIP LOCKED so
// concurrent scheduler instances never claim the same post twice.
func (s *Store) ClaimDuePosts(ctx context.Context, lookahead time.Duration, limit int) ([]models.ScheduledPost, error) {
	query := fmt.Sprintf(`
		UPDATE scheduled_posts SET status = 'processing', processing_started_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM scheduled_posts
			WHERE status = 'pending'
			  AND scheduled_for <= NOW() + $1::interval
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY scheduled_for
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, scheduledPostColumns)

	rows, err := s.db.QueryContext(ctx, query, lookahead.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due posts: %w", err)
	}
	defer rows.Close()

	var posts []models.ScheduledPost
	for rows.Next() {
		sp, err := scanScheduledPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, sp)
	}
	return posts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledPost(row rowScanner) (models.ScheduledPost, error) {
	var sp models.ScheduledPost
	err := row.Scan(
		&sp.ID, &sp.PostID, &sp.SocialAccountID, &sp.Platform, &sp.ScheduledFor, &sp.Timezone,
		&sp.ProcessingStartedAt, &sp.ProcessingCompletedAt, &sp.PublishedAt,
		&sp.Status, &sp.RetryCount, &sp.MaxRetries, &sp.NextRetryAt,
		&sp.ErrorCode, &sp.ErrorMessage, &sp.PlatformPostID, &sp.PlatformURL,
		&sp.RateLimitSnapshot, &sp.CreatedAt, &sp.UpdatedAt,
	)
	if err != nil {
		return models.ScheduledPost{}, fmt.Errorf("scan scheduled post: %w", err)
	}
	return sp, nil
}

func (s *Store) GetScheduledPost(ctx context.Context, id string) (models.ScheduledPost, error) {
	query := fmt.Sprintf(`SELECT %s FROM scheduled_posts WHERE id = $1`, scheduledPostColumns)
	return scanScheduledPost(s.db.QueryRowContext(ctx, query, id))
}

// MarkPublished records a successful publish. Returns false when the row
// was no longer processing, which means the post was cancelled mid-flight
// and the outcome must be discarded.
func (s *Store) MarkPublished(ctx context.Context, id, platformPostID, platformURL string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = 'published', platform_post_id = $2, platform_url = $3,
		    published_at = NOW(), processing_completed_at = NOW(),
		    error_code = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		id, platformPostID, platformURL)
	if err != nil {
		return false, fmt.Errorf("mark published: %w", err)
	}
	return oneRow(result)
}

// MarkFailed records a failed attempt, bumping retry_count. A zero
// nextRetryAt leaves the post failed with no scheduled retry.
func (s *Store) MarkFailed(ctx context.Context, id, errorCode, errorMessage string, nextRetryAt time.Time) (bool, error) {
	var retryAt sql.NullTime
	if !nextRetryAt.IsZero() {
		retryAt = sql.NullTime{Time: nextRetryAt, Valid: true}
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = 'failed', retry_count = retry_count + 1, next_retry_at = $4,
		    error_code = $2, error_message = $3,
		    processing_completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		id, errorCode, errorMessage, retryAt)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return oneRow(result)
}

// DeferForRateLimit puts a claimed post back to pending until the window
// resets. The attempt does not count against the retry budget.
func (s *Store) DeferForRateLimit(ctx context.Context, id string, resumeAt time.Time, snapshot string) (bool, error) {
	var snap sql.NullString
	if snapshot != "" {
		snap = sql.NullString{String: snapshot, Valid: true}
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = 'pending', next_retry_at = $2, rate_limit_snapshot = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		id, resumeAt, snap)
	if err != nil {
		return false, fmt.Errorf("defer for rate limit: %w", err)
	}
	return oneRow(result)
}

// ResetDueRetries flips failed posts with remaining budget and an elapsed
// backoff back to pending so the next publish pass picks them up.
func (s *Store) ResetDueRetries(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET status = 'pending', error_code = NULL, error_message = NULL,
		    updated_at = NOW()
		WHERE status = 'failed' AND retry_count < max_retries
		  AND next_retry_at IS NOT NULL AND next_retry_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("reset due retries: %w", err)
	}
	return result.RowsAffected()
}

// Cancel marks a pending or failed post cancelled. Posts already being
// processed cannot be cancelled here; the state guard on the outcome
// writes covers a cancellation racing an in-flight attempt.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'failed')`, id)
	if err != nil {
		return false, fmt.Errorf("cancel: %w", err)
	}
	return oneRow(result)
}

func oneRow(result sql.Result) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// GetPost loads the content unit. media_urls, hashtags and mentions are
// text arrays; options is a jsonb blob.
func (s *Store) GetPost(ctx context.Context, id string) (models.Post, error) {
	var p models.Post
	var optionsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, body, content_type, media_urls, media_type, hashtags, mentions, options
		FROM posts WHERE id = $1`, id).Scan(
		&p.ID, &p.Body, &p.ContentType, pq.Array(&p.MediaURLs), &p.MediaType,
		pq.Array(&p.Hashtags), pq.Array(&p.Mentions), &optionsJSON)
	if err != nil {
		return models.Post{}, fmt.Errorf("get post: %w", err)
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &p.Options); err != nil {
			return models.Post{}, fmt.Errorf("parse post options: %w", err)
		}
	}
	return p, nil
}

func (s *Store) GetSocialAccount(ctx context.Context, id string) (models.SocialAccount, error) {
	var a models.SocialAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, platform, platform_account_id, username,
		       access_token, refresh_token, token_expires_at, scopes, created_at, updated_at
		FROM social_accounts WHERE id = $1`, id).Scan(
		&a.ID, &a.Platform, &a.PlatformAccountID, &a.Username,
		&a.AccessTokenCipher, &a.RefreshTokenCipher, &a.TokenExpiresAt,
		pq.Array(&a.Scopes), &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return models.SocialAccount{}, fmt.Errorf("get social account: %w", err)
	}
	return a, nil
}

// Credentials decrypts an account's tokens into an in-memory credential
// value. Plaintext never goes back to the database.
func (s *Store) Credentials(account models.SocialAccount) (models.PlatformCredentials, error) {
	access, err := s.accessCrypt.Decrypt(account.AccessTokenCipher)
	if err != nil {
		return models.PlatformCredentials{}, fmt.Errorf("decrypt access token for account %s: %w", account.ID, err)
	}
	creds := models.PlatformCredentials{AccessToken: access, Scopes: account.Scopes}
	if account.RefreshTokenCipher.Valid {
		refresh, err := s.refreshCrypt.Decrypt(account.RefreshTokenCipher.String)
		if err != nil {
			return models.PlatformCredentials{}, fmt.Errorf("decrypt refresh token for account %s: %w", account.ID, err)
		}
		creds.RefreshToken = refresh
	}
	if account.TokenExpiresAt.Valid {
		creds.ExpiresAt = account.TokenExpiresAt.Time
	}
	return creds, nil
}

// SaveCredentials encrypts and persists refreshed tokens. An empty refresh
// token clears the stored one rather than writing an empty ciphertext.
func (s *Store) SaveCredentials(ctx context.Context, accountID string, creds models.PlatformCredentials) error {
	accessCipher, err := s.accessCrypt.Encrypt(creds.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	var refreshCipher sql.NullString
	if creds.RefreshToken != "" {
		cipher, err := s.refreshCrypt.Encrypt(creds.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		refreshCipher = sql.NullString{String: cipher, Valid: true}
	}
	var expiresAt sql.NullTime
	if !creds.ExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Time: creds.ExpiresAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE social_accounts
		SET access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = NOW()
		WHERE id = $1`,
		accountID, accessCipher, refreshCipher, expiresAt)
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// UpsertAnalytics writes one metrics snapshot per scheduled post,
// replacing the previous snapshot on conflict.
func (s *Store) UpsertAnalytics(ctx context.Context, a models.PostingAnalytics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posting_analytics
			(scheduled_post_id, platform_post_id, reach, impressions, likes, comments,
			 shares, saves, clicks, video_views, engagement_rate, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (scheduled_post_id) DO UPDATE SET
			reach = EXCLUDED.reach, impressions = EXCLUDED.impressions,
			likes = EXCLUDED.likes, comments = EXCLUDED.comments,
			shares = EXCLUDED.shares, saves = EXCLUDED.saves,
			clicks = EXCLUDED.clicks, video_views = EXCLUDED.video_views,
			engagement_rate = EXCLUDED.engagement_rate, fetched_at = EXCLUDED.fetched_at`,
		a.ScheduledPostID, a.PlatformPostID, a.Reach, a.Impressions, a.Likes, a.Comments,
		a.Shares, a.Saves, a.Clicks, a.VideoViews, a.EngagementRate, a.FetchedAt)
	if err != nil {
		return fmt.Errorf("upsert analytics: %w", err)
	}
	return nil
}

// PublishedSince lists posts published within the window, newest first,
// for the analytics refresh pass.
func (s *Store) PublishedSince(ctx context.Context, since time.Time, limit int) ([]models.ScheduledPost, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM scheduled_posts
		WHERE status = 'published' AND published_at >= $1
		ORDER BY published_at DESC
		LIMIT $2`, scheduledPostColumns)

	rows, err := s.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("published since: %w", err)
	}
	defer rows.Close()

	var posts []models.ScheduledPost
	for rows.Next() {
		sp, err := scanScheduledPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, sp)
	}
	return posts, rows.Err()
}

// StatusCounts returns scheduled post counts by status, for the status
// endpoint and gauges.
func (s *Store) StatusCounts(ctx context.Context) (map[models.PostStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM scheduled_posts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.PostStatus]int64)
	for rows.Next() {
		var status models.PostStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
