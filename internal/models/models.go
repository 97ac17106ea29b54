package models

import (
	"database/sql"
	"time"
)

// Platform identifies a supported social network.
type Platform string

const (
	PlatformTwitter   Platform = "twitter"
	PlatformInstagram Platform = "instagram"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformTikTok    Platform = "tiktok"
	PlatformFacebook  Platform = "facebook"
)

// Valid reports whether p names a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformTwitter, PlatformInstagram, PlatformLinkedIn, PlatformTikTok, PlatformFacebook:
		return true
	}
	return false
}

// PostStatus is the lifecycle state of a ScheduledPost.
type PostStatus string

const (
	StatusPending    PostStatus = "pending"
	StatusProcessing PostStatus = "processing"
	StatusPublished  PostStatus = "published"
	StatusFailed     PostStatus = "failed"
	StatusCancelled  PostStatus = "cancelled"
)

// MediaType classifies a media attachment.
type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaGIF      MediaType = "gif"
	MediaDocument MediaType = "document"
)

// PostOptions carries platform-specific publishing options. Fields a
// platform does not understand are ignored by its adapter.
type PostOptions struct {
	// Twitter polls
	PollOptions         []string `json:"poll_options,omitempty"`
	PollDurationMinutes int      `json:"poll_duration_minutes,omitempty"`

	// LinkedIn visibility: PUBLIC or CONNECTIONS
	Visibility string `json:"visibility,omitempty"`

	// LinkedIn document attachment title
	DocumentTitle string `json:"document_title,omitempty"`

	// Instagram: publish as reel instead of feed video
	ShareAsReel bool `json:"share_as_reel,omitempty"`

	// TikTok post settings
	PrivacyLevel   string `json:"privacy_level,omitempty"`
	DisableComment bool   `json:"disable_comment,omitempty"`
	DisableDuet    bool   `json:"disable_duet,omitempty"`
	DisableStitch  bool   `json:"disable_stitch,omitempty"`
}

// Post is the approved content unit. Owned by the authoring subsystem;
// read-only here.
type Post struct {
	ID          string
	Body        string
	ContentType string
	MediaURLs   []string
	MediaType   MediaType
	Hashtags    []string
	Mentions    []string
	Options     PostOptions
}

// ScheduledPost is the unit the publishing scheduler owns end to end.
type ScheduledPost struct {
	ID              string
	PostID          string
	SocialAccountID string
	Platform        Platform

	ScheduledFor          time.Time
	Timezone              string
	ProcessingStartedAt   sql.NullTime
	ProcessingCompletedAt sql.NullTime
	PublishedAt           sql.NullTime

	Status       PostStatus
	RetryCount   int
	MaxRetries   int
	NextRetryAt  sql.NullTime
	ErrorCode    sql.NullString
	ErrorMessage sql.NullString

	PlatformPostID sql.NullString
	PlatformURL    sql.NullString

	// Diagnostic snapshot of the rate-limit window at the last attempt,
	// stored as JSON. Not authoritative.
	RateLimitSnapshot sql.NullString

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the post may no longer transition.
func (sp *ScheduledPost) Terminal() bool {
	switch sp.Status {
	case StatusPublished, StatusCancelled:
		return true
	case StatusFailed:
		return sp.RetryCount >= sp.MaxRetries
	}
	return false
}

// SocialAccount holds a connected account with tokens encrypted at rest.
type SocialAccount struct {
	ID                string
	Platform          Platform
	PlatformAccountID string
	Username          string

	// Ciphertext as stored; decrypted only into PlatformCredentials.
	AccessTokenCipher  string
	RefreshTokenCipher sql.NullString

	TokenExpiresAt sql.NullTime
	Scopes         []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlatformCredentials is the decrypted, in-memory credential value used for
// the lifetime of one publish attempt. Never persisted in plaintext.
type PlatformCredentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // zero means non-expiring or unknown
	Scopes       []string
}

// ExpiresWithin reports whether the access token expires within d of now.
// Non-expiring tokens never report true.
func (c PlatformCredentials) ExpiresWithin(d time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(c.ExpiresAt) < d
}

// PlatformRateLimit is a fixed-window request counter keyed by
// (account, platform, endpoint).
type PlatformRateLimit struct {
	AccountID      string
	Platform       Platform
	Endpoint       string
	WindowStart    time.Time
	WindowDuration time.Duration
	RequestsMade   int
	RequestsLimit  int
	ResetsAt       time.Time
}

// Exhausted reports whether the window budget is spent and has not reset.
func (r PlatformRateLimit) Exhausted(now time.Time) bool {
	return r.RequestsMade >= r.RequestsLimit && now.Before(r.ResetsAt)
}

// Remaining returns the unspent request budget.
func (r PlatformRateLimit) Remaining() int {
	if remaining := r.RequestsLimit - r.RequestsMade; remaining > 0 {
		return remaining
	}
	return 0
}

// PostingAnalytics is a per-published-post metrics snapshot. Append-only
// with upsert-by-scheduled-post semantics. Adapters fill what the vendor
// exposes; absent metrics stay zero.
type PostingAnalytics struct {
	ScheduledPostID string
	PlatformPostID  string

	Reach       int64
	Impressions int64
	Likes       int64
	Comments    int64
	Shares      int64
	Saves       int64
	Clicks      int64
	VideoViews  int64

	EngagementRate float64
	FetchedAt      time.Time
}

// Empty reports whether no metric was populated.
func (a PostingAnalytics) Empty() bool {
	return a.Reach == 0 && a.Impressions == 0 && a.Likes == 0 &&
		a.Comments == 0 && a.Shares == 0 && a.Saves == 0 &&
		a.Clicks == 0 && a.VideoViews == 0
}
