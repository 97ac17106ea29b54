// Package platform defines the uniform publishing contract each social
// network adapter implements, the shared error taxonomy, and the registry
// that resolves adapters per account.
package platform

import (
	"context"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"postdeck/internal/models"
	"postdeck/pkg/clients"
)

// MediaHandle references uploaded media in vendor terms: a media id
// (Twitter), a container id (Instagram), an asset URN (LinkedIn) or a
// publish id (TikTok).
type MediaHandle struct {
	ID   string
	URL  string
	Type models.MediaType
}

// PublishResult is the tagged outcome of a publish attempt. Business
// failures (rate limits, invalid media, duplicates) are reported here,
// never as returned errors, so the processor can apply one retry policy.
type PublishResult struct {
	Success        bool
	PlatformPostID string
	PlatformURL    string
	Error          *Error
}

// AccountInfo is the vendor's view of the connected account.
type AccountInfo struct {
	ID       string
	Username string
	Name     string
}

// ContentLimits is the static per-platform content contract.
type ContentLimits struct {
	MaxTextLength     int
	MaxMediaCount     int
	AllowedMediaTypes []models.MediaType
	SupportsDeletion  bool
}

// RateLimitStatus is the adapter's view of the vendor-side budget for one
// endpoint, read from response headers when the platform reports them.
type RateLimitStatus struct {
	Endpoint  string
	Limit     int
	Remaining int
	ResetsAt  time.Time
	// Source is "headers" when vendor-reported, "unknown" otherwise.
	Source string
}

// Adapter is the uniform contract one platform implements for one
// account's credentials.
//
// PublishPost, DeletePost and FetchAnalytics report expected failure
// modes through their return values; returned errors are reserved for
// programmer and configuration mistakes. ValidateContent returns a
// precise error on a limit violation.
type Adapter interface {
	Platform() models.Platform

	ValidateCredentials(ctx context.Context) (bool, error)
	RefreshAccessToken(ctx context.Context) (models.PlatformCredentials, error)
	// SetCredentials swaps the in-memory credentials, e.g. after a
	// refresh or when a cached adapter is reused for a new attempt.
	SetCredentials(creds models.PlatformCredentials)

	UploadMedia(ctx context.Context, urls []string, mediaType models.MediaType) ([]MediaHandle, error)
	PublishPost(ctx context.Context, post *models.Post, opts models.PostOptions) (PublishResult, error)
	DeletePost(ctx context.Context, platformPostID string) (bool, error)
	FetchAnalytics(ctx context.Context, platformPostID string) (models.PostingAnalytics, error)

	AccountInfo(ctx context.Context) (AccountInfo, error)
	ValidateContent(post *models.Post) error
	ContentLimits() ContentLimits
	RateLimitStatus(endpoint string) RateLimitStatus
}

const defaultHTTPTimeout = 30 * time.Second

// NewHTTPClient returns the HTTP client adapters use for vendor calls:
// shared transport limits, transient-failure retries on idempotent
// requests, and a hard per-request timeout so no vendor call can hang a
// worker.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{
		Transport: &retryTransport{
			base:     clients.DefaultTransport(),
			executor: clients.NewHTTPExecutor(clients.DefaultHTTPExecutorConfig()),
		},
		Timeout: timeout,
	}
}

// retryTransport retries transient failures below the business retry
// state machine. Only idempotent methods are retried; replaying a POST
// could double-publish when the vendor processed the request but the
// response was lost.
type retryTransport struct {
	base     http.RoundTripper
	executor failsafe.Executor[*http.Response]
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodPut:
	default:
		return t.base.RoundTrip(req)
	}

	return clients.ExecuteHTTP(req.Context(), t.executor, func() (*http.Response, error) {
		attempt := req
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attempt = req.Clone(req.Context())
			attempt.Body = body
		}
		return t.base.RoundTrip(attempt)
	})
}
