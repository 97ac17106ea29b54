// Package twitter implements the publishing contract against the X/Twitter
// API: v2 for tweets and account info, v1.1 for chunked media upload.
package twitter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"postdeck/internal/models"
	"postdeck/internal/platform"
	"postdeck/pkg/config"
)

const (
	defaultBaseURL       = "https://api.twitter.com"
	defaultUploadBaseURL = "https://upload.twitter.com/1.1"

	// APPEND accepts at most 5 MB per segment.
	uploadChunkSize = 5 * 1024 * 1024

	EndpointTweets = "tweets"
	EndpointMedia  = "media"
)

// Config holds the OAuth application credentials and endpoint overrides.
type Config struct {
	ClientID      string
	ClientSecret  string
	BaseURL       string
	UploadBaseURL string
	Timeout       time.Duration
}

// LoadConfig reads the Twitter OAuth application settings from the
// environment. Missing secrets are a configuration error, not a
// publish-time business failure.
func LoadConfig() (Config, error) {
	cfg := Config{
		ClientID:      config.GetEnv("TWITTER_CLIENT_ID", ""),
		ClientSecret:  config.GetEnv("TWITTER_CLIENT_SECRET", ""),
		BaseURL:       config.GetEnv("TWITTER_API_BASE_URL", defaultBaseURL),
		UploadBaseURL: config.GetEnv("TWITTER_UPLOAD_BASE_URL", defaultUploadBaseURL),
		Timeout:       config.GetEnvDuration("TWITTER_HTTP_TIMEOUT", 30*time.Second),
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return Config{}, fmt.Errorf("twitter: TWITTER_CLIENT_ID and TWITTER_CLIENT_SECRET must be set")
	}
	return cfg, nil
}

// Adapter publishes to one Twitter account.
type Adapter struct {
	cfg     Config
	account models.SocialAccount

	mu    sync.RWMutex
	creds models.PlatformCredentials

	httpClient *http.Client
	poll       platform.PollConfig

	rateMu sync.Mutex
	rates  map[string]platform.RateLimitStatus
}

// NewAdapter constructs an adapter for one account.
func NewAdapter(cfg Config, account models.SocialAccount, creds models.PlatformCredentials) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.UploadBaseURL == "" {
		cfg.UploadBaseURL = defaultUploadBaseURL
	}
	return &Adapter{
		cfg:        cfg,
		account:    account,
		creds:      creds,
		httpClient: platform.NewHTTPClient(cfg.Timeout),
		poll:       platform.DefaultPollConfig(),
		rates:      make(map[string]platform.RateLimitStatus),
	}
}

func (a *Adapter) Platform() models.Platform { return models.PlatformTwitter }

func (a *Adapter) SetCredentials(creds models.PlatformCredentials) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creds = creds
}

func (a *Adapter) accessToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds.AccessToken
}

func (a *Adapter) refreshToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds.RefreshToken
}

// doRequest performs an authenticated request, captures the
// x-rate-limit-* headers for the endpoint, and returns status and body.
func (a *Adapter) doRequest(ctx context.Context, method, rawURL, endpoint string, body io.Reader, contentType string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("twitter: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.accessToken())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	a.captureRateHeaders(endpoint, resp)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("twitter: read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// captureRateHeaders records the vendor-reported budget. This signal is
// preferred over the local counter when present, since vendor-side limits
// can differ from statically configured ones.
func (a *Adapter) captureRateHeaders(endpoint string, resp *http.Response) {
	limitHdr := resp.Header.Get("x-rate-limit-limit")
	if limitHdr == "" {
		return
	}
	limit, err := strconv.Atoi(limitHdr)
	if err != nil {
		return
	}
	remaining, _ := strconv.Atoi(resp.Header.Get("x-rate-limit-remaining"))
	resetUnix, _ := strconv.ParseInt(resp.Header.Get("x-rate-limit-reset"), 10, 64)

	a.rateMu.Lock()
	defer a.rateMu.Unlock()
	a.rates[endpoint] = platform.RateLimitStatus{
		Endpoint:  endpoint,
		Limit:     limit,
		Remaining: remaining,
		ResetsAt:  time.Unix(resetUnix, 0),
		Source:    "headers",
	}
}

func (a *Adapter) RateLimitStatus(endpoint string) platform.RateLimitStatus {
	a.rateMu.Lock()
	defer a.rateMu.Unlock()
	if status, ok := a.rates[endpoint]; ok {
		return status
	}
	return platform.RateLimitStatus{Endpoint: endpoint, Source: "unknown"}
}

// classify maps a Twitter error response onto the shared taxonomy.
func classify(status int, body []byte) *platform.Error {
	var envelope errorEnvelope
	_ = json.Unmarshal(body, &envelope)

	message := envelope.Detail
	code := 0
	if len(envelope.Errors) > 0 {
		code = envelope.Errors[0].Code
		if message == "" {
			message = envelope.Errors[0].Message
		}
	}
	if message == "" {
		message = fmt.Sprintf("HTTP %d", status)
	}

	switch {
	case code == 88 || status == http.StatusTooManyRequests:
		return platform.NewError(platform.ErrRateLimitExceeded, message, true)
	case code == 187:
		return platform.NewError(platform.ErrDuplicatePost, message, false)
	case code == 89 || code == 32 || status == http.StatusUnauthorized:
		return platform.NewError(platform.ErrInvalidToken, message, false)
	case code == 326 || code == 64:
		return platform.NewError(platform.ErrAccountSuspended, message, false)
	case code == 324:
		return platform.NewError(platform.ErrInvalidMedia, message, false)
	case status >= 500:
		return platform.NewError(platform.ErrPlatformError, message, true)
	default:
		return platform.NewError(platform.ErrPlatformError, message, false)
	}
}

func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	status, _, err := a.doRequest(ctx, http.MethodGet, a.cfg.BaseURL+"/2/users/me", EndpointTweets, nil, "")
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// RefreshAccessToken exchanges the refresh token at the OAuth2 token
// endpoint. Twitter rotates refresh tokens on every exchange.
func (a *Adapter) RefreshAccessToken(ctx context.Context) (models.PlatformCredentials, error) {
	refresh := a.refreshToken()
	if refresh == "" {
		return models.PlatformCredentials{}, platform.NewError(platform.ErrInvalidToken,
			"twitter: no refresh token available; account must re-authorize", false)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)
	form.Set("client_id", a.cfg.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/2/oauth2/token",
		bytes.NewBufferString(form.Encode()))
	if err != nil {
		return models.PlatformCredentials{}, fmt.Errorf("twitter: build token request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(a.cfg.ClientID + ":" + a.cfg.ClientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return models.PlatformCredentials{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.PlatformCredentials{}, fmt.Errorf("twitter: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.PlatformCredentials{}, classify(resp.StatusCode, body)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return models.PlatformCredentials{}, fmt.Errorf("twitter: parse token response: %w", err)
	}

	creds := models.PlatformCredentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}
	a.SetCredentials(creds)
	return creds, nil
}

// UploadMedia runs the v1.1 chunked upload (INIT/APPEND/FINALIZE) for each
// URL. Each item is retried independently by the caller; a failure on item
// N does not invalidate handles 1..N-1.
func (a *Adapter) UploadMedia(ctx context.Context, urls []string, mediaType models.MediaType) ([]platform.MediaHandle, error) {
	handles := make([]platform.MediaHandle, 0, len(urls))
	for _, mediaURL := range urls {
		data, detectedType, err := a.download(ctx, mediaURL)
		if err != nil {
			return handles, err
		}

		mediaID, err := a.uploadOne(ctx, data, detectedType, mediaType)
		if err != nil {
			return handles, err
		}
		handles = append(handles, platform.MediaHandle{ID: mediaID, URL: mediaURL, Type: mediaType})
	}
	return handles, nil
}

func (a *Adapter) download(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("twitter: build media download request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", platform.NewError(platform.ErrInvalidMedia,
			fmt.Sprintf("twitter: media download returned HTTP %d for %s", resp.StatusCode, mediaURL), false)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func mediaCategory(mediaType models.MediaType) string {
	switch mediaType {
	case models.MediaVideo:
		return "tweet_video"
	case models.MediaGIF:
		return "tweet_gif"
	default:
		return "tweet_image"
	}
}

func (a *Adapter) uploadOne(ctx context.Context, data []byte, contentType string, mediaType models.MediaType) (string, error) {
	// INIT
	form := url.Values{}
	form.Set("command", "INIT")
	form.Set("total_bytes", strconv.Itoa(len(data)))
	form.Set("media_type", contentType)
	form.Set("media_category", mediaCategory(mediaType))

	status, body, err := a.doRequest(ctx, http.MethodPost, a.cfg.UploadBaseURL+"/media/upload.json", EndpointMedia,
		bytes.NewBufferString(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", classify(status, body)
	}

	var initResp mediaUploadResponse
	if err := json.Unmarshal(body, &initResp); err != nil {
		return "", fmt.Errorf("twitter: parse INIT response: %w", err)
	}
	mediaID := initResp.MediaIDString

	// APPEND in 5 MB segments
	for segment := 0; segment*uploadChunkSize < len(data); segment++ {
		start := segment * uploadChunkSize
		end := start + uploadChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := a.appendSegment(ctx, mediaID, segment, data[start:end]); err != nil {
			return "", err
		}
	}

	// FINALIZE
	form = url.Values{}
	form.Set("command", "FINALIZE")
	form.Set("media_id", mediaID)
	status, body, err = a.doRequest(ctx, http.MethodPost, a.cfg.UploadBaseURL+"/media/upload.json", EndpointMedia,
		bytes.NewBufferString(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", classify(status, body)
	}

	var finalizeResp mediaUploadResponse
	if err := json.Unmarshal(body, &finalizeResp); err != nil {
		return "", fmt.Errorf("twitter: parse FINALIZE response: %w", err)
	}

	// Async processing (video, gif): poll STATUS until succeeded.
	if finalizeResp.ProcessingInfo != nil && finalizeResp.ProcessingInfo.State != "succeeded" {
		if err := a.waitForProcessing(ctx, mediaID); err != nil {
			return "", err
		}
	}

	return mediaID, nil
}

func (a *Adapter) appendSegment(ctx context.Context, mediaID string, segment int, chunk []byte) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	_ = writer.WriteField("command", "APPEND")
	_ = writer.WriteField("media_id", mediaID)
	_ = writer.WriteField("segment_index", strconv.Itoa(segment))
	part, err := writer.CreateFormFile("media", "media")
	if err != nil {
		return fmt.Errorf("twitter: build multipart: %w", err)
	}
	if _, err := part.Write(chunk); err != nil {
		return fmt.Errorf("twitter: write chunk: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("twitter: close multipart: %w", err)
	}

	status, body, err := a.doRequest(ctx, http.MethodPost, a.cfg.UploadBaseURL+"/media/upload.json", EndpointMedia,
		&buf, writer.FormDataContentType())
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return classify(status, body)
	}
	return nil
}

func (a *Adapter) waitForProcessing(ctx context.Context, mediaID string) error {
	return platform.Poll(ctx, a.poll, func(ctx context.Context) (bool, error) {
		statusURL := a.cfg.UploadBaseURL + "/media/upload.json?command=STATUS&media_id=" + mediaID
		status, body, err := a.doRequest(ctx, http.MethodGet, statusURL, EndpointMedia, nil, "")
		if err != nil {
			return false, err
		}
		if status < 200 || status >= 300 {
			return false, classify(status, body)
		}

		var statusResp mediaUploadResponse
		if err := json.Unmarshal(body, &statusResp); err != nil {
			return false, fmt.Errorf("twitter: parse STATUS response: %w", err)
		}
		if statusResp.ProcessingInfo == nil {
			return true, nil
		}
		switch statusResp.ProcessingInfo.State {
		case "succeeded":
			return true, nil
		case "failed":
			message := "media processing failed"
			if statusResp.ProcessingInfo.Error != nil {
				message = statusResp.ProcessingInfo.Error.Message
			}
			return false, platform.NewError(platform.ErrInvalidMedia, "twitter: "+message, false)
		default: // pending, in_progress
			return false, nil
		}
	})
}

// PublishPost uploads any media, then creates the tweet. Business failures
// come back inside the PublishResult.
func (a *Adapter) PublishPost(ctx context.Context, post *models.Post, opts models.PostOptions) (platform.PublishResult, error) {
	if err := a.ValidateContent(post); err != nil {
		return platform.PublishResult{
			Error: platform.NewError(platform.ErrInvalidMedia, err.Error(), false),
		}, nil
	}

	payload := tweetRequest{Text: post.Body}

	if len(post.MediaURLs) > 0 {
		handles, err := a.UploadMedia(ctx, post.MediaURLs, post.MediaType)
		if err != nil {
			return platform.PublishResult{Error: platform.Classify(err)}, nil
		}
		ids := make([]string, len(handles))
		for i, h := range handles {
			ids[i] = h.ID
		}
		payload.Media = &tweetMedia{MediaIDs: ids}
	}

	if len(opts.PollOptions) > 0 {
		duration := opts.PollDurationMinutes
		if duration <= 0 {
			duration = 1440
		}
		payload.Poll = &tweetPoll{Options: opts.PollOptions, DurationMinutes: duration}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return platform.PublishResult{}, fmt.Errorf("twitter: marshal tweet: %w", err)
	}

	status, respBody, err := a.doRequest(ctx, http.MethodPost, a.cfg.BaseURL+"/2/tweets", EndpointTweets,
		bytes.NewReader(body), "application/json")
	if err != nil {
		return platform.PublishResult{Error: platform.Classify(err)}, nil
	}
	if status < 200 || status >= 300 {
		return platform.PublishResult{Error: classify(status, respBody)}, nil
	}

	var tweet tweetResponse
	if err := json.Unmarshal(respBody, &tweet); err != nil {
		return platform.PublishResult{}, fmt.Errorf("twitter: parse tweet response: %w", err)
	}

	return platform.PublishResult{
		Success:        true,
		PlatformPostID: tweet.Data.ID,
		PlatformURL:    fmt.Sprintf("https://x.com/%s/status/%s", a.account.Username, tweet.Data.ID),
	}, nil
}

func (a *Adapter) DeletePost(ctx context.Context, platformPostID string) (bool, error) {
	status, body, err := a.doRequest(ctx, http.MethodDelete, a.cfg.BaseURL+"/2/tweets/"+platformPostID, EndpointTweets, nil, "")
	if err != nil {
		return false, err
	}
	if status < 200 || status >= 300 {
		return false, classify(status, body)
	}
	var deleted deleteResponse
	if err := json.Unmarshal(body, &deleted); err != nil {
		return false, fmt.Errorf("twitter: parse delete response: %w", err)
	}
	return deleted.Data.Deleted, nil
}

// FetchAnalytics reads public_metrics for the tweet. Best-effort: failures
// return an empty snapshot, never an error that could affect publishing.
func (a *Adapter) FetchAnalytics(ctx context.Context, platformPostID string) (models.PostingAnalytics, error) {
	metricsURL := a.cfg.BaseURL + "/2/tweets/" + platformPostID + "?tweet.fields=public_metrics"
	status, body, err := a.doRequest(ctx, http.MethodGet, metricsURL, EndpointTweets, nil, "")
	if err != nil || status < 200 || status >= 300 {
		return models.PostingAnalytics{PlatformPostID: platformPostID, FetchedAt: time.Now()}, nil
	}

	var metrics metricsResponse
	if err := json.Unmarshal(body, &metrics); err != nil {
		return models.PostingAnalytics{PlatformPostID: platformPostID, FetchedAt: time.Now()}, nil
	}

	pm := metrics.Data.PublicMetrics
	analytics := models.PostingAnalytics{
		PlatformPostID: platformPostID,
		Impressions:    pm.ImpressionCount,
		Likes:          pm.LikeCount,
		Comments:       pm.ReplyCount,
		Shares:         pm.RetweetCount + pm.QuoteCount,
		Saves:          pm.BookmarkCount,
		FetchedAt:      time.Now(),
	}
	if pm.ImpressionCount > 0 {
		engagements := pm.LikeCount + pm.ReplyCount + pm.RetweetCount + pm.QuoteCount + pm.BookmarkCount
		analytics.EngagementRate = float64(engagements) / float64(pm.ImpressionCount)
	}
	return analytics, nil
}

func (a *Adapter) AccountInfo(ctx context.Context) (platform.AccountInfo, error) {
	status, body, err := a.doRequest(ctx, http.MethodGet, a.cfg.BaseURL+"/2/users/me", EndpointTweets, nil, "")
	if err != nil {
		return platform.AccountInfo{}, err
	}
	if status != http.StatusOK {
		return platform.AccountInfo{}, classify(status, body)
	}
	var user userResponse
	if err := json.Unmarshal(body, &user); err != nil {
		return platform.AccountInfo{}, fmt.Errorf("twitter: parse user response: %w", err)
	}
	return platform.AccountInfo{
		ID:       user.Data.ID,
		Username: user.Data.Username,
		Name:     user.Data.Name,
	}, nil
}

func (a *Adapter) ValidateContent(post *models.Post) error {
	return platform.CheckLimits(models.PlatformTwitter, post, a.ContentLimits())
}

func (a *Adapter) ContentLimits() platform.ContentLimits {
	return platform.ContentLimits{
		MaxTextLength:     280,
		MaxMediaCount:     4,
		AllowedMediaTypes: []models.MediaType{models.MediaImage, models.MediaVideo, models.MediaGIF},
		SupportsDeletion:  true,
	}
}
