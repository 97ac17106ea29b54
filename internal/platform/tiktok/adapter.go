// Package tiktok implements the publishing contract against the TikTok
// Content Posting API v2. Video bytes travel either as chunked uploads
// (FILE_UPLOAD) or by handing TikTok the source URL (PULL_FROM_URL); the
// publish itself is asynchronous and observed through status/fetch.
package tiktok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"postdeck/internal/models"
	"postdeck/internal/platform"
	"postdeck/pkg/config"
)

const (
	defaultBaseURL = "https://open.tiktokapis.com"

	// Chunks between 5 MB and 64 MB; 10 MB keeps memory per upload modest.
	uploadChunkSize = 10 * 1024 * 1024

	EndpointPublish = "post/publish"
	EndpointVideo   = "video"
)

type Config struct {
	ClientKey    string
	ClientSecret string
	BaseURL      string
	Timeout      time.Duration

	// PullFromURL lets TikTok download the video itself instead of this
	// service proxying the bytes. Requires the media URLs to be on a
	// domain verified with TikTok.
	PullFromURL bool
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ClientKey:    config.GetEnv("TIKTOK_CLIENT_KEY", ""),
		ClientSecret: config.GetEnv("TIKTOK_CLIENT_SECRET", ""),
		BaseURL:      config.GetEnv("TIKTOK_API_BASE_URL", defaultBaseURL),
		Timeout:      config.GetEnvDuration("TIKTOK_HTTP_TIMEOUT", 60*time.Second),
		PullFromURL:  config.GetEnvBool("TIKTOK_PULL_FROM_URL", false),
	}
	if cfg.ClientKey == "" || cfg.ClientSecret == "" {
		return Config{}, fmt.Errorf("tiktok: TIKTOK_CLIENT_KEY and TIKTOK_CLIENT_SECRET must be set")
	}
	return cfg, nil
}

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

func NewAdapter(cfg Config, account models.SocialAccount, creds models.PlatformCredentials) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
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

func (a *Adapter) Platform() models.Platform { return models.PlatformTikTok }

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

func (a *Adapter) doJSON(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("tiktok: marshal request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("tiktok: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.accessToken())
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("tiktok: read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// classify maps a TikTok error code onto the shared taxonomy. An expired
// token is retryable: the credential manager refreshes it and the next
// attempt can succeed.
func classify(status int, code, message string) *platform.Error {
	if message == "" {
		message = fmt.Sprintf("HTTP %d", status)
	}
	switch {
	case code == "token_expired" || code == "access_token_expired":
		return platform.NewError(platform.ErrTokenExpired, message, true)
	case code == "access_token_invalid" || status == http.StatusUnauthorized:
		return platform.NewError(platform.ErrInvalidToken, message, false)
	case code == "rate_limit_exceeded" || status == http.StatusTooManyRequests:
		return platform.NewError(platform.ErrRateLimitExceeded, message, true)
	case code == "spam_risk_too_many_posts" || code == "spam_risk_user_banned_from_posting":
		return platform.NewError(platform.ErrAccountSuspended, message, false)
	case strings.HasPrefix(code, "invalid_") || code == "picture_size_check_failed" || code == "video_pull_failed":
		return platform.NewError(platform.ErrInvalidMedia, message, false)
	case status >= 500 || code == "internal_error":
		return platform.NewError(platform.ErrPlatformError, message, true)
	default:
		return platform.NewError(platform.ErrPlatformError, message, false)
	}
}

func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	status, body, err := a.doJSON(ctx, http.MethodGet, "/v2/user/info/?fields=open_id,display_name", nil)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, nil
	}
	var info userInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return false, fmt.Errorf("tiktok: parse user info: %w", err)
	}
	return info.Error.Code == "" || info.Error.Code == "ok", nil
}

func (a *Adapter) RefreshAccessToken(ctx context.Context) (models.PlatformCredentials, error) {
	refresh := a.refreshToken()
	if refresh == "" {
		return models.PlatformCredentials{}, platform.NewError(platform.ErrInvalidToken,
			"tiktok: no refresh token available; account must re-authorize", false)
	}

	form := url.Values{}
	form.Set("client_key", a.cfg.ClientKey)
	form.Set("client_secret", a.cfg.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.BaseURL+"/v2/oauth/token/", strings.NewReader(form.Encode()))
	if err != nil {
		return models.PlatformCredentials{}, fmt.Errorf("tiktok: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return models.PlatformCredentials{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.PlatformCredentials{}, fmt.Errorf("tiktok: read token response: %w", err)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return models.PlatformCredentials{}, fmt.Errorf("tiktok: parse token response: %w", err)
	}
	if token.Error != "" || token.AccessToken == "" {
		return models.PlatformCredentials{}, classify(resp.StatusCode, token.Error, token.ErrorDescription)
	}

	creds := models.PlatformCredentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}
	a.SetCredentials(creds)
	return creds, nil
}

// UploadMedia is a no-op for TikTok: the video travels inside the publish
// flow itself, so handles just echo the source URLs.
func (a *Adapter) UploadMedia(ctx context.Context, urls []string, mediaType models.MediaType) ([]platform.MediaHandle, error) {
	handles := make([]platform.MediaHandle, 0, len(urls))
	for _, mediaURL := range urls {
		handles = append(handles, platform.MediaHandle{ID: mediaURL, URL: mediaURL, Type: mediaType})
	}
	return handles, nil
}

func privacyLevel(opts models.PostOptions) string {
	if opts.PrivacyLevel != "" {
		return strings.ToUpper(opts.PrivacyLevel)
	}
	return "PUBLIC_TO_EVERYONE"
}

// PublishPost initializes the publish, transfers the video, then polls
// status/fetch until the post is live or terminally failed.
func (a *Adapter) PublishPost(ctx context.Context, post *models.Post, opts models.PostOptions) (platform.PublishResult, error) {
	if err := a.ValidateContent(post); err != nil {
		return platform.PublishResult{
			Error: platform.NewError(platform.ErrInvalidMedia, err.Error(), false),
		}, nil
	}

	videoURL := post.MediaURLs[0]
	info := postInfo{
		Title:          post.Body,
		PrivacyLevel:   privacyLevel(opts),
		DisableComment: opts.DisableComment,
		DisableDuet:    opts.DisableDuet,
		DisableStitch:  opts.DisableStitch,
	}

	var publishID string
	var err error
	if a.cfg.PullFromURL {
		publishID, err = a.initPull(ctx, info, videoURL)
	} else {
		publishID, err = a.initAndUpload(ctx, info, videoURL)
	}
	if err != nil {
		return platform.PublishResult{Error: platform.Classify(err)}, nil
	}

	postID, err := a.waitForPublish(ctx, publishID)
	if err != nil {
		return platform.PublishResult{Error: platform.Classify(err)}, nil
	}

	result := platform.PublishResult{Success: true, PlatformPostID: postID}
	if postID != "" && a.account.Username != "" {
		result.PlatformURL = fmt.Sprintf("https://www.tiktok.com/@%s/video/%s", a.account.Username, postID)
	}
	return result, nil
}

func (a *Adapter) initPull(ctx context.Context, info postInfo, videoURL string) (string, error) {
	reqBody := initRequest{
		PostInfo:   info,
		SourceInfo: sourceInfo{Source: "PULL_FROM_URL", VideoURL: videoURL},
	}
	status, body, err := a.doJSON(ctx, http.MethodPost, "/v2/post/publish/video/init/", reqBody)
	if err != nil {
		return "", err
	}
	var initResp initResponse
	if jerr := json.Unmarshal(body, &initResp); jerr != nil {
		return "", fmt.Errorf("tiktok: parse init response: %w", jerr)
	}
	if status != http.StatusOK || (initResp.Error.Code != "" && initResp.Error.Code != "ok") {
		return "", classify(status, initResp.Error.Code, initResp.Error.Message)
	}
	return initResp.Data.PublishID, nil
}

func (a *Adapter) initAndUpload(ctx context.Context, info postInfo, videoURL string) (string, error) {
	data, err := a.download(ctx, videoURL)
	if err != nil {
		return "", err
	}

	total := int64(len(data))
	chunkCount := int((total + uploadChunkSize - 1) / uploadChunkSize)
	if chunkCount < 1 {
		chunkCount = 1
	}

	reqBody := initRequest{
		PostInfo: info,
		SourceInfo: sourceInfo{
			Source:          "FILE_UPLOAD",
			VideoSize:       total,
			ChunkSize:       uploadChunkSize,
			TotalChunkCount: chunkCount,
		},
	}
	status, body, err := a.doJSON(ctx, http.MethodPost, "/v2/post/publish/video/init/", reqBody)
	if err != nil {
		return "", err
	}
	var initResp initResponse
	if jerr := json.Unmarshal(body, &initResp); jerr != nil {
		return "", fmt.Errorf("tiktok: parse init response: %w", jerr)
	}
	if status != http.StatusOK || (initResp.Error.Code != "" && initResp.Error.Code != "ok") {
		return "", classify(status, initResp.Error.Code, initResp.Error.Message)
	}

	for chunk := 0; chunk < chunkCount; chunk++ {
		start := int64(chunk) * uploadChunkSize
		end := start + uploadChunkSize
		if end > total {
			end = total
		}
		if err := a.putChunk(ctx, initResp.Data.UploadURL, data[start:end], start, end-1, total); err != nil {
			return "", err
		}
	}
	return initResp.Data.PublishID, nil
}

func (a *Adapter) download(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tiktok: build media download request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, platform.NewError(platform.ErrInvalidMedia,
			fmt.Sprintf("tiktok: media download returned HTTP %d for %s", resp.StatusCode, mediaURL), false)
	}
	return io.ReadAll(resp.Body)
}

func (a *Adapter) putChunk(ctx context.Context, uploadURL string, chunk []byte, first, last, total int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return fmt.Errorf("tiktok: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "video/mp4")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", first, last, total))
	req.ContentLength = int64(len(chunk))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return platform.NewError(platform.ErrPlatformError,
			fmt.Sprintf("tiktok: chunk upload returned HTTP %d", resp.StatusCode), resp.StatusCode >= 500)
	}
	return nil
}

// waitForPublish polls status/fetch. FAILED is terminal for this asset
// regardless of fail_reason; the same bytes will fail again.
func (a *Adapter) waitForPublish(ctx context.Context, publishID string) (string, error) {
	var postID string
	err := platform.Poll(ctx, a.poll, func(ctx context.Context) (bool, error) {
		status, body, err := a.doJSON(ctx, http.MethodPost, "/v2/post/publish/status/fetch/",
			statusRequest{PublishID: publishID})
		if err != nil {
			return false, err
		}
		var sr statusResponse
		if jerr := json.Unmarshal(body, &sr); jerr != nil {
			return false, fmt.Errorf("tiktok: parse status response: %w", jerr)
		}
		if status != http.StatusOK || (sr.Error.Code != "" && sr.Error.Code != "ok") {
			return false, classify(status, sr.Error.Code, sr.Error.Message)
		}

		switch sr.Data.Status {
		case "PUBLISH_COMPLETE":
			if len(sr.Data.PubliclyAvailablePostID) > 0 {
				postID = sr.Data.PubliclyAvailablePostID[0]
			}
			return true, nil
		case "FAILED":
			return false, platform.NewError(platform.ErrInvalidMedia,
				"tiktok: publish failed: "+sr.Data.FailReason, false)
		default: // PROCESSING_UPLOAD, PROCESSING_DOWNLOAD, SEND_TO_USER_INBOX
			return false, nil
		}
	})
	return postID, err
}

// DeletePost is not exposed by the Content Posting API.
func (a *Adapter) DeletePost(ctx context.Context, platformPostID string) (bool, error) {
	return false, platform.NewError(platform.ErrNotImplemented,
		"tiktok: the content posting API does not support deletion", false)
}

func (a *Adapter) FetchAnalytics(ctx context.Context, platformPostID string) (models.PostingAnalytics, error) {
	var reqBody videoQueryRequest
	reqBody.Filters.VideoIDs = []string{platformPostID}

	status, body, err := a.doJSON(ctx, http.MethodPost,
		"/v2/video/query/?fields=id,like_count,comment_count,share_count,view_count", reqBody)
	if err != nil || status != http.StatusOK {
		return models.PostingAnalytics{PlatformPostID: platformPostID, FetchedAt: time.Now()}, nil
	}

	var query videoQueryResponse
	if err := json.Unmarshal(body, &query); err != nil || len(query.Data.Videos) == 0 {
		return models.PostingAnalytics{PlatformPostID: platformPostID, FetchedAt: time.Now()}, nil
	}

	video := query.Data.Videos[0]
	analytics := models.PostingAnalytics{
		PlatformPostID: platformPostID,
		Likes:          video.LikeCount,
		Comments:       video.CommentCount,
		Shares:         video.ShareCount,
		VideoViews:     video.ViewCount,
		FetchedAt:      time.Now(),
	}
	if video.ViewCount > 0 {
		engagements := video.LikeCount + video.CommentCount + video.ShareCount
		analytics.EngagementRate = float64(engagements) / float64(video.ViewCount)
	}
	return analytics, nil
}

func (a *Adapter) AccountInfo(ctx context.Context) (platform.AccountInfo, error) {
	status, body, err := a.doJSON(ctx, http.MethodGet,
		"/v2/user/info/?fields=open_id,union_id,display_name", nil)
	if err != nil {
		return platform.AccountInfo{}, err
	}
	var info userInfoResponse
	if jerr := json.Unmarshal(body, &info); jerr != nil {
		return platform.AccountInfo{}, fmt.Errorf("tiktok: parse user info: %w", jerr)
	}
	if status != http.StatusOK || (info.Error.Code != "" && info.Error.Code != "ok") {
		return platform.AccountInfo{}, classify(status, info.Error.Code, info.Error.Message)
	}
	return platform.AccountInfo{
		ID:       info.Data.User.OpenID,
		Username: info.Data.User.DisplayName,
		Name:     info.Data.User.DisplayName,
	}, nil
}

// ValidateContent requires exactly one video. Caption limit counts runes,
// matching how TikTok counts characters.
func (a *Adapter) ValidateContent(post *models.Post) error {
	if len(post.MediaURLs) != 1 || post.MediaType != models.MediaVideo {
		return fmt.Errorf("tiktok: a post requires exactly one video")
	}
	return platform.CheckLimits(models.PlatformTikTok, post, a.ContentLimits())
}

func (a *Adapter) ContentLimits() platform.ContentLimits {
	return platform.ContentLimits{
		MaxTextLength:     2200,
		MaxMediaCount:     1,
		AllowedMediaTypes: []models.MediaType{models.MediaVideo},
		SupportsDeletion:  false,
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
