// Package instagram implements the publishing contract against the
// Instagram Graph API. Publishing is a three step dance: create a media
// container, poll it until processing finishes, then publish it.
package instagram

import (
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
	defaultBaseURL = "https://graph.facebook.com/v19.0"

	EndpointMedia   = "media"
	EndpointPublish = "media_publish"
)

type Config struct {
	AppID     string
	AppSecret string
	BaseURL   string
	Timeout   time.Duration
}

func LoadConfig() (Config, error) {
	cfg := Config{
		AppID:     config.GetEnv("INSTAGRAM_APP_ID", ""),
		AppSecret: config.GetEnv("INSTAGRAM_APP_SECRET", ""),
		BaseURL:   config.GetEnv("INSTAGRAM_API_BASE_URL", defaultBaseURL),
		Timeout:   config.GetEnvDuration("INSTAGRAM_HTTP_TIMEOUT", 30*time.Second),
	}
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return Config{}, fmt.Errorf("instagram: INSTAGRAM_APP_ID and INSTAGRAM_APP_SECRET must be set")
	}
	return cfg, nil
}

// Adapter publishes to one Instagram business or creator account. The
// account's PlatformAccountID is the IG user id used in Graph paths.
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

func (a *Adapter) Platform() models.Platform { return models.PlatformInstagram }

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

// doGraph performs a Graph API call. The access token travels as a query
// parameter, which is the Graph convention. The x-app-usage header is
// captured as the vendor-reported budget.
func (a *Adapter) doGraph(ctx context.Context, method, path, endpoint string, params url.Values) (int, []byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", a.accessToken())

	var body io.Reader
	fullURL := a.cfg.BaseURL + path
	if method == http.MethodGet {
		fullURL += "?" + params.Encode()
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("instagram: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	a.captureAppUsage(endpoint, resp)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("instagram: read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// captureAppUsage translates the percentage based x-app-usage header into
// the generic budget shape. Graph does not expose absolute counts, so the
// budget is modeled as 100 units with call_count percent consumed.
func (a *Adapter) captureAppUsage(endpoint string, resp *http.Response) {
	raw := resp.Header.Get("x-app-usage")
	if raw == "" {
		return
	}
	var usage appUsage
	if err := json.Unmarshal([]byte(raw), &usage); err != nil {
		return
	}
	remaining := 100 - usage.CallCount
	if remaining < 0 {
		remaining = 0
	}

	a.rateMu.Lock()
	defer a.rateMu.Unlock()
	a.rates[endpoint] = platform.RateLimitStatus{
		Endpoint:  endpoint,
		Limit:     100,
		Remaining: remaining,
		ResetsAt:  time.Now().Add(time.Hour),
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

// classify maps a Graph error onto the shared taxonomy. Subcodes take
// precedence over codes: 463/467 are session invalidations that a retry
// cannot fix without a refreshed token.
func classify(status int, body []byte) *platform.Error {
	var envelope graphError
	_ = json.Unmarshal(body, &envelope)

	code := envelope.Error.Code
	subcode := envelope.Error.Subcode
	message := envelope.Error.Message
	if message == "" {
		message = fmt.Sprintf("HTTP %d", status)
	}

	switch {
	case subcode == 463 || subcode == 467:
		return platform.NewError(platform.ErrTokenExpired, message, false)
	case code == 4 || code == 17 || code == 32:
		return platform.NewError(platform.ErrRateLimitExceeded, message, true)
	case code == 190:
		return platform.NewError(platform.ErrInvalidToken, message, false)
	case code == 100:
		return platform.NewError(platform.ErrInvalidMedia, message, false)
	case status >= 500:
		return platform.NewError(platform.ErrPlatformError, message, true)
	default:
		return platform.NewError(platform.ErrPlatformError, message, false)
	}
}

func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	params := url.Values{}
	params.Set("fields", "id,username")
	status, _, err := a.doGraph(ctx, http.MethodGet, "/"+a.account.PlatformAccountID, EndpointMedia, params)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// RefreshAccessToken exchanges the current long-lived token for a new one.
// Graph does not issue separate refresh tokens; the access token itself is
// the exchange currency.
func (a *Adapter) RefreshAccessToken(ctx context.Context) (models.PlatformCredentials, error) {
	current := a.accessToken()
	params := url.Values{}
	params.Set("grant_type", "fb_exchange_token")
	params.Set("client_id", a.cfg.AppID)
	params.Set("client_secret", a.cfg.AppSecret)
	params.Set("fb_exchange_token", current)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.cfg.BaseURL+"/oauth/access_token?"+params.Encode(), nil)
	if err != nil {
		return models.PlatformCredentials{}, fmt.Errorf("instagram: build token request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return models.PlatformCredentials{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.PlatformCredentials{}, fmt.Errorf("instagram: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.PlatformCredentials{}, classify(resp.StatusCode, body)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return models.PlatformCredentials{}, fmt.Errorf("instagram: parse token response: %w", err)
	}

	expiresIn := token.ExpiresIn
	if expiresIn == 0 {
		// Long-lived tokens run about 60 days when the response omits it.
		expiresIn = 60 * 24 * 3600
	}
	creds := models.PlatformCredentials{
		AccessToken: token.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(expiresIn) * time.Second),
	}
	a.SetCredentials(creds)
	return creds, nil
}

// UploadMedia creates one media container per URL and waits for each to
// finish processing. The returned handles are container ids ready for
// media_publish (or for use as carousel children).
func (a *Adapter) UploadMedia(ctx context.Context, urls []string, mediaType models.MediaType) ([]platform.MediaHandle, error) {
	isChild := len(urls) > 1
	handles := make([]platform.MediaHandle, 0, len(urls))
	for _, mediaURL := range urls {
		containerID, err := a.createContainer(ctx, mediaURL, mediaType, "", models.PostOptions{}, isChild)
		if err != nil {
			return handles, err
		}
		if err := a.waitForContainer(ctx, containerID); err != nil {
			return handles, err
		}
		handles = append(handles, platform.MediaHandle{ID: containerID, URL: mediaURL, Type: mediaType})
	}
	return handles, nil
}

func (a *Adapter) createContainer(ctx context.Context, mediaURL string, mediaType models.MediaType, caption string, opts models.PostOptions, isChild bool) (string, error) {
	params := url.Values{}
	switch mediaType {
	case models.MediaVideo:
		params.Set("video_url", mediaURL)
		if opts.ShareAsReel {
			params.Set("media_type", "REELS")
		} else {
			params.Set("media_type", "VIDEO")
		}
	default:
		params.Set("image_url", mediaURL)
	}
	if caption != "" {
		params.Set("caption", caption)
	}
	if isChild {
		params.Set("is_carousel_item", "true")
	}
	return a.postContainer(ctx, params)
}

func (a *Adapter) createCarouselContainer(ctx context.Context, childIDs []string, caption string) (string, error) {
	params := url.Values{}
	params.Set("media_type", "CAROUSEL")
	params.Set("children", strings.Join(childIDs, ","))
	if caption != "" {
		params.Set("caption", caption)
	}
	return a.postContainer(ctx, params)
}

func (a *Adapter) postContainer(ctx context.Context, params url.Values) (string, error) {
	status, body, err := a.doGraph(ctx, http.MethodPost, "/"+a.account.PlatformAccountID+"/media", EndpointMedia, params)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", classify(status, body)
	}
	var container containerResponse
	if err := json.Unmarshal(body, &container); err != nil {
		return "", fmt.Errorf("instagram: parse container response: %w", err)
	}
	return container.ID, nil
}

// waitForContainer polls status_code until FINISHED. ERROR and EXPIRED are
// terminal media failures; a retry with the same asset will not succeed.
func (a *Adapter) waitForContainer(ctx context.Context, containerID string) error {
	return platform.Poll(ctx, a.poll, func(ctx context.Context) (bool, error) {
		params := url.Values{}
		params.Set("fields", "status_code")
		status, body, err := a.doGraph(ctx, http.MethodGet, "/"+containerID, EndpointMedia, params)
		if err != nil {
			return false, err
		}
		if status != http.StatusOK {
			return false, classify(status, body)
		}
		var cs containerStatus
		if err := json.Unmarshal(body, &cs); err != nil {
			return false, fmt.Errorf("instagram: parse container status: %w", err)
		}
		switch cs.StatusCode {
		case "FINISHED":
			return true, nil
		case "ERROR", "EXPIRED":
			return false, platform.NewError(platform.ErrInvalidMedia,
				"instagram: media container ended in state "+cs.StatusCode, false)
		default: // IN_PROGRESS
			return false, nil
		}
	})
}

// PublishPost creates containers for the post's media (a carousel when
// there is more than one asset) and publishes the finished container.
func (a *Adapter) PublishPost(ctx context.Context, post *models.Post, opts models.PostOptions) (platform.PublishResult, error) {
	if err := a.ValidateContent(post); err != nil {
		return platform.PublishResult{
			Error: platform.NewError(platform.ErrInvalidMedia, err.Error(), false),
		}, nil
	}

	var containerID string
	var err error
	switch {
	case len(post.MediaURLs) == 1:
		containerID, err = a.createContainer(ctx, post.MediaURLs[0], post.MediaType, post.Body, opts, false)
	default:
		childIDs := make([]string, 0, len(post.MediaURLs))
		for _, mediaURL := range post.MediaURLs {
			childID, cerr := a.createContainer(ctx, mediaURL, post.MediaType, "", opts, true)
			if cerr != nil {
				return platform.PublishResult{Error: platform.Classify(cerr)}, nil
			}
			if cerr := a.waitForContainer(ctx, childID); cerr != nil {
				return platform.PublishResult{Error: platform.Classify(cerr)}, nil
			}
			childIDs = append(childIDs, childID)
		}
		containerID, err = a.createCarouselContainer(ctx, childIDs, post.Body)
	}
	if err != nil {
		return platform.PublishResult{Error: platform.Classify(err)}, nil
	}

	if err := a.waitForContainer(ctx, containerID); err != nil {
		return platform.PublishResult{Error: platform.Classify(err)}, nil
	}

	params := url.Values{}
	params.Set("creation_id", containerID)
	status, body, err := a.doGraph(ctx, http.MethodPost, "/"+a.account.PlatformAccountID+"/media_publish", EndpointPublish, params)
	if err != nil {
		return platform.PublishResult{Error: platform.Classify(err)}, nil
	}
	if status != http.StatusOK {
		return platform.PublishResult{Error: classify(status, body)}, nil
	}

	var published containerResponse
	if err := json.Unmarshal(body, &published); err != nil {
		return platform.PublishResult{}, fmt.Errorf("instagram: parse publish response: %w", err)
	}

	return platform.PublishResult{
		Success:        true,
		PlatformPostID: published.ID,
		PlatformURL:    a.permalink(ctx, published.ID),
	}, nil
}

// permalink is best-effort; an empty URL is acceptable.
func (a *Adapter) permalink(ctx context.Context, mediaID string) string {
	params := url.Values{}
	params.Set("fields", "permalink")
	status, body, err := a.doGraph(ctx, http.MethodGet, "/"+mediaID, EndpointMedia, params)
	if err != nil || status != http.StatusOK {
		return ""
	}
	var detail mediaDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return ""
	}
	return detail.Permalink
}

// DeletePost is not supported by the content publishing API.
func (a *Adapter) DeletePost(ctx context.Context, platformPostID string) (bool, error) {
	return false, platform.NewError(platform.ErrNotImplemented,
		"instagram: the content publishing API does not support deletion", false)
}

func (a *Adapter) FetchAnalytics(ctx context.Context, platformPostID string) (models.PostingAnalytics, error) {
	params := url.Values{}
	params.Set("metric", "impressions,reach,likes,comments,shares,saved,video_views")
	status, body, err := a.doGraph(ctx, http.MethodGet, "/"+platformPostID+"/insights", EndpointMedia, params)
	if err != nil || status != http.StatusOK {
		return models.PostingAnalytics{PlatformPostID: platformPostID, FetchedAt: time.Now()}, nil
	}

	var insights insightsResponse
	if err := json.Unmarshal(body, &insights); err != nil {
		return models.PostingAnalytics{PlatformPostID: platformPostID, FetchedAt: time.Now()}, nil
	}

	analytics := models.PostingAnalytics{PlatformPostID: platformPostID, FetchedAt: time.Now()}
	for _, metric := range insights.Data {
		if len(metric.Values) == 0 {
			continue
		}
		value := metric.Values[0].Value
		switch metric.Name {
		case "impressions":
			analytics.Impressions = value
		case "reach":
			analytics.Reach = value
		case "likes":
			analytics.Likes = value
		case "comments":
			analytics.Comments = value
		case "shares":
			analytics.Shares = value
		case "saved":
			analytics.Saves = value
		case "video_views":
			analytics.VideoViews = value
		}
	}
	if analytics.Impressions > 0 {
		engagements := analytics.Likes + analytics.Comments + analytics.Shares + analytics.Saves
		analytics.EngagementRate = float64(engagements) / float64(analytics.Impressions)
	}
	return analytics, nil
}

func (a *Adapter) AccountInfo(ctx context.Context) (platform.AccountInfo, error) {
	params := url.Values{}
	params.Set("fields", "id,username,name")
	status, body, err := a.doGraph(ctx, http.MethodGet, "/"+a.account.PlatformAccountID, EndpointMedia, params)
	if err != nil {
		return platform.AccountInfo{}, err
	}
	if status != http.StatusOK {
		return platform.AccountInfo{}, classify(status, body)
	}
	var user userResponse
	if err := json.Unmarshal(body, &user); err != nil {
		return platform.AccountInfo{}, fmt.Errorf("instagram: parse user response: %w", err)
	}
	return platform.AccountInfo{ID: user.ID, Username: user.Username, Name: user.Name}, nil
}

// ValidateContent enforces the caption and carousel constraints. Instagram
// requires at least one media asset; text-only posts are rejected here
// rather than at the API.
func (a *Adapter) ValidateContent(post *models.Post) error {
	if len(post.MediaURLs) == 0 {
		return fmt.Errorf("instagram: a post requires at least one media asset")
	}
	return platform.CheckLimits(models.PlatformInstagram, post, a.ContentLimits())
}

func (a *Adapter) ContentLimits() platform.ContentLimits {
	return platform.ContentLimits{
		MaxTextLength:     2200,
		MaxMediaCount:     10,
		AllowedMediaTypes: []models.MediaType{models.MediaImage, models.MediaVideo},
		SupportsDeletion:  false,
	}
}
