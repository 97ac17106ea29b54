// Package linkedin implements the publishing contract against the LinkedIn
// v2 API: registerUpload for media assets, ugcPosts for shares.
package linkedin

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
	defaultBaseURL      = "https://api.linkedin.com"
	defaultOAuthBaseURL = "https://www.linkedin.com"

	EndpointPosts  = "ugcPosts"
	EndpointAssets = "assets"
)

type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	OAuthBaseURL string
	Timeout      time.Duration
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ClientID:     config.GetEnv("LINKEDIN_CLIENT_ID", ""),
		ClientSecret: config.GetEnv("LINKEDIN_CLIENT_SECRET", ""),
		BaseURL:      config.GetEnv("LINKEDIN_API_BASE_URL", defaultBaseURL),
		OAuthBaseURL: config.GetEnv("LINKEDIN_OAUTH_BASE_URL", defaultOAuthBaseURL),
		Timeout:      config.GetEnvDuration("LINKEDIN_HTTP_TIMEOUT", 30*time.Second),
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return Config{}, fmt.Errorf("linkedin: LINKEDIN_CLIENT_ID and LINKEDIN_CLIENT_SECRET must be set")
	}
	return cfg, nil
}

// Adapter publishes to one LinkedIn member profile. The account's
// PlatformAccountID is the member id used to build the person URN.
type Adapter struct {
	cfg     Config
	account models.SocialAccount

	mu    sync.RWMutex
	creds models.PlatformCredentials

	httpClient *http.Client
}

func NewAdapter(cfg Config, account models.SocialAccount, creds models.PlatformCredentials) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.OAuthBaseURL == "" {
		cfg.OAuthBaseURL = defaultOAuthBaseURL
	}
	return &Adapter{
		cfg:        cfg,
		account:    account,
		creds:      creds,
		httpClient: platform.NewHTTPClient(cfg.Timeout),
	}
}

func (a *Adapter) Platform() models.Platform { return models.PlatformLinkedIn }

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

func (a *Adapter) personURN() string {
	return "urn:li:person:" + a.account.PlatformAccountID
}

func (a *Adapter) doRequest(ctx context.Context, method, rawURL string, payload any) (int, []byte, http.Header, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("linkedin: marshal request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("linkedin: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.accessToken())
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, resp.Header, fmt.Errorf("linkedin: read response: %w", err)
	}
	return resp.StatusCode, respBody, resp.Header, nil
}

// classify maps a LinkedIn failure onto the shared taxonomy. LinkedIn
// uses 403 for revoked or under-scoped tokens and 401 for expired ones;
// neither can succeed on a retry with the same token.
func classify(status int, body []byte) *platform.Error {
	var envelope apiError
	_ = json.Unmarshal(body, &envelope)
	message := envelope.Message
	if message == "" {
		message = fmt.Sprintf("HTTP %d", status)
	}

	switch {
	case status == http.StatusForbidden:
		return platform.NewError(platform.ErrInvalidToken, message, false)
	case status == http.StatusUnauthorized:
		return platform.NewError(platform.ErrTokenExpired, message, false)
	case status == http.StatusTooManyRequests:
		return platform.NewError(platform.ErrRateLimitExceeded, message, true)
	case status == http.StatusUnprocessableEntity:
		return platform.NewError(platform.ErrInvalidMedia, message, false)
	case status >= 500:
		return platform.NewError(platform.ErrPlatformError, message, true)
	default:
		return platform.NewError(platform.ErrPlatformError, message, false)
	}
}

func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	status, _, _, err := a.doRequest(ctx, http.MethodGet, a.cfg.BaseURL+"/v2/userinfo", nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

func (a *Adapter) RefreshAccessToken(ctx context.Context) (models.PlatformCredentials, error) {
	refresh := a.refreshToken()
	if refresh == "" {
		return models.PlatformCredentials{}, platform.NewError(platform.ErrInvalidToken,
			"linkedin: no refresh token available; account must re-authorize", false)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)
	form.Set("client_id", a.cfg.ClientID)
	form.Set("client_secret", a.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.OAuthBaseURL+"/oauth/v2/accessToken", strings.NewReader(form.Encode()))
	if err != nil {
		return models.PlatformCredentials{}, fmt.Errorf("linkedin: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return models.PlatformCredentials{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.PlatformCredentials{}, fmt.Errorf("linkedin: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.PlatformCredentials{}, classify(resp.StatusCode, body)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return models.PlatformCredentials{}, fmt.Errorf("linkedin: parse token response: %w", err)
	}

	newRefresh := token.RefreshToken
	if newRefresh == "" {
		newRefresh = refresh
	}
	creds := models.PlatformCredentials{
		AccessToken:  token.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    time.Now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}
	a.SetCredentials(creds)
	return creds, nil
}

func recipeFor(mediaType models.MediaType) string {
	switch mediaType {
	case models.MediaVideo:
		return "urn:li:digitalmediaRecipe:feedshare-video"
	case models.MediaDocument:
		return "urn:li:digitalmediaRecipe:feedshare-document"
	default:
		return "urn:li:digitalmediaRecipe:feedshare-image"
	}
}

// UploadMedia registers an upload slot per asset and PUTs the bytes to the
// returned upload URL. Handles carry the asset URN for ugcPosts.
func (a *Adapter) UploadMedia(ctx context.Context, urls []string, mediaType models.MediaType) ([]platform.MediaHandle, error) {
	handles := make([]platform.MediaHandle, 0, len(urls))
	for _, mediaURL := range urls {
		data, err := a.download(ctx, mediaURL)
		if err != nil {
			return handles, err
		}

		asset, uploadURL, err := a.registerUpload(ctx, mediaType)
		if err != nil {
			return handles, err
		}
		if err := a.putBinary(ctx, uploadURL, data); err != nil {
			return handles, err
		}
		handles = append(handles, platform.MediaHandle{ID: asset, URL: mediaURL, Type: mediaType})
	}
	return handles, nil
}

func (a *Adapter) download(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("linkedin: build media download request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, platform.NewError(platform.ErrInvalidMedia,
			fmt.Sprintf("linkedin: media download returned HTTP %d for %s", resp.StatusCode, mediaURL), false)
	}
	return io.ReadAll(resp.Body)
}

func (a *Adapter) registerUpload(ctx context.Context, mediaType models.MediaType) (asset, uploadURL string, err error) {
	var reqBody registerUploadRequest
	reqBody.RegisterUploadRequest.Recipes = []string{recipeFor(mediaType)}
	reqBody.RegisterUploadRequest.Owner = a.personURN()
	reqBody.RegisterUploadRequest.ServiceRelationships = []serviceRelationship{
		{RelationshipType: "OWNER", Identifier: "urn:li:userGeneratedContent"},
	}

	status, body, _, err := a.doRequest(ctx, http.MethodPost,
		a.cfg.BaseURL+"/v2/assets?action=registerUpload", reqBody)
	if err != nil {
		return "", "", err
	}
	if status < 200 || status >= 300 {
		return "", "", classify(status, body)
	}

	var registered registerUploadResponse
	if err := json.Unmarshal(body, &registered); err != nil {
		return "", "", fmt.Errorf("linkedin: parse registerUpload response: %w", err)
	}
	return registered.Value.Asset,
		registered.Value.UploadMechanism.MediaUploadHTTPRequest.UploadURL, nil
}

func (a *Adapter) putBinary(ctx context.Context, uploadURL string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("linkedin: build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.accessToken())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return classify(resp.StatusCode, body)
	}
	return nil
}

func mediaCategory(mediaType models.MediaType, count int) string {
	if count == 0 {
		return "NONE"
	}
	switch mediaType {
	case models.MediaVideo:
		return "VIDEO"
	case models.MediaDocument:
		return "DOCUMENT"
	default:
		return "IMAGE"
	}
}

func (a *Adapter) PublishPost(ctx context.Context, post *models.Post, opts models.PostOptions) (platform.PublishResult, error) {
	if err := a.ValidateContent(post); err != nil {
		return platform.PublishResult{
			Error: platform.NewError(platform.ErrInvalidMedia, err.Error(), false),
		}, nil
	}

	share := shareContent{
		ShareCommentary:    textBlock{Text: post.Body},
		ShareMediaCategory: mediaCategory(post.MediaType, len(post.MediaURLs)),
	}

	if len(post.MediaURLs) > 0 {
		handles, err := a.UploadMedia(ctx, post.MediaURLs, post.MediaType)
		if err != nil {
			return platform.PublishResult{Error: platform.Classify(err)}, nil
		}
		for _, h := range handles {
			media := ugcMedia{Status: "READY", Media: h.ID}
			if post.MediaType == models.MediaDocument && opts.DocumentTitle != "" {
				media.Title = &textBlock{Text: opts.DocumentTitle}
			}
			share.Media = append(share.Media, media)
		}
	}

	memberVisibility := "PUBLIC"
	if strings.EqualFold(opts.Visibility, "connections") {
		memberVisibility = "CONNECTIONS"
	}

	payload := ugcPost{
		Author:          a.personURN(),
		LifecycleState:  "PUBLISHED",
		SpecificContent: specificContent{ShareContent: share},
		Visibility:      visibility{MemberNetworkVisibility: memberVisibility},
	}

	status, body, headers, err := a.doRequest(ctx, http.MethodPost, a.cfg.BaseURL+"/v2/ugcPosts", payload)
	if err != nil {
		return platform.PublishResult{Error: platform.Classify(err)}, nil
	}
	if status < 200 || status >= 300 {
		return platform.PublishResult{Error: classify(status, body)}, nil
	}

	postURN := headers.Get("X-Restli-Id")
	if postURN == "" {
		var created ugcPostResponse
		if err := json.Unmarshal(body, &created); err == nil {
			postURN = created.ID
		}
	}

	return platform.PublishResult{
		Success:        true,
		PlatformPostID: postURN,
		PlatformURL:    "https://www.linkedin.com/feed/update/" + postURN,
	}, nil
}

func (a *Adapter) DeletePost(ctx context.Context, platformPostID string) (bool, error) {
	status, body, _, err := a.doRequest(ctx, http.MethodDelete,
		a.cfg.BaseURL+"/v2/ugcPosts/"+url.PathEscape(platformPostID), nil)
	if err != nil {
		return false, err
	}
	if status < 200 || status >= 300 {
		return false, classify(status, body)
	}
	return true, nil
}

// FetchAnalytics reads the share's social action summary. LinkedIn does not
// expose impressions for member posts, so only engagement counts are
// populated.
func (a *Adapter) FetchAnalytics(ctx context.Context, platformPostID string) (models.PostingAnalytics, error) {
	status, body, _, err := a.doRequest(ctx, http.MethodGet,
		a.cfg.BaseURL+"/v2/socialActions/"+url.PathEscape(platformPostID), nil)
	if err != nil || status != http.StatusOK {
		return models.PostingAnalytics{PlatformPostID: platformPostID, FetchedAt: time.Now()}, nil
	}

	var actions socialActionsResponse
	if err := json.Unmarshal(body, &actions); err != nil {
		return models.PostingAnalytics{PlatformPostID: platformPostID, FetchedAt: time.Now()}, nil
	}

	return models.PostingAnalytics{
		PlatformPostID: platformPostID,
		Likes:          actions.LikesSummary.TotalLikes,
		Comments:       actions.CommentsSummary.TotalFirstLevelComments,
		FetchedAt:      time.Now(),
	}, nil
}

func (a *Adapter) AccountInfo(ctx context.Context) (platform.AccountInfo, error) {
	status, body, _, err := a.doRequest(ctx, http.MethodGet, a.cfg.BaseURL+"/v2/userinfo", nil)
	if err != nil {
		return platform.AccountInfo{}, err
	}
	if status != http.StatusOK {
		return platform.AccountInfo{}, classify(status, body)
	}
	var info userinfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return platform.AccountInfo{}, fmt.Errorf("linkedin: parse userinfo response: %w", err)
	}
	return platform.AccountInfo{ID: info.Sub, Name: info.Name}, nil
}

func (a *Adapter) ValidateContent(post *models.Post) error {
	return platform.CheckLimits(models.PlatformLinkedIn, post, a.ContentLimits())
}

func (a *Adapter) ContentLimits() platform.ContentLimits {
	return platform.ContentLimits{
		MaxTextLength:     3000,
		MaxMediaCount:     9,
		AllowedMediaTypes: []models.MediaType{models.MediaImage, models.MediaVideo, models.MediaDocument},
		SupportsDeletion:  true,
	}
}

// RateLimitStatus always reports unknown: LinkedIn does not ship budget
// headers, so the local window is authoritative.
func (a *Adapter) RateLimitStatus(endpoint string) platform.RateLimitStatus {
	return platform.RateLimitStatus{Endpoint: endpoint, Source: "unknown"}
}
