package tiktok

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"postdeck/internal/models"
	"postdeck/internal/platform"
)

func testAdapter(t *testing.T, apiURL string) *Adapter {
	t.Helper()
	cfg := Config{
		ClientKey:    "client-key",
		ClientSecret: "client-secret",
		BaseURL:      apiURL,
		Timeout:      5 * time.Second,
	}
	account := models.SocialAccount{
		ID:                "acct-4",
		Platform:          models.PlatformTikTok,
		PlatformAccountID: "open-id-1",
		Username:          "craftlab",
	}
	creds := models.PlatformCredentials{AccessToken: "access-token", RefreshToken: "refresh-token"}
	a := NewAdapter(cfg, account, creds)
	a.poll = platform.PollConfig{Interval: 5 * time.Millisecond, MaxAttempts: 10}
	return a
}

func TestPublishPostFileUpload(t *testing.T) {
	var statusPolls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/video.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tiny-video-bytes"))
	})
	mux.HandleFunc("/v2/post/publish/video/init/", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))
		var init initRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&init))
		require.Equal(t, "FILE_UPLOAD", init.SourceInfo.Source)
		require.Equal(t, int64(16), init.SourceInfo.VideoSize)
		require.Equal(t, 1, init.SourceInfo.TotalChunkCount)
		require.Equal(t, "morning routine", init.PostInfo.Title)
		require.Equal(t, "PUBLIC_TO_EVERYONE", init.PostInfo.PrivacyLevel)
		w.Write([]byte(`{"data":{"publish_id":"pub-1","upload_url":"http://` + r.Host + `/upload/pub-1"},"error":{"code":"ok"}}`))
	})
	mux.HandleFunc("/upload/pub-1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "bytes 0-15/16", r.Header.Get("Content-Range"))
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, "tiny-video-bytes", string(body))
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/v2/post/publish/status/fetch/", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&statusPolls, 1) < 3 {
			w.Write([]byte(`{"data":{"status":"PROCESSING_UPLOAD"},"error":{"code":"ok"}}`))
			return
		}
		w.Write([]byte(`{"data":{"status":"PUBLISH_COMPLETE","publicaly_available_post_id":["7300000000000000001"]},"error":{"code":"ok"}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	a := testAdapter(t, server.URL)
	post := &models.Post{
		Body:      "morning routine",
		MediaType: models.MediaVideo,
		MediaURLs: []string{server.URL + "/video.mp4"},
	}
	result, err := a.PublishPost(t.Context(), post, models.PostOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "7300000000000000001", result.PlatformPostID)
	require.Equal(t, "https://www.tiktok.com/@craftlab/video/7300000000000000001", result.PlatformURL)
}

func TestPublishPostPullFromURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/post/publish/video/init/", func(w http.ResponseWriter, r *http.Request) {
		var init initRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&init))
		require.Equal(t, "PULL_FROM_URL", init.SourceInfo.Source)
		require.Equal(t, "https://cdn.example.com/video.mp4", init.SourceInfo.VideoURL)
		w.Write([]byte(`{"data":{"publish_id":"pub-2"},"error":{"code":"ok"}}`))
	})
	mux.HandleFunc("/v2/post/publish/status/fetch/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"status":"PUBLISH_COMPLETE","publicaly_available_post_id":["7300000000000000002"]},"error":{"code":"ok"}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	a := testAdapter(t, server.URL)
	a.cfg.PullFromURL = true
	post := &models.Post{
		MediaType: models.MediaVideo,
		MediaURLs: []string{"https://cdn.example.com/video.mp4"},
	}
	result, err := a.PublishPost(t.Context(), post, models.PostOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "7300000000000000002", result.PlatformPostID)
}

func TestPublishPostFailedStatusIsTerminal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/post/publish/video/init/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"publish_id":"pub-3"},"error":{"code":"ok"}}`))
	})
	mux.HandleFunc("/v2/post/publish/status/fetch/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"status":"FAILED","fail_reason":"video_pull_failed"},"error":{"code":"ok"}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	a := testAdapter(t, server.URL)
	a.cfg.PullFromURL = true
	post := &models.Post{
		MediaType: models.MediaVideo,
		MediaURLs: []string{"https://cdn.example.com/broken.mp4"},
	}
	result, err := a.PublishPost(t.Context(), post, models.PostOptions{})
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	require.Equal(t, platform.ErrInvalidMedia, result.Error.Code)
	require.False(t, result.Error.Retryable)
}

func TestClassifyTokenExpiredIsRetryable(t *testing.T) {
	perr := classify(http.StatusUnauthorized, "token_expired", "The access token is expired")
	require.Equal(t, platform.ErrTokenExpired, perr.Code)
	require.True(t, perr.Retryable)

	perr = classify(http.StatusUnauthorized, "access_token_invalid", "The access token is invalid")
	require.Equal(t, platform.ErrInvalidToken, perr.Code)
	require.False(t, perr.Retryable)

	perr = classify(http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests")
	require.Equal(t, platform.ErrRateLimitExceeded, perr.Code)
	require.True(t, perr.Retryable)
}

func TestRefreshAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/oauth/token/", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client-key", r.FormValue("client_key"))
		require.Equal(t, "client-secret", r.FormValue("client_secret"))
		require.Equal(t, "refresh_token", r.FormValue("grant_type"))
		require.Equal(t, "refresh-token", r.FormValue("refresh_token"))
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":86400,"open_id":"open-id-1"}`))
	}))
	defer server.Close()

	a := testAdapter(t, server.URL)
	creds, err := a.RefreshAccessToken(t.Context())
	require.NoError(t, err)
	require.Equal(t, "new-access", creds.AccessToken)
	require.Equal(t, "new-refresh", creds.RefreshToken)
	require.WithinDuration(t, time.Now().Add(24*time.Hour), creds.ExpiresAt, time.Minute)
}

func TestRefreshAccessTokenError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Refresh token is invalid or expired."}`))
	}))
	defer server.Close()

	a := testAdapter(t, server.URL)
	_, err := a.RefreshAccessToken(t.Context())
	perr := platform.AsError(err)
	require.NotNil(t, perr)
	require.False(t, perr.Retryable)
}

func TestFetchAnalytics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var query videoQueryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&query))
		require.Equal(t, []string{"7300000000000000001"}, query.Filters.VideoIDs)
		w.Write([]byte(`{"data":{"videos":[{"id":"7300000000000000001","like_count":200,"comment_count":40,"share_count":10,"view_count":5000}]},"error":{"code":"ok"}}`))
	}))
	defer server.Close()

	a := testAdapter(t, server.URL)
	analytics, err := a.FetchAnalytics(t.Context(), "7300000000000000001")
	require.NoError(t, err)
	require.Equal(t, int64(200), analytics.Likes)
	require.Equal(t, int64(5000), analytics.VideoViews)
	require.InDelta(t, 0.05, analytics.EngagementRate, 0.0001)
}

func TestValidateContentVideoOnly(t *testing.T) {
	a := testAdapter(t, "http://unused")

	require.Error(t, a.ValidateContent(&models.Post{Body: "no media"}))
	require.Error(t, a.ValidateContent(&models.Post{
		MediaType: models.MediaImage,
		MediaURLs: []string{"https://cdn.example.com/a.jpg"},
	}))
	require.NoError(t, a.ValidateContent(&models.Post{
		Body:      "one video",
		MediaType: models.MediaVideo,
		MediaURLs: []string{"https://cdn.example.com/a.mp4"},
	}))
}

func TestDeletePostUnsupported(t *testing.T) {
	a := testAdapter(t, "http://unused")
	deleted, err := a.DeletePost(t.Context(), "7300000000000000001")
	require.False(t, deleted)
	require.Equal(t, platform.ErrNotImplemented, platform.AsError(err).Code)
}
