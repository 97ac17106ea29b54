package instagram

import (
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
		AppID:     "app-id",
		AppSecret: "app-secret",
		BaseURL:   apiURL,
		Timeout:   5 * time.Second,
	}
	account := models.SocialAccount{
		ID:                "acct-2",
		Platform:          models.PlatformInstagram,
		PlatformAccountID: "17841400000000001",
		Username:          "craftlab.studio",
	}
	creds := models.PlatformCredentials{AccessToken: "long-lived-token"}
	a := NewAdapter(cfg, account, creds)
	a.poll = platform.PollConfig{Interval: 5 * time.Millisecond, MaxAttempts: 10}
	return a
}

func TestPublishPostImageWaitsForContainer(t *testing.T) {
	var statusPolls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/17841400000000001/media", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "long-lived-token", r.FormValue("access_token"))
		require.Equal(t, "https://cdn.example.com/a.jpg", r.FormValue("image_url"))
		require.Equal(t, "launch day", r.FormValue("caption"))
		w.Write([]byte(`{"id":"container-1"}`))
	})
	mux.HandleFunc("/container-1", func(w http.ResponseWriter, r *http.Request) {
		// IN_PROGRESS three times, then FINISHED.
		if atomic.AddInt32(&statusPolls, 1) <= 3 {
			w.Write([]byte(`{"id":"container-1","status_code":"IN_PROGRESS"}`))
			return
		}
		w.Write([]byte(`{"id":"container-1","status_code":"FINISHED"}`))
	})
	mux.HandleFunc("/17841400000000001/media_publish", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "container-1", r.FormValue("creation_id"))
		w.Write([]byte(`{"id":"media-900"}`))
	})
	mux.HandleFunc("/media-900", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"media-900","permalink":"https://www.instagram.com/p/Cxyz/"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	a := testAdapter(t, server.URL)
	post := &models.Post{
		Body:      "launch day",
		MediaType: models.MediaImage,
		MediaURLs: []string{"https://cdn.example.com/a.jpg"},
	}
	result, err := a.PublishPost(t.Context(), post, models.PostOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "media-900", result.PlatformPostID)
	require.Equal(t, "https://www.instagram.com/p/Cxyz/", result.PlatformURL)
	require.GreaterOrEqual(t, atomic.LoadInt32(&statusPolls), int32(4))
}

func TestPublishPostCarousel(t *testing.T) {
	var containers int32

	mux := http.NewServeMux()
	mux.HandleFunc("/17841400000000001/media", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		n := atomic.AddInt32(&containers, 1)
		if n <= 2 {
			require.Equal(t, "true", r.FormValue("is_carousel_item"))
			require.Empty(t, r.FormValue("caption"))
		} else {
			require.Equal(t, "CAROUSEL", r.FormValue("media_type"))
			require.Equal(t, "child-1,child-2", r.FormValue("children"))
			require.Equal(t, "two shots", r.FormValue("caption"))
			w.Write([]byte(`{"id":"parent-1"}`))
			return
		}
		if n == 1 {
			w.Write([]byte(`{"id":"child-1"}`))
		} else {
			w.Write([]byte(`{"id":"child-2"}`))
		}
	})
	statusHandler := func(id string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":"` + id + `","status_code":"FINISHED"}`))
		}
	}
	mux.HandleFunc("/child-1", statusHandler("child-1"))
	mux.HandleFunc("/child-2", statusHandler("child-2"))
	mux.HandleFunc("/parent-1", statusHandler("parent-1"))
	mux.HandleFunc("/17841400000000001/media_publish", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"media-901"}`))
	})
	mux.HandleFunc("/media-901", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"media-901","permalink":""}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	a := testAdapter(t, server.URL)
	post := &models.Post{
		Body:      "two shots",
		MediaType: models.MediaImage,
		MediaURLs: []string{"https://cdn.example.com/a.jpg", "https://cdn.example.com/b.jpg"},
	}
	result, err := a.PublishPost(t.Context(), post, models.PostOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "media-901", result.PlatformPostID)
}

func TestPublishPostContainerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/17841400000000001/media", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"container-2"}`))
	})
	mux.HandleFunc("/container-2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"container-2","status_code":"ERROR"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	a := testAdapter(t, server.URL)
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

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      platform.ErrorCode
		retryable bool
	}{
		{"app level throttle", 400, `{"error":{"message":"Application request limit reached","code":4}}`, platform.ErrRateLimitExceeded, true},
		{"user level throttle", 400, `{"error":{"message":"User request limit reached","code":17}}`, platform.ErrRateLimitExceeded, true},
		{"page level throttle", 400, `{"error":{"message":"Page request limit reached","code":32}}`, platform.ErrRateLimitExceeded, true},
		{"session expired subcode", 400, `{"error":{"message":"Session has expired","code":190,"error_subcode":463}}`, platform.ErrTokenExpired, false},
		{"password changed subcode", 400, `{"error":{"message":"Session invalidated","code":190,"error_subcode":467}}`, platform.ErrTokenExpired, false},
		{"invalid token", 400, `{"error":{"message":"Invalid OAuth access token","code":190}}`, platform.ErrInvalidToken, false},
		{"server error", 500, `{}`, platform.ErrPlatformError, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			perr := classify(tc.status, []byte(tc.body))
			require.Equal(t, tc.code, perr.Code)
			require.Equal(t, tc.retryable, perr.Retryable)
		})
	}
}

func TestRefreshAccessTokenExchangesLongLivedToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/access_token", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "fb_exchange_token", q.Get("grant_type"))
		require.Equal(t, "app-id", q.Get("client_id"))
		require.Equal(t, "app-secret", q.Get("client_secret"))
		require.Equal(t, "long-lived-token", q.Get("fb_exchange_token"))
		w.Write([]byte(`{"access_token":"fresh-token","token_type":"bearer","expires_in":5184000}`))
	}))
	defer server.Close()

	a := testAdapter(t, server.URL)
	creds, err := a.RefreshAccessToken(t.Context())
	require.NoError(t, err)
	require.Equal(t, "fresh-token", creds.AccessToken)
	require.Empty(t, creds.RefreshToken)
	require.WithinDuration(t, time.Now().Add(60*24*time.Hour), creds.ExpiresAt, time.Minute)
	require.Equal(t, "fresh-token", a.accessToken())
}

func TestAppUsageHeaderCaptured(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-app-usage", `{"call_count":85,"total_cputime":10,"total_time":12}`)
		w.Write([]byte(`{"id":"17841400000000001","username":"craftlab.studio"}`))
	}))
	defer server.Close()

	a := testAdapter(t, server.URL)
	ok, err := a.ValidateCredentials(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	status := a.RateLimitStatus(EndpointMedia)
	require.Equal(t, "headers", status.Source)
	require.Equal(t, 100, status.Limit)
	require.Equal(t, 15, status.Remaining)
}

func TestDeletePostUnsupported(t *testing.T) {
	a := testAdapter(t, "http://unused")
	deleted, err := a.DeletePost(t.Context(), "media-900")
	require.False(t, deleted)
	perr := platform.AsError(err)
	require.NotNil(t, perr)
	require.Equal(t, platform.ErrNotImplemented, perr.Code)
}

func TestValidateContentRequiresMedia(t *testing.T) {
	a := testAdapter(t, "http://unused")
	require.Error(t, a.ValidateContent(&models.Post{Body: "text only"}))
	require.NoError(t, a.ValidateContent(&models.Post{
		Body:      "with media",
		MediaType: models.MediaImage,
		MediaURLs: []string{"https://cdn.example.com/a.jpg"},
	}))
}
