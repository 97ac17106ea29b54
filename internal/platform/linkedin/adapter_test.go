package linkedin

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"postdeck/internal/models"
	"postdeck/internal/platform"
)

func testAdapter(t *testing.T, apiURL, oauthURL string) *Adapter {
	t.Helper()
	cfg := Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		BaseURL:      apiURL,
		OAuthBaseURL: oauthURL,
		Timeout:      5 * time.Second,
	}
	account := models.SocialAccount{
		ID:                "acct-3",
		Platform:          models.PlatformLinkedIn,
		PlatformAccountID: "AbC123xyz",
		Username:          "craft-lab",
	}
	creds := models.PlatformCredentials{AccessToken: "access-token", RefreshToken: "refresh-token"}
	return NewAdapter(cfg, account, creds)
}

func TestPublishPostText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/ugcPosts", r.URL.Path)
		require.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))
		require.Equal(t, "2.0.0", r.Header.Get("X-Restli-Protocol-Version"))

		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `"author":"urn:li:person:AbC123xyz"`)
		require.Contains(t, string(body), `"shareMediaCategory":"NONE"`)
		require.Contains(t, string(body), `"com.linkedin.ugc.MemberNetworkVisibility":"PUBLIC"`)

		w.Header().Set("X-Restli-Id", "urn:li:share:6900000000000000001")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"urn:li:share:6900000000000000001"}`))
	}))
	defer server.Close()

	a := testAdapter(t, server.URL, server.URL)
	result, err := a.PublishPost(t.Context(), &models.Post{Body: "shipping notes"}, models.PostOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "urn:li:share:6900000000000000001", result.PlatformPostID)
	require.Equal(t, "https://www.linkedin.com/feed/update/urn:li:share:6900000000000000001", result.PlatformURL)
}

func TestPublishPostImageUploadsAsset(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/image.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png-bytes"))
	})
	mux.HandleFunc("/v2/assets", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "registerUpload", r.URL.Query().Get("action"))
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), "urn:li:digitalmediaRecipe:feedshare-image")
		require.Contains(t, string(body), `"owner":"urn:li:person:AbC123xyz"`)
		w.Write([]byte(`{"value":{"asset":"urn:li:digitalmediaAsset:D100","uploadMechanism":{"com.linkedin.digitalmedia.uploading.MediaUploadHttpRequest":{"uploadUrl":"` +
			"http://" + r.Host + `/upload/D100"}}}}`))
	})
	var uploaded []byte
	mux.HandleFunc("/upload/D100", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		uploaded, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/v2/ugcPosts", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `"shareMediaCategory":"IMAGE"`)
		require.Contains(t, string(body), `"media":"urn:li:digitalmediaAsset:D100"`)
		w.Header().Set("X-Restli-Id", "urn:li:share:42")
		w.WriteHeader(http.StatusCreated)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	a := testAdapter(t, server.URL, server.URL)
	post := &models.Post{
		Body:      "with picture",
		MediaType: models.MediaImage,
		MediaURLs: []string{server.URL + "/image.png"},
	}
	result, err := a.PublishPost(t.Context(), post, models.PostOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "urn:li:share:42", result.PlatformPostID)
	require.Equal(t, []byte("png-bytes"), uploaded)
}

func TestPublishPostForbiddenIsInvalidToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"Not enough permissions to access: ugcPosts","serviceErrorCode":100,"status":403}`))
	}))
	defer server.Close()

	a := testAdapter(t, server.URL, server.URL)
	result, err := a.PublishPost(t.Context(), &models.Post{Body: "hello"}, models.PostOptions{})
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	require.Equal(t, platform.ErrInvalidToken, result.Error.Code)
	require.False(t, result.Error.Retryable)
}

func TestRateLimitStatusAlwaysUnknown(t *testing.T) {
	a := testAdapter(t, "http://unused.invalid", "http://unused.invalid")
	status := a.RateLimitStatus("ugcPosts")
	require.Equal(t, "unknown", status.Source)
	require.Equal(t, "ugcPosts", status.Endpoint)
}

func TestPublishPostUnauthorizedIsTokenExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Expired access token","serviceErrorCode":65602,"status":401}`))
	}))
	defer server.Close()

	a := testAdapter(t, server.URL, server.URL)
	result, err := a.PublishPost(t.Context(), &models.Post{Body: "hello"}, models.PostOptions{})
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	require.Equal(t, platform.ErrTokenExpired, result.Error.Code)
	require.False(t, result.Error.Retryable)
}

func TestConnectionsVisibility(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `"com.linkedin.ugc.MemberNetworkVisibility":"CONNECTIONS"`)
		w.Header().Set("X-Restli-Id", "urn:li:share:43")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	a := testAdapter(t, server.URL, server.URL)
	result, err := a.PublishPost(t.Context(), &models.Post{Body: "team only"},
		models.PostOptions{Visibility: "connections"})
	require.NoError(t, err)
	require.True(t, result.Success)
}

func TestRefreshAccessToken(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/v2/accessToken", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.FormValue("grant_type"))
		require.Equal(t, "refresh-token", r.FormValue("refresh_token"))
		require.Equal(t, "client-id", r.FormValue("client_id"))
		require.Equal(t, "client-secret", r.FormValue("client_secret"))
		w.Write([]byte(`{"access_token":"new-access","expires_in":5184000,"refresh_token":"new-refresh","refresh_token_expires_in":31536000}`))
	}))
	defer oauth.Close()

	a := testAdapter(t, "http://unused", oauth.URL)
	creds, err := a.RefreshAccessToken(t.Context())
	require.NoError(t, err)
	require.Equal(t, "new-access", creds.AccessToken)
	require.Equal(t, "new-refresh", creds.RefreshToken)
	require.Equal(t, "new-access", a.accessToken())
}

func TestRefreshAccessTokenKeepsOldRefreshToken(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"new-access","expires_in":5184000}`))
	}))
	defer oauth.Close()

	a := testAdapter(t, "http://unused", oauth.URL)
	creds, err := a.RefreshAccessToken(t.Context())
	require.NoError(t, err)
	require.Equal(t, "refresh-token", creds.RefreshToken)
}

func TestDeletePost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	a := testAdapter(t, server.URL, server.URL)
	deleted, err := a.DeletePost(t.Context(), "urn:li:share:42")
	require.NoError(t, err)
	require.True(t, deleted)
}

func TestFetchAnalytics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"likesSummary":{"totalLikes":12},"commentsSummary":{"totalFirstLevelComments":5}}`))
	}))
	defer server.Close()

	a := testAdapter(t, server.URL, server.URL)
	analytics, err := a.FetchAnalytics(t.Context(), "urn:li:share:42")
	require.NoError(t, err)
	require.Equal(t, int64(12), analytics.Likes)
	require.Equal(t, int64(5), analytics.Comments)
}

func TestValidateContent(t *testing.T) {
	a := testAdapter(t, "http://unused", "http://unused")

	long := make([]byte, 3001)
	for i := range long {
		long[i] = 'x'
	}
	require.Error(t, a.ValidateContent(&models.Post{Body: string(long)}))
	require.NoError(t, a.ValidateContent(&models.Post{Body: "fits"}))
}
