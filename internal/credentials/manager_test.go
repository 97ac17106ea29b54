package credentials

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"postdeck/internal/models"
	"postdeck/internal/platform"
	"postdeck/pkg/logging"
)

type fakeStore struct {
	mu      sync.Mutex
	account models.SocialAccount
	creds   models.PlatformCredentials
	saved   []models.PlatformCredentials
}

func (f *fakeStore) GetSocialAccount(ctx context.Context, id string) (models.SocialAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.account, nil
}

func (f *fakeStore) Credentials(account models.SocialAccount) (models.PlatformCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds, nil
}

func (f *fakeStore) SaveCredentials(ctx context.Context, accountID string, creds models.PlatformCredentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = creds
	f.saved = append(f.saved, creds)
	return nil
}

type fakeRefresher struct {
	calls int32
	creds models.PlatformCredentials
	err   error
}

func (f *fakeRefresher) RefreshAccessToken(ctx context.Context) (models.PlatformCredentials, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return models.PlatformCredentials{}, f.err
	}
	return f.creds, nil
}

func TestEnsureFreshSkipsValidToken(t *testing.T) {
	store := &fakeStore{account: models.SocialAccount{ID: "acct-1"}}
	m := NewManager(store, DefaultExpiryBuffer, logging.NewNopLogger())

	creds := models.PlatformCredentials{
		AccessToken: "valid",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	refresher := &fakeRefresher{}

	got, err := m.EnsureFresh(t.Context(), store.account, creds, refresher)
	require.NoError(t, err)
	require.Equal(t, "valid", got.AccessToken)
	require.Zero(t, atomic.LoadInt32(&refresher.calls))
}

func TestEnsureFreshRefreshesInsideBuffer(t *testing.T) {
	expiring := models.PlatformCredentials{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(2 * time.Minute),
	}
	store := &fakeStore{account: models.SocialAccount{ID: "acct-1"}, creds: expiring}
	m := NewManager(store, DefaultExpiryBuffer, logging.NewNopLogger())

	refresher := &fakeRefresher{creds: models.PlatformCredentials{
		AccessToken:  "fresh",
		RefreshToken: "refresh-2",
		ExpiresAt:    time.Now().Add(2 * time.Hour),
	}}

	got, err := m.EnsureFresh(t.Context(), store.account, expiring, refresher)
	require.NoError(t, err)
	require.Equal(t, "fresh", got.AccessToken)
	require.Equal(t, int32(1), atomic.LoadInt32(&refresher.calls))

	// The rotated tokens were persisted.
	require.Len(t, store.saved, 1)
	require.Equal(t, "refresh-2", store.saved[0].RefreshToken)
}

func TestEnsureFreshRefreshesOnceUnderConcurrency(t *testing.T) {
	expiring := models.PlatformCredentials{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Minute),
	}
	store := &fakeStore{account: models.SocialAccount{ID: "acct-1"}, creds: expiring}
	m := NewManager(store, DefaultExpiryBuffer, logging.NewNopLogger())

	refresher := &fakeRefresher{creds: models.PlatformCredentials{
		AccessToken:  "fresh",
		RefreshToken: "refresh-2",
		ExpiresAt:    time.Now().Add(2 * time.Hour),
	}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.EnsureFresh(t.Context(), store.account, expiring, refresher)
			require.NoError(t, err)
			require.Equal(t, "fresh", got.AccessToken)
		}()
	}
	wg.Wait()

	// The first caller refreshes; the rest reload the persisted tokens.
	require.Equal(t, int32(1), atomic.LoadInt32(&refresher.calls))
}

func TestEnsureFreshKeepsUnrotatedRefreshToken(t *testing.T) {
	expiring := models.PlatformCredentials{
		AccessToken:  "stale",
		RefreshToken: "refresh-keep",
		ExpiresAt:    time.Now().Add(time.Minute),
	}
	store := &fakeStore{account: models.SocialAccount{ID: "acct-1"}, creds: expiring}
	m := NewManager(store, DefaultExpiryBuffer, logging.NewNopLogger())

	// Graph-style refresh: new access token, no refresh token in response.
	refresher := &fakeRefresher{creds: models.PlatformCredentials{
		AccessToken: "fresh",
		ExpiresAt:   time.Now().Add(2 * time.Hour),
	}}

	got, err := m.EnsureFresh(t.Context(), store.account, expiring, refresher)
	require.NoError(t, err)
	require.Equal(t, "refresh-keep", got.RefreshToken)
}

func TestEnsureFreshFailsFastWithoutRefreshToken(t *testing.T) {
	expired := models.PlatformCredentials{
		AccessToken: "stale",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}
	store := &fakeStore{account: models.SocialAccount{ID: "acct-1"}, creds: expired}
	m := NewManager(store, DefaultExpiryBuffer, logging.NewNopLogger())

	refresher := &fakeRefresher{}
	_, err := m.EnsureFresh(t.Context(), store.account, expired, refresher)

	perr := platform.AsError(err)
	require.NotNil(t, perr)
	require.Equal(t, platform.ErrTokenExpired, perr.Code)
	require.False(t, perr.Retryable)
	require.Zero(t, atomic.LoadInt32(&refresher.calls))
}

func TestEnsureFreshPropagatesClassifiedRefreshFailure(t *testing.T) {
	expired := models.PlatformCredentials{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	store := &fakeStore{account: models.SocialAccount{ID: "acct-1"}, creds: expired}
	m := NewManager(store, DefaultExpiryBuffer, logging.NewNopLogger())

	refresher := &fakeRefresher{err: platform.NewError(platform.ErrInvalidToken, "revoked", false)}
	_, err := m.EnsureFresh(t.Context(), store.account, expired, refresher)

	perr := platform.AsError(err)
	require.NotNil(t, perr)
	require.Equal(t, platform.ErrInvalidToken, perr.Code)
}
