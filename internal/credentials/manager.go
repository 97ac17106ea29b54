// Package credentials manages the token lifecycle for connected accounts:
// decrypt on load, refresh ahead of expiry, persist rotated tokens.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"postdeck/internal/models"
	"postdeck/internal/platform"
	"postdeck/pkg/logging"
)

// DefaultExpiryBuffer is how far ahead of token expiry a refresh kicks in.
// Refreshing early keeps a token from dying between the freshness check
// and the vendor call.
const DefaultExpiryBuffer = 5 * time.Minute

type credentialStore interface {
	GetSocialAccount(ctx context.Context, id string) (models.SocialAccount, error)
	Credentials(account models.SocialAccount) (models.PlatformCredentials, error)
	SaveCredentials(ctx context.Context, accountID string, creds models.PlatformCredentials) error
}

// Refresher is what the manager needs from a platform adapter to rotate
// a token. Every adapter satisfies it.
type Refresher interface {
	RefreshAccessToken(ctx context.Context) (models.PlatformCredentials, error)
}

// Manager hands out fresh credentials for publish attempts. One instance
// serves all accounts; refreshes for the same account are serialized so
// concurrent attempts never race a token rotation.
type Manager struct {
	store  credentialStore
	buffer time.Duration
	logger logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(store credentialStore, buffer time.Duration, logger logging.Logger) *Manager {
	if buffer <= 0 {
		buffer = DefaultExpiryBuffer
	}
	return &Manager{
		store:  store,
		buffer: buffer,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *Manager) accountLock(accountID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[accountID] = lock
	}
	return lock
}

// Load fetches the account and decrypts its tokens.
func (m *Manager) Load(ctx context.Context, accountID string) (models.SocialAccount, models.PlatformCredentials, error) {
	account, err := m.store.GetSocialAccount(ctx, accountID)
	if err != nil {
		return models.SocialAccount{}, models.PlatformCredentials{}, fmt.Errorf("load account %s: %w", accountID, err)
	}
	creds, err := m.store.Credentials(account)
	if err != nil {
		return models.SocialAccount{}, models.PlatformCredentials{}, err
	}
	return account, creds, nil
}

// EnsureFresh returns credentials good for at least the expiry buffer,
// refreshing and persisting them when needed. A token that cannot be
// refreshed surfaces as a non-retryable TOKEN_EXPIRED so the post fails
// fast instead of burning retries on a dead credential.
func (m *Manager) EnsureFresh(ctx context.Context, account models.SocialAccount, creds models.PlatformCredentials, refresher Refresher) (models.PlatformCredentials, error) {
	if !creds.ExpiresWithin(m.buffer) {
		return creds, nil
	}

	lock := m.accountLock(account.ID)
	lock.Lock()
	defer lock.Unlock()

	// Another attempt may have refreshed while this one waited.
	account2, latest, err := m.Load(ctx, account.ID)
	if err == nil && !latest.ExpiresWithin(m.buffer) {
		return latest, nil
	}
	if err == nil {
		creds = latest
		account = account2
	}

	if creds.RefreshToken == "" {
		return models.PlatformCredentials{}, platform.NewError(platform.ErrTokenExpired,
			fmt.Sprintf("account %s token expired and no refresh token is stored; re-authorization required", account.ID), false)
	}

	m.logger.WithFields(logrus.Fields{
		"account_id": account.ID,
		"platform":   account.Platform,
		"expires_at": creds.ExpiresAt,
	}).Info("Refreshing platform access token")

	fresh, err := refresher.RefreshAccessToken(ctx)
	if err != nil {
		if perr := platform.AsError(err); perr != nil {
			return models.PlatformCredentials{}, perr
		}
		return models.PlatformCredentials{}, fmt.Errorf("refresh token for account %s: %w", account.ID, err)
	}

	// Vendors that do not rotate refresh tokens return an empty one;
	// keep the stored token in that case.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = creds.RefreshToken
	}

	if err := m.store.SaveCredentials(ctx, account.ID, fresh); err != nil {
		// The vendor already rotated; losing the write would strand the
		// old token. Surface loudly.
		return models.PlatformCredentials{}, fmt.Errorf("persist refreshed credentials for account %s: %w", account.ID, err)
	}

	return fresh, nil
}
