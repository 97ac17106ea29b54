package platform

import (
	"fmt"
	"sync"

	"postdeck/internal/models"
)

// Factory constructs an adapter for one account with decrypted credentials.
type Factory func(account models.SocialAccount, creds models.PlatformCredentials) (Adapter, error)

// Registry resolves a platform + account to a cached adapter instance.
// It owns no business logic. The processor owns one registry for the
// process lifetime; tests construct their own.
type Registry struct {
	mu        sync.Mutex
	factories map[models.Platform]Factory
	cache     map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[models.Platform]Factory),
		cache:     make(map[string]Adapter),
	}
}

// Register installs the factory for a platform, replacing any previous one.
func (r *Registry) Register(p models.Platform, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[p] = f
}

// Adapter returns the cached adapter for (platform, account), constructing
// it on first use. Cached adapters get the caller's freshly decrypted
// credentials swapped in so a stale token never outlives one attempt.
func (r *Registry) Adapter(account models.SocialAccount, creds models.PlatformCredentials) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(account.Platform) + ":" + account.ID
	if cached, ok := r.cache[key]; ok {
		cached.SetCredentials(creds)
		return cached, nil
	}

	factory, ok := r.factories[account.Platform]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", account.Platform)
	}

	adapter, err := factory(account, creds)
	if err != nil {
		return nil, fmt.Errorf("construct %s adapter: %w", account.Platform, err)
	}
	r.cache[key] = adapter
	return adapter, nil
}

// Evict drops the cached adapter for (platform, account).
func (r *Registry) Evict(p models.Platform, accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, string(p)+":"+accountID)
}

// Platforms returns the registered platform names.
func (r *Registry) Platforms() []models.Platform {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Platform, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	return out
}

// Size returns the number of cached adapters, for health reporting.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
