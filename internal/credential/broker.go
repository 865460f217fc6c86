package credential

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/topazyo/s3-sentinel-connector/internal/resilience"
	"github.com/topazyo/s3-sentinel-connector/pkg/models"
)

// Broker is the credential access point for the rest of the connector. It
// caches secrets (encrypted at rest via cipher), refreshes them on TTL
// expiry, and falls back to a stale cached value — rather than failing
// the caller — when a fetch from the backing store fails, an open
// circuit included. Construction is
// allocation-only; Get is the first point any I/O happens.
type Broker struct {
	store   SecretStore
	breaker *resilience.CircuitBreaker
	cipher  *cipher
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[string]*models.CachedSecret
}

// NewBroker creates a Broker backed by store, caching secrets for ttl and
// guarding store calls with breaker.
func NewBroker(store SecretStore, breaker *resilience.CircuitBreaker, ttl time.Duration) (*Broker, error) {
	c, err := newCipher()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Broker{
		store:   store,
		breaker: breaker,
		cipher:  c,
		ttl:     ttl,
		cache:   make(map[string]*models.CachedSecret),
	}, nil
}

// Get returns the current plaintext value of the named secret, fetching
// from the store on a cache miss or TTL expiry. If the store call fails
// for any reason (an open breaker included) and a cached value — however
// stale — exists, that value is returned instead of propagating the error.
//
// forceRefresh bypasses a live (non-expired) cache entry and re-fetches
// from the store unconditionally; it does not bypass the stale-fallback
// behavior on a failed fetch.
func (b *Broker) Get(ctx context.Context, name string, forceRefresh bool) (string, error) {
	now := time.Now()

	b.mu.RLock()
	entry, ok := b.cache[name]
	b.mu.RUnlock()

	if ok && !forceRefresh && !entry.Expired(now) {
		return b.cipher.open(entry.Ciphertext)
	}

	value, err := b.fetch(ctx, name)
	if err != nil {
		if ok {
			return b.cipher.open(entry.Ciphertext)
		}
		return "", fmt.Errorf("fetch secret %q: %w", name, err)
	}

	if err := b.storeCache(ctx, name, value, now); err != nil {
		return "", err
	}
	return value, nil
}

// Rotate replaces name's value in the backing store: newValue is written
// verbatim if non-empty, otherwise a fresh cryptographically random value
// is generated. The cache entry is invalidated and reloaded from the new
// value so a subsequent Get never observes the pre-rotation secret.
func (b *Broker) Rotate(ctx context.Context, name, newValue string) (string, error) {
	if newValue == "" {
		generated, err := generateSecret(32)
		if err != nil {
			return "", fmt.Errorf("rotate secret %q: generate value: %w", name, err)
		}
		newValue = generated
	}

	if err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.store.SetSecret(ctx, name, newValue)
	}); err != nil {
		return "", fmt.Errorf("rotate secret %q: write new value: %w", name, err)
	}

	b.mu.Lock()
	delete(b.cache, name)
	b.mu.Unlock()

	if err := b.storeCache(ctx, name, newValue, time.Now()); err != nil {
		return "", err
	}
	return newValue, nil
}

// generateSecret returns a URL-safe base64 encoding of n random bytes.
func generateSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// Validate reports the broker's health: how many secrets are cached, how
// many are past TTL, and the backing breaker's state.
func (b *Broker) Validate(ctx context.Context) models.HealthSummary {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now()
	summary := models.HealthSummary{
		Healthy:      true,
		CircuitState: b.breaker.State().String(),
	}
	for _, entry := range b.cache {
		summary.CachedSecrets++
		if entry.Expired(now) {
			summary.StaleSecrets++
		}
	}
	if err := b.store.Healthy(ctx); err != nil {
		summary.Healthy = false
		summary.LastError = err.Error()
	}
	return summary
}

func (b *Broker) fetch(ctx context.Context, name string) (string, error) {
	var value string
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		v, err := b.store.GetSecret(ctx, name)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// storeCache caches the encrypted form of value under name.
func (b *Broker) storeCache(ctx context.Context, name, value string, now time.Time) error {
	ciphertext, err := b.cipher.seal(value)
	if err != nil {
		return fmt.Errorf("seal cache entry %q: %w", name, err)
	}
	b.mu.Lock()
	b.cache[name] = &models.CachedSecret{Name: name, Ciphertext: ciphertext, FetchedAt: now, TTL: b.ttl}
	b.mu.Unlock()
	return nil
}
