package webhook

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	agg "ledgersync/internal/infrastructure/aggregator"
)

var ErrKeyExpired = errors.New("verification key expired")

// KeySource fetches verification keys from the provider
type KeySource interface {
	FetchVerificationKey(ctx context.Context, keyID string) (*agg.VerificationKey, error)
}

// KeyProvider resolves a key ID to a public key
type KeyProvider interface {
	Key(ctx context.Context, keyID string) (*ecdsa.PublicKey, error)
}

// KeyCache caches verification keys by key ID. Concurrent misses for the
// same key ID share a single fetch.
type KeyCache struct {
	source KeySource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedKey
	group   singleflight.Group
}

type cachedKey struct {
	key       *ecdsa.PublicKey
	expiredAt *time.Time
	fetchedAt time.Time
}

// NewKeyCache creates a key cache
func NewKeyCache(source KeySource, ttl time.Duration) *KeyCache {
	return &KeyCache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedKey),
	}
}

func (c *KeyCache) Key(ctx context.Context, keyID string) (*ecdsa.PublicKey, error) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[keyID]
	c.mu.RUnlock()
	if ok && now.Sub(entry.fetchedAt) < c.ttl {
		if entry.expiredAt != nil && !entry.expiredAt.After(now) {
			return nil, fmt.Errorf("%w: %s", ErrKeyExpired, keyID)
		}
		return entry.key, nil
	}

	v, err, _ := c.group.Do(keyID, func() (any, error) {
		return c.fetch(ctx, keyID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ecdsa.PublicKey), nil
}

func (c *KeyCache) fetch(ctx context.Context, keyID string) (*ecdsa.PublicKey, error) {
	jwk, err := c.source.FetchVerificationKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch verification key %s: %w", keyID, err)
	}
	if jwk.Alg != "" && jwk.Alg != expectedAlg {
		return nil, fmt.Errorf("verification key %s has algorithm %s", keyID, jwk.Alg)
	}

	key, err := jwk.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to decode verification key %s: %w", keyID, err)
	}

	now := c.now()
	entry := cachedKey{key: key, fetchedAt: now}
	if jwk.ExpiredAt != nil {
		at := time.Unix(*jwk.ExpiredAt, 0)
		entry.expiredAt = &at
	}

	c.mu.Lock()
	c.entries[keyID] = entry
	c.mu.Unlock()

	if jwk.Expired(now) {
		return nil, fmt.Errorf("%w: %s", ErrKeyExpired, keyID)
	}
	return key, nil
}
