package service

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
)

// DefaultKeyCacheTTL is how long an unwrapped data key stays cached.
const DefaultKeyCacheTTL = 60 * time.Second

type cacheEntry struct {
	sealed    []byte
	expiresAt time.Time
}

type aliasEntry struct {
	id        uuid.UUID
	expiresAt time.Time
}

// KeyCache holds unwrapped data keys for a fixed TTL.
//
// Entries are sealed with XChaCha20-Poly1305 under a key generated when the cache is
// created, so raw data keys only exist in memory while a caller holds a copy. Expired
// entries are never served. The mutex guards map access only.
type KeyCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	sealKey []byte
	aead    cipher.AEAD
	entries map[uuid.UUID]*cacheEntry
	aliases map[string]aliasEntry
	closed  bool
}

// NewKeyCache creates a cache with the given TTL. A TTL of zero or less disables caching.
func NewKeyCache(ttl time.Duration) (*KeyCache, error) {
	sealKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(sealKey); err != nil {
		return nil, fmt.Errorf("failed to generate cache key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache cipher: %w", err)
	}

	return &KeyCache{
		ttl:     ttl,
		now:     time.Now,
		sealKey: sealKey,
		aead:    aead,
		entries: make(map[uuid.UUID]*cacheEntry),
		aliases: make(map[string]aliasEntry),
	}, nil
}

// Get returns a copy of the cached key for id. The caller owns the copy and should zero it.
func (c *KeyCache) Get(id uuid.UUID) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	if !ok || c.closed {
		c.mu.RUnlock()
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.RUnlock()
		c.evictIfExpired(id)
		return nil, false
	}
	key, err := c.open(id, entry.sealed)
	c.mu.RUnlock()

	if err != nil {
		return nil, false
	}
	return key, true
}

// Put caches a copy of key under id.
func (c *KeyCache) Put(id uuid.UUID, key []byte) {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(key)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return
	}
	sealed := c.aead.Seal(nonce, nonce, key, id[:])
	if old, ok := c.entries[id]; ok {
		cryptoDomain.Zero(old.sealed)
	}
	c.entries[id] = &cacheEntry{sealed: sealed, expiresAt: c.now().Add(c.ttl)}
}

// Alias returns the key id cached for an alternate name.
func (c *KeyCache) Alias(name string) (uuid.UUID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	alias, ok := c.aliases[name]
	if !ok || c.closed || !c.now().Before(alias.expiresAt) {
		return uuid.Nil, false
	}
	return alias.id, true
}

// PutAlias records that name resolves to id.
func (c *KeyCache) PutAlias(name string, id uuid.UUID) {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.aliases[name] = aliasEntry{id: id, expiresAt: c.now().Add(c.ttl)}
}

// Invalidate drops the entry for id and every alias pointing at it.
func (c *KeyCache) Invalidate(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deleteLocked(id)
	for name, alias := range c.aliases {
		if alias.id == id {
			delete(c.aliases, name)
		}
	}
}

// Len returns the number of cached keys, expired or not.
func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close zeroes every cached entry and the sealing key and drops the cipher built from it.
// The cache stays usable but never hits.
func (c *KeyCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	for id := range c.entries {
		c.deleteLocked(id)
	}
	clear(c.aliases)
	cryptoDomain.Zero(c.sealKey)
	// The cipher holds its own copy of the sealing key.
	c.aead = nil
	c.closed = true
}

func (c *KeyCache) evictIfExpired(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[id]; ok && !c.now().Before(entry.expiresAt) {
		c.deleteLocked(id)
	}
}

func (c *KeyCache) deleteLocked(id uuid.UUID) {
	if entry, ok := c.entries[id]; ok {
		cryptoDomain.Zero(entry.sealed)
		delete(c.entries, id)
	}
}

func (c *KeyCache) open(id uuid.UUID, sealed []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, cryptoDomain.ErrDecryptionFailed
	}
	return c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], id[:])
}
