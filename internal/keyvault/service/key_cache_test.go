package service

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration) (*KeyCache, *fakeClock) {
	t.Helper()
	cache, err := NewKeyCache(ttl)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache.now = clock.Now
	return cache, clock
}

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 96)
}

func TestKeyCache_PutGet(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	id := uuid.New()

	_, ok := cache.Get(id)
	assert.False(t, ok)

	cache.Put(id, testKey(7))

	got, ok := cache.Get(id)
	require.True(t, ok)
	assert.Equal(t, testKey(7), got)

	got[0] = 0
	again, ok := cache.Get(id)
	require.True(t, ok)
	assert.Equal(t, testKey(7), again, "callers receive independent copies")
}

func TestKeyCache_EntriesAreSealed(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	id := uuid.New()
	key := testKey(0x42)

	cache.Put(id, key)

	entry := cache.entries[id]
	require.NotNil(t, entry)
	assert.False(t, bytes.Contains(entry.sealed, key[:16]))
}

func TestKeyCache_Expiry(t *testing.T) {
	cache, clock := newTestCache(t, time.Minute)
	id := uuid.New()
	cache.Put(id, testKey(1))
	cache.PutAlias("alpha", id)

	clock.Advance(59 * time.Second)
	_, ok := cache.Get(id)
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = cache.Get(id)
	assert.False(t, ok, "entry must not be served at or past expiry")
	assert.Equal(t, 0, cache.Len())

	_, ok = cache.Alias("alpha")
	assert.False(t, ok)
}

func TestKeyCache_DisabledTTL(t *testing.T) {
	cache, _ := newTestCache(t, 0)
	id := uuid.New()

	cache.Put(id, testKey(1))
	cache.PutAlias("alpha", id)

	_, ok := cache.Get(id)
	assert.False(t, ok)
	_, ok = cache.Alias("alpha")
	assert.False(t, ok)
}

func TestKeyCache_Invalidate(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	id := uuid.New()
	other := uuid.New()

	cache.Put(id, testKey(1))
	cache.Put(other, testKey(2))
	cache.PutAlias("alpha", id)
	cache.PutAlias("beta", other)

	cache.Invalidate(id)

	_, ok := cache.Get(id)
	assert.False(t, ok)
	_, ok = cache.Alias("alpha")
	assert.False(t, ok)

	_, ok = cache.Get(other)
	assert.True(t, ok)
	aliased, ok := cache.Alias("beta")
	assert.True(t, ok)
	assert.Equal(t, other, aliased)
}

func TestKeyCache_Close(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	id := uuid.New()
	cache.Put(id, testKey(3))
	entry := cache.entries[id]

	cache.Close()

	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, make([]byte, len(entry.sealed)), entry.sealed)
	assert.Equal(t, make([]byte, len(cache.sealKey)), cache.sealKey)
	assert.Nil(t, cache.aead)

	assert.NotPanics(t, func() { cache.Put(id, testKey(3)) })
	_, ok := cache.Get(id)
	assert.False(t, ok)

	assert.NotPanics(t, cache.Close)
}
