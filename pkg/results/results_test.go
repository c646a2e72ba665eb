package results

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)

	_, _, ok := c.Get(ctx, "r-1")
	assert.False(t, ok)

	c.Put(ctx, "r-1", []byte(`{"a":1}`), "application/json")
	data, mime, ok := c.Get(ctx, "r-1")
	require.True(t, ok)
	assert.Equal(t, []byte(`{"a":1}`), data)
	assert.Equal(t, "application/json", mime)
}

func TestMemoryCacheTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Nanosecond)
	c.Put(ctx, "r-1", []byte("x"), "text/plain")
	time.Sleep(time.Millisecond)
	_, _, ok := c.Get(ctx, "r-1")
	assert.False(t, ok)
}

func TestTieredPromotesSecondaryHits(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryCache(time.Minute)
	secondary := NewMemoryCache(time.Minute)
	tiered := NewTiered(primary, secondary)

	secondary.Put(ctx, "r-1", []byte("payload"), "text/plain")

	data, _, ok := tiered.Get(ctx, "r-1")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), data)

	// The hit was promoted into the primary tier.
	_, _, ok = primary.Get(ctx, "r-1")
	assert.True(t, ok)

	tiered.Put(ctx, "r-2", []byte("both"), "text/plain")
	_, _, ok = primary.Get(ctx, "r-2")
	assert.True(t, ok)
	_, _, ok = secondary.Get(ctx, "r-2")
	assert.True(t, ok)
}

func TestGrantSignerRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	signer := NewGrantSigner([]byte("test-secret"), 5*time.Minute).
		WithClock(func() time.Time { return now })

	grant, err := signer.Sign("r-1", "s3://results/r-1.result")
	require.NoError(t, err)

	id, uri, err := signer.Verify(grant)
	require.NoError(t, err)
	assert.Equal(t, "r-1", id)
	assert.Equal(t, "s3://results/r-1.result", uri)
}

func TestGrantSignerRejectsExpiredAndForged(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	signer := NewGrantSigner([]byte("test-secret"), time.Minute).
		WithClock(func() time.Time { return now })

	grant, err := signer.Sign("r-1", "s3://results/r-1.result")
	require.NoError(t, err)

	// Expired
	late := NewGrantSigner([]byte("test-secret"), time.Minute).
		WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	_, _, err = late.Verify(grant)
	assert.Error(t, err)

	// Wrong secret
	other := NewGrantSigner([]byte("other-secret"), time.Minute).
		WithClock(func() time.Time { return now })
	_, _, err = other.Verify(grant)
	assert.Error(t, err)
}
