package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/ratelimit"
)

func newTestLimiter(t *testing.T) (*ratelimit.Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromExisting(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	cfg := &config.Config{}
	cfg.RateLimit.Window = 15 * time.Minute
	cfg.RateLimit.MaxIssuances = 5
	cfg.RateLimit.LockoutBase = 15 * time.Minute
	cfg.RateLimit.LockoutMax = 24 * time.Hour

	return ratelimit.NewLimiter(rc, cfg), mr
}

func exhaustWindow(t *testing.T, l *ratelimit.Limiter, hash string) {
	t.Helper()
	for i := 0; i < 5; i++ {
		d, err := l.Allow(context.Background(), hash)
		require.NoError(t, err)
		require.True(t, d.Allowed, "issuance %d should be within the window limit", i+1)
	}
}

func TestLimiter_Allow(t *testing.T) {
	ctx := context.Background()

	t.Run("allows up to the window limit", func(t *testing.T) {
		l, _ := newTestLimiter(t)
		exhaustWindow(t, l, "hash-a")
	})

	t.Run("sixth issuance starts a lockout", func(t *testing.T) {
		l, _ := newTestLimiter(t)
		exhaustWindow(t, l, "hash-a")

		d, err := l.Allow(ctx, "hash-a")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 15*time.Minute, d.RetryAfter)
	})

	t.Run("denied while locked out with remaining ttl", func(t *testing.T) {
		l, mr := newTestLimiter(t)
		exhaustWindow(t, l, "hash-a")

		d, err := l.Allow(ctx, "hash-a")
		require.NoError(t, err)
		require.False(t, d.Allowed)

		mr.FastForward(5 * time.Minute)

		d, err = l.Allow(ctx, "hash-a")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 10*time.Minute, d.RetryAfter)
	})

	t.Run("limits are per phone hash", func(t *testing.T) {
		l, _ := newTestLimiter(t)
		exhaustWindow(t, l, "hash-a")

		d, err := l.Allow(ctx, "hash-b")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("consecutive lockouts double", func(t *testing.T) {
		l, mr := newTestLimiter(t)

		exhaustWindow(t, l, "hash-a")
		d, err := l.Allow(ctx, "hash-a")
		require.NoError(t, err)
		require.False(t, d.Allowed)
		require.Equal(t, 15*time.Minute, d.RetryAfter)

		// Past the first lockout; burn the fresh window and trip again.
		mr.FastForward(16 * time.Minute)
		exhaustWindow(t, l, "hash-a")
		d, err = l.Allow(ctx, "hash-a")
		require.NoError(t, err)
		require.False(t, d.Allowed)
		assert.Equal(t, 30*time.Minute, d.RetryAfter)

		mr.FastForward(31 * time.Minute)
		exhaustWindow(t, l, "hash-a")
		d, err = l.Allow(ctx, "hash-a")
		require.NoError(t, err)
		require.False(t, d.Allowed)
		assert.Equal(t, time.Hour, d.RetryAfter)
	})

	t.Run("lockout is capped", func(t *testing.T) {
		l, mr := newTestLimiter(t)

		// Eighth consecutive strike would be 32h unbounded; the cap
		// holds it to 24h.
		var last time.Duration
		for i := 0; i < 8; i++ {
			exhaustWindow(t, l, "hash-a")
			d, err := l.Allow(ctx, "hash-a")
			require.NoError(t, err)
			require.False(t, d.Allowed)
			last = d.RetryAfter
			mr.FastForward(d.RetryAfter + time.Minute)
		}
		assert.Equal(t, 24*time.Hour, last)
	})

	t.Run("window expires and frees new issuances", func(t *testing.T) {
		l, mr := newTestLimiter(t)
		exhaustWindow(t, l, "hash-a")

		mr.FastForward(16 * time.Minute)

		d, err := l.Allow(ctx, "hash-a")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("fails closed when redis is down", func(t *testing.T) {
		l, mr := newTestLimiter(t)
		mr.Close()

		d, err := l.Allow(ctx, "hash-a")
		assert.Error(t, err)
		assert.False(t, d.Allowed)
	})
}

func TestLimiter_Reset(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t)

	exhaustWindow(t, l, "hash-a")
	d, err := l.Allow(ctx, "hash-a")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.NoError(t, l.Reset(ctx, "hash-a"))

	d, err = l.Allow(ctx, "hash-a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
