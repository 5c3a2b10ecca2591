package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiter_BurstThenDeny(t *testing.T) {
	l := NewLocalLimiter(Policies{ClassPush: {PerMinute: 3}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "dev-1", ClassPush)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i)
	}

	ok, err := l.Allow(ctx, "dev-1", ClassPush)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalLimiter_BucketsAreIndependent(t *testing.T) {
	l := NewLocalLimiter(Policies{
		ClassPush: {PerMinute: 1},
		ClassPull: {PerMinute: 1},
	})
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "dev-1", ClassPush)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "dev-1", ClassPush)
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "dev-1", ClassPull)
	assert.True(t, ok, "pull has its own bucket")
	ok, _ = l.Allow(ctx, "dev-2", ClassPush)
	assert.True(t, ok, "other devices are unaffected")
}

func TestLocalLimiter_UnknownClassIsUnlimited(t *testing.T) {
	l := NewLocalLimiter(Policies{})
	for i := 0; i < 50; i++ {
		ok, err := l.Allow(context.Background(), "dev-1", ClassPull)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestLocalLimiter_EvictIdle(t *testing.T) {
	l := NewLocalLimiter(Policies{ClassPush: {PerMinute: 10}})
	_, _ = l.Allow(context.Background(), "dev-1", ClassPush)
	require.Len(t, l.visitors, 1)

	l.evictIdle(time.Now().Add(time.Minute))
	assert.Len(t, l.visitors, 1)

	l.evictIdle(time.Now().Add(5 * time.Minute))
	assert.Empty(t, l.visitors)
}

func TestNoop(t *testing.T) {
	ok, err := Noop{}.Allow(context.Background(), "dev", ClassPush)
	require.NoError(t, err)
	assert.True(t, ok)
}
