package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
)

func TestLimiter_AllowsBurstThenRejects(t *testing.T) {
	l := New(1, 2)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("fs"))
	assert.True(t, l.Allow("fs"))
	assert.False(t, l.Allow("fs"))

	// Keys are independent.
	assert.True(t, l.Allow("github"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("fs"))
}

func TestLimiter_CheckReturnsRateLimitedError(t *testing.T) {
	l := New(1, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	require.NoError(t, l.Check("fs", "execute tool"))
	err := l.Check("fs", "execute tool")
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcperr.ErrRateLimited))
	assert.Equal(t, mcperr.KindRateLimited, mcperr.KindOf(err))
}

func TestLimiter_DisabledWhenRateNotPositive(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("fs"))
	}
}

func TestLimiter_PurgeDropsIdleKeys(t *testing.T) {
	l := New(5, 5)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(10 * time.Minute)
	l.Allow("fresh")

	assert.Equal(t, 1, l.Purge(5*time.Minute))
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 0, l.Purge(5*time.Minute))
}
