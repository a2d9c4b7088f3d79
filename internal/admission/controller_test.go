package admission

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(daily int, burst int) *Controller {
	c := New(Config{
		BurstPerMinute: burst,
		Daily: map[Tier]int{
			TierGuest:   daily,
			TierFree:    daily * 10,
			TierPremium: daily * 100,
		},
		Bypass: map[Tier]bool{TierEnterprise: true},
	})
	return c
}

func TestTryAdmit_ConsumesDailyQuota(t *testing.T) {
	c := newTestController(3, 0)

	for i := 0; i < 3; i++ {
		d := c.TryAdmit("user-1", "10.0.0.1", TierGuest)
		require.True(t, d.Allowed, "admission %d should succeed", i+1)
		assert.Equal(t, 3-(i+1), d.Remaining)
		assert.Equal(t, 3, d.Limit)
	}

	d := c.TryAdmit("user-1", "10.0.0.1", TierGuest)
	assert.False(t, d.Allowed)
	assert.Equal(t, LimitTypeDaily, d.LimitType)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestStatus_DoesNotConsume(t *testing.T) {
	c := newTestController(5, 0)

	c.TryAdmit("user-1", "10.0.0.1", TierGuest)
	c.TryAdmit("user-1", "10.0.0.1", TierGuest)

	for i := 0; i < 10; i++ {
		d := c.Status("user-1", "10.0.0.1", TierGuest)
		assert.True(t, d.Allowed)
		assert.Equal(t, 3, d.Remaining)
		assert.Equal(t, 5, d.Limit)
	}
}

func TestStatus_ReportsLimitTypeWhenExhausted(t *testing.T) {
	c := newTestController(1, 0)

	require.True(t, c.TryAdmit("user-1", "10.0.0.1", TierGuest).Allowed)

	d := c.Status("user-1", "10.0.0.1", TierGuest)
	require.False(t, d.Allowed)
	assert.Equal(t, LimitTypeDaily, d.LimitType)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.Equal(t, 0, d.Remaining)
}

func TestTryAdmit_BurstBeforeDaily(t *testing.T) {
	c := newTestController(100, 2)

	require.True(t, c.TryAdmit("user-1", "10.0.0.1", TierFree).Allowed)
	require.True(t, c.TryAdmit("user-2", "10.0.0.1", TierFree).Allowed)

	// Third attempt from the same IP inside the window trips the burst
	// bucket even though both identities have daily quota left.
	d := c.TryAdmit("user-3", "10.0.0.1", TierFree)
	assert.False(t, d.Allowed)
	assert.Equal(t, LimitTypeBurst, d.LimitType)
	assert.Equal(t, 2, d.Limit)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// A different IP is unaffected.
	assert.True(t, c.TryAdmit("user-4", "10.0.0.2", TierFree).Allowed)
}

func TestTryAdmit_LastSlotRace(t *testing.T) {
	c := newTestController(5, 0)

	// Drain to a single remaining unit.
	for i := 0; i < 4; i++ {
		require.True(t, c.TryAdmit("user-1", "10.0.0.1", TierGuest).Allowed)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.TryAdmit("user-1", "10.0.0.1", TierGuest).Allowed
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, ok := range results {
		if ok {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent admission may take the last slot")
}

func TestTryAdmit_WindowReset(t *testing.T) {
	c := newTestController(1, 0)
	base := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	require.True(t, c.TryAdmit("user-1", "10.0.0.1", TierGuest).Allowed)

	d := c.TryAdmit("user-1", "10.0.0.1", TierGuest)
	require.False(t, d.Allowed)
	assert.InDelta(t, (30 * time.Minute).Seconds(), d.RetryAfter.Seconds(), 1)

	// Past midnight the window resets lazily.
	base = base.Add(time.Hour)
	assert.True(t, c.TryAdmit("user-1", "10.0.0.1", TierGuest).Allowed)
}

func TestTryAdmit_GuestFallsBackToIP(t *testing.T) {
	c := newTestController(2, 0)

	require.True(t, c.TryAdmit("", "10.0.0.1", TierGuest).Allowed)
	require.True(t, c.TryAdmit("", "10.0.0.1", TierGuest).Allowed)
	assert.False(t, c.TryAdmit("", "10.0.0.1", TierGuest).Allowed)

	// A different IP gets its own anonymous bucket.
	assert.True(t, c.TryAdmit("", "10.0.0.9", TierGuest).Allowed)
}

func TestTryAdmit_GuestIdentitiesShareIPBucket(t *testing.T) {
	c := newTestController(1, 0)

	// Guest tokens mint a fresh identity each time; the daily ceiling must
	// hold per IP regardless of how many tokens the caller collects.
	require.True(t, c.TryAdmit("guest-aaaa", "10.0.0.1", TierGuest).Allowed)

	d := c.TryAdmit("guest-bbbb", "10.0.0.1", TierGuest)
	require.False(t, d.Allowed)
	assert.Equal(t, LimitTypeDaily, d.LimitType)

	// Another IP is unaffected.
	assert.True(t, c.TryAdmit("guest-cccc", "10.0.0.9", TierGuest).Allowed)
}

func TestTryAdmit_TiersAreIndependent(t *testing.T) {
	c := newTestController(1, 0)

	require.True(t, c.TryAdmit("user-1", "10.0.0.1", TierGuest).Allowed)
	require.False(t, c.TryAdmit("user-1", "10.0.0.1", TierGuest).Allowed)

	// Same identity under a higher tier draws from a separate bucket.
	assert.True(t, c.TryAdmit("user-1", "10.0.0.1", TierFree).Allowed)
}

func TestTryAdmit_BypassTier(t *testing.T) {
	c := newTestController(1, 1)

	for i := 0; i < 20; i++ {
		assert.True(t, c.TryAdmit("vip", "10.0.0.1", TierEnterprise).Allowed)
	}
}

func TestParseTier(t *testing.T) {
	assert.Equal(t, TierFree, ParseTier("free"))
	assert.Equal(t, TierPremium, ParseTier("premium"))
	assert.Equal(t, TierEnterprise, ParseTier("enterprise"))
	assert.Equal(t, TierGuest, ParseTier("guest"))
	assert.Equal(t, TierGuest, ParseTier(""))
	assert.Equal(t, TierGuest, ParseTier("bogus"))
}
