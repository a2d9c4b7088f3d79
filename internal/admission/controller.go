// Package admission enforces tiered session quotas: a per-minute burst
// bucket keyed by IP and a per-day bucket keyed by (tier, identity).
package admission

import (
	"sync"
	"time"
)

// Tier is a named quota class. Tiers are totally ordered by capacity.
type Tier string

const (
	TierGuest      Tier = "guest"
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// ParseTier maps a claim string onto a known tier, defaulting to guest.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierFree, TierPremium, TierEnterprise:
		return Tier(s)
	default:
		return TierGuest
	}
}

// Limit types reported on denial.
const (
	LimitTypeBurst = "burst"
	LimitTypeDaily = "daily"
)

// Config holds quota capacities.
type Config struct {
	// BurstPerMinute caps admissions per IP per minute, across all tiers.
	BurstPerMinute int

	// Daily caps admissions per (tier, identity) per UTC day.
	Daily map[Tier]int

	// Bypass tiers skip both checks entirely.
	Bypass map[Tier]bool

	// Operational bounds for the in-memory bucket map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	Limit      int
	LimitType  string
	RetryAfter time.Duration
}

// Controller tracks quota buckets. Construct one at startup and pass it by
// reference into the connection-handling path; it has no global state.
type Controller struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	mu        sync.Mutex
	remaining int
	capacity  int
	expiresAt time.Time
	lastSeen  time.Time
}

// New creates a Controller from the given config.
func New(cfg Config) *Controller {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 48 * time.Hour
	}
	return &Controller{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// TryAdmit checks both the burst bucket and the identity's daily bucket and,
// when both have capacity, consumes one unit from each. The burst check runs
// first and is keyed by IP alone, so rapid-fire abuse is blunted before any
// tier lookup. Denial reports the smallest retry-after among the failed
// buckets.
func (c *Controller) TryAdmit(identity, ip string, tier Tier) Decision {
	return c.check(identity, ip, tier, true)
}

// Status reports the identity's current daily standing without consuming
// quota.
func (c *Controller) Status(identity, ip string, tier Tier) Decision {
	return c.check(identity, ip, tier, false)
}

func (c *Controller) check(identity, ip string, tier Tier, consume bool) Decision {
	now := c.now()

	dailyCap := c.cfg.Daily[tier]
	if c.cfg.Bypass[tier] {
		return Decision{Allowed: true, Remaining: dailyCap, Limit: dailyCap}
	}

	burst := c.getOrCreate("burst:"+ip, now)
	daily := c.getOrCreate(dailyKey(identity, ip, tier), now)

	// Lock order: burst before daily. Every caller uses the same order, and
	// the per-bucket locks are what make a concurrent admission race for the
	// last slot resolve to exactly one winner.
	burst.mu.Lock()
	defer burst.mu.Unlock()
	daily.mu.Lock()
	defer daily.mu.Unlock()

	burst.rollWindow(now, c.cfg.BurstPerMinute, now.Add(time.Minute))
	daily.rollWindow(now, dailyCap, nextMidnightUTC(now))

	burstOK := c.cfg.BurstPerMinute <= 0 || burst.remaining > 0
	dailyOK := daily.remaining > 0

	if !burstOK || !dailyOK {
		d := Decision{Remaining: daily.remaining, Limit: daily.capacity}
		var retries []retryCandidate
		if !burstOK {
			retries = append(retries, retryCandidate{LimitTypeBurst, burst.expiresAt.Sub(now)})
		}
		if !dailyOK {
			retries = append(retries, retryCandidate{LimitTypeDaily, daily.expiresAt.Sub(now)})
		}
		d.LimitType, d.RetryAfter = smallestRetry(retries)
		if d.LimitType == LimitTypeBurst {
			d.Limit = burst.capacity
		}
		return d
	}

	if !consume {
		return Decision{
			Allowed:   true,
			Remaining: daily.remaining,
			Limit:     daily.capacity,
		}
	}

	if c.cfg.BurstPerMinute > 0 {
		burst.remaining--
	}
	daily.remaining--

	return Decision{
		Allowed:   true,
		Remaining: daily.remaining,
		Limit:     daily.capacity,
	}
}

type retryCandidate struct {
	limitType string
	retry     time.Duration
}

func smallestRetry(candidates []retryCandidate) (string, time.Duration) {
	if len(candidates) == 0 {
		return "", 0
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.retry < best.retry {
			best = c
		}
	}
	if best.retry < time.Second {
		best.retry = time.Second
	}
	return best.limitType, best.retry
}

// dailyKey scopes the daily bucket to the authenticated user. Guest
// identities are minted per token, so the guest tier always keys by IP;
// keying by the minted id would hand every fresh token a fresh bucket.
func dailyKey(identity, ip string, tier Tier) string {
	if tier == TierGuest || identity == "" {
		identity = "ip:" + ip
	}
	return "daily:" + string(tier) + ":" + identity
}

func (c *Controller) getOrCreate(key string, now time.Time) *bucket {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buckets) >= c.cfg.MaxEntries {
		c.gcLocked(now)
		// If still too big, drop one arbitrary entry (bounded memory beats
		// perfect fairness).
		if len(c.buckets) >= c.cfg.MaxEntries {
			for k := range c.buckets {
				delete(c.buckets, k)
				break
			}
		}
	}

	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{}
		c.buckets[key] = b
	}
	b.lastSeen = now
	return b
}

func (c *Controller) gcLocked(now time.Time) {
	for k, b := range c.buckets {
		if now.Sub(b.lastSeen) > c.cfg.EntryTTL {
			delete(c.buckets, k)
		}
	}
}

// rollWindow lazily resets an expired or uninitialized bucket. Expiry needs
// no timer; stale windows reset on next touch.
func (b *bucket) rollWindow(now time.Time, capacity int, expiry time.Time) {
	if b.expiresAt.IsZero() || !now.Before(b.expiresAt) || b.capacity != capacity {
		b.capacity = capacity
		b.remaining = capacity
		b.expiresAt = expiry
	}
}

func nextMidnightUTC(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
