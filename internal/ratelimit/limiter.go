// Package ratelimit implements sliding-window admission control per
// (identity, service) pair with tier-dependent limits.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const shardCount = 32

// TierLimit configures the window for one subscription tier.
type TierLimit struct {
	Requests int           `yaml:"requests" mapstructure:"requests"`
	Window   time.Duration `yaml:"window" mapstructure:"window"`
	// Burst optionally caps short spikes with a token bucket on top of
	// the window. Zero disables the burst gate.
	Burst int `yaml:"burst" mapstructure:"burst"`
}

// Config holds per-tier and per-service limits.
type Config struct {
	Tiers    map[string]TierLimit `yaml:"tiers" mapstructure:"tiers"`
	Services map[string]TierLimit `yaml:"services" mapstructure:"services"`
}

// DefaultConfig mirrors production defaults: hourly tier windows plus
// tighter per-service windows for the expensive providers.
func DefaultConfig() Config {
	return Config{
		Tiers: map[string]TierLimit{
			"free":       {Requests: 100, Window: time.Hour, Burst: 10},
			"basic":      {Requests: 1000, Window: time.Hour, Burst: 50},
			"premium":    {Requests: 10000, Window: time.Hour, Burst: 200},
			"enterprise": {Requests: 100000, Window: time.Hour, Burst: 1000},
		},
		Services: map[string]TierLimit{
			"search":     {Requests: 50, Window: time.Minute},
			"enrichment": {Requests: 100, Window: 5 * time.Minute},
		},
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Remaining is the number of calls left in the tightest window that
	// was consulted.
	Remaining int
	Reason    string
}

// Limiter admits or rejects calls using a sliding window per key. Admission
// for a given key is atomic: the bucket's shard lock covers the
// count-then-append sequence, so two concurrent callers can never both
// slip past the limit.
type Limiter struct {
	cfg    Config
	shards [shardCount]*shard

	burstMu sync.Mutex
	burst   map[string]*rate.Limiter

	nowFunc func() time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

// New creates a Limiter with the given config. Missing tiers fall back to
// the free tier.
func New(cfg Config) *Limiter {
	if cfg.Tiers == nil {
		cfg = DefaultConfig()
	}
	l := &Limiter{
		cfg:     cfg,
		burst:   make(map[string]*rate.Limiter),
		nowFunc: time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string][]time.Time)}
	}
	return l
}

// Admit checks the identity's tier window, its burst gate, and the
// service window, in that order. The first rejection wins and nothing is
// recorded; on success the call is recorded against both windows.
func (l *Limiter) Admit(identity, tier, service string) Decision {
	limit, ok := l.cfg.Tiers[tier]
	if !ok {
		limit = l.cfg.Tiers["free"]
	}

	now := l.nowFunc()

	tierKey := "tier:" + identity
	if d := l.check(tierKey, limit.Requests, limit.Window, now); !d.Allowed {
		d.Reason = "tier limit exceeded"
		return d
	}

	if limit.Burst > 0 && !l.burstLimiter(identity, limit).Allow() {
		l.release(tierKey, now)
		return Decision{Allowed: false, RetryAfter: time.Second, Reason: "burst limit exceeded"}
	}

	if svcLimit, ok := l.cfg.Services[service]; ok {
		svcKey := "service:" + service + ":" + identity
		if d := l.check(svcKey, svcLimit.Requests, svcLimit.Window, now); !d.Allowed {
			l.release(tierKey, now)
			d.Reason = service + " service limit exceeded"
			return d
		}
	}

	return Decision{Allowed: true}
}

// Status reports current usage for an identity's tier window.
func (l *Limiter) Status(identity, tier string) (used, remaining int, window time.Duration) {
	limit, ok := l.cfg.Tiers[tier]
	if !ok {
		limit = l.cfg.Tiers["free"]
	}

	s := l.shardFor("tier:" + identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	used = len(l.prune(s, "tier:"+identity, limit.Window, l.nowFunc()))
	remaining = limit.Requests - used
	if remaining < 0 {
		remaining = 0
	}
	return used, remaining, limit.Window
}

// Reset clears all buckets for an identity. Admin escape hatch.
func (l *Limiter) Reset(identity string) {
	for _, s := range l.shards {
		s.mu.Lock()
		for key := range s.buckets {
			if keyIdentity(key) == identity {
				delete(s.buckets, key)
			}
		}
		s.mu.Unlock()
	}

	l.burstMu.Lock()
	delete(l.burst, identity)
	l.burstMu.Unlock()
}

// check counts calls in the trailing window and records the new call if
// admitted. Runs under the key's shard lock.
func (l *Limiter) check(key string, maxRequests int, window time.Duration, now time.Time) Decision {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := l.prune(s, key, window, now)

	if len(kept) >= maxRequests {
		// Retry when the oldest admitted call exits the window.
		retryAfter := kept[0].Add(window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	s.buckets[key] = append(kept, now)
	return Decision{Allowed: true, Remaining: maxRequests - len(kept) - 1}
}

// release removes the most recent recorded call for a key, undoing a
// tier-window record when a later gate rejects the same admission.
func (l *Limiter) release(key string, ts time.Time) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.buckets[key]
	for i := len(bucket) - 1; i >= 0; i-- {
		if bucket[i].Equal(ts) {
			s.buckets[key] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// prune drops entries older than the window. Caller holds the shard lock.
func (l *Limiter) prune(s *shard, key string, window time.Duration, now time.Time) []time.Time {
	bucket := s.buckets[key]
	cutoff := now.Add(-window)
	i := 0
	for i < len(bucket) && !bucket[i].After(cutoff) {
		i++
	}
	if i > 0 {
		bucket = bucket[i:]
		if len(bucket) == 0 {
			delete(s.buckets, key)
		} else {
			s.buckets[key] = bucket
		}
	}
	return bucket
}

func (l *Limiter) burstLimiter(identity string, limit TierLimit) *rate.Limiter {
	l.burstMu.Lock()
	defer l.burstMu.Unlock()

	rl, ok := l.burst[identity]
	if !ok {
		// Refill the burst allowance over a minute.
		rl = rate.NewLimiter(rate.Limit(float64(limit.Burst)/60.0), limit.Burst)
		l.burst[identity] = rl
	}
	return rl
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

func keyIdentity(key string) string {
	// Keys are "tier:<identity>" or "service:<name>:<identity>".
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[i+1:]
		}
	}
	return key
}
