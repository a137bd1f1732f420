// Package ratelimitpolicy wraps ratelimiter.Limiter with the policy.Base
// rule layer, selecting a bucket per spec.md §4.5 ("bucket selection uses
// the rate-limit serializer, default METHOD:pathname") and per-route
// capacity/refill/queue overrides.
package ratelimitpolicy

import (
	"context"
	"time"

	"github.com/fetchkit/engine/keyserializer"
	"github.com/fetchkit/engine/policy"
	"github.com/fetchkit/engine/ratelimiter"
)

// Rule is a rate-limit-specific policy rule.
type Rule struct {
	Matcher      policy.Matcher
	Capacity     float64
	RefillPerSec float64
	MaxQueue     int
}

func matcherOf(r Rule) policy.Matcher { return r.Matcher }

func mergeDefaults(defaults, override Rule) Rule {
	merged := defaults
	if override.Capacity != 0 {
		merged.Capacity = override.Capacity
	}
	if override.RefillPerSec != 0 {
		merged.RefillPerSec = override.RefillPerSec
	}
	if override.MaxQueue != 0 {
		merged.MaxQueue = override.MaxQueue
	}
	return merged
}

// Policy composes policy.Base with a ratelimiter.Limiter.
type Policy struct {
	base    *policy.Base[Rule]
	limiter *ratelimiter.Limiter
}

// New creates a Policy over limiter.
func New(limiter *ratelimiter.Limiter) *Policy {
	base := policy.NewBase(matcherOf, mergeDefaults)
	return &Policy{base: base, limiter: limiter}
}

// Init normalizes the rate-limit policy's constructor config (spec.md §6:
// rateLimitPolicy ∈ {false, true, full-config}). The default serializer for
// this policy is keyserializer.RateLimitKey (method+pathname only, no
// query/payload) unless the caller overrides it.
func (p *Policy) Init(cfg policy.Config[Rule]) {
	if cfg.Serializer == nil {
		cfg.Serializer = keyserializer.RateLimitKey
	}
	p.base.Init(cfg)
}

func (p *Policy) Enabled() bool { return p.base.Enabled() }

// Op is the underlying call protected by the rate limit.
type Op func(ctx context.Context) (any, error)

// Run acquires a token for (method, path) before invoking op. If disabled
// or no rule matches, op runs unthrottled. priority defaults to 0 (lower
// values are served earlier, per spec.md §4.5).
func (p *Policy) Run(ctx context.Context, method, path string, payload any, skip func() bool, priority int, timeout time.Duration, op Op) (any, error) {
	rule, found := p.base.Resolve(method, path, skip)
	if !found {
		return op(ctx)
	}

	key := p.base.Serializer()(method, path, payload)
	cfg := ratelimiter.BucketConfig{
		Capacity:     rule.Capacity,
		RefillPerSec: rule.RefillPerSec,
		MaxQueue:     rule.MaxQueue,
	}
	if err := p.limiter.Acquire(ctx, key, cfg, ratelimiter.AcquireOptions{Priority: priority, Timeout: timeout}); err != nil {
		return nil, err
	}
	return op(ctx)
}
