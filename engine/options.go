package engine

import (
	"time"

	"github.com/fetchkit/engine/cachepolicy"
	"github.com/fetchkit/engine/dedupepolicy"
	"github.com/fetchkit/engine/logging"
	"github.com/fetchkit/engine/policy"
	"github.com/fetchkit/engine/ratelimitpolicy"
	"github.com/fetchkit/engine/retry"
	"github.com/fetchkit/engine/singleflight"
)

// RetryConfig is the constructor-level retry shape (spec.md §6):
// false | true | {maxAttempts, baseDelay, maxDelay, backoffMultiplier,
// jitterFactor, retryableStatusCodes, shouldRetry}.
type RetryConfig struct {
	Enabled              bool
	MaxAttempts          int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	BackoffMultiplier    float64
	JitterFactor         float64
	RetryableStatusCodes map[int]struct{}
	ShouldRetry          func(err error, attempt int) retry.Decision
}

// Config is the full set of constructor options for New (spec.md §6).
type Config struct {
	BaseURL       string
	Headers       map[string]string
	MethodHeaders map[string]map[string]string
	Params        map[string]string
	MethodParams  map[string]map[string]string
	Timeout       time.Duration

	Retry           RetryConfig
	DedupePolicy    policy.Config[dedupepolicy.Rule]
	CachePolicy     policy.Config[cachepolicy.Rule]
	RateLimitPolicy policy.Config[ratelimitpolicy.Rule]

	ModifyOptions       Modifier
	ModifyMethodOptions map[string]Modifier
	Validate            Validator

	CacheAdapter singleflight.Adapter
	Logger       logging.ComponentAwareLogger

	Name string
	Spy  bool
}

// Option mutates a Config during construction (functional-options style,
// mirroring engineconfig's YAML-loaded Config being applied the same way).
type Option func(*Config)

func WithBaseURL(url string) Option { return func(c *Config) { c.BaseURL = url } }

func WithTimeout(d time.Duration) Option { return func(c *Config) { c.Timeout = d } }

func WithHeaders(h map[string]string) Option {
	return func(c *Config) { c.Headers = mergeStringMaps(c.Headers, h) }
}

func WithRetry(r RetryConfig) Option { return func(c *Config) { c.Retry = r } }

func WithDedupePolicy(cfg policy.Config[dedupepolicy.Rule]) Option {
	return func(c *Config) { c.DedupePolicy = cfg }
}

func WithCachePolicy(cfg policy.Config[cachepolicy.Rule]) Option {
	return func(c *Config) { c.CachePolicy = cfg }
}

func WithRateLimitPolicy(cfg policy.Config[ratelimitpolicy.Rule]) Option {
	return func(c *Config) { c.RateLimitPolicy = cfg }
}

func WithCacheAdapter(a singleflight.Adapter) Option { return func(c *Config) { c.CacheAdapter = a } }

func WithLogger(l logging.ComponentAwareLogger) Option { return func(c *Config) { c.Logger = l } }

func WithModifyOptions(m Modifier) Option { return func(c *Config) { c.ModifyOptions = m } }

func WithName(name string) Option { return func(c *Config) { c.Name = name } }

func WithSpy(spy bool) Option { return func(c *Config) { c.Spy = spy } }

func defaultConfig() Config {
	return Config{
		Retry: RetryConfig{
			Enabled:           true,
			MaxAttempts:       1,
			BaseDelay:         100 * time.Millisecond,
			MaxDelay:          5 * time.Second,
			BackoffMultiplier: 2,
			JitterFactor:      0.1,
		},
	}
}
