package engine

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fetchkit/engine/cachepolicy"
	"github.com/fetchkit/engine/dedupepolicy"
	"github.com/fetchkit/engine/eventbus"
	"github.com/fetchkit/engine/ferrors"
	"github.com/fetchkit/engine/logging"
	"github.com/fetchkit/engine/ratelimiter"
	"github.com/fetchkit/engine/ratelimitpolicy"
	"github.com/fetchkit/engine/retry"
	"github.com/fetchkit/engine/singleflight"
)

// Client is the resilient HTTP client engine of spec.md §4.9: a single
// long-lived object issuing outbound requests against baseURL through the
// cache/dedupe/rate-limit/retry pipeline.
type Client struct {
	mu sync.RWMutex

	baseURL              string
	defaultHeaders       map[string]string
	methodHeaders        map[string]map[string]string
	defaultParams        map[string]string
	methodParams         map[string]map[string]string
	timeout              time.Duration
	modifyOptions        Modifier
	modifyMethodOptions  map[string]Modifier
	validate             Validator
	state                map[string]any

	retryCfg RetryConfig

	coord     *singleflight.Coordinator
	limiter   *ratelimiter.Limiter
	dedupe    *dedupepolicy.Policy
	cache     *cachepolicy.Policy
	rateLimit *ratelimitpolicy.Policy

	bus       *eventbus.Bus
	transport Transport
	logger    logging.ComponentAwareLogger

	destroyCtx    context.Context
	destroyCancel context.CancelFunc
	destroyed     atomic.Bool

	name        string
	spy         bool
	spyRecorder *SpyRecorder
}

// New constructs a Client from cfg, applying opts on top.
func New(cfg Config, opts ...Option) *Client {
	base := defaultConfig()
	base.BaseURL = cfg.BaseURL
	merged := mergeConfig(base, cfg)
	for _, opt := range opts {
		opt(&merged)
	}
	return newFromConfig(merged)
}

func mergeConfig(base, override Config) Config {
	if override.BaseURL != "" {
		base.BaseURL = override.BaseURL
	}
	if override.Headers != nil {
		base.Headers = override.Headers
	}
	if override.MethodHeaders != nil {
		base.MethodHeaders = override.MethodHeaders
	}
	if override.Params != nil {
		base.Params = override.Params
	}
	if override.MethodParams != nil {
		base.MethodParams = override.MethodParams
	}
	if override.Timeout != 0 {
		base.Timeout = override.Timeout
	}
	if override.Retry.MaxAttempts != 0 || override.Retry.Enabled {
		base.Retry = override.Retry
	}
	base.DedupePolicy = override.DedupePolicy
	base.CachePolicy = override.CachePolicy
	base.RateLimitPolicy = override.RateLimitPolicy
	if override.ModifyOptions != nil {
		base.ModifyOptions = override.ModifyOptions
	}
	if override.ModifyMethodOptions != nil {
		base.ModifyMethodOptions = override.ModifyMethodOptions
	}
	if override.Validate != nil {
		base.Validate = override.Validate
	}
	if override.CacheAdapter != nil {
		base.CacheAdapter = override.CacheAdapter
	}
	if override.Logger != nil {
		base.Logger = override.Logger
	}
	base.Name = override.Name
	base.Spy = override.Spy
	return base
}

func newFromConfig(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	bus := eventbus.New()
	sink := newBusSink(bus)

	coord := singleflight.New(cfg.CacheAdapter)
	limiter := ratelimiter.New(sink)

	dedupe := dedupepolicy.New(coord, sink)
	dedupe.Init(cfg.DedupePolicy)

	cache := cachepolicy.New(coord, sink)
	cache.Init(cfg.CachePolicy)

	rateLimit := ratelimitpolicy.New(limiter)
	rateLimit.Init(cfg.RateLimitPolicy)

	destroyCtx, destroyCancel := context.WithCancel(context.Background())

	c := &Client{
		baseURL:             strings.TrimSuffix(cfg.BaseURL, "/"),
		defaultHeaders:      cloneStringMap(cfg.Headers),
		methodHeaders:       cloneMethodMap(cfg.MethodHeaders),
		defaultParams:       cloneStringMap(cfg.Params),
		methodParams:        cloneMethodMap(cfg.MethodParams),
		timeout:             cfg.Timeout,
		modifyOptions:       cfg.ModifyOptions,
		modifyMethodOptions: cloneModifierMap(cfg.ModifyMethodOptions),
		validate:            cfg.Validate,
		state:               make(map[string]any),
		retryCfg:            cfg.Retry,
		coord:               coord,
		limiter:             limiter,
		dedupe:              dedupe,
		cache:               cache,
		rateLimit:           rateLimit,
		bus:                 bus,
		transport:           newHTTPTransport(nil),
		logger:              logger,
		destroyCtx:          destroyCtx,
		destroyCancel:       destroyCancel,
		name:                cfg.Name,
		spy:                 cfg.Spy,
	}
	if cfg.Spy {
		c.spyRecorder = newSpyRecorder(0)
	}
	c.attachSpy()
	return c
}

func cloneMethodMap(m map[string]map[string]string) map[string]map[string]string {
	if m == nil {
		return make(map[string]map[string]string)
	}
	out := make(map[string]map[string]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = cloneStringMap(v)
	}
	return out
}

func cloneModifierMap(m map[string]Modifier) map[string]Modifier {
	if m == nil {
		return make(map[string]Modifier)
	}
	out := make(map[string]Modifier, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// On subscribes handler to name (exact match). Returns an unsubscribe func.
func (c *Client) On(name string, handler eventbus.Handler) eventbus.Unsubscribe {
	return c.bus.On(name, handler)
}

// OnPattern subscribes handler to every event name matching re.
func (c *Client) OnPattern(re *regexp.Regexp, handler eventbus.Handler) eventbus.Unsubscribe {
	return c.bus.OnPattern(re, handler)
}

// Off removes every handler registered for the exact event name.
func (c *Client) Off(name string) { c.bus.Off(name) }

// Bus exposes the client's event bus so external components (telemetry.
// Provider, custom metrics sinks) can subscribe without the caller having
// to thread every event name through On/OnPattern one at a time.
func (c *Client) Bus() *eventbus.Bus { return c.bus }

// IsDestroyed reports whether Destroy has been called.
func (c *Client) IsDestroyed() bool { return c.destroyed.Load() }

// Name returns the client's constructor-supplied label (spec.md §6's `name`
// option), or "" if none was given. Useful for distinguishing log lines
// across multiple Client instances in the same process.
func (c *Client) Name() string { return c.name }

// Destroy aborts every in-flight and pending call on this instance (via the
// shared destroy context), clears event listeners, and releases modifier/
// validator references. Idempotent (spec.md §4.9).
func (c *Client) Destroy() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}
	c.destroyCancel()
	c.limiter.Close()
	c.bus.Clear()

	c.mu.Lock()
	c.modifyOptions = nil
	c.modifyMethodOptions = nil
	c.validate = nil
	c.mu.Unlock()
}

func (c *Client) destroyedErr(op string) error {
	return ferrors.New(op, ferrors.KindDestroyed, ferrors.ErrDestroyed)
}

// Reconfigure applies cfg on top of the client's current settings without
// tearing down in-flight calls. Base URL, timeout and retry settings are
// replaced and headers/params are merged in, all under one lock; zero-valued
// fields leave the current setting in place. The cache/dedupe/rate-limit
// policies are re-initialized afterwards, each only when cfg enables it; a
// disabled policy section leaves that policy unchanged. This is
// engineconfig.Watch's hook for hot-reloading a checked-in policy file; it
// is a no-op on a destroyed client.
func (c *Client) Reconfigure(cfg Config) {
	if c.IsDestroyed() {
		return
	}

	c.mu.Lock()
	if cfg.BaseURL != "" {
		c.baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.Timeout != 0 {
		c.timeout = cfg.Timeout
	}
	if cfg.Headers != nil {
		c.defaultHeaders = mergeStringMaps(c.defaultHeaders, cfg.Headers)
	}
	if cfg.Params != nil {
		c.defaultParams = mergeStringMaps(c.defaultParams, cfg.Params)
	}
	if cfg.Retry.Enabled || cfg.Retry.MaxAttempts != 0 {
		c.retryCfg = cfg.Retry
	}
	c.mu.Unlock()

	if cfg.CachePolicy.Enabled {
		c.cache.Init(cfg.CachePolicy)
	}
	if cfg.DedupePolicy.Enabled {
		c.dedupe.Init(cfg.DedupePolicy)
	}
	if cfg.RateLimitPolicy.Enabled {
		c.rateLimit.Init(cfg.RateLimitPolicy)
	}
}

// httpClient lets tests swap in a custom *http.Client (e.g. pointed at an
// httptest.Server) without exposing the Transport interface publicly.
func (c *Client) httpClient(client *http.Client) {
	c.transport = newHTTPTransport(client)
}

// SetTransport overrides the network transport entirely — used by tests
// that want to fake responses without a real listener.
func (c *Client) SetTransport(t Transport) { c.transport = t }
