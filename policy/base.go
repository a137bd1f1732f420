package policy

import (
	"fmt"
	"sync"

	"github.com/fetchkit/engine/keyserializer"
)

// State is the policy's lifecycle state machine (spec.md §4.2): disabled ->
// initialized-defaults -> initialized-with-rules. Transitions only happen
// via Init.
type State int

const (
	StateDisabled State = iota
	StateDefaults
	StateRules
)

// Config is what a caller passes to Init, modeling spec.md's "false | true
// | {...}" constructor shape as a single Go struct: Enabled=false is the
// "false" case, Enabled=true with no Rules is the "true" case (apply
// Defaults to every matching call), and Enabled=true with Rules is the
// full-config case.
type Config[R any] struct {
	Enabled        bool
	DefaultMethods []string
	Serializer     keyserializer.Func
	Defaults       R
	Rules          []R
}

// Base implements the shared init/resolve/compute lifecycle for a
// policy-specific rule type R. matcherOf extracts the (match, methods,
// enabled) clause from an R; mergeDefaults merges a matched rule's
// overrides onto the policy defaults to produce the effective R for a call.
type Base[R any] struct {
	matcherOf     func(R) Matcher
	mergeDefaults func(defaults, override R) R

	mu             sync.RWMutex
	state          State
	defaultMethods map[string]struct{}
	serializer     keyserializer.Func
	defaults       R
	rules          []R
	memo           sync.Map // map[string]cacheEntry[R]
}

type cacheEntry[R any] struct {
	rule  R
	found bool
}

// NewBase constructs a Base in the disabled state.
func NewBase[R any](matcherOf func(R) Matcher, mergeDefaults func(defaults, override R) R) *Base[R] {
	return &Base[R]{matcherOf: matcherOf, mergeDefaults: mergeDefaults, state: StateDisabled}
}

// Init normalizes cfg into internal state, per spec.md §4.2. It always
// flushes the memoization cache, since rule identity may have changed.
func (b *Base[R]) Init(cfg Config[R]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !cfg.Enabled {
		b.state = StateDisabled
		b.rules = nil
		b.memo = sync.Map{}
		return
	}

	b.defaultMethods = MethodSet(cfg.DefaultMethods...)
	b.serializer = cfg.Serializer
	if b.serializer == nil {
		b.serializer = keyserializer.Default
	}
	b.defaults = cfg.Defaults
	b.rules = cfg.Rules

	if len(cfg.Rules) == 0 {
		b.state = StateDefaults
	} else {
		b.state = StateRules
	}
	b.memo = sync.Map{}
}

// Enabled reports whether the policy is anything other than disabled.
func (b *Base[R]) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state != StateDisabled
}

// Serializer returns the configured key serializer, defaulting to
// keyserializer.Default.
func (b *Base[R]) Serializer() keyserializer.Func {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.serializer == nil {
		return keyserializer.Default
	}
	return b.serializer
}

// Resolve returns the merged rule for (method, path), or found=false when
// disabled or no rule matches. skip, when non-nil, is evaluated on every
// call (it is context-dependent and therefore never memoized) and a true
// result short-circuits to found=false without consulting the memo or rule
// list.
func (b *Base[R]) Resolve(method, path string, skip func() bool) (rule R, found bool) {
	if skip != nil && skip() {
		var zero R
		return zero, false
	}

	b.mu.RLock()
	state := b.state
	b.mu.RUnlock()

	if state == StateDisabled {
		var zero R
		return zero, false
	}

	memoKey := fmt.Sprintf("%s:%s", method, path)
	if cached, ok := b.memo.Load(memoKey); ok {
		entry := cached.(cacheEntry[R])
		return entry.rule, entry.found
	}

	computed, found := b.Compute(method, path)
	b.memo.Store(memoKey, cacheEntry[R]{rule: computed, found: found})
	return computed, found
}

// Compute performs the O(n) rule scan; called only on a memo miss. The
// first matching rule wins (spec.md §3's "first match wins"); its
// overrides are merged onto the policy defaults. With no rules configured
// (the "true" shorthand), the defaults apply to every call whose method is
// in DefaultMethods (or any method, if DefaultMethods is empty).
func (b *Base[R]) Compute(method, path string) (rule R, found bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state == StateDefaults {
		if len(b.defaultMethods) > 0 {
			if _, ok := b.defaultMethods[upper(method)]; !ok {
				var zero R
				return zero, false
			}
		}
		return b.defaults, true
	}

	for _, r := range b.rules {
		m := b.matcherOf(r)
		if m.Matches(method, path) {
			return b.mergeDefaults(b.defaults, r), true
		}
	}
	var zero R
	return zero, false
}

// ClearCache flushes the memo but preserves enablement, per spec.md §4.2.
func (b *Base[R]) ClearCache() {
	b.memo = sync.Map{}
}

func upper(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
