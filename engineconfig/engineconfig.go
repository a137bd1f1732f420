// Package engineconfig loads engine.Config from a YAML policy-rule file and
// optionally hot-reloads it, grounded on core/config.go's three-layer
// (defaults <- environment <- functional options) priority convention and
// 99souls-ariadne's fsnotify-based HotReloadSystem (watch the containing
// directory, filter events to the one file, reload and diff on write).
package engineconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/fetchkit/engine"
	"github.com/fetchkit/engine/cachepolicy"
	"github.com/fetchkit/engine/dedupepolicy"
	"github.com/fetchkit/engine/policy"
	"github.com/fetchkit/engine/ratelimitpolicy"
)

// FileConfig is the YAML shape a caller checks in alongside code (e.g.
// fetch-policies.yaml) to declare the retry/cache/dedupe/rate-limit rule
// sets spec.md §6 describes as constructor options, without recompiling to
// change them.
type FileConfig struct {
	BaseURL string            `yaml:"base_url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`

	Retry *RetryFileConfig `yaml:"retry"`

	Cache     *CachePolicyFileConfig     `yaml:"cache_policy"`
	Dedupe    *DedupePolicyFileConfig    `yaml:"dedupe_policy"`
	RateLimit *RateLimitPolicyFileConfig `yaml:"rate_limit_policy"`
}

// RetryFileConfig mirrors engine.RetryConfig's YAML-serializable fields.
type RetryFileConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	JitterFactor      float64       `yaml:"jitter_factor"`
}

// RuleFileConfig is the YAML shape of one policy.Rule entry: the
// is/startsWith/endsWith/includes/regex match grammar plus an optional
// method allow-list, per spec.md §6.
type RuleFileConfig struct {
	Is         string   `yaml:"is"`
	StartsWith string   `yaml:"starts_with"`
	EndsWith   string   `yaml:"ends_with"`
	Includes   string   `yaml:"includes"`
	Regex      string   `yaml:"regex"`
	Methods    []string `yaml:"methods"`
}

type CachePolicyFileConfig struct {
	Enabled        bool             `yaml:"enabled"`
	DefaultTTL     time.Duration    `yaml:"default_ttl"`
	DefaultStaleIn time.Duration    `yaml:"default_stale_in"`
	Rules          []RuleFileConfig `yaml:"rules"`
}

type DedupePolicyFileConfig struct {
	Enabled bool             `yaml:"enabled"`
	Rules   []RuleFileConfig `yaml:"rules"`
}

type RateLimitPolicyFileConfig struct {
	Enabled          bool             `yaml:"enabled"`
	DefaultCapacity  float64          `yaml:"default_capacity"`
	DefaultRefillSec float64          `yaml:"default_refill_per_sec"`
	Rules            []RuleFileConfig `yaml:"rules"`
}

// LoadYAML reads path and decodes it into a FileConfig.
func LoadYAML(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engineconfig: reading %s: %w", path, err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("engineconfig: parsing %s: %w", path, err)
	}
	return &fc, nil
}

// ToEngineConfig translates a loaded FileConfig into engine.Config, the
// shape engine.New accepts directly.
func (fc *FileConfig) ToEngineConfig() engine.Config {
	cfg := engine.Config{
		BaseURL: fc.BaseURL,
		Timeout: fc.Timeout,
		Headers: fc.Headers,
	}
	if fc.Retry != nil {
		cfg.Retry = engine.RetryConfig{
			Enabled:           fc.Retry.Enabled,
			MaxAttempts:       fc.Retry.MaxAttempts,
			BaseDelay:         fc.Retry.BaseDelay,
			MaxDelay:          fc.Retry.MaxDelay,
			BackoffMultiplier: fc.Retry.BackoffMultiplier,
			JitterFactor:      fc.Retry.JitterFactor,
		}
	}
	if fc.Cache != nil {
		cfg.CachePolicy = policy.Config[cachepolicy.Rule]{
			Enabled: fc.Cache.Enabled,
			Defaults: cachepolicy.Rule{
				TTL:     fc.Cache.DefaultTTL,
				StaleIn: fc.Cache.DefaultStaleIn,
			},
			Rules: convertRules(fc.Cache.Rules, func(m policy.Matcher) cachepolicy.Rule {
				return cachepolicy.Rule{Matcher: m, TTL: fc.Cache.DefaultTTL, StaleIn: fc.Cache.DefaultStaleIn}
			}),
		}
	}
	if fc.Dedupe != nil {
		cfg.DedupePolicy = policy.Config[dedupepolicy.Rule]{
			Enabled: fc.Dedupe.Enabled,
			Rules: convertRules(fc.Dedupe.Rules, func(m policy.Matcher) dedupepolicy.Rule {
				return dedupepolicy.Rule{Matcher: m}
			}),
		}
	}
	if fc.RateLimit != nil {
		cfg.RateLimitPolicy = policy.Config[ratelimitpolicy.Rule]{
			Enabled: fc.RateLimit.Enabled,
			Defaults: ratelimitpolicy.Rule{
				Capacity:     fc.RateLimit.DefaultCapacity,
				RefillPerSec: fc.RateLimit.DefaultRefillSec,
			},
			Rules: convertRules(fc.RateLimit.Rules, func(m policy.Matcher) ratelimitpolicy.Rule {
				return ratelimitpolicy.Rule{Matcher: m, Capacity: fc.RateLimit.DefaultCapacity, RefillPerSec: fc.RateLimit.DefaultRefillSec}
			}),
		}
	}
	return cfg
}

// convertRules maps each RuleFileConfig into a policy-specific rule type R
// via build, which receives the shared Matcher clause already assembled
// from the YAML match grammar (spec.md §6).
func convertRules[R any](rules []RuleFileConfig, build func(policy.Matcher) R) []R {
	if len(rules) == 0 {
		return nil
	}
	out := make([]R, 0, len(rules))
	for _, r := range rules {
		out = append(out, build(toMatcher(r)))
	}
	return out
}

func toMatcher(r RuleFileConfig) policy.Matcher {
	m := policy.Matcher{Methods: policy.MethodSet(r.Methods...)}
	switch {
	case r.Is != "":
		m.Match, m.Pattern = policy.MatchIs, r.Is
	case r.StartsWith != "":
		m.Match, m.Pattern = policy.MatchStartsWith, r.StartsWith
	case r.EndsWith != "":
		m.Match, m.Pattern = policy.MatchEndsWith, r.EndsWith
	case r.Includes != "":
		m.Match, m.Pattern = policy.MatchIncludes, r.Includes
	case r.Regex != "":
		m.Match = policy.MatchRegex
		if compiled, err := regexp.Compile(r.Regex); err == nil {
			m.Regex = compiled
		}
	}
	return m
}

// Watch watches path's containing directory (more reliable across editors
// and atomic-rename saves than watching the file itself) and invokes
// onChange with the freshly-parsed FileConfig whenever path is written. It
// returns a stop function; stop is idempotent.
//
// Callers typically pass onChange = func(fc *FileConfig) { client.Reconfigure(fc.ToEngineConfig()) }.
func Watch(path string, onChange func(*FileConfig), onError func(error)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("engineconfig: creating watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("engineconfig: watching %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				fc, err := LoadYAML(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				if onChange != nil {
					onChange(fc)
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(werr)
				}
			case <-done:
				return
			}
		}
	}()

	var stopped bool
	stop = func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
		watcher.Close()
	}
	return stop, nil
}
