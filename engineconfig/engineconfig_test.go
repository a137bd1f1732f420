package engineconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Durations are plain int64 nanosecond counts, not "5s"-style strings:
// time.Duration has no YAML-specific (un)marshaler in the standard library,
// so gopkg.in/yaml.v3 decodes it the same way it decodes any other sized
// int — the same convention pkg/models/config.go in the retrieved pack
// uses for its own time.Duration-tagged fields.
const testYAML = `
base_url: https://api.example.com
timeout: 5000000000
headers:
  x-client: fetchkit
retry:
  enabled: true
  max_attempts: 3
  base_delay: 100000000
  max_delay: 2000000000
  backoff_multiplier: 2
  jitter_factor: 0.1
cache_policy:
  enabled: true
  default_ttl: 60000000000
  default_stale_in: 10000000000
  rules:
    - starts_with: /users
      methods: [GET]
rate_limit_policy:
  enabled: true
  default_capacity: 10
  default_refill_per_sec: 5
dedupe_policy:
  enabled: true
  rules:
    - is: /orders
      methods: [GET, POST]
`

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fetch-policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadYAMLRoundTrip(t *testing.T) {
	path := writeYAML(t, testYAML)

	fc, err := LoadYAML(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", fc.BaseURL)
	assert.Equal(t, 5*time.Second, fc.Timeout)
	assert.Equal(t, "fetchkit", fc.Headers["x-client"])
	require.NotNil(t, fc.Retry)
	assert.Equal(t, 3, fc.Retry.MaxAttempts)
	require.NotNil(t, fc.Cache)
	assert.Equal(t, time.Minute, fc.Cache.DefaultTTL)
	require.Len(t, fc.Cache.Rules, 1)
	assert.Equal(t, "/users", fc.Cache.Rules[0].StartsWith)
	require.NotNil(t, fc.RateLimit)
	assert.Equal(t, 10.0, fc.RateLimit.DefaultCapacity)
	require.NotNil(t, fc.Dedupe)
	require.Len(t, fc.Dedupe.Rules, 1)
	assert.Equal(t, []string{"GET", "POST"}, fc.Dedupe.Rules[0].Methods)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	_, err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestToEngineConfigConvertsAllSections(t *testing.T) {
	path := writeYAML(t, testYAML)
	fc, err := LoadYAML(path)
	require.NoError(t, err)

	cfg := fc.ToEngineConfig()

	assert.Equal(t, "https://api.example.com", cfg.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Timeout)

	assert.True(t, cfg.Retry.Enabled)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.BaseDelay)

	require.True(t, cfg.CachePolicy.Enabled)
	assert.Equal(t, time.Minute, cfg.CachePolicy.Defaults.TTL)
	require.Len(t, cfg.CachePolicy.Rules, 1)
	assert.True(t, cfg.CachePolicy.Rules[0].Matcher.Matches("GET", "/users/42"))
	assert.False(t, cfg.CachePolicy.Rules[0].Matcher.Matches("GET", "/orders"))

	require.True(t, cfg.RateLimitPolicy.Enabled)
	assert.Equal(t, 10.0, cfg.RateLimitPolicy.Defaults.Capacity)
	assert.Equal(t, 5.0, cfg.RateLimitPolicy.Defaults.RefillPerSec)

	require.True(t, cfg.DedupePolicy.Enabled)
	require.Len(t, cfg.DedupePolicy.Rules, 1)
	assert.True(t, cfg.DedupePolicy.Rules[0].Matcher.Matches("POST", "/orders"))
	assert.False(t, cfg.DedupePolicy.Rules[0].Matcher.Matches("DELETE", "/orders"))
}

func TestToEngineConfigLeavesUnsetSectionsDisabled(t *testing.T) {
	path := writeYAML(t, "base_url: https://api.example.com\n")
	fc, err := LoadYAML(path)
	require.NoError(t, err)

	cfg := fc.ToEngineConfig()
	assert.False(t, cfg.CachePolicy.Enabled)
	assert.False(t, cfg.DedupePolicy.Enabled)
	assert.False(t, cfg.RateLimitPolicy.Enabled)
}

func TestWatchFiresOnChangeAfterWrite(t *testing.T) {
	path := writeYAML(t, "base_url: https://v1.example.com\n")

	changes := make(chan *FileConfig, 4)
	stop, err := Watch(path, func(fc *FileConfig) { changes <- fc }, nil)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("base_url: https://v2.example.com\n"), 0o644))

	select {
	case fc := <-changes:
		assert.Equal(t, "https://v2.example.com", fc.BaseURL)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not observe the file write")
	}
}

func TestWatchStopIsIdempotent(t *testing.T) {
	path := writeYAML(t, "base_url: https://v1.example.com\n")

	stop, err := Watch(path, func(*FileConfig) {}, nil)
	require.NoError(t, err)
	stop()
	require.NotPanics(t, stop)
}
