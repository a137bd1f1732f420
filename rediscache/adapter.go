// Package rediscache implements singleflight.Adapter over go-redis/redis/v8,
// grounded on core/redis_client.go's DB-isolation + key-namespacing pattern:
// every key this adapter touches is prefixed with a namespace (by default
// "fetchkit:cache:") so a shared Redis instance can host this engine's
// cache alongside unrelated data without collision. Item values travel
// opaquely (gob-encoded) through Redis, per spec.md §4.3/§9's "item shape
// travels opaquely through the adapter".
package rediscache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fetchkit/engine/singleflight"
)

const defaultNamespace = "fetchkit:cache:"

// Adapter is a singleflight.Adapter backed by a Redis database, with every
// key prefixed by namespace so multiple Clients can share one Redis
// instance without colliding.
type Adapter struct {
	client    *redis.Client
	namespace string
}

// Options configures a new Adapter.
type Options struct {
	// Client is a pre-constructed go-redis client (e.g. pointed at a
	// miniredis instance in tests). Required.
	Client *redis.Client
	// Namespace prefixes every key; defaults to "fetchkit:cache:".
	Namespace string
}

// New constructs an Adapter over an existing *redis.Client.
func New(opts Options) *Adapter {
	ns := opts.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	return &Adapter{client: opts.Client, namespace: ns}
}

func (a *Adapter) key(k string) string { return a.namespace + k }

func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}

func encodeItem(item singleflight.Item) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(item); err != nil {
		return nil, fmt.Errorf("rediscache: encoding item: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeItem(raw []byte) (singleflight.Item, error) {
	var item singleflight.Item
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&item); err != nil {
		return singleflight.Item{}, fmt.Errorf("rediscache: decoding item: %w", err)
	}
	return item, nil
}

// Get implements singleflight.Adapter. A Redis key miss is reported as
// (zero, false, nil) rather than an error, per spec.md §4.3.
func (a *Adapter) Get(ctx context.Context, key string) (singleflight.Item, bool, error) {
	raw, err := a.client.Get(ctx, a.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return singleflight.Item{}, false, nil
	}
	if err != nil {
		return singleflight.Item{}, false, fmt.Errorf("rediscache: get %s: %w", key, err)
	}
	item, err := decodeItem(raw)
	if err != nil {
		return singleflight.Item{}, false, err
	}
	return item, true, nil
}

// Set implements singleflight.Adapter. The Redis TTL is set to the item's
// ExpiresAt so a hard-expired entry is reclaimed by Redis itself even if
// this engine never calls Get on it again.
func (a *Adapter) Set(ctx context.Context, key string, item singleflight.Item) error {
	encoded, err := encodeItem(item)
	if err != nil {
		return err
	}
	ttl := time.Until(item.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second // already-expired items still round-trip once, matching Get's lazy-expiry check
	}
	if err := a.client.Set(ctx, a.key(key), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("rediscache: set %s: %w", key, err)
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	if err := a.client.Del(ctx, a.key(key)).Err(); err != nil {
		return fmt.Errorf("rediscache: delete %s: %w", key, err)
	}
	return nil
}

func (a *Adapter) Has(ctx context.Context, key string) (bool, error) {
	n, err := a.client.Exists(ctx, a.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("rediscache: has %s: %w", key, err)
	}
	return n > 0, nil
}

// Clear removes every key under this adapter's namespace, using SCAN so it
// never blocks Redis the way a production-unsafe KEYS call would.
func (a *Adapter) Clear(ctx context.Context) error {
	keys, err := a.scanKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return a.client.Del(ctx, keys...).Err()
}

func (a *Adapter) Size(ctx context.Context) (int, error) {
	keys, err := a.scanKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Keys implements singleflight.Enumerable, unprefixing each matched Redis
// key so callers see the same logical keys they called Set with.
func (a *Adapter) Keys(ctx context.Context) ([]string, error) {
	raw, err := a.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(raw))
	for i, k := range raw {
		out[i] = k[len(a.namespace):]
	}
	return out, nil
}

func (a *Adapter) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := a.client.Scan(ctx, 0, a.namespace+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("rediscache: scan: %w", err)
	}
	return keys, nil
}

var _ singleflight.Adapter = (*Adapter)(nil)
var _ singleflight.Enumerable = (*Adapter)(nil)
