package engine

import (
	"context"
	"strings"

	"github.com/fetchkit/engine/eventbus"
	"github.com/fetchkit/engine/singleflight"
)

// AddHeader sets header k=v for every call, or only for method if given
// (spec.md §4.9's optional method scoping).
func (c *Client) AddHeader(k, v string, method ...string) {
	c.mu.Lock()
	if len(method) == 0 {
		c.defaultHeaders[k] = v
	} else {
		m := strings.ToUpper(method[0])
		if c.methodHeaders[m] == nil {
			c.methodHeaders[m] = make(map[string]string)
		}
		c.methodHeaders[m][k] = v
	}
	c.mu.Unlock()
	c.bus.Emit(eventbus.FetchHeaderAdd, map[string]any{"key": k, "value": v, "method": firstOrEmpty(method)})
}

// RemoveHeader removes header k, scoped the same way as AddHeader.
func (c *Client) RemoveHeader(k string, method ...string) {
	c.mu.Lock()
	if len(method) == 0 {
		delete(c.defaultHeaders, k)
	} else {
		m := strings.ToUpper(method[0])
		delete(c.methodHeaders[m], k)
	}
	c.mu.Unlock()
	c.bus.Emit(eventbus.FetchHeaderRemove, map[string]any{"key": k, "method": firstOrEmpty(method)})
}

// HasHeader reports whether header k is set, scoped the same way.
func (c *Client) HasHeader(k string, method ...string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(method) > 0 {
		if _, ok := c.methodHeaders[strings.ToUpper(method[0])][k]; ok {
			return true
		}
	}
	_, ok := c.defaultHeaders[k]
	return ok
}

// AddParam sets query parameter k=v, scoped the same way as AddHeader.
func (c *Client) AddParam(k, v string, method ...string) {
	c.mu.Lock()
	if len(method) == 0 {
		c.defaultParams[k] = v
	} else {
		m := strings.ToUpper(method[0])
		if c.methodParams[m] == nil {
			c.methodParams[m] = make(map[string]string)
		}
		c.methodParams[m][k] = v
	}
	c.mu.Unlock()
	c.bus.Emit(eventbus.FetchParamAdd, map[string]any{"key": k, "value": v, "method": firstOrEmpty(method)})
}

// RemoveParam removes query parameter k, scoped the same way.
func (c *Client) RemoveParam(k string, method ...string) {
	c.mu.Lock()
	if len(method) == 0 {
		delete(c.defaultParams, k)
	} else {
		m := strings.ToUpper(method[0])
		delete(c.methodParams[m], k)
	}
	c.mu.Unlock()
	c.bus.Emit(eventbus.FetchParamRemove, map[string]any{"key": k, "method": firstOrEmpty(method)})
}

// HasParam reports whether query parameter k is set, scoped the same way.
func (c *Client) HasParam(k string, method ...string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(method) > 0 {
		if _, ok := c.methodParams[strings.ToUpper(method[0])][k]; ok {
			return true
		}
	}
	_, ok := c.defaultParams[k]
	return ok
}

// SetState sets a caller-scoped state value.
func (c *Client) SetState(key string, value any) {
	c.mu.Lock()
	c.state[key] = value
	c.mu.Unlock()
	c.bus.Emit(eventbus.FetchStateSet, map[string]any{"key": key, "value": value})
}

// GetState returns a snapshot of the caller-scoped state bag.
func (c *Client) GetState() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.state))
	for k, v := range c.state {
		out[k] = v
	}
	return out
}

// ResetState clears the caller-scoped state bag.
func (c *Client) ResetState() {
	c.mu.Lock()
	c.state = make(map[string]any)
	c.mu.Unlock()
	c.bus.Emit(eventbus.FetchStateReset, nil)
}

// ChangeBaseURL updates the effective base URL for subsequent calls.
func (c *Client) ChangeBaseURL(url string) {
	c.mu.Lock()
	c.baseURL = strings.TrimSuffix(url, "/")
	c.mu.Unlock()
	c.bus.Emit(eventbus.FetchURLChange, map[string]any{"baseUrl": url})
}

// ChangeModifyOptions replaces the global modifier (nil clears it).
func (c *Client) ChangeModifyOptions(m Modifier) {
	c.mu.Lock()
	c.modifyOptions = m
	c.mu.Unlock()
	c.bus.Emit(eventbus.FetchModifyOptionsChange, nil)
}

// ChangeModifyMethodOptions replaces the per-method modifier for method
// (nil clears it).
func (c *Client) ChangeModifyMethodOptions(method string, m Modifier) {
	c.mu.Lock()
	if m == nil {
		delete(c.modifyMethodOptions, strings.ToUpper(method))
	} else {
		c.modifyMethodOptions[strings.ToUpper(method)] = m
	}
	c.mu.Unlock()
	c.bus.Emit(eventbus.FetchModifyMethodOptionsChange, map[string]any{"method": method})
}

// ClearCache, DeleteCache, InvalidateCache, InvalidatePath, and CacheStats
// delegate to the cache policy's invalidation surface (spec.md §4.8/§4.9).

func (c *Client) ClearCache(ctx context.Context) error { return c.cache.ClearCache(ctx) }

func (c *Client) DeleteCache(ctx context.Context, key string) error {
	return c.cache.DeleteCache(ctx, key)
}

func (c *Client) InvalidateCache(ctx context.Context, predicate func(key string) bool) error {
	return c.cache.InvalidateCache(ctx, predicate)
}

func (c *Client) InvalidatePath(ctx context.Context, m PathMatcher) error {
	return c.cache.InvalidatePath(ctx, m.toPolicyMatcher())
}

func (c *Client) CacheStats(ctx context.Context) (singleflight.Stats, error) { return c.cache.CacheStats(ctx) }

func firstOrEmpty(method []string) string {
	if len(method) == 0 {
		return ""
	}
	return method[0]
}
