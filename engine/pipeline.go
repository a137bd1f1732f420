package engine

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fetchkit/engine/cachepolicy"
	"github.com/fetchkit/engine/eventbus"
	"github.com/fetchkit/engine/ferrors"
	"github.com/fetchkit/engine/logging"
	"github.com/fetchkit/engine/retry"
)

// Get issues a GET request to path.
func (c *Client) Get(ctx context.Context, path string, opts ...PerCallOptions) (ResponseEnvelope, error) {
	return c.do(ctx, http_GET, path, nil, firstOpts(opts))
}

// Post issues a POST request to path with body.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...PerCallOptions) (ResponseEnvelope, error) {
	return c.do(ctx, http_POST, path, body, firstOpts(opts))
}

// Put issues a PUT request to path with body.
func (c *Client) Put(ctx context.Context, path string, body any, opts ...PerCallOptions) (ResponseEnvelope, error) {
	return c.do(ctx, http_PUT, path, body, firstOpts(opts))
}

// Patch issues a PATCH request to path with body.
func (c *Client) Patch(ctx context.Context, path string, body any, opts ...PerCallOptions) (ResponseEnvelope, error) {
	return c.do(ctx, http_PATCH, path, body, firstOpts(opts))
}

// Delete issues a DELETE request to path.
func (c *Client) Delete(ctx context.Context, path string, opts ...PerCallOptions) (ResponseEnvelope, error) {
	return c.do(ctx, http_DELETE, path, nil, firstOpts(opts))
}

// Head issues a HEAD request to path.
func (c *Client) Head(ctx context.Context, path string, opts ...PerCallOptions) (ResponseEnvelope, error) {
	return c.do(ctx, http_HEAD, path, nil, firstOpts(opts))
}

// Options issues an OPTIONS request to path.
func (c *Client) Options(ctx context.Context, path string, opts ...PerCallOptions) (ResponseEnvelope, error) {
	return c.do(ctx, http_OPTIONS, path, nil, firstOpts(opts))
}

const (
	http_GET     = "GET"
	http_POST    = "POST"
	http_PUT     = "PUT"
	http_PATCH   = "PATCH"
	http_DELETE  = "DELETE"
	http_HEAD    = "HEAD"
	http_OPTIONS = "OPTIONS"
)

func firstOpts(opts []PerCallOptions) PerCallOptions {
	if len(opts) == 0 {
		return PerCallOptions{}
	}
	return opts[0]
}

// do runs the full pipeline for one call (spec.md §4.9 steps 1-9).
func (c *Client) do(ctx context.Context, method, path string, body any, perCall PerCallOptions) (ResponseEnvelope, error) {
	if c.IsDestroyed() {
		return ResponseEnvelope{}, c.destroyedErr("engine.do")
	}

	correlationID := uuid.New().String()
	log := c.logger.WithComponent("engine/pipeline")

	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	callCtx = logging.WithCorrelationID(callCtx, correlationID)
	go func() {
		select {
		case <-c.destroyCtx.Done():
			cancel(ferrors.ErrDestroyed)
		case <-callCtx.Done():
		}
	}()

	effective := c.buildEffectiveOptions(method, perCall)

	headers := c.composeHeaders(method, perCall)
	query := c.composeParams(method, perCall)

	c.mu.RLock()
	validate := c.validate
	c.mu.RUnlock()
	if validate != nil {
		if err := validate(headers, c.GetState()); err != nil {
			return ResponseEnvelope{}, ferrors.New("engine.do", ferrors.KindConfig, err)
		}
	}

	modified := c.applyModifiers(method, perCall)
	headers = mergeStringMaps(headers, modified.Headers)
	query = mergeStringMaps(query, modified.Params)

	finalURL, err := c.composeURL(path, query)
	if err != nil {
		return ResponseEnvelope{}, ferrors.New("engine.do", ferrors.KindConfig, err)
	}

	rc := RequestContext{
		Method:  method,
		Path:    path,
		URL:     finalURL,
		Headers: headers,
		Query:   query,
		Body:    body,
		State:   c.GetState(),
		Attempt: 1,
	}

	log.InfoWithContext(callCtx, "fetch start", map[string]interface{}{
		"method": method, "url": finalURL, "correlation_id": correlationID, "client": c.name,
	})
	c.bus.Emit(eventbus.FetchBefore, map[string]any{"request": rc, "correlationId": correlationID})

	value, status, respHeaders, err := c.runPolicies(callCtx, rc, modified)

	if err != nil {
		log.ErrorWithContext(callCtx, "fetch error", map[string]interface{}{
			"method": method, "url": finalURL, "error": err.Error(), "client": c.name,
		})
		c.bus.Emit(eventbus.FetchError, map[string]any{"request": rc, "error": err, "correlationId": correlationID})
		c.bus.Emit(eventbus.FetchAfter, map[string]any{"request": rc, "correlationId": correlationID})
		return ResponseEnvelope{}, err
	}

	envelope := ResponseEnvelope{
		Data:    value,
		Headers: respHeaders,
		Status:  status,
		Request: rc,
		Config:  effective,
	}
	log.InfoWithContext(callCtx, "fetch response", map[string]interface{}{
		"method": method, "url": finalURL, "status": status,
	})
	c.bus.Emit(eventbus.FetchResponse, envelope)
	c.bus.Emit(eventbus.FetchAfter, map[string]any{"request": rc, "correlationId": correlationID})
	return envelope, nil
}

func (c *Client) buildEffectiveOptions(method string, perCall PerCallOptions) EffectiveOptions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	timeout := c.timeout
	if perCall.Timeout > 0 {
		timeout = perCall.Timeout
	}
	return EffectiveOptions{BaseURL: c.baseURL, Timeout: timeout}
}

func (c *Client) composeHeaders(method string, perCall PerCallOptions) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return mergeStringMaps(c.defaultHeaders, c.methodHeaders[strings.ToUpper(method)], perCall.Headers)
}

func (c *Client) composeParams(method string, perCall PerCallOptions) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return mergeStringMaps(c.defaultParams, c.methodParams[strings.ToUpper(method)], perCall.Params)
}

// applyModifiers runs global then method-specific modifiers, per spec.md
// §4.9 step 4. Per-call modifiers aren't represented in PerCallOptions —
// dynamic closures don't map onto a static struct — so global and method
// modifiers cover the common case.
func (c *Client) applyModifiers(method string, perCall PerCallOptions) PerCallOptions {
	c.mu.RLock()
	global := c.modifyOptions
	methodMod := c.modifyMethodOptions[strings.ToUpper(method)]
	c.mu.RUnlock()

	result := perCall
	if global != nil {
		result = global(result)
	}
	if methodMod != nil {
		result = methodMod(result)
	}
	return result
}

// composeURL implements spec.md §4.9's URL composition rules: absolute
// paths bypass baseURL verbatim; otherwise baseURL (trailing slash
// stripped) is concatenated with path; query merges with any query already
// present in path.
func (c *Client) composeURL(path string, query map[string]string) (string, error) {
	if isAbsoluteURL(path) {
		return mergeQueryIntoURL(path, query)
	}

	c.mu.RLock()
	base := c.baseURL
	c.mu.RUnlock()

	full := base + path
	return mergeQueryIntoURL(full, query)
}

func isAbsoluteURL(path string) bool {
	u, err := url.Parse(path)
	return err == nil && u.IsAbs()
}

func mergeQueryIntoURL(raw string, extra map[string]string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range extra {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// httpResult is one transport round-trip's outcome, threaded through the
// policy chain as a single value instead of shared mutable locals so
// concurrent callers (a foreground call racing a background revalidation)
// never see each other's status/headers.
type httpResult struct {
	data    any
	status  int
	headers map[string]string
}

// runPolicies delegates through cache -> dedupe -> rate-limit -> retry ->
// network, per spec.md §4.9 step 7.
func (c *Client) runPolicies(ctx context.Context, rc RequestContext, perCall PerCallOptions) (any, int, map[string]string, error) {
	network := func(ctx context.Context) (httpResult, error) {
		attemptRC := rc
		driver := retry.NewDriver()

		opts := retry.Options{
			MaxAttempts:       1,
			BaseDelay:         c.retryCfg.BaseDelay,
			MaxDelay:          c.retryCfg.MaxDelay,
			BackoffMultiplier: c.retryCfg.BackoffMultiplier,
			JitterFactor:      c.retryCfg.JitterFactor,
			ThrowLastError:    true,
		}
		if c.retryCfg.Enabled && c.retryCfg.MaxAttempts > 0 {
			opts.MaxAttempts = c.retryCfg.MaxAttempts
		}
		opts.ShouldRetry = func(err error, attempt int) retry.Decision {
			if !c.retryCfg.Enabled {
				return retry.NoRetry()
			}
			if c.retryCfg.ShouldRetry != nil {
				return c.retryCfg.ShouldRetry(err, attempt)
			}
			if c.retryCfg.RetryableStatusCodes != nil {
				if fe, ok := err.(*ferrors.Error); ok && fe.Kind == ferrors.KindHTTP {
					_, retryable := c.retryCfg.RetryableStatusCodes[fe.Status]
					if retryable {
						return retry.Retry_()
					}
					return retry.NoRetry()
				}
			}
			if ferrors.IsRetryable(err) {
				return retry.Retry_()
			}
			return retry.NoRetry()
		}
		opts.OnRetry = func(err error, attempt int) {
			correlationID, _ := logging.CorrelationID(ctx)
			c.bus.Emit(eventbus.FetchRetry, map[string]any{"error": err, "attempt": attempt, "correlationId": correlationID})
		}

		timeout := c.effectiveTimeout(perCall)

		result, err := driver.Run(ctx, func(ctx context.Context, attempt int) (any, error) {
			attemptCtx := ctx
			var cancel context.CancelFunc
			if timeout > 0 {
				attemptCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			attemptRC.Attempt = attempt
			data, status, headers, err := c.transport.Do(attemptCtx, attemptRC)
			if err != nil {
				return nil, err
			}
			return httpResult{data: data, status: status, headers: headers}, nil
		}, opts)
		if err != nil {
			return httpResult{}, err
		}
		return result.(httpResult), nil
	}

	rateLimited := func(ctx context.Context) (httpResult, error) {
		if perCall.SkipRateLimit {
			return network(ctx)
		}
		v, err := c.rateLimit.Run(ctx, rc.Method, rc.Path, rc.Body, nil, perCall.Priority, perCall.Timeout, func(ctx context.Context) (any, error) {
			return network(ctx)
		})
		if err != nil {
			return httpResult{}, err
		}
		return v.(httpResult), nil
	}

	deduped := func(ctx context.Context) (httpResult, error) {
		if perCall.SkipDedupe {
			return rateLimited(ctx)
		}
		v, err := c.dedupe.Run(ctx, rc.Method, rc.Path, rc.Body, nil, func(ctx context.Context) (any, error) {
			return rateLimited(ctx)
		})
		if err != nil {
			return httpResult{}, err
		}
		return v.(httpResult), nil
	}

	if perCall.SkipCache {
		r, err := deduped(ctx)
		return r.data, r.status, r.headers, err
	}

	entry, err := c.cache.Run(ctx, rc.Method, rc.Path, rc.Body, nil, c.coord.HasInflight, func(ctx context.Context) (cachepolicy.Entry, error) {
		r, err := deduped(ctx)
		if err != nil {
			return cachepolicy.Entry{}, err
		}
		return cachepolicy.Entry{Value: r.data, Status: r.status, Headers: r.headers}, nil
	})
	if err != nil {
		return nil, 0, nil, err
	}
	return entry.Value, entry.Status, entry.Headers, nil
}

func (c *Client) effectiveTimeout(perCall PerCallOptions) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if perCall.Timeout > 0 {
		return perCall.Timeout
	}
	return c.timeout
}
