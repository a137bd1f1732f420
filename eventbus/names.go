package eventbus

// Canonical engine lifecycle event names (spec.md §7). Policy-internal code
// reports through its Sink interfaces rather than the bus; the engine's sink
// bridge emits those notifications under these fetch-prefixed names, so
// external listeners only ever need to know this list.
const (
	FetchBefore                   = "fetch-before"
	FetchAfter                    = "fetch-after"
	FetchResponse                 = "fetch-response"
	FetchError                    = "fetch-error"
	FetchRetry                    = "fetch-retry"
	FetchAbort                    = "fetch-abort"
	FetchModifyOptionsChange       = "fetch-modify-options-change"
	FetchModifyMethodOptionsChange = "fetch-modify-method-options-change"
	FetchStateSet                  = "fetch-state-set"
	FetchStateReset                = "fetch-state-reset"
	FetchHeaderAdd                 = "fetch-header-add"
	FetchHeaderRemove              = "fetch-header-remove"
	FetchParamAdd                  = "fetch-param-add"
	FetchParamRemove               = "fetch-param-remove"
	FetchURLChange                 = "fetch-url-change"

	FetchDedupeStart    = "fetch-dedupe-start"
	FetchDedupeJoin     = "fetch-dedupe-join"
	FetchDedupeComplete = "fetch-dedupe-complete"
	FetchDedupeError    = "fetch-dedupe-error"

	FetchCacheHit             = "fetch-cache-hit"
	FetchCacheMiss            = "fetch-cache-miss"
	FetchCacheStale           = "fetch-cache-stale"
	FetchCacheSet             = "fetch-cache-set"
	FetchCacheExpire          = "fetch-cache-expire"
	FetchCacheRevalidate      = "fetch-cache-revalidate"
	FetchCacheRevalidateError = "fetch-cache-revalidate-error"

	FetchRatelimitWait    = "fetch-ratelimit-wait"
	FetchRatelimitAcquire = "fetch-ratelimit-acquire"
	FetchRatelimitReject  = "fetch-ratelimit-reject"
)
