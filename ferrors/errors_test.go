package ferrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageIncludesCallDetails(t *testing.T) {
	err := New("engine.Get", KindHTTP, errors.New("boom")).WithCall("GET", "/orders", 2)
	msg := err.Error()
	assert.Contains(t, msg, "engine.Get")
	assert.Contains(t, msg, "http")
	assert.Contains(t, msg, "GET /orders")
	assert.Contains(t, msg, "attempt 2")
	assert.Contains(t, msg, "boom")
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New("engine.Get", KindNetwork, cause)
	assert.True(t, errors.Is(err, cause))
}

func TestIsKindHelpers(t *testing.T) {
	timeout := New("retry.Run", KindTimeout, errors.New("deadline exceeded"))
	abort := New("engine.Get", KindAbort, errors.New("context canceled"))
	destroyed := New("engine.Get", KindDestroyed, ErrDestroyed)
	rateLimited := New("ratelimiter.Acquire", KindRateLimitReject, errors.New("bucket empty"))
	exhausted := New("retry.Run", KindRetryExhausted, errors.New("gave up"))

	assert.True(t, IsTimeout(timeout))
	assert.False(t, IsTimeout(abort))

	assert.True(t, IsAbort(abort))
	assert.False(t, IsAbort(timeout))

	assert.True(t, IsDestroyed(destroyed))
	assert.True(t, errors.Is(destroyed, ErrDestroyed))

	assert.True(t, IsRateLimitReject(rateLimited))
	assert.True(t, IsRetryExhausted(exhausted))

	assert.False(t, IsKind(errors.New("plain error"), KindTimeout))
}

func TestIsHTTPStatus(t *testing.T) {
	err := &Error{Kind: KindHTTP, Status: 503}
	assert.True(t, IsHTTPStatus(err, 503))
	assert.False(t, IsHTTPStatus(err, 500))
	assert.False(t, IsHTTPStatus(errors.New("plain"), 503))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  *Error
		want bool
	}{
		{&Error{Kind: KindNetwork}, true},
		{&Error{Kind: KindTimeout}, true},
		{&Error{Kind: KindHTTP, Status: 500}, true},
		{&Error{Kind: KindHTTP, Status: 429}, true},
		{&Error{Kind: KindHTTP, Status: 404}, false},
		{&Error{Kind: KindConfig}, false},
		{&Error{Kind: KindAbort}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsRetryable(tc.err), "kind=%s status=%d", tc.err.Kind, tc.err.Status)
	}
	assert.False(t, IsRetryable(errors.New("not a fetchkit error")))
}

func TestWithCallReturnsSameInstance(t *testing.T) {
	err := New("engine.Post", KindHTTP, nil)
	require.Same(t, err, err.WithCall("POST", "/orders", 1))
}
