package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/fetchkit/engine/ferrors"
)

// Transport performs the actual network call for a built RequestContext.
// The default implementation is httpTransport; tests substitute a fake.
// Grounded on ai/client.go's GenerateResponse body (marshal, build request,
// Do, status check, read body, unmarshal) generalized away from one fixed
// OpenAI request/response shape.
type Transport interface {
	Do(ctx context.Context, rc RequestContext) (data any, status int, headers map[string]string, err error)
}

type httpTransport struct {
	client *http.Client
}

func newHTTPTransport(client *http.Client) *httpTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpTransport{client: client}
}

func (t *httpTransport) Do(ctx context.Context, rc RequestContext) (any, int, map[string]string, error) {
	var bodyReader io.Reader
	if rc.Body != nil {
		jsonBody, err := json.Marshal(rc.Body)
		if err != nil {
			return nil, 0, nil, ferrors.New("transport.Do", ferrors.KindConfig, err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, rc.Method, rc.URL, bodyReader)
	if err != nil {
		return nil, 0, nil, ferrors.New("transport.Do", ferrors.KindConfig, err)
	}
	for k, v := range rc.Headers {
		req.Header.Set(k, v)
	}
	if rc.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		kind := classifyDoErr(err)
		fe := &ferrors.Error{Kind: kind, Op: "transport.Do", Err: err}
		if kind == ferrors.KindAbort {
			fe.Reason = context.Cause(ctx)
		}
		return nil, 0, nil, fe.WithCall(rc.Method, rc.URL, rc.Attempt)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, headersToMap(resp.Header), (&ferrors.Error{Kind: ferrors.KindNetwork, Op: "transport.Do", Step: ferrors.StepFetch, Err: err}).WithCall(rc.Method, rc.URL, rc.Attempt)
	}

	headers := headersToMap(resp.Header)

	var data any
	if len(raw) > 0 {
		if jsonErr := json.Unmarshal(raw, &data); jsonErr != nil {
			data = string(raw)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &ferrors.Error{
			Kind:   ferrors.KindHTTP,
			Op:     "transport.Do",
			Status: resp.StatusCode,
			Step:   ferrors.StepResponse,
			Data:   data,
			Err:    fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
		return data, resp.StatusCode, headers, httpErr.WithCall(rc.Method, rc.URL, rc.Attempt)
	}

	return data, resp.StatusCode, headers, nil
}

// classifyDoErr distinguishes a per-attempt deadline firing from an
// external cancellation so both surface as the right ferrors.Kind instead
// of collapsing into KindNetwork (spec.md §7). http.Client.Do wraps
// context errors inside a *url.Error, so errors.Is unwraps through it.
func classifyDoErr(err error) ferrors.Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ferrors.KindTimeout
	case errors.Is(err, context.Canceled):
		return ferrors.KindAbort
	default:
		return ferrors.KindNetwork
	}
}

func headersToMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[normalizeHeaderKey(k)] = h.Get(k)
	}
	return out
}

var _ Transport = (*httpTransport)(nil)
