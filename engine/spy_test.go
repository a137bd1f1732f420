package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchkit/engine/eventbus"
)

func TestSpyRecordsSuccessfulResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Spy: true})
	c.httpClient(srv.Client())

	require.NotNil(t, c.Spy())

	_, err := c.Get(context.Background(), "/x")
	require.NoError(t, err)

	rec, ok := c.Spy().Last(eventbus.FetchResponse)
	require.True(t, ok)
	assert.Equal(t, "/x", rec.Envelope.Request.Path)
	assert.Equal(t, 200, rec.Envelope.Status)
}

func TestSpyRecordsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Spy: true})
	c.httpClient(srv.Client())

	_, err := c.Get(context.Background(), "/fail")
	require.Error(t, err)

	rec, ok := c.Spy().Last(eventbus.FetchError)
	require.True(t, ok)
	assert.Equal(t, "/fail", rec.Envelope.Request.Path)
	assert.Error(t, rec.Err)
}

func TestSpyDisabledByDefault(t *testing.T) {
	c := New(Config{BaseURL: "https://example.com"})
	assert.Nil(t, c.Spy())
}

func TestSpyRecorderCapsPerEvent(t *testing.T) {
	r := newSpyRecorder(2)
	r.record(SpyRecord{Event: "e"})
	r.record(SpyRecord{Event: "e"})
	r.record(SpyRecord{Event: "e"})
	assert.Len(t, r.All("e"), 2)
}
