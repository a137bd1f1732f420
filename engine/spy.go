package engine

import (
	"sync"
	"time"

	"github.com/fetchkit/engine/eventbus"
)

// SpyRecord is one captured fetch-response or fetch-error outcome.
type SpyRecord struct {
	Event    string
	Envelope ResponseEnvelope
	Err      error
	Recorded time.Time
}

// SpyRecorder keeps the last N outcomes per event name for a Client
// constructed with WithSpy(true) — a small in-memory recorder, the same
// shape as an in-memory test double, but observing the real pipeline
// instead of replacing a dependency.
type SpyRecorder struct {
	mu      sync.Mutex
	perName int
	records map[string][]SpyRecord
}

func newSpyRecorder(perName int) *SpyRecorder {
	if perName <= 0 {
		perName = 50
	}
	return &SpyRecorder{perName: perName, records: make(map[string][]SpyRecord)}
}

func (s *SpyRecorder) record(rec SpyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.records[rec.Event], rec)
	if len(list) > s.perName {
		list = list[len(list)-s.perName:]
	}
	s.records[rec.Event] = list
}

// Last returns the most recently recorded outcome for event, if any.
func (s *SpyRecorder) Last(event string) (SpyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.records[event]
	if len(list) == 0 {
		return SpyRecord{}, false
	}
	return list[len(list)-1], true
}

// All returns every outcome recorded for event, oldest first.
func (s *SpyRecorder) All(event string) []SpyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SpyRecord, len(s.records[event]))
	copy(out, s.records[event])
	return out
}

// Clear discards every recorded outcome.
func (s *SpyRecorder) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string][]SpyRecord)
}

// Spy returns the client's recorder, or nil if it wasn't constructed with
// WithSpy(true).
func (c *Client) Spy() *SpyRecorder { return c.spyRecorder }

func (c *Client) attachSpy() {
	if c.spyRecorder == nil {
		return
	}
	c.bus.On(eventbus.FetchResponse, func(name string, data any) {
		if env, ok := data.(ResponseEnvelope); ok {
			c.spyRecorder.record(SpyRecord{Event: name, Envelope: env, Recorded: time.Now()})
		}
	})
	c.bus.On(eventbus.FetchError, func(name string, data any) {
		m, ok := data.(map[string]any)
		if !ok {
			return
		}
		rec := SpyRecord{Event: name, Recorded: time.Now()}
		if rc, ok := m["request"].(RequestContext); ok {
			rec.Envelope = ResponseEnvelope{Request: rc}
		}
		if err, ok := m["error"].(error); ok {
			rec.Err = err
		}
		c.spyRecorder.record(rec)
	})
}
