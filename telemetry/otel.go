// Package telemetry bridges engine/eventbus lifecycle events onto
// OpenTelemetry spans and metrics: HTTP OTLP exporters for traces and
// metrics, batched export, resource attributes, generalized from a single
// StartSpan/RecordMetric surface into a fixed set of engine-specific
// instruments subscribed directly to eventbus.Bus.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/fetchkit/engine/eventbus"
)

// Provider owns the OTel trace/metric pipeline for one engine.Client: one
// span per call (opened on fetch-before, closed on fetch-after, with a
// "retry" span event per retry) plus five instruments (fetch.duration,
// fetch.retries, cache.hits, cache.misses, ratelimit.wait_ms), matching
// SPEC_FULL.md §3's domain-stack wiring table.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter

	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider

	fetchDuration   metric.Float64Histogram
	fetchRetries    metric.Int64Counter
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	ratelimitWaitMs metric.Float64Histogram

	mu         sync.Mutex
	spans      map[string]*activeSpan
	closed     bool
	clientName string
}

type activeSpan struct {
	ctx       context.Context
	span      trace.Span
	startedAt time.Time
	retries   int64
}

// NewProvider constructs a Provider exporting OTLP/HTTP to endpoint
// (typically "localhost:4318") — HTTP instead of gRPC, for smaller binary
// size and simpler firewall rules.
func NewProvider(serviceName, endpoint string) (*Provider, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("telemetry: service name is required")
	}
	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	ctx := context.Background()

	traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating trace exporter: %w", err)
	}
	metricExporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: creating metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter), sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("fetchkit/engine")

	p := &Provider{
		tracer:         tp.Tracer("fetchkit/engine"),
		meter:          meter,
		traceProvider:  tp,
		metricProvider: mp,
		spans:          make(map[string]*activeSpan),
	}

	if p.fetchDuration, err = meter.Float64Histogram("fetch.duration", metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("telemetry: creating fetch.duration histogram: %w", err)
	}
	if p.fetchRetries, err = meter.Int64Counter("fetch.retries"); err != nil {
		return nil, fmt.Errorf("telemetry: creating fetch.retries counter: %w", err)
	}
	if p.cacheHits, err = meter.Int64Counter("cache.hits"); err != nil {
		return nil, fmt.Errorf("telemetry: creating cache.hits counter: %w", err)
	}
	if p.cacheMisses, err = meter.Int64Counter("cache.misses"); err != nil {
		return nil, fmt.Errorf("telemetry: creating cache.misses counter: %w", err)
	}
	if p.ratelimitWaitMs, err = meter.Float64Histogram("ratelimit.wait_ms", metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("telemetry: creating ratelimit.wait_ms histogram: %w", err)
	}

	return p, nil
}

// Attach subscribes the provider to bus's lifecycle events, tagging every
// span this provider opens with a "client.name" attribute (clientName may be
// "" for an unnamed engine.Client). Returns an unsubscribe function that
// detaches every handler this call registered.
func (p *Provider) Attach(bus *eventbus.Bus, clientName string) (detach func()) {
	p.clientName = clientName
	var unsubs []eventbus.Unsubscribe

	unsubs = append(unsubs, bus.On(eventbus.FetchBefore, p.onFetchBefore))
	unsubs = append(unsubs, bus.On(eventbus.FetchAfter, p.onFetchAfter))
	unsubs = append(unsubs, bus.On(eventbus.FetchError, p.onFetchError))
	unsubs = append(unsubs, bus.On(eventbus.FetchRetry, p.onFetchRetry))
	unsubs = append(unsubs, bus.On(eventbus.FetchCacheHit, p.onCacheHit))
	unsubs = append(unsubs, bus.On(eventbus.FetchCacheMiss, p.onCacheMiss))
	unsubs = append(unsubs, bus.On(eventbus.FetchRatelimitAcquire, p.onRatelimitAcquire))

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func correlationIDOf(data any) string {
	m, ok := data.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["correlationId"].(string)
	return id
}

func (p *Provider) onFetchBefore(_ string, data any) {
	id := correlationIDOf(data)
	if id == "" {
		return
	}
	ctx, span := p.tracer.Start(context.Background(), "fetchkit.call")
	if p.clientName != "" {
		span.SetAttributes(attribute.String("client.name", p.clientName))
	}

	p.mu.Lock()
	if !p.closed {
		p.spans[id] = &activeSpan{ctx: ctx, span: span, startedAt: time.Now()}
	}
	p.mu.Unlock()
}

func (p *Provider) take(id string) (*activeSpan, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.spans[id]
	if ok {
		delete(p.spans, id)
	}
	return s, ok
}

func (p *Provider) onFetchAfter(_ string, data any) {
	id := correlationIDOf(data)
	if id == "" {
		return
	}
	s, ok := p.take(id)
	if !ok {
		return
	}
	elapsed := time.Since(s.startedAt)
	s.span.SetAttributes(attribute.Int64("fetch.retries", s.retries))
	s.span.End()
	p.fetchDuration.Record(s.ctx, float64(elapsed.Milliseconds()))
	if s.retries > 0 {
		p.fetchRetries.Add(s.ctx, s.retries)
	}
}

func (p *Provider) onFetchError(_ string, data any) {
	id := correlationIDOf(data)
	p.mu.Lock()
	s, ok := p.spans[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	if m, ok := data.(map[string]any); ok {
		if err, ok := m["error"].(error); ok {
			s.span.RecordError(err)
		}
	}
}

func (p *Provider) onFetchRetry(_ string, data any) {
	id := correlationIDOf(data)
	p.mu.Lock()
	s, ok := p.spans[id]
	if ok {
		s.retries++
	}
	p.mu.Unlock()
	if ok {
		s.span.AddEvent("retry")
	}
}

func (p *Provider) onCacheHit(_ string, _ any) {
	p.cacheHits.Add(context.Background(), 1)
}

func (p *Provider) onCacheMiss(_ string, _ any) {
	p.cacheMisses.Add(context.Background(), 1)
}

func (p *Provider) onRatelimitAcquire(_ string, data any) {
	m, ok := data.(map[string]any)
	if !ok {
		return
	}
	waited, _ := m["waited"].(time.Duration)
	p.ratelimitWaitMs.Record(context.Background(), float64(waited.Milliseconds()))
}

// Shutdown flushes and tears down the trace/metric providers. Idempotent.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	if err := p.metricProvider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.traceProvider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("telemetry: shutdown errors: %v", errs)
	}
	return nil
}
