// Package metrics exposes the OpenTelemetry instruments shared across the
// pipeline.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the core counters and the request latency histogram.
type Metrics struct {
	requests      metric.Int64Counter
	emptyReplies  metric.Int64Counter
	toolBlocked   metric.Int64Counter
	toolCacheHits metric.Int64Counter
	proactive     metric.Int64Counter
	tokens        metric.Int64Counter
	latency       metric.Float64Histogram
}

// New registers the instruments on the global meter provider. Instrument
// creation only fails on malformed names, so errors are collapsed.
func New() (*Metrics, error) {
	meter := otel.Meter("mika")

	m := &Metrics{}
	var err error
	if m.requests, err = meter.Int64Counter("mika.requests_total",
		metric.WithDescription("Chat requests handled")); err != nil {
		return nil, err
	}
	if m.emptyReplies, err = meter.Int64Counter("mika.api_empty_reply_total",
		metric.WithDescription("Terminal empty replies from providers")); err != nil {
		return nil, err
	}
	if m.toolBlocked, err = meter.Int64Counter("mika.tool_blocked_total",
		metric.WithDescription("Tool calls blocked by policy")); err != nil {
		return nil, err
	}
	if m.toolCacheHits, err = meter.Int64Counter("mika.tool_cache_hit_total",
		metric.WithDescription("Tool results served from cache")); err != nil {
		return nil, err
	}
	if m.proactive, err = meter.Int64Counter("mika.proactive_trigger_total",
		metric.WithDescription("Proactive gate triggers")); err != nil {
		return nil, err
	}
	if m.tokens, err = meter.Int64Counter("mika.llm_tokens_total",
		metric.WithDescription("LLM tokens consumed")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("mika.llm_latency_ms",
		metric.WithDescription("LLM call latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordRequest(ctx context.Context, sessionKind string) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("session_kind", sessionKind)))
}

func (m *Metrics) RecordEmptyReply(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.emptyReplies.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordToolBlocked(ctx context.Context, tool string) {
	if m == nil {
		return
	}
	m.toolBlocked.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

func (m *Metrics) RecordToolCacheHit(ctx context.Context, tool string) {
	if m == nil {
		return
	}
	m.toolCacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

func (m *Metrics) RecordProactiveTrigger(ctx context.Context, path string) {
	if m == nil {
		return
	}
	m.proactive.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

func (m *Metrics) RecordUsage(ctx context.Context, model string, prompt, completion int, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.tokens.Add(ctx, int64(prompt), attrs, metric.WithAttributes(attribute.String("direction", "prompt")))
	m.tokens.Add(ctx, int64(completion), attrs, metric.WithAttributes(attribute.String("direction", "completion")))
	m.latency.Record(ctx, float64(latency.Milliseconds()), attrs)
}
