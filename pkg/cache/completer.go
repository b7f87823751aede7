package cache

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxtera/maestro/pkg/llms"
	"github.com/voxtera/maestro/pkg/observability"
	"github.com/voxtera/maestro/pkg/protocol"
)

// Completer is the completion surface the cache wraps. Provider adapters
// satisfy it.
type Completer interface {
	Complete(ctx context.Context, conv protocol.Conversation, opts llms.CompletionOptions) (*llms.Completion, error)
}

// CachingCompleter serves completions from the cache and delegates misses to
// the wrapped completer, storing the fresh result. It holds no per-call
// state, so one instance serves concurrent runs.
type CachingCompleter struct {
	inner  Completer
	cache  *SemanticCache
	tracer trace.Tracer
}

// Outcome describes one cache interaction.
type Outcome struct {
	Hit    bool
	Reason MissReason
}

func NewCachingCompleter(inner Completer, cache *SemanticCache) *CachingCompleter {
	return &CachingCompleter{
		inner:  inner,
		cache:  cache,
		tracer: observability.GetTracer("maestro.cache"),
	}
}

func (c *CachingCompleter) Complete(ctx context.Context, conv protocol.Conversation, opts llms.CompletionOptions) (*llms.Completion, error) {
	completion, _, err := c.CompleteWithOutcome(ctx, conv, opts)
	return completion, err
}

// CompleteWithOutcome reports how the cache handled the call alongside the
// completion, so callers can attribute hit/miss events to the right run.
func (c *CachingCompleter) CompleteWithOutcome(ctx context.Context, conv protocol.Conversation, opts llms.CompletionOptions) (*llms.Completion, Outcome, error) {
	ctx, span := c.tracer.Start(ctx, observability.SpanCacheLookup)
	defer span.End()

	completion, reason, err := c.cache.Lookup(ctx, conv, opts)
	if err != nil {
		// Embedding failures degrade to a pass-through, not a run failure.
		slog.Warn("cache lookup failed", "error", err)
		outcome := Outcome{Hit: false, Reason: MissLowSimilarity}
		c.record(ctx, span, outcome)
		completion, err = c.inner.Complete(ctx, conv, opts)
		return completion, outcome, err
	}
	if completion != nil {
		outcome := Outcome{Hit: true}
		c.record(ctx, span, outcome)
		return completion, outcome, nil
	}

	completion, err = c.inner.Complete(ctx, conv, opts)
	if err != nil {
		outcome := Outcome{Hit: false, Reason: reason}
		c.record(ctx, span, outcome)
		return nil, outcome, err
	}

	stored, storeErr := c.cache.Store(ctx, conv, opts, completion)
	if storeErr != nil {
		slog.Warn("cache store failed", "error", storeErr)
	} else if !stored {
		reason = MissCapacityReject
	}
	outcome := Outcome{Hit: false, Reason: reason}
	c.record(ctx, span, outcome)
	return completion, outcome, nil
}

func (c *CachingCompleter) record(ctx context.Context, span trace.Span, outcome Outcome) {
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordCacheLookup(ctx, outcome.Hit, string(outcome.Reason))
	}
	span.SetAttributes(
		attribute.Bool("cache.hit", outcome.Hit),
		attribute.String(observability.AttrCacheReason, string(outcome.Reason)),
	)
}
