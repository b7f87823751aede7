// Package cache avoids repeat model calls for semantically equivalent
// prompts issued under identical completion options.
package cache

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/voxtera/maestro/pkg/llmerrors"
	"github.com/voxtera/maestro/pkg/llms"
	"github.com/voxtera/maestro/pkg/protocol"
)

// MissReason explains why a lookup did not return a stored completion.
type MissReason string

const (
	MissLowSimilarity   MissReason = "low_similarity"
	MissOptionsMismatch MissReason = "options_mismatch"
	MissTTLExpired      MissReason = "ttl_expired"
	MissCapacityReject  MissReason = "capacity_reject"
)

// Embedder turns prompt text into a vector. Callers supply the client; the
// cache never talks to an embedding service itself.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

type Config struct {
	SimilarityThreshold float64
	TTL                 time.Duration
	MaxEntries          int
}

type entry struct {
	embedding   []float64
	optionsHash string
	completion  *llms.Completion
	storedAt    time.Time
	deadline    time.Time
}

// SemanticCache stores completions keyed by prompt embedding and an exact
// hash of the completion options.
type SemanticCache struct {
	mu        sync.Mutex
	entries   []*entry
	embedder  Embedder
	threshold float64
	ttl       time.Duration
	max       int
	clock     func() time.Time
}

type Option func(*SemanticCache)

// WithClock injects the time source TTL deadlines are evaluated against.
func WithClock(clock func() time.Time) Option {
	return func(c *SemanticCache) { c.clock = clock }
}

func New(cfg Config, embedder Embedder, opts ...Option) (*SemanticCache, error) {
	var violations []string
	if cfg.SimilarityThreshold < 0 || cfg.SimilarityThreshold > 1 {
		violations = append(violations, "similarity_threshold must be within [0, 1]")
	}
	if cfg.TTL <= 0 {
		violations = append(violations, "ttl must be positive")
	}
	if cfg.MaxEntries <= 0 {
		violations = append(violations, "max_entries must be positive")
	}
	if len(violations) > 0 {
		return nil, llmerrors.NewValidation("cache", violations...)
	}
	if embedder == nil {
		return nil, llmerrors.NewValidation("cache", "embedder is required")
	}

	c := &SemanticCache{
		embedder:  embedder,
		threshold: cfg.SimilarityThreshold,
		ttl:       cfg.TTL,
		max:       cfg.MaxEntries,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Lookup returns the stored completion for the nearest prompt whose
// similarity clears the threshold, whose options hash matches exactly, and
// whose TTL has not lapsed. Expired matches are evicted on sight.
func (c *SemanticCache) Lookup(ctx context.Context, conv protocol.Conversation, opts llms.CompletionOptions) (*llms.Completion, MissReason, error) {
	embedding, err := c.embedder.Embed(ctx, PromptKey(conv))
	if err != nil {
		return nil, MissLowSimilarity, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	hash := opts.Hash()

	var best *entry
	bestSim := -1.0
	for _, e := range c.entries {
		if sim := cosine(embedding, e.embedding); sim > bestSim {
			bestSim = sim
			best = e
		}
	}

	if best == nil || bestSim < c.threshold {
		return nil, MissLowSimilarity, nil
	}
	if best.optionsHash != hash {
		return nil, MissOptionsMismatch, nil
	}
	if now.After(best.deadline) {
		c.evict(best)
		return nil, MissTTLExpired, nil
	}
	return best.completion, "", nil
}

// Store records a completion for later lookup. It reports false when the
// cache is at capacity; existing entries are never displaced.
func (c *SemanticCache) Store(ctx context.Context, conv protocol.Conversation, opts llms.CompletionOptions, completion *llms.Completion) (bool, error) {
	embedding, err := c.embedder.Embed(ctx, PromptKey(conv))
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.max {
		return false, nil
	}
	now := c.clock()
	c.entries = append(c.entries, &entry{
		embedding:   embedding,
		optionsHash: opts.Hash(),
		completion:  completion,
		storedAt:    now,
		deadline:    now.Add(c.ttl),
	})
	return true, nil
}

func (c *SemanticCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *SemanticCache) evict(target *entry) {
	for i, e := range c.entries {
		if e == target {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// PromptKey extracts the cacheable text of a conversation: one "role:
// content" line per system and user message. Assistant content and tool
// outputs are excluded; they may carry private or tool-derived data and
// would cause false positives.
func PromptKey(conv protocol.Conversation) string {
	var lines []string
	for _, msg := range conv.Messages() {
		if msg.Role != protocol.RoleSystem && msg.Role != protocol.RoleUser {
			continue
		}
		lines = append(lines, string(msg.Role)+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
