package llms

import (
	"context"
	"math"
	"strings"

	"github.com/voxtera/maestro/pkg/protocol"
)

// Provider is a chat completion client for one configured model.
//
// StreamComplete invokes onChunk sequentially from a single producer and
// returns the accumulated Completion after the terminal chunk. Close is
// idempotent.
type Provider interface {
	Name() string
	Model() string

	Complete(ctx context.Context, conv protocol.Conversation, opts CompletionOptions) (*Completion, error)
	StreamComplete(ctx context.Context, conv protocol.Conversation, opts CompletionOptions, onChunk ChunkHandler) (*Completion, error)

	// ContextWindow is the model's total token window; ReserveCompletion is
	// the share held back for the model's reply.
	ContextWindow() int
	ReserveCompletion() int

	Validate() error
	Close() error
}

// Headroom levels hold back a share of the context window as safety margin
// against tokenizer undercounting. Callers pick a level by class or pass a
// custom percentage.
const (
	HeadroomLight        = 5
	HeadroomStandard     = 8
	HeadroomConservative = 15
)

// Budget computes the conversation token budget for a provider at a given
// headroom percentage.
func Budget(p Provider, headroomPercent int) int {
	window := p.ContextWindow()
	headroom := int(math.Ceil(float64(window) * float64(headroomPercent) / 100.0))
	budget := window - p.ReserveCompletion() - headroom
	if budget < 0 {
		return 0
	}
	return budget
}

// contextWindowForModel resolves known model window sizes. Unknown models
// get a conservative default.
func contextWindowForModel(model string) int {
	m := strings.ToLower(model)
	for _, entry := range []struct {
		substr string
		window int
	}{
		{"o1", 200000},
		{"gpt-4o", 128000},
		{"gpt-4-turbo", 128000},
		{"gpt-4", 8192},
		{"gpt-3.5-turbo", 16385},
		{"claude", 200000},
	} {
		if strings.Contains(m, entry.substr) {
			return entry.window
		}
	}
	return 32768
}
