package agent

import (
	"context"
	"iter"
)

// Processor defines the interface for AI answer backends.
// This interface is implemented by the HTTP, gRPC and structured clients.
type Processor interface {
	// Chat sends a question and returns the answer chunks in arrival order.
	Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatResponse, error]

	// StopGeneration asks the backend to stop generating for a session.
	StopGeneration(ctx context.Context, userID, sessionID string) error

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases resources
	Close()
}

// Cumulative is implemented by processors whose chunks repeat the whole
// answer so far instead of carrying only new text.
type Cumulative interface {
	Cumulative() bool
}

// Ensure the clients implement Processor.
var (
	_ Processor = (*HTTPClient)(nil)
	_ Processor = (*GrpcClient)(nil)
	_ Processor = (*StructuredClient)(nil)
)
