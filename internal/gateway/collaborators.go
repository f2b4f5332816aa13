package gateway

import (
	"context"

	"github.com/arcuslabs/arcusgw/internal/types"
)

// The gateway treats the knowledge store and the reply generator as
// black boxes behind these interfaces. Both are called with bounded
// deadlines; a slow collaborator degrades one reply, it never wedges
// the dispatch pipeline.

// RecallRequest asks the knowledge store for memory relevant to one
// inbound message
type RecallRequest struct {
	SessionKey  string
	CanonicalID string
	Query       string
	Limit       int
}

// Recaller retrieves candidate memory items
type Recaller interface {
	Recall(ctx context.Context, req RecallRequest) ([]types.MemoryItem, error)
}

// GenerateRequest carries everything the generator may condition on
type GenerateRequest struct {
	SessionKey  string
	CanonicalID string
	Message     *types.NormalizedMessage
	History     []types.Turn
	Memories    []types.MemoryItem
}

// GenerateResponse is a reply plus any actions the generator wants to
// take on the sender's behalf
type GenerateResponse struct {
	Text    string
	Actions []types.Action
}

// Generator produces replies
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

// ActionExecutor performs an authorized action. Only actions that pass
// the trust gate ever reach it.
type ActionExecutor interface {
	Execute(ctx context.Context, canonicalID string, action types.Action) error
}
