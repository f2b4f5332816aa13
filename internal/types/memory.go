package types

// MemoryType classifies items returned by the knowledge store
type MemoryType string

const (
	MemoryEpisodic   MemoryType = "episodic"
	MemorySemantic   MemoryType = "semantic"
	MemoryProcedural MemoryType = "procedural"
	MemoryRelational MemoryType = "relational"
)

// MemoryItem is a candidate piece of long-term memory from the external
// knowledge store. Read-only to the gateway core.
type MemoryItem struct {
	ID        string     `json:"id"`
	Type      MemoryType `json:"type"`
	Text      string     `json:"text"`
	TokenCost int        `json:"tokenCost"`
	Relevance float64    `json:"relevanceScore"` // 0..1
	Recency   float64    `json:"recencyScore"`   // 0..1
}

// Action is an autonomous action the generator requested as part of a
// reply. The trust gate decides whether it may execute.
type Action struct {
	Category    string `json:"category"` // e.g. "read", "write", "communicate"
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
