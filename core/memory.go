package core

import "context"

// MemoryStore defines persistence + retrieval for durable cross-session
// facts scoped by owner identity. Implementations can back retrieval with
// embeddings, keywords or any heuristic; the engine treats both operations
// as best-effort.
type MemoryStore interface {
	// Retrieve returns up to limit records for the owner, most relevant to
	// queryContext first.
	Retrieve(ctx context.Context, ownerID, queryContext string, limit int) ([]MemoryRecord, error)

	// Write persists one fact for the owner. Failures are reported as
	// *StoreError and are never fatal to the calling session.
	Write(ctx context.Context, ownerID, content string) error
}
