// Package memory ships the built-in MemoryStore implementations: a
// process-local store for tests and demos, and a SQLite-backed store for
// durable cross-session memory.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agentloop/core"
)

// InMemoryStore is a naive process-local MemoryStore.
//
// Concurrency: protected by RWMutex.
// Retrieval: linear scan with token-overlap scoring between the query
// context and stored content. Suitable for tests / demos; swap for the
// SQLite store or a semantic index for production retrieval.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]core.MemoryRecord // ownerID -> records in insertion order
}

// NewInMemoryStore creates a new in-memory memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]core.MemoryRecord)}
}

// Retrieve returns up to limit records for the owner, most relevant first.
// An empty query context returns the most recent records.
func (m *InMemoryStore) Retrieve(ctx context.Context, ownerID, queryContext string, limit int) ([]core.MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owned, exists := m.records[ownerID]
	if !exists || limit <= 0 {
		return []core.MemoryRecord{}, nil
	}

	queryTokens := tokenize(queryContext)

	scored := make([]core.MemoryRecord, len(owned))
	copy(scored, owned)
	for i := range scored {
		scored[i].Score = overlapScore(queryTokens, tokenize(scored[i].Content))
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].CreatedAt.After(scored[j].CreatedAt)
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Write appends a new record for the owner.
func (m *InMemoryStore) Write(ctx context.Context, ownerID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[ownerID] = append(m.records[ownerID], core.MemoryRecord{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Content:   content,
		CreatedAt: time.Now(),
	})

	return nil
}

func tokenize(s string) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,!?;:\"'()[]{}")
		if len(tok) > 1 {
			tokens[tok] = struct{}{}
		}
	}
	return tokens
}

// overlapScore is the fraction of query tokens present in the content.
func overlapScore(query, content map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for tok := range query {
		if _, ok := content[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
