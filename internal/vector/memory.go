package vector

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/skypro1111/convo-memory-service/internal/model"
)

type entry struct {
	userID    string
	embedding []float32
}

// InMemory is a process-local cosine-similarity index. It backs tests and
// the dev stub; production deployments use HTTPClient.
type InMemory struct {
	mu      sync.RWMutex
	entries map[model.MemoryID]entry
}

// NewInMemory creates an empty in-process index.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[model.MemoryID]entry)}
}

// Upsert writes or replaces one vector.
func (m *InMemory) Upsert(_ context.Context, id model.MemoryID, userID string, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	m.entries[id] = entry{userID: userID, embedding: vec}
	return nil
}

// Search returns up to topK cosine-similarity matches among userID's vectors.
func (m *InMemory) Search(_ context.Context, userID string, embedding []float32, topK int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Match
	for id, e := range m.entries {
		if e.userID != userID {
			continue
		}
		matches = append(matches, Match{ID: id, Score: Cosine(embedding, e.embedding)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Delete removes one vector. Unknown ids are a no-op.
func (m *InMemory) Delete(_ context.Context, id model.MemoryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// Len returns the number of stored vectors.
func (m *InMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Cosine returns the cosine similarity of two vectors, 0 when either is a
// zero vector or lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
