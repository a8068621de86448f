package vector

import (
	"context"

	"github.com/skypro1111/convo-memory-service/internal/model"
)

// Match is one search hit, ordered by descending similarity.
type Match struct {
	ID    model.MemoryID `json:"id"`
	Score float64        `json:"score"`
}

// Client is the narrow contract against the external vector index. The index
// holds only id, owner and vector; memory text lives in the durable store.
type Client interface {
	// Upsert writes or replaces one vector.
	Upsert(ctx context.Context, id model.MemoryID, userID string, embedding []float32) error
	// Search returns up to topK matches among userID's vectors, best first.
	Search(ctx context.Context, userID string, embedding []float32, topK int) ([]Match, error)
	// Delete removes one vector. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, id model.MemoryID) error
}
