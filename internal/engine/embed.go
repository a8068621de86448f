package engine

import (
	"context"
	"fmt"
)

// EmbedRequest carries texts to the embedding engine.
type EmbedRequest struct {
	Texts []string `json:"texts"`
}

// EmbedResult holds one vector per input text, in input order.
type EmbedResult struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embedder converts texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingClient calls the external embedding engine over HTTP.
type EmbeddingClient struct {
	*client
}

// NewEmbeddingClient creates an embedding engine client.
func NewEmbeddingClient(config Config) (*EmbeddingClient, error) {
	c, err := newClient(config)
	if err != nil {
		return nil, fmt.Errorf("embedding client: %w", err)
	}
	return &EmbeddingClient{client: c}, nil
}

// Embed returns one vector per input text. A count mismatch from the engine
// is a permanent error.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var result EmbedResult
	if err := c.postJSON(ctx, "embed", "/v1/embed", &EmbedRequest{Texts: texts}, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, &Error{
			Op:        "embed",
			Transient: false,
			Err:       fmt.Errorf("engine returned %d embeddings for %d texts", len(result.Embeddings), len(texts)),
		}
	}
	return result.Embeddings, nil
}
