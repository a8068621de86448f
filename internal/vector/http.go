package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/model"
)

// Config contains the connection settings for the external vector store.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTPClient talks to the external vector store over a small JSON API.
type HTTPClient struct {
	config     Config
	httpClient *http.Client
}

// NewHTTPClient creates a vector store client.
func NewHTTPClient(config Config) (*HTTPClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &HTTPClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

type upsertRequest struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Embedding []float32 `json:"embedding"`
}

type searchRequest struct {
	UserID    string    `json:"user_id"`
	Embedding []float32 `json:"embedding"`
	TopK      int       `json:"top_k"`
}

type searchResponse struct {
	Matches []Match `json:"matches"`
}

type deleteRequest struct {
	ID string `json:"id"`
}

// Upsert writes or replaces one vector in the index.
func (c *HTTPClient) Upsert(ctx context.Context, id model.MemoryID, userID string, embedding []float32) error {
	return c.post(ctx, "/v1/vectors/upsert", &upsertRequest{
		ID:        string(id),
		UserID:    userID,
		Embedding: embedding,
	}, nil)
}

// Search returns the best matches among userID's vectors.
func (c *HTTPClient) Search(ctx context.Context, userID string, embedding []float32, topK int) ([]Match, error) {
	var resp searchResponse
	err := c.post(ctx, "/v1/vectors/search", &searchRequest{
		UserID:    userID,
		Embedding: embedding,
		TopK:      topK,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Matches, nil
}

// Delete removes one vector from the index.
func (c *HTTPClient) Delete(ctx context.Context, id model.MemoryID) error {
	return c.post(ctx, "/v1/vectors/delete", &deleteRequest{ID: string(id)}, nil)
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vector store request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vector store HTTP %d: %s", resp.StatusCode, body)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}
