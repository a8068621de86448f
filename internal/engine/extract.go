package engine

import (
	"context"
	"fmt"
)

// ExtractRequest carries a transcript to the LLM extraction engine.
type ExtractRequest struct {
	UserID     string `json:"user_id"`
	Transcript string `json:"transcript"`
	Language   string `json:"language,omitempty"`
}

// ExtractResult is the list of candidate facts the engine pulled out of the
// transcript. An empty list is a valid result.
type ExtractResult struct {
	Facts []string `json:"facts"`
}

// ContradictionRequest asks the engine whether a candidate fact contradicts
// an existing memory.
type ContradictionRequest struct {
	Candidate string `json:"candidate"`
	Existing  string `json:"existing"`
}

// ContradictionResult is the engine's judgment with its confidence in [0,1].
type ContradictionResult struct {
	Contradiction bool    `json:"contradiction"`
	Confidence    float64 `json:"confidence"`
}

// Extractor turns transcripts into candidate facts and judges contradictions
// between facts.
type Extractor interface {
	ExtractMemories(ctx context.Context, req *ExtractRequest) (*ExtractResult, error)
	JudgeContradiction(ctx context.Context, req *ContradictionRequest) (*ContradictionResult, error)
}

// ExtractionClient calls the external LLM extraction engine over HTTP.
type ExtractionClient struct {
	*client
}

// NewExtractionClient creates an extraction engine client.
func NewExtractionClient(config Config) (*ExtractionClient, error) {
	c, err := newClient(config)
	if err != nil {
		return nil, fmt.Errorf("extraction client: %w", err)
	}
	return &ExtractionClient{client: c}, nil
}

// ExtractMemories returns the candidate facts found in the transcript.
func (c *ExtractionClient) ExtractMemories(ctx context.Context, req *ExtractRequest) (*ExtractResult, error) {
	var result ExtractResult
	if err := c.postJSON(ctx, "extract", "/v1/extract", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// JudgeContradiction asks the engine whether candidate and existing conflict.
func (c *ExtractionClient) JudgeContradiction(ctx context.Context, req *ContradictionRequest) (*ContradictionResult, error) {
	var result ContradictionResult
	if err := c.postJSON(ctx, "judge", "/v1/contradiction", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
