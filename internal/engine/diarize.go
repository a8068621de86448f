package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/skypro1111/convo-memory-service/internal/model"
)

// DiarizeRequest carries a conversation's audio and its transcript segments
// to the speaker labeling engine.
type DiarizeRequest struct {
	ConversationID model.ConversationID
	WAV            []byte
	SampleRate     int
	Segments       []model.SpeakerSegment
}

// DiarizeResult is the speaker-labeled segmentation of one conversation.
type DiarizeResult struct {
	Segments []model.SpeakerSegment `json:"segments"`
}

// Diarizer assigns speaker labels to transcript segments.
type Diarizer interface {
	Diarize(ctx context.Context, req *DiarizeRequest) (*DiarizeResult, error)
}

// DiarizationClient calls the external diarization engine over HTTP.
type DiarizationClient struct {
	*client
}

// NewDiarizationClient creates a diarization engine client.
func NewDiarizationClient(config Config) (*DiarizationClient, error) {
	c, err := newClient(config)
	if err != nil {
		return nil, fmt.Errorf("diarization client: %w", err)
	}
	return &DiarizationClient{client: c}, nil
}

// Diarize uploads the WAV plus the current segment texts and returns the
// segments with speaker labels attached.
func (c *DiarizationClient) Diarize(ctx context.Context, req *DiarizeRequest) (*DiarizeResult, error) {
	segmentsJSON, err := marshalSegments(req.Segments)
	if err != nil {
		return nil, &Error{Op: "diarize", Transient: false, Err: err}
	}

	body, contentType, err := buildAudioForm(req.WAV, map[string]string{
		"conversation_id": string(req.ConversationID),
		"sample_rate":     fmt.Sprintf("%d", req.SampleRate),
		"segments":        segmentsJSON,
	})
	if err != nil {
		return nil, &Error{Op: "diarize", Transient: false, Err: err}
	}

	var result DiarizeResult
	if err := c.post(ctx, "diarize", "/v1/diarize", contentType, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func marshalSegments(segments []model.SpeakerSegment) (string, error) {
	if len(segments) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(segments)
	if err != nil {
		return "", fmt.Errorf("marshal segments: %w", err)
	}
	return string(data), nil
}
