package engine

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"

	"github.com/skypro1111/convo-memory-service/internal/model"
)

// TranscribeRequest carries one conversation's audio to the transcription
// engine.
type TranscribeRequest struct {
	ConversationID model.ConversationID
	WAV            []byte
	SampleRate     int
	Language       string
}

// TranscribeResult is the engine's transcription of one conversation.
type TranscribeResult struct {
	Text     string                  `json:"text"`
	Language string                  `json:"language,omitempty"`
	Segments []model.SpeakerSegment  `json:"segments,omitempty"`
}

// Transcriber converts a WAV artifact into a transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResult, error)
}

// TranscriptionClient calls the external transcription engine over HTTP.
type TranscriptionClient struct {
	*client
}

// NewTranscriptionClient creates a transcription engine client.
func NewTranscriptionClient(config Config) (*TranscriptionClient, error) {
	c, err := newClient(config)
	if err != nil {
		return nil, fmt.Errorf("transcription client: %w", err)
	}
	return &TranscriptionClient{client: c}, nil
}

// Transcribe uploads the WAV as multipart form data together with the
// conversation metadata and returns the transcript.
func (c *TranscriptionClient) Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResult, error) {
	body, contentType, err := buildAudioForm(req.WAV, map[string]string{
		"conversation_id": string(req.ConversationID),
		"sample_rate":     fmt.Sprintf("%d", req.SampleRate),
		"language":        req.Language,
	})
	if err != nil {
		return nil, &Error{Op: "transcribe", Transient: false, Err: err}
	}

	var result TranscribeResult
	if err := c.post(ctx, "transcribe", "/v1/transcribe", contentType, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// buildAudioForm packs a WAV payload and string fields into a
// multipart/form-data body.
func buildAudioForm(wav []byte, fields map[string]string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fileWriter.Write(wav); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}

	for key, value := range fields {
		if value == "" {
			continue
		}
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}
