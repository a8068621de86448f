// Stub engine for local end-to-end runs: serves canned transcription,
// diarization, extraction, embedding and vector store responses so the
// service can be exercised without the real engines.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/model"
	"github.com/skypro1111/convo-memory-service/internal/vector"
)

const embeddingDim = 8

type stub struct {
	index *vector.InMemory
}

func main() {
	port := flag.Int("port", 9000, "Port to listen on")
	flag.Parse()

	s := &stub{index: vector.NewInMemory()}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transcribe", s.handleTranscribe)
	mux.HandleFunc("POST /v1/diarize", s.handleDiarize)
	mux.HandleFunc("POST /v1/extract", s.handleExtract)
	mux.HandleFunc("POST /v1/contradiction", s.handleContradiction)
	mux.HandleFunc("POST /v1/embed", s.handleEmbed)
	mux.HandleFunc("POST /v1/vectors/upsert", s.handleVectorUpsert)
	mux.HandleFunc("POST /v1/vectors/search", s.handleVectorSearch)
	mux.HandleFunc("POST /v1/vectors/delete", s.handleVectorDelete)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Stub engine starting on %s", addr)
	log.Printf("Point every engine endpoint and the vector store at http://localhost%s", addr)

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}

func (s *stub) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "error parsing form", http.StatusBadRequest)
		return
	}

	conversationID := r.FormValue("conversation_id")
	language := r.FormValue("language")

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "error reading audio file", http.StatusInternalServerError)
		return
	}

	log.Printf("transcribe: conversation=%s language=%s file=%s size=%d",
		conversationID, language, header.Filename, len(audioData))

	// a short fake delay keeps the pipeline timing realistic
	time.Sleep(200 * time.Millisecond)

	if language == "" {
		language = "en"
	}
	writeJSON(w, map[string]any{
		"text":     "we agreed to meet for coffee next tuesday at ten",
		"language": language,
		"segments": []model.SpeakerSegment{
			{Start: 0, End: 2.5, Text: "we agreed to meet for coffee"},
			{Start: 2.5, End: 4.0, Text: "next tuesday at ten"},
		},
	})
}

func (s *stub) handleDiarize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "error parsing form", http.StatusBadRequest)
		return
	}

	var segments []model.SpeakerSegment
	if raw := r.FormValue("segments"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &segments); err != nil {
			http.Error(w, "invalid segments", http.StatusBadRequest)
			return
		}
	}

	log.Printf("diarize: conversation=%s segments=%d", r.FormValue("conversation_id"), len(segments))

	// alternate two speakers across the incoming segments
	for i := range segments {
		segments[i].Speaker = fmt.Sprintf("speaker_%d", i%2)
	}
	writeJSON(w, map[string]any{"segments": segments})
}

func (s *stub) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"user_id"`
		Transcript string `json:"transcript"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	log.Printf("extract: user=%s transcript_len=%d", req.UserID, len(req.Transcript))

	facts := []string{}
	if req.Transcript != "" {
		facts = append(facts, "has a coffee meeting on tuesday at ten")
	}
	writeJSON(w, map[string]any{"facts": facts})
}

func (s *stub) handleContradiction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Candidate string `json:"candidate"`
		Existing  string `json:"existing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	log.Printf("contradiction: candidate=%q existing=%q", req.Candidate, req.Existing)

	writeJSON(w, map[string]any{"contradiction": false, "confidence": 0.1})
}

func (s *stub) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Texts []string `json:"texts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	log.Printf("embed: %d texts", len(req.Texts))

	embeddings := make([][]float32, len(req.Texts))
	for i, text := range req.Texts {
		embeddings[i] = fakeEmbedding(text)
	}
	writeJSON(w, map[string]any{"embeddings": embeddings})
}

// fakeEmbedding derives a deterministic unit vector from the text so equal
// texts land on the same point and different texts spread out.
func fakeEmbedding(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, embeddingDim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed>>11)) / float64(1<<52)
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func (s *stub) handleVectorUpsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID        string    `json:"id"`
		UserID    string    `json:"user_id"`
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.index.Upsert(context.Background(), model.MemoryID(req.ID), req.UserID, req.Embedding); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Printf("vector upsert: id=%s user=%s dim=%d", req.ID, req.UserID, len(req.Embedding))
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *stub) handleVectorSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string    `json:"user_id"`
		Embedding []float32 `json:"embedding"`
		TopK      int       `json:"top_k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	matches, err := s.index.Search(context.Background(), req.UserID, req.Embedding, req.TopK)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Printf("vector search: user=%s top_k=%d matches=%d", req.UserID, req.TopK, len(matches))
	writeJSON(w, map[string]any{"matches": matches})
}

func (s *stub) handleVectorDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.index.Delete(context.Background(), model.MemoryID(req.ID)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Printf("vector delete: id=%s", req.ID)
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
