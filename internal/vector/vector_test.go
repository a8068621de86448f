package vector

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInMemorySearchOrdering(t *testing.T) {
	idx := NewInMemory()
	ctx := context.Background()

	idx.Upsert(ctx, "m1", "user-1", []float32{1, 0, 0})
	idx.Upsert(ctx, "m2", "user-1", []float32{0.9, 0.1, 0})
	idx.Upsert(ctx, "m3", "user-1", []float32{0, 1, 0})
	idx.Upsert(ctx, "other", "user-2", []float32{1, 0, 0})

	matches, err := idx.Search(ctx, "user-1", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].ID != "m1" || matches[1].ID != "m2" {
		t.Errorf("unexpected ordering: %+v", matches)
	}
	if matches[0].Score < 0.999 {
		t.Errorf("identical vector should score ~1, got %f", matches[0].Score)
	}
	for _, m := range matches {
		if m.ID == "other" {
			t.Error("search crossed user boundary")
		}
	}
}

func TestInMemoryDelete(t *testing.T) {
	idx := NewInMemory()
	ctx := context.Background()

	idx.Upsert(ctx, "m1", "user-1", []float32{1, 0})
	if err := idx.Delete(ctx, "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := idx.Delete(ctx, "m1"); err != nil {
		t.Errorf("double delete should be a no-op: %v", err)
	}

	matches, _ := idx.Search(ctx, "user-1", []float32{1, 0}, 10)
	if len(matches) != 0 {
		t.Errorf("deleted vector still searchable: %+v", matches)
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("expected %f, got %f", tt.want, got)
			}
		})
	}
}

func TestHTTPClientRoundTrip(t *testing.T) {
	idx := NewInMemory()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/vectors/upsert":
			var req upsertRequest
			json.NewDecoder(r.Body).Decode(&req)
			idx.Upsert(r.Context(), "m1", req.UserID, req.Embedding)
			w.WriteHeader(http.StatusOK)
		case "/v1/vectors/search":
			var req searchRequest
			json.NewDecoder(r.Body).Decode(&req)
			matches, _ := idx.Search(r.Context(), req.UserID, req.Embedding, req.TopK)
			json.NewEncoder(w).Encode(searchResponse{Matches: matches})
		case "/v1/vectors/delete":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Config{Endpoint: srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx := context.Background()
	if err := client.Upsert(ctx, "m1", "user-1", []float32{1, 0}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	matches, err := client.Search(ctx, "user-1", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "m1" {
		t.Errorf("unexpected matches %+v", matches)
	}

	if err := client.Delete(ctx, "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestHTTPClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, _ := NewHTTPClient(Config{Endpoint: srv.URL})
	if err := client.Upsert(context.Background(), "m1", "u", []float32{1}); err == nil {
		t.Error("expected error on 503")
	}
}
