package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestCohereEmbedReturnsEmbeddingsInResponseOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cohereRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.InputType != "search_document" {
			t.Errorf("input_type = %q, want search_document", req.InputType)
		}
		_ = json.NewEncoder(w).Encode(cohereResponse{Embeddings: [][]float32{{1, 2}, {3, 4}}})
	}))
	defer srv.Close()

	c := NewCohere(srv.URL, "key", "embed-english-v3.0", "search_document", 2, 96)
	out, err := c.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(out, [][]float32{{1, 2}, {3, 4}}) {
		t.Errorf("out = %v", out)
	}
}

func TestVoyageEmbedReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := voyageResponse{}
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float32{9}, Index: 1})
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float32{8}, Index: 0})
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	v := NewVoyage(srv.URL, "key", "voyage-2", 1, 128)
	out, err := v.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(out, [][]float32{{8}, {9}}) {
		t.Errorf("out = %v, want [[8] [9]]", out)
	}
}

func TestOllamaEmbedSendsNoAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("Ollama should never send an Authorization header, got %q", auth)
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{Embeddings: [][]float32{{1}}})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "nomic-embed-text", 1, 64)
	out, err := o.Embed(context.Background(), []string{"a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(out, [][]float32{{1}}) {
		t.Errorf("out = %v", out)
	}
}

func TestSentenceTransformersEmbedBareArrayResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sentenceTransformersRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Inputs) != 2 {
			t.Errorf("len(Inputs) = %d, want 2", len(req.Inputs))
		}
		_ = json.NewEncoder(w).Encode([][]float32{{1, 2}, {3, 4}})
	}))
	defer srv.Close()

	s := NewSentenceTransformers(srv.URL, 2, 64)
	out, err := s.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(out, [][]float32{{1, 2}, {3, 4}}) {
		t.Errorf("out = %v", out)
	}
}

func TestProvidersReportRetryableOn503(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	providers := []Provider{
		NewCohere(srv.URL, "key", "model", "search_document", 8, 8),
		NewVoyage(srv.URL, "key", "model", 8, 8),
		NewOllama(srv.URL, "model", 8, 8),
		NewSentenceTransformers(srv.URL, 8, 8),
	}
	for _, p := range providers {
		_, err := p.Embed(context.Background(), []string{"a"})
		if err == nil {
			t.Fatalf("%T: expected an error from a 503 response", p)
		}
		if !p.Retryable(err) {
			t.Errorf("%T: expected a 503 to be retryable", p)
		}
	}
}
