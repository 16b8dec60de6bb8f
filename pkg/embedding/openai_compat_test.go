package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestOpenAICompatEmbedReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization header = %q", got)
		}
		var req openAIRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := openAIResponse{}
		// respond out of order to prove the client re-sorts by Index.
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float32{2}, Index: 1})
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float32{1}, Index: 0})
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewOpenAICompat(srv.URL, "test-key", "text-embedding-3-small", 1, 8)
	out, err := p.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(out, [][]float32{{1}, {2}}) {
		t.Errorf("out = %v, want [[1] [2]]", out)
	}
}

func TestOpenAICompatWithAuthHeaderOverride(t *testing.T) {
	var gotHeader, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = "x-portkey-api-key"
		gotAuth = r.Header.Get("x-portkey-api-key")
		_ = json.NewEncoder(w).Encode(openAIResponse{})
	}))
	defer srv.Close()

	p := NewOpenAICompat(srv.URL, "portkey-key", "default", 1536, 2048, WithAuthHeader("x-portkey-api-key"))
	if _, err := p.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "portkey-key" {
		t.Errorf("header %s = %q, want portkey-key", gotHeader, gotAuth)
	}
}

func TestOpenAICompatRetryableOn429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	p := NewOpenAICompat(srv.URL, "key", "model", 8, 8)
	_, err := p.Embed(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("expected an error from a 429 response")
	}
	if !p.Retryable(err) {
		t.Errorf("expected a 429 to be retryable")
	}
}

func TestOpenAICompatNotRetryableOn400(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}))
	defer srv.Close()

	p := NewOpenAICompat(srv.URL, "key", "model", 8, 8)
	_, err := p.Embed(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("expected an error from a 400 response")
	}
	if p.Retryable(err) {
		t.Errorf("expected a 400 to be non-retryable")
	}
}

func TestOpenAICompatOutOfRangeIndexFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openAIResponse{}
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float32{1}, Index: 5})
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewOpenAICompat(srv.URL, "key", "model", 1, 8)
	if _, err := p.Embed(context.Background(), []string{"a"}); err == nil {
		t.Fatal("expected an error for an out-of-range response index")
	}
}
