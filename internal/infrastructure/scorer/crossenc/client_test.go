package crossenc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kmalinin/docchat-core/internal/core/domain"
)

type sidecar struct {
	loadCalls   atomic.Int32
	rerankCalls atomic.Int32
	loadStatus  int

	mu          sync.Mutex
	lastRequest struct {
		Model    string   `json:"model"`
		Query    string   `json:"query"`
		Passages []string `json:"passages"`
	}
}

func (s *sidecar) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models/load", func(w http.ResponseWriter, r *http.Request) {
		s.loadCalls.Add(1)
		if s.loadStatus != 0 {
			w.WriteHeader(s.loadStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "loaded"})
	})
	mux.HandleFunc("/v1/rerank", func(w http.ResponseWriter, r *http.Request) {
		s.rerankCalls.Add(1)
		s.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&s.lastRequest)
		n := len(s.lastRequest.Passages)
		s.mu.Unlock()

		scores := make([]float64, n)
		for i := range scores {
			scores[i] = 0.5 + float64(i)*0.1
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"scores": scores})
	})
	return mux
}

func TestScoreBatchesAllPassagesInOneRequest(t *testing.T) {
	srv := &sidecar{}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	client := New(server.URL, "bge-reranker-base")
	scores, err := client.Score(context.Background(), "query", []string{"one", "two", "three"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scores) != 3 {
		t.Fatalf("expected 3 scores, got %d", len(scores))
	}
	if srv.rerankCalls.Load() != 1 {
		t.Errorf("expected 1 batched rerank request, got %d", srv.rerankCalls.Load())
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.lastRequest.Model != "bge-reranker-base" || srv.lastRequest.Query != "query" {
		t.Errorf("unexpected rerank request: %+v", srv.lastRequest)
	}
}

func TestScoreLoadsModelOnce(t *testing.T) {
	srv := &sidecar{}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	client := New(server.URL, "bge-reranker-base")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Score(context.Background(), "query", []string{"one"})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if srv.loadCalls.Load() != 1 {
		t.Errorf("expected exactly 1 model load, got %d", srv.loadCalls.Load())
	}
}

func TestScoreFailedLoadStaysRetryable(t *testing.T) {
	srv := &sidecar{loadStatus: http.StatusServiceUnavailable}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	client := New(server.URL, "bge-reranker-base")

	_, err := client.Score(context.Background(), "query", []string{"one"})
	if !domain.IsKind(err, domain.ErrScoringUnavailable) {
		t.Fatalf("expected scoring unavailable, got %v", err)
	}

	srv.loadStatus = 0
	if _, err := client.Score(context.Background(), "query", []string{"one"}); err != nil {
		t.Fatalf("expected load retry to succeed, got %v", err)
	}
	if srv.loadCalls.Load() != 2 {
		t.Errorf("expected 2 load attempts, got %d", srv.loadCalls.Load())
	}
}

func TestScoreServesRepeatedPairsFromCache(t *testing.T) {
	srv := &sidecar{}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	client := New(server.URL, "bge-reranker-base")

	first, err := client.Score(context.Background(), "query", []string{"one", "two"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := client.Score(context.Background(), "query", []string{"one", "two"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if srv.rerankCalls.Load() != 1 {
		t.Errorf("expected cached second call, got %d rerank requests", srv.rerankCalls.Load())
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("score %d: cache returned %f, fresh was %f", i, second[i], first[i])
		}
	}
}

func TestScoreSidecarDownIsScoringUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	client := New(server.URL, "bge-reranker-base")
	_, err := client.Score(context.Background(), "query", []string{"one"})
	if !domain.IsKind(err, domain.ErrScoringUnavailable) {
		t.Fatalf("expected scoring unavailable, got %v", err)
	}
}

func TestScoreEmptyPassages(t *testing.T) {
	srv := &sidecar{}
	server := httptest.NewServer(srv.handler())
	defer server.Close()

	client := New(server.URL, "bge-reranker-base")
	scores, err := client.Score(context.Background(), "query", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scores != nil {
		t.Errorf("expected nil scores for empty input, got %v", scores)
	}
	if srv.loadCalls.Load() != 0 {
		t.Errorf("empty input must not touch the sidecar, got %d load calls", srv.loadCalls.Load())
	}
}
