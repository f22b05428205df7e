package crossenc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kmalinin/docchat-core/internal/core/domain"
	"github.com/kmalinin/docchat-core/internal/infrastructure/resilience"
)

const defaultCacheSize = 4096

// Client talks to a cross-encoder rerank sidecar. The model is loaded once
// on first use; the load mutex is held across the load so concurrent first
// requests trigger exactly one cold start. Every failure is reported as
// domain.ErrScoringUnavailable so callers can fall back.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
	cache      *lru.Cache[string, float64]

	loadMu sync.Mutex
	loaded bool
}

type Options struct {
	Timeout            time.Duration
	CacheSize          int
	ResilienceExecutor *resilience.Executor
}

func New(baseURL, model string) *Client {
	return NewWithOptions(baseURL, model, Options{})
}

func NewWithOptions(baseURL, model string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cacheSize := options.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, _ := lru.New[string, float64](cacheSize)

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
		cache:      cache,
	}
}

// Score returns one relevance score per passage, parallel to the input.
// All uncached pairs go out in a single batched request; the per-call fixed
// overhead dominates at small batch sizes.
func (c *Client) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	if err := c.ensureModel(ctx); err != nil {
		return nil, domain.WrapError(domain.ErrScoringUnavailable, "score", err)
	}

	scores := make([]float64, len(passages))
	missing := make([]int, 0, len(passages))
	for i, passage := range passages {
		if cached, ok := c.cache.Get(pairKey(query, passage)); ok {
			scores[i] = cached
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return scores, nil
	}

	texts := make([]string, len(missing))
	for i, idx := range missing {
		texts[i] = passages[idx]
	}

	fresh, err := c.rerank(ctx, query, texts)
	if err != nil {
		return nil, domain.WrapError(domain.ErrScoringUnavailable, "score", err)
	}
	if len(fresh) != len(missing) {
		return nil, domain.WrapError(domain.ErrScoringUnavailable, "score",
			fmt.Errorf("service returned %d scores for %d passages", len(fresh), len(missing)))
	}

	for i, idx := range missing {
		scores[idx] = fresh[i]
		c.cache.Add(pairKey(query, passages[idx]), fresh[i])
	}
	return scores, nil
}

func (c *Client) rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	reqBody := map[string]any{
		"model":    c.model,
		"query":    query,
		"passages": texts,
	}

	var response struct {
		Scores []float64 `json:"scores"`
	}
	call := func(callCtx context.Context) error {
		return c.postJSON(callCtx, "/v1/rerank", reqBody, &response, "rerank")
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "crossenc.rerank", call, classifyScorerError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	return response.Scores, nil
}

// ensureModel performs the one-time blocking model load. Holding the lock
// across the request keeps concurrent cold starts down to one load; a failed
// load stays retryable.
func (c *Client) ensureModel(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loaded {
		return nil
	}

	reqBody := map[string]any{"model": c.model}
	if err := c.postJSON(ctx, "/v1/models/load", reqBody, &struct{}{}, "load model"); err != nil {
		return err
	}
	c.loaded = true
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crossenc %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &HTTPStatusError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func pairKey(query, passage string) string {
	sum := sha256.Sum256([]byte(query + "\x00" + passage))
	return hex.EncodeToString(sum[:])
}
