package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kmalinin/docchat-core/internal/core/domain"
)

// Counter asks the model server for the exact token count of a text.
// Failures carry domain.ErrTokenCounting; the context manager silently
// degrades to a character heuristic.
type Counter struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewCounter(baseURL, model string) *Counter {
	return &Counter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Counter) CountTokens(ctx context.Context, text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	reqBody := map[string]any{
		"model":  c.model,
		"prompt": text,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return 0, domain.WrapError(domain.ErrTokenCounting, "count tokens", fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tokenize", bytes.NewReader(body))
	if err != nil {
		return 0, domain.WrapError(domain.ErrTokenCounting, "count tokens", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, domain.WrapError(domain.ErrTokenCounting, "count tokens", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := strings.TrimSpace(string(respBody))
		if msg == "" {
			msg = resp.Status
		}
		return 0, domain.WrapError(domain.ErrTokenCounting, "count tokens", fmt.Errorf("tokenize status: %s", msg))
	}

	var response struct {
		Tokens []int `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, domain.WrapError(domain.ErrTokenCounting, "count tokens", fmt.Errorf("decode response: %w", err))
	}
	return len(response.Tokens), nil
}
