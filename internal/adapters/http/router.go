package httpadapter

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kmalinin/docchat-core/internal/core/domain"
	"github.com/kmalinin/docchat-core/internal/core/ports"
	"github.com/kmalinin/docchat-core/internal/observability/metrics"
)

type Router struct {
	retriever ports.Retriever
	contexts  ports.ContextManager
	metrics   *metrics.RetrievalMetrics

	rateLimitRPS     float64
	rateLimitBurst   int
	diversifyDefault bool
}

type RouterOptions struct {
	RateLimitRPS     float64
	RateLimitBurst   int
	DiversifyDefault bool
}

func NewRouter(
	retriever ports.Retriever,
	contexts ports.ContextManager,
	retrievalMetrics *metrics.RetrievalMetrics,
	options RouterOptions,
) *Router {
	return &Router{
		retriever:        retriever,
		contexts:         contexts,
		metrics:          retrievalMetrics,
		rateLimitRPS:     options.RateLimitRPS,
		rateLimitBurst:   options.RateLimitBurst,
		diversifyDefault: options.DiversifyDefault,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/retrieval/query", rt.retrieve)
	mux.HandleFunc("/v1/sessions/", rt.sessions)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = rateLimitMiddleware(handler, rt.rateLimitRPS, rt.rateLimitBurst)
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) retrieve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		Query              string  `json:"query"`
		MatchCount         int     `json:"match_count"`
		MatchThreshold     float64 `json:"match_threshold"`
		Diversify          *bool   `json:"diversify"`
		OverRetrieveFactor int     `json:"over_retrieve_factor"`
		MaxPerDocument     int     `json:"max_per_document"`
		PreserveTopN       int     `json:"preserve_top_n"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	diversify := rt.diversifyDefault
	if req.Diversify != nil {
		diversify = *req.Diversify
	}

	result, err := rt.retriever.Retrieve(r.Context(), req.Query, domain.RetrievalOptions{
		MatchCount:         req.MatchCount,
		MatchThreshold:     req.MatchThreshold,
		Diversify:          diversify,
		OverRetrieveFactor: req.OverRetrieveFactor,
		MaxPerDocument:     req.MaxPerDocument,
		PreserveTopN:       req.PreserveTopN,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if rt.metrics != nil {
		rt.metrics.ObserveRetrieval(result.Diagnostics)
	}
	writeJSON(w, http.StatusOK, result)
}

// sessions routes /v1/sessions/{id}/context, /v1/sessions/{id}/turns and
// /v1/sessions/{id}.
func (rt *Router) sessions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	sessionID, action, _ := strings.Cut(rest, "/")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session id is required"})
		return
	}

	switch {
	case action == "context" && r.Method == http.MethodGet:
		rt.getContext(w, r, sessionID)
	case action == "turns" && r.Method == http.MethodPost:
		rt.addTurn(w, r, sessionID)
	case action == "" && r.Method == http.MethodDelete:
		rt.clearSession(w, r, sessionID)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (rt *Router) getContext(w http.ResponseWriter, r *http.Request, sessionID string) {
	window, err := rt.contexts.ContextWindow(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "prompt" {
		includeRefs := r.URL.Query().Get("refs") == "true"
		writeJSON(w, http.StatusOK, map[string]string{
			"prompt": rt.contexts.FormatForPrompt(window, includeRefs),
		})
		return
	}
	writeJSON(w, http.StatusOK, window)
}

func (rt *Router) addTurn(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req struct {
		UserText      string   `json:"user_text"`
		AssistantText string   `json:"assistant_text"`
		PassageIDs    []string `json:"passage_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	if err := rt.contexts.AddTurn(r.Context(), sessionID, req.UserText, req.AssistantText, req.PassageIDs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (rt *Router) clearSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := rt.contexts.ClearSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case domain.IsKind(err, domain.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
