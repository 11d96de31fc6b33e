package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/roster"
)

// MatchHandler exposes the matcher and the recognition pipeline over HTTP.
type MatchHandler struct {
	matcher   roster.Matcher
	processor *capture.Processor
}

// NewMatchHandler creates a new match handler
func NewMatchHandler(matcher roster.Matcher, processor *capture.Processor) *MatchHandler {
	return &MatchHandler{matcher: matcher, processor: processor}
}

type matchRequest struct {
	Embedding []float32 `json:"embedding"`
}

// Match returns the identity decision for one embedding without touching the ledger
func (h *MatchHandler) Match(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(req.Embedding) == 0 {
		respondError(w, http.StatusBadRequest, "embedding is required")
		return
	}

	res, err := h.matcher.Match(roster.Embedding(req.Embedding))
	if errors.Is(err, roster.ErrDimensionMismatch) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "match failed")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type observationRequest struct {
	Embeddings [][]float32 `json:"embeddings"`
	ObservedAt *time.Time  `json:"observed_at"`
	Source     string      `json:"source"`
}

// ObservationResponse lists the decision for every face of the observation.
type ObservationResponse struct {
	Decisions []capture.Decision `json:"decisions"`
}

// Observe runs one observation through match, confidence gate and dispatch.
// Accepted decisions reach the ledger asynchronously.
func (h *MatchHandler) Observe(w http.ResponseWriter, r *http.Request) {
	var req observationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(req.Embeddings) == 0 {
		respondError(w, http.StatusBadRequest, "embeddings are required")
		return
	}
	if len(req.Embeddings) > constants.MaxObservationEmbeddings {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("at most %d embeddings per observation", constants.MaxObservationEmbeddings))
		return
	}

	obs := capture.Observation{Source: req.Source}
	if req.ObservedAt != nil {
		obs.ObservedAt = *req.ObservedAt
	}
	for _, emb := range req.Embeddings {
		obs.Embeddings = append(obs.Embeddings, roster.Embedding(emb))
	}

	respondJSON(w, http.StatusOK, ObservationResponse{Decisions: h.processor.Process(obs)})
}
