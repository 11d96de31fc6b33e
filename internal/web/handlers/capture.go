package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/roster"
)

// CaptureHandler switches the recognition loop on and off and streams its decisions.
type CaptureHandler struct {
	controller   *capture.Controller
	embedder     Embedder
	events       *capture.Broadcaster
	maxImageSize int
}

// NewCaptureHandler creates a new capture handler. embedder may be nil, which disables frame uploads.
func NewCaptureHandler(controller *capture.Controller, embedder Embedder, events *capture.Broadcaster, maxImageSize int) *CaptureHandler {
	return &CaptureHandler{
		controller:   controller,
		embedder:     embedder,
		events:       events,
		maxImageSize: maxImageSize,
	}
}

// Start begins a capture session
func (h *CaptureHandler) Start(w http.ResponseWriter, r *http.Request) {
	st, err := h.controller.Start()
	switch {
	case errors.Is(err, capture.ErrAlreadyRunning):
		respondJSON(w, http.StatusConflict, st)
	case err != nil:
		log.Printf("capture: start: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to start capture")
	default:
		respondJSON(w, http.StatusOK, st)
	}
}

// Stop ends the running capture session
func (h *CaptureHandler) Stop(w http.ResponseWriter, r *http.Request) {
	st, err := h.controller.Stop()
	if errors.Is(err, capture.ErrNotRunning) {
		respondJSON(w, http.StatusConflict, st)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// Status returns the current or last session
func (h *CaptureHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.controller.Status())
}

// FrameResponse acknowledges an uploaded frame.
type FrameResponse struct {
	Faces      int       `json:"faces"`
	ObservedAt time.Time `json:"observed_at"`
}

// Frame accepts a camera frame (multipart field "frame"), embeds it and queues it
// for the running push-source session.
func (h *CaptureHandler) Frame(w http.ResponseWriter, r *http.Request) {
	if h.embedder == nil {
		respondError(w, http.StatusServiceUnavailable, "embedding server not configured")
		return
	}
	if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	file, header, err := r.FormFile("frame")
	if err != nil {
		respondError(w, http.StatusBadRequest, "frame is required")
		return
	}
	defer file.Close()

	observedAt := time.Now()
	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read frame")
		return
	}
	if h.maxImageSize > 0 {
		if data, err = embedding.ResizeImage(data, h.maxImageSize); err != nil {
			respondError(w, http.StatusBadRequest, "frame is not a supported image")
			return
		}
	}

	resp, err := h.embedder.ComputeFaceEmbeddings(r.Context(), data)
	if err != nil {
		log.Printf("capture: embed frame: %v", err)
		respondError(w, http.StatusBadGateway, "embedding server failed")
		return
	}

	obs := capture.Observation{ObservedAt: observedAt, Source: filepath.Base(header.Filename)}
	for _, face := range resp.Faces {
		if len(face.Embedding) > 0 {
			obs.Embeddings = append(obs.Embeddings, roster.Embedding(face.Embedding))
		}
	}
	if len(obs.Embeddings) == 0 {
		respondJSON(w, http.StatusOK, FrameResponse{ObservedAt: observedAt})
		return
	}

	switch err := h.controller.Push(obs); {
	case errors.Is(err, capture.ErrNotRunning), errors.Is(err, capture.ErrNotPushable):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, capture.ErrSourceFull), errors.Is(err, capture.ErrSourceClosed):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, "failed to queue frame")
	default:
		respondJSON(w, http.StatusAccepted, FrameResponse{Faces: len(obs.Embeddings), ObservedAt: observedAt})
	}
}

// Events streams decisions, attendance transitions and session changes as SSE
func (h *CaptureHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r, h.events, h.controller.Status())
}
