package handlers

import (
	"log"
	"net/http"
	"sync"

	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/config"
)

// thresholdSetter is implemented by matchers with an adjustable acceptance threshold.
type thresholdSetter interface {
	Threshold() float64
	SetThreshold(threshold float64) error
}

// ConfigHandler handles configuration endpoints
type ConfigHandler struct {
	config    *config.Config
	processor *capture.Processor

	mu sync.Mutex // serializes recognition updates
}

// NewConfigHandler creates a new config handler. processor may be nil, in which
// case recognition settings are reported from cfg and cannot be changed.
func NewConfigHandler(cfg *config.Config, processor *capture.Processor) *ConfigHandler {
	return &ConfigHandler{
		config:    cfg,
		processor: processor,
	}
}

// ConfigResponse exposes the effective recognition and attendance settings.
// Secrets and connection strings are never included.
type ConfigResponse struct {
	Recognition RecognitionSettings `json:"recognition"`
	Attendance  AttendanceSettings  `json:"attendance"`
	Capture     CaptureSettings     `json:"capture"`

	EmbeddingDim       int  `json:"embedding_dim"`
	DatabaseConfigured bool `json:"database_configured"`
	AdminAuthEnabled   bool `json:"admin_auth_enabled"`
}

type RecognitionSettings struct {
	Threshold     float64 `json:"threshold"`
	MinConfidence float64 `json:"min_confidence"`
	Mode          string  `json:"mode"`
}

type AttendanceSettings struct {
	Timezone        string `json:"timezone"`
	LateAfter       string `json:"late_after,omitempty"`
	MinDepartureGap string `json:"min_departure_gap"`
	EventTimeout    string `json:"event_timeout"`
}

type CaptureSettings struct {
	Source       string `json:"source"`
	Workers      int    `json:"workers"`
	QueueSize    int    `json:"queue_size"`
	MaxImageSize int    `json:"max_image_size"`
}

// Get returns the effective configuration
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg := h.config

	source := "push"
	if cfg.Capture.FrameDir != "" {
		source = "directory"
	}

	response := ConfigResponse{
		Recognition: h.recognition(),
		Attendance: AttendanceSettings{
			Timezone:        cfg.Attendance.Timezone,
			LateAfter:       cfg.Attendance.LateAfter,
			MinDepartureGap: cfg.Attendance.MinDepartureGap.String(),
			EventTimeout:    cfg.Attendance.EventTimeout.String(),
		},
		Capture: CaptureSettings{
			Source:       source,
			Workers:      cfg.Capture.Workers,
			QueueSize:    cfg.Capture.QueueSize,
			MaxImageSize: cfg.Capture.MaxImageSize,
		},
		EmbeddingDim:       cfg.Embedding.Dim,
		DatabaseConfigured: cfg.Database.URL != "",
		AdminAuthEnabled:   cfg.Web.AdminToken != "",
	}

	respondJSON(w, http.StatusOK, response)
}

// recognition returns the live recognition settings.
func (h *ConfigHandler) recognition() RecognitionSettings {
	settings := RecognitionSettings{
		Threshold:     h.config.Recognition.Threshold,
		MinConfidence: h.config.Recognition.MinConfidence,
		Mode:          h.config.Recognition.Mode,
	}
	if h.processor == nil {
		return settings
	}
	settings.MinConfidence = h.processor.MinConfidence()
	if m, ok := h.processor.Matcher().(thresholdSetter); ok {
		settings.Threshold = m.Threshold()
	}
	return settings
}

type recognitionUpdateRequest struct {
	Threshold     *float64 `json:"threshold"`
	MinConfidence *float64 `json:"min_confidence"`
}

// UpdateRecognition changes the acceptance threshold and confidence gate at runtime.
// Both values are applied or neither is. Changes last until the server restarts.
func (h *ConfigHandler) UpdateRecognition(w http.ResponseWriter, r *http.Request) {
	if h.processor == nil {
		respondError(w, http.StatusServiceUnavailable, "recognition is not running")
		return
	}

	var req recognitionUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.Threshold == nil && req.MinConfidence == nil {
		respondError(w, http.StatusBadRequest, "threshold or min_confidence is required")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if req.Threshold != nil {
		m, ok := h.processor.Matcher().(thresholdSetter)
		if !ok {
			respondError(w, http.StatusConflict, "threshold cannot be changed in "+h.config.Recognition.Mode+" mode")
			return
		}
		previous := m.Threshold()
		if err := m.SetThreshold(*req.Threshold); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.MinConfidence != nil {
			if err := h.processor.SetMinConfidence(*req.MinConfidence); err != nil {
				_ = m.SetThreshold(previous)
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
	} else if err := h.processor.SetMinConfidence(*req.MinConfidence); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	settings := h.recognition()
	log.Printf("config: recognition threshold=%.3f min_confidence=%.3f", settings.Threshold, settings.MinConfidence)
	respondJSON(w, http.StatusOK, settings)
}
