package handlers

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/roster"
)

// statsCache holds cached stats with expiry
type statsCache struct {
	mu        sync.RWMutex
	data      *StatsResponse
	expiresAt time.Time
}

func (c *statsCache) get() (*StatsResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data == nil || time.Now().After(c.expiresAt) {
		return nil, false
	}
	return c.data, true
}

func (c *statsCache) set(data *StatsResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	c.expiresAt = time.Now().Add(constants.StatsCacheTTL)
}

func (c *statsCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = nil
}

// StatsHandler handles statistics endpoints
type StatsHandler struct {
	students  database.RosterReader
	ledger    *ledger.Ledger
	roster    *roster.Roster
	processor *capture.Processor
	cache     statsCache
}

// NewStatsHandler creates a new stats handler. processor may be nil.
func NewStatsHandler(students database.RosterReader, l *ledger.Ledger, r *roster.Roster, processor *capture.Processor) *StatsHandler {
	return &StatsHandler{
		students:  students,
		ledger:    l,
		roster:    r,
		processor: processor,
	}
}

// InvalidateCache clears the cached stats so the next request fetches fresh data
func (h *StatsHandler) InvalidateCache() {
	h.cache.invalidate()
}

// StatsResponse represents the statistics response
type StatsResponse struct {
	Day              ledger.Day `json:"day"`
	TotalStudents    int        `json:"total_students"`
	StudentsWithFace int        `json:"students_with_face"`
	RosterSize       int        `json:"roster_size"`

	Present  int `json:"present"`
	Late     int `json:"late"`
	Absent   int `json:"absent"`
	Departed int `json:"departed"`
	NotSeen  int `json:"not_seen"`

	Capture *capture.ProcessorStats `json:"capture,omitempty"`
}

// countStatuses tallies today's records.
func countStatuses(records []ledger.Record, stats *StatsResponse) {
	for _, rec := range records {
		switch rec.Status {
		case ledger.StatusPresent:
			stats.Present++
		case ledger.StatusLate:
			stats.Late++
		case ledger.StatusAbsent:
			stats.Absent++
		}
		if rec.TimeOut != nil {
			stats.Departed++
		}
	}
	stats.NotSeen = max(stats.TotalStudents-len(records), 0)
}

// Get returns today's attendance figures
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if cached, ok := h.cache.get(); ok {
		respondJSON(w, http.StatusOK, cached)
		return
	}

	ctx := r.Context()
	stats := &StatsResponse{Day: h.ledger.Today(), RosterSize: h.roster.Len()}

	total, err := h.students.Count(ctx)
	if err != nil {
		log.Printf("stats: count students: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to count students")
		return
	}
	stats.TotalStudents = total

	withFace, err := h.students.CountWithFace(ctx)
	if err != nil {
		log.Printf("stats: count students with face: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to count students")
		return
	}
	stats.StudentsWithFace = withFace

	records, err := h.ledger.Records(ctx, stats.Day)
	if err != nil {
		log.Printf("stats: list attendance: %v", err)
		respondError(w, http.StatusServiceUnavailable, "attendance storage unavailable")
		return
	}
	countStatuses(records, stats)

	if h.processor != nil {
		ps := h.processor.Stats()
		stats.Capture = &ps
	}

	h.cache.set(stats)
	respondJSON(w, http.StatusOK, stats)
}
