package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/ledger"
)

// AttendanceHandler handles attendance reporting and manual corrections.
type AttendanceHandler struct {
	ledger   *ledger.Ledger
	students database.RosterReader
	events   *capture.Broadcaster
	stats    *StatsHandler
}

// NewAttendanceHandler creates a new attendance handler. events and stats may be nil.
func NewAttendanceHandler(l *ledger.Ledger, students database.RosterReader, events *capture.Broadcaster, stats *StatsHandler) *AttendanceHandler {
	return &AttendanceHandler{ledger: l, students: students, events: events, stats: stats}
}

// AttendanceRecordResponse is one attendance row joined with the student's name.
type AttendanceRecordResponse struct {
	StudentID string        `json:"student_id"`
	Name      string        `json:"name"`
	Day       ledger.Day    `json:"day"`
	TimeIn    *time.Time    `json:"time_in"`
	TimeOut   *time.Time    `json:"time_out"`
	Status    ledger.Status `json:"status"`
}

// AttendanceListResponse lists the records of one day.
type AttendanceListResponse struct {
	Day     ledger.Day                 `json:"day"`
	Records []AttendanceRecordResponse `json:"records"`
}

// dayParam returns ?date= or today when it is absent.
func (h *AttendanceHandler) dayParam(r *http.Request) (ledger.Day, error) {
	s := strings.TrimSpace(r.URL.Query().Get("date"))
	if s == "" {
		return h.ledger.Today(), nil
	}
	return ledger.ParseDay(s)
}

func (h *AttendanceHandler) respondDay(w http.ResponseWriter, r *http.Request, day ledger.Day) {
	records, err := h.ledger.Records(r.Context(), day)
	if err != nil {
		log.Printf("attendance: list %s: %v", day, err)
		respondError(w, http.StatusServiceUnavailable, "attendance storage unavailable")
		return
	}

	ids := make([]string, len(records))
	for i := range records {
		ids[i] = records[i].IdentityID
	}
	nameByID := make(map[string]string, len(ids))
	if len(ids) > 0 {
		students, err := h.students.GetStudentsByIDs(r.Context(), ids)
		if err != nil {
			// Names are decoration; the records are still worth returning.
			log.Printf("attendance: load student names: %v", err)
		}
		for i := range students {
			nameByID[students[i].StudentID] = students[i].Name
		}
	}

	resp := AttendanceListResponse{Day: day, Records: make([]AttendanceRecordResponse, len(records))}
	for i, rec := range records {
		resp.Records[i] = AttendanceRecordResponse{
			StudentID: rec.IdentityID,
			Name:      nameByID[rec.IdentityID],
			Day:       rec.Day,
			TimeIn:    rec.TimeIn,
			TimeOut:   rec.TimeOut,
			Status:    rec.Status,
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// List returns the records of ?date=YYYY-MM-DD (default today)
func (h *AttendanceHandler) List(w http.ResponseWriter, r *http.Request) {
	day, err := h.dayParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	h.respondDay(w, r, day)
}

// Today returns today's records
func (h *AttendanceHandler) Today(w http.ResponseWriter, r *http.Request) {
	h.respondDay(w, r, h.ledger.Today())
}

type attendanceEventRequest struct {
	StudentID string     `json:"student_id"`
	EventTime *time.Time `json:"event_time"`
}

// EventResponse reports the ledger transition of a manual event.
type EventResponse struct {
	StudentID  string            `json:"student_id"`
	EventTime  time.Time         `json:"event_time"`
	Transition ledger.Transition `json:"transition"`
	Error      string            `json:"error,omitempty"`
}

// RecordEvent applies a manual recognition event (e.g. a teacher checking someone in)
func (h *AttendanceHandler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req attendanceEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	req.StudentID = strings.TrimSpace(req.StudentID)
	if req.StudentID == "" {
		respondError(w, http.StatusBadRequest, "student_id is required")
		return
	}
	eventTime := time.Now()
	if req.EventTime != nil {
		eventTime = *req.EventTime
	}

	student, err := h.students.GetStudent(r.Context(), req.StudentID)
	if err != nil {
		log.Printf("attendance: get student %s: %v", sanitizeForLog(req.StudentID), err)
		respondError(w, http.StatusInternalServerError, "failed to get student")
		return
	}
	if student == nil {
		respondError(w, http.StatusNotFound, "student not found")
		return
	}

	transition, err := h.ledger.RecordEvent(r.Context(), req.StudentID, eventTime)
	resp := EventResponse{StudentID: req.StudentID, EventTime: eventTime, Transition: transition}
	if err != nil {
		resp.Error = err.Error()
	}
	h.events.Send(capture.Notification{Type: capture.NotificationAttendance, Data: capture.Result{
		Event:      capture.Event{IdentityID: req.StudentID, EventTime: eventTime},
		Transition: transition,
		Error:      resp.Error,
	}})

	switch {
	case errors.Is(err, ledger.ErrInvalidEvent):
		respondJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.Is(err, ledger.ErrStorageUnavailable):
		log.Printf("attendance: record event for %s: %v", sanitizeForLog(req.StudentID), err)
		respondJSON(w, http.StatusServiceUnavailable, resp)
	case err != nil:
		respondJSON(w, http.StatusInternalServerError, resp)
	default:
		if h.stats != nil && transition != ledger.TransitionIgnored {
			h.stats.InvalidateCache()
		}
		respondJSON(w, http.StatusOK, resp)
	}
}

type closeDayRequest struct {
	Date string `json:"date"`
}

// CloseDay marks every student without a record on the day as Absent
func (h *AttendanceHandler) CloseDay(w http.ResponseWriter, r *http.Request) {
	// The body is optional.
	var req closeDayRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	day := h.ledger.Today()
	if req.Date != "" {
		d, err := ledger.ParseDay(req.Date)
		if err != nil {
			respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = d
	}
	if day > h.ledger.Today() {
		respondError(w, http.StatusBadRequest, "cannot close a future day")
		return
	}

	students, err := h.students.ListStudents(r.Context())
	if err != nil {
		log.Printf("attendance: list students: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to list students")
		return
	}
	ids := make([]string, len(students))
	for i := range students {
		ids[i] = students[i].StudentID
	}

	marked, err := h.ledger.MarkAbsent(r.Context(), day, ids)
	if err != nil {
		log.Printf("attendance: close day %s: %v (marked %d)", day, err, marked)
		respondError(w, http.StatusServiceUnavailable, "attendance storage unavailable")
		return
	}
	if h.stats != nil {
		h.stats.InvalidateCache()
	}

	log.Printf("attendance: closed %s, %d students marked absent", day, marked)
	respondJSON(w, http.StatusOK, map[string]any{"day": day, "marked_absent": marked})
}
