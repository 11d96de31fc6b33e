package handlers

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/roster"
)

// StudentsHandler handles student enrollment and the roster lifecycle.
type StudentsHandler struct {
	config   *config.Config
	students database.RosterWriter
	roster   *roster.Roster
	embedder Embedder
	stats    *StatsHandler
}

// NewStudentsHandler creates a new students handler. embedder and stats may be nil.
func NewStudentsHandler(cfg *config.Config, students database.RosterWriter, r *roster.Roster, embedder Embedder, stats *StatsHandler) *StudentsHandler {
	return &StudentsHandler{
		config:   cfg,
		students: students,
		roster:   r,
		embedder: embedder,
		stats:    stats,
	}
}

// StudentResponse represents a student in API responses
type StudentResponse struct {
	StudentID  string    `json:"student_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Department string    `json:"department,omitempty"`
	HasFace    bool      `json:"has_face"`
	CreatedAt  time.Time `json:"created_at"`
}

func studentToResponse(s *database.StoredStudent) StudentResponse {
	return StudentResponse{
		StudentID:  s.StudentID,
		Name:       s.Name,
		Email:      s.Email,
		Phone:      s.Phone,
		Department: s.Department,
		HasFace:    s.HasFace(),
		CreatedAt:  s.CreatedAt,
	}
}

// createStudentRequest is the JSON form of POST /students.
// The multipart form carries the same fields plus a "photo" file instead of an embedding.
type createStudentRequest struct {
	StudentID  string    `json:"student_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Phone      string    `json:"phone"`
	Department string    `json:"department"`
	Embedding  []float32 `json:"embedding"`
}

// CreateStudentResponse is returned after a successful enrollment.
type CreateStudentResponse struct {
	Student    StudentResponse `json:"student"`
	RosterSize int             `json:"roster_size"`
}

// DuplicateFaceResponse is returned when the enrolled face already belongs to someone else.
type DuplicateFaceResponse struct {
	Error     string  `json:"error"`
	StudentID string  `json:"student_id"`
	Name      string  `json:"name"`
	Distance  float64 `json:"distance"`
}

// List returns all students, or those whose name contains ?q=
func (h *StudentsHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		students []database.StoredStudent
		err      error
	)
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		students, err = h.students.SearchStudents(r.Context(), q)
	} else {
		students, err = h.students.ListStudents(r.Context())
	}
	if err != nil {
		log.Printf("students: list: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to list students")
		return
	}

	response := make([]StudentResponse, len(students))
	for i := range students {
		response[i] = studentToResponse(&students[i])
	}
	respondJSON(w, http.StatusOK, response)
}

// Get returns a single student
func (h *StudentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	student, err := h.students.GetStudent(r.Context(), id)
	if err != nil {
		log.Printf("students: get %s: %v", sanitizeForLog(id), err)
		respondError(w, http.StatusInternalServerError, "failed to get student")
		return
	}
	if student == nil {
		respondError(w, http.StatusNotFound, "student not found")
		return
	}
	respondJSON(w, http.StatusOK, studentToResponse(student))
}

// readCreateRequest parses either a JSON body or a multipart form with a photo.
// For multipart requests the photo is turned into an embedding by the embedding server.
func (h *StudentsHandler) readCreateRequest(w http.ResponseWriter, r *http.Request) (*createStudentRequest, int, error) {
	if !isMultipart(r) {
		var req createStudentRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return nil, http.StatusBadRequest, errors.New(errInvalidRequestBody)
		}
		return &req, 0, nil
	}

	if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
		return nil, http.StatusBadRequest, errors.New("failed to parse multipart form")
	}
	req := &createStudentRequest{
		StudentID:  r.FormValue("student_id"),
		Name:       r.FormValue("name"),
		Email:      r.FormValue("email"),
		Phone:      r.FormValue("phone"),
		Department: r.FormValue("department"),
	}

	file, _, err := r.FormFile("photo")
	if errors.Is(err, http.ErrMissingFile) {
		return req, 0, nil
	}
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("failed to read photo")
	}
	defer file.Close()

	if h.embedder == nil {
		return nil, http.StatusServiceUnavailable, errors.New("embedding server not configured")
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("failed to read photo")
	}
	data, err = embedding.ResizeImage(data, constants.MaxEnrollImageSize)
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("photo is not a supported image")
	}

	emb, err := h.embedder.ComputeSingleFace(r.Context(), data)
	if errors.Is(err, embedding.ErrNoFace) {
		return nil, http.StatusUnprocessableEntity, errors.New("no face detected in photo")
	}
	if err != nil {
		log.Printf("students: embed photo: %v", err)
		return nil, http.StatusBadGateway, errors.New("embedding server failed")
	}
	req.Embedding = emb
	return req, 0, nil
}

// duplicateOf returns the enrolled identity whose face is within DuplicateFaceDistance
// of emb, ignoring studentID itself.
func (h *StudentsHandler) duplicateOf(emb []float32, studentID string) (*roster.Candidate, error) {
	candidates, err := h.roster.Snapshot().Similar(roster.Embedding(emb), constants.DefaultSimilarLimit)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		c := &candidates[i]
		if c.Identity.ID == studentID {
			continue
		}
		if c.Distance < constants.DuplicateFaceDistance {
			return c, nil
		}
		break
	}
	return nil, nil
}

// Create enrolls a new student
func (h *StudentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, status, err := h.readCreateRequest(w, r)
	if err != nil {
		respondError(w, status, err.Error())
		return
	}

	req.StudentID = strings.TrimSpace(req.StudentID)
	req.Name = strings.TrimSpace(req.Name)
	if req.StudentID == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "student_id and name are required")
		return
	}

	if len(req.Embedding) > 0 {
		if dim := h.config.Embedding.Dim; dim > 0 && len(req.Embedding) != dim {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("embedding must have %d dimensions, got %d", dim, len(req.Embedding)))
			return
		}
		dup, err := h.duplicateOf(req.Embedding, req.StudentID)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if dup != nil {
			respondJSON(w, http.StatusConflict, DuplicateFaceResponse{
				Error:     "face already enrolled",
				StudentID: dup.Identity.ID,
				Name:      dup.Identity.DisplayName,
				Distance:  dup.Distance,
			})
			return
		}
	}

	student := &database.StoredStudent{
		StudentID:  req.StudentID,
		Name:       req.Name,
		Email:      strings.TrimSpace(req.Email),
		Phone:      strings.TrimSpace(req.Phone),
		Department: strings.TrimSpace(req.Department),
		Embedding:  req.Embedding,
		Dim:        len(req.Embedding),
	}
	if err := h.students.AddStudent(r.Context(), student); err != nil {
		if errors.Is(err, database.ErrStudentExists) {
			respondError(w, http.StatusConflict, "student already exists")
			return
		}
		log.Printf("students: add %s: %v", sanitizeForLog(req.StudentID), err)
		respondError(w, http.StatusInternalServerError, "failed to add student")
		return
	}

	log.Printf("students: enrolled %s (face: %v)", sanitizeForLog(student.StudentID), student.HasFace())
	respondJSON(w, http.StatusCreated, CreateStudentResponse{
		Student:    studentToResponse(student),
		RosterSize: h.reload(r),
	})
}

// Delete removes a student and their attendance history
func (h *StudentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := h.students.DeleteStudent(r.Context(), id)
	if err != nil {
		log.Printf("students: delete %s: %v", sanitizeForLog(id), err)
		respondError(w, http.StatusInternalServerError, "failed to delete student")
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "student not found")
		return
	}

	log.Printf("students: deleted %s", sanitizeForLog(id))
	respondJSON(w, http.StatusOK, map[string]any{
		"deleted":     id,
		"roster_size": h.reload(r),
	})
}

// reload refreshes the roster after a write. A failed reload keeps the previous
// roster active and is only logged; the write itself already succeeded.
func (h *StudentsHandler) reload(r *http.Request) int {
	if h.stats != nil {
		h.stats.InvalidateCache()
	}
	n, err := database.LoadRoster(r.Context(), h.students, h.roster)
	if err != nil {
		log.Printf("students: roster reload failed: %v", err)
		return h.roster.Len()
	}
	return n
}

// Reload rebuilds the active roster from the database
func (h *StudentsHandler) Reload(w http.ResponseWriter, r *http.Request) {
	n, err := database.LoadRoster(r.Context(), h.students, h.roster)
	if err != nil {
		log.Printf("students: roster reload failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to reload roster")
		return
	}
	if h.stats != nil {
		h.stats.InvalidateCache()
	}
	log.Printf("students: roster reloaded with %d identities", n)
	respondJSON(w, http.StatusOK, map[string]int{"roster_size": n})
}
