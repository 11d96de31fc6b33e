package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mock"
	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/roster"
)

const testDim = 4

// testConfig creates a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Embedding:   config.EmbeddingConfig{Dim: testDim},
		Recognition: config.RecognitionConfig{Threshold: 0.6, MinConfidence: 0.5, Mode: config.ModeEuclidean},
		Attendance:  config.AttendanceConfig{Timezone: "UTC"},
	}
}

func unit(i int) []float32 {
	e := make([]float32, testDim)
	e[i] = 1
	return e
}

// testEnv wires mock stores into real roster, ledger and capture components.
type testEnv struct {
	students   *mock.MockRosterStore
	attendance *mock.MockAttendanceStore
	roster     *roster.Roster
	matcher    roster.Matcher
	ledger     *ledger.Ledger
	dispatcher *capture.Dispatcher
	processor  *capture.Processor
	events     *capture.Broadcaster
}

// newTestEnv creates an environment with Alice (S1) and Bob (S2) enrolled and
// Carol (S3) registered without a face.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		students:   mock.NewMockRosterStore(),
		attendance: mock.NewMockAttendanceStore(),
		roster:     roster.New(testDim),
		events:     capture.NewBroadcaster(),
	}
	env.students.AddStudents(
		database.StoredStudent{StudentID: "S1", Name: "Alice Nováková", Embedding: unit(0), Dim: testDim},
		database.StoredStudent{StudentID: "S2", Name: "Bob Svoboda", Embedding: unit(1), Dim: testDim},
		database.StoredStudent{StudentID: "S3", Name: "Carol Dvořák"},
	)
	if _, err := database.LoadRoster(context.Background(), env.students, env.roster); err != nil {
		t.Fatalf("LoadRoster failed: %v", err)
	}

	env.matcher = roster.NewEuclideanMatcher(env.roster, 0.6)
	env.ledger = ledger.New(env.attendance, ledger.Options{Location: time.UTC})
	env.dispatcher = capture.NewDispatcher(env.ledger, capture.DispatcherOptions{Workers: 2, QueueSize: 16})
	env.processor = capture.NewProcessor(env.matcher, env.dispatcher, 0.5, env.events)
	t.Cleanup(env.dispatcher.Close)
	return env
}

// fakeEmbedder stands in for the embedding server
type fakeEmbedder struct {
	faces     []embedding.FaceDetection
	err       error
	healthErr error
	calls     int
}

func (f *fakeEmbedder) ComputeFaceEmbeddings(ctx context.Context, imageData []byte) (*embedding.FaceResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &embedding.FaceResponse{FacesCount: len(f.faces), Faces: f.faces, Model: "test"}, nil
}

func (f *fakeEmbedder) ComputeSingleFace(ctx context.Context, imageData []byte) ([]float32, error) {
	resp, err := f.ComputeFaceEmbeddings(ctx, imageData)
	if err != nil {
		return nil, err
	}
	face, err := resp.Largest()
	if err != nil {
		return nil, err
	}
	return face.Embedding, nil
}

func (f *fakeEmbedder) Health(ctx context.Context) (*embedding.Health, error) {
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	return &embedding.Health{Status: "ok", Model: "test"}, nil
}

// testPNG returns a small valid PNG image
func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 16))); err != nil {
		t.Fatalf("failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

// multipartRequest builds a multipart request with form fields and an optional file
func multipartRequest(t *testing.T, method, path string, fields map[string]string, fileField string, fileData []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, "frame.png")
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		fw.Write(fileData)
	}
	mw.Close()

	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// jsonRequest builds a request with a JSON body
func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
