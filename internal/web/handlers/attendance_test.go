package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/ledger"
)

func TestAttendanceHandler_List(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	arrival := time.Date(2024, 3, 4, 8, 5, 0, 0, time.UTC)
	if _, err := env.ledger.RecordEvent(ctx, "S2", arrival); err != nil {
		t.Fatal(err)
	}
	if _, err := env.ledger.RecordEvent(ctx, "S2", arrival.Add(8*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.ledger.MarkAbsent(ctx, "2024-03-04", []string{"S3"}); err != nil {
		t.Fatal(err)
	}

	handler := NewAttendanceHandler(env.ledger, env.students, nil, nil)
	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest("GET", "/api/v1/attendance?date=2024-03-04", nil))

	assertStatusCode(t, recorder, http.StatusOK)

	var result AttendanceListResponse
	parseJSONResponse(t, recorder, &result)
	if result.Day != "2024-03-04" || len(result.Records) != 2 {
		t.Fatalf("unexpected response: %+v", result)
	}

	byID := map[string]AttendanceRecordResponse{}
	for _, rec := range result.Records {
		byID[rec.StudentID] = rec
	}
	bob := byID["S2"]
	if bob.Name != "Bob Svoboda" || bob.Status != ledger.StatusPresent || bob.TimeIn == nil || bob.TimeOut == nil {
		t.Errorf("unexpected record for Bob: %+v", bob)
	}
	carol := byID["S3"]
	if carol.Status != ledger.StatusAbsent || carol.TimeIn != nil {
		t.Errorf("unexpected record for Carol: %+v", carol)
	}
}

func TestAttendanceHandler_List_InvalidDate(t *testing.T) {
	env := newTestEnv(t)
	handler := NewAttendanceHandler(env.ledger, env.students, nil, nil)

	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest("GET", "/api/v1/attendance?date=04.03.2024", nil))

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "date must be YYYY-MM-DD")
}

func TestAttendanceHandler_Today(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ledger.RecordEvent(context.Background(), "S1", time.Now()); err != nil {
		t.Fatal(err)
	}
	handler := NewAttendanceHandler(env.ledger, env.students, nil, nil)

	recorder := httptest.NewRecorder()
	handler.Today(recorder, httptest.NewRequest("GET", "/api/v1/attendance/today", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var result AttendanceListResponse
	parseJSONResponse(t, recorder, &result)
	if result.Day != env.ledger.Today() || len(result.Records) != 1 || result.Records[0].Name != "Alice Nováková" {
		t.Errorf("unexpected response: %+v", result)
	}
}

func TestAttendanceHandler_List_StorageUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.attendance.ListError = errors.New("connection refused")
	handler := NewAttendanceHandler(env.ledger, env.students, nil, nil)

	recorder := httptest.NewRecorder()
	handler.Today(recorder, httptest.NewRequest("GET", "/api/v1/attendance/today", nil))

	assertStatusCode(t, recorder, http.StatusServiceUnavailable)
}

func eventBody(studentID string, at time.Time) string {
	return fmt.Sprintf(`{"student_id": %q, "event_time": %q}`, studentID, at.Format(time.RFC3339))
}

func TestAttendanceHandler_RecordEvent_Transitions(t *testing.T) {
	env := newTestEnv(t)
	events := capture.NewBroadcaster()
	listener := events.AddListener()
	defer events.RemoveListener(listener)
	handler := NewAttendanceHandler(env.ledger, env.students, events, nil)

	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	steps := []struct {
		at             time.Time
		wantStatus     int
		wantTransition ledger.Transition
	}{
		{day.Add(9 * time.Hour), http.StatusOK, ledger.TransitionCreated},
		{day.Add(17 * time.Hour), http.StatusOK, ledger.TransitionDepartureSet},
		{day.Add(16 * time.Hour), http.StatusOK, ledger.TransitionIgnored},
	}

	for i, step := range steps {
		recorder := httptest.NewRecorder()
		handler.RecordEvent(recorder, jsonRequest("POST", "/api/v1/attendance/events", eventBody("S1", step.at)))

		assertStatusCode(t, recorder, step.wantStatus)
		var result EventResponse
		parseJSONResponse(t, recorder, &result)
		if result.Transition != step.wantTransition {
			t.Errorf("step %d: transition = %s, want %s", i, result.Transition, step.wantTransition)
		}

		select {
		case n := <-listener:
			if n.Type != capture.NotificationAttendance {
				t.Errorf("step %d: unexpected notification type %s", i, n.Type)
			}
		default:
			t.Errorf("step %d: expected an attendance notification", i)
		}
	}

	rec, _ := env.attendance.Get(t.Context(), "S1", "2024-03-04")
	if rec == nil || !rec.TimeOut.Equal(day.Add(17*time.Hour)) {
		t.Errorf("time_out should stay at 17:00, got %+v", rec)
	}
}

func TestAttendanceHandler_RecordEvent_Errors(t *testing.T) {
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	t.Run("unknown student", func(t *testing.T) {
		env := newTestEnv(t)
		handler := NewAttendanceHandler(env.ledger, env.students, nil, nil)

		recorder := httptest.NewRecorder()
		handler.RecordEvent(recorder, jsonRequest("POST", "/api/v1/attendance/events", eventBody("DEMO001", day)))

		assertStatusCode(t, recorder, http.StatusNotFound)
		if env.attendance.Writes() != 0 {
			t.Error("unknown student must not reach the ledger")
		}
	})

	t.Run("missing student id", func(t *testing.T) {
		env := newTestEnv(t)
		handler := NewAttendanceHandler(env.ledger, env.students, nil, nil)

		recorder := httptest.NewRecorder()
		handler.RecordEvent(recorder, jsonRequest("POST", "/api/v1/attendance/events", `{"student_id": ""}`))

		assertStatusCode(t, recorder, http.StatusBadRequest)
	})

	t.Run("event before time_in", func(t *testing.T) {
		env := newTestEnv(t)
		handler := NewAttendanceHandler(env.ledger, env.students, nil, nil)

		recorder := httptest.NewRecorder()
		handler.RecordEvent(recorder, jsonRequest("POST", "/api/v1/attendance/events", eventBody("S1", day.Add(9*time.Hour))))
		assertStatusCode(t, recorder, http.StatusOK)

		recorder = httptest.NewRecorder()
		handler.RecordEvent(recorder, jsonRequest("POST", "/api/v1/attendance/events", eventBody("S1", day.Add(8*time.Hour))))
		assertStatusCode(t, recorder, http.StatusUnprocessableEntity)

		var result EventResponse
		parseJSONResponse(t, recorder, &result)
		if result.Transition != ledger.TransitionIgnored || result.Error == "" {
			t.Errorf("expected ignored transition with error, got %+v", result)
		}
	})

	t.Run("storage unavailable", func(t *testing.T) {
		env := newTestEnv(t)
		env.attendance.WriteError = errors.New("disk full")
		handler := NewAttendanceHandler(env.ledger, env.students, nil, nil)

		recorder := httptest.NewRecorder()
		handler.RecordEvent(recorder, jsonRequest("POST", "/api/v1/attendance/events", eventBody("S1", day.Add(9*time.Hour))))

		assertStatusCode(t, recorder, http.StatusServiceUnavailable)
	})
}

func TestAttendanceHandler_CloseDay(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.ledger.RecordEvent(context.Background(), "S1", time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}
	handler := NewAttendanceHandler(env.ledger, env.students, nil, nil)

	recorder := httptest.NewRecorder()
	handler.CloseDay(recorder, jsonRequest("POST", "/api/v1/attendance/close-day", `{"date": "2024-03-04"}`))

	assertStatusCode(t, recorder, http.StatusOK)
	var result map[string]any
	parseJSONResponse(t, recorder, &result)
	if result["marked_absent"] != float64(2) {
		t.Errorf("expected 2 students marked absent, got %v", result["marked_absent"])
	}

	// Closing again changes nothing
	recorder = httptest.NewRecorder()
	handler.CloseDay(recorder, jsonRequest("POST", "/api/v1/attendance/close-day", `{"date": "2024-03-04"}`))
	parseJSONResponse(t, recorder, &result)
	if result["marked_absent"] != float64(0) {
		t.Errorf("expected 0 on second close, got %v", result["marked_absent"])
	}

	rec, _ := env.attendance.Get(t.Context(), "S1", "2024-03-04")
	if rec == nil || rec.Status != ledger.StatusPresent {
		t.Errorf("present student must keep their record, got %+v", rec)
	}
}

func TestAttendanceHandler_CloseDay_DefaultsToToday(t *testing.T) {
	env := newTestEnv(t)
	handler := NewAttendanceHandler(env.ledger, env.students, nil, nil)

	recorder := httptest.NewRecorder()
	handler.CloseDay(recorder, httptest.NewRequest("POST", "/api/v1/attendance/close-day", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	recs, _ := env.attendance.ListByDay(t.Context(), env.ledger.Today())
	if len(recs) != 3 {
		t.Errorf("expected 3 absent records today, got %d", len(recs))
	}
}

func TestAttendanceHandler_CloseDay_Validation(t *testing.T) {
	future := time.Now().AddDate(0, 0, 2).Format(ledger.DayLayout)
	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", `{`},
		{"invalid date", `{"date": "yesterday"}`},
		{"future day", fmt.Sprintf(`{"date": %q}`, future)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			handler := NewAttendanceHandler(env.ledger, env.students, nil, nil)

			recorder := httptest.NewRecorder()
			handler.CloseDay(recorder, jsonRequest("POST", "/api/v1/attendance/close-day", tc.body))

			assertStatusCode(t, recorder, http.StatusBadRequest)
		})
	}
}
