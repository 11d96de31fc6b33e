package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mock"
	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/roster"
)

func testRoster(t *testing.T) *roster.Roster {
	t.Helper()
	r := roster.New(2)
	err := r.Reload([]roster.EnrolledIdentity{
		{ID: "A", DisplayName: "Alice", Embedding: roster.Embedding{0, 0}},
		{ID: "B", DisplayName: "Bob", Embedding: roster.Embedding{0.2, 0}},
		{ID: "C", DisplayName: "Carol", Embedding: roster.Embedding{5, 5}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestFindSimilarPairs(t *testing.T) {
	pairs, err := findSimilarPairs(testRoster(t).Snapshot(), 0.35, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 {
		t.Fatalf("expected 1 pair, got %+v", pairs)
	}
	p := pairs[0]
	if p.StudentA != "A" || p.StudentB != "B" {
		t.Errorf("unexpected pair %+v", p)
	}
	if p.Distance < 0.199 || p.Distance > 0.201 {
		t.Errorf("expected distance 0.2, got %v", p.Distance)
	}
}

func TestFindSimilarPairs_EmptyRoster(t *testing.T) {
	pairs, err := findSimilarPairs(roster.New(2).Snapshot(), 1, 5)
	if err != nil || len(pairs) != 0 {
		t.Errorf("expected no pairs, got %v (%v)", pairs, err)
	}
}

func TestNormalizeImported(t *testing.T) {
	tests := []struct {
		name        string
		student     database.StoredStudent
		dim         int
		wantDropped bool
		wantFace    bool
	}{
		{"matching dimension", database.StoredStudent{Embedding: []float32{1, 2}, Dim: 2}, 2, false, true},
		{"wrong dimension", database.StoredStudent{Embedding: []float32{1, 2, 3}, Dim: 3}, 2, true, false},
		{"no face", database.StoredStudent{}, 2, false, false},
		{"dimension not configured", database.StoredStudent{Embedding: []float32{1}, Dim: 1}, 0, false, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.student
			if got := normalizeImported(&s, tc.dim); got != tc.wantDropped {
				t.Errorf("normalizeImported = %v, want %v", got, tc.wantDropped)
			}
			if s.HasFace() != tc.wantFace {
				t.Errorf("HasFace = %v, want %v", s.HasFace(), tc.wantFace)
			}
		})
	}
}

func TestMatchFaces(t *testing.T) {
	matcher := roster.NewEuclideanMatcher(testRoster(t), 0.6)
	faces := []embedding.FaceDetection{
		{FaceIndex: 0, Embedding: []float32{0, 0}},
		{FaceIndex: 1, Embedding: []float32{5, 5.5}},
		{FaceIndex: 2},
		{FaceIndex: 3, Embedding: []float32{-9, -9}},
	}

	matches, err := matchFaces(matcher, faces, 0.7)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 3 {
		t.Fatalf("faces without an embedding are skipped, got %d matches", len(matches))
	}
	if !matches[0].Accepted || matches[0].Match.IdentityID != "A" {
		t.Errorf("exact face should be accepted as A: %+v", matches[0])
	}
	// Distance 0.5 gives confidence 0.5, below the gate
	if matches[1].Match.IdentityID != "C" || matches[1].Accepted {
		t.Errorf("distant face should match C but be rejected: %+v", matches[1])
	}
	if matches[2].Match.Matched || matches[2].Accepted {
		t.Errorf("unknown face should not match: %+v", matches[2])
	}
}

func TestMatchFaces_DimensionMismatch(t *testing.T) {
	matcher := roster.NewEuclideanMatcher(testRoster(t), 0.6)
	_, err := matchFaces(matcher, []embedding.FaceDetection{{Embedding: []float32{1, 2, 3}}}, 0.7)
	if err == nil {
		t.Error("expected an error for a wrong dimension")
	}
}

func TestNewMatcher(t *testing.T) {
	r := testRoster(t)
	cfg := &config.Config{Recognition: config.RecognitionConfig{Threshold: 0.6, Mode: config.ModeDegraded}}
	if _, ok := newMatcher(cfg, r).(*roster.DegradedMatcher); !ok {
		t.Error("degraded mode should use the degraded matcher")
	}
	cfg.Recognition.Mode = config.ModeEuclidean
	m, ok := newMatcher(cfg, r).(*roster.EuclideanMatcher)
	if !ok || m.Threshold() != 0.6 {
		t.Error("euclidean mode should use the configured threshold")
	}
}

func TestNewSourceFactory(t *testing.T) {
	cfg := &config.Config{}
	src, err := newSourceFactory(cfg, nil)()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := src.(*capture.PushSource); !ok {
		t.Errorf("expected push source without a frame directory, got %T", src)
	}

	cfg.Capture.FrameDir = t.TempDir()
	src, err = newSourceFactory(cfg, nil)()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := src.(*capture.DirectorySource); !ok {
		t.Errorf("expected directory source, got %T", src)
	}

	cfg.Capture.FrameDir = cfg.Capture.FrameDir + "/missing"
	if _, err := newSourceFactory(cfg, nil)(); err == nil {
		t.Error("expected an error for a missing frame directory")
	}
}

func TestNewLedger(t *testing.T) {
	cfg := &config.Config{Attendance: config.AttendanceConfig{Timezone: "UTC", LateAfter: "08:00"}}
	l, err := newLedger(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if l.Location() != time.UTC {
		t.Errorf("expected UTC, got %v", l.Location())
	}

	cfg.Attendance.LateAfter = "8am"
	if _, err := newLedger(cfg, nil); err == nil {
		t.Error("expected an error for an invalid cutoff")
	}

	cfg.Attendance = config.AttendanceConfig{Timezone: "Mars/Olympus"}
	if _, err := newLedger(cfg, nil); err == nil {
		t.Error("expected an error for an unknown time zone")
	}
}

func TestPruneLedger(t *testing.T) {
	l := ledger.New(mock.NewMockAttendanceStore(), ledger.Options{Location: time.UTC})
	if _, err := l.RecordEvent(context.Background(), "S1", time.Date(2020, 1, 6, 9, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pruneLedger(ctx, l, 5*time.Millisecond)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for l.Tracked() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("old ledger state was never pruned")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
