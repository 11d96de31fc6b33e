package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database/mock"
	"github.com/kozaktomas/face-attendance/internal/ledger"
)

var testLoc = time.UTC

func at(day string, hhmm string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", day+" "+hhmm, testLoc)
	if err != nil {
		panic(err)
	}
	return t
}

func newTestLedger(opts ledger.Options) (*ledger.Ledger, *mock.MockAttendanceStore) {
	store := mock.NewMockAttendanceStore()
	if opts.Location == nil {
		opts.Location = testLoc
	}
	return ledger.New(store, opts), store
}

func getRecord(t *testing.T, store *mock.MockAttendanceStore, id string, day ledger.Day) *ledger.Record {
	t.Helper()
	rec, err := store.Get(context.Background(), id, day)
	if err != nil {
		t.Fatalf("store.Get failed: %v", err)
	}
	return rec
}

func record(t *testing.T, l *ledger.Ledger, id string, ts time.Time) (ledger.Transition, error) {
	t.Helper()
	return l.RecordEvent(context.Background(), id, ts)
}

func TestRecordEvent_ArrivalDepartureScenario(t *testing.T) {
	l, store := newTestLedger(ledger.Options{})
	day := ledger.Day("2024-03-04")

	tr, err := record(t, l, "S1", at("2024-03-04", "09:00"))
	if err != nil || tr != ledger.TransitionCreated {
		t.Fatalf("expected Created, got %v (%v)", tr, err)
	}
	rec := getRecord(t, store, "S1", day)
	if rec == nil || !rec.TimeIn.Equal(at("2024-03-04", "09:00")) || rec.TimeOut != nil {
		t.Fatalf("unexpected record after arrival: %+v", rec)
	}
	if rec.Status != ledger.StatusPresent {
		t.Errorf("expected Present, got %s", rec.Status)
	}

	tr, err = record(t, l, "S1", at("2024-03-04", "17:00"))
	if err != nil || tr != ledger.TransitionDepartureSet {
		t.Fatalf("expected DepartureSet, got %v (%v)", tr, err)
	}
	rec = getRecord(t, store, "S1", day)
	if !rec.TimeIn.Equal(at("2024-03-04", "09:00")) || !rec.TimeOut.Equal(at("2024-03-04", "17:00")) {
		t.Fatalf("unexpected record after departure: %+v", rec)
	}

	tr, err = record(t, l, "S1", at("2024-03-04", "16:00"))
	if err != nil || tr != ledger.TransitionIgnored {
		t.Fatalf("expected Ignored after departure, got %v (%v)", tr, err)
	}
	rec = getRecord(t, store, "S1", day)
	if !rec.TimeOut.Equal(at("2024-03-04", "17:00")) {
		t.Errorf("time_out must be final, got %v", rec.TimeOut)
	}
}

func TestRecordEvent_DepartedIsFinal(t *testing.T) {
	l, store := newTestLedger(ledger.Options{})

	record(t, l, "S1", at("2024-03-04", "09:00"))
	record(t, l, "S1", at("2024-03-04", "12:00"))
	writes := store.Writes()

	for _, hhmm := range []string{"12:30", "15:00", "23:59"} {
		tr, err := record(t, l, "S1", at("2024-03-04", hhmm))
		if err != nil || tr != ledger.TransitionIgnored {
			t.Fatalf("expected Ignored at %s, got %v (%v)", hhmm, tr, err)
		}
	}

	if store.Writes() != writes {
		t.Errorf("expected no further writes, got %d more", store.Writes()-writes)
	}
	rec := getRecord(t, store, "S1", "2024-03-04")
	if !rec.TimeOut.Equal(at("2024-03-04", "12:00")) {
		t.Errorf("time_out drifted to %v", rec.TimeOut)
	}
}

func TestRecordEvent_DuplicateEventIsIgnored(t *testing.T) {
	l, store := newTestLedger(ledger.Options{})
	ts := at("2024-03-04", "09:00")

	if tr, _ := record(t, l, "S1", ts); tr != ledger.TransitionCreated {
		t.Fatalf("expected Created, got %v", tr)
	}
	tr, err := record(t, l, "S1", ts)
	if err != nil || tr != ledger.TransitionIgnored {
		t.Fatalf("expected duplicate to be Ignored, got %v (%v)", tr, err)
	}

	rec := getRecord(t, store, "S1", "2024-03-04")
	if rec.TimeOut != nil {
		t.Errorf("duplicate must not set time_out, got %v", rec.TimeOut)
	}
	if store.Writes() != 1 {
		t.Errorf("expected 1 write, got %d", store.Writes())
	}
}

// roundingStore stores times at microsecond precision like a Postgres timestamptz.
type roundingStore struct {
	*mock.MockAttendanceStore
}

func roundPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	r := t.Round(time.Microsecond)
	return &r
}

func (s roundingStore) Create(ctx context.Context, rec ledger.Record) (bool, error) {
	rec.TimeIn = roundPtr(rec.TimeIn)
	rec.TimeOut = roundPtr(rec.TimeOut)
	return s.MockAttendanceStore.Create(ctx, rec)
}

func (s roundingStore) SetArrival(ctx context.Context, id string, day ledger.Day, timeIn time.Time, status ledger.Status) (bool, error) {
	return s.MockAttendanceStore.SetArrival(ctx, id, day, timeIn.Round(time.Microsecond), status)
}

func (s roundingStore) SetDeparture(ctx context.Context, id string, day ledger.Day, timeOut time.Time) (bool, error) {
	return s.MockAttendanceStore.SetDeparture(ctx, id, day, timeOut.Round(time.Microsecond))
}

func TestRecordEvent_DuplicateWithSubMicrosecondTime(t *testing.T) {
	for _, nanos := range []int{300, 700} {
		t.Run(fmt.Sprintf("%dns", nanos), func(t *testing.T) {
			store := roundingStore{mock.NewMockAttendanceStore()}
			l := ledger.New(store, ledger.Options{Location: testLoc})
			ts := at("2024-03-04", "09:00").Add(time.Duration(nanos))

			if tr, err := record(t, l, "S1", ts); err != nil || tr != ledger.TransitionCreated {
				t.Fatalf("expected Created, got %v (%v)", tr, err)
			}
			tr, err := record(t, l, "S1", ts)
			if err != nil || tr != ledger.TransitionIgnored {
				t.Fatalf("expected repeated arrival to be Ignored, got %v (%v)", tr, err)
			}

			rec, err := store.Get(context.Background(), "S1", "2024-03-04")
			if err != nil {
				t.Fatal(err)
			}
			if rec.TimeOut != nil {
				t.Errorf("repeated arrival set time_out %v", rec.TimeOut)
			}
			if !rec.TimeIn.Equal(ts.Truncate(ledger.StoragePrecision)) {
				t.Errorf("expected time_in %v, got %v", ts.Truncate(ledger.StoragePrecision), rec.TimeIn)
			}
		})
	}
}

func TestRecordEvent_MinDepartureGap(t *testing.T) {
	l, store := newTestLedger(ledger.Options{MinDepartureGap: 30 * time.Minute})

	record(t, l, "S1", at("2024-03-04", "09:00"))

	tr, err := record(t, l, "S1", at("2024-03-04", "09:05"))
	if err != nil || tr != ledger.TransitionIgnored {
		t.Fatalf("expected Ignored inside gap, got %v (%v)", tr, err)
	}
	if rec := getRecord(t, store, "S1", "2024-03-04"); rec.TimeOut != nil {
		t.Fatalf("time_out set inside gap: %v", rec.TimeOut)
	}

	tr, err = record(t, l, "S1", at("2024-03-04", "09:30"))
	if err != nil || tr != ledger.TransitionDepartureSet {
		t.Fatalf("expected DepartureSet at gap boundary, got %v (%v)", tr, err)
	}
}

func TestRecordEvent_OutOfOrderRejected(t *testing.T) {
	l, store := newTestLedger(ledger.Options{})

	record(t, l, "S1", at("2024-03-04", "10:00"))

	tr, err := record(t, l, "S1", at("2024-03-04", "09:00"))
	if tr != ledger.TransitionIgnored {
		t.Fatalf("expected Ignored, got %v", tr)
	}
	if !errors.Is(err, ledger.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}

	rec := getRecord(t, store, "S1", "2024-03-04")
	if !rec.TimeIn.Equal(at("2024-03-04", "10:00")) || rec.TimeOut != nil {
		t.Errorf("rejected event mutated record: %+v", rec)
	}
}

func TestRecordEvent_InvalidInput(t *testing.T) {
	l, store := newTestLedger(ledger.Options{})

	tests := []struct {
		name string
		id   string
		ts   time.Time
	}{
		{"empty identity", "", at("2024-03-04", "09:00")},
		{"zero time", "S1", time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := l.RecordEvent(context.Background(), tt.id, tt.ts)
			if tr != ledger.TransitionIgnored || !errors.Is(err, ledger.ErrInvalidEvent) {
				t.Errorf("expected Ignored/ErrInvalidEvent, got %v (%v)", tr, err)
			}
		})
	}

	if store.Writes() != 0 {
		t.Errorf("invalid events must not write, got %d writes", store.Writes())
	}
}

func TestRecordEvent_DayRollover(t *testing.T) {
	l, store := newTestLedger(ledger.Options{})

	record(t, l, "S1", at("2024-03-04", "09:00"))

	tr, err := record(t, l, "S1", at("2024-03-05", "08:00"))
	if err != nil || tr != ledger.TransitionCreated {
		t.Fatalf("expected Created on new day, got %v (%v)", tr, err)
	}

	prev := getRecord(t, store, "S1", "2024-03-04")
	if prev.TimeOut != nil {
		t.Errorf("day D+1 event mutated day D: %+v", prev)
	}
	next := getRecord(t, store, "S1", "2024-03-05")
	if next == nil || !next.TimeIn.Equal(at("2024-03-05", "08:00")) {
		t.Errorf("unexpected new-day record: %+v", next)
	}
}

func TestRecordEvent_PreviousDayIsImmutable(t *testing.T) {
	l, store := newTestLedger(ledger.Options{})

	record(t, l, "S1", at("2024-03-04", "09:00"))
	record(t, l, "S1", at("2024-03-05", "09:00"))

	tr, err := record(t, l, "S1", at("2024-03-04", "17:00"))
	if tr != ledger.TransitionIgnored || !errors.Is(err, ledger.ErrInvalidEvent) {
		t.Fatalf("expected stale-day event rejected, got %v (%v)", tr, err)
	}
	if rec := getRecord(t, store, "S1", "2024-03-04"); rec.TimeOut != nil {
		t.Errorf("previous day was mutated: %+v", rec)
	}
}

func TestRecordEvent_DayBoundaryUsesLocation(t *testing.T) {
	prague, err := time.LoadLocation("Europe/Prague")
	if err != nil {
		t.Skipf("time zone data unavailable: %v", err)
	}
	l, store := newTestLedger(ledger.Options{Location: prague})

	// 23:30 UTC on March 4th is already March 5th in Prague.
	ts := time.Date(2024, 3, 4, 23, 30, 0, 0, time.UTC)
	if tr, err := l.RecordEvent(context.Background(), "S1", ts); err != nil || tr != ledger.TransitionCreated {
		t.Fatalf("expected Created, got %v (%v)", tr, err)
	}
	if rec := getRecord(t, store, "S1", "2024-03-05"); rec == nil {
		t.Error("expected record on the local day 2024-03-05")
	}
}

func TestRecordEvent_LatePolicy(t *testing.T) {
	policy, err := ledger.NewCutoffPolicy("09:15", testLoc)
	if err != nil {
		t.Fatalf("NewCutoffPolicy failed: %v", err)
	}
	l, store := newTestLedger(ledger.Options{Policy: policy})

	record(t, l, "EARLY", at("2024-03-04", "09:15"))
	record(t, l, "LATE", at("2024-03-04", "09:16"))

	if rec := getRecord(t, store, "EARLY", "2024-03-04"); rec.Status != ledger.StatusPresent {
		t.Errorf("expected Present at cutoff, got %s", rec.Status)
	}
	if rec := getRecord(t, store, "LATE", "2024-03-04"); rec.Status != ledger.StatusLate {
		t.Errorf("expected Late after cutoff, got %s", rec.Status)
	}

	// Departure leaves status untouched.
	record(t, l, "LATE", at("2024-03-04", "17:00"))
	if rec := getRecord(t, store, "LATE", "2024-03-04"); rec.Status != ledger.StatusLate {
		t.Errorf("departure changed status to %s", rec.Status)
	}
}

func TestRecordEvent_StorageUnavailable(t *testing.T) {
	l, store := newTestLedger(ledger.Options{})
	store.GetError = errors.New("connection refused")

	tr, err := record(t, l, "S1", at("2024-03-04", "09:00"))
	if tr != ledger.TransitionIgnored || !errors.Is(err, ledger.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v (%v)", tr, err)
	}

	store.GetError = nil
	store.WriteError = errors.New("disk full")
	if _, err := record(t, l, "S1", at("2024-03-04", "09:00")); !errors.Is(err, ledger.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable on write, got %v", err)
	}
	if rec := getRecord(t, store, "S1", "2024-03-04"); rec != nil {
		t.Errorf("failed write left a record: %+v", rec)
	}

	// After recovery the same event goes through.
	store.WriteError = nil
	if tr, err := record(t, l, "S1", at("2024-03-04", "09:00")); err != nil || tr != ledger.TransitionCreated {
		t.Errorf("expected Created after recovery, got %v (%v)", tr, err)
	}
}

func TestRecordEvent_ContextTimeout(t *testing.T) {
	l, store := newTestLedger(ledger.Options{})
	store.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := l.RecordEvent(ctx, "S1", at("2024-03-04", "09:00"))
	if !errors.Is(err, ledger.ErrStorageUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped deadline error, got %v", err)
	}
}

func TestRecordEvent_MonotonicSequence(t *testing.T) {
	l, store := newTestLedger(ledger.Options{MinDepartureGap: time.Hour})

	events := []string{"08:55", "09:10", "08:00", "10:30", "07:00", "12:00", "18:00"}
	for _, hhmm := range events {
		_, _ = record(t, l, "S1", at("2024-03-04", hhmm))

		rec := getRecord(t, store, "S1", "2024-03-04")
		if rec.TimeIn != nil && rec.TimeOut != nil && rec.TimeOut.Before(*rec.TimeIn) {
			t.Fatalf("time_in > time_out after %s: %+v", hhmm, rec)
		}
	}

	rec := getRecord(t, store, "S1", "2024-03-04")
	if !rec.TimeIn.Equal(at("2024-03-04", "08:55")) {
		t.Errorf("expected time_in 08:55, got %v", rec.TimeIn)
	}
	if rec.TimeOut == nil || !rec.TimeOut.Equal(at("2024-03-04", "10:30")) {
		t.Errorf("expected time_out 10:30, got %v", rec.TimeOut)
	}
}

func TestRecordEvent_ConcurrentIdentities(t *testing.T) {
	l, store := newTestLedger(ledger.Options{})

	var wg sync.WaitGroup
	for i := range 20 {
		id := fmt.Sprintf("S%02d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_, _ = l.RecordEvent(context.Background(), id, at("2024-03-04", "09:00"))
			}
			_, _ = l.RecordEvent(context.Background(), id, at("2024-03-04", "17:00"))
		}()
	}
	wg.Wait()

	recs, err := l.Records(context.Background(), "2024-03-04")
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(recs) != 20 {
		t.Fatalf("expected 20 records, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.TimeOut == nil || !rec.TimeOut.Equal(at("2024-03-04", "17:00")) {
			t.Errorf("%s: expected departure at 17:00, got %v", rec.IdentityID, rec.TimeOut)
		}
	}
	// One create and one departure per identity.
	if store.Writes() != 40 {
		t.Errorf("expected 40 writes, got %d", store.Writes())
	}
}

func TestMarkAbsent(t *testing.T) {
	l, store := newTestLedger(ledger.Options{})
	day := ledger.Day("2024-03-04")

	record(t, l, "S1", at("2024-03-04", "09:00"))

	n, err := l.MarkAbsent(context.Background(), day, []string{"S1", "S2", "S3", ""})
	if err != nil {
		t.Fatalf("MarkAbsent failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 absent records, got %d", n)
	}
	if rec := getRecord(t, store, "S1", day); rec.Status != ledger.StatusPresent {
		t.Errorf("present record overwritten: %+v", rec)
	}
	if rec := getRecord(t, store, "S2", day); rec.Status != ledger.StatusAbsent || rec.TimeIn != nil {
		t.Errorf("unexpected absent record: %+v", rec)
	}

	// Marking again is a no-op.
	n, _ = l.MarkAbsent(context.Background(), day, []string{"S2"})
	if n != 0 {
		t.Errorf("expected 0 on second run, got %d", n)
	}

	// A late arrival turns the absent record into an arrival.
	tr, err := record(t, l, "S2", at("2024-03-04", "11:00"))
	if err != nil || tr != ledger.TransitionCreated {
		t.Fatalf("expected Created for absent identity, got %v (%v)", tr, err)
	}
	rec := getRecord(t, store, "S2", day)
	if rec.TimeIn == nil || rec.Status != ledger.StatusPresent {
		t.Errorf("expected arrival on absent record, got %+v", rec)
	}
}

func TestPrune(t *testing.T) {
	l, store := newTestLedger(ledger.Options{})

	record(t, l, "S1", at("2024-03-03", "09:00"))
	record(t, l, "S2", at("2024-03-04", "09:00"))
	record(t, l, "S3", at("2024-03-05", "09:00"))
	if l.Tracked() != 3 {
		t.Fatalf("expected 3 tracked identities, got %d", l.Tracked())
	}

	if n := l.Prune("2024-03-05"); n != 2 {
		t.Errorf("expected 2 identities forgotten, got %d", n)
	}
	if l.Tracked() != 1 {
		t.Errorf("expected 1 tracked identity, got %d", l.Tracked())
	}

	// Forgotten identities still cannot touch days before the prune point.
	tr, err := record(t, l, "S1", at("2024-03-04", "17:00"))
	if tr != ledger.TransitionIgnored || !errors.Is(err, ledger.ErrInvalidEvent) {
		t.Fatalf("expected pruned day rejected, got %v (%v)", tr, err)
	}
	if rec := getRecord(t, store, "S1", "2024-03-04"); rec != nil {
		t.Errorf("pruned day was written: %+v", rec)
	}

	tr, err = record(t, l, "S1", at("2024-03-05", "10:00"))
	if err != nil || tr != ledger.TransitionCreated {
		t.Fatalf("expected Created on open day, got %v (%v)", tr, err)
	}

	// The floor never moves back.
	l.Prune("2024-03-01")
	if tr, _ := record(t, l, "S2", at("2024-03-04", "18:00")); tr != ledger.TransitionIgnored {
		t.Errorf("expected floor to stay at 2024-03-05, got %v", tr)
	}
}

func TestDay_AddDays(t *testing.T) {
	tests := []struct {
		day  ledger.Day
		n    int
		want ledger.Day
	}{
		{"2024-03-01", -1, "2024-02-29"},
		{"2024-12-31", 1, "2025-01-01"},
		{"2024-03-04", 0, "2024-03-04"},
		{"garbage", 1, "garbage"},
	}
	for _, tc := range tests {
		if got := tc.day.AddDays(tc.n); got != tc.want {
			t.Errorf("%s.AddDays(%d) = %s, want %s", tc.day, tc.n, got, tc.want)
		}
	}
}

func TestDayOf(t *testing.T) {
	ts := time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC)
	if got := ledger.DayOf(ts, time.UTC); got != "2024-12-31" {
		t.Errorf("DayOf = %s, want 2024-12-31", got)
	}
	if _, err := ledger.ParseDay("2024-13-01"); err == nil {
		t.Error("expected error for invalid month")
	}
	if d, err := ledger.ParseDay("2024-02-29"); err != nil || d != "2024-02-29" {
		t.Errorf("ParseDay(2024-02-29) = %s, %v", d, err)
	}
}

func TestCutoffPolicy(t *testing.T) {
	if _, err := ledger.NewCutoffPolicy("9am", testLoc); err == nil {
		t.Error("expected error for malformed cutoff")
	}

	p, err := ledger.NewCutoffPolicy("", testLoc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s := p.ArrivalStatus(at("2024-03-04", "23:00")); s != ledger.StatusPresent {
		t.Errorf("empty cutoff should always be Present, got %s", s)
	}

	p, _ = ledger.NewCutoffPolicy("08:30", testLoc)
	tests := []struct {
		ts   time.Time
		want ledger.Status
	}{
		{at("2024-03-04", "08:29"), ledger.StatusPresent},
		{at("2024-03-04", "08:30"), ledger.StatusPresent},
		{at("2024-03-04", "08:30").Add(time.Second), ledger.StatusLate},
		{at("2024-03-04", "13:00"), ledger.StatusLate},
	}
	for _, tt := range tests {
		if got := p.ArrivalStatus(tt.ts); got != tt.want {
			t.Errorf("ArrivalStatus(%s) = %s, want %s", tt.ts.Format("15:04:05"), got, tt.want)
		}
	}
}
