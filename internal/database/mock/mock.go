// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/names"
)

// MockRosterStore is a mock implementation of database.RosterWriter
type MockRosterStore struct {
	mu       sync.RWMutex
	students []database.StoredStudent
	nextID   int64

	// Error injection
	GetError    error
	ListError   error
	CountError  error
	AddError    error
	DeleteError error
}

// NewMockRosterStore creates a new mock roster store
func NewMockRosterStore() *MockRosterStore {
	return &MockRosterStore{nextID: 1}
}

// AddStudents adds students directly, bypassing error injection
func (m *MockRosterStore) AddStudents(students ...database.StoredStudent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range students {
		s.ID = m.nextID
		m.nextID++
		m.students = append(m.students, s)
	}
}

func (m *MockRosterStore) indexOf(studentID string) int {
	return slices.IndexFunc(m.students, func(s database.StoredStudent) bool {
		return s.StudentID == studentID
	})
}

// GetStudent retrieves a student by student ID
func (m *MockRosterStore) GetStudent(ctx context.Context, studentID string) (*database.StoredStudent, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.indexOf(studentID)
	if i < 0 {
		return nil, nil
	}
	s := m.students[i]
	return &s, nil
}

// GetStudentsByIDs retrieves students whose student ID is in studentIDs
func (m *MockRosterStore) GetStudentsByIDs(ctx context.Context, studentIDs []string) ([]database.StoredStudent, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []database.StoredStudent
	for _, s := range m.students {
		if slices.Contains(studentIDs, s.StudentID) {
			results = append(results, s)
		}
	}
	return results, nil
}

// ListStudents returns all students in enrollment order
func (m *MockRosterStore) ListStudents(ctx context.Context) ([]database.StoredStudent, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.students), nil
}

// SearchStudents filters students by normalized name
func (m *MockRosterStore) SearchStudents(ctx context.Context, query string) ([]database.StoredStudent, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []database.StoredStudent
	for _, s := range m.students {
		if names.Contains(s.Name, query) {
			results = append(results, s)
		}
	}
	return results, nil
}

// Count returns the number of students
func (m *MockRosterStore) Count(ctx context.Context) (int, error) {
	if m.CountError != nil {
		return 0, m.CountError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.students), nil
}

// CountWithFace returns the number of students with an embedding
func (m *MockRosterStore) CountWithFace(ctx context.Context) (int, error) {
	if m.CountError != nil {
		return 0, m.CountError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for i := range m.students {
		if m.students[i].HasFace() {
			count++
		}
	}
	return count, nil
}

// AddStudent inserts a new student
func (m *MockRosterStore) AddStudent(ctx context.Context, student *database.StoredStudent) error {
	if m.AddError != nil {
		return m.AddError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexOf(student.StudentID) >= 0 {
		return database.ErrStudentExists
	}
	student.ID = m.nextID
	student.CreatedAt = time.Now()
	m.nextID++
	m.students = append(m.students, *student)
	return nil
}

// UpsertStudent inserts or replaces a student
func (m *MockRosterStore) UpsertStudent(ctx context.Context, student *database.StoredStudent) error {
	if m.AddError != nil {
		return m.AddError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexOf(student.StudentID); i >= 0 {
		student.ID = m.students[i].ID
		student.CreatedAt = m.students[i].CreatedAt
		m.students[i] = *student
		return nil
	}
	student.ID = m.nextID
	student.CreatedAt = time.Now()
	m.nextID++
	m.students = append(m.students, *student)
	return nil
}

// DeleteStudent removes a student
func (m *MockRosterStore) DeleteStudent(ctx context.Context, studentID string) (bool, error) {
	if m.DeleteError != nil {
		return false, m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(studentID)
	if i < 0 {
		return false, nil
	}
	m.students = slices.Delete(m.students, i, i+1)
	return true, nil
}

type attendanceKey struct {
	identityID string
	day        ledger.Day
}

// MockAttendanceStore is an in-memory implementation of ledger.Store
type MockAttendanceStore struct {
	mu      sync.Mutex
	records map[attendanceKey]ledger.Record
	writes  int

	// Error injection
	GetError   error
	WriteError error
	ListError  error

	// Delay is applied to every call, honoring context cancellation
	Delay time.Duration
}

// NewMockAttendanceStore creates a new mock attendance store
func NewMockAttendanceStore() *MockAttendanceStore {
	return &MockAttendanceStore{records: make(map[attendanceKey]ledger.Record)}
}

func (m *MockAttendanceStore) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(m.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func copyRecord(r ledger.Record) ledger.Record {
	if r.TimeIn != nil {
		t := *r.TimeIn
		r.TimeIn = &t
	}
	if r.TimeOut != nil {
		t := *r.TimeOut
		r.TimeOut = &t
	}
	return r
}

// Get returns the record for (identityID, day)
func (m *MockAttendanceStore) Get(ctx context.Context, identityID string, day ledger.Day) (*ledger.Record, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[attendanceKey{identityID, day}]
	if !ok {
		return nil, nil
	}
	rec = copyRecord(rec)
	return &rec, nil
}

// Create inserts rec if no record exists for its key
func (m *MockAttendanceStore) Create(ctx context.Context, rec ledger.Record) (bool, error) {
	if err := m.wait(ctx); err != nil {
		return false, err
	}
	if m.WriteError != nil {
		return false, m.WriteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := attendanceKey{rec.IdentityID, rec.Day}
	if _, ok := m.records[key]; ok {
		return false, nil
	}
	m.records[key] = copyRecord(rec)
	m.writes++
	return true, nil
}

// SetArrival sets time_in on a record without one
func (m *MockAttendanceStore) SetArrival(ctx context.Context, identityID string, day ledger.Day, timeIn time.Time, status ledger.Status) (bool, error) {
	if err := m.wait(ctx); err != nil {
		return false, err
	}
	if m.WriteError != nil {
		return false, m.WriteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := attendanceKey{identityID, day}
	rec, ok := m.records[key]
	if !ok || rec.TimeIn != nil {
		return false, nil
	}
	rec.TimeIn = &timeIn
	rec.Status = status
	m.records[key] = rec
	m.writes++
	return true, nil
}

// SetDeparture sets time_out when unset and not before time_in
func (m *MockAttendanceStore) SetDeparture(ctx context.Context, identityID string, day ledger.Day, timeOut time.Time) (bool, error) {
	if err := m.wait(ctx); err != nil {
		return false, err
	}
	if m.WriteError != nil {
		return false, m.WriteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := attendanceKey{identityID, day}
	rec, ok := m.records[key]
	if !ok || rec.TimeIn == nil || rec.TimeOut != nil || timeOut.Before(*rec.TimeIn) {
		return false, nil
	}
	rec.TimeOut = &timeOut
	m.records[key] = rec
	m.writes++
	return true, nil
}

// ListByDay returns all records of a day ordered by time_in, absent records last
func (m *MockAttendanceStore) ListByDay(ctx context.Context, day ledger.Day) ([]ledger.Record, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []ledger.Record
	for key, rec := range m.records {
		if key.day == day {
			results = append(results, copyRecord(rec))
		}
	}
	slices.SortFunc(results, func(a, b ledger.Record) int {
		switch {
		case a.TimeIn == nil && b.TimeIn == nil:
			return cmp.Compare(a.IdentityID, b.IdentityID)
		case a.TimeIn == nil:
			return 1
		case b.TimeIn == nil:
			return -1
		}
		if c := a.TimeIn.Compare(*b.TimeIn); c != 0 {
			return c
		}
		return cmp.Compare(a.IdentityID, b.IdentityID)
	})
	return results, nil
}

// Writes returns the number of successful mutations
func (m *MockAttendanceStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
