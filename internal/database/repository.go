package database

import (
	"context"
	"errors"
)

// ErrStudentExists is returned when enrolling a student ID that is already taken.
var ErrStudentExists = errors.New("student already exists")

// RosterReader provides read-only access to enrolled students
type RosterReader interface {
	// GetStudent retrieves a student by student ID, returns nil if not found
	GetStudent(ctx context.Context, studentID string) (*StoredStudent, error)
	// GetStudentsByIDs retrieves students by student ID; unknown IDs are skipped
	GetStudentsByIDs(ctx context.Context, studentIDs []string) ([]StoredStudent, error)
	// ListStudents returns all students in enrollment order
	ListStudents(ctx context.Context) ([]StoredStudent, error)
	// SearchStudents returns students whose normalized name contains the normalized query
	SearchStudents(ctx context.Context, query string) ([]StoredStudent, error)
	// Count returns the total number of students
	Count(ctx context.Context) (int, error)
	// CountWithFace returns the number of students with an enrolled face embedding
	CountWithFace(ctx context.Context) (int, error)
}

// RosterWriter provides write access to enrolled students
type RosterWriter interface {
	RosterReader

	// AddStudent inserts a new student. Returns ErrStudentExists if the student ID is taken.
	AddStudent(ctx context.Context, student *StoredStudent) error

	// UpsertStudent inserts a student or replaces details and embedding of an existing one.
	UpsertStudent(ctx context.Context, student *StoredStudent) error

	// DeleteStudent removes a student together with their attendance records.
	// Returns false if no such student existed.
	DeleteStudent(ctx context.Context, studentID string) (bool, error)
}
