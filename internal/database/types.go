package database

import (
	"time"

	"github.com/kozaktomas/face-attendance/internal/roster"
)

// StoredStudent represents an enrolled student stored in the database
type StoredStudent struct {
	ID         int64
	StudentID  string
	Name       string
	Email      string
	Phone      string
	Department string
	Embedding  []float32 // nil if the student has no enrolled face yet
	Dim        int
	CreatedAt  time.Time
}

// HasFace reports whether the student can take part in face matching.
func (s *StoredStudent) HasFace() bool {
	return len(s.Embedding) > 0
}

// Identity converts the student to a roster entry.
func (s *StoredStudent) Identity() roster.EnrolledIdentity {
	return roster.EnrolledIdentity{
		ID:          s.StudentID,
		DisplayName: s.Name,
		Embedding:   roster.Embedding(s.Embedding),
	}
}

// RosterIdentities converts students with an enrolled face to roster entries, preserving order.
func RosterIdentities(students []StoredStudent) []roster.EnrolledIdentity {
	identities := make([]roster.EnrolledIdentity, 0, len(students))
	for i := range students {
		if !students[i].HasFace() {
			continue
		}
		identities = append(identities, students[i].Identity())
	}
	return identities
}
