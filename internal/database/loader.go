package database

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/roster"
)

// LoadRoster reads all students and publishes those with an enrolled face as the
// active roster. It returns the new roster size. On error the previous roster stays active.
// Concurrent loads into the same roster run one after another, read included.
func LoadRoster(ctx context.Context, reader RosterReader, r *roster.Roster) (int, error) {
	n, err := r.Update(func() ([]roster.EnrolledIdentity, error) {
		students, err := reader.ListStudents(ctx)
		if err != nil {
			return nil, fmt.Errorf("list students: %w", err)
		}
		return RosterIdentities(students), nil
	})
	if err != nil {
		return 0, fmt.Errorf("reload roster: %w", err)
	}
	return n, nil
}
