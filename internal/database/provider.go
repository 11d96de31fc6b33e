package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/ledger"
)

var (
	postgresRosterReader    func() RosterReader
	postgresRosterWriter    func() RosterWriter
	postgresAttendanceStore func() ledger.Store
	postgresInitialized     bool
)

// RegisterPostgresBackend registers PostgreSQL repository constructors.
// This is called during startup to avoid import cycles between database and postgres.
func RegisterPostgresBackend(
	rosterWriter func() RosterWriter,
	attendanceStore func() ledger.Store,
) {
	postgresRosterReader = func() RosterReader { return rosterWriter() }
	postgresRosterWriter = rosterWriter
	postgresAttendanceStore = attendanceStore
	postgresInitialized = true
}

// IsInitialized returns whether the PostgreSQL backend has been initialized.
func IsInitialized() bool {
	return postgresInitialized
}

var errNotInitialized = errors.New("PostgreSQL backend not initialized: DATABASE_URL is required")

// GetRosterReader returns a RosterReader from the PostgreSQL backend
func GetRosterReader(ctx context.Context) (RosterReader, error) {
	if !postgresInitialized {
		return nil, errNotInitialized
	}
	if postgresRosterReader == nil {
		return nil, fmt.Errorf("PostgreSQL roster reader not registered")
	}
	return postgresRosterReader(), nil
}

// GetRosterWriter returns a RosterWriter from the PostgreSQL backend
func GetRosterWriter(ctx context.Context) (RosterWriter, error) {
	if !postgresInitialized {
		return nil, errNotInitialized
	}
	if postgresRosterWriter == nil {
		return nil, fmt.Errorf("PostgreSQL roster writer not registered")
	}
	return postgresRosterWriter(), nil
}

// GetAttendanceStore returns the attendance store from the PostgreSQL backend
func GetAttendanceStore(ctx context.Context) (ledger.Store, error) {
	if !postgresInitialized {
		return nil, errNotInitialized
	}
	if postgresAttendanceStore == nil {
		return nil, fmt.Errorf("PostgreSQL attendance store not registered")
	}
	return postgresAttendanceStore(), nil
}

// ResetBackend clears all registrations. Used by tests.
func ResetBackend() {
	postgresRosterReader = nil
	postgresRosterWriter = nil
	postgresAttendanceStore = nil
	postgresInitialized = false
}
