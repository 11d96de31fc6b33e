package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-attendance/internal/ledger"
)

// AttendanceRepository implements ledger.Store on the attendance table.
// Every write is one conditional statement, so a failed or lost write never leaves
// a half-updated row.
type AttendanceRepository struct {
	pool *Pool
}

// NewAttendanceRepository creates a new PostgreSQL attendance repository
func NewAttendanceRepository(pool *Pool) *AttendanceRepository {
	return &AttendanceRepository{pool: pool}
}

var _ ledger.Store = (*AttendanceRepository)(nil)

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func scanRecord(row rowScanner) (ledger.Record, error) {
	var rec ledger.Record
	var day, status string
	var timeIn, timeOut sql.NullTime

	if err := row.Scan(&rec.IdentityID, &day, &timeIn, &timeOut, &status); err != nil {
		return rec, err //nolint:wrapcheck // callers wrap
	}
	rec.Day = ledger.Day(day)
	rec.Status = ledger.Status(status)
	if timeIn.Valid {
		rec.TimeIn = &timeIn.Time
	}
	if timeOut.Valid {
		rec.TimeOut = &timeOut.Time
	}
	return rec, nil
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Get returns the record for (identityID, day), or nil if none exists
func (r *AttendanceRepository) Get(ctx context.Context, identityID string, day ledger.Day) (*ledger.Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT student_id, day::text, time_in, time_out, status
		FROM attendance
		WHERE student_id = $1 AND day = $2::date
	`, identityID, string(day))

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	return &rec, nil
}

// Create inserts rec unless a record for the same key exists
func (r *AttendanceRepository) Create(ctx context.Context, rec ledger.Record) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		INSERT INTO attendance (student_id, day, time_in, time_out, status)
		VALUES ($1, $2::date, $3, $4, $5)
		ON CONFLICT (student_id, day) DO NOTHING
	`, rec.IdentityID, string(rec.Day), nullTime(rec.TimeIn), nullTime(rec.TimeOut), string(rec.Status))
	if err != nil {
		return false, fmt.Errorf("insert attendance: %w", err)
	}
	return affected(result)
}

// SetArrival sets time_in and status on a record whose time_in is unset
func (r *AttendanceRepository) SetArrival(
	ctx context.Context, identityID string, day ledger.Day, timeIn time.Time, status ledger.Status,
) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE attendance SET
			time_in = $3,
			status = $4,
			updated_at = NOW()
		WHERE student_id = $1 AND day = $2::date AND time_in IS NULL
	`, identityID, string(day), timeIn, string(status))
	if err != nil {
		return false, fmt.Errorf("set arrival: %w", err)
	}
	return affected(result)
}

// SetDeparture sets time_out on a record whose time_out is unset and whose time_in <= timeOut
func (r *AttendanceRepository) SetDeparture(ctx context.Context, identityID string, day ledger.Day, timeOut time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE attendance SET
			time_out = $3,
			updated_at = NOW()
		WHERE student_id = $1 AND day = $2::date
		  AND time_in IS NOT NULL AND time_out IS NULL AND time_in <= $3
	`, identityID, string(day), timeOut)
	if err != nil {
		return false, fmt.Errorf("set departure: %w", err)
	}
	return affected(result)
}

// ListByDay returns all records of a day ordered by time_in, absent records last
func (r *AttendanceRepository) ListByDay(ctx context.Context, day ledger.Day) ([]ledger.Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT student_id, day::text, time_in, time_out, status
		FROM attendance
		WHERE day = $1::date
		ORDER BY time_in NULLS LAST, student_id
	`, string(day))
	if err != nil {
		return nil, fmt.Errorf("query attendance by day: %w", err)
	}
	defer rows.Close()

	var records []ledger.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attendance: %w", err)
	}
	return records, nil
}
