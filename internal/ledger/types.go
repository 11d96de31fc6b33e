// Package ledger turns a stream of accepted identity decisions into one attendance
// record per identity per day.
//
// Each (identity, day) record moves through NoRecord -> Arrived -> Departed.
// The first accepted recognition of the day sets time_in, the next one far enough
// after it sets time_out, and everything after that is ignored.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidEvent marks events that were rejected without mutating anything
	// (empty identity, missing timestamp, timestamp before time_in, stale day).
	ErrInvalidEvent = errors.New("invalid attendance event")
	// ErrStorageUnavailable wraps failures of the attendance store.
	ErrStorageUnavailable = errors.New("attendance storage unavailable")
)

// DayLayout is the textual format of a Day.
const DayLayout = "2006-01-02"

// Day is a calendar date in the ledger's time zone, formatted as YYYY-MM-DD.
// Days in this format sort lexically in calendar order.
type Day string

// DayOf returns the calendar day of t in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.Local
	}
	return Day(t.In(loc).Format(DayLayout))
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	if _, err := time.Parse(DayLayout, s); err != nil {
		return "", fmt.Errorf("parse day %q: %w", s, err)
	}
	return Day(s), nil
}

// Start returns midnight of the day in loc.
func (d Day) Start(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DayLayout, string(d), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day %q: %w", d, err)
	}
	return t, nil
}

// AddDays returns the day n calendar days after d. An unparsable d is returned unchanged.
func (d Day) AddDays(n int) Day {
	t, err := time.Parse(DayLayout, string(d))
	if err != nil {
		return d
	}
	return Day(t.AddDate(0, 0, n).Format(DayLayout))
}

func (d Day) String() string {
	return string(d)
}

// Status is the presence status of a record.
type Status string

// Status values.
const (
	StatusPresent Status = "Present"
	StatusAbsent  Status = "Absent"
	StatusLate    Status = "Late"
)

// Record is the attendance fact for one identity on one day.
type Record struct {
	IdentityID string     `json:"identity_id"`
	Day        Day        `json:"day"`
	TimeIn     *time.Time `json:"time_in"`
	TimeOut    *time.Time `json:"time_out"`
	Status     Status     `json:"status"`
}

// Transition is the outcome of RecordEvent.
type Transition string

// Transition values.
const (
	TransitionCreated      Transition = "created"
	TransitionDepartureSet Transition = "departure_set"
	TransitionIgnored      Transition = "ignored"
)

// Store is durable attendance storage keyed by (identity_id, day).
// Every write is a single conditional statement that either applies fully or not at all;
// the boolean result reports whether the condition held and the row changed.
type Store interface {
	// Get returns the record, or nil if none exists.
	Get(ctx context.Context, identityID string, day Day) (*Record, error)
	// Create inserts rec unless a record for the same key exists.
	Create(ctx context.Context, rec Record) (bool, error)
	// SetArrival sets time_in and status on a record whose time_in is unset.
	SetArrival(ctx context.Context, identityID string, day Day, timeIn time.Time, status Status) (bool, error)
	// SetDeparture sets time_out on a record whose time_out is unset and whose time_in <= timeOut.
	SetDeparture(ctx context.Context, identityID string, day Day, timeOut time.Time) (bool, error)
	// ListByDay returns all records of a day.
	ListByDay(ctx context.Context, day Day) ([]Record, error)
}

// StatusPolicy decides the status of an arrival. It is supplied by the surrounding system.
type StatusPolicy interface {
	ArrivalStatus(eventTime time.Time) Status
}

// StatusPolicyFunc adapts a function to StatusPolicy.
type StatusPolicyFunc func(eventTime time.Time) Status

// ArrivalStatus implements StatusPolicy.
func (f StatusPolicyFunc) ArrivalStatus(eventTime time.Time) Status {
	return f(eventTime)
}

// AlwaysPresent marks every arrival Present.
var AlwaysPresent StatusPolicy = StatusPolicyFunc(func(time.Time) Status { return StatusPresent })
