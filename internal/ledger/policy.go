package ledger

import (
	"fmt"
	"time"
)

// CutoffPolicy marks arrivals after a fixed wall-clock time Late.
type CutoffPolicy struct {
	// Minutes after midnight from which an arrival counts as late.
	cutoff int
	loc    *time.Location
}

// NewCutoffPolicy parses an "HH:MM" cutoff. An empty string disables lateness.
func NewCutoffPolicy(hhmm string, loc *time.Location) (StatusPolicy, error) {
	if hhmm == "" {
		return AlwaysPresent, nil
	}
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return nil, fmt.Errorf("invalid late cutoff %q (want HH:MM): %w", hhmm, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &CutoffPolicy{cutoff: t.Hour()*60 + t.Minute(), loc: loc}, nil
}

// ArrivalStatus implements StatusPolicy.
func (p *CutoffPolicy) ArrivalStatus(eventTime time.Time) Status {
	local := eventTime.In(p.loc)
	minutes := local.Hour()*60 + local.Minute()
	if minutes > p.cutoff || (minutes == p.cutoff && (local.Second() > 0 || local.Nanosecond() > 0)) {
		return StatusLate
	}
	return StatusPresent
}
