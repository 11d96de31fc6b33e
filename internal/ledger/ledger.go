package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Options configures a Ledger.
type Options struct {
	// Location defines day boundaries. Defaults to time.Local.
	Location *time.Location
	// Policy decides Present vs Late on arrival. Defaults to AlwaysPresent.
	Policy StatusPolicy
	// MinDepartureGap is the minimum time after time_in before a recognition
	// counts as a departure. Recognitions inside the gap are ignored.
	MinDepartureGap time.Duration
}

// StoragePrecision is the resolution event times are truncated to before they are
// compared with stored records. It matches the precision of a Postgres timestamptz.
const StoragePrecision = time.Microsecond

// identityState serializes events of one identity and remembers the latest day seen.
type identityState struct {
	mu      sync.Mutex
	lastDay Day
	refs    int // guarded by Ledger.mu
}

// Ledger is the only writer of attendance records.
// Events of the same identity are processed one at a time; different identities proceed in parallel.
//
// The latest day seen per identity is kept in memory to reject events for days that
// are already history. That state is lost on restart and grows with the number of
// identities; Prune evicts it for days that no event may touch anymore.
type Ledger struct {
	store  Store
	loc    *time.Location
	policy StatusPolicy
	minGap time.Duration

	mu         sync.Mutex
	identities map[string]*identityState
	floor      Day // events before floor are rejected
}

// New creates a ledger writing to store.
func New(store Store, opts Options) *Ledger {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	policy := opts.Policy
	if policy == nil {
		policy = AlwaysPresent
	}
	return &Ledger{
		store:      store,
		loc:        loc,
		policy:     policy,
		minGap:     opts.MinDepartureGap,
		identities: make(map[string]*identityState),
	}
}

// Location returns the time zone used for day boundaries.
func (l *Ledger) Location() *time.Location {
	return l.loc
}

// Today returns the current day in the ledger's time zone.
func (l *Ledger) Today() Day {
	return DayOf(time.Now(), l.loc)
}

// acquire returns the state of identityID and the current floor. The caller must release it.
func (l *Ledger) acquire(identityID string) (*identityState, Day) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.identities[identityID]
	if !ok {
		st = &identityState{}
		l.identities[identityID] = st
	}
	st.refs++
	return st, l.floor
}

func (l *Ledger) release(st *identityState) {
	l.mu.Lock()
	st.refs--
	l.mu.Unlock()
}

// Prune forgets identities whose latest event is before the given day and rejects
// every later event for a day before it. It returns the number of identities forgotten.
func (l *Ledger) Prune(before Day) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if before > l.floor {
		l.floor = before
	}
	n := 0
	for id, st := range l.identities {
		if st.refs > 0 || !st.mu.TryLock() {
			continue
		}
		if st.lastDay < before {
			delete(l.identities, id)
			n++
		}
		st.mu.Unlock()
	}
	return n
}

// Tracked returns the number of identities with in-memory state.
func (l *Ledger) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.identities)
}

// RecordEvent applies one accepted recognition of identityID at eventTime.
// eventTime is truncated to StoragePrecision first.
//
// Rejected events return TransitionIgnored together with an error wrapping ErrInvalidEvent;
// callers should treat them as no-ops. Duplicate and post-departure recognitions return
// TransitionIgnored with a nil error. Store failures wrap ErrStorageUnavailable and are not retried.
func (l *Ledger) RecordEvent(ctx context.Context, identityID string, eventTime time.Time) (Transition, error) {
	if identityID == "" {
		return TransitionIgnored, fmt.Errorf("%w: empty identity", ErrInvalidEvent)
	}
	if eventTime.IsZero() {
		return TransitionIgnored, fmt.Errorf("%w: missing event time for %s", ErrInvalidEvent, identityID)
	}
	// Must compare equal to the time_in the store hands back.
	eventTime = eventTime.Truncate(StoragePrecision)

	st, floor := l.acquire(identityID)
	defer l.release(st)
	st.mu.Lock()
	defer st.mu.Unlock()

	day := DayOf(eventTime, l.loc)
	if day < floor {
		return TransitionIgnored, fmt.Errorf("%w: %s event for %s is before %s", ErrInvalidEvent, day, identityID, floor)
	}
	if st.lastDay != "" && day < st.lastDay {
		return TransitionIgnored, fmt.Errorf("%w: %s event for %s after %s was already recorded",
			ErrInvalidEvent, day, identityID, st.lastDay)
	}

	transition, err := l.apply(ctx, identityID, day, eventTime)
	if err != nil {
		return TransitionIgnored, err
	}
	st.lastDay = day
	return transition, nil
}

func (l *Ledger) apply(ctx context.Context, identityID string, day Day, eventTime time.Time) (Transition, error) {
	rec, err := l.store.Get(ctx, identityID, day)
	if err != nil {
		return TransitionIgnored, fmt.Errorf("%w: get %s/%s: %w", ErrStorageUnavailable, identityID, day, err)
	}

	switch {
	case rec == nil:
		return l.arrive(ctx, identityID, day, eventTime)

	case rec.TimeIn == nil:
		// Absent record written by MarkAbsent; the identity showed up after all.
		ok, err := l.store.SetArrival(ctx, identityID, day, eventTime, l.policy.ArrivalStatus(eventTime))
		if err != nil {
			return TransitionIgnored, fmt.Errorf("%w: set arrival %s/%s: %w", ErrStorageUnavailable, identityID, day, err)
		}
		if !ok {
			return TransitionIgnored, nil
		}
		return TransitionCreated, nil

	case rec.TimeOut != nil:
		// time_out is final for the day.
		return TransitionIgnored, nil

	case eventTime.Before(*rec.TimeIn):
		return TransitionIgnored, fmt.Errorf("%w: %s at %s is before time_in %s",
			ErrInvalidEvent, identityID, eventTime.Format(time.RFC3339), rec.TimeIn.Format(time.RFC3339))

	case eventTime.Equal(*rec.TimeIn) || eventTime.Sub(*rec.TimeIn) < l.minGap:
		return TransitionIgnored, nil
	}

	ok, err := l.store.SetDeparture(ctx, identityID, day, eventTime)
	if err != nil {
		return TransitionIgnored, fmt.Errorf("%w: set departure %s/%s: %w", ErrStorageUnavailable, identityID, day, err)
	}
	if !ok {
		return TransitionIgnored, nil
	}
	return TransitionDepartureSet, nil
}

func (l *Ledger) arrive(ctx context.Context, identityID string, day Day, eventTime time.Time) (Transition, error) {
	t := eventTime
	created, err := l.store.Create(ctx, Record{
		IdentityID: identityID,
		Day:        day,
		TimeIn:     &t,
		Status:     l.policy.ArrivalStatus(eventTime),
	})
	if err != nil {
		return TransitionIgnored, fmt.Errorf("%w: create %s/%s: %w", ErrStorageUnavailable, identityID, day, err)
	}
	if !created {
		// Another writer created the record first.
		return TransitionIgnored, nil
	}
	return TransitionCreated, nil
}

// MarkAbsent creates Absent records for identities that have no record on day.
// It returns the number of records created.
func (l *Ledger) MarkAbsent(ctx context.Context, day Day, identityIDs []string) (int, error) {
	created := 0
	for _, id := range identityIDs {
		if id == "" {
			continue
		}
		n, err := l.markAbsent(ctx, day, id)
		if err != nil {
			return created, err
		}
		created += n
	}
	return created, nil
}

func (l *Ledger) markAbsent(ctx context.Context, day Day, identityID string) (int, error) {
	st, _ := l.acquire(identityID)
	defer l.release(st)
	st.mu.Lock()
	defer st.mu.Unlock()

	ok, err := l.store.Create(ctx, Record{IdentityID: identityID, Day: day, Status: StatusAbsent})
	if err != nil {
		return 0, fmt.Errorf("%w: mark absent %s/%s: %w", ErrStorageUnavailable, identityID, day, err)
	}
	if ok {
		return 1, nil
	}
	return 0, nil
}

// Records returns all records of day.
func (l *Ledger) Records(ctx context.Context, day Day) ([]Record, error) {
	recs, err := l.store.ListByDay(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrStorageUnavailable, day, err)
	}
	return recs, nil
}
