package capture

import (
	"context"
	"errors"
	"hash/fnv"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/face-attendance/internal/ledger"
)

// Recorder applies attendance events. *ledger.Ledger implements it.
type Recorder interface {
	RecordEvent(ctx context.Context, identityID string, eventTime time.Time) (ledger.Transition, error)
}

// Event is one accepted identity decision on its way to the ledger.
type Event struct {
	IdentityID string    `json:"identity_id"`
	EventTime  time.Time `json:"event_time"`
}

// Result reports the outcome of one dispatched event.
type Result struct {
	Event      Event             `json:"event"`
	Transition ledger.Transition `json:"transition"`
	Error      string            `json:"error,omitempty"`
	Err        error             `json:"-"`
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Workers      int
	QueueSize    int           // per worker
	EventTimeout time.Duration // bound on each RecordEvent call, 0 means none
	OnResult     func(Result)
}

// DispatcherStats are cumulative counters.
type DispatcherStats struct {
	Dispatched   int64 `json:"dispatched"`
	Dropped      int64 `json:"dropped"`
	Created      int64 `json:"created"`
	DepartureSet int64 `json:"departure_set"`
	Ignored      int64 `json:"ignored"`
	Rejected     int64 `json:"rejected"`
	Failed       int64 `json:"failed"`
}

// Dispatcher hands events to the ledger off the recognition path.
// Events are sharded by identity, so one identity's events are applied in dispatch
// order while different identities proceed in parallel. Dispatch never blocks: when
// a shard's queue is full the event is dropped, which the ledger tolerates because
// the next recognition of the same person carries the same information.
type Dispatcher struct {
	recorder Recorder
	queues   []chan Event
	timeout  time.Duration
	onResult func(Result)
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dispatched   atomic.Int64
	dropped      atomic.Int64
	created      atomic.Int64
	departureSet atomic.Int64
	ignored      atomic.Int64
	rejected     atomic.Int64
	failed       atomic.Int64
}

// NewDispatcher starts the worker goroutines.
func NewDispatcher(recorder Recorder, opts DispatcherOptions) *Dispatcher {
	workers := max(opts.Workers, 1)
	queueSize := max(opts.QueueSize, 1)

	d := &Dispatcher{
		recorder: recorder,
		queues:   make([]chan Event, workers),
		timeout:  opts.EventTimeout,
		onResult: opts.OnResult,
	}
	for i := range d.queues {
		d.queues[i] = make(chan Event, queueSize)
		d.wg.Add(1)
		go d.worker(d.queues[i])
	}
	return d
}

func (d *Dispatcher) shard(identityID string) int {
	h := fnv.New32a()
	h.Write([]byte(identityID))
	return int(h.Sum32() % uint32(len(d.queues)))
}

// Dispatch enqueues an event and reports whether it was accepted.
func (d *Dispatcher) Dispatch(ev Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}

	select {
	case d.queues[d.shard(ev.IdentityID)] <- ev:
		d.dispatched.Add(1)
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

func (d *Dispatcher) worker(queue <-chan Event) {
	defer d.wg.Done()
	for ev := range queue {
		d.apply(ev)
	}
}

func (d *Dispatcher) apply(ev Event) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	transition, err := d.recorder.RecordEvent(ctx, ev.IdentityID, ev.EventTime)
	switch {
	case errors.Is(err, ledger.ErrInvalidEvent):
		d.rejected.Add(1)
	case err != nil:
		d.failed.Add(1)
		log.Printf("capture: recording %s failed: %v", ev.IdentityID, err)
	case transition == ledger.TransitionCreated:
		d.created.Add(1)
	case transition == ledger.TransitionDepartureSet:
		d.departureSet.Add(1)
	default:
		d.ignored.Add(1)
	}

	if d.onResult != nil {
		res := Result{Event: ev, Transition: transition, Err: err}
		if err != nil {
			res.Error = err.Error()
		}
		d.onResult(res)
	}
}

// Close stops accepting events and waits until queued ones are applied.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Dispatched:   d.dispatched.Load(),
		Dropped:      d.dropped.Load(),
		Created:      d.created.Load(),
		DepartureSet: d.departureSet.Load(),
		Ignored:      d.ignored.Load(),
		Rejected:     d.rejected.Load(),
		Failed:       d.failed.Load(),
	}
}
