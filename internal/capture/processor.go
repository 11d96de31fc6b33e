package capture

import (
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/face-attendance/internal/roster"
)

// Reasons a decision did not reach the ledger.
const (
	ReasonNoMatch       = "no_match"
	ReasonLowConfidence = "low_confidence"
	ReasonDemo          = "demo"
	ReasonDropped       = "dropped"
	ReasonError         = "error"
)

// ErrInvalidConfidence is returned by SetMinConfidence for values outside [0, 1].
var ErrInvalidConfidence = errors.New("minimum confidence must be between 0 and 1")

// Decision is the outcome of matching one face of an observation.
type Decision struct {
	Match      roster.MatchResult `json:"match"`
	ObservedAt time.Time          `json:"observed_at"`
	Source     string             `json:"source,omitempty"`
	// Accepted is true when the match passed the confidence gate.
	Accepted bool `json:"accepted"`
	// Dispatched is true when the event was queued for the ledger.
	Dispatched bool   `json:"dispatched"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ProcessorStats are cumulative counters.
type ProcessorStats struct {
	Observations int64           `json:"observations"`
	Faces        int64           `json:"faces"`
	Accepted     int64           `json:"accepted"`
	Dispatcher   DispatcherStats `json:"dispatcher"`
}

// Processor matches observations, applies the confidence gate and dispatches
// accepted decisions. It is shared by the recognition loop and the HTTP API.
type Processor struct {
	matcher       roster.Matcher
	dispatcher    *Dispatcher
	minConfidence atomic.Uint64 // float64 bits
	events        *Broadcaster

	observations atomic.Int64
	faces        atomic.Int64
	accepted     atomic.Int64
}

// NewProcessor creates a processor. events may be nil.
func NewProcessor(matcher roster.Matcher, dispatcher *Dispatcher, minConfidence float64, events *Broadcaster) *Processor {
	p := &Processor{
		matcher:    matcher,
		dispatcher: dispatcher,
		events:     events,
	}
	p.minConfidence.Store(math.Float64bits(minConfidence))
	return p
}

// MinConfidence returns the confidence gate.
func (p *Processor) MinConfidence() float64 {
	return math.Float64frombits(p.minConfidence.Load())
}

// SetMinConfidence replaces the confidence gate for all later decisions.
func (p *Processor) SetMinConfidence(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return ErrInvalidConfidence
	}
	p.minConfidence.Store(math.Float64bits(v))
	return nil
}

// Matcher returns the matcher decisions are made with.
func (p *Processor) Matcher() roster.Matcher {
	return p.matcher
}

// Process decides every face of obs. A zero ObservedAt is replaced by the current time.
func (p *Processor) Process(obs Observation) []Decision {
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = time.Now()
	}
	p.observations.Add(1)

	decisions := make([]Decision, 0, len(obs.Embeddings))
	for _, emb := range obs.Embeddings {
		d := p.decide(emb, obs)
		decisions = append(decisions, d)
		p.events.Send(Notification{Type: NotificationDecision, Data: d})
	}
	return decisions
}

func (p *Processor) decide(emb roster.Embedding, obs Observation) Decision {
	p.faces.Add(1)
	d := Decision{ObservedAt: obs.ObservedAt, Source: obs.Source}

	res, err := p.matcher.Match(emb)
	d.Match = res
	switch {
	case err != nil:
		d.Reason = ReasonError
		d.Error = err.Error()
		return d
	case !res.Matched:
		d.Reason = ReasonNoMatch
		return d
	case res.Demo:
		d.Reason = ReasonDemo
		return d
	case res.Confidence < p.MinConfidence():
		d.Reason = ReasonLowConfidence
		return d
	}

	d.Accepted = true
	p.accepted.Add(1)
	d.Dispatched = p.dispatcher.Dispatch(Event{IdentityID: res.IdentityID, EventTime: obs.ObservedAt})
	if !d.Dispatched {
		d.Reason = ReasonDropped
	}
	return d
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		Observations: p.observations.Load(),
		Faces:        p.faces.Load(),
		Accepted:     p.accepted.Load(),
		Dispatcher:   p.dispatcher.Stats(),
	}
}
