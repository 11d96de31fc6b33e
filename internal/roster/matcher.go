package roster

import (
	"encoding/json"
	"errors"
	"math"
	"sync/atomic"
)

// DefaultAcceptThreshold is the maximum Euclidean distance for an accepted match.
const DefaultAcceptThreshold = 0.6

// ErrInvalidThreshold is returned by SetThreshold for non-positive or non-finite values.
var ErrInvalidThreshold = errors.New("acceptance threshold must be a positive finite distance")

// MatchResult is the identity decision for one query embedding.
// Matched is false when no enrolled embedding is within the acceptance threshold.
type MatchResult struct {
	IdentityID  string
	DisplayName string
	Matched     bool
	Distance    float64
	Confidence  float64
	// Demo marks the placeholder identity of a degraded matcher with nobody enrolled.
	Demo bool
}

// MarshalJSON encodes an absent identity as null and an infinite distance as null.
func (m MatchResult) MarshalJSON() ([]byte, error) {
	type wire struct {
		IdentityID  *string  `json:"identity_id"`
		DisplayName string   `json:"display_name,omitempty"`
		Distance    *float64 `json:"distance"`
		Confidence  float64  `json:"confidence"`
		Demo        bool     `json:"demo,omitempty"`
	}
	w := wire{DisplayName: m.DisplayName, Confidence: m.Confidence, Demo: m.Demo}
	if m.Matched {
		id := m.IdentityID
		w.IdentityID = &id
	}
	if !math.IsInf(m.Distance, 0) && !math.IsNaN(m.Distance) {
		d := m.Distance
		w.Distance = &d
	}
	return json.Marshal(w)
}

// Matcher turns a face embedding into an identity decision.
type Matcher interface {
	Match(query Embedding) (MatchResult, error)
}

// EuclideanMatcher accepts the nearest enrolled identity when it is closer than the threshold.
// The threshold can be changed while matches are running.
type EuclideanMatcher struct {
	roster    *Roster
	threshold atomic.Uint64 // float64 bits
}

// NewEuclideanMatcher creates a matcher over roster. A non-positive threshold selects DefaultAcceptThreshold.
func NewEuclideanMatcher(r *Roster, threshold float64) *EuclideanMatcher {
	if threshold <= 0 {
		threshold = DefaultAcceptThreshold
	}
	m := &EuclideanMatcher{roster: r}
	m.threshold.Store(math.Float64bits(threshold))
	return m
}

// Threshold returns the acceptance threshold.
func (m *EuclideanMatcher) Threshold() float64 {
	return math.Float64frombits(m.threshold.Load())
}

// SetThreshold replaces the acceptance threshold for all later matches.
func (m *EuclideanMatcher) SetThreshold(threshold float64) error {
	if threshold <= 0 || math.IsInf(threshold, 0) || math.IsNaN(threshold) {
		return ErrInvalidThreshold
	}
	m.threshold.Store(math.Float64bits(threshold))
	return nil
}

// Match compares query against every enrolled embedding of the active snapshot.
// A near miss is reported as no match, never as a low-confidence match.
func (m *EuclideanMatcher) Match(query Embedding) (MatchResult, error) {
	snap := m.roster.Snapshot()
	if snap.Len() == 0 {
		return MatchResult{Distance: math.Inf(1)}, nil
	}
	if len(query) != snap.Dim() {
		return MatchResult{}, ErrDimensionMismatch
	}

	pos, dist := snap.nearest(query)
	if dist >= m.Threshold() {
		return MatchResult{Distance: dist}, nil
	}

	ident := snap.identities[pos]
	return MatchResult{
		IdentityID:  ident.ID,
		DisplayName: ident.DisplayName,
		Matched:     true,
		Distance:    dist,
		Confidence:  clamp01(1 - dist),
	}, nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
