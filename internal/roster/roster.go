// Package roster holds the enrolled identities and decides who a face embedding belongs to.
//
// The active roster is an immutable Snapshot published behind an atomic pointer.
// Reload builds a complete new snapshot before publishing it, so a Match running
// concurrently with an administrative reload sees either the old or the new roster
// in full, never a mix of both. Writers are serialized, so a reload that read its
// identities earlier can never publish over one that read them later.
package roster

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrDimensionMismatch is returned when an embedding does not have the roster's dimensionality.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrInvalidIdentity is returned by Reload for empty or duplicate identity IDs.
	ErrInvalidIdentity = errors.New("invalid enrolled identity")
)

// Embedding is a fixed-length face descriptor produced by the embedding server.
type Embedding []float32

// EnrolledIdentity is one (identity, embedding) pair of the roster.
type EnrolledIdentity struct {
	ID          string    `json:"identity_id"`
	DisplayName string    `json:"display_name"`
	Embedding   Embedding `json:"embedding"`
}

// Roster holds the active snapshot.
type Roster struct {
	snap    atomic.Pointer[Snapshot]
	dim     int // required dimensionality, 0 accepts whatever the first identity has
	writeMu sync.Mutex
}

// New creates an empty roster. If dim is positive, Reload rejects embeddings of any other length.
func New(dim int) *Roster {
	r := &Roster{dim: dim}
	r.snap.Store(emptySnapshot(dim))
	return r
}

// Snapshot returns the currently active snapshot. The returned value is never nil.
func (r *Roster) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Len returns the number of identities in the active snapshot.
func (r *Roster) Len() int {
	return r.Snapshot().Len()
}

// Reload validates identities and atomically replaces the active snapshot.
// On error the previous snapshot stays active.
func (r *Roster) Reload(identities []EnrolledIdentity) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.publish(identities)
}

// Update runs load and publishes its result as one critical section with respect to
// other writers. It returns the new roster size. On error the previous snapshot stays active.
func (r *Roster) Update(load func() ([]EnrolledIdentity, error)) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	identities, err := load()
	if err != nil {
		return 0, err
	}
	if err := r.publish(identities); err != nil {
		return 0, err
	}
	return len(identities), nil
}

func (r *Roster) publish(identities []EnrolledIdentity) error {
	snap, err := buildSnapshot(identities, r.dim)
	if err != nil {
		return err
	}
	r.snap.Store(snap)
	return nil
}

func buildSnapshot(identities []EnrolledIdentity, dim int) (*Snapshot, error) {
	if len(identities) == 0 {
		return emptySnapshot(dim), nil
	}

	if dim <= 0 {
		dim = len(identities[0].Embedding)
	}
	if dim == 0 {
		return nil, fmt.Errorf("%w: identity %q has an empty embedding", ErrDimensionMismatch, identities[0].ID)
	}

	seen := make(map[string]struct{}, len(identities))
	ids := make([]EnrolledIdentity, len(identities))
	for i, id := range identities {
		if id.ID == "" {
			return nil, fmt.Errorf("%w: empty identity ID at position %d", ErrInvalidIdentity, i)
		}
		if _, dup := seen[id.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate identity ID %q", ErrInvalidIdentity, id.ID)
		}
		if len(id.Embedding) != dim {
			return nil, fmt.Errorf("%w: identity %q has %d dimensions, roster expects %d",
				ErrDimensionMismatch, id.ID, len(id.Embedding), dim)
		}
		seen[id.ID] = struct{}{}

		// Copy the vector so later mutation by the caller cannot leak into the snapshot.
		emb := make(Embedding, dim)
		copy(emb, id.Embedding)
		ids[i] = EnrolledIdentity{ID: id.ID, DisplayName: id.DisplayName, Embedding: emb}
	}

	snap := &Snapshot{identities: ids, dim: dim}
	if len(ids) >= HNSWMinIdentities {
		snap.graph = buildGraph(ids)
	}
	return snap, nil
}
