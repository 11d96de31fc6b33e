package roster

import (
	"math"
	"slices"

	"github.com/coder/hnsw"
)

// HNSW parameters for the duplicate-enrollment index.
const (
	// HNSWMinIdentities is the roster size from which Similar uses the graph instead of a full scan.
	HNSWMinIdentities = 256

	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	HNSWEfSearch = 64
)

// Snapshot is an immutable, enrollment-ordered view of the roster.
type Snapshot struct {
	identities []EnrolledIdentity
	dim        int
	graph      *hnsw.Graph[int] // keyed by position in identities, nil for small rosters
}

// Candidate is an enrolled identity together with its distance to a query.
type Candidate struct {
	Identity EnrolledIdentity `json:"identity"`
	Distance float64          `json:"distance"`
}

func emptySnapshot(dim int) *Snapshot {
	return &Snapshot{dim: dim}
}

// Len returns the number of enrolled identities.
func (s *Snapshot) Len() int {
	return len(s.identities)
}

// Dim returns the embedding dimensionality (0 if unknown).
func (s *Snapshot) Dim() int {
	return s.dim
}

// Identities returns a copy of the enrolled identities in enrollment order.
func (s *Snapshot) Identities() []EnrolledIdentity {
	return slices.Clone(s.identities)
}

// Lookup returns the identity with the given ID.
func (s *Snapshot) Lookup(id string) (EnrolledIdentity, bool) {
	for _, ident := range s.identities {
		if ident.ID == id {
			return ident, true
		}
	}
	return EnrolledIdentity{}, false
}

// nearest returns the position and distance of the closest identity.
// Ties keep the earliest position. Caller guarantees a non-empty snapshot and matching dimension.
func (s *Snapshot) nearest(query Embedding) (int, float64) {
	best := -1
	bestDist := math.Inf(1)
	for i := range s.identities {
		d := EuclideanDistance(query, s.identities[i].Embedding)
		if d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best, bestDist
}

// Similar returns up to k enrolled identities closest to query, nearest first.
// Large snapshots are searched through the HNSW graph and then re-ranked by exact distance.
func (s *Snapshot) Similar(query Embedding, k int) ([]Candidate, error) {
	if k <= 0 || len(s.identities) == 0 {
		return nil, nil
	}
	if len(query) != s.dim {
		return nil, ErrDimensionMismatch
	}

	var positions []int
	if s.graph != nil {
		for _, n := range s.graph.Search(query, k) {
			positions = append(positions, n.Key)
		}
	} else {
		positions = make([]int, len(s.identities))
		for i := range positions {
			positions[i] = i
		}
	}

	candidates := make([]Candidate, 0, len(positions))
	for _, pos := range positions {
		ident := s.identities[pos]
		candidates = append(candidates, Candidate{Identity: ident, Distance: EuclideanDistance(query, ident.Embedding)})
	}
	slices.SortStableFunc(candidates, func(a, b Candidate) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return 0
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func buildGraph(identities []EnrolledIdentity) *hnsw.Graph[int] {
	g := hnsw.NewGraph[int]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors)
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.EuclideanDistance

	for i := range identities {
		g.Add(hnsw.MakeNode(i, []float32(identities[i].Embedding)))
	}
	return g
}

// EuclideanDistance computes the L2 distance between two vectors of equal length.
// Vectors of different length yield +Inf.
func EuclideanDistance(a, b Embedding) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
