package roster

// Demo identity reported by DegradedMatcher when nobody is enrolled.
const (
	DemoIdentityID   = "DEMO001"
	DemoIdentityName = "Demo User"
)

const (
	degradedConfidence = 0.85
	demoConfidence     = 0.80
)

// DegradedMatcher is used when no embedding server is available to produce real descriptors.
// It never inspects the query and credits every detected face to the first enrolled identity.
// It exists so the capture pipeline can be exercised end to end on demo installations.
type DegradedMatcher struct {
	roster *Roster
}

// NewDegradedMatcher creates a degraded matcher over roster.
func NewDegradedMatcher(r *Roster) *DegradedMatcher {
	return &DegradedMatcher{roster: r}
}

// Match returns the first enrolled identity, or the demo identity for an empty roster.
// The demo identity is not a student and must not reach the attendance ledger.
func (m *DegradedMatcher) Match(Embedding) (MatchResult, error) {
	snap := m.roster.Snapshot()
	if snap.Len() == 0 {
		return MatchResult{
			IdentityID:  DemoIdentityID,
			DisplayName: DemoIdentityName,
			Matched:     true,
			Distance:    1 - demoConfidence,
			Confidence:  demoConfidence,
			Demo:        true,
		}, nil
	}

	first := snap.identities[0]
	return MatchResult{
		IdentityID:  first.ID,
		DisplayName: first.DisplayName,
		Matched:     true,
		Distance:    1 - degradedConfidence,
		Confidence:  degradedConfidence,
	}, nil
}
