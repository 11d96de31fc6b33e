// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Enrollment constants
const (
	// DuplicateFaceDistance is the maximum Euclidean distance at which a new enrollment
	// is considered the same face as an already enrolled student
	DuplicateFaceDistance = 0.35

	// DefaultSimilarLimit is the default number of nearest students returned by similarity checks
	DefaultSimilarLimit = 5

	// MaxEnrollImageSize is the maximum dimension (width or height) of enrollment photos
	MaxEnrollImageSize = 1920
)

// Capture constants
const (
	// CaptureErrorBackoff is how long the recognition loop waits after a source error
	CaptureErrorBackoff = time.Second

	// PushSourceBuffer is the number of observations a push source buffers
	PushSourceBuffer = 64
)

// Attendance constants
const (
	// LedgerPruneInterval is how often the server drops in-memory ledger state of past days
	LedgerPruneInterval = time.Hour
)
