package constants

import "time"

// Handler constants
const (
	// MaxUploadSize is the maximum image upload size in bytes (20MB)
	MaxUploadSize = 20 << 20

	// MaxJSONBodySize is the maximum size of JSON request bodies in bytes (1MB)
	MaxJSONBodySize = 1 << 20

	// MaxObservationEmbeddings is the maximum number of embeddings in one observation
	MaxObservationEmbeddings = 64
)

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100
)

// Cache constants
const (
	// StatsCacheTTL is how long the stats endpoint serves a cached response
	StatsCacheTTL = 10 * time.Second

	// HealthCheckTimeout bounds each dependency probe of the health endpoint
	HealthCheckTimeout = 3 * time.Second
)
