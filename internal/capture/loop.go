package capture

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/kozaktomas/face-attendance/internal/constants"
)

// Loop pulls observations from a source and feeds them to a processor.
type Loop struct {
	source    Source
	processor *Processor
	backoff   time.Duration
}

// NewLoop creates a recognition loop.
func NewLoop(source Source, processor *Processor) *Loop {
	return &Loop{source: source, processor: processor, backoff: constants.CaptureErrorBackoff}
}

// Run processes observations until the source is exhausted (nil) or ctx is done (ctx.Err()).
// Source errors are logged and retried after a short backoff.
func (l *Loop) Run(ctx context.Context) error {
	for {
		obs, err := l.source.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Printf("capture: source error: %v", err)
			select {
			case <-time.After(l.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if len(obs.Embeddings) == 0 {
			continue
		}
		l.processor.Process(obs)
	}
}
