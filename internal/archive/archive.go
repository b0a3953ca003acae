// Package archive stores finished transcripts outside the dispatch state file.
//
// The dispatcher hands every successful result to a [Sink]. Archiving is best
// effort: a failing sink is logged by the caller and never fails the
// transcription. [PostgresSink] is the production implementation; [Guard]
// wraps any sink in a circuit breaker so an unreachable database does not add
// a connection timeout to every request.
package archive

import (
	"context"
	"time"

	"github.com/MrWong99/voxcap/pkg/whisperapi"
)

// Transcript is one archived transcription result.
type Transcript struct {
	JobID          string
	RemoteJobID    string
	ServerURL      string
	AudioPath      string
	Language       string
	Text           string
	Duration       float64
	ProcessingTime float64
	Segments       []whisperapi.Segment
	CreatedAt      time.Time
}

// Sink receives finished transcripts. Implementations must be safe for
// concurrent use.
type Sink interface {
	Store(ctx context.Context, t Transcript) error
}

// Lister is implemented by sinks that can return what they stored.
type Lister interface {
	Recent(ctx context.Context, limit int) ([]Transcript, error)
}
