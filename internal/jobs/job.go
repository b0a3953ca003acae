package jobs

import (
	"fmt"
	"time"
)

// State is a job's lifecycle state. The string values are part of the
// persisted document format.
type State string

const (
	StatePending    State = "pending"
	StateSubmitted  State = "submitted"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateRetrying   State = "retrying"
)

// DefaultMaxRetries is the retry budget of a new job.
const DefaultMaxRetries = 3

// validTransitions maps each state to the states it may move to.
var validTransitions = map[State]map[State]bool{
	StatePending: {
		StateSubmitted: true,
		StateFailed:    true, // never reached a server
	},
	StateSubmitted: {
		StateProcessing: true,
		StateCompleted:  true,
		StateRetrying:   true,
		StateFailed:     true,
	},
	StateProcessing: {
		StateCompleted: true,
		StateRetrying:  true,
		StateFailed:    true,
	},
	StateRetrying: {
		StateSubmitted: true,
		StateFailed:    true,
	},
	StateCompleted: {},
	StateFailed:    {},
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are possible from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// validateTransition returns an error wrapping [ErrInvalidTransition] when
// moving from one state to another is not allowed.
func validateTransition(from, to State) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source state %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Result holds the transcription output of a completed job.
type Result struct {
	Text           string  `json:"text"`
	Language       string  `json:"language"`
	Duration       float64 `json:"duration"`
	ProcessingTime float64 `json:"processingTime"`
}

// Job is one logical transcription request, tracked across all of its remote
// submission attempts. The local ID is stable; each submission gets a new
// RemoteJobID.
//
// Jobs are owned by the [Manager]. Values handed out by the manager are
// copies; mutating them has no effect on the stored job.
type Job struct {
	ID        string `json:"id"`
	AudioPath string `json:"audioPath"`

	ServerURL   string `json:"serverUrl,omitempty"`
	RemoteJobID string `json:"remoteJobId,omitempty"`

	State State `json:"state"`

	CreatedAt   time.Time `json:"createdAt"`
	SubmittedAt time.Time `json:"submittedAt,omitzero"`
	CompletedAt time.Time `json:"completedAt,omitzero"`

	Result *Result `json:"result,omitempty"`

	RetryCount  int       `json:"retryCount"`
	MaxRetries  int       `json:"maxRetries"`
	LastError   string    `json:"lastError,omitempty"`
	NextRetryAt time.Time `json:"nextRetryAt,omitzero"`

	Language string `json:"language,omitempty"`
	Priority int    `json:"priority"`
}

// CanRetry reports whether the job is in a failure state with retry budget
// left.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries && (j.State == StateFailed || j.State == StateRetrying)
}

// clone returns a deep copy of j.
func (j *Job) clone() Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return c
}
