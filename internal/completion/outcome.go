package completion

import "fmt"

// OutcomeKind tags the variant held by an Outcome.
type OutcomeKind int

const (
	// OutcomeText carries a whole response body.
	OutcomeText OutcomeKind = iota
	// OutcomeStream carries a fragment stream the caller must consume and close.
	OutcomeStream
	// OutcomeCancelled means the session was cancelled. Nothing is delivered.
	OutcomeCancelled
	// OutcomeFailed is terminal. Err holds the cause for logs only.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeText:
		return "text"
	case OutcomeStream:
		return "stream"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the result of Client.Complete.
type Outcome struct {
	Kind   OutcomeKind
	Text   string
	Stream Stream
	Err    error

	// Attempts is the number of transport calls made.
	Attempts int
}

// TextOutcome wraps a whole response.
func TextOutcome(text string) Outcome {
	return Outcome{Kind: OutcomeText, Text: text}
}

// StreamOutcome wraps a fragment stream.
func StreamOutcome(s Stream) Outcome {
	return Outcome{Kind: OutcomeStream, Stream: s}
}

// CancelledOutcome marks a cancelled session.
func CancelledOutcome() Outcome {
	return Outcome{Kind: OutcomeCancelled}
}

// FailedOutcome wraps a terminal failure.
func FailedOutcome(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}
