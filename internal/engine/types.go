package engine

import (
	"context"
	"fmt"
	"time"

	"pollwatch/internal/alert"
	"pollwatch/internal/credential"
)

// Outcome classifies one fetch.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeUnauthorized
	OutcomeEmpty
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeEmpty:
		return "empty"
	case OutcomeTransient:
		return "transient"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what a Fetcher reports. Items is only meaningful for
// OutcomeSuccess; a Success with no items is treated as Empty.
type Result struct {
	Outcome    Outcome
	Items      []any
	Err        error
	StatusCode int
}

func Success(items ...any) Result { return Result{Outcome: OutcomeSuccess, Items: items} }

func Empty() Result { return Result{Outcome: OutcomeEmpty} }

func RateLimited(err error) Result { return Result{Outcome: OutcomeRateLimited, Err: err} }

func Unauthorized(err error) Result { return Result{Outcome: OutcomeUnauthorized, Err: err} }

func Transient(err error) Result { return Result{Outcome: OutcomeTransient, Err: err} }

// Candidate is an extracted item ready for dedup. Key identifies the logical
// item (canonical URL, composite id...).
type Candidate struct {
	Key          string
	Payload      alert.Alert
	DiscoveredAt time.Time
}

// Fetcher retrieves the publisher's current items. Implementations must
// honor ctx; the engine bounds every call with the fetch timeout.
type Fetcher interface {
	Fetch(ctx context.Context, creds credential.Set) Result
}

type FetcherFunc func(ctx context.Context, creds credential.Set) Result

func (f FetcherFunc) Fetch(ctx context.Context, creds credential.Set) Result { return f(ctx, creds) }

// Extractor turns one raw item into at most one Candidate. (nil, nil) skips
// the item silently; an error skips it with a log line.
type Extractor interface {
	Extract(raw any) (*Candidate, error)
}

type ExtractorFunc func(raw any) (*Candidate, error)

func (f ExtractorFunc) Extract(raw any) (*Candidate, error) { return f(raw) }

// Sink delivers an alert to its channels.
type Sink interface {
	Deliver(ctx context.Context, a alert.Alert) error
}

type SinkFunc func(ctx context.Context, a alert.Alert) error

func (f SinkFunc) Deliver(ctx context.Context, a alert.Alert) error { return f(ctx, a) }

// State is the engine's position in its window cycle.
type State int32

const (
	StateAwaitingWindow State = iota
	StatePolling
	StateWindowClosed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAwaitingWindow:
		return "awaiting_window"
	case StatePolling:
		return "polling"
	case StateWindowClosed:
		return "window_closed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
