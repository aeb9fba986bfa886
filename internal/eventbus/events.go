package eventbus

import "time"

const (
	TypeEngineState        = "engine.state"
	TypeEngineTick         = "engine.tick"
	TypeAlertNew           = "alert.new"
	TypeCredentialSuspend  = "credential.suspended"
	TypeCredentialReset    = "credential.reset"
	TypeNotifierSent       = "notifier.sent"
	TypeNotifierFailed     = "notifier.failed"
	TypeNotifierDropped    = "notifier.dropped"
	TypeSessionStateChange = "session.state"
)

// StateChange reports an engine transition.
type StateChange struct {
	Publisher string
	State     string
	Open      time.Time
	Close     time.Time
}

// Tick summarizes one polling tick.
type Tick struct {
	Publisher string
	Outcome   string
	Fetched   int
	New       int
	Notified  int
	Failed    int
	Latency   time.Duration
	Seen      int
}

// NewAlert reports a fresh item handed to the sink.
type NewAlert struct {
	Publisher string
	Key       string
	Ticker    string
	Signal    string
	Latency   time.Duration
}

// Suspension reports a credential leaving rotation.
type Suspension struct {
	Publisher string
	Kind      string
	Identity  string
	Reason    string
	Until     time.Time
}

// Reset reports suspensions cleared at a window open.
type Reset struct {
	Publisher string
	Cleared   int
}

// Delivery reports one notification attempt outcome.
type Delivery struct {
	Publisher string
	Channel   string
	Key       string
	Attempts  int
	Err       string
}

// SessionState reports a login session transition.
type SessionState struct {
	Account string
	From    string
	To      string
}
