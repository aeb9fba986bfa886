// Package credential rotates accounts and proxies across fetches and keeps
// rate-limited or banned ones out of rotation for a while.
package credential

import (
	"errors"
	"sync"
	"time"

	"pollwatch/internal/clock"
)

// ErrNoneAvailable is returned by Acquire when every resource is suspended.
var ErrNoneAvailable = errors.New("no credential available")

type Kind string

const (
	KindAccount Kind = "account"
	KindProxy   Kind = "proxy"
)

// Resource is one identity usable for a fetch. Identity is safe to log;
// Secret is not.
type Resource struct {
	Kind     Kind
	Identity string
	Username string
	Secret   string
}

// Set is what one fetch attempt runs with. Either field may be nil when the
// publisher does not need that kind.
type Set struct {
	Account *Resource
	Proxy   *Resource
	// Token is the account's session material when the publisher needs a login.
	Token string
}

// Status is a point-in-time view of one resource.
type Status struct {
	Kind           Kind
	Identity       string
	Eligible       bool
	SuspendedUntil time.Time
	Suspensions    int
	InUse          int
}

type entry struct {
	res         Resource
	until       time.Time
	suspensions int
	inUse       int
}

// Pool hands out resources round-robin, skipping suspended ones. Expired
// suspensions are cleared lazily inside Acquire.
type Pool struct {
	clk clock.Clock

	mu      sync.Mutex
	entries []*entry
	index   map[string]int
	next    int
}

func NewPool(clk clock.Clock, resources ...Resource) *Pool {
	if clk == nil {
		clk = clock.System{}
	}
	p := &Pool{clk: clk, index: map[string]int{}}
	for _, r := range resources {
		if _, dup := p.index[r.Identity]; dup {
			continue
		}
		p.index[r.Identity] = len(p.entries)
		p.entries = append(p.entries, &entry{res: r})
	}
	return p
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Acquire returns the next eligible resource after the last one handed out.
func (p *Pool) Acquire() (Resource, error) {
	now := p.clk.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.entries)
	if n == 0 {
		return Resource{}, ErrNoneAvailable
	}
	for _, e := range p.entries {
		if !e.until.IsZero() && !now.Before(e.until) {
			e.until = time.Time{}
		}
	}
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		e := p.entries[idx]
		if !e.until.IsZero() {
			continue
		}
		p.next = (idx + 1) % n
		e.inUse++
		return e.res, nil
	}
	return Resource{}, ErrNoneAvailable
}

// Suspend keeps identity out of rotation until now+d and returns that
// instant. Unknown identities are ignored.
func (p *Pool) Suspend(identity string, d time.Duration) (time.Time, bool) {
	until := p.clk.Now().Add(d)

	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.index[identity]
	if !ok {
		return time.Time{}, false
	}
	e := p.entries[idx]
	e.until = until
	e.suspensions++
	return until, true
}

// Release marks the end of a fetch that used identity. Resources are reusable
// immediately either way; the counter only feeds Snapshot.
func (p *Pool) Release(identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx, ok := p.index[identity]; ok && p.entries[idx].inUse > 0 {
		p.entries[idx].inUse--
	}
}

// Reset reinstates every resource.
func (p *Pool) Reset() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		if !e.until.IsZero() {
			e.until = time.Time{}
			n++
		}
	}
	return n
}

// Eligible counts resources usable right now.
func (p *Pool) Eligible() int {
	now := p.clk.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		if e.until.IsZero() || !now.Before(e.until) {
			n++
		}
	}
	return n
}

func (p *Pool) Snapshot() []Status {
	now := p.clk.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.entries))
	for _, e := range p.entries {
		st := Status{
			Kind:        e.res.Kind,
			Identity:    e.res.Identity,
			Eligible:    e.until.IsZero() || !now.Before(e.until),
			Suspensions: e.suspensions,
			InUse:       e.inUse,
		}
		if !st.Eligible {
			st.SuspendedUntil = e.until
		}
		out = append(out, st)
	}
	return out
}

// Suspensions returns the active suspension deadlines keyed by identity.
func (p *Pool) Suspensions() map[string]time.Time {
	now := p.clk.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]time.Time{}
	for _, e := range p.entries {
		if !e.until.IsZero() && now.Before(e.until) {
			out[e.res.Identity] = e.until
		}
	}
	return out
}

// Restore re-applies deadlines saved by a previous run. Deadlines already in
// the past and unknown identities are skipped.
func (p *Pool) Restore(deadlines map[string]time.Time) int {
	now := p.clk.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, until := range deadlines {
		idx, ok := p.index[id]
		if !ok || !now.Before(until) {
			continue
		}
		p.entries[idx].until = until
		n++
	}
	return n
}

// Resources lists every resource in rotation order, suspended or not.
func (p *Pool) Resources() []Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Resource, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.res)
	}
	return out
}
