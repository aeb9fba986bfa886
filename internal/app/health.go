package app

import (
	"time"

	"pollwatch/internal/engine"
	"pollwatch/internal/housekeeping"
)

type agentHealth struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Seen        int       `json:"seen"`
	Ticks       uint64    `json:"ticks"`
	Notified    uint64    `json:"notified"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	LastTick    time.Time `json:"last_tick,omitempty"`
	Open        time.Time `json:"open,omitempty"`
	Close       time.Time `json:"close,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Health is served at /healthz.
type Health struct {
	Status string                   `json:"status"`
	Error  string                   `json:"error,omitempty"`
	Agents []agentHealth            `json:"agents"`
	Tasks  []TaskStats              `json:"tasks,omitempty"`
	Jobs   []housekeeping.JobStatus `json:"jobs,omitempty"`
	Clock  *clockHealth             `json:"clock,omitempty"`
}

type clockHealth struct {
	Offset   string    `json:"offset"`
	LastSync time.Time `json:"last_sync"`
	Error    string    `json:"error,omitempty"`
}

// Health reports every agent and supervised task. The app is unhealthy once
// the supervisor recorded a fatal error or an agent stopped while running.
func (a *App) Health() (Health, bool) {
	h := Health{Status: "ok"}
	healthy := true
	for _, g := range a.agents {
		st := g.engine.Status()
		h.Agents = append(h.Agents, agentHealth{
			Name:        st.Publisher,
			State:       st.State.String(),
			Seen:        st.Seen,
			Ticks:       st.Ticks,
			Notified:    st.Notified,
			LastOutcome: st.LastOutcome,
			LastTick:    st.LastTick,
			Open:        st.Window.Open,
			Close:       st.Window.Close,
		})
		if err := g.lastLoadErr(); err != nil {
			h.Agents[len(h.Agents)-1].Error = err.Error()
			healthy = false
		}
		if st.State == engine.StateStopped && a.running() {
			healthy = false
		}
	}
	if a.sup != nil {
		h.Tasks = a.sup.Snapshot()
		if err := a.sup.Err(); err != nil {
			healthy = false
			h.Error = err.Error()
		}
	}
	if a.jobs != nil {
		h.Jobs = a.jobs.Snapshot()
	}
	if a.ntp != nil {
		offset, last, err := a.ntp.Health()
		h.Clock = &clockHealth{Offset: offset.String(), LastSync: last}
		if err != nil {
			h.Clock.Error = err.Error()
		}
	}
	if !healthy {
		h.Status = "degraded"
	}
	return h, healthy
}
