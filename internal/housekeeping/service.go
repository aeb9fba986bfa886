// Package housekeeping runs periodic maintenance jobs (dedup pruning, state
// flushes, operator heartbeats) on cron schedules.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "pollwatch/pkg/logx"
)

const (
	DefaultHeartbeat = "@every 1h"
	DefaultPrune     = "15 3 * * *"
	DefaultFlush     = "@every 5m"

	defaultJobTimeout = 2 * time.Minute
)

var ErrUnknownJob = errors.New("unknown job")

// Config holds the schedule of each built-in job. An empty spec disables
// that job.
type Config struct {
	Heartbeat string
	Prune     string
	Flush     string
	Location  *time.Location
}

func (c Config) Validate() error {
	var errs []error
	for name, spec := range map[string]string{"heartbeat": c.Heartbeat, "prune": c.Prune, "flush": c.Flush} {
		if spec == "" {
			continue
		}
		if _, _, err := ParseSpec(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Job is one scheduled function. A run that is still going when the next
// activation fires causes that activation to be skipped.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// JobStatus is a point-in-time view of one job.
type JobStatus struct {
	Name     string
	Spec     string
	Next     time.Time
	LastRun  time.Time
	LastTook time.Duration
	LastErr  string
	Runs     uint64
	Failures uint64
	Skipped  uint64
}

type entry struct {
	job   Job
	sched cron.Schedule
	id    cron.EntryID

	running  atomic.Bool
	runs     atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64

	mu       sync.Mutex
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

type Service struct {
	log logx.Logger
	loc *time.Location

	mu     sync.Mutex
	c      *cron.Cron
	jobs   map[string]*entry
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log:  log.With(logx.String("comp", "housekeeping")),
		loc:  loc,
		jobs: map[string]*entry{},
	}
}

// Add registers a job. Jobs added after Start are scheduled immediately.
func (s *Service) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("housekeeping: job needs a name and a func")
	}
	sched, every, err := ParseSpec(job.Spec)
	if err != nil {
		return fmt.Errorf("housekeeping %s: %w", job.Name, err)
	}
	if job.Timeout <= 0 {
		job.Timeout = defaultJobTimeout
	}
	if every > 0 {
		var jitter time.Duration
		sched, jitter = withSpread(sched, every, time.Now().In(s.loc), job.Name)
		s.log.Debug("interval job spread", logx.String("job", job.Name), logx.Duration("startup_spread", jitter))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("housekeeping %s: already registered", job.Name)
	}
	e := &entry{job: job, sched: sched}
	s.jobs[job.Name] = e
	if s.c != nil {
		e.id = s.c.Schedule(sched, s.cronJob(e))
	}
	return nil
}

// Start begins triggering. Job contexts derive from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithLocation(s.loc), cron.WithLogger(cronLogger{s.log}))
	for _, e := range s.jobs {
		e.id = s.c.Schedule(e.sched, s.cronJob(e))
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop halts triggering and waits for running jobs until ctx is done, then
// cancels them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out; cancelling running jobs")
	}
	cancel()
	s.log.Info("service stopped")
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e := s.jobs[name]
	s.mu.Unlock()
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e)
}

func (s *Service) cronJob(e *entry) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		_ = s.run(ctx, e)
	})
}

func (s *Service) run(ctx context.Context, e *entry) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		s.log.Debug("job still running; skipped", logx.String("job", e.job.Name))
		return nil
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer e.running.Store(false)

	start := time.Now()
	jctx, cancel := context.WithTimeout(ctx, e.job.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panic", logx.String("job", e.job.Name), logx.Any("panic", r),
				logx.Stack(logx.StackTrace(3, 16)))
		}
		took := time.Since(start)
		e.runs.Add(1)
		e.mu.Lock()
		e.lastRun, e.lastTook, e.lastErr = start, took, ""
		if err != nil {
			e.lastErr = err.Error()
		}
		e.mu.Unlock()
		if err != nil {
			e.failures.Add(1)
			s.log.Warn("job failed", logx.String("job", e.job.Name), logx.Duration("took", took), logx.Err(err))
			return
		}
		s.log.Debug("job done", logx.String("job", e.job.Name), logx.Duration("took", took))
	}()
	return e.job.Run(jctx)
}

func (s *Service) Snapshot() []JobStatus {
	s.mu.Lock()
	c := s.c
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(entries))
	for _, e := range entries {
		st := JobStatus{
			Name:     e.job.Name,
			Spec:     e.job.Spec,
			Runs:     e.runs.Load(),
			Failures: e.failures.Load(),
			Skipped:  e.skipped.Load(),
		}
		if c != nil {
			st.Next = c.Entry(e.id).Next
		}
		e.mu.Lock()
		st.LastRun, st.LastTook, st.LastErr = e.lastRun, e.lastTook, e.lastErr
		e.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes robfig/cron's own messages to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
