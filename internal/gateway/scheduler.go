package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/events"
	"github.com/kidguard/kidguard/internal/metrics"
)

var (
	ErrJobNotFound = errors.New("no such job")
	ErrJobRunning  = errors.New("job is already running")
)

// JobFunc does one run of a scheduled job and returns a JSON-able summary.
type JobFunc func(ctx context.Context) (any, error)

// Job is a named unit of background work.
type Job struct {
	Name        string
	Description string
	// Spec is a cron expression ("*/5 * * * *") or descriptor ("@every 5m").
	Spec string
	// Disabled jobs are listed and can be triggered by hand but never fire.
	Disabled bool
	Run      JobFunc
}

// JobStatus is the observable state of a Job.
type JobStatus struct {
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Spec           string     `json:"spec"`
	Enabled        bool       `json:"enabled"`
	Running        bool       `json:"running"`
	Runs           int64      `json:"runs"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastDurationMS int64      `json:"last_duration_ms,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastResult     any        `json:"last_result,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
}

type jobState struct {
	job      Job
	schedule cron.Schedule
	entry    cron.EntryID
	running  atomic.Bool

	mu     sync.Mutex
	status JobStatus
}

// Scheduler runs Jobs on robfig/cron and records the outcome of every run.
type Scheduler struct {
	cron    *cron.Cron
	bus     events.Publisher
	metrics *metrics.Metrics
	onFail  func(ctx context.Context, name string, err error)
	log     *zap.Logger
	now     func() time.Time

	mu   sync.RWMutex
	jobs map[string]*jobState
	base context.Context
}

func newScheduler(bus events.Publisher, m *metrics.Metrics, log *zap.Logger) *Scheduler {
	if bus == nil {
		bus = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cron:    cron.New(),
		bus:     bus,
		metrics: m,
		log:     log.Named("scheduler"),
		now:     time.Now,
		jobs:    make(map[string]*jobState),
		base:    context.Background(),
	}
}

// Register validates job.Spec and adds the job. Names must be unique.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run func")
	}
	sched, err := cron.ParseStandard(job.Spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Spec, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	st := &jobState{
		job:      job,
		schedule: sched,
		status: JobStatus{
			Name:        job.Name,
			Description: job.Description,
			Spec:        job.Spec,
			Enabled:     !job.Disabled,
		},
	}
	if !job.Disabled {
		st.entry = s.cron.Schedule(sched, cron.FuncJob(func() {
			if _, err := s.run(s.context(), st, false); err != nil && !errors.Is(err, ErrJobRunning) {
				s.log.Warn("scheduled job failed", zap.String("job", job.Name), zap.Error(err))
			}
		}))
	}
	s.jobs[job.Name] = st
	return nil
}

func (s *Scheduler) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base
}

// Start begins firing enabled jobs. Runs are cancelled when ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	n := len(s.jobs)
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", n))
}

// Stop halts the cron runner and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// List returns every job's status ordered by name.
func (s *Scheduler) List() []JobStatus {
	s.mu.RLock()
	states := make([]*jobState, 0, len(s.jobs))
	for _, st := range s.jobs {
		states = append(states, st)
	}
	s.mu.RUnlock()

	out := make([]JobStatus, 0, len(states))
	for _, st := range states {
		out = append(out, s.snapshot(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status returns one job's status.
func (s *Scheduler) Status(name string) (JobStatus, error) {
	st, err := s.lookup(name)
	if err != nil {
		return JobStatus{}, err
	}
	return s.snapshot(st), nil
}

// Trigger runs the job now, on the caller's goroutine.
func (s *Scheduler) Trigger(ctx context.Context, name string) (JobStatus, error) {
	st, err := s.lookup(name)
	if err != nil {
		return JobStatus{}, err
	}
	if _, err := s.run(ctx, st, true); errors.Is(err, ErrJobRunning) {
		return s.snapshot(st), err
	}
	return s.snapshot(st), nil
}

func (s *Scheduler) lookup(name string) (*jobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return st, nil
}

func (s *Scheduler) snapshot(st *jobState) JobStatus {
	st.mu.Lock()
	out := st.status
	st.mu.Unlock()
	out.Running = st.running.Load()
	if out.Enabled {
		next := st.schedule.Next(s.now()).UTC()
		out.NextRunAt = &next
	}
	return out
}

// run executes st once. Overlapping runs of the same job are refused.
func (s *Scheduler) run(ctx context.Context, st *jobState, manual bool) (any, error) {
	if !st.running.CompareAndSwap(false, true) {
		return nil, ErrJobRunning
	}
	defer st.running.Store(false)

	name := st.job.Name
	started := s.now()
	result, err := st.job.Run(ctx)
	took := s.now().Sub(started)

	st.mu.Lock()
	at := started.UTC()
	st.status.LastRunAt = &at
	st.status.LastDurationMS = took.Milliseconds()
	st.status.Runs++
	st.status.LastResult = result
	st.status.LastError = ""
	if err != nil {
		st.status.LastError = err.Error()
	}
	st.mu.Unlock()

	s.metrics.RecordJobRun(name, err)
	payload := map[string]any{"job": name, "manual": manual, "duration_ms": took.Milliseconds()}
	if err != nil {
		payload["error"] = err.Error()
		if s.onFail != nil && ctx.Err() == nil {
			s.onFail(ctx, name, err)
		}
	} else {
		payload["result"] = result
	}
	s.bus.Publish(events.Event{Type: events.ScheduleFired, Payload: payload})
	return result, err
}
