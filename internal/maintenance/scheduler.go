// Package maintenance runs periodic housekeeping jobs such as the lease
// sweeper on cron schedules.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// specParser accepts 5-field expressions, an optional leading seconds field,
// and descriptors such as "@every 30s" or "@hourly".
var specParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ErrUnknownJob is returned by RunNow for an unregistered job name.
var ErrUnknownJob = errors.New("unknown maintenance job")

// JobFunc performs one run of a job.
type JobFunc func(ctx context.Context) error

// JobStatus is the last observed outcome of a job.
type JobStatus struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Runs      int       `json:"runs"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	NextRunAt time.Time `json:"next_run_at,omitempty"`
}

type job struct {
	name  string
	spec  string
	fn    JobFunc
	entry cronlib.EntryID

	mu     sync.Mutex
	status JobStatus
}

// Scheduler owns a cron runner and the registered jobs.
type Scheduler struct {
	cron   *cronlib.Cron
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	ctx  context.Context
	stop context.CancelFunc
}

// NewScheduler builds an idle Scheduler. Overlapping runs of the same job are
// skipped.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cronlib.New(
			cronlib.WithParser(specParser),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
		),
		logger: logger,
		jobs:   map[string]*job{},
		ctx:    ctx,
		stop:   cancel,
	}
}

// Add registers fn under name on spec. An empty spec registers the job for
// RunNow only.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("maintenance job %q already registered", name)
	}
	j := &job{name: name, spec: spec, fn: fn, status: JobStatus{Name: name, Spec: spec}}
	if spec != "" {
		id, err := s.cron.AddFunc(spec, func() { s.run(s.ctx, j) })
		if err != nil {
			return fmt.Errorf("parse schedule %q for %s: %w", spec, name, err)
		}
		j.entry = id
	}
	s.jobs[name] = j
	return nil
}

// Start begins firing scheduled jobs. Stop cancels in-flight job contexts.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			s.stop()
		case <-parent.Done():
		}
	}()
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))
}

// Stop halts scheduling and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.stop()
	<-s.cron.Stop().Done()
	s.logger.Info("maintenance scheduler stopped")
}

// RunNow runs the named job synchronously and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

// Status lists the jobs sorted by name. Scheduled jobs report their next
// activation even before Start.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		st := j.status
		j.mu.Unlock()
		if j.entry != 0 {
			st.NextRunAt = s.cron.Entry(j.entry).Next
		}
		// The cron runner only computes Next once started.
		if st.NextRunAt.IsZero() && j.spec != "" {
			if next, err := NextRunTime(j.spec, time.Now()); err == nil {
				st.NextRunAt = next.UTC()
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	start := time.Now()
	err := j.fn(ctx)

	j.mu.Lock()
	j.status.Runs++
	j.status.LastRunAt = start.UTC()
	j.status.LastError = ""
	if err != nil {
		j.status.LastError = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		s.logger.Error("maintenance job failed", "job", j.name, "error", err)
		return err
	}
	s.logger.Debug("maintenance job ran", "job", j.name, "duration", time.Since(start))
	return nil
}

// NextRunTime parses spec and returns the first activation after the given time.
func NextRunTime(spec string, after time.Time) (time.Time, error) {
	sched, err := specParser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ValidateSpec reports whether spec parses.
func ValidateSpec(spec string) error {
	_, err := specParser.Parse(spec)
	return err
}

// cronLogger routes robfig/cron's logger through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
