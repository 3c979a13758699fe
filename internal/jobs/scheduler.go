package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"searchsync/internal/logging"
)

// Finished jobs are forgotten this long after they complete.
const jobRetention = time.Hour

// JobStatus is the lifecycle state of a submitted job.
type JobStatus int

const (
	JobStatusPending JobStatus = iota
	JobStatusRunning
	JobStatusCompleted
	JobStatusFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobStatusPending:
		return "pending"
	case JobStatusRunning:
		return "running"
	case JobStatusCompleted:
		return "completed"
	case JobStatusFailed:
		return "failed"
	}
	return fmt.Sprintf("JobStatus(%d)", int(s))
}

func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Progress is a point-in-time copy of a job's counters.
type Progress struct {
	Status       JobStatus
	RecordsTotal int64 // -1 when unknown
	RecordsDone  int64
	BatchesDone  int64
	StartedAt    time.Time
	CompletedAt  time.Time
	Error        string
}

// JobProgress is the live, concurrency-safe progress of a running job.
type JobProgress struct {
	mu sync.Mutex
	p  Progress
}

// SetRunning marks the job running with the given record total.
func (jp *JobProgress) SetRunning(recordsTotal int64) {
	jp.mu.Lock()
	defer jp.mu.Unlock()
	jp.p.Status = JobStatusRunning
	jp.p.RecordsTotal = recordsTotal
	if jp.p.StartedAt.IsZero() {
		jp.p.StartedAt = time.Now()
	}
}

// AddBatch records one ingested batch of n records.
func (jp *JobProgress) AddBatch(n int) {
	jp.mu.Lock()
	defer jp.mu.Unlock()
	jp.p.BatchesDone++
	jp.p.RecordsDone += int64(n)
}

func (jp *JobProgress) Complete(at time.Time) {
	jp.mu.Lock()
	defer jp.mu.Unlock()
	jp.p.Status = JobStatusCompleted
	jp.p.CompletedAt = at
}

func (jp *JobProgress) Fail(at time.Time, msg string) {
	jp.mu.Lock()
	defer jp.mu.Unlock()
	jp.p.Status = JobStatusFailed
	jp.p.CompletedAt = at
	jp.p.Error = msg
}

func (jp *JobProgress) snapshot() Progress {
	jp.mu.Lock()
	defer jp.mu.Unlock()
	return jp.p
}

func (jp *JobProgress) finished() bool {
	jp.mu.Lock()
	defer jp.mu.Unlock()
	return jp.p.Status == JobStatusCompleted || jp.p.Status == JobStatusFailed
}

// JobInfo is a submitted job.
type JobInfo struct {
	ID        string
	Name      string
	CreatedAt time.Time

	progress *JobProgress
	done     chan struct{}
	err      error
}

// JobSnapshot is a copy of a job's state.
type JobSnapshot struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Progress  Progress
}

func (j *JobInfo) Snapshot() JobSnapshot {
	return JobSnapshot{ID: j.ID, Name: j.Name, CreatedAt: j.CreatedAt, Progress: j.progress.snapshot()}
}

// Done is closed when the job function has returned.
func (j *JobInfo) Done() <-chan struct{} { return j.done }

// Err returns the job function's error. Valid once Done is closed.
func (j *JobInfo) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// CronInfo describes a registered periodic job.
type CronInfo struct {
	Name     string
	Schedule string
	LastRun  time.Time // zero if never run
	NextRun  time.Time // zero if not scheduled
}

// Scheduler runs submitted one-off jobs and periodic cron jobs on a shared
// gocron scheduler that caps how many run at once.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]*JobInfo
	crons     map[string]gocron.Job
	schedules map[string]string
	now       func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger
}

// NewScheduler creates and starts a scheduler running at most
// maxConcurrent jobs at once. Excess jobs wait.
func NewScheduler(logger *slog.Logger, maxConcurrent int, now func() time.Time) (*Scheduler, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if now == nil {
		now = time.Now
	}
	s, err := gocron.NewScheduler(gocron.WithLimitConcurrentJobs(uint(maxConcurrent), gocron.LimitModeWait))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sched := &Scheduler{
		scheduler: s,
		jobs:      make(map[string]*JobInfo),
		crons:     make(map[string]gocron.Job),
		schedules: make(map[string]string),
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logging.Default(logger).With("component", "scheduler"),
	}
	s.Start()
	return sched, nil
}

// Submit queues fn to run once as soon as a slot is free and returns the
// job id. A job that returns without calling Complete or Fail is marked
// completed, or failed if it returned an error. Jobs that finished more
// than an hour ago are forgotten.
func (s *Scheduler) Submit(name string, fn func(ctx context.Context, prog *JobProgress) error) string {
	info := &JobInfo{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: s.now(),
		progress:  &JobProgress{},
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.pruneLocked()
	s.jobs[info.ID] = info
	s.mu.Unlock()

	run := func() {
		defer close(info.done)
		defer func() {
			if r := recover(); r != nil {
				info.err = fmt.Errorf("job %s panicked: %v", name, r)
				info.progress.Fail(s.now(), info.err.Error())
			}
		}()
		info.err = fn(s.ctx, info.progress)
		if info.progress.finished() {
			return
		}
		if info.err != nil {
			info.progress.Fail(s.now(), info.err.Error())
			return
		}
		info.progress.Complete(s.now())
	}

	_, err := s.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()),
		gocron.NewTask(run),
		gocron.WithName(name),
	)
	if err != nil {
		info.err = fmt.Errorf("schedule job %s: %w", name, err)
		info.progress.Fail(s.now(), info.err.Error())
		close(info.done)
		s.logger.Error("failed to schedule job", "name", name, "error", err)
	}
	return info.ID
}

// GetJob returns the job with the given id.
func (s *Scheduler) GetJob(id string) (*JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Wait blocks until the job finishes and returns its error.
func (s *Scheduler) Wait(ctx context.Context, id string) error {
	j, ok := s.GetJob(id)
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListJobs returns snapshots of the retained jobs, oldest first.
func (s *Scheduler) ListJobs() []JobSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()
	out := make([]JobSnapshot, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Snapshot())
	}
	slices.SortFunc(out, func(a, b JobSnapshot) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// pruneLocked drops jobs that finished before the retention cutoff. Caller
// must hold s.mu.
func (s *Scheduler) pruneLocked() {
	cutoff := s.now().Add(-jobRetention)
	for id, j := range s.jobs {
		p := j.progress.snapshot()
		if (p.Status == JobStatusCompleted || p.Status == JobStatusFailed) && p.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}

// AddCron registers a named periodic job. Names must be unique.
func (s *Scheduler) AddCron(name, cronExpr string, fn func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.crons[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}
	j, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() { fn(s.ctx) }),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}
	s.crons[name] = j
	s.schedules[name] = cronExpr
	s.logger.Info("scheduled job added", "name", name, "cron", cronExpr)
	return nil
}

// ListCron returns the registered periodic jobs sorted by name.
func (s *Scheduler) ListCron() []CronInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]CronInfo, 0, len(s.crons))
	for name, j := range s.crons {
		info := CronInfo{Name: name, Schedule: s.schedules[name]}
		if lr, err := j.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := j.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b CronInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return infos
}

// Stop cancels the context handed to running jobs and waits for them to
// return.
func (s *Scheduler) Stop() error {
	s.cancel()
	err := s.scheduler.Shutdown()
	if errors.Is(err, gocron.ErrStopJobsTimedOut) || errors.Is(err, gocron.ErrStopSchedulerTimedOut) {
		s.logger.Warn("scheduler stop timed out, jobs still running")
	}
	return err
}
