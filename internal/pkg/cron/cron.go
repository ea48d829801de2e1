package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// JobStatus represents the last known state of a job.
type JobStatus string

const (
	StatusIdle    JobStatus = "idle"
	StatusRunning JobStatus = "running"
	StatusFulfill JobStatus = "fulfill"
	StatusReject  JobStatus = "reject"
)

// Job defines a scheduled background task.
type Job struct {
	Name        string
	Description string
	Interval    time.Duration
	// Delay postpones the first run. Zero means the first run happens one
	// Interval after Start.
	Delay time.Duration
	Fn    func(ctx context.Context) error
}

// JobState holds runtime state for a registered job.
type JobState struct {
	Job
	Status    JobStatus
	Message   string
	LastRunAt *time.Time
	NextRunAt time.Time
	Runs      int
	Skipped   int
	mu        sync.Mutex
}

// ListItem is the serializable representation of a job for the API.
type ListItem struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Interval    string     `json:"interval"`
	Status      JobStatus  `json:"status"`
	NextDate    *time.Time `json:"nextDate"`
	LastRunAt   *time.Time `json:"lastRunAt,omitempty"`
	Runs        int        `json:"runs"`
	Skipped     int        `json:"skipped"`
}

// TaskResult is returned when polling task execution status.
type TaskResult struct {
	Status  JobStatus `json:"status"` // "fulfill" | "reject" | "running" | "idle"
	Message string    `json:"message,omitempty"`
}

// Scheduler manages a collection of named interval jobs.
type Scheduler struct {
	mu     sync.RWMutex
	jobs   map[string]*JobState
	wg     sync.WaitGroup
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an empty Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:   make(map[string]*JobState),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job to the scheduler. Must be called before Start.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := job.Delay
	if first <= 0 {
		first = job.Interval
	}
	s.jobs[job.Name] = &JobState{
		Job:       job,
		Status:    StatusIdle,
		NextRunAt: s.now().Add(first),
	}
}

// Start launches all registered jobs in background goroutines. Loops exit
// when ctx is cancelled; Wait blocks until every loop and in-flight run is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, js := range s.jobs {
		s.wg.Add(1)
		go func(js *JobState) {
			defer s.wg.Done()
			s.runLoop(ctx, js)
		}(js)
	}
}

// Wait blocks until all job loops have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, js *JobState) {
	for {
		js.mu.Lock()
		wait := js.NextRunAt.Sub(s.now())
		js.mu.Unlock()
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			js.mu.Lock()
			js.NextRunAt = s.now().Add(js.Interval)
			js.mu.Unlock()
			s.execute(ctx, js)
		}
	}
}

// execute runs the job unless a previous run is still in progress, in which
// case the tick is skipped. It reports whether the job actually ran.
func (s *Scheduler) execute(ctx context.Context, js *JobState) bool {
	js.mu.Lock()
	if js.Status == StatusRunning {
		js.Skipped++
		js.mu.Unlock()
		s.logger.Warn("cron job still running, tick skipped", zap.String("job", js.Name))
		return false
	}
	js.Status = StatusRunning
	js.mu.Unlock()

	start := s.now()
	err := s.safeRun(ctx, js)
	elapsed := time.Since(start)

	js.mu.Lock()
	js.LastRunAt = &start
	js.Runs++
	if err != nil {
		js.Status = StatusReject
		js.Message = err.Error()
	} else {
		js.Status = StatusFulfill
		js.Message = ""
	}
	js.mu.Unlock()

	if err != nil {
		s.logger.Error("cron job failed", zap.String("job", js.Name), zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		s.logger.Info("cron job finished", zap.String("job", js.Name), zap.Duration("elapsed", elapsed))
	}
	return true
}

func (s *Scheduler) safeRun(ctx context.Context, js *JobState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return js.Fn(ctx)
}

// Run manually triggers a job by name (non-blocking).
func (s *Scheduler) Run(ctx context.Context, name string) error {
	s.mu.RLock()
	js, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, js)
	}()
	return nil
}

// RunNow runs a job synchronously and reports whether it executed.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	js, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("job %q not found", name)
	}
	return s.execute(ctx, js), nil
}

// GetTask returns the current execution state of a job.
func (s *Scheduler) GetTask(name string) (*TaskResult, error) {
	s.mu.RLock()
	js, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job %q not found", name)
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	return &TaskResult{Status: js.Status, Message: js.Message}, nil
}

// List returns a summary of all registered jobs, sorted by name.
func (s *Scheduler) List() []ListItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]ListItem, 0, len(s.jobs))
	for _, js := range s.jobs {
		js.mu.Lock()
		next := js.NextRunAt
		items = append(items, ListItem{
			Name:        js.Name,
			Description: js.Description,
			Interval:    js.Interval.String(),
			Status:      js.Status,
			NextDate:    &next,
			LastRunAt:   js.LastRunAt,
			Runs:        js.Runs,
			Skipped:     js.Skipped,
		})
		js.mu.Unlock()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}
