package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one recurring background task: a tamper scan, a compliance pass,
// or a retention evaluation.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// JobStatus is a snapshot of one job's scheduling state.
type JobStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	LastRun   time.Time     `json:"last_run"`
	LastError string        `json:"last_error,omitempty"`
	RunCount  int64         `json:"run_count"`
	NextRun   time.Time     `json:"next_run"`
}

type scheduledJob struct {
	job       Job
	lastRun   time.Time
	lastError error
	runCount  int64
	nextRun   time.Time
}

// Scheduler drives the periodic jobs. Each tick it runs every job whose
// next-run time has passed, sequentially; the jobs themselves are read-only
// over the chain, so they never contend with appends.
type Scheduler struct {
	logger *zap.Logger

	mu     sync.RWMutex
	jobs   map[string]*scheduledJob
	ticker *time.Ticker
	quit   chan struct{}
	done   chan struct{}
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		jobs:   make(map[string]*scheduledJob),
	}
}

// AddJob registers a recurring job. The first run happens one interval
// after Start.
func (s *Scheduler) AddJob(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.Name] = &scheduledJob{
		job:     job,
		nextRun: time.Now().Add(job.Interval),
	}

	s.logger.Info("scheduled background job",
		zap.String("job", job.Name),
		zap.Duration("interval", job.Interval))
}

// Start begins ticking. Returns immediately; jobs run on a background
// goroutine until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(time.Second)
	s.quit = make(chan struct{})
	s.done = make(chan struct{})

	go s.run(ctx, s.ticker, s.quit, s.done)

	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop halts the ticker and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.quit)
	done := s.done
	s.ticker = nil
	s.mu.Unlock()

	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, ticker *time.Ticker, quit, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*scheduledJob
	for _, j := range s.jobs {
		if !now.Before(j.nextRun) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		err := j.job.Run(ctx)

		s.mu.Lock()
		j.lastRun = now
		j.lastError = err
		j.runCount++
		j.nextRun = now.Add(j.job.Interval)
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("background job failed",
				zap.String("job", j.job.Name),
				zap.Error(err))
		}
	}
}

// Status returns a snapshot of every registered job.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		status := JobStatus{
			Name:     j.job.Name,
			Interval: j.job.Interval,
			LastRun:  j.lastRun,
			RunCount: j.runCount,
			NextRun:  j.nextRun,
		}
		if j.lastError != nil {
			status.LastError = j.lastError.Error()
		}
		statuses = append(statuses, status)
	}
	return statuses
}
