package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jwalitptl/eventhub/pkg/logger"
)

// Scheduler runs maintenance jobs on cron schedules. A job that is still
// running when its next tick fires is skipped rather than stacked.
type Scheduler struct {
	cron   *cron.Cron
	logger *logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	lastRun map[string]time.Time
	lastErr map[string]error
}

func NewScheduler(log *logger.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DiscardLogger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		logger:  log.WithComponent("scheduler"),
		ctx:     context.Background(),
		lastRun: make(map[string]time.Time),
		lastErr: make(map[string]error),
	}
}

// Add registers job under a standard cron spec or a descriptor such as
// "@hourly" or "@every 1m".
func (s *Scheduler) Add(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, job.Name(), err)
	}
	s.logger.Info("scheduled job", "job", job.Name(), "schedule", spec)
	return nil
}

// Start runs the schedule until ctx is cancelled, then waits for in-flight
// jobs to finish.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunNow executes job immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	return s.execute(ctx, job)
}

func (s *Scheduler) run(job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if err := s.execute(ctx, job); err != nil {
		s.logger.Error(err, "job failed", "job", job.Name())
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) error {
	start := time.Now()
	err := job.Run(ctx)

	s.mu.Lock()
	s.lastRun[job.Name()] = start
	s.lastErr[job.Name()] = err
	s.mu.Unlock()

	s.logger.Debug("job finished", "job", job.Name(), "duration", time.Since(start).String())
	return err
}

// JobStatus reports the last run of a job, for the health endpoint.
type JobStatus struct {
	LastRun time.Time `json:"last_run"`
	Error   string    `json:"error,omitempty"`
}

func (s *Scheduler) Status() map[string]JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStatus, len(s.lastRun))
	for name, at := range s.lastRun {
		st := JobStatus{LastRun: at}
		if err := s.lastErr[name]; err != nil {
			st.Error = err.Error()
		}
		out[name] = st
	}
	return out
}
