package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownJob is returned by Trigger for a name no job was registered under.
var ErrUnknownJob = errors.New("unknown job")

// ErrSchedulerStopped is returned by Trigger once the scheduler is shutting down.
var ErrSchedulerStopped = errors.New("scheduler stopped")

// Job is a periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type jobState struct {
	Job
	running atomic.Bool
}

// Scheduler runs jobs on fixed intervals. A job is never run twice at once:
// a tick that finds it still running is skipped.
type Scheduler struct {
	jobs   map[string]*jobState
	order  []string
	logger *zap.Logger

	// mu orders wg.Add against the final wg.Wait.
	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler for jobs.
func NewScheduler(logger *zap.Logger, jobs ...Job) *Scheduler {
	s := &Scheduler{jobs: make(map[string]*jobState, len(jobs)), logger: logger}
	for _, j := range jobs {
		s.jobs[j.Name] = &jobState{Job: j}
		s.order = append(s.order, j.Name)
	}
	return s
}

// Run starts every job immediately and then on its interval until ctx is
// done. It returns after in-flight runs have finished.
func (s *Scheduler) Run(ctx context.Context) {
	var loops sync.WaitGroup
	for _, name := range s.order {
		js := s.jobs[name]
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.loop(ctx, js)
		}()
	}
	loops.Wait()
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.logger.Info("scheduler stopping, waiting for running jobs")
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, js *jobState) {
	interval := js.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	for {
		if err := s.start(ctx, js); errors.Is(err, ErrAlreadyRunning) {
			s.logger.Info("job still running, tick skipped", zap.String("job", js.Name))
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Trigger starts the named job in the background. It returns
// ErrAlreadyRunning when the job is in progress and ErrSchedulerStopped once
// ctx is done or Run has begun shutting down.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	js, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownJob)
	}
	if err := s.start(ctx, js); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Running reports whether the named job is in progress.
func (s *Scheduler) Running(name string) bool {
	js, ok := s.jobs[name]
	return ok && js.running.Load()
}

// Wait blocks until every started run has finished. Triggers made
// meanwhile wait for it to return.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) start(ctx context.Context, js *jobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || ctx.Err() != nil {
		return ErrSchedulerStopped
	}
	if !js.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer js.running.Store(false)

		start := time.Now()
		err := js.Run(ctx)
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			s.logger.Info("job held by another instance", zap.String("job", js.Name))
		case err != nil:
			s.logger.Error("job failed", zap.String("job", js.Name), zap.Duration("took", time.Since(start)), zap.Error(err))
		default:
			s.logger.Info("job finished", zap.String("job", js.Name), zap.Duration("took", time.Since(start)))
		}
	}()
	return nil
}
