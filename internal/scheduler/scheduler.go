// Package scheduler runs recurring background jobs such as live manifest
// refreshes. Jobs are keyed by name; concurrent runs of the same job
// collapse into one.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotStarted is returned when a job is added before Start.
	ErrNotStarted = errors.New("scheduler: not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("scheduler: already started")
)

// Job is one unit of background work.
type Job func(ctx context.Context) error

// Config holds configuration for the scheduler.
type Config struct {
	// JobTimeout bounds a single job run.
	// Default: 30 seconds
	JobTimeout time.Duration

	// MinInterval is the smallest accepted schedule interval.
	// Default: 1 second
	MinInterval time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		JobTimeout:  30 * time.Second,
		MinInterval: time.Second,
	}
}

// Scheduler triggers named jobs on fixed intervals.
type Scheduler struct {
	mu sync.Mutex

	cron   *cron.Cron
	group  singleflight.Group
	logger *slog.Logger
	config Config

	entries map[string]cron.EntryID

	// Running state
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler with the default configuration.
func New() *Scheduler {
	return &Scheduler{
		logger:  slog.Default(),
		config:  DefaultConfig(),
		entries: make(map[string]cron.EntryID),
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger.With(slog.String("component", "scheduler"))
	return s
}

// WithConfig applies configuration to the scheduler.
func (s *Scheduler) WithConfig(config Config) *Scheduler {
	if config.JobTimeout > 0 {
		s.config.JobTimeout = config.JobTimeout
	}
	if config.MinInterval > 0 {
		s.config.MinInterval = config.MinInterval
	}
	return s
}

// Start begins dispatching scheduled jobs. Jobs run with a context derived
// from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New()
	s.cron.Start()

	s.logger.Debug("scheduler started", slog.Duration("job_timeout", s.config.JobTimeout))
	return nil
}

// Stop removes every job and waits for running ones to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	c := s.cron
	s.mu.Unlock()

	<-c.Stop().Done()

	s.mu.Lock()
	s.ctx, s.cancel, s.cron = nil, nil, nil
	s.entries = make(map[string]cron.EntryID)
	s.mu.Unlock()

	s.logger.Debug("scheduler stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx != nil
}

// Every schedules job under name to run each interval, replacing any job
// already registered under that name.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return ErrNotStarted
	}
	if interval < s.config.MinInterval {
		interval = s.config.MinInterval
	}
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}

	ctx := s.ctx
	s.entries[name] = s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		if err := s.run(ctx, name, job); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("scheduled job failed",
				slog.String("job", name),
				slog.Any("error", err))
		}
	}))

	s.logger.Debug("job scheduled",
		slog.String("job", name),
		slog.Duration("interval", interval))
	return nil
}

// Remove unschedules the job registered under name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Scheduled reports whether a job is registered under name.
func (s *Scheduler) Scheduled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	return ok
}

// RunNow runs job under name in the calling goroutine. A run already in
// flight for name is joined instead of starting a second one.
func (s *Scheduler) RunNow(ctx context.Context, name string, job Job) error {
	return s.run(ctx, name, job)
}

func (s *Scheduler) run(ctx context.Context, name string, job Job) error {
	_, err, shared := s.group.Do(name, func() (any, error) {
		runCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
		defer cancel()

		start := time.Now()
		err := job(runCtx)
		s.logger.Debug("job finished",
			slog.String("job", name),
			slog.Duration("duration", time.Since(start)),
			slog.Bool("ok", err == nil))
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", name, err)
		}
		return nil, nil
	})
	if shared {
		s.logger.Debug("joined in-flight job", slog.String("job", name))
	}
	return err
}
