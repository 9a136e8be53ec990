// Package scheduler runs the recurring billing batches (renewals,
// payment retries, reminders, scheduled tier changes) on fixed
// intervals. A Redis lock keyed per job keeps multi-instance
// deployments from running the same batch concurrently.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrJobAlreadyRegistered = errors.New("job already registered")
	ErrNoJobs               = errors.New("no jobs registered")
)

// Job is one recurring batch.
type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

// Scheduler drives registered jobs until its context is canceled.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*job
	locker *redisLocker
	logger *slog.Logger
}

// New creates a scheduler. A nil Redis client disables distributed
// locking, which is fine for tests and single-instance deployments.
func New(client redis.UniversalClient, logger *slog.Logger) *Scheduler {
	var locker *redisLocker
	if client != nil {
		locker = &redisLocker{client: client}
	}
	return &Scheduler{
		jobs:   make(map[string]*job),
		locker: locker,
		logger: logger,
	}
}

// AddJob registers a recurring job under a unique name.
func (s *Scheduler) AddJob(name string, interval time.Duration, run func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return ErrJobAlreadyRegistered
	}
	s.jobs[name] = &job{name: name, interval: interval, run: run}
	s.logger.Info("registered recurring job",
		slog.String("job", name),
		slog.Duration("interval", interval))
	return nil
}

// Start runs every registered job on its interval, beginning with an
// immediate run, and blocks until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	if len(jobs) == 0 {
		return ErrNoJobs
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			s.runLoop(ctx, j)
		}(j)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) runLoop(ctx context.Context, j *job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	s.runOnce(ctx, j)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j *job) {
	if s.locker != nil {
		release, ok, err := s.locker.acquire(ctx, "scheduler:lock:"+j.name, j.interval)
		if err != nil {
			s.logger.Warn("job lock unavailable",
				slog.String("job", j.name),
				slog.String("error", err.Error()))
			return
		}
		if !ok {
			// Another instance holds the lock for this cycle.
			return
		}
		defer release()
	}

	started := time.Now()
	if err := j.run(ctx); err != nil {
		s.logger.Error("job failed",
			slog.String("job", j.name),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("job completed",
		slog.String("job", j.name),
		slog.Duration("took", time.Since(started)))
}

// redisLocker implements a token-checked SET NX lock. The release
// script deletes the key only when this instance still owns it, so an
// expired lock picked up by another instance is never clobbered.
type redisLocker struct {
	client redis.UniversalClient
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (l *redisLocker) acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}
