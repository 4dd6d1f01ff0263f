package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a unit of recurring work. Run is called once per tick and must
// return before the next tick is considered.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

type entry struct {
	job      Job
	reloadCh chan struct{}
	cancel   context.CancelFunc
}

// Scheduler runs each registered job on its own ticker. Jobs can be added and
// removed while the scheduler is running; removing a job guarantees it will
// not be run again.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

func New() *Scheduler {
	return &Scheduler{jobs: make(map[string]*entry)}
}

// Start launches every registered job. Jobs added afterwards start
// immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil || s.stopped {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.jobs {
		s.launch(e)
	}
	slog.Info("scheduler started", "jobs", len(s.jobs))
}

// Add registers a job, replacing any job with the same name.
func (s *Scheduler) Add(job Job) {
	if job.Interval <= 0 {
		job.Interval = 30 * time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if old, ok := s.jobs[job.Name]; ok && old.cancel != nil {
		old.cancel()
	}
	e := &entry{job: job, reloadCh: make(chan struct{}, 1)}
	s.jobs[job.Name] = e
	if s.ctx != nil {
		s.launch(e)
	}
}

// Remove cancels a job. It is safe to call from inside the job's own Run.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.jobs[name]; ok {
		if e.cancel != nil {
			e.cancel()
		}
		delete(s.jobs, name)
	}
}

// Has reports whether a job is registered.
func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// UpdateInterval changes a job's interval and signals its loop to reset the
// ticker.
func (s *Scheduler) UpdateInterval(name string, interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	e, ok := s.jobs[name]
	if ok {
		e.job.Interval = interval
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	select {
	case e.reloadCh <- struct{}{}:
	default:
	}
}

// Stop cancels every job and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.jobs = make(map[string]*entry)
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) launch(e *entry) {
	ctx, cancel := context.WithCancel(s.ctx)
	e.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, e)
	}()
}

func (s *Scheduler) interval(e *entry) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.job.Interval
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(s.interval(e))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.reloadCh:
			iv := s.interval(e)
			ticker.Reset(iv)
			slog.Debug("job interval reloaded", "job", e.job.Name, "interval", iv)
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			e.job.Run(ctx)
		}
	}
}
