package staging

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/logging"
)

type task struct {
	name string
	due  time.Time
	run  func() error
}

// Scheduler runs delayed cleanup tasks on a fixed set of workers fed by a
// bounded queue. Tasks that have not started when the scheduler stops are
// dropped.
type Scheduler struct {
	delay   time.Duration
	workers int
	queue   chan task

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. Start must be called before tasks run.
func NewScheduler(workers, capacity int, delay time.Duration) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 64
	}
	return &Scheduler{
		delay:   delay,
		workers: workers,
		queue:   make(chan task, capacity),
	}
}

// Start launches the worker goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(s.ctx)
	}
	logging.Debug("cleanup scheduler started", zap.Int("workers", s.workers), zap.Duration("delay", s.delay))
}

// Stop cancels pending tasks and waits for running ones to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	dropped := 0
	for range s.queue {
		dropped++
	}
	logging.Debug("cleanup scheduler stopped", zap.Int("dropped", dropped))
}

// Schedule runs fn after the configured delay. When the queue is full the
// calling goroutine waits out the delay and runs fn itself.
func (s *Scheduler) Schedule(name string, fn func() error) {
	t := task{name: name, due: time.Now().Add(s.delay), run: fn}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		logging.Warn("cleanup scheduled after shutdown, dropping", zap.String("task", name))
		return
	}
	select {
	case s.queue <- t:
		s.mu.Unlock()
		return
	default:
	}
	s.mu.Unlock()

	logging.Error("cleanup queue full, running inline", zap.String("task", name))
	time.Sleep(time.Until(t.due))
	execute(t)
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-s.queue:
			if !ok {
				return
			}
			timer := time.NewTimer(time.Until(t.due))
			select {
			case <-ctx.Done():
				timer.Stop()
				logging.Debug("cleanup cancelled", zap.String("task", t.name))
				return
			case <-timer.C:
			}
			execute(t)
		}
	}
}

// execute runs a task once. Failures are logged and not retried.
func execute(t task) {
	if err := t.run(); err != nil {
		logging.Error("cleanup failed", zap.String("task", t.name), zap.Error(err))
	}
}
