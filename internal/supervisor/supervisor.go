// Package supervisor runs named background tasks with per-key dedupe and a
// bounded-grace shutdown.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is a unit of background work. The context is canceled on shutdown.
type Task func(ctx context.Context)

// Supervisor owns the background goroutines spawned by the chat pipeline
// (memory extraction, topic summarization, trace pruning). Tasks are keyed:
// submitting a key that is already running is a no-op, so a chatty session
// cannot stack duplicate extractors.
type Supervisor struct {
	log *slog.Logger

	mu      sync.Mutex
	running map[string]struct{}
	closed  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		log:     log,
		running: make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit schedules the task under key. Returns false when the key is already
// running or the supervisor is shut down.
func (s *Supervisor) Submit(key string, task Task) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, dup := s.running[key]; dup {
		s.mu.Unlock()
		s.log.Debug("background task already running", "key", key)
		return false
	}
	s.running[key] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, key)
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("background task panicked", "key", key, "panic", r)
			}
		}()
		start := time.Now()
		task(s.ctx)
		s.log.Debug("background task finished", "key", key, "elapsed", time.Since(start))
	}()
	return true
}

// Running reports whether a task with the given key is in flight.
func (s *Supervisor) Running(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[key]
	return ok
}

// Len returns the number of in-flight tasks.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown cancels the task context and waits up to grace for tasks to
// drain. Returns false if the grace period expired with tasks still running.
func (s *Supervisor) Shutdown(grace time.Duration) bool {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		s.log.Warn("background tasks did not drain before shutdown deadline",
			"remaining", s.Len())
		return false
	}
}
