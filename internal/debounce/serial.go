package debounce

import (
	"context"
	"log/slog"
	"sync"
)

// Serial runs submitted tasks one at a time, in submission order, on a single
// background goroutine. Submission never blocks.
type Serial struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	queue  []Task
	notify chan struct{}
	closed bool

	done chan struct{}
}

// NewSerial starts a Serial executor. Tasks receive a context derived from ctx.
func NewSerial(ctx context.Context, logger *slog.Logger) *Serial {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Serial{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Submit queues task. It returns false if the executor is closed.
func (s *Serial) Submit(task Task) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, task)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Drain waits until every task submitted before the call has run.
func (s *Serial) Drain(ctx context.Context) error {
	marker := make(chan struct{})
	if !s.Submit(func(context.Context) error {
		close(marker)
		return nil
	}) {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, runs what is already queued and waits for the loop to exit.
func (s *Serial) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	<-s.done
	s.cancel()
}

func (s *Serial) next() (Task, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, false, s.closed
	}
	task := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return task, true, false
}

func (s *Serial) loop() {
	defer close(s.done)

	for {
		task, ok, closed := s.next()
		if closed {
			return
		}
		if !ok {
			<-s.notify
			continue
		}
		if err := task(s.ctx); err != nil {
			s.logger.Error("Serialized task failed", "error", err)
		}
	}
}
