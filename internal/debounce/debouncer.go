// Package debounce coalesces repeated persistence requests into single executions.
//
// A Debouncer keeps at most one pending task and at most one running task per key.
// Posting again before the delay elapses replaces the pending task. A request that
// arrives while the key is running is parked and executed once, with the latest
// task, after the current run finishes.
package debounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned when work is submitted to a closed Debouncer.
var ErrClosed = errors.New("debouncer is closed")

// Task is a unit of deferred work. The context is cancelled when the Debouncer is closed.
type Task func(ctx context.Context) error

type pendingTask struct {
	timer *time.Timer
	task  Task
	gen   uint64
}

type runState struct {
	rerun Task
	done  chan struct{}
	err   error
}

// Debouncer schedules keyed tasks after a delay.
type Debouncer struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.Mutex
	gen     uint64
	pending map[string]*pendingTask
	running map[string]*runState
	closed  bool

	flights singleflight.Group
	wg      sync.WaitGroup
}

// New creates a Debouncer whose tasks run under a context derived from ctx.
func New(ctx context.Context, logger *slog.Logger) *Debouncer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Debouncer{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		pending: make(map[string]*pendingTask),
		running: make(map[string]*runState),
	}
}

// Post schedules task to run after delay. A task already pending for key is replaced
// and its timer restarted.
func (d *Debouncer) Post(key string, delay time.Duration, task Task) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	d.gen++
	gen := d.gen
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}
	d.pending[key] = &pendingTask{
		task:  task,
		gen:   gen,
		timer: time.AfterFunc(delay, func() { d.fire(key, gen) }),
	}
}

func (d *Debouncer) fire(key string, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || p.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	rs, started := d.startLocked(key, p.task)
	d.mu.Unlock()

	if started {
		d.run(key, p.task, rs)
	}
}

// startLocked either marks key as running or parks task as the rerun of the current
// execution. It reports whether the caller owns the run.
func (d *Debouncer) startLocked(key string, task Task) (*runState, bool) {
	if rs, ok := d.running[key]; ok {
		rs.rerun = task
		return rs, false
	}
	if d.closed {
		return nil, false
	}
	rs := &runState{done: make(chan struct{})}
	d.running[key] = rs
	d.wg.Add(1)
	return rs, true
}

func (d *Debouncer) run(key string, task Task, rs *runState) {
	defer d.wg.Done()

	for {
		err := task(d.ctx)
		if err != nil {
			d.logger.Error("Debounced task failed", "key", key, "error", err)
		}

		d.mu.Lock()
		if rs.rerun != nil && !d.closed {
			task = rs.rerun
			rs.rerun = nil
			d.mu.Unlock()
			continue
		}
		rs.err = err
		delete(d.running, key)
		close(rs.done)
		d.mu.Unlock()
		return
	}
}

// Flush runs the work for key now and waits for it. The pending task for key is
// cancelled; task, when non-nil, replaces it. If key is already running, the work
// is parked behind the current run and Flush waits for both. Concurrent flushes of
// the same key share one execution.
func (d *Debouncer) Flush(ctx context.Context, key string, task Task) error {
	ch := d.flights.DoChan(key, func() (any, error) {
		return nil, d.flush(ctx, key, task)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Debouncer) flush(ctx context.Context, key string, task Task) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
		if task == nil {
			task = p.task
		}
	}

	if task == nil {
		rs, running := d.running[key]
		d.mu.Unlock()
		if !running {
			return nil
		}
		return wait(ctx, rs)
	}

	rs, started := d.startLocked(key, task)
	d.mu.Unlock()

	if !started {
		return wait(ctx, rs)
	}
	d.run(key, task, rs)
	return rs.err
}

func wait(ctx context.Context, rs *runState) error {
	select {
	case <-rs.done:
		return rs.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushAll flushes every pending and running key.
func (d *Debouncer) FlushAll(ctx context.Context) error {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending)+len(d.running))
	for k := range d.pending {
		keys = append(keys, k)
	}
	for k := range d.running {
		if _, ok := d.pending[k]; !ok {
			keys = append(keys, k)
		}
	}
	d.mu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := d.Flush(ctx, k, nil); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// Cancel drops the pending task for key, if any. A running task is not interrupted.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.pending, key)
	return true
}

// Pending reports whether a task is scheduled for key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.pending[key]
	return ok
}

// Running reports whether a task for key is executing.
func (d *Debouncer) Running(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.running[key]
	return ok
}

// Close cancels all pending tasks, cancels the task context and waits for running
// tasks to return. Parked reruns are discarded.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for k, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, k)
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}
