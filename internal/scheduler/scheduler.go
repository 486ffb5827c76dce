// Package scheduler runs outbound network operations under a fixed
// concurrency ceiling. Callers submit work and get a Future back; the
// scheduler decides when each operation gets a slot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pbaille/arq/internal/logging"
	"github.com/pbaille/arq/internal/metrics"
)

// DefaultSlots is the default number of concurrent operations
const DefaultSlots = 5

var (
	ErrClosed = errors.New("scheduler: closed")
	ErrPanic  = errors.New("scheduler: operation panicked")
)

// Config configures a Scheduler
type Config struct {
	// Slots is the concurrency ceiling. Values below 1 select DefaultSlots.
	Slots int
	// Metrics is optional.
	Metrics *metrics.Collector
	// Logger is optional. If nil, a stderr logger is used.
	Logger *slog.Logger
}

type job struct {
	run  func()
	fail func(error)
	done chan struct{}
}

// Scheduler owns a fixed slot table and a FIFO queue. Both are touched only
// by the loop goroutine; everything else talks to it over channels.
type Scheduler struct {
	log     *slog.Logger
	metrics *metrics.Collector

	submit   chan *job
	finished chan int
	quit     chan struct{}

	slots []*job
	queue []*job

	running   atomic.Int64
	queued    atomic.Int64
	completed atomic.Int64

	closeOnce sync.Once
	stopped   chan struct{}
}

// Stats is a snapshot of the scheduler's load
type Stats struct {
	Slots     int   `json:"slots"`
	Running   int64 `json:"running"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
}

// New creates a scheduler and starts its loop
func New(cfg Config) *Scheduler {
	if cfg.Slots < 1 {
		cfg.Slots = DefaultSlots
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	s := &Scheduler{
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		submit:   make(chan *job),
		finished: make(chan int),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		slots:    make([]*job, cfg.Slots),
	}
	go s.loop()
	return s
}

func (s *Scheduler) loop() {
	defer close(s.stopped)
	for {
		select {
		case j := <-s.submit:
			if i := s.freeSlot(); i >= 0 {
				s.start(i, j)
			} else {
				s.queue = append(s.queue, j)
			}
		case i := <-s.finished:
			s.slots[i] = nil
			s.completed.Add(1)
			if len(s.queue) > 0 {
				next := s.queue[0]
				s.queue[0] = nil
				s.queue = s.queue[1:]
				s.start(i, next)
			}
		case <-s.quit:
			for _, j := range s.queue {
				j.fail(ErrClosed)
			}
			if n := len(s.queue); n > 0 {
				s.log.Debug("scheduler closed with queued operations", "dropped", n)
			}
			s.queue = nil
			s.publish()
			return
		}
		s.publish()
	}
}

func (s *Scheduler) freeSlot() int {
	for i, j := range s.slots {
		if j == nil {
			return i
		}
	}
	return -1
}

func (s *Scheduler) start(i int, j *job) {
	s.slots[i] = j
	go func() {
		began := time.Now()
		j.run()
		close(j.done)
		s.metrics.ObserveCompleted(time.Since(began))
		select {
		case s.finished <- i:
		case <-s.quit:
		}
	}()
}

func (s *Scheduler) publish() {
	running := 0
	for _, j := range s.slots {
		if j != nil {
			running++
		}
	}
	s.running.Store(int64(running))
	s.queued.Store(int64(len(s.queue)))
	s.metrics.SetRunning(running)
	s.metrics.SetQueued(len(s.queue))
}

func (s *Scheduler) enqueue(j *job) {
	select {
	case s.submit <- j:
	case <-s.quit:
		j.fail(ErrClosed)
	}
}

// Stats returns the current load
func (s *Scheduler) Stats() Stats {
	return Stats{
		Slots:     len(s.slots),
		Running:   s.running.Load(),
		Queued:    s.queued.Load(),
		Completed: s.completed.Load(),
	}
}

// Close stops the loop. Queued operations fail with ErrClosed; operations
// already holding a slot run to completion.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.stopped
	})
}

// Future is the eventual result of a submitted operation
type Future[T any] struct {
	job   *job
	value T
	err   error
}

// Submit queues fn. It returns immediately; fn runs once a slot frees up.
// ctx is handed to fn unchanged: once submitted an operation is not
// cancelled by the scheduler.
func Submit[T any](ctx context.Context, s *Scheduler, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{}
	j := &job{done: make(chan struct{})}
	j.run = func() {
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		f.value, f.err = fn(ctx)
	}
	j.fail = func(err error) {
		f.err = err
		close(j.done)
	}
	f.job = j
	s.enqueue(j)
	return f
}

// Do submits fn and waits for its result
func Do[T any](ctx context.Context, s *Scheduler, fn func(context.Context) (T, error)) (T, error) {
	return Submit(ctx, s, fn).Wait(ctx)
}

// Finished reports whether the operation has completed
func (f *Future[T]) Finished() bool {
	select {
	case <-f.job.done:
		return true
	default:
		return false
	}
}

// Done is closed when the operation completes
func (f *Future[T]) Done() <-chan struct{} {
	return f.job.done
}

// Wait blocks until the operation completes or ctx ends. Giving up on the
// wait does not stop the operation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.job.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitAll waits for every future in order and returns values and errors
// index-aligned with futures
func WaitAll[T any](ctx context.Context, futures []*Future[T]) ([]T, []error) {
	values := make([]T, len(futures))
	errs := make([]error, len(futures))
	for i, f := range futures {
		values[i], errs[i] = f.Wait(ctx)
	}
	return values, errs
}
