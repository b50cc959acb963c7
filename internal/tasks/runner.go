// Package tasks schedules the control plane's background work: a fixed
// worker pool fed by a channel, so task completion, panics, and span
// lifecycles are structurally guaranteed instead of relying on each
// goroutine's discipline.
package tasks

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/fleetd/internal/metrics"
)

// Task is one unit of background work. It receives its own context and
// must drive its resources to a terminal state before returning; errors
// are logged and counted, never re-dispatched.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner owns the worker pool. Submit enqueues; Close drains and stops
// the workers; Wait blocks until everything submitted so far finished,
// which is what tests use instead of sleeping.
type Runner struct {
	queue   chan Task
	logger  *zap.Logger
	tracer  trace.Tracer
	pending sync.WaitGroup
	workers sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewRunner(workers int, logger *zap.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	r := &Runner{
		queue:  make(chan Task, 64),
		logger: logger,
		tracer: otel.Tracer("fleetd/tasks"),
	}
	r.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go r.worker()
	}
	return r
}

// Submit enqueues a task. Returns false when the runner is already
// closed; callers treat that as the task not happening.
func (r *Runner) Submit(task Task) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.pending.Add(1)
	r.mu.Unlock()

	r.queue <- task
	return true
}

// Wait blocks until all submitted tasks have completed.
func (r *Runner) Wait() {
	r.pending.Wait()
}

// Close stops accepting tasks, drains the queue, and joins the workers.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.pending.Wait()
	close(r.queue)
	r.workers.Wait()
}

func (r *Runner) worker() {
	defer r.workers.Done()
	for task := range r.queue {
		r.execute(task)
	}
}

func (r *Runner) execute(task Task) {
	defer r.pending.Done()

	ctx, span := r.tracer.Start(context.Background(), task.Name,
		trace.WithAttributes(attribute.String("task.name", task.Name)))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			metrics.TaskPanics.WithLabelValues(task.Name).Inc()
			span.SetStatus(codes.Error, "panic")
			r.logger.Error("background task panicked",
				zap.String("task", task.Name), zap.Any("panic", rec), zap.Stack("stack"))
		}
	}()

	if err := task.Run(ctx); err != nil {
		metrics.TaskFailures.WithLabelValues(task.Name).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("background task failed", zap.String("task", task.Name), zap.Error(err))
		return
	}
	metrics.TaskCompletions.WithLabelValues(task.Name).Inc()
}
