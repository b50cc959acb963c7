// Package scheduler owns job records: VM assignment, staged attempt
// execution, and the bounded retry/backoff policy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/fleetd/internal/config"
	"github.com/devghori1264/aerophoenix/fleetd/internal/errdefs"
	"github.com/devghori1264/aerophoenix/fleetd/internal/events"
	"github.com/devghori1264/aerophoenix/fleetd/internal/metrics"
	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/devghori1264/aerophoenix/fleetd/internal/ops"
	"github.com/devghori1264/aerophoenix/fleetd/internal/storage"
	"github.com/devghori1264/aerophoenix/fleetd/internal/tasks"
)

// stage is one step of a simulated job attempt. Progress targets are
// fixed; each stage sleeps the configured stage delay before the next.
type stage struct {
	name     string
	progress int
}

var stages = []stage{
	{"preparing runtime", 12},
	{"allocating resources", 28},
	{"starting workload", 48},
	{"executing workload", 74},
	{"collecting artifacts", 90},
}

const (
	// maxRetries is retries beyond the first attempt, so 3 total.
	maxRetries    = 2
	retryProgress = 5
)

// attemptError classifies one failed attempt. Fatal errors abort all
// remaining attempts.
type attemptError struct {
	reason string
	fatal  bool
}

func (e *attemptError) Error() string { return e.reason }

// Engine runs jobs to a terminal state on the shared task runner.
type Engine struct {
	store     storage.Store
	ledger    *ops.Ledger
	tasks     *tasks.Runner
	publisher *events.Publisher
	logger    *zap.Logger

	stageDelay  time.Duration
	backoffUnit time.Duration
}

func NewEngine(store storage.Store, ledger *ops.Ledger, runner *tasks.Runner, publisher *events.Publisher, cfg config.SchedulerConfig, logger *zap.Logger) *Engine {
	return &Engine{
		store:       store,
		ledger:      ledger,
		tasks:       runner,
		publisher:   publisher,
		logger:      logger,
		stageDelay:  cfg.StageDelay,
		backoffUnit: cfg.BackoffUnit,
	}
}

// Enqueue registers a job and schedules its execution. A pinned VM
// must exist, not be deleted, and be runnable; unpinned jobs are
// assigned at attempt time so capacity added later can serve them.
func (e *Engine) Enqueue(ctx context.Context, jobID, taskType, pinnedVMID string) (*models.Job, *models.Operation, error) {
	if taskType == "" {
		return nil, nil, errdefs.InvalidArgument("task_type is required")
	}

	existing, err := e.store.GetJob(ctx, jobID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}
	if existing != nil {
		return nil, nil, errdefs.Conflict("job %q already exists", jobID)
	}

	if pinnedVMID != "" {
		vm, err := e.store.GetVM(ctx, pinnedVMID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil, errdefs.NotFound("VM %q not found", pinnedVMID)
			}
			return nil, nil, err
		}
		if vm.Status == models.VMDeleted {
			return nil, nil, errdefs.NotFound("VM %q not found", pinnedVMID)
		}
		if !vm.Runnable() {
			return nil, nil, errdefs.FailedPrecondition("VM %q is %q, not runnable", pinnedVMID, vm.Status)
		}
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:        jobID,
		TaskType:  taskType,
		VMID:      pinnedVMID,
		Status:    models.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.PutJob(ctx, job); err != nil {
		return nil, nil, err
	}

	op, err := e.ledger.Create(ctx, "job", jobID, "sync", models.OpPending, "Job queued.")
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("job queued",
		zap.String("job_id", jobID), zap.String("task_type", taskType),
		zap.String("pinned_vm", pinnedVMID), zap.String("operation_id", op.ID))
	if !e.tasks.Submit(tasks.Task{Name: "job.run", Run: func(taskCtx context.Context) error {
		return e.runJob(taskCtx, jobID, op.ID)
	}}) {
		e.logger.Warn("task runner closed, dropping job execution", zap.String("job_id", jobID))
	}
	return job, op, nil
}

// GetJob returns one job by id.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errdefs.NotFound("job %q not found", jobID)
	}
	return job, err
}

// ListJobs returns every job record.
func (e *Engine) ListJobs(ctx context.Context) ([]*models.Job, error) {
	return e.store.ListJobs(ctx, storage.JobFilter{})
}

// runJob drives one job through up to 1+maxRetries attempts. Whatever
// happens, the job and its Operation end in a terminal state.
func (e *Engine) runJob(ctx context.Context, jobID, opID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errdefs.Internal("job runner panic: %v", r)
			e.failJob(ctx, jobID, opID, err.Error())
		}
	}()

	if _, err := e.ledger.TransitionStatus(ctx, opID, models.OpRunning, "Executing job."); err != nil {
		// Even a bookkeeping failure must leave the job terminal.
		e.failJob(ctx, jobID, opID, fmt.Sprintf("record job start: %v", err))
		return err
	}

	var lastErr *attemptError
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := e.prepareRetry(ctx, jobID, attempt, lastErr.reason); err != nil {
				e.failJob(ctx, jobID, opID, err.Error())
				return err
			}
			metrics.JobRetries.Inc()
			e.sleep(ctx, time.Duration(attempt)*e.backoffUnit)
		}

		vmID, aerr := e.runAttempt(ctx, jobID)
		if aerr == nil {
			e.completeJob(ctx, jobID, opID, vmID)
			return nil
		}
		lastErr = aerr
		e.logger.Warn("job attempt failed",
			zap.String("job_id", jobID), zap.Int("attempt", attempt+1),
			zap.Bool("fatal", aerr.fatal), zap.String("reason", aerr.reason))
		if aerr.fatal {
			break
		}
	}

	e.failJob(ctx, jobID, opID, lastErr.reason)
	return lastErr
}

// runAttempt resolves a VM and walks the stage sequence. Returns the
// VM that served the attempt on success.
func (e *Engine) runAttempt(ctx context.Context, jobID string) (string, *attemptError) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return "", &attemptError{reason: fmt.Sprintf("job record vanished: %v", err), fatal: true}
	}

	vmID, aerr := e.resolveVM(ctx, job)
	if aerr != nil {
		return "", aerr
	}

	if _, err := e.store.UpdateJob(ctx, jobID, func(j *models.Job) error {
		j.Status = models.JobRunning
		j.VMID = vmID
		j.UpdatedAt = time.Now().UTC()
		return nil
	}); err != nil {
		return "", &attemptError{reason: fmt.Sprintf("job record vanished: %v", err), fatal: true}
	}

	for _, s := range stages {
		// Each stage re-reads the record before writing; a missing
		// record aborts the whole job.
		if _, err := e.store.UpdateJob(ctx, jobID, func(j *models.Job) error {
			j.Progress = s.progress
			j.UpdatedAt = time.Now().UTC()
			return nil
		}); err != nil {
			return "", &attemptError{reason: fmt.Sprintf("job record vanished at stage %q: %v", s.name, err), fatal: true}
		}
		e.sleep(ctx, e.stageDelay)
	}
	return vmID, nil
}

// resolveVM returns the VM that should serve this attempt. Pinned jobs
// use their VM or fail; unpinned jobs prefer the running VM with the
// fewest active jobs, tie-broken by oldest creation time.
func (e *Engine) resolveVM(ctx context.Context, job *models.Job) (string, *attemptError) {
	if job.VMID != "" {
		vm, err := e.store.GetVM(ctx, job.VMID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", &attemptError{reason: fmt.Sprintf("assigned VM %q no longer exists", job.VMID), fatal: true}
			}
			return "", &attemptError{reason: err.Error()}
		}
		if vm.Status == models.VMDeleted || vm.Status == models.VMError {
			return "", &attemptError{reason: fmt.Sprintf("assigned VM %q is terminal (%s)", vm.ID, vm.Status), fatal: true}
		}
		if !vm.Runnable() {
			return "", &attemptError{reason: fmt.Sprintf("assigned VM %q is %q, not runnable", vm.ID, vm.Status)}
		}
		return vm.ID, nil
	}

	// ListVMs returns oldest-first, so a strict less-than keeps the
	// earliest-created VM on ties.
	running, err := e.store.ListVMs(ctx, storage.VMFilter{StatusIn: []models.VMStatus{models.VMRunning}})
	if err != nil {
		return "", &attemptError{reason: err.Error()}
	}
	if len(running) == 0 {
		return "", &attemptError{reason: "no runnable VM available"}
	}

	bestID := ""
	bestLoad := 0
	for _, vm := range running {
		load, err := e.store.CountJobs(ctx, storage.JobFilter{
			StatusIn: models.ActiveJobStatuses,
			VMID:     vm.ID,
		})
		if err != nil {
			return "", &attemptError{reason: err.Error()}
		}
		if bestID == "" || load < bestLoad {
			bestID = vm.ID
			bestLoad = load
		}
	}
	return bestID, nil
}

func (e *Engine) prepareRetry(ctx context.Context, jobID string, attempt int, reason string) error {
	_, err := e.store.UpdateJob(ctx, jobID, func(j *models.Job) error {
		j.Status = models.JobRetrying
		j.RetryCount = attempt
		j.Progress = retryProgress
		j.LastError = reason
		j.UpdatedAt = time.Now().UTC()
		return nil
	})
	return err
}

func (e *Engine) completeJob(ctx context.Context, jobID, opID, vmID string) {
	if _, err := e.store.UpdateJob(ctx, jobID, func(j *models.Job) error {
		j.Status = models.JobCompleted
		j.Progress = 100
		j.LastError = ""
		j.UpdatedAt = time.Now().UTC()
		return nil
	}); err != nil {
		e.logger.Warn("failed to record job completion", zap.String("job_id", jobID), zap.Error(err))
	}
	metrics.JobsFinished.WithLabelValues(string(models.JobCompleted)).Inc()
	if _, err := e.ledger.TransitionStatus(ctx, opID, models.OpSucceeded,
		fmt.Sprintf("Job completed on VM %q.", vmID)); err != nil {
		e.logger.Warn("failed to finish job operation", zap.String("operation_id", opID), zap.Error(err))
	}
	e.publisher.Publish(events.SubjectJob, "job.completed", jobID, "", vmID)
	e.logger.Info("job completed", zap.String("job_id", jobID), zap.String("vm_id", vmID))
}

// failJob forces the job and its Operation terminal. Secondary
// failures here are logged, never propagated.
func (e *Engine) failJob(ctx context.Context, jobID, opID, reason string) {
	if _, err := e.store.UpdateJob(ctx, jobID, func(j *models.Job) error {
		j.Status = models.JobFailed
		j.LastError = reason
		j.UpdatedAt = time.Now().UTC()
		return nil
	}); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("failed to record job failure", zap.String("job_id", jobID), zap.Error(err))
	}
	metrics.JobsFinished.WithLabelValues(string(models.JobFailed)).Inc()
	if _, err := e.ledger.TransitionStatus(ctx, opID, models.OpFailed, reason); err != nil {
		e.logger.Warn("failed to fail job operation", zap.String("operation_id", opID), zap.Error(err))
	}
	e.publisher.Publish(events.SubjectJob, "job.failed", jobID, "", reason)
}

// sleep blocks for d or until the context ends.
func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
