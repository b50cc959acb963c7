package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/fleetd/internal/config"
	"github.com/devghori1264/aerophoenix/fleetd/internal/errdefs"
	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/devghori1264/aerophoenix/fleetd/internal/ops"
	"github.com/devghori1264/aerophoenix/fleetd/internal/storage"
	"github.com/devghori1264/aerophoenix/fleetd/internal/tasks"
)

type engineFixture struct {
	store  storage.Store
	ledger *ops.Ledger
	tasks  *tasks.Runner
	engine *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store, err := storage.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	taskRunner := tasks.NewRunner(2, zap.NewNop())
	t.Cleanup(taskRunner.Close)

	ledger := ops.New(store)
	engine := NewEngine(store, ledger, taskRunner, nil, config.SchedulerConfig{
		Workers:     2,
		StageDelay:  time.Millisecond,
		BackoffUnit: 10 * time.Millisecond,
	}, zap.NewNop())
	return &engineFixture{store: store, ledger: ledger, tasks: taskRunner, engine: engine}
}

func (f *engineFixture) seedVM(t *testing.T, id string, status models.VMStatus, createdAt time.Time) {
	t.Helper()
	require.NoError(t, f.store.PutVM(context.Background(), &models.MicroVM{
		ID: id, Region: "de", RAMMB: 512, CPUCores: 1, Status: status,
		CreatedAt: createdAt, UpdatedAt: createdAt,
	}))
}

// seedJob bypasses Enqueue so a test can drive runJob synchronously.
func (f *engineFixture) seedJob(t *testing.T, id, pinnedVMID string) *models.Operation {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, f.store.PutJob(ctx, &models.Job{
		ID: id, TaskType: "sync", VMID: pinnedVMID, Status: models.JobQueued,
		CreatedAt: now, UpdatedAt: now,
	}))
	op, err := f.ledger.Create(ctx, "job", id, "sync", models.OpPending, "Job queued.")
	require.NoError(t, err)
	return op
}

func TestEnqueueValidation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, _, err := f.engine.Enqueue(ctx, "job-1", "", "")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, _, err = f.engine.Enqueue(ctx, "job-1", "sync", "vm-nope")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	f.seedVM(t, "vm-stopped", models.VMStopped, time.Now().UTC())
	_, _, err = f.engine.Enqueue(ctx, "job-1", "sync", "vm-stopped")
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestEnqueueDuplicateConflicts(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedVM(t, "vm-1", models.VMRunning, time.Now().UTC())

	_, _, err := f.engine.Enqueue(ctx, "job-1", "sync", "vm-1")
	require.NoError(t, err)

	_, _, err = f.engine.Enqueue(ctx, "job-1", "sync", "vm-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
	f.tasks.Wait()
}

func TestJobRunsToCompletion(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedVM(t, "vm-1", models.VMRunning, time.Now().UTC())

	job, op, err := f.engine.Enqueue(ctx, "job-1", "sync", "vm-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
	f.tasks.Wait()

	done, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, "vm-1", done.VMID)
	assert.Empty(t, done.LastError)
	assert.Zero(t, done.RetryCount)

	finished, err := f.ledger.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpSucceeded, finished.Status)
	assert.Contains(t, finished.Message, `Job completed on VM "vm-1".`)
}

func TestPinnedVMVanishingIsFatal(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// The job is pinned to a VM that never existed; runJob is driven
	// synchronously so no retries can be hidden by timing.
	op := f.seedJob(t, "job-1", "vm-gone")
	err := f.engine.runJob(ctx, "job-1", op.ID)
	require.Error(t, err)

	job, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Zero(t, job.RetryCount, "fatal errors must not retry")
	assert.Contains(t, job.LastError, "no longer exists")

	failed, err := f.ledger.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpFailed, failed.Status)
}

func TestTerminalPinnedVMIsFatal(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedVM(t, "vm-err", models.VMError, time.Now().UTC())

	op := f.seedJob(t, "job-1", "vm-err")
	err := f.engine.runJob(ctx, "job-1", op.ID)
	require.Error(t, err)

	job, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Zero(t, job.RetryCount)
	assert.Contains(t, job.LastError, "terminal")
}

func TestRetriesExhaustWithoutCapacity(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	op := f.seedJob(t, "job-1", "")
	err := f.engine.runJob(ctx, "job-1", op.ID)
	require.Error(t, err)

	job, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, maxRetries, job.RetryCount)
	assert.Equal(t, "no runnable VM available", job.LastError)

	failed, err := f.ledger.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpFailed, failed.Status)
	assert.Equal(t, "no runnable VM available", failed.Message)
}

func TestRetrySucceedsWhenCapacityArrives(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// No VM exists for the first attempts; one appears before the
	// final backoff elapses, so the last attempt must succeed.
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.store.PutVM(ctx, &models.MicroVM{
			ID: "vm-late", Region: "de", RAMMB: 512, CPUCores: 1, Status: models.VMRunning,
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		})
	}()

	op := f.seedJob(t, "job-1", "")
	err := f.engine.runJob(ctx, "job-1", op.ID)
	require.NoError(t, err)

	job, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, "vm-late", job.VMID)
	assert.GreaterOrEqual(t, job.RetryCount, 1)
	assert.Equal(t, 100, job.Progress)
}

func TestResolveVMPrefersLeastLoaded(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	f.seedVM(t, "vm-old", models.VMRunning, base)
	f.seedVM(t, "vm-new", models.VMRunning, base.Add(time.Minute))

	// Load vm-old with an active job; the unpinned job should land on
	// vm-new.
	require.NoError(t, f.store.PutJob(ctx, &models.Job{
		ID: "job-busy", TaskType: "sync", VMID: "vm-old", Status: models.JobRunning,
		CreatedAt: base, UpdatedAt: base,
	}))

	vmID, aerr := f.engine.resolveVM(ctx, &models.Job{ID: "job-1"})
	require.Nil(t, aerr)
	assert.Equal(t, "vm-new", vmID)
}

func TestResolveVMTieBreaksOldest(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	f.seedVM(t, "vm-b-newer", models.VMRunning, base.Add(time.Minute))
	f.seedVM(t, "vm-a-older", models.VMRunning, base)

	vmID, aerr := f.engine.resolveVM(ctx, &models.Job{ID: "job-1"})
	require.Nil(t, aerr)
	assert.Equal(t, "vm-a-older", vmID, "equal load resolves to the earliest-created VM")
}

func TestResolveVMNotRunnablePinnedRetries(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedVM(t, "vm-stopping", models.VMStopping, time.Now().UTC())

	_, aerr := f.engine.resolveVM(ctx, &models.Job{ID: "job-1", VMID: "vm-stopping"})
	require.NotNil(t, aerr)
	assert.False(t, aerr.fatal, "a transitional VM state is worth retrying")
}

// outageStore refuses Operation writes while down is set, standing in
// for a store that drops out mid-dispatch.
type outageStore struct {
	storage.Store
	down atomic.Bool
}

func (s *outageStore) UpdateOperation(ctx context.Context, id string, mutate func(*models.Operation) error) (*models.Operation, error) {
	if s.down.Load() {
		return nil, errors.New("operation store unavailable")
	}
	return s.Store.UpdateOperation(ctx, id, mutate)
}

func TestJobForcedTerminalWhenStartBookkeepingFails(t *testing.T) {
	base, err := storage.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })
	store := &outageStore{Store: base}

	taskRunner := tasks.NewRunner(1, zap.NewNop())
	t.Cleanup(taskRunner.Close)
	ledger := ops.New(store)
	engine := NewEngine(store, ledger, taskRunner, nil, config.SchedulerConfig{
		Workers:     1,
		StageDelay:  time.Millisecond,
		BackoffUnit: time.Millisecond,
	}, zap.NewNop())

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.PutVM(ctx, &models.MicroVM{
		ID: "vm-1", Region: "de", RAMMB: 512, CPUCores: 1, Status: models.VMRunning,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.PutJob(ctx, &models.Job{
		ID: "job-1", TaskType: "sync", VMID: "vm-1", Status: models.JobQueued,
		CreatedAt: now, UpdatedAt: now,
	}))
	op, err := ledger.Create(ctx, "job", "job-1", "sync", models.OpPending, "Job queued.")
	require.NoError(t, err)

	store.down.Store(true)
	require.Error(t, engine.runJob(ctx, "job-1", op.ID))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status, "a job must not stay queued after its run path gives up")
	assert.Contains(t, job.LastError, "record job start")
}
