package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/fleetd/internal/config"
	"github.com/devghori1264/aerophoenix/fleetd/internal/errdefs"
	"github.com/devghori1264/aerophoenix/fleetd/internal/infra"
	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/devghori1264/aerophoenix/fleetd/internal/ops"
	"github.com/devghori1264/aerophoenix/fleetd/internal/runner"
	"github.com/devghori1264/aerophoenix/fleetd/internal/storage"
	"github.com/devghori1264/aerophoenix/fleetd/internal/tasks"
)

type fixture struct {
	store   storage.Store
	ledger  *ops.Ledger
	tasks   *tasks.Runner
	manager *Manager
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Infra.Workdir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	store, err := storage.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.PutTemplate(context.Background(), &models.Template{
		ID: "tpl-alpine", Name: "Alpine", Version: "3.20", BaseImage: "alpine.ext4", CreatedAt: time.Now().UTC(),
	}))

	taskRunner := tasks.NewRunner(2, zap.NewNop())
	t.Cleanup(taskRunner.Close)

	ledger := ops.New(store)
	adapter := infra.NewAdapter(cfg, runner.New(cfg.Infra), zap.NewNop())
	manager := NewManager(store, ledger, adapter, taskRunner, nil, cfg.Host.TotalRAMMB, zap.NewNop())
	return &fixture{store: store, ledger: ledger, tasks: taskRunner, manager: manager}
}

func (f *fixture) createSpec(id string) CreateSpec {
	return CreateSpec{ID: id, Region: "de", RAM: "512MB", CPU: "1", TemplateID: "tpl-alpine"}
}

func (f *fixture) createRunningVM(t *testing.T, id string) *models.MicroVM {
	t.Helper()
	ctx := context.Background()
	_, _, err := f.manager.CreateVM(ctx, f.createSpec(id))
	require.NoError(t, err)
	f.tasks.Wait()

	vm, err := f.store.GetVM(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.VMRunning, vm.Status)
	return vm
}

func TestCreateVMProvisionsToRunning(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	vm, op, err := f.manager.CreateVM(ctx, f.createSpec("vm-web-01"))
	require.NoError(t, err)
	assert.Equal(t, models.VMCreating, vm.Status)
	assert.Equal(t, models.OpPending, op.Status)

	f.tasks.Wait()

	got, err := f.store.GetVM(ctx, "vm-web-01")
	require.NoError(t, err)
	assert.Equal(t, models.VMRunning, got.Status)
	assert.NotEmpty(t, got.PublicIP)
	assert.NotEmpty(t, got.TunnelID)
	assert.Equal(t, models.VerificationSecure, got.VerificationStatus)

	tunnel, err := f.store.GetTunnel(ctx, got.TunnelID)
	require.NoError(t, err)
	assert.Equal(t, "vm-web-01", tunnel.VMID)
	assert.Equal(t, models.TunnelConnected, tunnel.Status)

	finished, err := f.ledger.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpSucceeded, finished.Status)
	assert.Contains(t, finished.Message, "is running")
}

func TestCreateVMNormalizesRegion(t *testing.T) {
	f := newFixture(t, nil)
	spec := f.createSpec("vm-web-01")
	spec.Region = " DE "

	vm, _, err := f.manager.CreateVM(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "de", vm.Region)
}

func TestCreateVMDuplicateIDConflicts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, _, err := f.manager.CreateVM(ctx, f.createSpec("vm-web-01"))
	require.NoError(t, err)

	_, _, err = f.manager.CreateVM(ctx, f.createSpec("vm-web-01"))
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
}

func TestCreateVMReusesDeletedID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.createRunningVM(t, "vm-web-01")
	_, err := f.manager.DeleteVM(ctx, "vm-web-01")
	require.NoError(t, err)
	f.tasks.Wait()

	_, _, err = f.manager.CreateVM(ctx, f.createSpec("vm-web-01"))
	require.NoError(t, err)
}

func TestCreateVMUnknownTemplate(t *testing.T) {
	f := newFixture(t, nil)
	spec := f.createSpec("vm-web-01")
	spec.TemplateID = "tpl-nope"

	_, _, err := f.manager.CreateVM(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestCreateVMBadSizing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	spec := f.createSpec("vm-web-01")
	spec.RAM = "lots"
	_, _, err := f.manager.CreateVM(ctx, spec)
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))

	spec = f.createSpec("vm-web-01")
	spec.CPU = "0"
	_, _, err = f.manager.CreateVM(ctx, spec)
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestGuardrailMaxVMs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.PutGuardrails(ctx, &models.Guardrails{
		MaxVMs: 1, MinHostRAMMB: 0, MaxCPUPerVM: 4, UpdatedAt: time.Now().UTC(),
	}))

	f.createRunningVM(t, "vm-1")

	_, _, err := f.manager.CreateVM(ctx, f.createSpec("vm-2"))
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err))
}

func TestGuardrailOrderCountBeforeCPU(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.PutGuardrails(ctx, &models.Guardrails{
		MaxVMs: 0, MinHostRAMMB: 0, MaxCPUPerVM: 1, UpdatedAt: time.Now().UTC(),
	}))

	spec := f.createSpec("vm-1")
	spec.CPU = "8"
	_, _, err := f.manager.CreateVM(ctx, spec)
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err), "count check must fire before cpu check")
}

func TestGuardrailMaxCPUPerVM(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.PutGuardrails(ctx, &models.Guardrails{
		MaxVMs: 10, MinHostRAMMB: 0, MaxCPUPerVM: 2, UpdatedAt: time.Now().UTC(),
	}))

	spec := f.createSpec("vm-1")
	spec.CPU = "4"
	_, _, err := f.manager.CreateVM(ctx, spec)
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestGuardrailHostRAMReserve(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Host.TotalRAMMB = 4096
	})
	ctx := context.Background()
	require.NoError(t, f.store.PutGuardrails(ctx, &models.Guardrails{
		MaxVMs: 10, MinHostRAMMB: 2048, MaxCPUPerVM: 4, OverloadPrevention: true, UpdatedAt: time.Now().UTC(),
	}))

	f.createRunningVM(t, "vm-1")

	spec := f.createSpec("vm-2")
	spec.RAM = "2GB"
	_, _, err := f.manager.CreateVM(ctx, spec)
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err))

	// Without overload prevention the same request passes.
	require.NoError(t, f.store.PutGuardrails(ctx, &models.Guardrails{
		MaxVMs: 10, MinHostRAMMB: 2048, MaxCPUPerVM: 4, OverloadPrevention: false, UpdatedAt: time.Now().UTC(),
	}))
	_, _, err = f.manager.CreateVM(ctx, spec)
	require.NoError(t, err)
	f.tasks.Wait()
}

func TestStopVMLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createRunningVM(t, "vm-1")

	op, err := f.manager.StopVM(ctx, "vm-1")
	require.NoError(t, err)
	f.tasks.Wait()

	vm, err := f.store.GetVM(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, models.VMStopped, vm.Status)

	finished, err := f.ledger.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpSucceeded, finished.Status)

	// A repeated stop short-circuits to a synthesized succeeded
	// Operation instead of erroring.
	again, err := f.manager.StopVM(ctx, "vm-1")
	require.NoError(t, err)
	assert.NotEqual(t, op.ID, again.ID)
	assert.Equal(t, models.OpSucceeded, again.Status)
	assert.Contains(t, again.Message, "already stopped")
}

func TestStopVMDeduplicatesInFlight(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, f.store.PutVM(ctx, &models.MicroVM{
		ID: "vm-1", Region: "de", RAMMB: 512, CPUCores: 1, Status: models.VMRunning,
		CreatedAt: now, UpdatedAt: now,
	}))
	pending, err := f.ledger.Create(ctx, "vm", "vm-1", "stop", models.OpPending, "Stop queued.")
	require.NoError(t, err)

	op, err := f.manager.StopVM(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, op.ID, "in-flight stop must be reused, not duplicated")

	vm, err := f.store.GetVM(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, models.VMRunning, vm.Status, "dedup must not re-transition the VM")
}

func TestRepeatedStopsConverge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createRunningVM(t, "vm-1")

	first, err := f.manager.StopVM(ctx, "vm-1")
	require.NoError(t, err)
	f.tasks.Wait()
	second, err := f.manager.StopVM(ctx, "vm-1")
	require.NoError(t, err)
	f.tasks.Wait()

	vm, err := f.store.GetVM(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, models.VMStopped, vm.Status)

	for _, id := range []string{first.ID, second.ID} {
		op, err := f.ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, op.Terminal())
		assert.Equal(t, models.OpSucceeded, op.Status)
	}
}

func TestStopVMFromIllegalState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, f.store.PutVM(ctx, &models.MicroVM{
		ID: "vm-1", Region: "de", RAMMB: 512, CPUCores: 1, Status: models.VMCreating,
		CreatedAt: now, UpdatedAt: now,
	}))

	_, err := f.manager.StopVM(ctx, "vm-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestStopVMUnknownOrDeleted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.manager.StopVM(ctx, "vm-nope")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	f.createRunningVM(t, "vm-1")
	_, err = f.manager.DeleteVM(ctx, "vm-1")
	require.NoError(t, err)
	f.tasks.Wait()

	_, err = f.manager.StopVM(ctx, "vm-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err), "deleted VMs are invisible to stop")
}

func TestRestartVMFromRunningAndStopped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createRunningVM(t, "vm-1")

	_, err := f.manager.RestartVM(ctx, "vm-1")
	require.NoError(t, err)
	f.tasks.Wait()
	vm, err := f.store.GetVM(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, models.VMRunning, vm.Status)

	_, err = f.manager.StopVM(ctx, "vm-1")
	require.NoError(t, err)
	f.tasks.Wait()

	_, err = f.manager.RestartVM(ctx, "vm-1")
	require.NoError(t, err)
	f.tasks.Wait()
	vm, err = f.store.GetVM(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, models.VMRunning, vm.Status)
}

func TestDeleteVMDetachesTunnel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	vm := f.createRunningVM(t, "vm-1")
	tunnelID := vm.TunnelID
	require.NotEmpty(t, tunnelID)

	op, err := f.manager.DeleteVM(ctx, "vm-1")
	require.NoError(t, err)
	f.tasks.Wait()

	got, err := f.store.GetVM(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, models.VMDeleted, got.Status)
	assert.Empty(t, got.PublicIP)
	assert.Empty(t, got.TunnelID)

	tunnel, err := f.store.GetTunnel(ctx, tunnelID)
	require.NoError(t, err, "tunnel record survives VM deletion")
	assert.Empty(t, tunnel.VMID)
	assert.Equal(t, models.TunnelDisconnected, tunnel.Status)

	finished, err := f.ledger.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpSucceeded, finished.Status)

	// Deleting again short-circuits.
	again, err := f.manager.DeleteVM(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, models.OpSucceeded, again.Status)
	assert.Contains(t, again.Message, "already deleted")
}

func TestAdapterFailureMarksVMError(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		// api transport with no base URL makes every provision fail.
		cfg.Infra.Transport = config.TransportAPI
	})
	ctx := context.Background()

	_, op, err := f.manager.CreateVM(ctx, f.createSpec("vm-1"))
	require.NoError(t, err, "validation passes; the failure is asynchronous")
	f.tasks.Wait()

	vm, err := f.store.GetVM(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, models.VMError, vm.Status)

	failed, err := f.ledger.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpFailed, failed.Status)
	assert.NotEmpty(t, failed.Message)
}

func TestRotationFailureIsNonFatalDuringCreate(t *testing.T) {
	vmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"public_ip":"84.17.52.9","provider":"WireGuard","latency_ms":40}`))
	}))
	defer vmServer.Close()

	// VM provisioning succeeds over the API; the proxy domain has no
	// base URL, so tunnel rotation fails.
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Infra.Transport = config.TransportAPI
		cfg.VMAPI.BaseURL = vmServer.URL
	})
	ctx := context.Background()

	_, op, err := f.manager.CreateVM(ctx, f.createSpec("vm-1"))
	require.NoError(t, err)
	f.tasks.Wait()

	vm, err := f.store.GetVM(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, models.VMRunning, vm.Status, "creation never fails solely on rotation")
	assert.Equal(t, models.VerificationWarning, vm.VerificationStatus)
	assert.Equal(t, "84.17.52.9", vm.PublicIP)

	finished, err := f.ledger.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpSucceeded, finished.Status)
	assert.Contains(t, finished.Message, "Tunnel rotation deferred:")
}

func TestCreateVMReusesRegionalTunnel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, f.store.PutTunnel(ctx, &models.Tunnel{
		ID: "wg-de-77", Region: "de", Provider: "WireGuard", Status: models.TunnelConnected,
		PublicIP: "84.17.52.10", CreatedAt: now, UpdatedAt: now,
	}))

	vm := f.createRunningVM(t, "vm-1")
	assert.Equal(t, "wg-de-77", vm.TunnelID)

	tunnel, err := f.store.GetTunnel(ctx, "wg-de-77")
	require.NoError(t, err)
	assert.Equal(t, "vm-1", tunnel.VMID)
}

func TestRotateIPOperation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	vm := f.createRunningVM(t, "vm-1")

	op, err := f.manager.RotateIP(ctx, "vm-1")
	require.NoError(t, err)
	f.tasks.Wait()

	finished, err := f.ledger.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpSucceeded, finished.Status)
	assert.Contains(t, finished.Message, "Tunnel rotated")

	rotated, err := f.store.GetVM(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, models.VMRunning, rotated.Status)
	assert.Equal(t, models.VerificationSecure, rotated.VerificationStatus)
	assert.NotEmpty(t, rotated.PublicIP)

	tunnel, err := f.store.GetTunnel(ctx, vm.TunnelID)
	require.NoError(t, err)
	assert.Equal(t, rotated.PublicIP, tunnel.PublicIP)
}

func TestRotateIPRequiresRunningVM(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createRunningVM(t, "vm-1")
	_, err := f.manager.StopVM(ctx, "vm-1")
	require.NoError(t, err)
	f.tasks.Wait()

	_, err = f.manager.RotateIP(ctx, "vm-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestRegisterTunnel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tunnel, op, err := f.manager.RegisterTunnel(ctx, "DE", "84.17.52.11", "WireGuard")
	require.NoError(t, err)
	assert.Equal(t, "de", tunnel.Region)
	assert.Equal(t, "84.17.52.11", tunnel.PublicIP)
	assert.Equal(t, models.TunnelConnected, tunnel.Status)
	assert.Empty(t, tunnel.VMID)
	assert.Equal(t, models.OpSucceeded, op.Status)

	_, _, err = f.manager.RegisterTunnel(ctx, "de", "not-an-ip", "WireGuard")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestConcurrentStopsShareOneOperation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createRunningVM(t, "vm-1")

	var wg sync.WaitGroup
	stopOps := make([]*models.Operation, 2)
	stopErrs := make([]error, 2)
	for i := range stopOps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stopOps[i], stopErrs[i] = f.manager.StopVM(ctx, "vm-1")
		}(i)
	}
	wg.Wait()
	f.tasks.Wait()

	succeeded := 0
	for i := range stopErrs {
		if stopErrs[i] != nil {
			// The only tolerated loss is the sliver between the VM
			// entering stopping and its Operation becoming visible.
			assert.True(t, errdefs.IsFailedPrecondition(stopErrs[i]))
			continue
		}
		succeeded++
		op, err := f.ledger.Get(ctx, stopOps[i].ID)
		require.NoError(t, err)
		assert.True(t, op.Terminal())
		assert.Equal(t, models.OpSucceeded, op.Status)
	}
	require.GreaterOrEqual(t, succeeded, 1, "at least one racing stop must win")

	vm, err := f.store.GetVM(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, models.VMStopped, vm.Status)
}

func TestStopVMReturnsInFlightOpToLateObserver(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, f.store.PutVM(ctx, &models.MicroVM{
		ID: "vm-1", Region: "de", RAMMB: 512, CPUCores: 1, Status: models.VMStopping,
		CreatedAt: now, UpdatedAt: now,
	}))
	pending, err := f.ledger.Create(ctx, "vm", "vm-1", "stop", models.OpPending, "Stop queued.")
	require.NoError(t, err)

	op, err := f.manager.StopVM(ctx, "vm-1")
	require.NoError(t, err, "a caller that sees the transitional state joins the in-flight stop")
	assert.Equal(t, pending.ID, op.ID)
}

// opOutageStore refuses Operation writes while down is set, standing
// in for a store that drops out mid-provision.
type opOutageStore struct {
	storage.Store
	down atomic.Bool
}

func (s *opOutageStore) UpdateOperation(ctx context.Context, id string, mutate func(*models.Operation) error) (*models.Operation, error) {
	if s.down.Load() {
		return nil, errors.New("operation store unavailable")
	}
	return s.Store.UpdateOperation(ctx, id, mutate)
}

func TestProvisionForcedTerminalWhenStartBookkeepingFails(t *testing.T) {
	cfg := config.Default()
	cfg.Infra.Workdir = t.TempDir()

	base, err := storage.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })
	store := &opOutageStore{Store: base}

	taskRunner := tasks.NewRunner(1, zap.NewNop())
	t.Cleanup(taskRunner.Close)
	ledger := ops.New(store)
	adapter := infra.NewAdapter(cfg, runner.New(cfg.Infra), zap.NewNop())
	manager := NewManager(store, ledger, adapter, taskRunner, nil, cfg.Host.TotalRAMMB, zap.NewNop())

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.PutVM(ctx, &models.MicroVM{
		ID: "vm-1", Region: "de", RAMMB: 512, CPUCores: 1, Status: models.VMCreating,
		CreatedAt: now, UpdatedAt: now,
	}))
	op, err := ledger.Create(ctx, "vm", "vm-1", "create", models.OpPending, "Provisioning queued.")
	require.NoError(t, err)

	store.down.Store(true)
	require.Error(t, manager.runProvision(ctx, "vm-1", op.ID))

	vm, err := store.GetVM(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, models.VMError, vm.Status, "a VM must not stay creating after provisioning gives up")
}
