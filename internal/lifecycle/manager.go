// Package lifecycle owns the VM state machine: guardrail enforcement
// on create, the legal source sets for stop/restart/delete, and the
// background transitions that realize each intent through the
// infrastructure adapter.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/fleetd/internal/errdefs"
	"github.com/devghori1264/aerophoenix/fleetd/internal/events"
	"github.com/devghori1264/aerophoenix/fleetd/internal/infra"
	"github.com/devghori1264/aerophoenix/fleetd/internal/metrics"
	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/devghori1264/aerophoenix/fleetd/internal/netparse"
	"github.com/devghori1264/aerophoenix/fleetd/internal/ops"
	"github.com/devghori1264/aerophoenix/fleetd/internal/runner"
	"github.com/devghori1264/aerophoenix/fleetd/internal/storage"
	"github.com/devghori1264/aerophoenix/fleetd/internal/tasks"
)

// CreateSpec is a caller's request for a new VM. RAM and CPU arrive as
// the operator wrote them ("512MB", "2") and are parsed here.
type CreateSpec struct {
	ID         string
	Region     string
	RAM        string
	CPU        string
	TemplateID string
}

// Manager orchestrates VM lifecycle transitions. Synchronous
// validation happens on the caller's goroutine; everything that talks
// to infrastructure runs on the task runner.
type Manager struct {
	store     storage.Store
	ledger    *ops.Ledger
	adapter   *infra.Adapter
	tasks     *tasks.Runner
	publisher *events.Publisher
	logger    *zap.Logger

	hostTotalRAMMB int
}

func NewManager(store storage.Store, ledger *ops.Ledger, adapter *infra.Adapter, runner *tasks.Runner, publisher *events.Publisher, hostTotalRAMMB int, logger *zap.Logger) *Manager {
	return &Manager{
		store:          store,
		ledger:         ledger,
		adapter:        adapter,
		tasks:          runner,
		publisher:      publisher,
		logger:         logger,
		hostTotalRAMMB: hostTotalRAMMB,
	}
}

// Ledger exposes the operation ledger for read-side callers.
func (m *Manager) Ledger() *ops.Ledger { return m.ledger }

// CreateVM validates the request against guardrails, persists the VM in
// creating, opens an Operation, and schedules provisioning. Guardrail
// checks read aggregate counts without a reservation, so two
// concurrent creates can both pass a check that would have rejected
// the second alone; that approximation is accepted.
func (m *Manager) CreateVM(ctx context.Context, spec CreateSpec) (*models.MicroVM, *models.Operation, error) {
	existing, err := m.store.GetVM(ctx, spec.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}
	if existing != nil && existing.Status != models.VMDeleted {
		m.logger.Warn("vm create rejected, id in use",
			zap.String("vm_id", spec.ID), zap.String("status", string(existing.Status)))
		return nil, nil, errdefs.Conflict("VM %q already exists", spec.ID)
	}

	template, err := m.store.GetTemplate(ctx, spec.TemplateID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, errdefs.NotFound("template %q not found", spec.TemplateID)
		}
		return nil, nil, err
	}

	ramMB, err := models.ParseRAMMB(spec.RAM)
	if err != nil {
		return nil, nil, errdefs.InvalidArgument("%v", err)
	}
	cpuCores, err := models.ParseCPUCores(spec.CPU)
	if err != nil {
		return nil, nil, errdefs.InvalidArgument("%v", err)
	}

	if err := m.checkGuardrails(ctx, spec.ID, ramMB, cpuCores); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	vm := &models.MicroVM{
		ID:                 spec.ID,
		Region:             normalizeRegion(spec.Region),
		RAMMB:              ramMB,
		CPUCores:           cpuCores,
		TemplateID:         template.ID,
		Status:             models.VMCreating,
		VerificationStatus: models.VerificationSecure,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.PutVM(ctx, vm); err != nil {
		return nil, nil, err
	}

	op, err := m.ledger.Create(ctx, "vm", vm.ID, "create", models.OpPending, "VM creation queued.")
	if err != nil {
		return nil, nil, err
	}

	m.logger.Info("vm queued for creation",
		zap.String("vm_id", vm.ID), zap.String("region", vm.Region), zap.String("operation_id", op.ID))
	m.submit("vm.provision", func(taskCtx context.Context) error {
		return m.runProvision(taskCtx, vm.ID, op.ID)
	})
	return vm, op, nil
}

// checkGuardrails applies the capacity checks in their fixed order:
// active count, per-VM cpu, projected free host memory. A missing
// guardrails record means no limits are configured yet.
func (m *Manager) checkGuardrails(ctx context.Context, vmID string, ramMB, cpuCores int) error {
	guardrails, err := m.store.GetGuardrails(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	activeFilter := storage.VMFilter{StatusIn: models.ActiveVMStatuses}
	activeVMs, err := m.store.CountVMs(ctx, activeFilter)
	if err != nil {
		return err
	}
	if activeVMs >= guardrails.MaxVMs {
		m.logger.Warn("vm create rejected by max_vms guardrail",
			zap.String("vm_id", vmID), zap.Int("active_vms", activeVMs), zap.Int("max_vms", guardrails.MaxVMs))
		return errdefs.ResourceExhausted("guardrail violation: max_vms=%d reached", guardrails.MaxVMs)
	}

	if cpuCores > guardrails.MaxCPUPerVM {
		m.logger.Warn("vm create rejected by max_cpu_per_vm guardrail",
			zap.String("vm_id", vmID), zap.Int("requested_cpu", cpuCores), zap.Int("max_cpu_per_vm", guardrails.MaxCPUPerVM))
		return errdefs.InvalidArgument("guardrail violation: CPU per VM exceeds %d", guardrails.MaxCPUPerVM)
	}

	if guardrails.OverloadPrevention {
		usedRAMMB, err := m.store.SumVMRAMMB(ctx, activeFilter)
		if err != nil {
			return err
		}
		freeAfterCreate := m.hostTotalRAMMB - (usedRAMMB + ramMB)
		if freeAfterCreate < guardrails.MinHostRAMMB {
			m.logger.Warn("vm create rejected by host reserve RAM guardrail",
				zap.String("vm_id", vmID), zap.Int("used_ram_mb", usedRAMMB),
				zap.Int("requested_ram_mb", ramMB), zap.Int("free_after_create", freeAfterCreate),
				zap.Int("min_host_ram_mb", guardrails.MinHostRAMMB))
			return errdefs.ResourceExhausted("guardrail violation: host reserve RAM would drop below %dMB", guardrails.MinHostRAMMB)
		}
	}
	return nil
}

// StopVM requests a stop. Stopping an already-stopped VM short-circuits
// to a synthesized succeeded Operation.
func (m *Manager) StopVM(ctx context.Context, vmID string) (*models.Operation, error) {
	vm, err := m.getLiveVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if vm.Status == models.VMStopped {
		return m.ledger.Create(ctx, "vm", vmID, "stop", models.OpSucceeded, "VM already stopped.")
	}
	// A racing caller that observes the transitional state gets the
	// in-flight Operation, not a precondition failure.
	if inFlight, err := m.ledger.FindInFlight(ctx, "vm", vmID, "stop"); err != nil || inFlight != nil {
		return inFlight, err
	}
	if !models.StatusIn(vm.Status, models.StoppableVMStatuses) {
		return nil, errdefs.FailedPrecondition("cannot stop VM from state %q", vm.Status)
	}
	return m.requestAction(ctx, vmID, "stop", models.VMStopping, "Stop queued.")
}

// RestartVM requests a restart from running or stopped.
func (m *Manager) RestartVM(ctx context.Context, vmID string) (*models.Operation, error) {
	vm, err := m.getLiveVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if inFlight, err := m.ledger.FindInFlight(ctx, "vm", vmID, "restart"); err != nil || inFlight != nil {
		return inFlight, err
	}
	if !models.StatusIn(vm.Status, models.RestartableVMStatuses) {
		return nil, errdefs.FailedPrecondition("cannot restart VM from state %q", vm.Status)
	}
	return m.requestAction(ctx, vmID, "restart", models.VMRestarting, "Restart queued.")
}

// DeleteVM requests deletion. Deleting an already-deleted VM
// short-circuits to a synthesized succeeded Operation.
func (m *Manager) DeleteVM(ctx context.Context, vmID string) (*models.Operation, error) {
	vm, err := m.store.GetVM(ctx, vmID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdefs.NotFound("VM %q not found", vmID)
		}
		return nil, err
	}
	if vm.Status == models.VMDeleted {
		return m.ledger.Create(ctx, "vm", vmID, "delete", models.OpSucceeded, "VM already deleted.")
	}
	if inFlight, err := m.ledger.FindInFlight(ctx, "vm", vmID, "delete"); err != nil || inFlight != nil {
		return inFlight, err
	}
	if !models.StatusIn(vm.Status, models.DeletableVMStatuses) {
		return nil, errdefs.FailedPrecondition("cannot delete VM from state %q", vm.Status)
	}
	return m.requestAction(ctx, vmID, "delete", models.VMDeleting, "Delete queued.")
}

// requestAction deduplicates against in-flight Operations, moves the
// VM into the transitional state, opens a pending Operation, and
// schedules the background action.
func (m *Manager) requestAction(ctx context.Context, vmID, kind string, transitional models.VMStatus, message string) (*models.Operation, error) {
	inFlight, err := m.ledger.FindInFlight(ctx, "vm", vmID, kind)
	if err != nil {
		return nil, err
	}
	if inFlight != nil {
		return inFlight, nil
	}

	if _, err := m.store.UpdateVM(ctx, vmID, func(vm *models.MicroVM) error {
		return vm.Transition(transitional)
	}); err != nil {
		var illegal *models.IllegalTransitionError
		if errors.As(err, &illegal) {
			return nil, errdefs.FailedPrecondition("%v", illegal)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdefs.NotFound("VM %q not found", vmID)
		}
		return nil, err
	}
	metrics.VMTransitions.WithLabelValues(string(transitional)).Inc()

	op, err := m.ledger.Create(ctx, "vm", vmID, kind, models.OpPending, message)
	if err != nil {
		return nil, err
	}
	m.logger.Info("vm action requested",
		zap.String("vm_id", vmID), zap.String("action", kind), zap.String("operation_id", op.ID))
	m.submit("vm."+kind, func(taskCtx context.Context) error {
		return m.runAction(taskCtx, vmID, op.ID, kind)
	})
	return op, nil
}

// GetVM returns one VM, including deleted ones.
func (m *Manager) GetVM(ctx context.Context, vmID string) (*models.MicroVM, error) {
	vm, err := m.store.GetVM(ctx, vmID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errdefs.NotFound("VM %q not found", vmID)
	}
	return vm, err
}

// ListVMs returns the non-deleted fleet, oldest first.
func (m *Manager) ListVMs(ctx context.Context) ([]*models.MicroVM, error) {
	return m.store.ListVMs(ctx, storage.VMFilter{
		StatusNotIn: []models.VMStatus{models.VMDeleted},
	})
}

// getLiveVM treats deleted VMs as absent, which is how every
// user-facing action other than delete sees them.
func (m *Manager) getLiveVM(ctx context.Context, vmID string) (*models.MicroVM, error) {
	vm, err := m.store.GetVM(ctx, vmID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdefs.NotFound("VM %q not found", vmID)
		}
		return nil, err
	}
	if vm.Status == models.VMDeleted {
		return nil, errdefs.NotFound("VM %q not found", vmID)
	}
	return vm, nil
}

func (m *Manager) submit(name string, run func(ctx context.Context) error) {
	if !m.tasks.Submit(tasks.Task{Name: name, Run: run}) {
		m.logger.Warn("task runner closed, dropping task", zap.String("task", name))
	}
}

// failVM records a background failure: the VM moves to error unless it
// is already terminal and the Operation is marked failed. Secondary
// failures while recording are logged and discarded so the primary
// error always wins.
func (m *Manager) failVM(ctx context.Context, vmID, opID string, cause error) {
	errored := false
	if _, err := m.store.UpdateVM(ctx, vmID, func(vm *models.MicroVM) error {
		if vm.Status == models.VMDeleted || vm.Status == models.VMError {
			return nil
		}
		errored = true
		return vm.MarkError()
	}); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("failed to record vm error state", zap.String("vm_id", vmID), zap.Error(err))
	}
	if errored {
		metrics.VMTransitions.WithLabelValues(string(models.VMError)).Inc()
	}

	if _, err := m.ledger.TransitionStatus(ctx, opID, models.OpFailed, cause.Error()); err != nil {
		m.logger.Warn("failed to record operation failure", zap.String("operation_id", opID), zap.Error(err))
	}
	m.publisher.Publish(events.SubjectVM, "vm.failed", vmID, "", cause.Error())
}

func (m *Manager) logCommandRuns(vmID, phase string, runs []runner.CommandRun) {
	if summary := runner.Summarize(runs); summary != "" {
		m.logger.Debug("infrastructure commands",
			zap.String("vm_id", vmID), zap.String("phase", phase), zap.String("summary", summary))
	}
}

func normalizeRegion(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}

// mintTunnelID derives an unused wg-<region>-<nn> tunnel id.
func (m *Manager) mintTunnelID(ctx context.Context, region string) (string, error) {
	for {
		id := fmt.Sprintf("wg-%s-%02d", netparse.ShortCode(region), 10+rand.Intn(90))
		_, err := m.store.GetTunnel(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
	}
}
