package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/fleetd/internal/errdefs"
	"github.com/devghori1264/aerophoenix/fleetd/internal/events"
	"github.com/devghori1264/aerophoenix/fleetd/internal/infra"
	"github.com/devghori1264/aerophoenix/fleetd/internal/metrics"
	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/devghori1264/aerophoenix/fleetd/internal/netparse"
	"github.com/devghori1264/aerophoenix/fleetd/internal/storage"
)

// runProvision drives a VM from creating to running: provision
// compute, attach a tunnel (reusing a connected one in the region when
// available), then rotate the tunnel endpoint. Rotation failure is
// non-fatal: the VM still comes up, flagged Warning, with the reason
// preserved on the Operation.
func (m *Manager) runProvision(ctx context.Context, vmID, opID string) error {
	if _, err := m.ledger.TransitionStatus(ctx, opID, models.OpRunning, "Provisioning VM resources."); err != nil {
		m.failVM(ctx, vmID, opID, fmt.Errorf("record provisioning start: %w", err))
		return err
	}

	vm, err := m.store.GetVM(ctx, vmID)
	if err != nil {
		m.failVM(ctx, vmID, opID, fmt.Errorf("load VM: %w", err))
		return err
	}
	template, err := m.store.GetTemplate(ctx, vm.TemplateID)
	if err != nil {
		m.failVM(ctx, vmID, opID, fmt.Errorf("load template %q: %w", vm.TemplateID, err))
		return err
	}

	result, err := m.adapter.ProvisionVM(ctx, infra.ProvisionRequest{
		VMID:      vm.ID,
		Region:    vm.Region,
		RAMMB:     vm.RAMMB,
		CPUCores:  vm.CPUCores,
		BaseImage: template.BaseImage,
	})
	if err != nil {
		m.failVM(ctx, vmID, opID, fmt.Errorf("provision: %w", err))
		return err
	}
	m.logCommandRuns(vmID, "provision", result.Runs)

	tunnel, err := m.attachTunnel(ctx, vm, result)
	if err != nil {
		m.failVM(ctx, vmID, opID, fmt.Errorf("attach tunnel: %w", err))
		return err
	}

	if _, err := m.ledger.TransitionStatus(ctx, opID, models.OpRunning,
		fmt.Sprintf("Applying tunnel profile %q for region %q.", tunnel.ID, vm.Region)); err != nil {
		m.failVM(ctx, vmID, opID, fmt.Errorf("record tunnel attachment: %w", err))
		return err
	}

	publicIP := result.PublicIP
	verification := models.VerificationSecure
	rotation, rotateErr := m.adapter.RotateTunnel(ctx, vm.ID, tunnel.ID, vm.Region)
	if rotateErr != nil {
		verification = models.VerificationWarning
		m.logger.Warn("tunnel rotation deferred",
			zap.String("vm_id", vm.ID), zap.String("tunnel_id", tunnel.ID), zap.Error(rotateErr))
	} else {
		m.logCommandRuns(vmID, "rotate", rotation.Runs)
		if rotation.PublicIP != "" {
			publicIP = rotation.PublicIP
		}
		if _, err := m.store.UpdateTunnel(ctx, tunnel.ID, func(t *models.Tunnel) error {
			t.PublicIP = publicIP
			t.LatencyMs = rotation.LatencyMs
			t.Status = models.TunnelConnected
			t.UpdatedAt = time.Now().UTC()
			return nil
		}); err != nil {
			m.logger.Warn("failed to record rotated tunnel endpoint",
				zap.String("tunnel_id", tunnel.ID), zap.Error(err))
		}
	}

	if _, err := m.store.UpdateVM(ctx, vmID, func(vm *models.MicroVM) error {
		return vm.MarkRunning(publicIP, tunnel.ID, result.ExitNode, verification)
	}); err != nil {
		m.failVM(ctx, vmID, opID, fmt.Errorf("activate VM: %w", err))
		return err
	}
	metrics.VMTransitions.WithLabelValues(string(models.VMRunning)).Inc()

	message := fmt.Sprintf("VM %q is running.", vmID)
	if rotateErr != nil {
		message += fmt.Sprintf(" Tunnel rotation deferred: %v", rotateErr)
	}
	m.finishOperation(ctx, opID, models.OpSucceeded, message)
	m.publisher.Publish(events.SubjectVM, "vm.running", vmID, vm.Region, publicIP)
	m.logger.Info("vm running",
		zap.String("vm_id", vmID), zap.String("public_ip", publicIP),
		zap.String("tunnel_id", tunnel.ID), zap.String("verification", string(verification)))
	return nil
}

// attachTunnel reuses a connected tunnel in the VM's region when one
// is free, otherwise mints a fresh wg-<region>-<nn> record.
func (m *Manager) attachTunnel(ctx context.Context, vm *models.MicroVM, result *infra.ProvisionResult) (*models.Tunnel, error) {
	existing, err := m.store.FindConnectedTunnelByRegion(ctx, vm.Region)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return m.store.UpdateTunnel(ctx, existing.ID, func(t *models.Tunnel) error {
			t.VMID = vm.ID
			t.Status = models.TunnelConnected
			if t.PublicIP == "" {
				t.PublicIP = result.PublicIP
			}
			t.UpdatedAt = time.Now().UTC()
			return nil
		})
	}

	id, err := m.mintTunnelID(ctx, vm.Region)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tunnel := &models.Tunnel{
		ID:        id,
		Region:    vm.Region,
		Provider:  result.Provider,
		LatencyMs: result.LatencyMs,
		Status:    models.TunnelConnected,
		PublicIP:  result.PublicIP,
		VMID:      vm.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.PutTunnel(ctx, tunnel); err != nil {
		return nil, err
	}
	m.logger.Info("tunnel minted",
		zap.String("tunnel_id", id), zap.String("region", vm.Region), zap.String("vm_id", vm.ID))
	return tunnel, nil
}

// runAction executes a queued stop, restart, or delete.
func (m *Manager) runAction(ctx context.Context, vmID, opID, kind string) error {
	if _, err := m.ledger.TransitionStatus(ctx, opID, models.OpRunning,
		fmt.Sprintf("Executing %s.", kind)); err != nil {
		m.failVM(ctx, vmID, opID, fmt.Errorf("record %s start: %w", kind, err))
		return err
	}

	vm, err := m.store.GetVM(ctx, vmID)
	if err != nil {
		m.failVM(ctx, vmID, opID, fmt.Errorf("load VM: %w", err))
		return err
	}

	switch kind {
	case "stop":
		runs, err := m.adapter.StopVM(ctx, vmID)
		if err != nil {
			m.failVM(ctx, vmID, opID, fmt.Errorf("stop: %w", err))
			return err
		}
		m.logCommandRuns(vmID, "stop", runs)
		if _, err := m.store.UpdateVM(ctx, vmID, func(vm *models.MicroVM) error {
			return vm.MarkStopped()
		}); err != nil {
			m.failVM(ctx, vmID, opID, fmt.Errorf("record stop: %w", err))
			return err
		}
		metrics.VMTransitions.WithLabelValues(string(models.VMStopped)).Inc()
		m.finishOperation(ctx, opID, models.OpSucceeded, fmt.Sprintf("VM %q stopped.", vmID))
		m.publisher.Publish(events.SubjectVM, "vm.stopped", vmID, vm.Region, "")

	case "restart":
		runs, err := m.adapter.RestartVM(ctx, vmID)
		if err != nil {
			m.failVM(ctx, vmID, opID, fmt.Errorf("restart: %w", err))
			return err
		}
		m.logCommandRuns(vmID, "restart", runs)
		publicIP := vm.PublicIP
		if publicIP == "" {
			publicIP = netparse.DerivePublicIP(vmID)
		}
		if _, err := m.store.UpdateVM(ctx, vmID, func(vm *models.MicroVM) error {
			return vm.MarkRunning(publicIP, vm.TunnelID, vm.ExitNode, models.VerificationSecure)
		}); err != nil {
			m.failVM(ctx, vmID, opID, fmt.Errorf("record restart: %w", err))
			return err
		}
		metrics.VMTransitions.WithLabelValues(string(models.VMRunning)).Inc()
		m.finishOperation(ctx, opID, models.OpSucceeded, fmt.Sprintf("VM %q restarted.", vmID))
		m.publisher.Publish(events.SubjectVM, "vm.restarted", vmID, vm.Region, publicIP)

	case "delete":
		runs, err := m.adapter.DeleteVM(ctx, vmID)
		if err != nil {
			m.failVM(ctx, vmID, opID, fmt.Errorf("delete: %w", err))
			return err
		}
		m.logCommandRuns(vmID, "delete", runs)
		tunnelID := vm.TunnelID
		if _, err := m.store.UpdateVM(ctx, vmID, func(vm *models.MicroVM) error {
			return vm.MarkDeleted()
		}); err != nil {
			m.failVM(ctx, vmID, opID, fmt.Errorf("record delete: %w", err))
			return err
		}
		m.detachTunnel(ctx, tunnelID, vmID)
		metrics.VMTransitions.WithLabelValues(string(models.VMDeleted)).Inc()
		m.finishOperation(ctx, opID, models.OpSucceeded, fmt.Sprintf("VM %q deleted.", vmID))
		m.publisher.Publish(events.SubjectVM, "vm.deleted", vmID, vm.Region, "")

	default:
		err := errdefs.Internal("unknown vm action %q", kind)
		m.failVM(ctx, vmID, opID, err)
		return err
	}
	return nil
}

// detachTunnel frees the tunnel record without removing it, so the
// region can reuse the endpoint for the next VM.
func (m *Manager) detachTunnel(ctx context.Context, tunnelID, vmID string) {
	if tunnelID == "" {
		return
	}
	if _, err := m.store.UpdateTunnel(ctx, tunnelID, func(t *models.Tunnel) error {
		if t.VMID == vmID {
			t.VMID = ""
			t.Status = models.TunnelDisconnected
			t.UpdatedAt = time.Now().UTC()
		}
		return nil
	}); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("failed to detach tunnel",
			zap.String("tunnel_id", tunnelID), zap.String("vm_id", vmID), zap.Error(err))
	}
}

func (m *Manager) finishOperation(ctx context.Context, opID string, status models.OperationStatus, message string) {
	if _, err := m.ledger.TransitionStatus(ctx, opID, status, message); err != nil {
		m.logger.Warn("failed to finish operation", zap.String("operation_id", opID), zap.Error(err))
	}
}
