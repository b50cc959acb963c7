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
	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/devghori1264/aerophoenix/fleetd/internal/netparse"
	"github.com/devghori1264/aerophoenix/fleetd/internal/storage"
)

// RotateIP requests a tunnel rotation for a running VM. Unlike the
// rotation folded into provisioning, a failure here marks the
// Operation failed; the VM keeps running with a Warning flag.
func (m *Manager) RotateIP(ctx context.Context, vmID string) (*models.Operation, error) {
	vm, err := m.getLiveVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if vm.Status != models.VMRunning {
		return nil, errdefs.FailedPrecondition("cannot rotate IP while VM is %q", vm.Status)
	}

	tunnel, err := m.tunnelForVM(ctx, vm)
	if err != nil {
		return nil, err
	}

	inFlight, err := m.ledger.FindInFlight(ctx, "tunnel", tunnel.ID, "rotate")
	if err != nil {
		return nil, err
	}
	if inFlight != nil {
		return inFlight, nil
	}

	op, err := m.ledger.Create(ctx, "tunnel", tunnel.ID, "rotate", models.OpPending, "IP rotation queued.")
	if err != nil {
		return nil, err
	}
	m.logger.Info("ip rotation requested",
		zap.String("vm_id", vmID), zap.String("tunnel_id", tunnel.ID), zap.String("operation_id", op.ID))
	m.submit("tunnel.rotate", func(taskCtx context.Context) error {
		return m.runRotation(taskCtx, vmID, tunnel.ID, op.ID)
	})
	return op, nil
}

func (m *Manager) tunnelForVM(ctx context.Context, vm *models.MicroVM) (*models.Tunnel, error) {
	tunnel, err := m.store.FindTunnelForVM(ctx, vm.ID)
	if err == nil {
		return tunnel, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if vm.TunnelID != "" {
		tunnel, err = m.store.GetTunnel(ctx, vm.TunnelID)
		if err == nil {
			return tunnel, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return nil, errdefs.FailedPrecondition("VM %q has no attached tunnel", vm.ID)
}

func (m *Manager) runRotation(ctx context.Context, vmID, tunnelID, opID string) error {
	if _, err := m.ledger.TransitionStatus(ctx, opID, models.OpRunning, "Rotating tunnel endpoint."); err != nil {
		// The VM keeps running; only the Operation is forced terminal.
		m.finishOperation(ctx, opID, models.OpFailed, fmt.Sprintf("record rotation start: %v", err))
		return err
	}

	vm, err := m.store.GetVM(ctx, vmID)
	if err != nil {
		m.finishOperation(ctx, opID, models.OpFailed, fmt.Sprintf("load VM: %v", err))
		return err
	}

	rotation, err := m.adapter.RotateTunnel(ctx, vmID, tunnelID, vm.Region)
	if err != nil {
		if _, uerr := m.store.UpdateVM(ctx, vmID, func(vm *models.MicroVM) error {
			vm.VerificationStatus = models.VerificationWarning
			vm.UpdatedAt = time.Now().UTC()
			return nil
		}); uerr != nil {
			m.logger.Warn("failed to flag vm after rotation failure", zap.String("vm_id", vmID), zap.Error(uerr))
		}
		m.finishOperation(ctx, opID, models.OpFailed, fmt.Sprintf("rotate tunnel: %v", err))
		return err
	}
	m.logCommandRuns(vmID, "rotate", rotation.Runs)

	if _, err := m.store.UpdateTunnel(ctx, tunnelID, func(t *models.Tunnel) error {
		t.PublicIP = rotation.PublicIP
		t.LatencyMs = rotation.LatencyMs
		t.Status = models.TunnelConnected
		t.UpdatedAt = time.Now().UTC()
		return nil
	}); err != nil {
		m.finishOperation(ctx, opID, models.OpFailed, fmt.Sprintf("record rotated endpoint: %v", err))
		return err
	}
	if _, err := m.store.UpdateVM(ctx, vmID, func(vm *models.MicroVM) error {
		vm.PublicIP = rotation.PublicIP
		vm.VerificationStatus = models.VerificationSecure
		vm.UpdatedAt = time.Now().UTC()
		return nil
	}); err != nil {
		m.finishOperation(ctx, opID, models.OpFailed, fmt.Sprintf("record rotated VM address: %v", err))
		return err
	}

	message := fmt.Sprintf("Tunnel rotated; new endpoint %s", rotation.PublicIP)
	if rotation.ASN != "" {
		message += fmt.Sprintf(" (%s)", rotation.ASN)
	}
	m.finishOperation(ctx, opID, models.OpSucceeded, message+".")
	m.publisher.Publish(events.SubjectVM, "vm.rotated", vmID, vm.Region, rotation.PublicIP)
	m.logger.Info("tunnel rotated",
		zap.String("vm_id", vmID), zap.String("tunnel_id", tunnelID),
		zap.String("public_ip", rotation.PublicIP), zap.Int("latency_ms", rotation.LatencyMs))
	return nil
}

// RegisterTunnel registers an externally provisioned endpoint as an
// available tunnel in a region. Runs synchronously; the Operation is
// recorded already terminal.
func (m *Manager) RegisterTunnel(ctx context.Context, region, ip, provider string) (*models.Tunnel, *models.Operation, error) {
	region = normalizeRegion(region)
	if region == "" {
		return nil, nil, errdefs.InvalidArgument("region is required")
	}
	if provider == "" {
		provider = "WireGuard"
	}

	runs, err := m.adapter.RegisterTunnel(ctx, region, ip, provider)
	if err != nil {
		return nil, nil, err
	}

	id, err := m.mintTunnelID(ctx, region)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	tunnel := &models.Tunnel{
		ID:        id,
		Region:    region,
		Provider:  provider,
		LatencyMs: netparse.EstimateLatencyMs(region),
		Status:    models.TunnelConnected,
		PublicIP:  ip,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.PutTunnel(ctx, tunnel); err != nil {
		return nil, nil, err
	}
	m.logCommandRuns(id, "register", runs)

	op, err := m.ledger.Create(ctx, "tunnel", id, "register", models.OpSucceeded,
		fmt.Sprintf("Tunnel %q registered at %s.", id, ip))
	if err != nil {
		return nil, nil, err
	}
	m.logger.Info("tunnel registered",
		zap.String("tunnel_id", id), zap.String("region", region), zap.String("public_ip", ip))
	return tunnel, op, nil
}

// ListTunnels returns every tunnel record.
func (m *Manager) ListTunnels(ctx context.Context) ([]*models.Tunnel, error) {
	return m.store.ListTunnels(ctx)
}

// SecuritySnapshot reports the host network posture.
func (m *Manager) SecuritySnapshot(ctx context.Context) (*infra.SecuritySnapshot, error) {
	return m.adapter.CollectSecuritySnapshot(ctx)
}
