// Package ops records every asynchronous intent against a resource and
// provides the in-flight lookup that keeps duplicate requests from
// double-dispatching.
package ops

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/devghori1264/aerophoenix/fleetd/internal/errdefs"
	"github.com/devghori1264/aerophoenix/fleetd/internal/metrics"
	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/devghori1264/aerophoenix/fleetd/internal/storage"
)

// InFlightStatuses are the non-terminal operation states considered by
// the dedup lookup.
var InFlightStatuses = []models.OperationStatus{models.OpPending, models.OpRunning}

// Ledger is the audit trail and idempotency index for asynchronous
// intents. The in-flight lookup is a read followed by a later write,
// not an atomic claim: two near-simultaneous requests can still mint
// two Operations. Callers tolerate that; see DESIGN.md.
type Ledger struct {
	store storage.Store
}

func New(store storage.Store) *Ledger {
	return &Ledger{store: store}
}

// Create opens a new Operation with a fresh id in the given status.
func (l *Ledger) Create(ctx context.Context, resourceType, resourceID, kind string, status models.OperationStatus, message string) (*models.Operation, error) {
	now := time.Now().UTC()
	op := &models.Operation{
		ID:           uuid.NewString(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Kind:         kind,
		Status:       status,
		Message:      message,
		RequestedAt:  now,
		UpdatedAt:    now,
	}
	if op.Terminal() {
		op.StartedAt = &now
		op.FinishedAt = &now
	}
	if err := l.store.PutOperation(ctx, op); err != nil {
		return nil, err
	}
	if op.Terminal() {
		metrics.OperationsFinished.WithLabelValues(op.ResourceType, op.Kind, string(op.Status)).Inc()
	}
	return op, nil
}

// TransitionStatus moves an Operation to a new status. Setting running
// stamps started_at if unset; a terminal status stamps finished_at
// exactly once and backfills started_at if it was somehow skipped. An
// already-terminal Operation rejects further transitions.
func (l *Ledger) TransitionStatus(ctx context.Context, id string, status models.OperationStatus, message string) (*models.Operation, error) {
	op, err := l.store.UpdateOperation(ctx, id, func(op *models.Operation) error {
		if op.Terminal() {
			return errdefs.FailedPrecondition("operation %q is already %s", id, op.Status)
		}
		now := time.Now().UTC()
		op.Status = status
		op.Message = message
		op.UpdatedAt = now
		if status == models.OpRunning && op.StartedAt == nil {
			op.StartedAt = &now
		}
		if status == models.OpSucceeded || status == models.OpFailed {
			if op.StartedAt == nil {
				op.StartedAt = &now
			}
			if op.FinishedAt == nil {
				op.FinishedAt = &now
			}
		}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errdefs.NotFound("operation %q not found", id)
	}
	if err == nil && op.Terminal() {
		metrics.OperationsFinished.WithLabelValues(op.ResourceType, op.Kind, string(op.Status)).Inc()
	}
	return op, err
}

// Get returns one Operation by id.
func (l *Ledger) Get(ctx context.Context, id string) (*models.Operation, error) {
	op, err := l.store.GetOperation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errdefs.NotFound("operation %q not found", id)
	}
	return op, err
}

// FindInFlight returns the most recent non-terminal Operation for the
// (resource, kind) pair, or nil when none exists. Every asynchronous
// entry point checks this before creating a new Operation.
func (l *Ledger) FindInFlight(ctx context.Context, resourceType, resourceID, kind string) (*models.Operation, error) {
	matches, err := l.store.ListOperations(ctx, storage.OperationFilter{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Kind:         kind,
		StatusIn:     InFlightStatuses,
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[len(matches)-1], nil
}
