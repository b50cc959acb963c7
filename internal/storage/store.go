// Package storage is the persistence boundary for the control plane.
// All writes are read-modify-write through entity handles inside a
// single transaction; filtered list/count queries back the guardrail
// and autoscale computations.
package storage

import (
	"context"
	"errors"

	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
)

var ErrNotFound = errors.New("not found")

// VMFilter narrows VM list/count/sum queries. StatusIn and
// StatusNotIn are mutually combinable; an empty filter matches all.
type VMFilter struct {
	StatusIn    []models.VMStatus
	StatusNotIn []models.VMStatus
	Region      string
}

// JobFilter narrows job list/count queries.
type JobFilter struct {
	StatusIn []models.JobStatus
	VMID     string
}

// OperationFilter narrows operation lookups; used by the ledger's
// in-flight dedup check.
type OperationFilter struct {
	ResourceType string
	ResourceID   string
	Kind         string
	StatusIn     []models.OperationStatus
}

// Store kept as an interface so managers can be tested against any
// implementation.
type Store interface {
	PutVM(ctx context.Context, vm *models.MicroVM) error
	GetVM(ctx context.Context, id string) (*models.MicroVM, error)
	UpdateVM(ctx context.Context, id string, mutate func(*models.MicroVM) error) (*models.MicroVM, error)
	ListVMs(ctx context.Context, filter VMFilter) ([]*models.MicroVM, error)
	CountVMs(ctx context.Context, filter VMFilter) (int, error)
	SumVMRAMMB(ctx context.Context, filter VMFilter) (int, error)

	PutTunnel(ctx context.Context, tunnel *models.Tunnel) error
	GetTunnel(ctx context.Context, id string) (*models.Tunnel, error)
	UpdateTunnel(ctx context.Context, id string, mutate func(*models.Tunnel) error) (*models.Tunnel, error)
	ListTunnels(ctx context.Context) ([]*models.Tunnel, error)
	FindTunnelForVM(ctx context.Context, vmID string) (*models.Tunnel, error)
	FindConnectedTunnelByRegion(ctx context.Context, region string) (*models.Tunnel, error)

	PutJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, mutate func(*models.Job) error) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	CountJobs(ctx context.Context, filter JobFilter) (int, error)

	PutOperation(ctx context.Context, op *models.Operation) error
	GetOperation(ctx context.Context, id string) (*models.Operation, error)
	UpdateOperation(ctx context.Context, id string, mutate func(*models.Operation) error) (*models.Operation, error)
	ListOperations(ctx context.Context, filter OperationFilter) ([]*models.Operation, error)

	GetGuardrails(ctx context.Context) (*models.Guardrails, error)
	PutGuardrails(ctx context.Context, g *models.Guardrails) error

	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	PutTemplate(ctx context.Context, t *models.Template) error
	ListTemplates(ctx context.Context) ([]*models.Template, error)

	Close() error
}
