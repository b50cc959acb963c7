package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
)

const (
	vmPrefix       = "vm:"
	tunnelPrefix   = "tunnel:"
	jobPrefix      = "job:"
	opPrefix       = "op:"
	templatePrefix = "template:"
	guardrailsKey  = "guardrails"
)

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local dev
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func put[T any](s *BadgerStore, key string, value *T) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), data)
	})
}

func get[T any](s *BadgerStore, key string) (*T, error) {
	var out T
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// update applies mutate to the stored value inside one transaction so
// the read-modify-write cannot interleave with another write to the
// same key. Badger's SSI aborts one of two concurrent read-modify-write
// transactions with ErrConflict; the loser re-reads and retries, so
// callers racing on the same record see serialized outcomes instead of
// spurious errors.
func update[T any](s *BadgerStore, key string, mutate func(*T) error) (*T, error) {
	for {
		var out T
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					return ErrNotFound
				}
				return err
			}
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &out)
			}); err != nil {
				return err
			}
			if err := mutate(&out); err != nil {
				return err
			}
			data, err := json.Marshal(&out)
			if err != nil {
				return err
			}
			return txn.Set([]byte(key), data)
		})
		if err == badger.ErrConflict {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &out, nil
	}
}

func scan[T any](s *BadgerStore, prefix string, keep func(*T) bool) ([]*T, error) {
	var results []*T
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			var value T
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &value)
			}); err != nil {
				return err
			}
			if keep == nil || keep(&value) {
				results = append(results, &value)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ---------- VMs ----------

func (s *BadgerStore) PutVM(_ context.Context, vm *models.MicroVM) error {
	return put(s, vmPrefix+vm.ID, vm)
}

func (s *BadgerStore) GetVM(_ context.Context, id string) (*models.MicroVM, error) {
	return get[models.MicroVM](s, vmPrefix+id)
}

func (s *BadgerStore) UpdateVM(_ context.Context, id string, mutate func(*models.MicroVM) error) (*models.MicroVM, error) {
	return update(s, vmPrefix+id, mutate)
}

func matchVM(vm *models.MicroVM, filter VMFilter) bool {
	if filter.Region != "" && !strings.EqualFold(vm.Region, filter.Region) {
		return false
	}
	if len(filter.StatusIn) > 0 && !models.StatusIn(vm.Status, filter.StatusIn) {
		return false
	}
	if len(filter.StatusNotIn) > 0 && models.StatusIn(vm.Status, filter.StatusNotIn) {
		return false
	}
	return true
}

// ListVMs returns matching VMs ordered oldest-first; the scheduler and
// autoscaler both rely on creation-time ordering for tie-breaks.
func (s *BadgerStore) ListVMs(_ context.Context, filter VMFilter) ([]*models.MicroVM, error) {
	vms, err := scan(s, vmPrefix, func(vm *models.MicroVM) bool {
		return matchVM(vm, filter)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(vms, func(i, j int) bool {
		if vms[i].CreatedAt.Equal(vms[j].CreatedAt) {
			return vms[i].ID < vms[j].ID
		}
		return vms[i].CreatedAt.Before(vms[j].CreatedAt)
	})
	return vms, nil
}

func (s *BadgerStore) CountVMs(ctx context.Context, filter VMFilter) (int, error) {
	vms, err := s.ListVMs(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(vms), nil
}

func (s *BadgerStore) SumVMRAMMB(ctx context.Context, filter VMFilter) (int, error) {
	vms, err := s.ListVMs(ctx, filter)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, vm := range vms {
		total += vm.RAMMB
	}
	return total, nil
}

// ---------- Tunnels ----------

func (s *BadgerStore) PutTunnel(_ context.Context, tunnel *models.Tunnel) error {
	return put(s, tunnelPrefix+tunnel.ID, tunnel)
}

func (s *BadgerStore) GetTunnel(_ context.Context, id string) (*models.Tunnel, error) {
	return get[models.Tunnel](s, tunnelPrefix+id)
}

func (s *BadgerStore) UpdateTunnel(_ context.Context, id string, mutate func(*models.Tunnel) error) (*models.Tunnel, error) {
	return update(s, tunnelPrefix+id, mutate)
}

func (s *BadgerStore) ListTunnels(_ context.Context) ([]*models.Tunnel, error) {
	tunnels, err := scan[models.Tunnel](s, tunnelPrefix, nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(tunnels, func(i, j int) bool { return tunnels[i].ID < tunnels[j].ID })
	return tunnels, nil
}

func (s *BadgerStore) FindTunnelForVM(_ context.Context, vmID string) (*models.Tunnel, error) {
	tunnels, err := scan(s, tunnelPrefix, func(t *models.Tunnel) bool {
		return t.VMID == vmID
	})
	if err != nil {
		return nil, err
	}
	if len(tunnels) == 0 {
		return nil, ErrNotFound
	}
	return tunnels[0], nil
}

// FindConnectedTunnelByRegion returns an unowned connected tunnel in
// the region, preferring one without a VM so creation can reuse it.
func (s *BadgerStore) FindConnectedTunnelByRegion(_ context.Context, region string) (*models.Tunnel, error) {
	tunnels, err := scan(s, tunnelPrefix, func(t *models.Tunnel) bool {
		return t.Status == models.TunnelConnected && strings.EqualFold(t.Region, region)
	})
	if err != nil {
		return nil, err
	}
	if len(tunnels) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(tunnels, func(i, j int) bool { return tunnels[i].ID < tunnels[j].ID })
	for _, t := range tunnels {
		if t.VMID == "" {
			return t, nil
		}
	}
	return tunnels[0], nil
}

// ---------- Jobs ----------

func (s *BadgerStore) PutJob(_ context.Context, job *models.Job) error {
	return put(s, jobPrefix+job.ID, job)
}

func (s *BadgerStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	return get[models.Job](s, jobPrefix+id)
}

func (s *BadgerStore) UpdateJob(_ context.Context, id string, mutate func(*models.Job) error) (*models.Job, error) {
	return update(s, jobPrefix+id, mutate)
}

func matchJob(job *models.Job, filter JobFilter) bool {
	if filter.VMID != "" && job.VMID != filter.VMID {
		return false
	}
	if len(filter.StatusIn) > 0 {
		found := false
		for _, st := range filter.StatusIn {
			if job.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *BadgerStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, error) {
	jobs, err := scan(s, jobPrefix, func(job *models.Job) bool {
		return matchJob(job, filter)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *BadgerStore) CountJobs(ctx context.Context, filter JobFilter) (int, error) {
	jobs, err := s.ListJobs(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// ---------- Operations ----------

func (s *BadgerStore) PutOperation(_ context.Context, op *models.Operation) error {
	return put(s, opPrefix+op.ID, op)
}

func (s *BadgerStore) GetOperation(_ context.Context, id string) (*models.Operation, error) {
	return get[models.Operation](s, opPrefix+id)
}

func (s *BadgerStore) UpdateOperation(_ context.Context, id string, mutate func(*models.Operation) error) (*models.Operation, error) {
	return update(s, opPrefix+id, mutate)
}

func (s *BadgerStore) ListOperations(_ context.Context, filter OperationFilter) ([]*models.Operation, error) {
	ops, err := scan(s, opPrefix, func(op *models.Operation) bool {
		if filter.ResourceType != "" && op.ResourceType != filter.ResourceType {
			return false
		}
		if filter.ResourceID != "" && op.ResourceID != filter.ResourceID {
			return false
		}
		if filter.Kind != "" && op.Kind != filter.Kind {
			return false
		}
		if len(filter.StatusIn) > 0 {
			found := false
			for _, st := range filter.StatusIn {
				if op.Status == st {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].RequestedAt.Equal(ops[j].RequestedAt) {
			return ops[i].ID < ops[j].ID
		}
		return ops[i].RequestedAt.Before(ops[j].RequestedAt)
	})
	return ops, nil
}

// ---------- Guardrails ----------

func (s *BadgerStore) GetGuardrails(_ context.Context) (*models.Guardrails, error) {
	return get[models.Guardrails](s, guardrailsKey)
}

func (s *BadgerStore) PutGuardrails(_ context.Context, g *models.Guardrails) error {
	return put(s, guardrailsKey, g)
}

// ---------- Templates ----------

func (s *BadgerStore) GetTemplate(_ context.Context, id string) (*models.Template, error) {
	return get[models.Template](s, templatePrefix+id)
}

func (s *BadgerStore) PutTemplate(_ context.Context, t *models.Template) error {
	return put(s, templatePrefix+t.ID, t)
}

func (s *BadgerStore) ListTemplates(_ context.Context) ([]*models.Template, error) {
	templates, err := scan[models.Template](s, templatePrefix, nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].ID < templates[j].ID })
	return templates, nil
}

var _ Store = (*BadgerStore)(nil)
