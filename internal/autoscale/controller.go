// Package autoscale evaluates fleet capacity against job demand and
// regional minimum pools, emitting at most one scale action per
// evaluation.
package autoscale

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/fleetd/internal/errdefs"
	"github.com/devghori1264/aerophoenix/fleetd/internal/events"
	"github.com/devghori1264/aerophoenix/fleetd/internal/lifecycle"
	"github.com/devghori1264/aerophoenix/fleetd/internal/metrics"
	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/devghori1264/aerophoenix/fleetd/internal/storage"
)

const (
	ActionScaleUp   = "scale_up"
	ActionScaleDown = "scale_down"
	ActionNone      = "no_action"
)

// Request is one autoscale evaluation's inputs. RegionMinPools holds
// per-region running-VM floors; the target region's MinVMs is folded
// into it before any computation.
type Request struct {
	MinVMs         int            `json:"min_vms"`
	MaxVMs         int            `json:"max_vms"`
	JobsPerVM      int            `json:"jobs_per_vm"`
	Region         string         `json:"region"`
	RegionMinPools map[string]int `json:"region_min_pools,omitempty"`
	RAM            string         `json:"ram,omitempty"`
	CPU            string         `json:"cpu,omitempty"`
	TemplateID     string         `json:"template_id,omitempty"`
}

// Decision is the observable outcome of one evaluation. The counts and
// reason are part of the contract, not just logging.
type Decision struct {
	Action       string    `json:"action"`
	Reason       string    `json:"reason"`
	RunningVMs   int       `json:"running_vms"`
	DesiredVMs   int       `json:"desired_vms"`
	ActiveJobs   int       `json:"active_jobs"`
	QueuedJobs   int       `json:"queued_jobs"`
	OperationID  string    `json:"operation_id,omitempty"`
	AffectedVMID string    `json:"affected_vm_id,omitempty"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// Controller reads fleet and job state and drives scale actions
// through the lifecycle manager.
type Controller struct {
	store     storage.Store
	fleet     *lifecycle.Manager
	publisher *events.Publisher
	logger    *zap.Logger
}

func NewController(store storage.Store, fleet *lifecycle.Manager, publisher *events.Publisher, logger *zap.Logger) *Controller {
	return &Controller{store: store, fleet: fleet, publisher: publisher, logger: logger}
}

// Evaluate runs one scaling decision. Validation failures surface
// before any VM is touched; a chosen action dispatches exactly one
// lifecycle request and reports its Operation.
func (c *Controller) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	if req.MinVMs < 0 {
		return nil, errdefs.InvalidArgument("min_vms must be >= 0")
	}
	if req.JobsPerVM < 1 {
		return nil, errdefs.InvalidArgument("jobs_per_vm must be >= 1")
	}
	if req.MaxVMs < req.MinVMs {
		return nil, errdefs.InvalidArgument("max_vms (%d) must be >= min_vms (%d)", req.MaxVMs, req.MinVMs)
	}

	region := strings.ToLower(strings.TrimSpace(req.Region))
	pools := make(map[string]int, len(req.RegionMinPools)+1)
	for r, floor := range req.RegionMinPools {
		if floor < 0 {
			return nil, errdefs.InvalidArgument("region pool %q must be >= 0", r)
		}
		pools[strings.ToLower(strings.TrimSpace(r))] = floor
	}
	if region != "" && pools[region] < req.MinVMs {
		pools[region] = req.MinVMs
	}
	sumMinimums := 0
	for _, floor := range pools {
		sumMinimums += floor
	}

	effectiveMax := req.MaxVMs
	guardrails, err := c.store.GetGuardrails(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if guardrails != nil && guardrails.MaxVMs < effectiveMax {
		effectiveMax = guardrails.MaxVMs
	}
	if effectiveMax < req.MinVMs {
		return nil, errdefs.InvalidArgument("effective max (%d) below min_vms (%d)", effectiveMax, req.MinVMs)
	}
	if effectiveMax < sumMinimums {
		return nil, errdefs.InvalidArgument("effective max (%d) below sum of regional minimums (%d)", effectiveMax, sumMinimums)
	}

	activeJobs, err := c.store.CountJobs(ctx, storage.JobFilter{StatusIn: models.ActiveJobStatuses})
	if err != nil {
		return nil, err
	}
	queuedJobs, err := c.store.CountJobs(ctx, storage.JobFilter{StatusIn: []models.JobStatus{models.JobQueued}})
	if err != nil {
		return nil, err
	}
	running, err := c.store.ListVMs(ctx, storage.VMFilter{StatusIn: []models.VMStatus{models.VMRunning}})
	if err != nil {
		return nil, err
	}

	demand := ceilDiv(activeJobs, req.JobsPerVM)
	desired := demand
	if sumMinimums > desired {
		desired = sumMinimums
	}
	if desired > effectiveMax {
		desired = effectiveMax
	}

	decision := &Decision{
		RunningVMs:  len(running),
		DesiredVMs:  desired,
		ActiveJobs:  activeJobs,
		QueuedJobs:  queuedJobs,
		EvaluatedAt: time.Now().UTC(),
	}

	switch {
	case len(running) < desired:
		err = c.scaleUp(ctx, req, region, pools, running, decision)
	case len(running) > desired:
		err = c.scaleDown(ctx, pools, running, decision)
	default:
		decision.Action = ActionNone
		decision.Reason = fmt.Sprintf("fleet size matches desired capacity (%d)", desired)
	}
	if err != nil {
		return nil, err
	}

	metrics.ScaleDecisions.WithLabelValues(decision.Action).Inc()
	c.publisher.Publish(events.SubjectScale, "scale."+decision.Action, decision.AffectedVMID, region, decision.Reason)
	c.logger.Info("autoscale decision",
		zap.String("action", decision.Action), zap.Int("running_vms", decision.RunningVMs),
		zap.Int("desired_vms", decision.DesiredVMs), zap.Int("active_jobs", decision.ActiveJobs),
		zap.String("reason", decision.Reason))
	return decision, nil
}

// scaleUp creates one VM in the region with the largest pool deficit,
// tie-broken by fewer running VMs there, then alphabetically. With no
// deficit anywhere, the caller's target region wins.
func (c *Controller) scaleUp(ctx context.Context, req Request, region string, pools map[string]int, running []*models.MicroVM, decision *Decision) error {
	perRegion := countByRegion(running)
	target := pickDeficitRegion(pools, perRegion)
	if target == "" {
		target = region
	}

	ram := req.RAM
	if ram == "" {
		ram = "512MB"
	}
	cpu := req.CPU
	if cpu == "" {
		cpu = "1"
	}

	vm, op, err := c.fleet.CreateVM(ctx, lifecycle.CreateSpec{
		ID:         fmt.Sprintf("vm-auto-%s", uuid.NewString()[:8]),
		Region:     target,
		RAM:        ram,
		CPU:        cpu,
		TemplateID: req.TemplateID,
	})
	if err != nil {
		return err
	}
	decision.Action = ActionScaleUp
	decision.Reason = fmt.Sprintf("demand %d exceeds running %d; creating VM in %q", decision.DesiredVMs, decision.RunningVMs, target)
	decision.OperationID = op.ID
	decision.AffectedVMID = vm.ID
	return nil
}

// scaleDown stops the youngest running VM that no active job
// references and whose removal keeps its region at or above its floor.
func (c *Controller) scaleDown(ctx context.Context, pools map[string]int, running []*models.MicroVM, decision *Decision) error {
	perRegion := countByRegion(running)

	idle := make([]*models.MicroVM, 0, len(running))
	for _, vm := range running {
		load, err := c.store.CountJobs(ctx, storage.JobFilter{
			StatusIn: models.ActiveJobStatuses,
			VMID:     vm.ID,
		})
		if err != nil {
			return err
		}
		if load == 0 {
			idle = append(idle, vm)
		}
	}
	if len(idle) == 0 {
		decision.Action = ActionNone
		decision.Reason = "no idle VMs eligible for removal"
		return nil
	}

	// running comes back oldest-first, so the last eligible entry is
	// the youngest.
	var victim *models.MicroVM
	for _, vm := range idle {
		if perRegion[vm.Region]-1 < pools[vm.Region] {
			continue
		}
		victim = vm
	}
	if victim == nil {
		decision.Action = ActionNone
		decision.Reason = "regional minimum pools prevent scale-down"
		return nil
	}

	op, err := c.fleet.StopVM(ctx, victim.ID)
	if err != nil {
		return err
	}
	decision.Action = ActionScaleDown
	decision.Reason = fmt.Sprintf("running %d exceeds desired %d; stopping idle VM %q in %q", decision.RunningVMs, decision.DesiredVMs, victim.ID, victim.Region)
	decision.OperationID = op.ID
	decision.AffectedVMID = victim.ID
	return nil
}

// pickDeficitRegion returns the region with the largest floor deficit,
// or "" when every floor is satisfied.
func pickDeficitRegion(pools map[string]int, perRegion map[string]int) string {
	regions := make([]string, 0, len(pools))
	for r := range pools {
		regions = append(regions, r)
	}
	sort.Strings(regions)

	best := ""
	bestDeficit := 0
	for _, r := range regions {
		deficit := pools[r] - perRegion[r]
		if deficit <= 0 {
			continue
		}
		switch {
		case best == "" || deficit > bestDeficit:
			best = r
			bestDeficit = deficit
		case deficit == bestDeficit && perRegion[r] < perRegion[best]:
			best = r
		}
	}
	return best
}

func countByRegion(vms []*models.MicroVM) map[string]int {
	counts := make(map[string]int, len(vms))
	for _, vm := range vms {
		counts[vm.Region]++
	}
	return counts
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
