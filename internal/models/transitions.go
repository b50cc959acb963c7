package models

import "time"

// vmEdges is the lifecycle state machine. Any non-deleted state may
// additionally move to error; deleted has no outgoing edges.
var vmEdges = map[VMStatus][]VMStatus{
	VMCreating:   {VMRunning, VMDeleting},
	VMRunning:    {VMStopping, VMRestarting, VMDeleting},
	VMStopping:   {VMStopped, VMDeleting},
	VMStopped:    {VMRestarting, VMDeleting},
	VMRestarting: {VMRunning, VMStopping, VMDeleting},
	VMDeleting:   {VMDeleted},
	VMError:      {VMDeleting},
	VMDeleted:    {},
}

// Source sets for the externally requestable VM actions.
var (
	ActiveVMStatuses      = []VMStatus{VMCreating, VMRunning, VMStopping, VMRestarting}
	StoppableVMStatuses   = []VMStatus{VMRunning, VMRestarting}
	RestartableVMStatuses = []VMStatus{VMRunning, VMStopped}
	DeletableVMStatuses   = []VMStatus{VMCreating, VMRunning, VMStopping, VMStopped, VMRestarting, VMError}
	TerminalVMStatuses    = []VMStatus{VMDeleted}
)

// ActiveJobStatuses are the job states that count toward load and
// autoscale demand.
var ActiveJobStatuses = []JobStatus{JobQueued, JobRunning, JobRetrying}

// CanTransition reports whether the state machine permits from → to.
func CanTransition(from, to VMStatus) bool {
	if from == to {
		return false
	}
	if to == VMError {
		return from != VMDeleted
	}
	for _, next := range vmEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusIn reports whether status is a member of set.
func StatusIn(status VMStatus, set []VMStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// Active reports whether the VM occupies host capacity.
func (m *MicroVM) Active() bool {
	return StatusIn(m.Status, ActiveVMStatuses)
}

// Runnable reports whether the VM can accept job work.
func (m *MicroVM) Runnable() bool {
	return m.Status == VMRunning
}

// Transition moves the VM to the given status, enforcing the state
// machine. It only changes the status and timestamp; callers layer
// field updates on top through the Mark helpers.
func (m *MicroVM) Transition(to VMStatus) error {
	if !CanTransition(m.Status, to) {
		return &IllegalTransitionError{From: m.Status, To: to}
	}
	m.Status = to
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkRunning completes a provisioning or restart transition.
func (m *MicroVM) MarkRunning(publicIP, tunnelID, exitNode string, verification VerificationStatus) error {
	if err := m.Transition(VMRunning); err != nil {
		return err
	}
	m.PublicIP = publicIP
	m.TunnelID = tunnelID
	m.ExitNode = exitNode
	m.VerificationStatus = verification
	return nil
}

// MarkStopped completes a stop transition.
func (m *MicroVM) MarkStopped() error {
	return m.Transition(VMStopped)
}

// MarkDeleted completes a delete transition and clears network state.
// The tunnel record itself is detached by the lifecycle manager, not
// removed.
func (m *MicroVM) MarkDeleted() error {
	if err := m.Transition(VMDeleted); err != nil {
		return err
	}
	m.PublicIP = ""
	m.TunnelID = ""
	m.ExitNode = ""
	m.VerificationStatus = VerificationNone
	return nil
}

// MarkError moves any non-deleted VM to the error state.
func (m *MicroVM) MarkError() error {
	if err := m.Transition(VMError); err != nil {
		return err
	}
	m.VerificationStatus = VerificationWarning
	return nil
}

// IllegalTransitionError reports a rejected state machine edge.
type IllegalTransitionError struct {
	From VMStatus
	To   VMStatus
}

func (e *IllegalTransitionError) Error() string {
	return "illegal VM transition " + string(e.From) + " -> " + string(e.To)
}
