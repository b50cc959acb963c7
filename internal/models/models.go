package models

import "time"

// VMStatus is a micro-VM lifecycle state. Transitions are validated by
// CanTransition; deleted is terminal.
type VMStatus string

const (
	VMCreating   VMStatus = "creating"
	VMRunning    VMStatus = "running"
	VMStopping   VMStatus = "stopping"
	VMStopped    VMStatus = "stopped"
	VMRestarting VMStatus = "restarting"
	VMDeleting   VMStatus = "deleting"
	VMDeleted    VMStatus = "deleted"
	VMError      VMStatus = "error"
)

// VerificationStatus reflects how trustworthy a VM's egress identity is.
type VerificationStatus string

const (
	VerificationSecure  VerificationStatus = "Secure"
	VerificationWarning VerificationStatus = "Warning"
	VerificationNone    VerificationStatus = "None"
)

// TunnelStatus is the connectivity state of a network egress tunnel.
type TunnelStatus string

const (
	TunnelConnected    TunnelStatus = "Connected"
	TunnelDisconnected TunnelStatus = "Disconnected"
)

// JobStatus is the scheduler-owned state of a compute job.
type JobStatus string

const (
	JobQueued    JobStatus = "Queued"
	JobRunning   JobStatus = "Running"
	JobRetrying  JobStatus = "Retrying"
	JobCompleted JobStatus = "Completed"
	JobFailed    JobStatus = "Failed"
)

// OperationStatus is the state of one asynchronous intent record.
type OperationStatus string

const (
	OpPending   OperationStatus = "pending"
	OpRunning   OperationStatus = "running"
	OpSucceeded OperationStatus = "succeeded"
	OpFailed    OperationStatus = "failed"
)

// MicroVM is the core domain object representing a short-lived compute
// unit. Owned by the lifecycle manager; mutated only through its
// transition methods.
type MicroVM struct {
	ID                 string             `json:"id"`
	Region             string             `json:"region"`
	RAMMB              int                `json:"ram_mb"`
	CPUCores           int                `json:"cpu_cores"`
	TemplateID         string             `json:"template_id"`
	PublicIP           string             `json:"public_ip,omitempty"`
	Status             VMStatus           `json:"status"`
	TunnelID           string             `json:"tunnel_id,omitempty"`
	ExitNode           string             `json:"exit_node,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Tunnel is a network egress path providing a VM's public address. At
// most one VM owns a tunnel at a time; deleting the VM detaches the
// tunnel instead of removing it.
type Tunnel struct {
	ID        string       `json:"id"`
	Region    string       `json:"region"`
	Provider  string       `json:"provider"`
	LatencyMs int          `json:"latency_ms"`
	Status    TunnelStatus `json:"status"`
	PublicIP  string       `json:"public_ip,omitempty"`
	VMID      string       `json:"vm_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Job is one queued compute job. Created by the caller, owned by the
// scheduler thereafter.
type Job struct {
	ID         string    `json:"id"`
	TaskType   string    `json:"task_type"`
	VMID       string    `json:"vm_id,omitempty"`
	Status     JobStatus `json:"status"`
	Progress   int       `json:"progress"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Operation is the audit/idempotency record for one asynchronous intent
// against one resource.
type Operation struct {
	ID           string          `json:"id"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Kind         string          `json:"kind"`
	Status       OperationStatus `json:"status"`
	Message      string          `json:"message,omitempty"`
	RequestedAt  time.Time       `json:"requested_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Terminal reports whether the operation has reached a final status.
func (o *Operation) Terminal() bool {
	return o.Status == OpSucceeded || o.Status == OpFailed
}

// Guardrails is the operator-configured capacity limit singleton.
type Guardrails struct {
	MaxVMs             int       `json:"max_vms"`
	MinHostRAMMB       int       `json:"min_host_ram_mb"`
	MaxCPUPerVM        int       `json:"max_cpu_per_vm"`
	OverloadPrevention bool      `json:"overload_prevention"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Template is a bootable base image reference for new VMs.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	BaseImage string    `json:"base_image"`
	CreatedAt time.Time `json:"created_at"`
}
