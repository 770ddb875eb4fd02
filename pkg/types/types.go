// Package types defines the data model shared by the Host and the Runner
// Agent: tasks, nodes, overlay allocations and IP reservations.
package types

import (
	"encoding/json"
	"net"
	"time"
)

// TaskKind distinguishes one-shot batch work from persistent interactive
// sessions.
type TaskKind string

const (
	TaskKindCommand TaskKind = "command"
	TaskKindVPS     TaskKind = "vps"
)

// VPSBackend selects how a VPS task is realized.
type VPSBackend string

const (
	VPSBackendContainer VPSBackend = "container"
	VPSBackendVM        VPSBackend = "vm"
)

// ApprovalState tracks the approval gate (§4.6). A nil/empty value means
// the task never required approval.
type ApprovalState string

const (
	ApprovalNone     ApprovalState = ""
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// TaskStatus is the state-machine state described in §4.2.
type TaskStatus string

const (
	StatusPendingApproval TaskStatus = "pending_approval"
	StatusPending         TaskStatus = "pending"
	StatusAssigning       TaskStatus = "assigning"
	StatusRunning         TaskStatus = "running"
	StatusPaused          TaskStatus = "paused"
	StatusCompleted       TaskStatus = "completed"
	StatusFailed          TaskStatus = "failed"
	StatusKilled          TaskStatus = "killed"
	StatusKilledOOM       TaskStatus = "killed_oom"
	StatusStopped         TaskStatus = "stopped"
	StatusRejected        TaskStatus = "rejected"
	StatusLost            TaskStatus = "lost"
)

// Terminal reports whether status is one of the terminal states in §4.2.
// LOST is deliberately excluded: it is non-terminal for VPS tasks and has
// no defined recovery path for COMMAND tasks, but the state machine never
// treats it as terminal (invariant T1 does not apply to it).
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled, StatusKilledOOM, StatusStopped, StatusRejected:
		return true
	default:
		return false
	}
}

// StringList is a JSON-column-style field: serialized as text, tolerant of
// malformed input on parse (returns the zero value rather than an error).
type StringList []string

// EnvMap is a string->string environment variable mapping.
type EnvMap map[string]string

// GPUSet is an explicit set of GPU device indices.
type GPUSet []int

// BindMount is an additional bind mount requested alongside the task's
// standard mounts (shared storage, logs, local temp).
type BindMount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// NumaNode describes one NUMA node's topology as declared by a runner.
type NumaNode struct {
	ID         int   `json:"id"`
	CPUIndexes []int `json:"cpu_indexes"`
	MemoryByte int64 `json:"memory_bytes"`
}

// marshalColumn serializes v to JSON text for storage. It never fails in
// practice (all column types are JSON-safe); on the rare encode error it
// falls back to an empty-array/object literal so the column always holds
// valid JSON.
func marshalColumn(v interface{}, empty string) string {
	data, err := json.Marshal(v)
	if err != nil {
		return empty
	}
	return string(data)
}

// ParseStringList parses a stored StringList column, returning an empty
// slice (never an error) on malformed input.
func ParseStringList(raw string) StringList {
	var out StringList
	if raw == "" {
		return StringList{}
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return StringList{}
	}
	return out
}

// MarshalColumn serializes a StringList for storage.
func (s StringList) MarshalColumn() string { return marshalColumn(s, "[]") }

// ParseEnvMap parses a stored EnvMap column, returning an empty map on
// malformed input.
func ParseEnvMap(raw string) EnvMap {
	out := EnvMap{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return EnvMap{}
	}
	return out
}

// MarshalColumn serializes an EnvMap for storage.
func (e EnvMap) MarshalColumn() string { return marshalColumn(e, "{}") }

// ParseGPUSet parses a stored GPUSet column, returning an empty set on
// malformed input.
func ParseGPUSet(raw string) GPUSet {
	var out GPUSet
	if raw == "" {
		return GPUSet{}
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return GPUSet{}
	}
	return out
}

// MarshalColumn serializes a GPUSet for storage.
func (g GPUSet) MarshalColumn() string { return marshalColumn(g, "[]") }

// ParseMounts parses a stored []BindMount column, returning nil on
// malformed input.
func ParseMounts(raw string) []BindMount {
	var out []BindMount
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// MarshalMounts serializes a []BindMount for storage.
func MarshalMounts(m []BindMount) string { return marshalColumn(m, "[]") }

// ParseNumaTopology parses a stored []NumaNode column, returning nil on
// malformed input.
func ParseNumaTopology(raw string) []NumaNode {
	var out []NumaNode
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// MarshalNumaTopology serializes a []NumaNode for storage.
func MarshalNumaTopology(n []NumaNode) string { return marshalColumn(n, "[]") }

// ResourceRequest is the resource portion of a task request (§3).
type ResourceRequest struct {
	Cores        int      `json:"cores"`          // 0 = no limit
	MemoryBytes  *int64   `json:"memory_bytes"`   // nil = no constraint
	GPUCount     int      `json:"gpu_count"`      // used when RequiredGPUs is empty
	RequiredGPUs GPUSet   `json:"required_gpus"`  // explicit index set, takes precedence
	NumaNodeID   *int     `json:"numa_node_id"`   // nil = unpinned
}

// Task is the central entity described in §3.
type Task struct {
	// Identity
	ID      int64    `json:"id"`
	BatchID string   `json:"batch_id,omitempty"`
	Kind    TaskKind `json:"kind"`
	Name    string   `json:"name,omitempty"`

	// Ownership / approval
	OwnerID          string        `json:"owner_id"`
	ApprovalState    ApprovalState `json:"approval_state"`
	ApproverID       string        `json:"approver_id,omitempty"`
	ApprovalAt       *time.Time    `json:"approval_at,omitempty"`
	RejectionReason  string        `json:"rejection_reason,omitempty"`

	// Request
	TargetNode string          `json:"target_node,omitempty"` // node component of the submitted target string, "" = any node
	Command    string          `json:"command"`
	Args       StringList      `json:"args"`
	Env        EnvMap          `json:"env"`
	Resources  ResourceRequest `json:"resources"`
	Image      string          `json:"image"`
	Mounts     []BindMount     `json:"mounts"`
	Privileged bool            `json:"privileged"`

	// VPS-specific
	Backend        VPSBackend `json:"backend,omitempty"`
	SSHPort        *int       `json:"ssh_port,omitempty"`
	VMBaseImage    string     `json:"vm_base_image,omitempty"`
	VMDiskBytes    int64      `json:"vm_disk_bytes,omitempty"`
	VMIP           net.IP     `json:"vm_ip,omitempty"`

	// Reserved container address, if the task was submitted with an
	// IP-reservation token (§4.8).
	ReservedIP net.IP `json:"reserved_ip,omitempty"`

	// Assignment
	Status              TaskStatus `json:"status"`
	AssignedNode        string     `json:"assigned_node,omitempty"`
	AssignmentSuspicion int        `json:"assignment_suspicion"`
	// DispatchedAt is set the moment the dispatch RPC for the current
	// assignment succeeds, and cleared whenever the task leaves ASSIGNING
	// or is reassigned. A non-nil DispatchedAt with no RUNNING ack after
	// the health-check period elapses is the "succeeded but never
	// acknowledged" suspicion case.
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`

	// Outcome
	ExitCode   *int   `json:"exit_code,omitempty"`
	Error      string `json:"error,omitempty"`
	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`

	// Timestamps
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NodeRole is unused by river directly (every registered node is a
// runner) but kept as a type for clarity at call sites that distinguish
// the host from runners in logs and metrics.
type NodeRole string

const (
	NodeRoleHost   NodeRole = "host"
	NodeRoleRunner NodeRole = "runner"
)

// NodeLiveness is the liveness state tracked by the Liveness Monitor (§4.5).
type NodeLiveness string

const (
	NodeOnline  NodeLiveness = "online"
	NodeOffline NodeLiveness = "offline"
)

// GPUDescriptor describes one physical GPU as declared by a runner.
type GPUDescriptor struct {
	Index        int    `json:"index"`
	Model        string `json:"model"`
	MemoryBytes  int64  `json:"memory_bytes"`
	VFIOEligible bool   `json:"vfio_eligible"`
}

// NodeCapacity is the declared capacity of a node.
type NodeCapacity struct {
	Cores       int             `json:"cores"`
	MemoryBytes int64           `json:"memory_bytes"`
	GPUs        []GPUDescriptor `json:"gpus"`
	NumaNodes   []NumaNode      `json:"numa_nodes"`
}

// OverlayAllocation is the per-runner overlay tuple described in §3/§4.7.
type OverlayAllocation struct {
	RunnerID       int    `json:"runner_id"`
	Subnet         string `json:"subnet"`       // CIDR
	Gateway        net.IP `json:"gateway"`
	VNI            int    `json:"vni"`
	TunnelName     string `json:"tunnel_name"`
	RunnerPhysIP   net.IP `json:"runner_phys_ip"`
	LastActiveAt   time.Time `json:"last_active_at"`
}

// Node is the registry entry described in §3.
type Node struct {
	Hostname        string        `json:"hostname"`
	Address         string        `json:"address"`
	Capacity        NodeCapacity  `json:"capacity"`
	LastHeartbeat   time.Time     `json:"last_heartbeat"`
	Liveness        NodeLiveness  `json:"liveness"`
	VMCapable       bool          `json:"vm_capable"`
	RunnerVersion   string        `json:"runner_version"`
	Overlay         *OverlayAllocation `json:"overlay,omitempty"`
}

// IPReservationAudit is a durable, best-effort record of issued IP
// reservation tokens (the live reservation table itself is in-memory
// per §4.8; this is only an audit trail surviving restarts).
type IPReservationAudit struct {
	ID        string    `json:"id"`
	IP        string    `json:"ip"`
	RunnerID  int       `json:"runner_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
