// Package work implements the task distributor: a priority/dependency-
// aware queue, pluggable load-balancer selection strategies, and the
// assignment/monitoring/rebalancing loops that match tasks to agents,
// driven by a go-co-op/gocron/v2 scheduler running fixed-duration jobs.
package work

import "time"

// Priority orders tasks for dispatch; lower values dispatch first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// Priorities lists every priority level in dispatch order, for iterating
// queue buckets highest-first.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// State is a task's lifecycle state.
type State int

const (
	StatePending State = iota
	StateAssigned
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAssigned:
		return "assigned"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Requirements describes a task's capability and resource needs.
type Requirements struct {
	Capabilities         []string
	MinMemoryMB          float64
	MinCPUCores          float64
	MinGPUMemoryMB       float64
	EstimatedDurationSec float64
	Dependencies         []string
	ExclusiveAgent       bool
}

// Resources is what an agent advertises as available at dequeue time.
type Resources struct {
	MemoryMB    float64
	CPUCores    float64
	GPUMemoryMB float64
}

// Task is a complete task descriptor, its requirements, and its current
// lifecycle state.
type Task struct {
	TaskID       string
	TaskType     string
	Payload      map[string]any
	Priority     Priority
	Requirements Requirements

	State         State
	AssignedAgent string
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time

	Attempts    int
	MaxAttempts int
	Result      any
	Err         string

	Tags     []string
	Metadata map[string]any

	seq uint64 // insertion sequence number; dequeue order follows bucket slice position, not seq
}

// WorkUnit is the payload dispatched to an agent for one task attempt.
type WorkUnit struct {
	UnitID             string
	TaskID             string
	Payload            map[string]any
	Deadline           time.Time
	CheckpointInterval time.Duration
}

// AgentLoad is a snapshot of one agent's current load, refreshed out of
// band via heartbeat, matching the presence/capacity model this package's
// load balancer scores against.
type AgentLoad struct {
	AgentID           string
	ActiveTasks       int
	QueuedTasks       int
	CPUUtilization    float64
	MemoryUtilization float64
	GPUUtilization    float64
	NetworkIOMbps     float64
	LastUpdated       time.Time
}

// Result is the outcome of one task execution attempt.
type Result struct {
	TaskID           string
	AgentID          string
	Success          bool
	Result           any
	Err              string
	ExecutionTimeSec float64
	ResourceUsage    map[string]float64
}
