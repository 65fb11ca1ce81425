package models

import "time"

// AllocationState is the lifecycle of a ResourceAllocation.
type AllocationState string

// ResourceAllocation lifecycle states.
const (
	AllocationAllocated AllocationState = "allocated"
	AllocationReleased  AllocationState = "released"
)

// ResourceAllocation is a live capacity reservation binding an Execution to
// a Runner, released exactly once when the Execution reaches a terminal
// state (spec.md invariant P8).
type ResourceAllocation struct {
	ID            string
	ExecutionID   string
	RunnerID      int64
	CPUAllocated  float64
	MemAllocated  float64
	State         AllocationState
	AllocatedAt   time.Time
	ReleasedAt    *time.Time
}
