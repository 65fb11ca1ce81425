// Package clock provides a fakeable time source and ID generation for the
// orchestrator. Scheduler, Webhook Ingest, and Health Prober all depend on
// time.Now() for timeouts and ordering; extracting it behind an interface
// keeps those packages' tests deterministic.
package clock

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Clock is the time source used throughout the orchestrator.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock, backed by time.Now.
type Real struct{}

// Now returns the current wall-clock time.
func (Real) Now() time.Time { return time.Now() }

// IDGenerator creates globally-unique identifiers for new entities.
type IDGenerator interface {
	ExecutionID() string
	AllocationID() string
	RuleID() string
}

// UUIDGenerator generates IDs using google/uuid.
type UUIDGenerator struct{}

// ExecutionID returns a new client-visible execution identifier.
func (UUIDGenerator) ExecutionID() string {
	return fmt.Sprintf("exec_%s", uuid.New().String())
}

// AllocationID returns a new resource-allocation identifier.
func (UUIDGenerator) AllocationID() string {
	return fmt.Sprintf("alloc_%s", uuid.New().String())
}

// RuleID returns a new load-balancing-rule identifier.
func (UUIDGenerator) RuleID() string {
	return fmt.Sprintf("rule_%s", uuid.New().String())
}
