// Package assoc models directed relationships between tasks and resolves
// them into per-cycle scheduling decisions.
//
// Associations are stored as an explicit edge list keyed by task id pairs;
// resolution walks the edges per planning cycle instead of holding live
// task references, so ownership cycles between tasks cannot form.
package assoc

import (
	"errors"
	"fmt"
)

var ErrInvalidAssociation = errors.New("invalid association")

// RelationType is the kind of relationship an association declares.
type RelationType string

const (
	RelationPriority  RelationType = "priority_based"
	RelationExclusive RelationType = "mutual_exclusive"
	RelationDepends   RelationType = "dependency"
)

// Strategy selects how a priority_based association resolves a conflict.
type Strategy string

const (
	// StrategyHigherWins skips the lower-priority task for one cycle.
	StrategyHigherWins Strategy = "higher_wins"
	// StrategySuspendLower removes the lower-priority task from candidacy
	// for the association's SuspendDays, not just the current cycle.
	StrategySuspendLower Strategy = "suspend_lower"
	// StrategyFirstScheduled breaks priority ties by relative schedule
	// time. That information is not available at resolution time (rules
	// are evaluated after associations), so ties are deferred.
	StrategyFirstScheduled Strategy = "first_scheduled"
)

// Order is the execution ordering a dependency association declares.
type Order string

const (
	OrderBefore     Order = "before"
	OrderAfter      Order = "after"
	OrderConcurrent Order = "concurrent"
)

// PriorityRule is the payload of a priority_based association.
type PriorityRule struct {
	Strategy Strategy `json:"strategy"`
}

// DependencyRule is the payload of a dependency association.
type DependencyRule struct {
	Order        Order `json:"order"`
	DelayMinutes int   `json:"delay_minutes,omitempty"`
}

// Association is a directed edge PrimaryTaskID -> AssociatedTaskID with
// exactly one relationship type. mutual_exclusive is stored directionally
// but declares a symmetric conflict; enforcement is asymmetric (see
// Resolver).
type Association struct {
	ID               string       `json:"id"`
	PrimaryTaskID    string       `json:"primary_task_id"`
	AssociatedTaskID string       `json:"associated_task_id"`
	Type             RelationType `json:"type"`

	Priority   *PriorityRule   `json:"priority,omitempty"`
	Dependency *DependencyRule `json:"dependency,omitempty"`

	// SuspendDays is how long a suspend_lower loser stays out of
	// candidacy. Zero means the default of one day.
	SuspendDays int `json:"suspend_days,omitempty"`
}

// Validate checks structural invariants: distinct endpoints and a payload
// shape matching the relationship type.
func (a Association) Validate() error {
	if a.PrimaryTaskID == "" || a.AssociatedTaskID == "" {
		return fmt.Errorf("%w: both task ids required", ErrInvalidAssociation)
	}
	if a.PrimaryTaskID == a.AssociatedTaskID {
		return fmt.Errorf("%w: task cannot associate with itself", ErrInvalidAssociation)
	}
	if a.SuspendDays < 0 {
		return fmt.Errorf("%w: suspend_days must be >= 0", ErrInvalidAssociation)
	}
	switch a.Type {
	case RelationPriority:
		if a.Priority == nil || a.Dependency != nil {
			return fmt.Errorf("%w: %s requires a priority payload only", ErrInvalidAssociation, a.Type)
		}
		switch a.Priority.Strategy {
		case StrategyHigherWins, StrategySuspendLower, StrategyFirstScheduled:
		default:
			return fmt.Errorf("%w: unknown strategy %q", ErrInvalidAssociation, a.Priority.Strategy)
		}
		return nil
	case RelationExclusive:
		if a.Priority != nil || a.Dependency != nil {
			return fmt.Errorf("%w: %s carries no payload", ErrInvalidAssociation, a.Type)
		}
		return nil
	case RelationDepends:
		if a.Dependency == nil || a.Priority != nil {
			return fmt.Errorf("%w: %s requires a dependency payload only", ErrInvalidAssociation, a.Type)
		}
		switch a.Dependency.Order {
		case OrderBefore, OrderAfter, OrderConcurrent:
		default:
			return fmt.Errorf("%w: unknown order %q", ErrInvalidAssociation, a.Dependency.Order)
		}
		if a.Dependency.DelayMinutes < 0 {
			return fmt.Errorf("%w: delay must be >= 0", ErrInvalidAssociation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown relation type %q", ErrInvalidAssociation, a.Type)
	}
}

func (a Association) suspendDays() int {
	if a.SuspendDays > 0 {
		return a.SuspendDays
	}
	return 1
}
