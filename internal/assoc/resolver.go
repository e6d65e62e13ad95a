package assoc

import (
	"fmt"
	"time"
)

// Candidate is the minimal task view the resolver needs: identity and a
// numeric priority score (high=100, normal=50, low=25).
type Candidate struct {
	ID    string
	Score int
}

// DecisionKind orders outcomes by restrictiveness; higher values dominate
// when decisions for the same task are merged.
type DecisionKind int

const (
	KindProceed DecisionKind = iota
	KindReorder
	KindDefer
	KindSkip
	KindSuspend
)

func (k DecisionKind) String() string {
	switch k {
	case KindProceed:
		return "proceed"
	case KindReorder:
		return "reorder"
	case KindDefer:
		return "defer"
	case KindSkip:
		return "skip"
	case KindSuspend:
		return "suspend"
	default:
		return "unknown"
	}
}

// Decision is a task's disposition for one planning cycle.
type Decision struct {
	Kind        DecisionKind
	Reason      string
	SuspendDays int

	// After lists task ids whose entries must complete before this
	// task's, with Delay between them. Populated for KindReorder.
	After []string
	Delay time.Duration

	// Synchronized marks concurrent-dependency tasks scheduled together
	// with no ordering guarantee.
	Synchronized bool
}

// ResolveAll evaluates every association edge independently and composes a
// final decision per candidate. A task's disposition is the most
// restrictive outcome across all edges that reference it; tasks referenced
// by no edge proceed.
//
// Edges whose other endpoint is not a candidate this cycle are inert:
// a conflict needs both parties on the table.
func ResolveAll(candidates map[string]Candidate, edges []Association) map[string]Decision {
	out := make(map[string]Decision, len(candidates))
	for id := range candidates {
		out[id] = Decision{Kind: KindProceed}
	}

	apply := func(taskID string, d Decision) {
		cur, ok := out[taskID]
		if !ok {
			return
		}
		out[taskID] = merge(cur, d)
	}

	for _, e := range edges {
		p, pOK := candidates[e.PrimaryTaskID]
		a, aOK := candidates[e.AssociatedTaskID]

		switch e.Type {
		case RelationPriority:
			if !pOK || !aOK {
				continue
			}
			resolvePriority(e, p, a, apply)

		case RelationExclusive:
			// Symmetric conflict, asymmetric enforcement: whenever the
			// primary is a candidate, the associated task is skipped for
			// the cycle regardless of its own priority.
			if !pOK {
				continue
			}
			apply(e.AssociatedTaskID, Decision{
				Kind:   KindSkip,
				Reason: fmt.Sprintf("mutually exclusive with task %s", e.PrimaryTaskID),
			})

		case RelationDepends:
			if !pOK || !aOK || e.Dependency == nil {
				continue
			}
			delay := time.Duration(e.Dependency.DelayMinutes) * time.Minute
			switch e.Dependency.Order {
			case OrderBefore:
				// Primary executes first.
				apply(e.AssociatedTaskID, Decision{
					Kind:   KindReorder,
					Reason: fmt.Sprintf("runs after task %s", e.PrimaryTaskID),
					After:  []string{e.PrimaryTaskID},
					Delay:  delay,
				})
			case OrderAfter:
				apply(e.PrimaryTaskID, Decision{
					Kind:   KindReorder,
					Reason: fmt.Sprintf("runs after task %s", e.AssociatedTaskID),
					After:  []string{e.AssociatedTaskID},
					Delay:  delay,
				})
			case OrderConcurrent:
				sync := Decision{Kind: KindProceed, Synchronized: true}
				apply(e.PrimaryTaskID, sync)
				apply(e.AssociatedTaskID, sync)
			}
		}
	}
	return out
}

func resolvePriority(e Association, p, a Candidate, apply func(string, Decision)) {
	strategy := StrategyHigherWins
	if e.Priority != nil {
		strategy = e.Priority.Strategy
	}

	if p.Score == a.Score {
		if strategy == StrategyFirstScheduled {
			// The tie-break needs relative schedule times, which do not
			// exist yet at resolution time. Defer both parties to the
			// next cycle instead of guessing.
			d := Decision{
				Kind:   KindDefer,
				Reason: "first_scheduled tie-break requires schedule times not available at resolution",
			}
			apply(e.PrimaryTaskID, d)
			apply(e.AssociatedTaskID, d)
		}
		// Equal scores under higher_wins/suspend_lower: no conflict.
		return
	}

	loser := e.AssociatedTaskID
	winner := e.PrimaryTaskID
	if a.Score > p.Score {
		loser, winner = winner, loser
	}

	switch strategy {
	case StrategySuspendLower:
		apply(loser, Decision{
			Kind:        KindSuspend,
			Reason:      fmt.Sprintf("lost priority conflict with task %s", winner),
			SuspendDays: e.suspendDays(),
		})
	default: // higher_wins, and first_scheduled with unequal scores
		apply(loser, Decision{
			Kind:   KindSkip,
			Reason: fmt.Sprintf("lost priority conflict with task %s", winner),
		})
	}
}

// merge combines two decisions for the same task, keeping the more
// restrictive kind. Reorder constraints accumulate; suspensions keep the
// longest duration.
func merge(cur, next Decision) Decision {
	if next.Kind == cur.Kind {
		switch cur.Kind {
		case KindReorder:
			cur.After = append(cur.After, next.After...)
			if next.Delay > cur.Delay {
				cur.Delay = next.Delay
			}
			return cur
		case KindSuspend:
			if next.SuspendDays > cur.SuspendDays {
				return next
			}
			return cur
		case KindProceed:
			cur.Synchronized = cur.Synchronized || next.Synchronized
			return cur
		default:
			return cur
		}
	}
	if next.Kind > cur.Kind {
		// A reorder constraint downgraded by a skip/suspend is moot, but
		// keep the sync flag on upgrades from proceed.
		next.Synchronized = next.Synchronized || cur.Synchronized
		return next
	}
	cur.Synchronized = cur.Synchronized || next.Synchronized
	return cur
}
