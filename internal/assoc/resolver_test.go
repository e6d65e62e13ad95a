package assoc

import (
	"errors"
	"testing"
	"time"
)

const (
	scoreHigh   = 100
	scoreNormal = 50
	scoreLow    = 25
)

func candidates(scores map[string]int) map[string]Candidate {
	out := make(map[string]Candidate, len(scores))
	for id, s := range scores {
		out[id] = Candidate{ID: id, Score: s}
	}
	return out
}

func TestHigherWins(t *testing.T) {
	t.Parallel()
	cands := candidates(map[string]int{"a": scoreHigh, "b": scoreLow})
	edges := []Association{{
		ID: "e1", PrimaryTaskID: "a", AssociatedTaskID: "b",
		Type: RelationPriority, Priority: &PriorityRule{Strategy: StrategyHigherWins},
	}}

	got := ResolveAll(cands, edges)
	if got["a"].Kind != KindProceed {
		t.Fatalf("high-priority task should proceed, got %s", got["a"].Kind)
	}
	if got["b"].Kind != KindSkip {
		t.Fatalf("low-priority task should be skipped, got %s", got["b"].Kind)
	}
}

func TestHigherWinsDirectionIndependent(t *testing.T) {
	t.Parallel()
	// The lower-priority task loses even when it is the edge's primary.
	cands := candidates(map[string]int{"a": scoreLow, "b": scoreHigh})
	edges := []Association{{
		PrimaryTaskID: "a", AssociatedTaskID: "b",
		Type: RelationPriority, Priority: &PriorityRule{Strategy: StrategyHigherWins},
	}}

	got := ResolveAll(cands, edges)
	if got["a"].Kind != KindSkip {
		t.Fatalf("lower-priority primary should be skipped, got %s", got["a"].Kind)
	}
	if got["b"].Kind != KindProceed {
		t.Fatalf("higher-priority associate should proceed, got %s", got["b"].Kind)
	}
}

func TestEqualPrioritiesProceed(t *testing.T) {
	t.Parallel()
	cands := candidates(map[string]int{"a": scoreNormal, "b": scoreNormal})
	edges := []Association{{
		PrimaryTaskID: "a", AssociatedTaskID: "b",
		Type: RelationPriority, Priority: &PriorityRule{Strategy: StrategyHigherWins},
	}}

	got := ResolveAll(cands, edges)
	if got["a"].Kind != KindProceed || got["b"].Kind != KindProceed {
		t.Fatalf("equal priorities should both proceed: a=%s b=%s", got["a"].Kind, got["b"].Kind)
	}
}

func TestSuspendLower(t *testing.T) {
	t.Parallel()
	cands := candidates(map[string]int{"a": scoreHigh, "b": scoreNormal})
	edges := []Association{{
		PrimaryTaskID: "a", AssociatedTaskID: "b",
		Type: RelationPriority, Priority: &PriorityRule{Strategy: StrategySuspendLower},
		SuspendDays: 5,
	}}

	got := ResolveAll(cands, edges)
	d := got["b"]
	if d.Kind != KindSuspend {
		t.Fatalf("loser should be suspended, got %s", d.Kind)
	}
	if d.SuspendDays != 5 {
		t.Fatalf("SuspendDays = %d, want 5", d.SuspendDays)
	}
}

func TestSuspendLowerDefaultDuration(t *testing.T) {
	t.Parallel()
	cands := candidates(map[string]int{"a": scoreHigh, "b": scoreLow})
	edges := []Association{{
		PrimaryTaskID: "a", AssociatedTaskID: "b",
		Type: RelationPriority, Priority: &PriorityRule{Strategy: StrategySuspendLower},
	}}
	if d := ResolveAll(cands, edges)["b"]; d.SuspendDays != 1 {
		t.Fatalf("default suspend duration = %d, want 1", d.SuspendDays)
	}
}

func TestFirstScheduledTieDefers(t *testing.T) {
	t.Parallel()
	cands := candidates(map[string]int{"a": scoreNormal, "b": scoreNormal})
	edges := []Association{{
		PrimaryTaskID: "a", AssociatedTaskID: "b",
		Type: RelationPriority, Priority: &PriorityRule{Strategy: StrategyFirstScheduled},
	}}

	got := ResolveAll(cands, edges)
	if got["a"].Kind != KindDefer || got["b"].Kind != KindDefer {
		t.Fatalf("tie under first_scheduled should defer both: a=%s b=%s", got["a"].Kind, got["b"].Kind)
	}
}

func TestFirstScheduledUnequalSkipsLower(t *testing.T) {
	t.Parallel()
	cands := candidates(map[string]int{"a": scoreHigh, "b": scoreLow})
	edges := []Association{{
		PrimaryTaskID: "a", AssociatedTaskID: "b",
		Type: RelationPriority, Priority: &PriorityRule{Strategy: StrategyFirstScheduled},
	}}
	if d := ResolveAll(cands, edges)["b"]; d.Kind != KindSkip {
		t.Fatalf("unequal scores under first_scheduled should skip the lower, got %s", d.Kind)
	}
}

func TestMutualExclusiveSkipsAssociate(t *testing.T) {
	t.Parallel()
	// B is skipped regardless of its own priority.
	cands := candidates(map[string]int{"a": scoreLow, "b": scoreHigh})
	edges := []Association{{
		PrimaryTaskID: "a", AssociatedTaskID: "b", Type: RelationExclusive,
	}}

	got := ResolveAll(cands, edges)
	if got["a"].Kind != KindProceed {
		t.Fatalf("primary should proceed, got %s", got["a"].Kind)
	}
	if got["b"].Kind != KindSkip {
		t.Fatalf("associate should be skipped, got %s", got["b"].Kind)
	}
}

func TestMutualExclusiveInertWithoutPrimary(t *testing.T) {
	t.Parallel()
	cands := candidates(map[string]int{"b": scoreNormal})
	edges := []Association{{
		PrimaryTaskID: "a", AssociatedTaskID: "b", Type: RelationExclusive,
	}}
	if d := ResolveAll(cands, edges)["b"]; d.Kind != KindProceed {
		t.Fatalf("edge without a candidate primary should be inert, got %s", d.Kind)
	}
}

func TestDependencyOrdering(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		order   Order
		delay   int
		ordered string // task that receives the reorder constraint
		after   string
	}{
		{name: "before orders associate after primary", order: OrderBefore, delay: 10, ordered: "b", after: "a"},
		{name: "after orders primary after associate", order: OrderAfter, delay: 0, ordered: "a", after: "b"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cands := candidates(map[string]int{"a": scoreNormal, "b": scoreNormal})
			edges := []Association{{
				PrimaryTaskID: "a", AssociatedTaskID: "b",
				Type:       RelationDepends,
				Dependency: &DependencyRule{Order: tt.order, DelayMinutes: tt.delay},
			}}
			got := ResolveAll(cands, edges)
			d := got[tt.ordered]
			if d.Kind != KindReorder {
				t.Fatalf("%s should be reordered, got %s", tt.ordered, d.Kind)
			}
			if len(d.After) != 1 || d.After[0] != tt.after {
				t.Fatalf("After = %v, want [%s]", d.After, tt.after)
			}
			if want := time.Duration(tt.delay) * time.Minute; d.Delay != want {
				t.Fatalf("Delay = %v, want %v", d.Delay, want)
			}
		})
	}
}

func TestDependencyConcurrent(t *testing.T) {
	t.Parallel()
	cands := candidates(map[string]int{"a": scoreNormal, "b": scoreNormal})
	edges := []Association{{
		PrimaryTaskID: "a", AssociatedTaskID: "b",
		Type:       RelationDepends,
		Dependency: &DependencyRule{Order: OrderConcurrent},
	}}
	got := ResolveAll(cands, edges)
	for _, id := range []string{"a", "b"} {
		if got[id].Kind != KindProceed || !got[id].Synchronized {
			t.Fatalf("task %s: got %s sync=%v, want proceed+synchronized", id, got[id].Kind, got[id].Synchronized)
		}
	}
}

func TestCompositionMostRestrictiveWins(t *testing.T) {
	t.Parallel()
	// b is both reordered after a and skipped by an exclusive edge from c.
	cands := candidates(map[string]int{"a": scoreNormal, "b": scoreNormal, "c": scoreNormal})
	edges := []Association{
		{PrimaryTaskID: "a", AssociatedTaskID: "b", Type: RelationDepends, Dependency: &DependencyRule{Order: OrderBefore}},
		{PrimaryTaskID: "c", AssociatedTaskID: "b", Type: RelationExclusive},
	}
	if d := ResolveAll(cands, edges)["b"]; d.Kind != KindSkip {
		t.Fatalf("skip should dominate reorder, got %s", d.Kind)
	}

	// Suspend dominates skip, regardless of edge order.
	edges = append(edges, Association{
		PrimaryTaskID: "a", AssociatedTaskID: "b",
		Type: RelationPriority, Priority: &PriorityRule{Strategy: StrategySuspendLower}, SuspendDays: 3,
	})
	cands = candidates(map[string]int{"a": scoreHigh, "b": scoreNormal, "c": scoreNormal})
	if d := ResolveAll(cands, edges)["b"]; d.Kind != KindSuspend || d.SuspendDays != 3 {
		t.Fatalf("suspend should dominate: got %s days=%d", d.Kind, d.SuspendDays)
	}
}

func TestReorderConstraintsAccumulate(t *testing.T) {
	t.Parallel()
	cands := candidates(map[string]int{"a": scoreNormal, "b": scoreNormal, "c": scoreNormal})
	edges := []Association{
		{PrimaryTaskID: "a", AssociatedTaskID: "c", Type: RelationDepends, Dependency: &DependencyRule{Order: OrderBefore, DelayMinutes: 5}},
		{PrimaryTaskID: "b", AssociatedTaskID: "c", Type: RelationDepends, Dependency: &DependencyRule{Order: OrderBefore, DelayMinutes: 15}},
	}
	d := ResolveAll(cands, edges)["c"]
	if d.Kind != KindReorder {
		t.Fatalf("expected reorder, got %s", d.Kind)
	}
	if len(d.After) != 2 {
		t.Fatalf("After = %v, want two predecessors", d.After)
	}
	if d.Delay != 15*time.Minute {
		t.Fatalf("Delay = %v, want max of constraints", d.Delay)
	}
}

func TestValidateAssociation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		a       Association
		wantErr bool
	}{
		{name: "priority ok", a: Association{PrimaryTaskID: "a", AssociatedTaskID: "b", Type: RelationPriority, Priority: &PriorityRule{Strategy: StrategyHigherWins}}},
		{name: "self association", a: Association{PrimaryTaskID: "a", AssociatedTaskID: "a", Type: RelationExclusive}, wantErr: true},
		{name: "priority missing payload", a: Association{PrimaryTaskID: "a", AssociatedTaskID: "b", Type: RelationPriority}, wantErr: true},
		{name: "exclusive with payload", a: Association{PrimaryTaskID: "a", AssociatedTaskID: "b", Type: RelationExclusive, Priority: &PriorityRule{Strategy: StrategyHigherWins}}, wantErr: true},
		{name: "dependency ok", a: Association{PrimaryTaskID: "a", AssociatedTaskID: "b", Type: RelationDepends, Dependency: &DependencyRule{Order: OrderBefore}}},
		{name: "dependency bad order", a: Association{PrimaryTaskID: "a", AssociatedTaskID: "b", Type: RelationDepends, Dependency: &DependencyRule{Order: "sideways"}}, wantErr: true},
		{name: "negative delay", a: Association{PrimaryTaskID: "a", AssociatedTaskID: "b", Type: RelationDepends, Dependency: &DependencyRule{Order: OrderBefore, DelayMinutes: -1}}, wantErr: true},
		{name: "unknown type", a: Association{PrimaryTaskID: "a", AssociatedTaskID: "b", Type: "friends"}, wantErr: true},
		{name: "negative suspend", a: Association{PrimaryTaskID: "a", AssociatedTaskID: "b", Type: RelationExclusive, SuspendDays: -1}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.a.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err != nil && !errors.Is(err, ErrInvalidAssociation) {
				t.Fatalf("error should wrap ErrInvalidAssociation: %v", err)
			}
		})
	}
}
