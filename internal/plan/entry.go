// Package plan derives the concrete, time-ordered dispatch plan for one
// calendar date from task rules and association decisions.
package plan

import (
	"fmt"
	"time"

	"notifyd/internal/rule"
)

// Status is the lifecycle state of a plan entry. Entries are created
// pending by the planner and transitioned only by the dispatcher.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Entry is one scheduled dispatch: a (task, rule, time) tuple with
// resolved message content.
type Entry struct {
	ID     string    `json:"id"`
	TaskID string    `json:"task_id"`
	RuleID string    `json:"rule_id"`
	Date   rule.Date `json:"date"`
	At     time.Time `json:"at"`

	Content string `json:"content"`
	Status  Status `json:"status"`

	// Attempts counts delivery attempts made so far.
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`

	// NotBefore delays dispatch past At (reorder delay, retry backoff).
	NotBefore time.Time `json:"not_before,omitempty"`

	// DependsOnTasks lists task ids whose entries for the same date must
	// leave pending/executing before this entry may dispatch.
	DependsOnTasks []string `json:"depends_on_tasks,omitempty"`

	// Synchronized marks concurrent-dependency entries scheduled
	// together with no ordering guarantee.
	Synchronized bool `json:"synchronized,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key identifies the (task, rule, date, time) tuple for idempotent
// re-planning: an existing key is never inserted again.
func (e Entry) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", e.TaskID, e.RuleID, e.Date, e.At.Format("15:04:05"))
}

// Due reports whether the entry is ready to dispatch at now.
func (e Entry) Due(now time.Time) bool {
	if e.Status != StatusPending {
		return false
	}
	if now.Before(e.At) {
		return false
	}
	if !e.NotBefore.IsZero() && now.Before(e.NotBefore) {
		return false
	}
	return true
}

// Stage names a planning stage for exclusion diagnostics.
type Stage string

const (
	StageLoad         Stage = "load"
	StageAssociations Stage = "associations"
	StageRules        Stage = "rules"
	StageContent      Stage = "content"
)

// Exclusion records why a task produced no entries this cycle. The reasons
// stay distinguishable per stage: skipped-by-association, suspended,
// dependency-deferred, invalid-rule, and content failures each surface
// separately.
type Exclusion struct {
	TaskID string `json:"task_id"`
	Stage  Stage  `json:"stage"`
	Reason string `json:"reason"`
}

// Result summarizes one planning run.
type Result struct {
	Date       rule.Date   `json:"date"`
	Created    int         `json:"created"`
	Existing   int         `json:"existing"`
	Exclusions []Exclusion `json:"exclusions,omitempty"`
	Took       time.Duration
}
