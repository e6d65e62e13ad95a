// Package storage persists tasks, rules, associations, suspensions, and
// execution plans. The store is the source of truth; the plan cache is a
// read-through layer owned elsewhere.
package storage

import (
	"context"
	"errors"
	"time"

	"notifyd/internal/plan"
	"notifyd/internal/rule"
	"notifyd/internal/task"
)

var ErrNotFound = errors.New("not found")

// Config configures storage.
//
// Driver values:
//   - "memory": in-process store (tests, ephemeral runs)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the planner and dispatcher.
type Store interface {
	// Administrative write paths (the admin surface itself is external).
	UpsertGroup(ctx context.Context, id string, status task.Status) error
	UpsertTask(ctx context.Context, t task.Task) error
	DeleteTask(ctx context.Context, id string) error

	// Planner side.
	LoadActiveTasks(ctx context.Context, date rule.Date) ([]task.Task, error)
	LoadPlan(ctx context.Context, date rule.Date) ([]plan.Entry, error)
	SavePlan(ctx context.Context, date rule.Date, entries []plan.Entry) error
	Suspensions(ctx context.Context) (map[string]rule.Date, error)
	PutSuspension(ctx context.Context, taskID string, through rule.Date) error
	PurgePlans(ctx context.Context, before rule.Date) (int, error)

	// Dispatcher side.
	DueEntries(ctx context.Context, date rule.Date, now time.Time) ([]plan.Entry, error)
	EntriesForTasks(ctx context.Context, date rule.Date, taskIDs []string) ([]plan.Entry, error)
	UpdateEntryStatus(ctx context.Context, entryID string, status plan.Status, result string) error
	RequeueEntry(ctx context.Context, entryID string, attempts int, notBefore time.Time, lastErr string) error

	Close() error
}
