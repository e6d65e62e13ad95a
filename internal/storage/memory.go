package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"notifyd/internal/plan"
	"notifyd/internal/rule"
	"notifyd/internal/task"
)

// Memory is an in-process Store. It backs tests and the "memory" driver.
type Memory struct {
	mu          sync.RWMutex
	groups      map[string]task.Status
	tasks       map[string]task.Task
	entries     map[string]plan.Entry // by entry id
	byDate      map[rule.Date][]string
	suspensions map[string]rule.Date
}

func NewMemory() *Memory {
	return &Memory{
		groups:      map[string]task.Status{},
		tasks:       map[string]task.Task{},
		entries:     map[string]plan.Entry{},
		byDate:      map[rule.Date][]string{},
		suspensions: map[string]rule.Date{},
	}
}

func (m *Memory) UpsertGroup(_ context.Context, id string, status task.Status) error {
	m.mu.Lock()
	m.groups[id] = status
	m.mu.Unlock()
	return nil
}

func (m *Memory) UpsertTask(_ context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) LoadActiveTasks(_ context.Context, _ rule.Date) ([]task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.Status != task.StatusActive {
			continue
		}
		if t.GroupID != "" {
			if st, ok := m.groups[t.GroupID]; ok && st != task.StatusActive {
				continue
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) LoadPlan(_ context.Context, date rule.Date) ([]plan.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.planLocked(date), nil
}

func (m *Memory) planLocked(date rule.Date) []plan.Entry {
	ids := m.byDate[date]
	out := make([]plan.Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := m.entries[id]; ok {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (m *Memory) SavePlan(_ context.Context, date rule.Date, entries []plan.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if _, ok := m.entries[e.ID]; !ok {
			m.byDate[date] = append(m.byDate[date], e.ID)
		}
		m.entries[e.ID] = e
	}
	return nil
}

func (m *Memory) Suspensions(_ context.Context) (map[string]rule.Date, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]rule.Date, len(m.suspensions))
	for k, v := range m.suspensions {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) PutSuspension(_ context.Context, taskID string, through rule.Date) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.suspensions[taskID]; !ok || cur.Before(through) {
		m.suspensions[taskID] = through
	}
	return nil
}

func (m *Memory) PurgePlans(_ context.Context, before rule.Date) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for d, ids := range m.byDate {
		if !d.Before(before) {
			continue
		}
		for _, id := range ids {
			delete(m.entries, id)
			n++
		}
		delete(m.byDate, d)
	}
	for id, through := range m.suspensions {
		if through.Before(before) {
			delete(m.suspensions, id)
		}
	}
	return n, nil
}

func (m *Memory) DueEntries(_ context.Context, date rule.Date, now time.Time) ([]plan.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []plan.Entry
	for _, e := range m.planLocked(date) {
		if e.Due(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) EntriesForTasks(_ context.Context, date rule.Date, taskIDs []string) ([]plan.Entry, error) {
	want := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		want[id] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []plan.Entry
	for _, e := range m.planLocked(date) {
		if want[e.TaskID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) UpdateEntryStatus(_ context.Context, entryID string, status plan.Status, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryID]
	if !ok {
		return fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
	}
	e.Status = status
	e.LastError = result
	e.UpdatedAt = time.Now()
	if status == plan.StatusExecuting {
		e.Attempts++
	}
	m.entries[entryID] = e
	return nil
}

func (m *Memory) RequeueEntry(_ context.Context, entryID string, attempts int, notBefore time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryID]
	if !ok {
		return fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
	}
	e.Status = plan.StatusPending
	e.Attempts = attempts
	e.NotBefore = notBefore
	e.LastError = lastErr
	e.UpdatedAt = time.Now()
	m.entries[entryID] = e
	return nil
}

func (m *Memory) Close() error { return nil }
