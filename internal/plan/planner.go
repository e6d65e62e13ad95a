package plan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"notifyd/internal/assoc"
	"notifyd/internal/eventbus"
	"notifyd/internal/rule"
	"notifyd/internal/task"
	"notifyd/pkg/logx"
)

// Store is the persistence surface the planner needs. The store is
// authoritative; the cache is only a read-through layer on top of it.
type Store interface {
	LoadActiveTasks(ctx context.Context, date rule.Date) ([]task.Task, error)
	LoadPlan(ctx context.Context, date rule.Date) ([]Entry, error)
	SavePlan(ctx context.Context, date rule.Date, entries []Entry) error
	Suspensions(ctx context.Context) (map[string]rule.Date, error)
	PutSuspension(ctx context.Context, taskID string, through rule.Date) error
	PurgePlans(ctx context.Context, before rule.Date) (int, error)
}

// ContentSource is the external per-row worksheet system: it substitutes
// clock times for rules that carry none and looks up per-time message
// rows. A nil ContentSource is valid; rules without times then yield no
// entries.
type ContentSource interface {
	TimesFor(ctx context.Context, taskID string, date rule.Date) ([]rule.Clock, error)
	MessageFor(ctx context.Context, taskID string, date rule.Date, at rule.Clock) (string, bool, error)
}

// Config controls the planning workflow.
type Config struct {
	Timezone      string
	RetentionDays int           // purge plans older than this many days
	CacheTTL      time.Duration // plan cache lifetime
	CancelOnPause bool          // pausing a task cancels its pending entries at dispatch
}

func (c Config) withDefaults() Config {
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 26 * time.Hour
	}
	return c
}

// Planner derives one date's execution plan. At most one run per date is
// in flight at a time; concurrent triggers for the same date are
// coalesced, while different dates plan independently.
type Planner struct {
	log   logx.Logger
	cfg   Config
	store Store
	cache Cache
	rows  ContentSource
	bus   eventbus.Bus
	loc   *time.Location

	flight singleflight.Group

	mu   sync.Mutex
	last *Result
}

func New(cfg Config, store Store, cache Cache, rows ContentSource, bus eventbus.Bus, log logx.Logger) *Planner {
	cfg = cfg.withDefaults()
	loc, err := time.LoadLocation(strings.TrimSpace(cfg.Timezone))
	if err != nil || strings.TrimSpace(cfg.Timezone) == "" {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Planner{log: log, cfg: cfg, store: store, cache: cache, rows: rows, bus: bus, loc: loc}
}

// Location returns the planner's timezone.
func (p *Planner) Location() *time.Location { return p.loc }

// CancelOnPause reports the configured pause policy.
func (p *Planner) CancelOnPause() bool { return p.cfg.CancelOnPause }

// LastResult returns the most recent run's summary for diagnostics.
func (p *Planner) LastResult() (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Result{}, false
	}
	return *p.last, true
}

// PlanDate computes and persists the plan for one date. Duplicate
// concurrent calls for the same date share a single run.
func (p *Planner) PlanDate(ctx context.Context, d rule.Date) (Result, error) {
	v, err, shared := p.flight.Do(d.String(), func() (any, error) {
		return p.run(ctx, d)
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	if shared {
		p.log.Debug("planning run coalesced", logx.String("date", d.String()))
	}
	return res, nil
}

// run executes the five planning stages in order. Per-task failures are
// isolated as exclusions; store failures abort the whole cycle before
// anything is persisted.
func (p *Planner) run(ctx context.Context, d rule.Date) (Result, error) {
	start := time.Now()
	res := Result{Date: d}

	// Stage 1: load candidates.
	tasks, err := p.store.LoadActiveTasks(ctx, d)
	if err != nil {
		return res, fmt.Errorf("load active tasks: %w", err)
	}
	suspensions, err := p.store.Suspensions(ctx)
	if err != nil {
		return res, fmt.Errorf("load suspensions: %w", err)
	}

	now := time.Now().In(p.loc)
	candidates := make(map[string]task.Task, len(tasks))
	for _, t := range tasks {
		t := t
		if !t.IsActive(now) {
			res.exclude(t.ID, StageLoad, "outside activation window or not active")
			continue
		}
		if through, ok := suspensions[t.ID]; ok && !through.Before(d) {
			res.exclude(t.ID, StageLoad, fmt.Sprintf("suspended through %s", through))
			continue
		}
		candidates[t.ID] = t
	}

	// Stage 2: resolve associations.
	decisions := p.resolveAssociations(ctx, d, candidates, &res)

	// Stage 3: evaluate rules.
	// Stage 4: resolve message timing and content.
	entries := p.buildEntries(ctx, d, candidates, decisions, &res)

	// Stage 5: emit the plan, idempotently. The cache fronts the store
	// for the existing-plan read; a miss falls back to the store, which
	// stays authoritative.
	existing, cached := p.cachedPlan(d)
	if !cached {
		existing, err = p.store.LoadPlan(ctx, d)
		if err != nil {
			return res, fmt.Errorf("load existing plan: %w", err)
		}
	}
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e.Key()] = true
	}
	fresh := entries[:0]
	for _, e := range entries {
		if seen[e.Key()] {
			res.Existing++
			continue
		}
		seen[e.Key()] = true
		fresh = append(fresh, e)
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].At.Before(fresh[j].At) })

	if len(fresh) > 0 {
		if err := p.store.SavePlan(ctx, d, fresh); err != nil {
			// The store state is unknown after a failed save; drop the
			// cached day so the retry rereads it.
			if p.cache != nil {
				p.cache.Invalidate(d)
			}
			return res, fmt.Errorf("persist plan: %w", err)
		}
	}
	res.Created = len(fresh)
	res.Took = time.Since(start)

	if p.cache != nil {
		full := append(existing, fresh...)
		sort.SliceStable(full, func(i, j int) bool { return full[i].At.Before(full[j].At) })
		p.cache.Put(d, full, p.cfg.CacheTTL)
	}

	if _, err := p.store.PurgePlans(ctx, d.AddDays(-p.cfg.RetentionDays)); err != nil {
		// Retention is housekeeping; a failed purge does not void the plan.
		p.log.Warn("plan retention purge failed", logx.String("date", d.String()), logx.Err(err))
	}

	p.mu.Lock()
	cp := res
	p.last = &cp
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.PlanCreated, Data: res})
	}
	p.log.Info("plan computed",
		logx.String("date", d.String()),
		logx.Int("created", res.Created),
		logx.Int("existing", res.Existing),
		logx.Int("excluded", len(res.Exclusions)),
		logx.Duration("took", res.Took))
	return res, nil
}

func (p *Planner) cachedPlan(d rule.Date) ([]Entry, bool) {
	if p.cache == nil {
		return nil, false
	}
	return p.cache.Get(d)
}

// resolveAssociations runs the resolver over the candidate set and applies
// the decisions: skipped/deferred tasks leave the candidate set, suspended
// tasks additionally persist a suspension window, reorder constraints are
// returned for stage 5.
func (p *Planner) resolveAssociations(ctx context.Context, d rule.Date, candidates map[string]task.Task, res *Result) map[string]assoc.Decision {
	cands := make(map[string]assoc.Candidate, len(candidates))
	var edges []assoc.Association
	edgeSeen := map[string]bool{}
	for id, t := range candidates {
		cands[id] = assoc.Candidate{ID: id, Score: t.Priority.Score()}
		for _, a := range t.Associations {
			key := a.ID
			if key == "" {
				key = a.PrimaryTaskID + "->" + a.AssociatedTaskID + ":" + string(a.Type)
			}
			if edgeSeen[key] {
				continue
			}
			edgeSeen[key] = true
			if err := a.Validate(); err != nil {
				res.exclude(id, StageAssociations, fmt.Sprintf("invalid association %s: %v", a.ID, err))
				continue
			}
			edges = append(edges, a)
		}
	}

	decisions := assoc.ResolveAll(cands, edges)
	for id, dec := range decisions {
		switch dec.Kind {
		case assoc.KindSkip:
			res.exclude(id, StageAssociations, "skipped by association: "+dec.Reason)
			delete(candidates, id)
		case assoc.KindDefer:
			res.exclude(id, StageAssociations, "deferred: "+dec.Reason)
			delete(candidates, id)
		case assoc.KindSuspend:
			// Suspended through day N+days inclusive; candidacy resumes
			// the day after.
			through := d.AddDays(dec.SuspendDays)
			if err := p.store.PutSuspension(ctx, id, through); err != nil {
				p.log.Error("failed to persist suspension", logx.String("task", id), logx.Err(err))
			}
			res.exclude(id, StageAssociations, fmt.Sprintf("suspended through %s: %s", through, dec.Reason))
			delete(candidates, id)
			if p.bus != nil {
				p.bus.Publish(eventbus.Event{Type: eventbus.TaskSuspended, Data: map[string]string{
					"task_id": id, "through": through.String(), "reason": dec.Reason,
				}})
			}
		}
	}
	return decisions
}

// buildEntries evaluates rules and resolves timing/content for every
// surviving candidate. Failures here are per-task and never abort the
// cycle for other tasks.
func (p *Planner) buildEntries(ctx context.Context, d rule.Date, candidates map[string]task.Task, decisions map[string]assoc.Decision, res *Result) []Entry {
	now := time.Now()
	var entries []Entry

	for id, t := range candidates {
		if len(t.Rules) == 0 {
			res.exclude(id, StageRules, "task has no schedule rules")
			continue
		}

		dec := decisions[id]
		var taskEntries []Entry
		for _, r := range t.Rules {
			if err := r.Validate(); err != nil {
				// Configuration error: the rule is excluded, not retried,
				// and never reaches evaluation.
				res.exclude(id, StageRules, fmt.Sprintf("invalid rule %s: %v", r.ID, err))
				continue
			}
			if !rule.AppliesTo(r, d) {
				continue
			}

			clocks, err := p.clocksFor(ctx, t, r, d)
			if err != nil {
				res.exclude(id, StageContent, fmt.Sprintf("rule %s: %v", r.ID, err))
				continue
			}
			for _, c := range clocks {
				content, err := p.contentFor(ctx, t, d, c)
				if err != nil {
					res.exclude(id, StageContent, fmt.Sprintf("rule %s at %s: %v", r.ID, c, err))
					continue
				}
				e := Entry{
					ID:           uuid.NewString(),
					TaskID:       t.ID,
					RuleID:       r.ID,
					Date:         d,
					At:           c.At(d, p.loc),
					Content:      content,
					Status:       StatusPending,
					Synchronized: dec.Synchronized,
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				if dec.Kind == assoc.KindReorder {
					e.DependsOnTasks = append([]string(nil), dec.After...)
					if dec.Delay > 0 {
						// The delay anchors to the scheduled time, not to
						// the upstream completion.
						e.NotBefore = e.At.Add(dec.Delay)
					}
				}
				taskEntries = append(taskEntries, e)
			}
		}
		entries = append(entries, taskEntries...)
	}
	return entries
}

// clocksFor returns the rule's own times, or substitutes times from the
// external per-row source when the rule carries none. Empty times without
// a row source is not an error; the rule just yields nothing.
func (p *Planner) clocksFor(ctx context.Context, t task.Task, r rule.Rule, d rule.Date) ([]rule.Clock, error) {
	if len(r.Times) > 0 {
		return r.Times, nil
	}
	if p.rows == nil {
		return nil, nil
	}
	clocks, err := p.rows.TimesFor(ctx, t.ID, d)
	if err != nil {
		return nil, fmt.Errorf("row time lookup: %w", err)
	}
	return clocks, nil
}

// contentFor resolves the message body: a per-row message when the
// external source has one for (task, date, time), else the task's static
// template.
func (p *Planner) contentFor(ctx context.Context, t task.Task, d rule.Date, c rule.Clock) (string, error) {
	if p.rows != nil {
		msg, ok, err := p.rows.MessageFor(ctx, t.ID, d, c)
		if err != nil {
			return "", fmt.Errorf("row message lookup: %w", err)
		}
		if ok {
			return msg, nil
		}
	}
	return renderTemplate(t, d, c), nil
}

// renderTemplate fills the static notification template. Placeholders:
// {task}, {date}, {time}.
func renderTemplate(t task.Task, d rule.Date, c rule.Clock) string {
	tpl := ""
	if t.Notification != nil {
		tpl = t.Notification.Template
	}
	if strings.TrimSpace(tpl) == "" {
		return fmt.Sprintf("%s (%s %s)", t.Name, d, c)
	}
	repl := strings.NewReplacer("{task}", t.Name, "{date}", d.String(), "{time}", c.String())
	return repl.Replace(tpl)
}

func (r *Result) exclude(taskID string, stage Stage, reason string) {
	r.Exclusions = append(r.Exclusions, Exclusion{TaskID: taskID, Stage: stage, Reason: reason})
}

// ErrNoPlan is returned by plan readers when a date has no plan at all.
var ErrNoPlan = errors.New("no plan for date")
