package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"notifyd/internal/assoc"
	"notifyd/internal/rule"
	"notifyd/internal/task"
	"notifyd/pkg/logx"
)

type fakeStore struct {
	mu          sync.Mutex
	tasks       []task.Task
	plans       map[string][]Entry
	suspensions map[string]rule.Date

	failLoad bool
	failSave bool
	loads    int
	saves    int
}

func newFakeStore(tasks ...task.Task) *fakeStore {
	return &fakeStore{
		tasks:       tasks,
		plans:       map[string][]Entry{},
		suspensions: map[string]rule.Date{},
	}
}

func (f *fakeStore) LoadActiveTasks(_ context.Context, _ rule.Date) ([]task.Task, error) {
	if f.failLoad {
		return nil, errors.New("db down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]task.Task, len(f.tasks))
	copy(out, f.tasks)
	return out, nil
}

func (f *fakeStore) LoadPlan(_ context.Context, d rule.Date) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return append([]Entry(nil), f.plans[d.String()]...), nil
}

func (f *fakeStore) SavePlan(_ context.Context, d rule.Date, entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return errors.New("db down")
	}
	f.saves++
	f.plans[d.String()] = append(f.plans[d.String()], entries...)
	return nil
}

func (f *fakeStore) Suspensions(_ context.Context) (map[string]rule.Date, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]rule.Date, len(f.suspensions))
	for k, v := range f.suspensions {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) PutSuspension(_ context.Context, taskID string, through rule.Date) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.suspensions[taskID]; !ok || cur.Before(through) {
		f.suspensions[taskID] = through
	}
	return nil
}

func (f *fakeStore) PurgePlans(_ context.Context, _ rule.Date) (int, error) { return 0, nil }

type fakeRows struct {
	times    map[string][]rule.Clock // by task id
	messages map[string]string       // by taskID|time
}

func (f *fakeRows) TimesFor(_ context.Context, taskID string, _ rule.Date) ([]rule.Clock, error) {
	return f.times[taskID], nil
}

func (f *fakeRows) MessageFor(_ context.Context, taskID string, _ rule.Date, at rule.Clock) (string, bool, error) {
	msg, ok := f.messages[taskID+"|"+at.String()]
	return msg, ok, nil
}

func dailyRule(id, taskID string, times ...rule.Clock) rule.Rule {
	return rule.Rule{ID: id, TaskID: taskID, Type: rule.TypeByDay, Times: times}
}

func testTask(id string, prio task.Priority, rules ...rule.Rule) task.Task {
	return task.Task{ID: id, Name: "task " + id, Priority: prio, Status: task.StatusActive, Rules: rules}
}

var (
	march1 = rule.Date{Year: 2024, Month: 3, Day: 1}
	nineAM = rule.Clock{Hour: 9}
)

func TestPlanDailyTask(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testTask("t1", task.PriorityNormal, dailyRule("r1", "t1", nineAM)))
	p := New(Config{Timezone: "UTC"}, st, nil, nil, nil, logx.Nop())

	res, err := p.PlanDate(context.Background(), march1)
	if err != nil {
		t.Fatalf("PlanDate: %v", err)
	}
	if res.Created != 1 || res.Existing != 0 {
		t.Fatalf("result = %+v", res)
	}

	got, _ := st.LoadPlan(context.Background(), march1)
	if len(got) != 1 {
		t.Fatalf("persisted %d entries, want 1", len(got))
	}
	e := got[0]
	want := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if !e.At.Equal(want) {
		t.Fatalf("At = %v, want %v", e.At, want)
	}
	if e.Status != StatusPending {
		t.Fatalf("Status = %v", e.Status)
	}
	if !strings.Contains(e.Content, "task t1") {
		t.Fatalf("Content = %q", e.Content)
	}
}

func TestPlanIdempotentRerun(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testTask("t1", task.PriorityNormal, dailyRule("r1", "t1", nineAM)))
	p := New(Config{Timezone: "UTC"}, st, nil, nil, nil, logx.Nop())
	ctx := context.Background()

	if _, err := p.PlanDate(ctx, march1); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := p.PlanDate(ctx, march1)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Created != 0 || res.Existing != 1 {
		t.Fatalf("second run result = %+v", res)
	}
	got, _ := st.LoadPlan(ctx, march1)
	if len(got) != 1 {
		t.Fatalf("rerun duplicated entries: %d", len(got))
	}
}

func TestPlanPerTaskIsolation(t *testing.T) {
	t.Parallel()
	bad := testTask("bad", task.PriorityNormal, rule.Rule{
		ID: "rx", TaskID: "bad", Type: rule.TypeByDay,
		Week:  &rule.WeekConfig{Weekdays: []int{1}},
		Times: []rule.Clock{nineAM},
	})
	good := testTask("good", task.PriorityNormal, dailyRule("r1", "good", nineAM))
	st := newFakeStore(bad, good)
	p := New(Config{Timezone: "UTC"}, st, nil, nil, nil, logx.Nop())

	res, err := p.PlanDate(context.Background(), march1)
	if err != nil {
		t.Fatalf("PlanDate: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("created = %d, want the valid task planned", res.Created)
	}
	found := false
	for _, x := range res.Exclusions {
		if x.TaskID == "bad" && x.Stage == StageRules {
			found = true
		}
	}
	if !found {
		t.Fatalf("invalid rule not surfaced as exclusion: %+v", res.Exclusions)
	}
}

func TestPlanStoreFailureAborts(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testTask("t1", task.PriorityNormal, dailyRule("r1", "t1", nineAM)))
	st.failLoad = true
	p := New(Config{Timezone: "UTC"}, st, nil, nil, nil, logx.Nop())

	if _, err := p.PlanDate(context.Background(), march1); err == nil {
		t.Fatalf("want error when the store is unavailable")
	}
	if st.saves != 0 {
		t.Fatalf("plan persisted despite aborted cycle")
	}
}

func TestPlanSuspendLower(t *testing.T) {
	t.Parallel()
	edge := assoc.Association{
		ID: "a1", PrimaryTaskID: "hi", AssociatedTaskID: "lo",
		Type:        assoc.RelationPriority,
		Priority:    &assoc.PriorityRule{Strategy: assoc.StrategySuspendLower},
		SuspendDays: 5,
	}
	hi := testTask("hi", task.PriorityHigh, dailyRule("r1", "hi", nineAM))
	hi.Associations = []assoc.Association{edge}
	lo := testTask("lo", task.PriorityLow, dailyRule("r2", "lo", nineAM))
	st := newFakeStore(hi, lo)
	p := New(Config{Timezone: "UTC"}, st, nil, nil, nil, logx.Nop())
	ctx := context.Background()

	res, err := p.PlanDate(ctx, march1)
	if err != nil {
		t.Fatalf("PlanDate: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("created = %d, want only the winner", res.Created)
	}
	through, ok := st.suspensions["lo"]
	if !ok {
		t.Fatalf("suspension not persisted")
	}
	if want := march1.AddDays(5); through != want {
		t.Fatalf("suspended through %v, want %v", through, want)
	}

	// While suspended the task is excluded at load time.
	res, err = p.PlanDate(ctx, march1.AddDays(3))
	if err != nil {
		t.Fatalf("PlanDate: %v", err)
	}
	var loadExcluded bool
	for _, x := range res.Exclusions {
		if x.TaskID == "lo" && x.Stage == StageLoad {
			loadExcluded = true
		}
	}
	if !loadExcluded {
		t.Fatalf("suspended task reached later stages: %+v", res.Exclusions)
	}
}

func TestPlanSuspensionExpires(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testTask("t1", task.PriorityNormal, dailyRule("r1", "t1", nineAM)))
	st.suspensions["t1"] = march1.AddDays(5)
	p := New(Config{Timezone: "UTC"}, st, nil, nil, nil, logx.Nop())
	ctx := context.Background()

	// Last suspended day: still out.
	res, err := p.PlanDate(ctx, march1.AddDays(5))
	if err != nil {
		t.Fatalf("PlanDate: %v", err)
	}
	if res.Created != 0 {
		t.Fatalf("task planned on its final suspended day")
	}

	// Day after: candidacy resumes.
	res, err = p.PlanDate(ctx, march1.AddDays(6))
	if err != nil {
		t.Fatalf("PlanDate: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("task did not reappear after suspension: %+v", res)
	}
}

func TestPlanRowTimeSubstitution(t *testing.T) {
	t.Parallel()
	// Rule carries no times of its own.
	st := newFakeStore(testTask("t1", task.PriorityNormal, dailyRule("r1", "t1")))
	rows := &fakeRows{
		times:    map[string][]rule.Clock{"t1": {{Hour: 10, Minute: 30}}},
		messages: map[string]string{"t1|10:30": "row message"},
	}
	p := New(Config{Timezone: "UTC"}, st, nil, rows, nil, logx.Nop())

	res, err := p.PlanDate(context.Background(), march1)
	if err != nil {
		t.Fatalf("PlanDate: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("result = %+v", res)
	}
	got, _ := st.LoadPlan(context.Background(), march1)
	want := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	if !got[0].At.Equal(want) {
		t.Fatalf("At = %v, want substituted row time %v", got[0].At, want)
	}
	if got[0].Content != "row message" {
		t.Fatalf("Content = %q, want the row message", got[0].Content)
	}
}

func TestPlanTemplateContent(t *testing.T) {
	t.Parallel()
	tk := testTask("t1", task.PriorityNormal, dailyRule("r1", "t1", nineAM))
	tk.Notification = &task.NotificationConfig{
		Kind:       task.TargetWebhook,
		WebhookURL: "https://example.com/hook",
		Format:     task.FormatText,
		Template:   "{task} fires on {date} at {time}",
	}
	st := newFakeStore(tk)
	p := New(Config{Timezone: "UTC"}, st, nil, nil, nil, logx.Nop())

	if _, err := p.PlanDate(context.Background(), march1); err != nil {
		t.Fatalf("PlanDate: %v", err)
	}
	got, _ := st.LoadPlan(context.Background(), march1)
	want := "task t1 fires on 2024-03-01 at 09:00"
	if got[0].Content != want {
		t.Fatalf("Content = %q, want %q", got[0].Content, want)
	}
}

func TestPlanReorderDependency(t *testing.T) {
	t.Parallel()
	edge := assoc.Association{
		ID: "a1", PrimaryTaskID: "first", AssociatedTaskID: "second",
		Type:       assoc.RelationDepends,
		Dependency: &assoc.DependencyRule{Order: assoc.OrderBefore, DelayMinutes: 15},
	}
	first := testTask("first", task.PriorityNormal, dailyRule("r1", "first", nineAM))
	first.Associations = []assoc.Association{edge}
	second := testTask("second", task.PriorityNormal, dailyRule("r2", "second", nineAM))
	st := newFakeStore(first, second)
	p := New(Config{Timezone: "UTC"}, st, nil, nil, nil, logx.Nop())

	res, err := p.PlanDate(context.Background(), march1)
	if err != nil {
		t.Fatalf("PlanDate: %v", err)
	}
	if res.Created != 2 {
		t.Fatalf("created = %d, want both tasks planned", res.Created)
	}
	got, _ := st.LoadPlan(context.Background(), march1)
	byTask := map[string]Entry{}
	for _, e := range got {
		byTask[e.TaskID] = e
	}
	dep := byTask["second"]
	if len(dep.DependsOnTasks) != 1 || dep.DependsOnTasks[0] != "first" {
		t.Fatalf("DependsOnTasks = %v", dep.DependsOnTasks)
	}
	if want := dep.At.Add(15 * time.Minute); !dep.NotBefore.Equal(want) {
		t.Fatalf("NotBefore = %v, want %v", dep.NotBefore, want)
	}
	if len(byTask["first"].DependsOnTasks) != 0 {
		t.Fatalf("upstream task gained a dependency: %v", byTask["first"].DependsOnTasks)
	}
}

func TestPlanZeroRulesDiagnostic(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testTask("t1", task.PriorityNormal))
	p := New(Config{Timezone: "UTC"}, st, nil, nil, nil, logx.Nop())

	res, err := p.PlanDate(context.Background(), march1)
	if err != nil {
		t.Fatalf("PlanDate: %v", err)
	}
	if res.Created != 0 || len(res.Exclusions) != 1 || res.Exclusions[0].Stage != StageRules {
		t.Fatalf("result = %+v", res)
	}
}

func TestPlanCoalescesSameDate(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testTask("t1", task.PriorityNormal, dailyRule("r1", "t1", nineAM)))
	p := New(Config{Timezone: "UTC"}, st, nil, nil, nil, logx.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.PlanDate(ctx, march1); err != nil {
				t.Errorf("PlanDate: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := st.LoadPlan(ctx, march1)
	if len(got) != 1 {
		t.Fatalf("concurrent planning produced %d entries, want 1", len(got))
	}
}

func TestPlanCacheFilled(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testTask("t1", task.PriorityNormal, dailyRule("r1", "t1", nineAM)))
	cache := NewMemCache(4)
	p := New(Config{Timezone: "UTC", CacheTTL: time.Hour}, st, cache, nil, nil, logx.Nop())

	if _, err := p.PlanDate(context.Background(), march1); err != nil {
		t.Fatalf("PlanDate: %v", err)
	}
	got, ok := cache.Get(march1)
	if !ok || len(got) != 1 {
		t.Fatalf("cache miss after planning: ok=%v entries=%d", ok, len(got))
	}
}

func TestPlanCacheServesRerun(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testTask("t1", task.PriorityNormal, dailyRule("r1", "t1", nineAM)))
	cache := NewMemCache(4)
	p := New(Config{Timezone: "UTC", CacheTTL: time.Hour}, st, cache, nil, nil, logx.Nop())
	ctx := context.Background()

	if _, err := p.PlanDate(ctx, march1); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := p.PlanDate(ctx, march1)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Created != 0 || res.Existing != 1 {
		t.Fatalf("second run result = %+v", res)
	}
	if st.loads != 1 {
		t.Fatalf("store read %d times, want the rerun served from cache", st.loads)
	}
}

func TestPlanFailedSaveDropsCachedDay(t *testing.T) {
	t.Parallel()
	st := newFakeStore(testTask("t1", task.PriorityNormal, dailyRule("r1", "t1", nineAM)))
	cache := NewMemCache(4)
	p := New(Config{Timezone: "UTC", CacheTTL: time.Hour}, st, cache, nil, nil, logx.Nop())
	ctx := context.Background()

	if _, err := p.PlanDate(ctx, march1); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// A second execution time makes the rerun persist something new.
	st.mu.Lock()
	st.tasks = []task.Task{testTask("t1", task.PriorityNormal,
		dailyRule("r1", "t1", nineAM, rule.Clock{Hour: 17}))}
	st.failSave = true
	st.mu.Unlock()

	if _, err := p.PlanDate(ctx, march1); err == nil {
		t.Fatalf("want error from failed save")
	}
	if _, ok := cache.Get(march1); ok {
		t.Fatalf("cached plan survived a failed save")
	}
}

func ExampleEntry_Key() {
	e := Entry{TaskID: "t1", RuleID: "r1", Date: march1, At: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	fmt.Println(e.Key())
	// Output: t1|r1|2024-03-01|09:00:00
}
