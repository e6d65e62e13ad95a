// Package dispatch drains due plan entries and delivers their content.
// It owns the entry lifecycle after planning: pending entries move to
// executing, then to completed, or back to pending with a backoff until
// the retry budget runs out.
package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/delivery"
	"notifyd/internal/eventbus"
	"notifyd/internal/plan"
	"notifyd/internal/rule"
	"notifyd/internal/task"
	"notifyd/pkg/logx"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	LoadActiveTasks(ctx context.Context, date rule.Date) ([]task.Task, error)
	DueEntries(ctx context.Context, date rule.Date, now time.Time) ([]plan.Entry, error)
	EntriesForTasks(ctx context.Context, date rule.Date, taskIDs []string) ([]plan.Entry, error)
	UpdateEntryStatus(ctx context.Context, entryID string, status plan.Status, result string) error
	RequeueEntry(ctx context.Context, entryID string, attempts int, notBefore time.Time, lastErr string) error
}

// Sender delivers one message. *delivery.Router satisfies this.
type Sender interface {
	Send(ctx context.Context, target task.NotificationConfig, msg delivery.Message) error
}

// Config controls the dispatch loop.
type Config struct {
	Interval time.Duration // scan period; 0 means 15s
	Workers  int           // delivery workers; 0 means 2
	Timezone string

	// Rate caps outbound deliveries per second across all workers.
	// Zero means unlimited.
	Rate  float64
	Burst int

	RetryMax      int           // retries after the first attempt; 0 means 3
	RetryBase     time.Duration // first backoff; 0 means 30s
	RetryMaxDelay time.Duration // backoff cap; 0 means 10m
	RetryJitter   float64       // +/- fraction; 0 means 0.2
	RetryWindow   time.Duration // total retry span past the scheduled time; 0 means 6h

	DeliveryTimeout time.Duration // per attempt; 0 means 10s

	// CancelOnPause marks due entries of paused or expired tasks as
	// skipped instead of leaving them pending.
	CancelOnPause bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.RetryWindow <= 0 {
		c.RetryWindow = 6 * time.Hour
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	return c
}

// Service is the dispatch loop.
type Service struct {
	log     logx.Logger
	store   Store
	sender  Sender
	bus     eventbus.Bus
	limiter *rate.Limiter
	loc     *time.Location

	mu        sync.Mutex
	cfg       Config
	stopCh    chan struct{}
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
	queue     chan dispatchJob

	inflightMu sync.Mutex
	inflight   map[string]bool
}

type dispatchJob struct {
	entry  plan.Entry
	target task.NotificationConfig
	msg    delivery.Message
}

func New(cfg Config, store Store, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil || cfg.Timezone == "" {
		loc = time.Local
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return &Service{
		log:      log,
		store:    store,
		sender:   sender,
		bus:      bus,
		limiter:  lim,
		loc:      loc,
		cfg:      cfg,
		inflight: map[string]bool{},
	}
}

// Apply installs a new config. Rate changes take effect immediately;
// worker count changes apply on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter.SetLimit(rate.Limit(cfg.Rate))
		s.limiter.SetBurst(burst)
	} else {
		s.limiter.SetLimit(rate.Inf)
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.queue = make(chan dispatchJob, 128)
	cfg := s.cfg
	stopCh := s.stopCh
	queue := s.queue
	s.mu.Unlock()

	s.workerWG.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatch worker",
						logx.Int("worker", idx), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		s.scanLoop(runCtx, stopCh, cfg.Interval, queue)
	}()

	s.log.Info("dispatcher started",
		logx.Int("workers", cfg.Workers),
		logx.Duration("interval", cfg.Interval))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("dispatcher stop timed out")
	}
}

func (s *Service) scanLoop(ctx context.Context, stopCh <-chan struct{}, interval time.Duration, queue chan<- dispatchJob) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Immediate first scan so restarts pick up overdue entries quickly.
	s.scan(ctx, queue)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.scan(ctx, queue)
		}
	}
}

// scan finds due entries for today and yesterday (late retries can
// straddle midnight) and enqueues the dispatchable ones.
func (s *Service) scan(ctx context.Context, queue chan<- dispatchJob) {
	now := time.Now().In(s.loc)
	today := rule.DateOf(now)

	targets, err := s.loadTargets(ctx, today)
	if err != nil {
		s.log.Error("dispatch scan: load tasks", logx.Err(err))
		return
	}

	s.mu.Lock()
	cancelOnPause := s.cfg.CancelOnPause
	s.mu.Unlock()

	for _, d := range []rule.Date{today.AddDays(-1), today} {
		due, err := s.store.DueEntries(ctx, d, now)
		if err != nil {
			s.log.Error("dispatch scan: due entries", logx.String("date", d.String()), logx.Err(err))
			continue
		}
		for _, e := range due {
			tgt, active := targets[e.TaskID]
			if !active {
				if cancelOnPause {
					if err := s.store.UpdateEntryStatus(ctx, e.ID, plan.StatusSkipped, "task inactive"); err != nil {
						s.log.Error("skip inactive entry", logx.String("entry", e.ID), logx.Err(err))
					}
				}
				continue
			}
			if !s.depsSettled(ctx, e) {
				continue
			}
			if !s.claim(e.ID) {
				continue
			}
			job := dispatchJob{
				entry:  e,
				target: tgt,
				msg: delivery.Message{
					Format:   tgt.Format,
					Text:     e.Content,
					Mentions: tgt.Mentions,
				},
			}
			select {
			case queue <- job:
			default:
				// Queue full; the next scan will pick it up again.
				s.release(e.ID)
			}
		}
	}
}

// loadTargets maps active task ids to their notification targets. Tasks
// without a notification config are treated as inactive for dispatch.
func (s *Service) loadTargets(ctx context.Context, d rule.Date) (map[string]task.NotificationConfig, error) {
	tasks, err := s.store.LoadActiveTasks(ctx, d)
	if err != nil {
		return nil, err
	}
	now := time.Now().In(s.loc)
	out := make(map[string]task.NotificationConfig, len(tasks))
	for _, t := range tasks {
		if !t.IsActive(now) || t.Notification == nil {
			continue
		}
		out[t.ID] = *t.Notification
	}
	return out, nil
}

// depsSettled reports whether every upstream task the entry depends on
// has finished its entries for the same date.
func (s *Service) depsSettled(ctx context.Context, e plan.Entry) bool {
	if len(e.DependsOnTasks) == 0 {
		return true
	}
	upstream, err := s.store.EntriesForTasks(ctx, e.Date, e.DependsOnTasks)
	if err != nil {
		s.log.Error("dependency check", logx.String("entry", e.ID), logx.Err(err))
		return false
	}
	for _, u := range upstream {
		if u.Status == plan.StatusPending || u.Status == plan.StatusExecuting {
			return false
		}
	}
	return true
}

func (s *Service) claim(entryID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight[entryID] {
		return false
	}
	s.inflight[entryID] = true
	return true
}

func (s *Service) release(entryID string) {
	s.inflightMu.Lock()
	delete(s.inflight, entryID)
	s.inflightMu.Unlock()
}
