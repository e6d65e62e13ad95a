package dispatch

import (
	"context"
	"math/rand"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/plan"
	"notifyd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan dispatchJob) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case job := <-queue:
			s.dispatchOne(ctx, job)
		}
	}
}

// dispatchOne performs a single delivery attempt. Failed attempts are
// requeued through the store with a backoff, so retries survive
// restarts and re-enter through the normal scan path.
func (s *Service) dispatchOne(ctx context.Context, job dispatchJob) {
	defer s.release(job.entry.ID)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	e := job.entry
	if err := s.store.UpdateEntryStatus(ctx, e.ID, plan.StatusExecuting, ""); err != nil {
		s.log.Error("mark executing", logx.String("entry", e.ID), logx.Err(err))
		return
	}
	attempt := e.Attempts + 1

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EntryDispatched, Data: map[string]any{
			"entry_id": e.ID, "task_id": e.TaskID, "attempt": attempt,
		}})
	}

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, cfg.DeliveryTimeout)
	err := s.sender.Send(sendCtx, job.target, job.msg)
	cancel()
	took := time.Since(start)

	if err == nil {
		if uerr := s.store.UpdateEntryStatus(ctx, e.ID, plan.StatusCompleted, ""); uerr != nil {
			s.log.Error("mark completed", logx.String("entry", e.ID), logx.Err(uerr))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EntryCompleted, Data: map[string]any{
				"entry_id": e.ID, "task_id": e.TaskID, "attempts": attempt,
			}})
		}
		s.log.Info("entry delivered",
			logx.String("entry", e.ID), logx.String("task", e.TaskID),
			logx.Int("attempt", attempt), logx.Duration("took", took))
		return
	}

	// Terminal when the attempt budget or the total retry window past
	// the scheduled time runs out.
	if attempt > cfg.RetryMax || time.Since(e.At) > cfg.RetryWindow {
		if uerr := s.store.UpdateEntryStatus(ctx, e.ID, plan.StatusFailed, err.Error()); uerr != nil {
			s.log.Error("mark failed", logx.String("entry", e.ID), logx.Err(uerr))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EntryExhausted, Data: map[string]any{
				"entry_id": e.ID, "task_id": e.TaskID, "attempts": attempt, "error": err.Error(),
			}})
		}
		s.log.Warn("entry failed permanently",
			logx.String("entry", e.ID), logx.String("task", e.TaskID),
			logx.Int("attempts", attempt), logx.Err(err))
		return
	}

	delay := backoffDelay(cfg, attempt)
	notBefore := time.Now().Add(delay)
	if rerr := s.store.RequeueEntry(ctx, e.ID, attempt, notBefore, err.Error()); rerr != nil {
		s.log.Error("requeue entry", logx.String("entry", e.ID), logx.Err(rerr))
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EntryRequeued, Data: map[string]any{
			"entry_id": e.ID, "task_id": e.TaskID, "attempt": attempt, "delay": delay.String(),
		}})
	}
	s.log.Warn("delivery failed, retry scheduled",
		logx.String("entry", e.ID), logx.String("task", e.TaskID),
		logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
}

// backoffDelay doubles the base per attempt, caps it, and applies
// symmetric jitter.
func backoffDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if cfg.RetryJitter > 0 {
		r := (rand.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
