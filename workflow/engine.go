package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"AvatarVideo-server/events"
	"AvatarVideo-server/logger"
	"AvatarVideo-server/metrics"

	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Policy is the retry and admission policy of one function.
type Policy struct {
	// Retries is the number of extra attempts after the first one.
	Retries int
	// Concurrency caps parallel runs process-wide. Zero means no cap.
	Concurrency  int
	RetryBackoff time.Duration
	// Timeout bounds one attempt. Zero means no bound.
	Timeout time.Duration
}

type Function struct {
	Name    string
	Trigger events.Topic
	Policy  Policy
	// Retryable narrows which errors earn another attempt. Nil retries
	// everything that is not Permanent.
	Retryable func(error) bool
	Handler   func(*Run) error
	// OnFailure runs once after the last attempt fails.
	OnFailure func(*Run, error)
}

// Dispatcher hands a run id to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, runID string) error
}

// Scheduler is a Dispatcher that can also deliver a run later. Runs handed
// to a Scheduler give their worker back while they wait or sleep: the run
// unwinds and is delivered again when it is due or when its topic gets a new
// event.
type Scheduler interface {
	Dispatcher
	DispatchAt(ctx context.Context, runID string, at time.Time) error
}

type registered struct {
	fn  Function
	sem *semaphore.Weighted
}

// Engine turns published events into runs and executes them with bounded
// retries. Runs are rows in workflow_run; Execute can be called any number of
// times for the same id.
type Engine struct {
	db      *gorm.DB
	bus     *Bus
	log     *logger.Logger
	metrics *metrics.Metrics

	// RecheckInterval bounds how long a suspended run sleeps before it looks
	// at the log again, in case a wake-up was lost.
	RecheckInterval time.Duration
	// RequeueDelay is how long a run that found its function at capacity
	// stays queued before it tries again.
	RequeueDelay time.Duration

	mu         sync.RWMutex
	functions  map[string]*registered
	byTopic    map[events.Topic][]*registered
	dispatcher Dispatcher
}

func NewEngine(db *gorm.DB, bus *Bus, log *logger.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		db:              db,
		bus:             bus,
		log:             log,
		metrics:         m,
		RecheckInterval: time.Minute,
		RequeueDelay:    time.Second,
		functions:       make(map[string]*registered),
		byTopic:         make(map[events.Topic][]*registered),
	}
	bus.Subscribe(e)
	return e
}

func (e *Engine) Bus() *Bus { return e.bus }

func (e *Engine) Register(fn Function) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.functions[fn.Name]; dup {
		panic("workflow: function registered twice: " + fn.Name)
	}
	reg := &registered{fn: fn}
	if fn.Policy.Concurrency > 0 {
		reg.sem = semaphore.NewWeighted(int64(fn.Policy.Concurrency))
	}
	e.functions[fn.Name] = reg
	e.byTopic[fn.Trigger] = append(e.byTopic[fn.Trigger], reg)
}

func (e *Engine) SetDispatcher(d Dispatcher) {
	e.mu.Lock()
	e.dispatcher = d
	e.mu.Unlock()
}

func (e *Engine) scheduler() Scheduler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, _ := e.dispatcher.(Scheduler)
	return s
}

// Publish appends p to the log outside of any run.
func (e *Engine) Publish(ctx context.Context, p events.Payload) (Event, error) {
	return e.bus.Publish(ctx, p)
}

func RunID(function string, eventID uint64) string {
	return function + ":" + strconv.FormatUint(eventID, 10)
}

// Enroll creates one pending run per function triggered by ev. Redelivery of
// the same event maps to the same run ids.
func (e *Engine) Enroll(tx *gorm.DB, ev Event) ([]string, error) {
	e.mu.RLock()
	regs := e.byTopic[ev.Topic]
	e.mu.RUnlock()

	ids := make([]string, 0, len(regs))
	for _, reg := range regs {
		run := RunRecord{ID: RunID(reg.fn.Name, ev.ID), Function: reg.fn.Name, EventID: ev.ID, Status: RunPending}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&run).Error; err != nil {
			return nil, fmt.Errorf("enroll %s: %w", run.ID, err)
		}
		ids = append(ids, run.ID)
	}
	return ids, nil
}

func (e *Engine) Dispatch(ctx context.Context, runIDs []string) {
	e.mu.RLock()
	d := e.dispatcher
	e.mu.RUnlock()
	if d == nil {
		e.log.Warn("no dispatcher; runs stay pending until Resume", "runs", runIDs)
		return
	}
	for _, id := range runIDs {
		if err := d.Dispatch(ctx, id); err != nil {
			e.log.Error("dispatch failed; run stays pending", "run_id", id, "error", err)
		}
	}
}

// Resume re-dispatches every run that has not finished. Call it on boot.
// Suspended runs are delivered when they are due.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	var runs []RunRecord
	if err := e.db.WithContext(ctx).
		Where("status IN ?", []string{RunPending, RunRunning, RunSuspended}).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return 0, fmt.Errorf("resume: %w", err)
	}
	if len(runs) == 0 {
		return 0, nil
	}
	e.log.Info("resuming unfinished runs", "count", len(runs))
	sched := e.scheduler()
	if sched == nil {
		ids := make([]string, len(runs))
		for i, run := range runs {
			ids[i] = run.ID
		}
		e.Dispatch(ctx, ids)
		return len(runs), nil
	}
	now := time.Now()
	for _, run := range runs {
		at := now
		if run.Status == RunSuspended && run.WakeAt != nil {
			at = *run.WakeAt
		}
		if err := sched.DispatchAt(ctx, run.ID, at); err != nil {
			e.log.Error("dispatch failed; run stays unfinished", "run_id", run.ID, "error", err)
		}
	}
	return len(runs), nil
}

// Wake delivers the runs suspended on a wait for topic now, so they see the
// event that was just published.
func (e *Engine) Wake(ctx context.Context, topic events.Topic) {
	sched := e.scheduler()
	if sched == nil {
		return
	}
	db := e.db.WithContext(ctx)
	var ids []string
	err := db.Model(&StepRecord{}).
		Joins("JOIN workflow_run ON workflow_run.id = workflow_step.run_id").
		Where("workflow_step.status = ? AND workflow_step.topic = ? AND workflow_run.status = ?", stepWaiting, string(topic), RunSuspended).
		Pluck("workflow_step.run_id", &ids).Error
	if err != nil {
		e.log.Error("finding suspended waiters failed", "topic", topic, "error", err)
		return
	}
	now := time.Now()
	woken := make(map[string]bool, len(ids))
	for _, id := range ids {
		if woken[id] {
			continue
		}
		woken[id] = true
		res := db.Model(&RunRecord{}).Where("id = ? AND status = ?", id, RunSuspended).Update("wake_at", now)
		if res.Error != nil {
			e.log.Error("waking run failed", "run_id", id, "error", res.Error)
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}
		if err := sched.DispatchAt(ctx, id, now); err != nil {
			e.log.Error("waking run failed", "run_id", id, "error", err)
		}
	}
}

// ActiveRuns counts unfinished runs of the named functions whose triggering
// payload satisfies match.
func (e *Engine) ActiveRuns(ctx context.Context, functions []string, match func(events.Payload) bool) (int, error) {
	var runs []RunRecord
	if err := e.db.WithContext(ctx).
		Where("function_name IN ? AND status IN ?", functions, []string{RunPending, RunRunning, RunSuspended}).
		Find(&runs).Error; err != nil {
		return 0, fmt.Errorf("active runs: %w", err)
	}
	n := 0
	for _, run := range runs {
		ev, err := e.bus.Load(ctx, run.EventID)
		if err != nil {
			return 0, fmt.Errorf("active runs: %w", err)
		}
		if match == nil || match(ev.Payload) {
			n++
		}
	}
	return n, nil
}

// Execute drives one run to a terminal state. It returns an error only when
// the run could not be processed at all (store unavailable, shutdown); a
// failed run is a normal outcome and returns nil.
func (e *Engine) Execute(ctx context.Context, runID string) error {
	db := e.db.WithContext(ctx)
	rec, err := loadRun(db, runID)
	if err != nil {
		return fmt.Errorf("execute %s: %w", runID, err)
	}
	if rec == nil {
		return fmt.Errorf("execute %s: no such run", runID)
	}
	if rec.Status == RunCompleted || rec.Status == RunFailed {
		return nil
	}
	if rec.Status == RunSuspended && rec.WakeAt != nil && time.Now().Before(*rec.WakeAt) {
		// A delivery from an earlier suspension; the current one is still queued.
		return nil
	}
	e.mu.RLock()
	reg := e.functions[rec.Function]
	e.mu.RUnlock()
	if reg == nil {
		return fmt.Errorf("execute %s: unknown function %q", runID, rec.Function)
	}
	ev, err := e.bus.Load(ctx, rec.EventID)
	if err != nil {
		return fmt.Errorf("execute %s: %w", runID, err)
	}

	run := &Run{
		ID:       rec.ID,
		Function: reg.fn.Name,
		Event:    ev,
		engine:   e,
		slot:     reg.sem,
		log:      e.log.With("function", reg.fn.Name, "run_id", rec.ID, "event_id", ev.ID),
	}
	sched := e.scheduler()
	run.suspend = sched != nil
	if run.slot != nil {
		if sched != nil {
			if !run.slot.TryAcquire(1) {
				return sched.DispatchAt(ctx, runID, time.Now().Add(e.RequeueDelay))
			}
		} else if err := run.slot.Acquire(ctx, 1); err != nil {
			return err
		}
		run.held = true
	}
	defer func() {
		if run.held {
			run.slot.Release(1)
		}
	}()

	claimed, err := e.claim(db, rec.ID, lease(reg.fn.Policy))
	if err != nil {
		return fmt.Errorf("execute %s: %w", runID, err)
	}
	if !claimed {
		run.log.Debug("run is executing elsewhere")
		return nil
	}
	defer e.unlease(ctx, rec.ID)

	maxAttempts := 1 + reg.fn.Policy.Retries
	attempt := rec.Attempt
	if rec.Status == RunRunning && attempt >= maxAttempts {
		// The last attempt was cut short by a crash or shutdown; run it again.
		attempt = maxAttempts - 1
	}
	var lastErr error
	for attempt < maxAttempts {
		attempt++
		if err := db.Model(&RunRecord{}).Where("id = ?", rec.ID).Update("attempt", attempt).Error; err != nil {
			return fmt.Errorf("execute %s: %w", runID, err)
		}
		run.Attempt = attempt

		lastErr = e.attempt(ctx, reg, run)
		if lastErr == nil {
			e.finish(ctx, run, RunCompleted, "")
			return nil
		}
		var susp *suspendError
		if errors.As(lastErr, &susp) {
			return e.suspend(ctx, sched, run, attempt-1, susp)
		}
		if ctx.Err() != nil {
			// Shutdown: leave the run for Resume or redelivery.
			return ctx.Err()
		}
		if !e.retryable(reg.fn, lastErr) || attempt >= maxAttempts {
			break
		}
		run.log.Warn("attempt failed; retrying", "attempt", attempt, "max_attempts", maxAttempts, "error", lastErr)
		if err := sleepCtx(ctx, backoff(reg.fn.Policy.RetryBackoff, attempt)); err != nil {
			return err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no attempts left (%d used)", attempt)
	}

	run.log.Error("run failed", "attempt", attempt, "error", lastErr)
	e.finish(ctx, run, RunFailed, lastErr.Error())
	if reg.fn.OnFailure != nil {
		e.onFailure(ctx, reg.fn, run, lastErr)
	}
	return nil
}

// claim marks the run as executing here. It fails while another delivery
// holds a live lease or while a suspended run is not yet due.
func (e *Engine) claim(db *gorm.DB, id string, d time.Duration) (bool, error) {
	now := time.Now()
	res := db.Model(&RunRecord{}).
		Where("id = ?", id).
		Where(db.Where("status = ?", RunPending).
			Or("status = ? AND (wake_at IS NULL OR wake_at <= ?)", RunSuspended, now).
			Or("status = ? AND (lease_until IS NULL OR lease_until < ?)", RunRunning, now)).
		Updates(map[string]interface{}{"status": RunRunning, "lease_until": now.Add(d), "wake_at": nil})
	return res.RowsAffected == 1, res.Error
}

func (e *Engine) unlease(ctx context.Context, id string) {
	err := e.db.WithContext(context.WithoutCancel(ctx)).Model(&RunRecord{}).
		Where("id = ?", id).Update("lease_until", nil).Error
	if err != nil {
		e.log.Error("releasing run lease failed", "run_id", id, "error", err)
	}
}

// lease covers every attempt of one execution plus their backoff.
func lease(p Policy) time.Duration {
	if p.Timeout <= 0 {
		return time.Hour
	}
	return time.Duration(p.Retries+1)*(p.Timeout+time.Minute) + time.Minute
}

// suspend parks the run until s.until, or earlier when the topic it waits on
// already has an event it has not looked at. attempt is stored so the next
// delivery continues the same attempt.
func (e *Engine) suspend(ctx context.Context, sched Scheduler, run *Run, attempt int, s *suspendError) error {
	now := time.Now()
	at := s.until
	if limit := now.Add(e.RecheckInterval); e.RecheckInterval > 0 && at.After(limit) {
		at = limit
	}
	db := e.db.WithContext(ctx)
	err := db.Model(&RunRecord{}).Where("id = ?", run.ID).
		Updates(map[string]interface{}{"status": RunSuspended, "attempt": attempt, "lease_until": nil, "wake_at": at}).Error
	if err != nil {
		return fmt.Errorf("suspend %s: %w", run.ID, err)
	}
	if s.topic != "" {
		// A publish between the scan and the update above found the run
		// still executing and did not wake it.
		newer, err := e.bus.newer(ctx, s.topic, s.seen)
		if err != nil {
			return fmt.Errorf("suspend %s: %w", run.ID, err)
		}
		if newer {
			at = now
			if err := db.Model(&RunRecord{}).Where("id = ? AND status = ?", run.ID, RunSuspended).Update("wake_at", at).Error; err != nil {
				return fmt.Errorf("suspend %s: %w", run.ID, err)
			}
		}
	}
	e.metrics.RunsSuspended.WithLabelValues(run.Function).Inc()
	run.log.Debug("run suspended", "until", at, "topic", s.topic)
	return sched.DispatchAt(ctx, run.ID, at)
}

func (e *Engine) attempt(ctx context.Context, reg *registered, run *Run) (err error) {
	actx := ctx
	if reg.fn.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, reg.fn.Policy.Timeout)
		defer cancel()
	}
	run.ctx = actx
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		e.metrics.StageDuration.WithLabelValues(reg.fn.Name).Observe(time.Since(start).Seconds())
	}()
	return reg.fn.Handler(run)
}

func (e *Engine) onFailure(ctx context.Context, fn Function, run *Run, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	run.ctx = fctx
	defer func() {
		if p := recover(); p != nil {
			run.log.Error("on-failure handler panicked", "panic", p)
		}
	}()
	fn.OnFailure(run, cause)
}

func (e *Engine) finish(ctx context.Context, run *Run, status, msg string) {
	err := e.db.WithContext(context.WithoutCancel(ctx)).Model(&RunRecord{}).Where("id = ?", run.ID).
		Updates(map[string]interface{}{"status": status, "error": msg}).Error
	if err != nil {
		run.log.Error("recording run outcome failed", "status", status, "error", err)
	}
	e.metrics.RunOutcomes.WithLabelValues(run.Function, status).Inc()
}

func (e *Engine) retryable(fn Function, err error) bool {
	if IsPermanent(err) || errors.Is(err, context.Canceled) {
		return false
	}
	if fn.Retryable != nil {
		return fn.Retryable(err)
	}
	return true
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << (attempt - 1)
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
