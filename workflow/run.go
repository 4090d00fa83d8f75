package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"AvatarVideo-server/events"
	"AvatarVideo-server/logger"

	"golang.org/x/sync/semaphore"
	"gorm.io/gorm/clause"
)

// Run is the handle a function body uses to do durable work. Every call that
// takes a key is memoized under (run id, key); keys must be unique within a
// run and stable across replays.
type Run struct {
	ID       string
	Function string
	Event    Event
	Attempt  int

	ctx    context.Context
	engine *Engine
	log    *logger.Logger
	slot   *semaphore.Weighted
	held   bool
	// suspend makes waits and sleeps unwind the run instead of blocking.
	suspend bool
}

func (r *Run) Context() context.Context { return r.ctx }
func (r *Run) Logger() *logger.Logger    { return r.log }

// Payload returns the triggering payload as T. A mismatch is permanent.
func Payload[T events.Payload](r *Run) (T, error) {
	p, ok := r.Event.Payload.(T)
	if !ok {
		var zero T
		return zero, Permanent(fmt.Errorf("%s: unexpected payload %T", r.Function, r.Event.Payload))
	}
	return p, nil
}

// Step runs fn once per run and key. A replay returns the stored result
// without calling fn again. A failing fn records nothing.
func Step[T any](r *Run, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	db := r.engine.db.WithContext(r.ctx)
	rec, err := loadStep(db, r.ID, key)
	if err != nil {
		return out, fmt.Errorf("step %s: load: %w", key, err)
	}
	if rec != nil && rec.Status == stepCompleted {
		r.engine.metrics.StepsReplayed.WithLabelValues(r.Function).Inc()
		if err := json.Unmarshal(rec.Result, &out); err != nil {
			return out, Permanent(fmt.Errorf("step %s: decode stored result: %w", key, err))
		}
		return out, nil
	}

	out, err = fn(r.ctx)
	if err != nil {
		return out, err
	}
	r.engine.metrics.StepsExecuted.WithLabelValues(r.Function).Inc()

	data, err := json.Marshal(out)
	if err != nil {
		return out, Permanent(fmt.Errorf("step %s: encode result: %w", key, err))
	}
	row := StepRecord{RunID: r.ID, StepKey: key, Status: stepCompleted, Result: data}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return out, fmt.Errorf("step %s: save: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		// Another delivery of this run got there first; its result wins.
		stored, err := loadStep(db, r.ID, key)
		if err != nil || stored == nil {
			return out, fmt.Errorf("step %s: reload: %v", key, err)
		}
		var winner T
		if err := json.Unmarshal(stored.Result, &winner); err != nil {
			return winner, Permanent(fmt.Errorf("step %s: decode stored result: %w", key, err))
		}
		return winner, nil
	}
	return out, nil
}

// Do is Step for bodies without a result.
func (r *Run) Do(key string, fn func(ctx context.Context) error) error {
	_, err := Step(r, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Publish emits p at most once per run and key and returns the event id.
func (r *Run) Publish(key string, p events.Payload) (uint64, error) {
	return Step(r, key, func(ctx context.Context) (uint64, error) {
		ev, err := r.engine.bus.Publish(ctx, p)
		return ev.ID, err
	})
}

// Sleep suspends the run for d. The wake-up time is stored, so a replay only
// sleeps what is left.
func (r *Run) Sleep(key string, d time.Duration) error {
	db := r.engine.db.WithContext(r.ctx)
	rec, err := loadStep(db, r.ID, key)
	if err != nil {
		return fmt.Errorf("sleep %s: %w", key, err)
	}
	if rec != nil && rec.Status == stepCompleted {
		return nil
	}
	if rec == nil {
		wake := time.Now().Add(d)
		rec = &StepRecord{RunID: r.ID, StepKey: key, Status: stepSleeping, Deadline: &wake}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error; err != nil {
			return fmt.Errorf("sleep %s: %w", key, err)
		}
		if rec, err = loadStep(db, r.ID, key); err != nil || rec == nil {
			return fmt.Errorf("sleep %s: reload: %v", key, err)
		}
	}

	if remaining := time.Until(*rec.Deadline); remaining > 0 {
		if r.suspend {
			return &suspendError{until: *rec.Deadline}
		}
		err := r.park(func() error {
			timer := time.NewTimer(remaining)
			defer timer.Stop()
			select {
			case <-r.ctx.Done():
				return r.ctx.Err()
			case <-timer.C:
				return nil
			}
		})
		if err != nil {
			return err
		}
	}
	return db.Model(&StepRecord{}).Where("id = ?", rec.ID).Update("status", stepCompleted).Error
}

// WaitFor suspends the run until an event on topic matching match is
// published after the wait first began, or until timeout. The cursor and the
// deadline are stored, so a restarted run keeps waiting on the same window.
func (r *Run) WaitFor(key string, topic events.Topic, timeout time.Duration, match func(events.Payload) bool) (events.Payload, error) {
	rec, err := r.openWait(key, topic, timeout)
	if err != nil {
		return nil, err
	}
	return r.finishWait(rec, topic, timeout, match)
}

// PublishAndWait opens the wait before publishing p, so the answer to p can
// never be published ahead of its waiter.
func (r *Run) PublishAndWait(key string, p events.Payload, topic events.Topic, timeout time.Duration, match func(events.Payload) bool) (events.Payload, error) {
	rec, err := r.openWait(key+".wait", topic, timeout)
	if err != nil {
		return nil, err
	}
	if _, err := r.Publish(key+".publish", p); err != nil {
		return nil, err
	}
	return r.finishWait(rec, topic, timeout, match)
}

func (r *Run) openWait(key string, topic events.Topic, timeout time.Duration) (*StepRecord, error) {
	db := r.engine.db.WithContext(r.ctx)
	rec, err := loadStep(db, r.ID, key)
	if err != nil {
		return nil, fmt.Errorf("wait %s: %w", key, err)
	}
	if rec != nil {
		return rec, nil
	}
	cursor, err := r.engine.bus.LatestID(r.ctx)
	if err != nil {
		return nil, fmt.Errorf("wait %s: cursor: %w", key, err)
	}
	deadline := time.Now().Add(timeout)
	row := StepRecord{RunID: r.ID, StepKey: key, Status: stepWaiting, Topic: string(topic), Cursor: cursor, Deadline: &deadline}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("wait %s: %w", key, err)
	}
	return loadStep(db, r.ID, key)
}

func (r *Run) finishWait(rec *StepRecord, topic events.Topic, timeout time.Duration, match func(events.Payload) bool) (events.Payload, error) {
	if rec == nil {
		return nil, fmt.Errorf("wait on %s: step row vanished", topic)
	}
	switch rec.Status {
	case stepCompleted:
		r.engine.metrics.StepsReplayed.WithLabelValues(r.Function).Inc()
		var id uint64
		if err := json.Unmarshal(rec.Result, &id); err != nil {
			return nil, Permanent(fmt.Errorf("wait %s: decode stored event id: %w", rec.StepKey, err))
		}
		ev, err := r.engine.bus.Load(r.ctx, id)
		if err != nil {
			return nil, err
		}
		return ev.Payload, nil
	case stepTimedOut:
		return nil, &TimeoutError{Topic: topic, Waited: timeout}
	}

	if r.suspend {
		expired := !time.Now().Before(*rec.Deadline)
		ev, ok, seen, err := r.engine.bus.scan(r.ctx, topic, rec.Cursor, *rec.Deadline, match)
		if err != nil {
			return nil, err
		}
		if ok {
			return r.completeWait(rec, ev)
		}
		if !expired {
			return nil, &suspendError{until: *rec.Deadline, topic: topic, seen: seen}
		}
		r.engine.metrics.WaitTimeouts.WithLabelValues(string(topic)).Inc()
		return nil, r.timedOut(rec, &TimeoutError{Topic: topic, Waited: timeout})
	}

	var ev Event
	err := r.park(func() error {
		var err error
		ev, err = r.engine.bus.await(r.ctx, topic, rec.Cursor, *rec.Deadline, timeout, match)
		return err
	})
	if err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			return nil, r.timedOut(rec, err)
		}
		return nil, err
	}
	return r.completeWait(rec, ev)
}

func (r *Run) completeWait(rec *StepRecord, ev Event) (events.Payload, error) {
	data, err := json.Marshal(ev.ID)
	if err != nil {
		return nil, Permanent(fmt.Errorf("wait %s: encode event id: %w", rec.StepKey, err))
	}
	if err := r.engine.db.WithContext(r.ctx).Model(&StepRecord{}).Where("id = ?", rec.ID).
		Updates(map[string]interface{}{"status": stepCompleted, "result": data}).Error; err != nil {
		return nil, fmt.Errorf("wait %s: save: %w", rec.StepKey, err)
	}
	return ev.Payload, nil
}

// timedOut records that the wait expired so a replay fails fast instead of
// waiting on a past deadline.
func (r *Run) timedOut(rec *StepRecord, cause error) error {
	err := r.engine.db.WithContext(context.WithoutCancel(r.ctx)).Model(&StepRecord{}).
		Where("id = ?", rec.ID).Update("status", stepTimedOut).Error
	if err != nil {
		r.log.Error("recording wait timeout failed", "step", rec.StepKey, "error", err)
	}
	return cause
}

// park gives the function's concurrency slot back while fn blocks.
func (r *Run) park(fn func() error) error {
	if r.slot == nil || !r.held {
		return fn()
	}
	r.slot.Release(1)
	r.held = false
	err := fn()
	if aerr := r.slot.Acquire(r.ctx, 1); aerr != nil {
		if err == nil {
			err = aerr
		}
		return err
	}
	r.held = true
	return err
}
