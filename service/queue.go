package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"AvatarVideo-server/config"
	"AvatarVideo-server/logger"

	"github.com/hibiken/asynq"
)

const TypeExecuteRun = "workflow:execute"

type RunPayload struct {
	RunID string `json:"run_id"`
}

func redisOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	}
}

// QueueDispatcher hands workflow runs to the asynq queue. The first delivery
// uses the run id as task id, so a new run is queued at most once while its
// task is retained. Later deliveries of a suspended run are scheduled tasks;
// the engine drops the ones that are no longer due.
type QueueDispatcher struct {
	client *asynq.Client
	log    *logger.Logger
}

func NewQueueDispatcher(cfg config.Config, log *logger.Logger) *QueueDispatcher {
	if log == nil {
		log = logger.Nop()
	}
	return &QueueDispatcher{client: asynq.NewClient(redisOpt(cfg)), log: log}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, runID string) error {
	payload, err := json.Marshal(RunPayload{RunID: runID})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	// Retries and timeouts belong to the workflow engine; asynq only
	// redelivers a run whose worker died.
	task := asynq.NewTask(TypeExecuteRun, payload,
		asynq.TaskID(runID),
		asynq.MaxRetry(3),
		asynq.Timeout(time.Hour),
		asynq.Retention(24*time.Hour),
	)
	info, err := d.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		d.log.Debug("run already queued", "run_id", runID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", runID, err)
	}
	d.log.Debug("run enqueued", "run_id", runID, "queue", info.Queue)
	return nil
}

// DispatchAt schedules another delivery of a run. asynq keeps whole seconds,
// so the time is rounded up to avoid an early delivery.
func (d *QueueDispatcher) DispatchAt(ctx context.Context, runID string, at time.Time) error {
	payload, err := json.Marshal(RunPayload{RunID: runID})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if rounded := at.Truncate(time.Second); rounded.Before(at) {
		at = rounded.Add(time.Second)
	}
	task := asynq.NewTask(TypeExecuteRun, payload,
		asynq.ProcessAt(at),
		asynq.MaxRetry(3),
		asynq.Timeout(time.Hour),
	)
	if _, err := d.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("schedule %s: %w", runID, err)
	}
	d.log.Debug("run scheduled", "run_id", runID, "at", at)
	return nil
}

func (d *QueueDispatcher) Close() error {
	return d.client.Close()
}
