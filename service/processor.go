package service

import (
	"context"
	"encoding/json"
	"fmt"

	"AvatarVideo-server/config"
	"AvatarVideo-server/logger"

	"github.com/hibiken/asynq"
)

// RunExecutor drives one workflow run to a terminal state.
type RunExecutor interface {
	Execute(ctx context.Context, runID string) error
}

// Processor consumes queued runs and executes them.
type Processor struct {
	server *asynq.Server
	exec   RunExecutor
	log    *logger.Logger
}

func NewProcessor(cfg config.Config, exec RunExecutor, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.Nop()
	}
	srv := asynq.NewServer(redisOpt(cfg), asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			"default": 1,
		},
	})
	return &Processor{server: srv, exec: exec, log: log}
}

// Start runs the consumer in the background. Shutdown stops it.
func (p *Processor) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeExecuteRun, p.HandleRun)
	p.log.Info("starting run processor")
	if err := p.server.Start(mux); err != nil {
		return fmt.Errorf("start processor: %w", err)
	}
	return nil
}

func (p *Processor) Shutdown() {
	p.server.Shutdown()
}

// HandleRun executes the run named by the task. Execute only fails when the
// run could not be processed at all, which is worth a redelivery.
func (p *Processor) HandleRun(ctx context.Context, t *asynq.Task) error {
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.RunID == "" {
		return fmt.Errorf("empty run id: %w", asynq.SkipRetry)
	}
	if err := p.exec.Execute(ctx, payload.RunID); err != nil {
		p.log.Error("run execution aborted", "run_id", payload.RunID, "error", err)
		return err
	}
	return nil
}
