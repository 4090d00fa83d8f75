package pipeline

import (
	"context"
	"fmt"

	"AvatarVideo-server/config"
	"AvatarVideo-server/events"
	"AvatarVideo-server/models"
	"AvatarVideo-server/providers"
	"AvatarVideo-server/workflow"
)

// Poll outcomes.
const (
	pollDone       = "done"
	pollProcessing = "processing"
	pollMissing    = "missing"
	pollFailed     = "failed"
)

type pollResult struct {
	State string `json:"state"`
	storedFile
	Error string `json:"error,omitempty"`
}

// pollJob describes one check of a provider job and what to do with its
// result.
type pollJob struct {
	ref         events.SceneRef
	jobID       string
	attempt     int
	maxAttempts int
	provider    string
	stage       models.Stage
	policy      config.StagePolicy

	// check queries the provider and, when the job is done, stores its output.
	check       func(ctx context.Context, sc models.Scene) (pollResult, error)
	assetKind   string
	assetColumn string
	assetMeta   models.JSONMap
	completed   func(assetID, url string) events.Payload
	next        func(attempt int) events.Payload
}

// classifyCheckError turns a failed status query into an outcome. A missing
// operation counts as still processing.
func classifyCheckError(ctx context.Context, err error) (pollResult, error) {
	if ctx.Err() != nil {
		return pollResult{}, ctx.Err()
	}
	if providers.IsNotFound(err) {
		return pollResult{State: pollProcessing, Error: err.Error()}, nil
	}
	return pollResult{State: pollFailed, Error: err.Error()}, nil
}

func (p *Pipeline) poll(r *workflow.Run, job pollJob) error {
	log := r.Logger().With("scene_id", job.ref.SceneID, "render_job_id", job.jobID, "attempt", job.attempt)
	sc, err := p.fetchScene(r, job.ref.SceneID)
	if err != nil {
		return err
	}
	wait := job.policy.Interval
	if job.attempt <= 1 {
		wait = job.policy.FirstInterval
	}
	if err := r.Sleep("wait-before-check", wait); err != nil {
		return err
	}

	res, err := workflow.Step(r, "check-status", func(ctx context.Context) (pollResult, error) {
		res, err := job.check(ctx, sc)
		if err != nil {
			return res, err
		}
		p.Metrics.PollAttempts.WithLabelValues(job.provider, res.State).Inc()
		return res, nil
	})
	if err != nil {
		return err
	}
	if err := r.Do("record-poll", func(ctx context.Context) error {
		rj, err := models.GetRenderJobByIDGorm(p.db(ctx), job.jobID)
		if err != nil {
			return err
		}
		return rj.RecordPoll(p.db(ctx), job.attempt)
	}); err != nil {
		return err
	}

	switch res.State {
	case pollDone:
		return p.finishPoll(r, job, sc, res)
	case pollProcessing:
		if job.attempt < job.maxAttempts {
			log.Debug("job still processing", "max_attempts", job.maxAttempts)
			_, err := r.Publish("next-attempt", job.next(job.attempt+1))
			return err
		}
		return p.abandonPoll(r, job, fmt.Sprintf("Polling timeout after %d attempts", job.maxAttempts))
	default:
		return p.abandonPoll(r, job, res.Error)
	}
}

func (p *Pipeline) finishPoll(r *workflow.Run, job pollJob, sc models.Scene, res pollResult) error {
	assetID, err := workflow.Step(r, "create-asset", func(ctx context.Context) (string, error) {
		return p.createAsset(ctx, &models.Asset{
			ProjectID:   sc.ProjectID,
			SceneID:     &sc.ID,
			Kind:        job.assetKind,
			URL:         res.URL,
			StoragePath: res.Path,
			Metadata:    job.assetMeta,
		})
	})
	if err != nil {
		return err
	}
	if err := r.Do("complete-job", func(ctx context.Context) error {
		rj, err := models.GetRenderJobByIDGorm(p.db(ctx), job.jobID)
		if err != nil {
			return err
		}
		return rj.Finish(p.db(ctx), models.RenderJobCompleted, "")
	}); err != nil {
		return err
	}
	if err := p.markStage(r, "complete-stage", sc.ID, job.stage, models.StageStatusCompleted,
		map[string]interface{}{job.assetColumn: assetID}); err != nil {
		return err
	}
	_, err = r.Publish("stage-completed", job.completed(assetID, res.URL))
	return err
}

// abandonPoll ends the poll chain with the job and the stage failed. The run
// itself completes; the failure is recorded on the scene.
func (p *Pipeline) abandonPoll(r *workflow.Run, job pollJob, msg string) error {
	r.Logger().Warn("provider job failed", "scene_id", job.ref.SceneID, "render_job_id", job.jobID, "reason", msg)
	if err := r.Do("fail-job", func(ctx context.Context) error {
		rj, err := models.GetRenderJobByIDGorm(p.db(ctx), job.jobID)
		if err != nil {
			return err
		}
		return rj.Finish(p.db(ctx), models.RenderJobFailed, msg)
	}); err != nil {
		return err
	}
	return p.markStage(r, "fail-stage", job.ref.SceneID, job.stage, models.StageStatusFailed,
		map[string]interface{}{"error_message": msg})
}

// pollFailed closes the job and the stage when a poller run itself gives up,
// for example because the upload kept failing.
func (p *Pipeline) pollFailed(stage models.Stage) func(*workflow.Run, error) {
	return func(r *workflow.Run, cause error) {
		var jobID, sceneID string
		switch ev := r.Event.Payload.(type) {
		case events.AvatarPolling:
			jobID, sceneID = ev.RenderJobID, ev.SceneID
		case events.VeoPolling:
			jobID, sceneID = ev.RenderJobID, ev.SceneID
		default:
			return
		}
		ctx := r.Context()
		if rj, err := models.GetRenderJobByIDGorm(p.db(ctx), jobID); err == nil {
			if err := rj.Finish(p.db(ctx), models.RenderJobFailed, cause.Error()); err != nil {
				r.Logger().Error("closing render job failed", "render_job_id", jobID, "error", err)
			}
		}
		p.failStage(ctx, r.Logger(), sceneID, stage, cause.Error())
	}
}
