package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"AvatarVideo-server/events"
	"AvatarVideo-server/models"
	"AvatarVideo-server/workflow"
)

var ErrNoScenes = errors.New("no scenes to render")

// stageError ties a failure of the orchestrator to the stage it was waiting on.
type stageError struct {
	stage models.Stage
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

type stageStep struct {
	stage   models.Stage
	request events.Payload
	done    events.Topic
	wait    time.Duration
}

// processScene drives one scene through speech, avatar and background, then
// hands over to the next scene or to the compositor. Stages already completed
// by an earlier run are skipped.
func (p *Pipeline) processScene(r *workflow.Run) error {
	ev, err := workflow.Payload[events.SceneProcess](r)
	if err != nil {
		return err
	}
	log := r.Logger().With("scene_id", ev.SceneID, "project_id", ev.ProjectID)
	sc, err := p.fetchScene(r, ev.SceneID)
	if err != nil {
		return err
	}

	ref := ev.SceneRef
	stages := []stageStep{
		{models.StageTTS, events.TTSRequested{SceneRef: ref}, events.TopicTTSCompleted, p.Config.TTSWait},
		{models.StageAvatar, events.AvatarRequested{SceneRef: ref}, events.TopicAvatarCompleted, p.Config.AvatarWait},
		{models.StageBackground, events.BackgroundRequested{SceneRef: ref}, events.TopicBackgroundCompleted, p.Config.BackgroundWait},
	}
	for _, st := range stages {
		if sc.StageStatus(st.stage) == models.StageStatusCompleted {
			log.Debug("stage already completed", "stage", st.stage)
			continue
		}
		key := string(st.request.Topic())
		if _, err := r.PublishAndWait(key, st.request, st.done, st.wait, events.ForScene(ref.SceneID)); err != nil {
			return &stageError{stage: st.stage, err: err}
		}
		log.Info("stage completed", "stage", st.stage)
	}

	if err := r.Sleep("cushion", p.Config.InterSceneDelay); err != nil {
		return err
	}

	nextID, err := workflow.Step(r, "find-next-scene", func(ctx context.Context) (string, error) {
		next, err := models.NextScene(p.db(ctx), ref.ProjectID, sc.Position)
		if err != nil || next == nil {
			return "", err
		}
		return next.ID, nil
	})
	if err != nil {
		return err
	}
	if nextID != "" {
		log.Info("advancing to next scene", "next_scene_id", nextID)
		_, err = r.Publish("next-scene", events.SceneProcess{SceneRef: events.SceneRef{SceneID: nextID, ProjectID: ref.ProjectID, UserID: ref.UserID}})
		return err
	}
	log.Info("last scene done; composing")
	_, err = r.Publish("compose", events.VideoCompose{ProjectID: ref.ProjectID, UserID: ref.UserID})
	return err
}

// sceneFaulted marks the stage the orchestrator gave up on. The pipeline of
// the project stops here until the scene is recovered.
func (p *Pipeline) sceneFaulted(r *workflow.Run, cause error) {
	var se *stageError
	if !errors.As(cause, &se) {
		r.Logger().Error("scene processing failed outside a stage", "error", cause)
		return
	}
	ev, ok := r.Event.Payload.(events.SceneProcess)
	if !ok {
		return
	}
	p.failStage(r.Context(), r.Logger(), ev.SceneID, se.stage, cause.Error())
}

// Start begins or resumes rendering of a project. Processing starts at the
// first scene that is not done; its failed stages are reset. A custom avatar
// that has not been designed yet is generated first. A project still rendering
// is only restarted once no run drives it and no stage is in flight.
func (p *Pipeline) Start(ctx context.Context, projectID, userID string) error {
	db := p.db(ctx)
	project, err := models.GetProjectByIDGorm(db, projectID)
	if err != nil {
		return err
	}
	scenes, err := models.GetScenesByProject(db, projectID)
	if err != nil {
		return err
	}
	if len(scenes) == 0 {
		if _, err := models.SetProjectStatus(db, projectID, models.ProjectStatusFailed, "No scenes to render"); err != nil {
			p.Log.Error("marking project failed", "project_id", projectID, "error", err)
		}
		return ErrNoScenes
	}

	var resume *models.Scene
	open := false
	for i := range scenes {
		if scenes[i].Open() {
			open = true
		}
		if resume == nil && !scenes[i].Done() {
			resume = &scenes[i]
		}
	}

	if project.Status == models.ProjectStatusRendering {
		active, err := p.engine.ActiveRuns(ctx, []string{FnSceneProcessor, FnAvatarDesign, FnCompositor}, events.ForProject(projectID))
		if err != nil {
			return err
		}
		if active > 0 || open {
			return models.ErrProjectBusy
		}
		p.Log.Info("restarting stalled render", "project_id", projectID)
	} else if err := models.BeginRender(db, projectID); err != nil {
		return err
	}

	var first events.Payload
	switch {
	case resume == nil:
		first = events.VideoCompose{ProjectID: projectID, UserID: userID}
	default:
		for _, st := range models.Stages {
			if _, err := models.ResetStage(db, resume.ID, st); err != nil {
				return err
			}
		}
		ref := events.SceneRef{SceneID: resume.ID, ProjectID: projectID, UserID: userID}
		first = events.SceneProcess{SceneRef: ref}
		if project.AvatarMode == models.AvatarModeCustom && project.AvatarDesignStatus == models.DesignStatusPending {
			first = events.AvatarDesign{ProjectID: projectID, UserID: userID, StartSceneID: resume.ID}
		}
	}

	if _, err := p.engine.Publish(ctx, first); err != nil {
		msg := fmt.Sprintf("could not start rendering: %v", err)
		if _, serr := models.SetProjectStatus(db, projectID, models.ProjectStatusFailed, msg); serr != nil {
			p.Log.Error("marking project failed", "project_id", projectID, "error", serr)
		}
		return err
	}
	p.Log.Info("render started", "project_id", projectID, "first", first.Topic())
	return nil
}
