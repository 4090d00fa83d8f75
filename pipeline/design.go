package pipeline

import (
	"context"
	"fmt"

	"AvatarVideo-server/events"
	"AvatarVideo-server/models"
	"AvatarVideo-server/providers"
	"AvatarVideo-server/workflow"
)

// generateAvatarDesign renders the custom presenter once per project, then
// starts scene processing. Failure falls back to the preset presenter.
func (p *Pipeline) generateAvatarDesign(r *workflow.Run) error {
	ev, err := workflow.Payload[events.AvatarDesign](r)
	if err != nil {
		return err
	}
	start := events.SceneProcess{SceneRef: events.SceneRef{SceneID: ev.StartSceneID, ProjectID: ev.ProjectID, UserID: ev.UserID}}
	project, err := p.fetchProject(r, ev.ProjectID)
	if err != nil {
		return err
	}
	if project.AvatarMode != models.AvatarModeCustom {
		_, err := r.Publish("start-scenes", start)
		return err
	}

	if err := r.Do("mark-generating", func(ctx context.Context) error {
		return models.SetAvatarDesign(p.db(ctx), project.ID, models.DesignStatusGenerating, nil, nil)
	}); err != nil {
		return err
	}

	design, err := workflow.Step(r, "generate-and-upload", func(ctx context.Context) (storedFile, error) {
		settings := models.AvatarDesignSettings{}
		if project.Settings.AvatarDesign != nil {
			settings = *project.Settings.AvatarDesign
		}
		data, err := p.Images.GenerateAvatarDesign(ctx, settings)
		if err != nil {
			if providers.IsQuota(err) {
				return storedFile{}, workflow.Permanent(err)
			}
			return storedFile{}, err
		}
		path := fmt.Sprintf("projects/%s/avatars/avatar_design.png", project.ID)
		url, err := p.Store.Upload(ctx, path, data, "image/png")
		if err != nil {
			return storedFile{}, err
		}
		return storedFile{URL: url, Path: path}, nil
	})
	if err != nil {
		return err
	}

	assetID, err := workflow.Step(r, "create-design-asset", func(ctx context.Context) (string, error) {
		return p.createAsset(ctx, &models.Asset{
			ProjectID:   project.ID,
			Kind:        models.AssetAvatarDesign,
			URL:         design.URL,
			StoragePath: design.Path,
			Metadata:    models.JSONMap{"provider": "openai"},
		})
	})
	if err != nil {
		return err
	}
	if err := r.Do("mark-completed", func(ctx context.Context) error {
		return models.SetAvatarDesign(p.db(ctx), project.ID, models.DesignStatusCompleted, &assetID, nil)
	}); err != nil {
		return err
	}
	r.Logger().Info("avatar design ready", "project_id", project.ID, "asset_id", assetID)
	_, err = r.Publish("start-scenes", start)
	return err
}

// avatarDesignFailed records the failure and lets the scenes run with the
// preset presenter.
func (p *Pipeline) avatarDesignFailed(r *workflow.Run, cause error) {
	ev, ok := r.Event.Payload.(events.AvatarDesign)
	if !ok {
		return
	}
	log := r.Logger().With("project_id", ev.ProjectID)
	meta := models.JSONMap{
		"fallbackToPreset": true,
		"quotaExceeded":    providers.IsQuota(cause),
		"error":            cause.Error(),
	}
	if err := models.SetAvatarDesign(p.db(r.Context()), ev.ProjectID, models.DesignStatusFailed, nil, meta); err != nil {
		log.Error("recording avatar design failure failed", "error", err)
	}
	log.Warn("avatar design failed; using preset presenter", "error", cause)
	start := events.SceneProcess{SceneRef: events.SceneRef{SceneID: ev.StartSceneID, ProjectID: ev.ProjectID, UserID: ev.UserID}}
	if _, err := r.Publish("start-scenes", start); err != nil {
		log.Error("starting scenes after design failure failed", "error", err)
	}
}
