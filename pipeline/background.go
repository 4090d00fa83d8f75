package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"AvatarVideo-server/events"
	"AvatarVideo-server/models"
	"AvatarVideo-server/providers"
	"AvatarVideo-server/workflow"

	"gorm.io/gorm"
)

// Background types carried by background/completed.
const (
	BackgroundGradient = "gradient"
	BackgroundImage    = "image"
	BackgroundVideo    = "video"
)

var (
	ErrNoBackgroundImage = errors.New("scene has no background image to animate")
	ErrStageNotFailed    = errors.New("background stage has not failed")
	ErrSceneNotInProject = errors.New("scene does not belong to this project")
)

type backgroundImage struct {
	storedFile
	Prompt string `json:"prompt"`
}

func sceneEmotion(sc models.Scene) string {
	return firstNonEmpty(sc.Emotion, "professional")
}

// generateBackground branches on the scene priority: low records a plain
// fill, medium renders a still and high renders a still and animates it.
// For high priority the video poller publishes background/completed.
func (p *Pipeline) generateBackground(r *workflow.Run) error {
	ev, err := workflow.Payload[events.BackgroundRequested](r)
	if err != nil {
		return err
	}
	sc, err := p.fetchScene(r, ev.SceneID)
	if err != nil {
		return err
	}
	log := r.Logger().With("scene_id", sc.ID, "priority", sc.Priority)
	if err := p.markStage(r, "mark-generating", sc.ID, models.StageBackground, models.StageStatusGenerating, nil); err != nil {
		return err
	}

	if sc.Priority != models.PriorityMedium && sc.Priority != models.PriorityHigh {
		if err := p.markStage(r, "record-gradient", sc.ID, models.StageBackground, models.StageStatusCompleted, map[string]interface{}{
			"metadata": models.JSONMap{"backgroundType": BackgroundGradient, "priority": models.PriorityLow},
		}); err != nil {
			return err
		}
		_, err := r.Publish("background-completed", events.BackgroundCompleted{SceneRef: ev.SceneRef, BackgroundType: BackgroundGradient})
		return err
	}

	emotion := sceneEmotion(sc)
	img, err := workflow.Step(r, "generate-and-upload", func(ctx context.Context) (backgroundImage, error) {
		prompt := firstNonEmpty(sc.ImagePrompt, sc.VisualDescription, providers.DefaultImagePrompt)
		data, err := p.Images.GenerateBackground(ctx, prompt, emotion)
		if err != nil {
			return backgroundImage{}, err
		}
		path := fmt.Sprintf("projects/%s/backgrounds/scene_%d_background.png", sc.ProjectID, sc.Position)
		url, err := p.Store.Upload(ctx, path, data, "image/png")
		if err != nil {
			return backgroundImage{}, err
		}
		return backgroundImage{storedFile: storedFile{URL: url, Path: path}, Prompt: prompt}, nil
	})
	if err != nil {
		return err
	}
	assetID, err := workflow.Step(r, "create-image-asset", func(ctx context.Context) (string, error) {
		return p.createAsset(ctx, &models.Asset{
			ProjectID:   sc.ProjectID,
			SceneID:     &sc.ID,
			Kind:        models.AssetBackgroundImage,
			URL:         img.URL,
			StoragePath: img.Path,
			Metadata:    models.JSONMap{"priority": sc.Priority, "provider": "openai", "imagePrompt": img.Prompt},
		})
	})
	if err != nil {
		return err
	}

	if sc.Priority == models.PriorityMedium {
		if err := p.markStage(r, "mark-completed", sc.ID, models.StageBackground, models.StageStatusCompleted,
			map[string]interface{}{"background_asset_id": assetID}); err != nil {
			return err
		}
		_, err := r.Publish("background-completed", events.BackgroundCompleted{
			SceneRef: ev.SceneRef, AssetID: assetID, URL: img.URL, BackgroundType: BackgroundImage,
		})
		return err
	}

	if err := r.Do("attach-image", func(ctx context.Context) error {
		return models.UpdateSceneFields(p.db(ctx), sc.ID, map[string]interface{}{"background_asset_id": assetID})
	}); err != nil {
		return err
	}
	log.Info("background image ready; requesting video")
	_, err = r.Publish("request-video", events.VeoRequested{
		SceneRef:     ev.SceneRef,
		ImageAssetID: assetID,
		ImageURL:     img.URL,
		VideoPrompt:  firstNonEmpty(sc.VideoPrompt, providers.DefaultVideoPrompt),
		Emotion:      emotion,
	})
	return err
}

type videoLaunch struct {
	Operation       string `json:"operation"`
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"durationSeconds"`
}

// generateVideo animates the background still. The clip length follows the
// measured narration.
func (p *Pipeline) generateVideo(r *workflow.Run) error {
	ev, err := workflow.Payload[events.VeoRequested](r)
	if err != nil {
		return err
	}
	sc, err := p.fetchScene(r, ev.SceneID)
	if err != nil {
		return err
	}

	launch, err := workflow.Step(r, "start-video", func(ctx context.Context) (videoLaunch, error) {
		seconds := providers.VideoDuration(sc.AudioDurationSeconds)
		prompt := providers.VideoPrompt(firstNonEmpty(ev.VideoPrompt, sc.VideoPrompt, providers.DefaultVideoPrompt), seconds)
		image, err := p.Fetch.Fetch(ctx, ev.ImageURL)
		if err != nil {
			return videoLaunch{}, fmt.Errorf("download background image: %w", err)
		}
		op, err := p.Video.StartVideo(ctx, providers.VideoRequest{
			Image:           image,
			MimeType:        http.DetectContentType(image),
			Prompt:          prompt,
			DurationSeconds: seconds,
		})
		if err != nil {
			return videoLaunch{}, err
		}
		return videoLaunch{Operation: op, Prompt: prompt, DurationSeconds: seconds}, nil
	})
	if err != nil {
		return err
	}
	jobID, err := workflow.Step(r, "create-render-job", func(ctx context.Context) (string, error) {
		j := &models.RenderJob{
			ProjectID:  sc.ProjectID,
			SceneID:    sc.ID,
			Provider:   models.ProviderVeo,
			ExternalID: launch.Operation,
			Metadata: models.JSONMap{
				"imageAssetId":    ev.ImageAssetID,
				"prompt":          launch.Prompt,
				"durationSeconds": launch.DurationSeconds,
				"emotion":         ev.Emotion,
			},
		}
		if err := models.CreateRenderJob(p.db(ctx), j); err != nil {
			return "", err
		}
		return j.ID, nil
	})
	if err != nil {
		return err
	}
	if err := p.markStage(r, "mark-processing", sc.ID, models.StageBackground, models.StageStatusProcessing, nil); err != nil {
		return err
	}
	_, err = r.Publish("start-polling", events.VeoPolling{
		SceneRef:      ev.SceneRef,
		RenderJobID:   jobID,
		OperationName: launch.Operation,
		ImageAssetID:  ev.ImageAssetID,
		Attempt:       1,
		MaxAttempts:   p.Config.VeoPoll.MaxAttempts,
	})
	return err
}

func (p *Pipeline) pollVideo(r *workflow.Run) error {
	ev, err := workflow.Payload[events.VeoPolling](r)
	if err != nil {
		return err
	}
	return p.poll(r, pollJob{
		ref:         ev.SceneRef,
		jobID:       ev.RenderJobID,
		attempt:     ev.Attempt,
		maxAttempts: ev.MaxAttempts,
		provider:    models.ProviderVeo,
		stage:       models.StageBackground,
		policy:      p.Config.VeoPoll,
		check: func(ctx context.Context, sc models.Scene) (pollResult, error) {
			st, err := p.Video.CheckVideo(ctx, ev.OperationName)
			if err != nil {
				return classifyCheckError(ctx, err)
			}
			switch {
			case !st.Done:
				return pollResult{State: pollProcessing}, nil
			case st.Error != "":
				return pollResult{State: pollFailed, Error: "Veo operation failed: " + st.Error}, nil
			case len(st.Video) == 0:
				return pollResult{State: pollMissing, Error: "Veo operation is done but returned no video"}, nil
			}
			path := fmt.Sprintf("projects/%s/backgrounds/scene_%d_background.mp4", sc.ProjectID, sc.Position)
			url, err := p.Store.Upload(ctx, path, st.Video, "video/mp4")
			if err != nil {
				return pollResult{}, err
			}
			return pollResult{State: pollDone, storedFile: storedFile{URL: url, Path: path}}, nil
		},
		assetKind:   models.AssetBackgroundVideo,
		assetColumn: "background_asset_id",
		assetMeta: models.JSONMap{
			"provider":      "veo",
			"operationName": ev.OperationName,
			"imageAssetId":  ev.ImageAssetID,
		},
		completed: func(assetID, url string) events.Payload {
			return events.BackgroundCompleted{SceneRef: ev.SceneRef, AssetID: assetID, URL: url, BackgroundType: BackgroundVideo}
		},
		next: func(attempt int) events.Payload {
			n := ev
			n.Attempt = attempt
			return n
		},
	})
}

// RetryVideo is the manual recovery of a failed background video: the stage
// goes back to generating and the latest background still is animated again.
func (p *Pipeline) RetryVideo(ctx context.Context, projectID, sceneID, userID, videoPrompt, emotion string) error {
	db := p.db(ctx)
	sc, err := models.GetSceneByIDGorm(db, sceneID)
	if err != nil {
		return err
	}
	if sc.ProjectID != projectID {
		return ErrSceneNotInProject
	}
	img, err := models.LatestAsset(db, projectID, &sc.ID, models.AssetBackgroundImage)
	if err != nil {
		return err
	}
	if img == nil {
		return ErrNoBackgroundImage
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		ok, err := models.ResetStage(tx, sc.ID, models.StageBackground)
		if err != nil {
			return err
		}
		if !ok {
			return ErrStageNotFailed
		}
		if videoPrompt != "" {
			return models.UpdateSceneFields(tx, sc.ID, map[string]interface{}{"video_prompt": videoPrompt})
		}
		return nil
	})
	if err != nil {
		return err
	}

	_, err = p.engine.Publish(ctx, events.VeoRequested{
		SceneRef:     events.SceneRef{SceneID: sc.ID, ProjectID: projectID, UserID: userID},
		ImageAssetID: img.ID,
		ImageURL:     img.URL,
		VideoPrompt:  firstNonEmpty(videoPrompt, sc.VideoPrompt, providers.DefaultVideoPrompt),
		Emotion:      firstNonEmpty(emotion, sceneEmotion(*sc)),
	})
	return err
}
