package pipeline

import (
	"context"
	"errors"
	"fmt"

	"AvatarVideo-server/events"
	"AvatarVideo-server/models"
	"AvatarVideo-server/providers"
	"AvatarVideo-server/workflow"
)

type avatarInputs struct {
	ImageURL    string `json:"imageUrl"`
	ImageSource string `json:"imageSource"`
	AudioURL    string `json:"audioUrl"`
}

// generateAvatar launches the lip-sync job for the scene audio and hands the
// job over to the avatar poller.
func (p *Pipeline) generateAvatar(r *workflow.Run) error {
	ev, err := workflow.Payload[events.AvatarRequested](r)
	if err != nil {
		return err
	}
	sc, err := p.fetchScene(r, ev.SceneID)
	if err != nil {
		return err
	}
	if sc.AudioAssetID == nil {
		return workflow.Permanent(errors.New("scene has no audio to lip-sync"))
	}
	if err := p.markStage(r, "mark-generating", sc.ID, models.StageAvatar, models.StageStatusGenerating, nil); err != nil {
		return err
	}

	in, err := workflow.Step(r, "resolve-inputs", func(ctx context.Context) (avatarInputs, error) {
		return p.resolveAvatarInputs(ctx, sc)
	})
	if err != nil {
		return err
	}
	talkID, err := workflow.Step(r, "create-talk", func(ctx context.Context) (string, error) {
		return p.Talks.CreateTalk(ctx, in.ImageURL, in.AudioURL)
	})
	if err != nil {
		return err
	}
	jobID, err := workflow.Step(r, "create-render-job", func(ctx context.Context) (string, error) {
		j := &models.RenderJob{
			ProjectID:  sc.ProjectID,
			SceneID:    sc.ID,
			Provider:   models.ProviderDID,
			ExternalID: talkID,
			Metadata:   models.JSONMap{"imageSource": in.ImageSource},
		}
		if err := models.CreateRenderJob(p.db(ctx), j); err != nil {
			return "", err
		}
		return j.ID, nil
	})
	if err != nil {
		return err
	}
	if err := p.markStage(r, "mark-processing", sc.ID, models.StageAvatar, models.StageStatusProcessing, nil); err != nil {
		return err
	}
	_, err = r.Publish("start-polling", events.AvatarPolling{
		SceneRef:    ev.SceneRef,
		RenderJobID: jobID,
		TalkID:      talkID,
		Attempt:     1,
		MaxAttempts: p.Config.AvatarPoll.MaxAttempts,
	})
	return err
}

// resolveAvatarInputs picks the custom design when one was generated and the
// preset presenter otherwise. It never waits for a design.
func (p *Pipeline) resolveAvatarInputs(ctx context.Context, sc models.Scene) (avatarInputs, error) {
	db := p.db(ctx)
	audio, err := models.GetAssetByIDGorm(db, *sc.AudioAssetID)
	if err != nil {
		return avatarInputs{}, fmt.Errorf("load audio asset: %w", err)
	}
	in := avatarInputs{ImageURL: p.AvatarURL, ImageSource: models.AvatarModePreset, AudioURL: audio.URL}

	project, err := models.GetProjectByIDGorm(db, sc.ProjectID)
	if err != nil {
		return avatarInputs{}, err
	}
	if project.AvatarMode == models.AvatarModeCustom &&
		project.AvatarDesignStatus == models.DesignStatusCompleted &&
		project.AvatarDesignAssetID != nil {
		design, err := models.GetAssetByIDGorm(db, *project.AvatarDesignAssetID)
		if err != nil {
			return avatarInputs{}, fmt.Errorf("load avatar design: %w", err)
		}
		in.ImageURL = design.URL
		in.ImageSource = models.AvatarModeCustom
	}
	return in, nil
}

func (p *Pipeline) pollAvatar(r *workflow.Run) error {
	ev, err := workflow.Payload[events.AvatarPolling](r)
	if err != nil {
		return err
	}
	return p.poll(r, pollJob{
		ref:         ev.SceneRef,
		jobID:       ev.RenderJobID,
		attempt:     ev.Attempt,
		maxAttempts: ev.MaxAttempts,
		provider:    models.ProviderDID,
		stage:       models.StageAvatar,
		policy:      p.Config.AvatarPoll,
		check: func(ctx context.Context, sc models.Scene) (pollResult, error) {
			st, err := p.Talks.TalkStatus(ctx, ev.TalkID)
			if err != nil {
				return classifyCheckError(ctx, err)
			}
			switch st.Status {
			case providers.TalkDone:
				if st.ResultURL == "" {
					return pollResult{State: pollMissing, Error: "D-ID talk is done but has no result URL"}, nil
				}
				video, err := p.Fetch.Fetch(ctx, st.ResultURL)
				if err != nil {
					return pollResult{}, fmt.Errorf("download talk result: %w", err)
				}
				path := fmt.Sprintf("projects/%s/avatars/scene_%d_avatar.mp4", sc.ProjectID, sc.Position)
				url, err := p.Store.Upload(ctx, path, video, "video/mp4")
				if err != nil {
					return pollResult{}, err
				}
				return pollResult{State: pollDone, storedFile: storedFile{URL: url, Path: path}}, nil
			case providers.TalkError, providers.TalkRejected:
				return pollResult{State: pollFailed, Error: "D-ID talk failed: " + st.ErrorMessage()}, nil
			default:
				return pollResult{State: pollProcessing}, nil
			}
		},
		assetKind:   models.AssetAvatarVideo,
		assetColumn: "avatar_asset_id",
		assetMeta:   models.JSONMap{"provider": "d-id", "talkId": ev.TalkID},
		completed: func(assetID, url string) events.Payload {
			return events.AvatarCompleted{SceneRef: ev.SceneRef, AssetID: assetID, VideoURL: url}
		},
		next: func(attempt int) events.Payload {
			n := ev
			n.Attempt = attempt
			return n
		},
	})
}
