package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"AvatarVideo-server/events"
	"AvatarVideo-server/logger"
	"AvatarVideo-server/media"
	"AvatarVideo-server/models"
	"AvatarVideo-server/workflow"

	"golang.org/x/sync/errgroup"
)

const downloadConcurrency = 4

// composeInput names the stored media of one scene.
type composeInput struct {
	Position       int    `json:"position"`
	AvatarPath     string `json:"avatarPath"`
	BackgroundPath string `json:"backgroundPath,omitempty"`
	BackgroundKind string `json:"backgroundKind"`
}

// composeVideo overlays every scene's avatar on its background, joins the
// scenes in order and stores the result as the project's final video.
func (p *Pipeline) composeVideo(r *workflow.Run) error {
	ev, err := workflow.Payload[events.VideoCompose](r)
	if err != nil {
		return err
	}
	log := r.Logger().With("project_id", ev.ProjectID)

	inputs, err := workflow.Step(r, "collect-scene-assets", func(ctx context.Context) ([]composeInput, error) {
		return p.collectSceneAssets(ctx, ev.ProjectID)
	})
	if err != nil {
		return err
	}
	log.Info("composing final video", "scenes", len(inputs))

	final, err := workflow.Step(r, "compose-and-upload", func(ctx context.Context) (storedFile, error) {
		return p.composeAndUpload(ctx, log, ev.ProjectID, inputs)
	})
	if err != nil {
		return err
	}

	assetID, err := workflow.Step(r, "create-final-asset", func(ctx context.Context) (string, error) {
		return p.createAsset(ctx, &models.Asset{
			ProjectID:   ev.ProjectID,
			Kind:        models.AssetFinalVideo,
			URL:         final.URL,
			StoragePath: final.Path,
			Metadata:    models.JSONMap{"sceneCount": len(inputs)},
		})
	})
	if err != nil {
		return err
	}
	if err := r.Do("mark-rendered", func(ctx context.Context) error {
		return models.MarkProjectRendered(p.db(ctx), ev.ProjectID, assetID)
	}); err != nil {
		return err
	}
	log.Info("project rendered", "asset_id", assetID, "url", final.URL)
	return nil
}

func (p *Pipeline) collectSceneAssets(ctx context.Context, projectID string) ([]composeInput, error) {
	db := p.db(ctx)
	scenes, err := models.GetScenesByProject(db, projectID)
	if err != nil {
		return nil, err
	}
	if len(scenes) == 0 {
		return nil, workflow.Permanent(ErrNoScenes)
	}
	inputs := make([]composeInput, 0, len(scenes))
	for _, sc := range scenes {
		if sc.AvatarAssetID == nil {
			return nil, workflow.Permanent(fmt.Errorf("scene %d has no avatar video", sc.Position))
		}
		avatar, err := models.GetAssetByIDGorm(db, *sc.AvatarAssetID)
		if err != nil {
			return nil, fmt.Errorf("scene %d avatar: %w", sc.Position, err)
		}
		in := composeInput{Position: sc.Position, AvatarPath: avatar.StoragePath, BackgroundKind: media.BackgroundGradient}
		if sc.BackgroundAssetID != nil {
			bg, err := models.GetAssetByIDGorm(db, *sc.BackgroundAssetID)
			if err != nil {
				return nil, fmt.Errorf("scene %d background: %w", sc.Position, err)
			}
			switch bg.Kind {
			case models.AssetBackgroundVideo:
				in.BackgroundKind = media.BackgroundVideo
				in.BackgroundPath = bg.StoragePath
			case models.AssetBackgroundImage:
				in.BackgroundKind = media.BackgroundImage
				in.BackgroundPath = bg.StoragePath
			}
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func (p *Pipeline) composeAndUpload(ctx context.Context, log *logger.Logger, projectID string, inputs []composeInput) (storedFile, error) {
	if err := os.MkdirAll(p.WorkDir, 0o755); err != nil {
		return storedFile{}, err
	}
	dir, err := os.MkdirTemp(p.WorkDir, "compose-"+projectID+"-")
	if err != nil {
		return storedFile{}, err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Error("removing compose workdir failed", "dir", dir, "error", err)
		}
	}()

	scenes := make([]media.SceneInput, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for i, in := range inputs {
		in := in // per-iteration copy: go 1.21 loop variables are shared across iterations
		avatar := filepath.Join(dir, fmt.Sprintf("scene_%d_avatar.mp4", in.Position))
		scenes[i] = media.SceneInput{Position: in.Position, AvatarPath: avatar, BackgroundKind: in.BackgroundKind}
		g.Go(func() error {
			return p.Store.Download(gctx, in.AvatarPath, avatar)
		})
		if in.BackgroundPath == "" {
			continue
		}
		bg := filepath.Join(dir, fmt.Sprintf("scene_%d_background%s", in.Position, filepath.Ext(in.BackgroundPath)))
		scenes[i].BackgroundPath = bg
		g.Go(func() error {
			return p.Store.Download(gctx, in.BackgroundPath, bg)
		})
	}
	if err := g.Wait(); err != nil {
		return storedFile{}, fmt.Errorf("download scene media: %w", err)
	}

	out := filepath.Join(dir, "final.mp4")
	if err := p.Media.Render(ctx, dir, scenes, out); err != nil {
		return storedFile{}, err
	}
	path := fmt.Sprintf("projects/%s/final/final_video.mp4", projectID)
	url, err := p.Store.UploadFile(ctx, path, out, "video/mp4")
	if err != nil {
		return storedFile{}, err
	}
	return storedFile{URL: url, Path: path}, nil
}

// composeFailed fails the project; its scenes keep their assets so a new
// render only recomposes.
func (p *Pipeline) composeFailed(r *workflow.Run, cause error) {
	ev, ok := r.Event.Payload.(events.VideoCompose)
	if !ok {
		return
	}
	msg := fmt.Sprintf("Video composition failed: %v", cause)
	if _, err := models.SetProjectStatus(p.db(r.Context()), ev.ProjectID, models.ProjectStatusFailed, msg); err != nil {
		r.Logger().Error("recording compose failure failed", "project_id", ev.ProjectID, "error", err)
	}
}
