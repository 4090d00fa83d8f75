package pipeline

import (
	"context"
	"fmt"
	"time"

	"AvatarVideo-server/models"
)

// RecoverStuckScenes fails every stage left generating or processing for
// longer than olderThan, together with the scene's open render jobs. It
// returns the number of scenes touched. The affected projects can then be
// restarted with Start.
func (p *Pipeline) RecoverStuckScenes(ctx context.Context, olderThan time.Duration) (int, error) {
	db := p.db(ctx)
	stale, err := models.StaleScenes(db, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("find stuck scenes: %w", err)
	}
	msg := fmt.Sprintf("Stage stuck for more than %s; marked failed by recovery", olderThan)
	for _, sc := range stale {
		log := p.Log.With("scene_id", sc.ID, "project_id", sc.ProjectID, "position", sc.Position)
		for _, st := range models.Stages {
			switch sc.StageStatus(st) {
			case models.StageStatusGenerating, models.StageStatusProcessing:
				p.failStage(ctx, log, sc.ID, st, msg)
			}
		}
		n, err := models.FailOpenJobsForScene(db, sc.ID, msg)
		if err != nil {
			return 0, fmt.Errorf("fail render jobs of scene %s: %w", sc.ID, err)
		}
		log.Info("recovered stuck scene", "render_jobs_failed", n)
	}
	return len(stale), nil
}
