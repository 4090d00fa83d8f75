package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RenderJobProcessing = "processing"
	RenderJobCompleted  = "completed"
	RenderJobFailed     = "failed"

	ProviderDID = "did"
	ProviderVeo = "veo"
)

// RenderJob tracks one external long-running operation.
type RenderJob struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID    string    `gorm:"type:varchar(64);index" json:"projectId"`
	SceneID      string    `gorm:"type:varchar(64);index" json:"sceneId"`
	Provider     string    `gorm:"type:varchar(16)" json:"provider"`
	ExternalID   string    `gorm:"type:varchar(512)" json:"externalId"`
	Status       string    `gorm:"type:varchar(16);index" json:"status"`
	Metadata     JSONMap   `gorm:"type:json" json:"metadata"`
	ErrorMessage string    `gorm:"type:text" json:"errorMessage"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (RenderJob) TableName() string {
	return "render_job"
}

func CreateRenderJob(db *gorm.DB, j *RenderJob) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = RenderJobProcessing
	}
	if j.Metadata == nil {
		j.Metadata = JSONMap{}
	}
	return db.Create(j).Error
}

func GetRenderJobByIDGorm(db *gorm.DB, id string) (*RenderJob, error) {
	var j RenderJob
	if err := db.First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// RecordPoll stores the attempt count and check time on a job still open.
func (j *RenderJob) RecordPoll(db *gorm.DB, attempt int) error {
	meta := JSONMap{}
	for k, v := range j.Metadata {
		meta[k] = v
	}
	meta["pollAttempts"] = attempt
	meta["lastCheckedAt"] = time.Now().UTC().Format(time.RFC3339)
	j.Metadata = meta
	return db.Model(&RenderJob{}).
		Where("id = ? AND status = ?", j.ID, RenderJobProcessing).
		Updates(map[string]interface{}{"metadata": meta, "updated_at": time.Now()}).Error
}

// Finish moves an open job to a terminal status. Terminal jobs are left alone.
func (j *RenderJob) Finish(db *gorm.DB, status, errMsg string) error {
	return db.Model(&RenderJob{}).
		Where("id = ? AND status = ?", j.ID, RenderJobProcessing).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errMsg,
			"updated_at":    time.Now(),
		}).Error
}

// FailOpenJobsForScene fails every job of the scene still processing.
func FailOpenJobsForScene(db *gorm.DB, sceneID, errMsg string) (int64, error) {
	res := db.Model(&RenderJob{}).
		Where("scene_id = ? AND status = ?", sceneID, RenderJobProcessing).
		Updates(map[string]interface{}{
			"status":        RenderJobFailed,
			"error_message": errMsg,
			"updated_at":    time.Now(),
		})
	return res.RowsAffected, res.Error
}
