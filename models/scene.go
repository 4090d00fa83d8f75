package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	StageStatusPending    = "pending"
	StageStatusGenerating = "generating"
	StageStatusProcessing = "processing"
	StageStatusCompleted  = "completed"
	StageStatusFailed     = "failed"

	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Stage names a per-scene status column.
type Stage string

const (
	StageTTS        Stage = "tts_status"
	StageAvatar     Stage = "avatar_status"
	StageBackground Stage = "background_status"
)

// forwardFrom lists the statuses a stage may leave for each target status.
// Completed and failed are terminal; only ResetStage leaves them.
var forwardFrom = map[string][]string{
	StageStatusGenerating: {StageStatusPending, StageStatusGenerating, StageStatusProcessing},
	StageStatusProcessing: {StageStatusGenerating, StageStatusProcessing},
	StageStatusCompleted:  {StageStatusPending, StageStatusGenerating, StageStatusProcessing},
	StageStatusFailed:     {StageStatusPending, StageStatusGenerating, StageStatusProcessing},
}

type Scene struct {
	ID                   string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID            string    `gorm:"type:varchar(64);uniqueIndex:idx_scene_position,priority:1" json:"projectId"`
	Position             int       `gorm:"uniqueIndex:idx_scene_position,priority:2" json:"position"`
	ScriptText           string    `gorm:"type:text" json:"scriptText"`
	VisualDescription    string    `gorm:"type:text" json:"visualDescription"`
	DurationSeconds      float64   `json:"durationSeconds"`
	AudioDurationSeconds *float64  `json:"audioDurationSeconds"`
	TTSStatus            string    `gorm:"column:tts_status;type:varchar(16)" json:"ttsStatus"`
	AvatarStatus         string    `gorm:"type:varchar(16)" json:"avatarStatus"`
	BackgroundStatus     string    `gorm:"type:varchar(16)" json:"backgroundStatus"`
	Priority             string    `gorm:"type:varchar(8)" json:"priority"`
	Emotion              string    `gorm:"type:varchar(32)" json:"emotion"`
	ImagePrompt          string    `gorm:"type:text" json:"imagePrompt"`
	VideoPrompt          string    `gorm:"type:text" json:"videoPrompt"`
	AudioAssetID         *string   `gorm:"type:varchar(64)" json:"audioAssetId"`
	AvatarAssetID        *string   `gorm:"type:varchar(64)" json:"avatarAssetId"`
	BackgroundAssetID    *string   `gorm:"type:varchar(64)" json:"backgroundAssetId"`
	Metadata             JSONMap   `gorm:"type:json" json:"metadata"`
	ErrorMessage         string    `gorm:"type:text" json:"errorMessage"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

func (Scene) TableName() string {
	return "scene"
}

func (s *Scene) StageStatus(stage Stage) string {
	switch stage {
	case StageTTS:
		return s.TTSStatus
	case StageAvatar:
		return s.AvatarStatus
	case StageBackground:
		return s.BackgroundStatus
	}
	return ""
}

// SceneDraft is one segment of a generated script.
type SceneDraft struct {
	ScriptText        string  `json:"scriptText"`
	VisualDescription string  `json:"visualDescription"`
	DurationSeconds   float64 `json:"durationSeconds"`
	Priority          string  `json:"priority"`
	Emotion           string  `json:"emotion"`
	ImagePrompt       string  `json:"imagePrompt,omitempty"`
	VideoPrompt       string  `json:"videoPrompt,omitempty"`
}

// CreateScenesFromScript replaces the project's scenes with drafts, numbered
// 1..N in order, and moves the project to script_generated.
func CreateScenesFromScript(db *gorm.DB, projectID string, drafts []SceneDraft) ([]Scene, error) {
	if len(drafts) == 0 {
		return nil, errors.New("script has no scenes")
	}
	scenes := make([]Scene, 0, len(drafts))
	for i, d := range drafts {
		priority := d.Priority
		switch priority {
		case PriorityHigh, PriorityMedium, PriorityLow:
		default:
			priority = PriorityMedium
		}
		scenes = append(scenes, Scene{
			ID:                uuid.NewString(),
			ProjectID:         projectID,
			Position:          i + 1,
			ScriptText:        d.ScriptText,
			VisualDescription: d.VisualDescription,
			DurationSeconds:   d.DurationSeconds,
			TTSStatus:         StageStatusPending,
			AvatarStatus:      StageStatusPending,
			BackgroundStatus:  StageStatusPending,
			Priority:          priority,
			Emotion:           d.Emotion,
			ImagePrompt:       d.ImagePrompt,
			VideoPrompt:       d.VideoPrompt,
			Metadata:          JSONMap{},
		})
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		var p Project
		if err := tx.First(&p, "id = ?", projectID).Error; err != nil {
			return err
		}
		if p.Status == ProjectStatusRendering {
			return ErrProjectBusy
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&Scene{}).Error; err != nil {
			return err
		}
		if err := tx.Create(&scenes).Error; err != nil {
			return err
		}
		return tx.Model(&Project{}).Where("id = ?", projectID).Updates(map[string]interface{}{
			"status":     ProjectStatusScriptGenerated,
			"updated_at": time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return scenes, nil
}

func GetSceneByIDGorm(db *gorm.DB, id string) (*Scene, error) {
	var s Scene
	if err := db.First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func GetScenesByProject(db *gorm.DB, projectID string) ([]Scene, error) {
	var scenes []Scene
	err := db.Where("project_id = ?", projectID).Order("position ASC").Find(&scenes).Error
	return scenes, err
}

// NextScene returns the scene after position, or nil after the last one.
func NextScene(db *gorm.DB, projectID string, position int) (*Scene, error) {
	var scenes []Scene
	err := db.Where("project_id = ? AND position > ?", projectID, position).
		Order("position ASC").Limit(1).Find(&scenes).Error
	if err != nil || len(scenes) == 0 {
		return nil, err
	}
	return &scenes[0], nil
}

// SetStageStatus moves one stage forward. Backward moves are refused and
// reported as false. extra is written in the same statement.
func SetStageStatus(db *gorm.DB, sceneID string, stage Stage, status string, extra map[string]interface{}) (bool, error) {
	from, ok := forwardFrom[status]
	if !ok {
		return false, fmt.Errorf("unknown stage status %q", status)
	}
	updates := map[string]interface{}{
		string(stage): status,
		"updated_at":  time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.Model(&Scene{}).
		Where("id = ?", sceneID).
		Where(string(stage)+" IN ?", from).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

// ResetStage is the out-of-band recovery path: it moves a failed stage back to
// generating.
func ResetStage(db *gorm.DB, sceneID string, stage Stage) (bool, error) {
	res := db.Model(&Scene{}).
		Where("id = ?", sceneID).
		Where(string(stage)+" = ?", StageStatusFailed).
		Updates(map[string]interface{}{
			string(stage):   StageStatusGenerating,
			"error_message": "",
			"updated_at":    time.Now(),
		})
	return res.RowsAffected > 0, res.Error
}

func UpdateSceneFields(db *gorm.DB, sceneID string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return db.Model(&Scene{}).Where("id = ?", sceneID).Updates(updates).Error
}

// StaleScenes returns scenes with any stage still generating or processing
// that have not been touched since before.
func StaleScenes(db *gorm.DB, before time.Time) ([]Scene, error) {
	open := []string{StageStatusGenerating, StageStatusProcessing}
	var scenes []Scene
	err := db.Where("updated_at < ?", before).
		Where("tts_status IN ? OR avatar_status IN ? OR background_status IN ?", open, open, open).
		Order("project_id, position").
		Find(&scenes).Error
	return scenes, err
}

// Stages lists the per-scene stages in pipeline order.
var Stages = []Stage{StageTTS, StageAvatar, StageBackground}

// Faulted reports whether any stage of the scene failed.
func (s *Scene) Faulted() bool {
	for _, st := range Stages {
		if s.StageStatus(st) == StageStatusFailed {
			return true
		}
	}
	return false
}

// Done reports whether every stage of the scene completed.
func (s *Scene) Done() bool {
	for _, st := range Stages {
		if s.StageStatus(st) != StageStatusCompleted {
			return false
		}
	}
	return true
}

// Open reports whether any stage of the scene is still in flight.
func (s *Scene) Open() bool {
	for _, st := range Stages {
		switch s.StageStatus(st) {
		case StageStatusGenerating, StageStatusProcessing:
			return true
		}
	}
	return false
}
