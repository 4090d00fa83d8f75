package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	ProjectStatusDraft           = "draft"
	ProjectStatusScriptGenerated = "script_generated"
	ProjectStatusRendering       = "rendering"
	ProjectStatusRendered        = "rendered"
	ProjectStatusFailed          = "failed"

	AvatarModePreset = "preset"
	AvatarModeCustom = "custom"

	DesignStatusPending    = "pending"
	DesignStatusGenerating = "generating"
	DesignStatusCompleted  = "completed"
	DesignStatusFailed     = "failed"
)

var ErrProjectBusy = errors.New("project is already rendering")

type Project struct {
	ID                   string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID               string          `gorm:"type:varchar(64);index" json:"userId"`
	Title                string          `json:"title"`
	SourceText           string          `gorm:"type:text" json:"sourceText"`
	DurationSeconds      int             `json:"durationSeconds"`
	AvatarMode           string          `gorm:"type:varchar(16)" json:"avatarMode"`
	AvatarDesignStatus   string          `gorm:"type:varchar(16)" json:"avatarDesignStatus"`
	AvatarDesignAssetID  *string         `gorm:"type:varchar(64)" json:"avatarDesignAssetId"`
	AvatarDesignMetadata JSONMap         `gorm:"type:json" json:"avatarDesignMetadata"`
	Status               string          `gorm:"type:varchar(24);index" json:"status"`
	Settings             ProjectSettings `gorm:"type:json" json:"settings"`
	FinalVideoAssetID    *string         `gorm:"type:varchar(64)" json:"finalVideoAssetId"`
	ErrorMessage         string          `gorm:"type:text" json:"errorMessage"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}

type ProjectSettings struct {
	BackgroundQuality string                `json:"backgroundQuality,omitempty"`
	AvatarDesign      *AvatarDesignSettings `json:"avatarDesign,omitempty"`
}

type AvatarDesignSettings struct {
	Gender      string `json:"gender,omitempty"`
	Style       string `json:"style,omitempty"`
	AgeRange    string `json:"ageRange,omitempty"`
	Attire      string `json:"attire,omitempty"`
	Background  string `json:"background,omitempty"`
	Description string `json:"description,omitempty"`
}

func (s ProjectSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *ProjectSettings) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("scan ProjectSettings: unsupported type %T", value)
	}
}

// Gender is the voice selector for custom avatars, female unless set.
func (s ProjectSettings) Gender() string {
	if s.AvatarDesign != nil && s.AvatarDesign.Gender == "male" {
		return "male"
	}
	return "female"
}

func CreateProject(db *gorm.DB, p *Project) error {
	if p.Status == "" {
		p.Status = ProjectStatusDraft
	}
	if p.AvatarMode == "" {
		p.AvatarMode = AvatarModePreset
	}
	if p.AvatarDesignStatus == "" {
		p.AvatarDesignStatus = DesignStatusPending
	}
	return db.Create(p).Error
}

func GetProjectByIDGorm(db *gorm.DB, id string) (*Project, error) {
	var p Project
	if err := db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// SetProjectStatus moves the project to status when its current status is one
// of from (any status when from is empty). It reports whether a row changed.
func SetProjectStatus(db *gorm.DB, id, status, errMsg string, from ...string) (bool, error) {
	q := db.Model(&Project{}).Where("id = ?", id)
	if len(from) > 0 {
		q = q.Where("status IN ?", from)
	}
	res := q.Updates(map[string]interface{}{
		"status":        status,
		"error_message": errMsg,
		"updated_at":    time.Now(),
	})
	return res.RowsAffected > 0, res.Error
}

// BeginRender flips the project to rendering. A project already rendering is
// refused with ErrProjectBusy.
func BeginRender(db *gorm.DB, id string) error {
	ok, err := SetProjectStatus(db, id, ProjectStatusRendering, "",
		ProjectStatusDraft, ProjectStatusScriptGenerated, ProjectStatusRendered, ProjectStatusFailed)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := GetProjectByIDGorm(db, id); err != nil {
			return err
		}
		return ErrProjectBusy
	}
	return nil
}

func MarkProjectRendered(db *gorm.DB, id, finalAssetID string) error {
	return db.Model(&Project{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":               ProjectStatusRendered,
		"final_video_asset_id": finalAssetID,
		"error_message":        "",
		"updated_at":           time.Now(),
	}).Error
}

func SetAvatarDesign(db *gorm.DB, id, status string, assetID *string, meta JSONMap) error {
	updates := map[string]interface{}{
		"avatar_design_status": status,
		"updated_at":           time.Now(),
	}
	if assetID != nil {
		updates["avatar_design_asset_id"] = *assetID
	}
	if meta != nil {
		updates["avatar_design_metadata"] = meta
	}
	return db.Model(&Project{}).Where("id = ?", id).Updates(updates).Error
}
