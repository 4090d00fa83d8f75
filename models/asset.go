package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	AssetAudio           = "audio"
	AssetAvatarVideo     = "avatar_video"
	AssetBackgroundImage = "background_image"
	AssetBackgroundVideo = "background_video"
	AssetAvatarDesign    = "avatar_design"
	AssetFinalVideo      = "final_video"
)

// Asset is immutable once written. A regenerated artifact is a new row.
type Asset struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID   string    `gorm:"type:varchar(64);index:idx_asset_lookup,priority:1" json:"projectId"`
	SceneID     *string   `gorm:"type:varchar(64);index:idx_asset_lookup,priority:2" json:"sceneId"`
	Kind        string    `gorm:"type:varchar(32);index:idx_asset_lookup,priority:3" json:"kind"`
	URL         string    `gorm:"type:text" json:"url"`
	StoragePath string    `gorm:"type:varchar(512)" json:"storagePath"`
	Metadata    JSONMap   `gorm:"type:json" json:"metadata"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (Asset) TableName() string {
	return "asset"
}

func CreateAsset(db *gorm.DB, a *Asset) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Metadata == nil {
		a.Metadata = JSONMap{}
	}
	return db.Create(a).Error
}

func GetAssetByIDGorm(db *gorm.DB, id string) (*Asset, error) {
	var a Asset
	if err := db.First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// LatestAsset returns the newest asset of kind for the project, narrowed to a
// scene when sceneID is set. Nil when there is none.
func LatestAsset(db *gorm.DB, projectID string, sceneID *string, kind string) (*Asset, error) {
	q := db.Where("project_id = ? AND kind = ?", projectID, kind)
	if sceneID != nil {
		q = q.Where("scene_id = ?", *sceneID)
	}
	var assets []Asset
	if err := q.Order("created_at DESC").Limit(1).Find(&assets).Error; err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, nil
	}
	return &assets[0], nil
}

func CountAssets(db *gorm.DB, projectID, kind string) (int64, error) {
	var n int64
	err := db.Model(&Asset{}).Where("project_id = ? AND kind = ?", projectID, kind).Count(&n).Error
	return n, err
}
