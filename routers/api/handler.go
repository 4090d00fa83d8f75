// Package api holds the gin handlers of the render server. Handlers only
// validate input and start work; rendering itself runs in the pipeline.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"AvatarVideo-server/logger"
	"AvatarVideo-server/models"
	"AvatarVideo-server/pipeline"
	"AvatarVideo-server/providers"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ScriptWriter splits a source document into scene drafts.
type ScriptWriter interface {
	GenerateScript(ctx context.Context, source string, durationSeconds int) ([]models.SceneDraft, error)
}

// Renderer starts and repairs renders.
type Renderer interface {
	Start(ctx context.Context, projectID, userID string) error
	RetryVideo(ctx context.Context, projectID, sceneID, userID, videoPrompt, emotion string) error
	RecoverStuckScenes(ctx context.Context, olderThan time.Duration) (int, error)
}

type Handler struct {
	DB       *gorm.DB
	Scripts  ScriptWriter
	Renderer Renderer
	Log      *logger.Logger
	// StuckAfter is the default age for stuck-scene recovery.
	StuckAfter time.Duration
	// ProgressInterval is how often the progress stream reads the store.
	ProgressInterval time.Duration
}

func NewHandler(db *gorm.DB, scripts ScriptWriter, renderer Renderer, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		DB:               db,
		Scripts:          scripts,
		Renderer:         renderer,
		Log:              log,
		StuckAfter:       15 * time.Minute,
		ProgressInterval: time.Second,
	}
}

// userID is trusted from the X-User-ID header.
func userID(c *gin.Context) string {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

// abort maps domain errors onto HTTP statuses.
func (h *Handler) abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, pipeline.ErrSceneNotInProject):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrProjectBusy),
		errors.Is(err, pipeline.ErrStageNotFailed),
		errors.Is(err, pipeline.ErrNoBackgroundImage):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrNoScenes):
		status = http.StatusUnprocessableEntity
	case providers.IsQuota(err):
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		h.Log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
