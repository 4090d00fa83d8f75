package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"AvatarVideo-server/models"
	"AvatarVideo-server/pipeline"

	"github.com/gin-gonic/gin"
)

// GetScenes lists the scenes of a project in order.
// GET /v1/api/projects/:project_id/scenes
func (h *Handler) GetScenes(c *gin.Context) {
	projectID := c.Param("project_id")
	db := h.DB.WithContext(c.Request.Context())
	if _, err := models.GetProjectByIDGorm(db, projectID); err != nil {
		h.abort(c, err)
		return
	}
	scenes, err := models.GetScenesByProject(db, projectID)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scenes":      scenes,
		"projectId":   projectID,
		"totalScenes": len(scenes),
	})
}

type updateSceneRequest struct {
	ScriptText        *string `json:"scriptText"`
	VisualDescription *string `json:"visualDescription"`
	ImagePrompt       *string `json:"imagePrompt"`
	VideoPrompt       *string `json:"videoPrompt"`
	Emotion           *string `json:"emotion"`
}

func (r updateSceneRequest) updates() map[string]interface{} {
	updates := map[string]interface{}{}
	set := func(column string, v *string) {
		if v != nil {
			updates[column] = *v
		}
	}
	set("script_text", r.ScriptText)
	set("visual_description", r.VisualDescription)
	set("image_prompt", r.ImagePrompt)
	set("video_prompt", r.VideoPrompt)
	set("emotion", r.Emotion)
	return updates
}

// UpdateScene edits a scene's text before it is rendered. Scenes of a
// project that is rendering are locked.
// PATCH /v1/api/projects/:project_id/scenes/:scene_id
func (h *Handler) UpdateScene(c *gin.Context) {
	var req updateSceneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ScriptText != nil && strings.TrimSpace(*req.ScriptText) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scriptText must not be empty"})
		return
	}
	updates := req.updates()
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no editable fields given"})
		return
	}

	projectID, sceneID := c.Param("project_id"), c.Param("scene_id")
	db := h.DB.WithContext(c.Request.Context())
	project, err := models.GetProjectByIDGorm(db, projectID)
	if err != nil {
		h.abort(c, err)
		return
	}
	if project.Status == models.ProjectStatusRendering {
		h.abort(c, models.ErrProjectBusy)
		return
	}
	sc, err := models.GetSceneByIDGorm(db, sceneID)
	if err != nil {
		h.abort(c, err)
		return
	}
	if sc.ProjectID != projectID {
		h.abort(c, pipeline.ErrSceneNotInProject)
		return
	}
	if err := models.UpdateSceneFields(db, sceneID, updates); err != nil {
		h.abort(c, err)
		return
	}
	if sc, err = models.GetSceneByIDGorm(db, sceneID); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scene": sc})
}

type retryVideoRequest struct {
	VideoPrompt string `json:"videoPrompt"`
	Emotion     string `json:"emotion"`
}

// RetryVideo animates a failed scene background again.
// POST /v1/api/projects/:project_id/scenes/:scene_id/retry-video
func (h *Handler) RetryVideo(c *gin.Context) {
	var req retryVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	projectID, sceneID := c.Param("project_id"), c.Param("scene_id")
	if err := h.Renderer.RetryVideo(c.Request.Context(), projectID, sceneID, userID(c), req.VideoPrompt, req.Emotion); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"projectId": projectID, "sceneId": sceneID, "backgroundStatus": models.StageStatusGenerating})
}

// RecoverStuck fails stages left open for too long.
// POST /v1/api/admin/recover-stuck?older_than=30m
func (h *Handler) RecoverStuck(c *gin.Context) {
	olderThan := h.StuckAfter
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "older_than must be a positive duration"})
			return
		}
		olderThan = d
	}
	n, err := h.Renderer.RecoverStuckScenes(c.Request.Context(), olderThan)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovered": n, "olderThan": olderThan.String()})
}
