package api

import (
	"net/http"
	"strings"

	"AvatarVideo-server/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type createProjectRequest struct {
	Title           string                 `json:"title"`
	SourceText      string                 `json:"sourceText"`
	DurationSeconds int                    `json:"durationSeconds"`
	AvatarMode      string                 `json:"avatarMode"`
	Settings        models.ProjectSettings `json:"settings"`
}

// CreateProject stores a draft project. POST /v1/api/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.SourceText) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sourceText is required"})
		return
	}
	switch req.AvatarMode {
	case "", models.AvatarModePreset, models.AvatarModeCustom:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "avatarMode must be preset or custom"})
		return
	}
	if req.DurationSeconds <= 0 {
		req.DurationSeconds = 60
	}

	project := &models.Project{
		ID:              uuid.NewString(),
		UserID:          userID(c),
		Title:           req.Title,
		SourceText:      req.SourceText,
		DurationSeconds: req.DurationSeconds,
		AvatarMode:      req.AvatarMode,
		Settings:        req.Settings,
	}
	if err := models.CreateProject(h.DB.WithContext(c.Request.Context()), project); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": project})
}

// GetProject returns the project with its scenes and final video.
// GET /v1/api/projects/:project_id
func (h *Handler) GetProject(c *gin.Context) {
	db := h.DB.WithContext(c.Request.Context())
	project, err := models.GetProjectByIDGorm(db, c.Param("project_id"))
	if err != nil {
		h.abort(c, err)
		return
	}
	scenes, err := models.GetScenesByProject(db, project.ID)
	if err != nil {
		h.abort(c, err)
		return
	}
	final, err := models.LatestAsset(db, project.ID, nil, models.AssetFinalVideo)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project":    project,
		"scenes":     scenes,
		"finalVideo": final,
	})
}

// GenerateScript writes the scene script from the project's source text and
// replaces any earlier scenes. POST /v1/api/projects/:project_id/script
func (h *Handler) GenerateScript(c *gin.Context) {
	ctx := c.Request.Context()
	db := h.DB.WithContext(ctx)
	project, err := models.GetProjectByIDGorm(db, c.Param("project_id"))
	if err != nil {
		h.abort(c, err)
		return
	}
	if project.Status == models.ProjectStatusRendering {
		h.abort(c, models.ErrProjectBusy)
		return
	}
	drafts, err := h.Scripts.GenerateScript(ctx, project.SourceText, project.DurationSeconds)
	if err != nil {
		h.abort(c, err)
		return
	}
	scenes, err := models.CreateScenesFromScript(db, project.ID, drafts)
	if err != nil {
		h.abort(c, err)
		return
	}
	h.Log.Info("script generated", "project_id", project.ID, "scenes", len(scenes))
	c.JSON(http.StatusOK, gin.H{"projectId": project.ID, "scenes": scenes})
}

// ProcessScenes starts or resumes rendering.
// POST /v1/api/projects/:project_id/process-scenes
func (h *Handler) ProcessScenes(c *gin.Context) {
	projectID := c.Param("project_id")
	if err := h.Renderer.Start(c.Request.Context(), projectID, userID(c)); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"projectId": projectID, "status": models.ProjectStatusRendering})
}
