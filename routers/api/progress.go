package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"AvatarVideo-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type sceneProgress struct {
	ID               string `json:"id"`
	Position         int    `json:"position"`
	TTSStatus        string `json:"ttsStatus"`
	AvatarStatus     string `json:"avatarStatus"`
	BackgroundStatus string `json:"backgroundStatus"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
}

type progress struct {
	ProjectID         string          `json:"projectId"`
	Status            string          `json:"status"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
	FinalVideoAssetID *string         `json:"finalVideoAssetId,omitempty"`
	ScenesDone        int             `json:"scenesDone"`
	Scenes            []sceneProgress `json:"scenes"`
}

func loadProgress(db *gorm.DB, projectID string) (*progress, error) {
	project, err := models.GetProjectByIDGorm(db, projectID)
	if err != nil {
		return nil, err
	}
	scenes, err := models.GetScenesByProject(db, projectID)
	if err != nil {
		return nil, err
	}
	p := &progress{
		ProjectID:         project.ID,
		Status:            project.Status,
		ErrorMessage:      project.ErrorMessage,
		FinalVideoAssetID: project.FinalVideoAssetID,
		Scenes:            make([]sceneProgress, 0, len(scenes)),
	}
	for _, sc := range scenes {
		if sc.Done() {
			p.ScenesDone++
		}
		p.Scenes = append(p.Scenes, sceneProgress{
			ID:               sc.ID,
			Position:         sc.Position,
			TTSStatus:        sc.TTSStatus,
			AvatarStatus:     sc.AvatarStatus,
			BackgroundStatus: sc.BackgroundStatus,
			ErrorMessage:     sc.ErrorMessage,
		})
	}
	return p, nil
}

func (p *progress) finished() bool {
	return p.Status == models.ProjectStatusRendered || p.Status == models.ProjectStatusFailed
}

// ProjectProgressWebSocket streams the project's stage statuses. The store is
// the only source: it is read on an interval and changes are pushed until the
// project is rendered or failed. GET /v1/api/projects/:project_id/wss
func (h *Handler) ProjectProgressWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")
	db := h.DB.WithContext(c.Request.Context())
	cur, err := loadProgress(db, projectID)
	if err != nil {
		h.abort(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Warn("websocket upgrade failed", "project_id", projectID, "error", err)
		return
	}
	defer conn.Close()

	// The client never sends; reading only notices when it goes away.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(cur); err != nil || cur.finished() {
		return
	}
	last, _ := json.Marshal(cur)

	ticker := time.NewTicker(h.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		next, err := loadProgress(db, projectID)
		if err != nil {
			h.Log.Warn("reading progress failed", "project_id", projectID, "error", err)
			continue
		}
		b, _ := json.Marshal(next)
		if string(b) != string(last) {
			if err := conn.WriteJSON(next); err != nil {
				return
			}
			last = b
		}
		if next.finished() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, next.Status))
			return
		}
	}
}
