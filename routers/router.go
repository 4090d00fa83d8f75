package routers

import (
	"net/http"

	"AvatarVideo-server/metrics"
	"AvatarVideo-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter(h *api.Handler, m *metrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", h.CreateProject)
		v1.GET("/projects/:project_id", h.GetProject)
		v1.POST("/projects/:project_id/script", h.GenerateScript)
		v1.GET("/projects/:project_id/scenes", h.GetScenes)
		v1.PATCH("/projects/:project_id/scenes/:scene_id", h.UpdateScene)
		v1.POST("/projects/:project_id/process-scenes", h.ProcessScenes)
		v1.POST("/projects/:project_id/render", h.ProcessScenes)
		v1.POST("/projects/:project_id/scenes/:scene_id/retry-video", h.RetryVideo)
		v1.GET("/projects/:project_id/wss", h.ProjectProgressWebSocket)
		v1.POST("/admin/recover-stuck", h.RecoverStuck)
	}
	return r
}
