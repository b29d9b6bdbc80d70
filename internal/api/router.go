package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LJTian/FeedDigest/internal/extractor"
	"github.com/LJTian/FeedDigest/internal/pipeline"
	"github.com/LJTian/FeedDigest/internal/scheduler"
)

// 预览是同步抓外站，给个宽松一点的上限
const previewTimeout = 60 * time.Second

type Server struct {
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	router    *extractor.Router
}

func NewServer(p *pipeline.Pipeline, s *scheduler.Scheduler, r *extractor.Router) *Server {
	return &Server{pipeline: p, scheduler: s, router: r}
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/pipeline/run", s.runPipeline)
		v1.GET("/pipeline/status", s.pipelineStatus)
		v1.GET("/schedule", s.getSchedule)
		v1.PUT("/schedule", s.updateSchedule)
		v1.POST("/extract/preview", s.previewExtract)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// runPipeline 异步触发一轮采集并立即返回；已有运行在跑时返回 409
func (s *Server) runPipeline(c *gin.Context) {
	if !s.pipeline.TriggerAsync() {
		c.JSON(http.StatusConflict, gin.H{
			"code":    "busy",
			"message": "a pipeline run is already in progress",
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"code":    "ok",
		"message": "pipeline run started",
	})
}

func (s *Server) pipelineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"code": "ok",
		"data": s.pipeline.Status(),
	})
}

func (s *Server) getSchedule(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"code": "ok",
		"data": gin.H{"cron": s.scheduler.Spec()},
	})
}

func (s *Server) updateSchedule(c *gin.Context) {
	var req struct {
		Cron string `json:"cron"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "bad_request",
			"message": "invalid json body",
		})
		return
	}

	if err := s.scheduler.UpdateSchedule(req.Cron); err != nil {
		if errors.Is(err, scheduler.ErrInvalidSchedule) {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "invalid_schedule",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "internal_error",
			"message": "internal server error",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": "ok", "message": "schedule updated"})
}

// previewExtract 对一个临时构造的源做一次干跑，不落库；
// 管理界面用它调试抽取规则和 LLM 指令。
func (s *Server) previewExtract(c *gin.Context) {
	var req struct {
		URL          string          `json:"url"`
		Type         string          `json:"type"`
		Rules        json.RawMessage `json:"rules"`
		Instructions string          `json:"instructions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" || req.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "bad_request",
			"message": "url and type are required",
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), previewTimeout)
	defer cancel()

	posts, err := s.router.Extract(ctx, extractor.Source{
		URL:          req.URL,
		Type:         req.Type,
		Rules:        req.Rules,
		Instructions: req.Instructions,
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    "extract_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code": "ok",
		"data": gin.H{"count": len(posts), "posts": posts},
	})
}
