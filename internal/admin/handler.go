// ============================================================================
// printbridge Admin API - 本地管理介面
// ============================================================================
//
// Package: internal/admin
// 文件: handler.go
// 功能: 以 gin 提供本地 HTTP 管理端點（只綁定在 controller 主機上）
//
// 端點:
//   GET  /health                 存活檢查
//   GET  /metrics                Prometheus 指標（啟用時）
//   GET  /ws                     狀態轉換即時串流（websocket）
//   GET  /api/v1/session         目前工作階段與裝置健康狀態
//   POST /api/v1/session/cancel  取消目前工作階段 {"job_id"?, "reason"?}
//   GET  /api/v1/events          狀態轉換日誌 ?job_id=&limit=
//
// ============================================================================

package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ChuLiYu/printbridge/internal/controller"
	"github.com/ChuLiYu/printbridge/internal/journal"
	"github.com/ChuLiYu/printbridge/internal/logger"
	"github.com/ChuLiYu/printbridge/pkg/types"
	"github.com/gin-gonic/gin"
)

const (
	statusOK     = "ok"
	maxListLimit = 1000
)

// SessionService 工作階段查詢與取消（controller.Controller 實作）
type SessionService interface {
	GetStatus() controller.Status
	Cancel(jobID types.JobID, reason string) error
}

// EventLog 狀態轉換日誌查詢（journal.Journal 實作）
type EventLog interface {
	List(ctx context.Context, jobID types.JobID, limit int) ([]journal.Entry, error)
}

// Handler 把 HTTP 層接到 controller
type Handler struct {
	session SessionService
	events  EventLog
	metrics http.Handler
	hub     *Hub
	log     *logger.Logger
}

// NewHandler 建立 Handler；events 與 metrics 可為 nil（對應端點停用）
func NewHandler(session SessionService, events EventLog, metrics http.Handler, hub *Hub, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	return &Handler{
		session: session,
		events:  events,
		metrics: metrics,
		hub:     hub,
		log:     log.Named("admin"),
	}
}

// InitRoutes 建立 gin router 並註冊所有端點
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger)

	router.GET("/health", h.health)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}
	router.GET("/ws", h.wsConnect)

	api := router.Group("/api/v1")
	{
		api.GET("/session", h.getSession)
		api.POST("/session/cancel", h.cancelSession)
		api.GET("/events", h.listEvents)
	}
	return router
}

func (h *Handler) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.log.Debugw("admin request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": statusOK})
}

func (h *Handler) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.GetStatus())
}

type cancelRequest struct {
	JobID  types.JobID `json:"job_id"`
	Reason string      `json:"reason"`
}

func (h *Handler) cancelSession(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := h.session.Cancel(req.JobID, req.Reason)
	switch {
	case err == nil:
		h.log.Infow("cancel requested", "jobID", req.JobID, "reason", req.Reason)
		c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
	case errors.Is(err, controller.ErrNoSession), errors.Is(err, controller.ErrJobMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, controller.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.log.Errorw("cancel failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func (h *Handler) listEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}

	limit := 0
	if s := c.Query("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > maxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = v
	}
	jobID := types.JobID(c.Query("job_id"))

	entries, err := h.events.List(c.Request.Context(), jobID, limit)
	if err != nil {
		h.log.Errorw("events list failed", "error", err, "jobID", jobID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":  len(entries),
		"events": entries,
	})
}
