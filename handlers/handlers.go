package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"hunch-copytrader/middleware"
	"hunch-copytrader/models"
	"hunch-copytrader/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultStaleAge = 10 * time.Minute

// JobExecutor runs one copy job
type JobExecutor interface {
	Execute(ctx context.Context, job models.CopyJob) (models.CopyResult, error)
}

// Handler handles HTTP requests
type Handler struct {
	executor JobExecutor
	logs     storage.ExecutionStore
	logger   *logrus.Entry
}

// NewHandler creates a new handler
func NewHandler(executor JobExecutor, logs storage.ExecutionStore, logger *logrus.Logger) *Handler {
	return &Handler{
		executor: executor,
		logs:     logs,
		logger:   logger.WithField("component", "handlers"),
	}
}

// RegisterRoutes mounts the job endpoint behind jobAuth and the operator
// endpoints behind operatorAuth
func (h *Handler) RegisterRoutes(r *gin.Engine, jobAuth, operatorAuth gin.HandlerFunc) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/api/copy-trade/execute", jobAuth, h.ExecuteCopyTrade)

	ops := r.Group("/api/copy-logs", operatorAuth)
	ops.GET("/stale", middleware.ValidateQueryParams(), h.GetStalePending)
	ops.GET("/:leaderTradeId", middleware.ValidateIDParam("leaderTradeId"), h.GetCopyLogs)
}

// Health reports liveness
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ExecuteCopyTrade handles a signed job delivery. 2xx stops redelivery, so
// only retryable failures answer 500.
func (h *Handler) ExecuteCopyTrade(c *gin.Context) {
	var job models.CopyJob
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	job.LeaderTradeID = strings.TrimSpace(job.LeaderTradeID)
	job.FollowerID = strings.TrimSpace(job.FollowerID)
	if !middleware.IsValidID(job.LeaderTradeID) || !middleware.IsValidID(job.FollowerID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "leaderTradeId and followerId are required"})
		return
	}

	result, err := h.executor.Execute(c.Request.Context(), job)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetCopyLogs returns every execution record for a leader trade
func (h *Handler) GetCopyLogs(c *gin.Context) {
	leaderTradeID := c.Param("leaderTradeId")

	logs, err := h.logs.ListCopyLogs(c.Request.Context(), leaderTradeID)
	if err != nil {
		h.logger.WithError(err).WithField("leader_trade_id", leaderTradeID).Error("Failed to list copy logs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load copy logs"})
		return
	}
	if logs == nil {
		logs = []models.CopyLog{}
	}

	c.JSON(http.StatusOK, gin.H{
		"leader_trade_id": leaderTradeID,
		"copy_logs":       logs,
		"count":           len(logs),
	})
}

// GetStalePending returns pending records older than older_than (default 10m).
// These never resolve on their own.
func (h *Handler) GetStalePending(c *gin.Context) {
	olderThan := defaultStaleAge
	if v := c.Query("older_than"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			olderThan = d
		}
	}

	logs, err := h.logs.ListStalePendingCopyLogs(c.Request.Context(), olderThan)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list stale pending copy logs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load copy logs"})
		return
	}
	if logs == nil {
		logs = []models.CopyLog{}
	}

	c.JSON(http.StatusOK, gin.H{
		"older_than": olderThan.String(),
		"copy_logs":  logs,
		"count":      len(logs),
	})
}
