package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/apivet/apivet/internal/core"
	"github.com/apivet/apivet/internal/database"
	"github.com/apivet/apivet/internal/logger"
	"github.com/apivet/apivet/pkg/report"
	"github.com/apivet/apivet/pkg/scan"
	"github.com/apivet/apivet/pkg/types"
)

// Handlers serves the analysis and report endpoints.
type Handlers struct {
	orch     *scan.Orchestrator
	sink     *report.Sink
	store    core.HistoryStore
	renderer *report.Renderer
	log      *logger.Logger
}

func NewHandlers(orch *scan.Orchestrator, sink *report.Sink, store core.HistoryStore, renderer *report.Renderer, log *logger.Logger) *Handlers {
	return &Handlers{
		orch:     orch,
		sink:     sink,
		store:    store,
		renderer: renderer,
		log:      log.WithComponent("api"),
	}
}

// Register mounts all routes on the router.
func (h *Handlers) Register(router *gin.Engine, scanRateLimit gin.HandlerFunc) {
	analysis := router.Group("/analysis")
	{
		if scanRateLimit != nil {
			analysis.POST("/scan", scanRateLimit, h.startScan)
		} else {
			analysis.POST("/scan", h.startScan)
		}
		analysis.GET("/health", h.health)

		history := analysis.Group("/history")
		{
			history.GET("", h.listHistory)
			history.GET("/:id", h.getHistory)
			history.GET("/:id/status", h.getStatus)
			history.POST("/:id/cancel", h.cancelScan)
			history.DELETE("/:id", h.deleteScan)
		}
	}

	reports := router.Group("/reports")
	{
		reports.GET("", h.listReports)
		reports.GET("/:id/:type", h.getReport)
	}
}

func (h *Handlers) startScan(c *gin.Context) {
	var req types.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scan request: " + err.Error()})
		return
	}

	h.log.Infow("Received scan request",
		"spec_url", req.SpecURL,
		"base_url", req.BaseURL,
	)

	snapshot, err := h.orch.Start(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func (h *Handlers) listHistory(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.store.ListHistory(c.Request.Context(), limit)
	if err != nil {
		h.log.Errorw("Failed to list scan history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Report live elapsed time for scans still running.
	for i := range entries {
		entries[i].DurationMs = entries[i].CurrentDurationMs()
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handlers) getHistory(c *gin.Context) {
	scanID := c.Param("id")

	snapshot, ok := h.loadSnapshot(c, scanID)
	if !ok {
		return
	}

	entry := types.HistoryEntry{
		ScanID:     snapshot.ID,
		SpecURL:    snapshot.SpecURL,
		BaseURL:    snapshot.BaseURL,
		Status:     snapshot.Status,
		StartedAt:  snapshot.StartedAt,
		EndedAt:    snapshot.EndedAt,
		DurationMs: snapshot.DurationMs,
		Options:    snapshot.Options,
	}
	entry.DurationMs = entry.CurrentDurationMs()
	c.JSON(http.StatusOK, entry)
}

func (h *Handlers) getStatus(c *gin.Context) {
	scanID := c.Param("id")

	snapshot, ok := h.loadSnapshot(c, scanID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// loadSnapshot prefers the live in-memory snapshot and falls back to
// the persistent store for scans from earlier runs.
func (h *Handlers) loadSnapshot(c *gin.Context, scanID string) (*types.ScanSnapshot, bool) {
	if snapshot, ok := h.sink.Get(scanID); ok {
		return snapshot, true
	}

	snapshot, err := h.store.GetSnapshot(c.Request.Context(), scanID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Scan not found"})
		} else {
			h.log.Errorw("Failed to load snapshot", "scan_id", scanID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return snapshot, true
}

func (h *Handlers) cancelScan(c *gin.Context) {
	scanID := c.Param("id")

	if h.orch.Cancel(scanID) {
		c.JSON(http.StatusOK, gin.H{"status": "cancelled", "scan_id": scanID})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"status":  "error",
		"message": "Scan not found or already completed",
	})
}

func (h *Handlers) deleteScan(c *gin.Context) {
	scanID := c.Param("id")

	// A running scan still persists snapshots; deleting it now would let
	// the terminal write resurrect the history row.
	if h.orch.Running(scanID) {
		c.JSON(http.StatusConflict, gin.H{
			"status":  "error",
			"message": "Scan is still running; cancel it before deleting",
		})
		return
	}
	h.sink.Delete(scanID)

	if err := h.store.DeleteSnapshot(c.Request.Context(), scanID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Scan not found"})
			return
		}
		h.log.Errorw("Failed to delete scan", "scan_id", scanID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "scan_id": scanID})
}

func (h *Handlers) listReports(c *gin.Context) {
	c.JSON(http.StatusOK, h.sink.StartTimes())
}

func (h *Handlers) getReport(c *gin.Context) {
	scanID := c.Param("id")

	reportType, err := report.ParseType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snapshot, ok := h.loadSnapshot(c, scanID)
	if !ok {
		return
	}

	body, err := h.renderer.Render(snapshot, reportType)
	if err != nil {
		h.log.Errorw("Report rendering failed", "scan_id", scanID, "type", reportType, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+reportType.Filename(scanID)+`"`)
	c.Data(http.StatusOK, reportType.ContentType(), body)
}
