package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"v360batch/batch"
	"v360batch/config"
	"v360batch/events"
	"v360batch/render"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	orchestrator *batch.Orchestrator
	bus          *events.Bus
	cfg          *config.Config
	logger       *zap.Logger
}

func NewHandler(o *batch.Orchestrator, bus *events.Bus, cfg *config.Config, logger *zap.Logger) *Handler {
	return &Handler{
		orchestrator: o,
		bus:          bus,
		cfg:          cfg,
		logger:       logger,
	}
}

// GridRequest expands into viewpoints when no explicit list is given.
// DefaultOnly keeps just the horizon cardinal directions of the grid.
type GridRequest struct {
	Yaws        []int `json:"yaws"`
	Pitches     []int `json:"pitches"`
	DefaultOnly bool  `json:"defaultOnly"`
}

type BatchRequest struct {
	Source     string                 `json:"source" binding:"required"`
	Viewpoints []render.ViewpointSpec `json:"viewpoints"`
	Grid       *GridRequest           `json:"grid"`
	Settings   *render.Settings       `json:"settings"`
}

// bind decodes the body over the default settings, so omitted fields keep
// their neutral values.
func (h *Handler) bind(c *gin.Context) (*BatchRequest, bool) {
	defaults := render.DefaultSettings()
	req := BatchRequest{Settings: &defaults}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if req.Settings == nil {
		req.Settings = &defaults
	}
	if len(req.Viewpoints) == 0 && req.Grid != nil {
		if req.Grid.DefaultOnly {
			req.Viewpoints = render.DefaultSelection(req.Grid.Yaws, req.Grid.Pitches)
		} else {
			req.Viewpoints = render.Grid(req.Grid.Yaws, req.Grid.Pitches)
		}
	}
	return &req, true
}

// handleCreateBatch starts a batch in the background.
func (h *Handler) handleCreateBatch(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	id, err := h.orchestrator.Submit(req.Source, req.Viewpoints, *req.Settings)
	if err != nil {
		h.writeSubmitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"batchId": id})
}

// handleCreatePreview starts preview generation in the background.
func (h *Handler) handleCreatePreview(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	if err := h.orchestrator.Preview(req.Source, req.Viewpoints, *req.Settings); err != nil {
		h.writeSubmitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Preview generation started"})
}

func (h *Handler) writeSubmitError(c *gin.Context, err error) {
	var ce *render.ConfigurationError
	switch {
	case errors.As(err, &ce):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": ce.Field})
	case errors.Is(err, batch.ErrBatchActive), errors.Is(err, batch.ErrPreviewActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, batch.ErrInsufficientResources), errors.Is(err, batch.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error("could not start batch", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start batch", "details": err.Error()})
	}
}

// handleGetCurrentBatch reports the active or most recent batch.
func (h *Handler) handleGetCurrentBatch(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.Current())
}

// handleCancelBatch requests cancellation. Cancelling a batch that already
// finished is accepted so that repeated requests look the same.
func (h *Handler) handleCancelBatch(c *gin.Context) {
	err := h.orchestrator.Cancel()
	if errors.Is(err, batch.ErrNoBatch) && h.orchestrator.Current().ID != "" {
		err = nil
	}
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Batch cancellation requested"})
}

// handleListEvents returns notifications newer than ?since=N.
func (h *Handler) handleListEvents(c *gin.Context) {
	var since int64
	if s := c.Query("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a non-negative integer"})
			return
		}
		since = n
	}

	list := h.bus.Since(since)
	for i := range list {
		h.buildFileURLs(c, &list[i])
	}
	c.JSON(http.StatusOK, gin.H{"events": list, "last": h.bus.Last()})
}

// buildFileURLs points first-frame and preview events at the file endpoint.
func (h *Handler) buildFileURLs(c *gin.Context, e *events.Event) {
	switch e.Type {
	case events.TypeFirstFrame:
		e.URL = h.fileURL(c, e.Path)
	case events.TypePreviews:
		for _, p := range e.Previews {
			e.URLs = append(e.URLs, h.fileURL(c, p.Path))
		}
	}
}

func (h *Handler) fileURL(c *gin.Context, path string) string {
	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return fmt.Sprintf("%s/api/v1/files/%s", baseURL, filepath.Base(path))
}

// handleGetFile serves a first frame or preview still.
func (h *Handler) handleGetFile(c *gin.Context) {
	filename := c.Param("filename")
	filePath, err := h.orchestrator.FilePath(filename)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.File(filePath)
}
