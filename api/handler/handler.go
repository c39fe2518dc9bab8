// Package handler holds the HTTP handlers behind the api router.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"market-pipeline/models"
	"market-pipeline/services"
)

// Analytics answers price queries.
type Analytics interface {
	Run(ctx context.Context, req models.AnalyticsRequest) models.AnalyticsResponse
}

// Ingester stores externally supplied listings.
type Ingester interface {
	IngestBatch(ctx context.Context, raws []models.RawListing, opts services.IngestOptions) (services.IngestResult, error)
}

// Trigger starts named background jobs.
type Trigger interface {
	Trigger(ctx context.Context, name string) error
}

// ErrorResponse is the body of every non-2xx answer outside analytics.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Handler serves the v1 API.
type Handler struct {
	analytics Analytics
	ingester  Ingester
	filter    *services.FilterChain
	jobs      Trigger
	// base outlives the request so triggered jobs keep running after the
	// response is written.
	base context.Context
}

// New creates a Handler. filter may be nil to store ingested listings unfiltered.
func New(base context.Context, analytics Analytics, ingester Ingester, filter *services.FilterChain, jobs Trigger) *Handler {
	return &Handler{analytics: analytics, ingester: ingester, filter: filter, jobs: jobs, base: base}
}

// CrawlJob names the scheduler job that crawls source.
func CrawlJob(source models.Source) string {
	return "crawl_" + string(source)
}

// PipelineJob names the SKU mapping and aggregation job.
const PipelineJob = "pipeline"

// Analytics handles POST /api/v1/analytics. The envelope carries success or
// error, so a well-formed request is always answered with 200.
func (h *Handler) Analytics(c *gin.Context) {
	var req models.AnalyticsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.AnalyticsResponse{Status: models.StatusError, Message: "invalid request: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.analytics.Run(c.Request.Context(), req))
}

// Crawl handles POST /api/v1/crawl/:source.
func (h *Handler) Crawl(c *gin.Context) {
	source := models.Source(c.Param("source"))
	if !source.Valid() {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown_source", Message: string(source)})
		return
	}
	h.trigger(c, CrawlJob(source))
}

// Pipeline handles POST /api/v1/pipeline.
func (h *Handler) Pipeline(c *gin.Context) {
	h.trigger(c, PipelineJob)
}

func (h *Handler) trigger(c *gin.Context, job string) {
	err := h.jobs.Trigger(h.base, job)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"job": job, "status": "started"})
	case errors.Is(err, services.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "already_running", Message: job})
	case errors.Is(err, services.ErrSchedulerStopped):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "shutting_down", Message: job})
	case errors.Is(err, services.ErrUnknownJob):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_configured", Message: job})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "trigger_failed", Message: err.Error()})
	}
}

// Ingest handles POST /api/v1/ingest with a JSON array of raw listings.
func (h *Handler) Ingest(c *gin.Context) {
	var raws []models.RawListing
	if err := c.ShouldBindJSON(&raws); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_body", Message: err.Error()})
		return
	}
	res, err := h.ingester.IngestBatch(c.Request.Context(), raws, services.IngestOptions{Filter: h.filter})
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "ingest_failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Health handles GET /health.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
