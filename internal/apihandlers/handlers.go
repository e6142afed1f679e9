package apihandlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"corpusflow/internal/app"
	"corpusflow/internal/jobs"
	"corpusflow/internal/liveness"
	"corpusflow/internal/models"
	"corpusflow/internal/progress"
	"corpusflow/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type APIHandler struct {
	App *app.App
}

func NewAPIHandler(a *app.App) *APIHandler {
	return &APIHandler{App: a}
}

// RegisterRoutes mounts the job API under r.
func (h *APIHandler) RegisterRoutes(r gin.IRouter) {
	jobsGroup := r.Group("/jobs")
	{
		jobsGroup.POST("", h.StartJobHandler)
		jobsGroup.GET("", h.ListJobsHandler)
		jobsGroup.GET("/active", h.ListActiveJobsHandler)
		jobsGroup.GET("/:id", h.GetJobHandler)
		jobsGroup.GET("/:id/progress", h.GetProgressHandler)
		jobsGroup.POST("/:id/pause", h.PauseJobHandler)
		jobsGroup.POST("/:id/resume", h.ResumeJobHandler)
		jobsGroup.POST("/:id/cancel", h.CancelJobHandler)
		jobsGroup.GET("/:id/usage", h.UsageHandler)
		jobsGroup.GET("/:id/results", h.ResultsHandler)
		jobsGroup.GET("/:id/events", h.EventsHandler)
	}
}

// JobView is a job with its derived progress and liveness.
type JobView struct {
	*models.Job
	Progress progress.Progress `json:"progress"`
	Liveness liveness.Status   `json:"liveness"`
}

func (h *APIHandler) view(job *models.Job) JobView {
	return JobView{
		Job:      job,
		Progress: progress.Compute(job, h.App.Jobs.Now()),
		Liveness: h.App.Jobs.Liveness(job),
	}
}

func (h *APIHandler) views(list []*models.Job) []JobView {
	out := make([]JobView, 0, len(list))
	for _, job := range list {
		out = append(out, h.view(job))
	}
	return out
}

func (h *APIHandler) StartJobHandler(c *gin.Context) {
	var params jobs.StartParams
	if err := c.ShouldBindJSON(&params); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	job, err := h.App.Jobs.StartJob(c.Request.Context(), params)
	if err != nil {
		JobFailure(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": h.view(job)})
}

func (h *APIHandler) ListJobsHandler(c *gin.Context) {
	limit, offset, err := parsePagination(c)
	if err != nil {
		BadRequest(c, "Invalid query parameters: "+err.Error())
		return
	}
	list, err := h.App.Jobs.ListJobs(c.Request.Context(), limit, offset)
	if err != nil {
		JobFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": h.views(list)})
}

func (h *APIHandler) ListActiveJobsHandler(c *gin.Context) {
	filter := store.JobFilter{Flavor: models.Flavor(c.Query("flavor"))}
	if filter.Flavor != "" && !filter.Flavor.Valid() {
		BadRequest(c, fmt.Sprintf("unknown flavor %q", filter.Flavor))
		return
	}
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := models.JobStatus(strings.TrimSpace(s))
			if !models.IsKnownStatus(status) {
				BadRequest(c, fmt.Sprintf("unknown status %q", status))
				return
			}
			if !status.IsActive() {
				BadRequest(c, fmt.Sprintf("status %q is not an active status", status))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	list, err := h.App.Jobs.ListActiveJobs(c.Request.Context(), filter)
	if err != nil {
		JobFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": h.views(list)})
}

func (h *APIHandler) GetJobHandler(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.App.Jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		JobFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": h.view(job)})
}

func (h *APIHandler) GetProgressHandler(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	p, err := h.App.Jobs.GetProgress(c.Request.Context(), id)
	if err != nil {
		JobFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": p})
}

func (h *APIHandler) PauseJobHandler(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.App.Jobs.PauseJob(c.Request.Context(), id)
	if err != nil {
		JobFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": h.view(job)})
}

// ResumeRequest is the body of POST /jobs/:id/resume. An empty body resumes normally.
type ResumeRequest struct {
	Force  bool   `json:"force"`
	Reason string `json:"reason"`
}

func (r ResumeRequest) lock() models.LockAcquisition {
	if r.Force {
		return models.ForcedLock(r.Reason)
	}
	return models.NormalLock()
}

func (h *APIHandler) ResumeJobHandler(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	var req ResumeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, "Invalid request body: "+err.Error())
			return
		}
	}
	job, err := h.App.Jobs.ResumeJob(c.Request.Context(), id, jobs.ResumeOptions{Lock: req.lock()})
	if err != nil {
		JobFailure(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": h.view(job)})
}

func (h *APIHandler) CancelJobHandler(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	var opts jobs.CancelOptions
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			BadRequest(c, "Invalid request body: "+err.Error())
			return
		}
	}
	job, err := h.App.Jobs.CancelJob(c.Request.Context(), id, opts)
	if err != nil {
		JobFailure(c, err)
		return
	}
	status := http.StatusOK
	if job.Status != models.JobStatusCancelled {
		// Latched; the running chunk finalises it.
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"data": h.view(job)})
}

func (h *APIHandler) UsageHandler(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	limit, offset, err := parsePagination(c)
	if err != nil {
		BadRequest(c, "Invalid query parameters: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	if _, err := h.App.Jobs.GetJob(ctx, id); err != nil {
		JobFailure(c, err)
		return
	}
	summary, err := h.App.CostStore.GetUsageSummary(ctx, &id)
	if err != nil {
		JobFailure(c, err)
		return
	}
	logs, err := h.App.CostStore.ListUsage(ctx, &id, limit, offset)
	if err != nil {
		JobFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"summary": summary, "items": logs}})
}

func (h *APIHandler) ResultsHandler(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	limit, offset, err := parsePagination(c)
	if err != nil {
		BadRequest(c, "Invalid query parameters: "+err.Error())
		return
	}
	results, err := h.App.ItemStore.ListItemResults(c.Request.Context(), id, limit, offset)
	if err != nil {
		JobFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": results})
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		BadRequest(c, fmt.Sprintf("Invalid job ID %q", c.Param("id")))
		return uuid.Nil, false
	}
	return id, true
}

func parsePagination(c *gin.Context) (limit, offset int, err error) {
	limit, offset = 20, 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		} else {
			return 0, 0, fmt.Errorf("invalid limit: %s", l)
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		} else {
			return 0, 0, fmt.Errorf("invalid offset: %s", o)
		}
	}
	return limit, offset, nil
}
