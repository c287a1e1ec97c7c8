package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/joborch/jobhub/pkg/scheduler"
	"github.com/joborch/jobhub/pkg/taskstore"
	"github.com/joborch/jobhub/pkg/types"
)

// createJobRequest mirrors the submission body of POST /jobs.
type createJobRequest struct {
	Query     string                 `json:"query"`
	Location  string                 `json:"location,omitempty"`
	Region    string                 `json:"region,omitempty"`
	Platforms []string               `json:"platforms,omitempty"`
	Priority  int                    `json:"priority,omitempty"`
	Deadline  int64                  `json:"deadline,omitempty"` // ms since epoch
	Metadata  map[string]string      `json:"metadata,omitempty"`
	Integrity integritySpecPayload   `json:"integrity"`
}

type integritySpecPayload struct {
	Enabled           bool                       `json:"enabled"`
	Strategy          types.AggregationStrategy  `json:"strategy,omitempty"`
	RequiredPlatforms []string                   `json:"required_platforms,omitempty"`
}

type createJobResponse struct {
	JobID               string    `json:"job_id"`
	AcceptedPlatforms   []string  `json:"accepted_platforms"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
}

func (c *Coordinator) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	userTag := ""
	if req.Metadata != nil {
		userTag = req.Metadata["user_tag"]
	}

	var deadline time.Time
	if req.Deadline > 0 {
		deadline = time.UnixMilli(req.Deadline)
	}

	strategy := req.Integrity.Strategy
	if strategy == "" {
		strategy = types.AggregationDeduplicateSmart
	}

	jobID, err := c.scheduler.Submit(scheduler.SubmitRequest{
		Query: req.Query, Location: req.Location, Region: req.Region,
		Platforms: req.Platforms, Priority: req.Priority, Deadline: deadline,
		UserTag: userTag, IntegrityEnabled: req.Integrity.Enabled,
		AggregationStrategy: strategy, RequiredPlatforms: req.Integrity.RequiredPlatforms,
	})
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrNoPlatforms):
			writeError(w, http.StatusUnprocessableEntity, "no eligible platforms for request")
		case errors.Is(err, scheduler.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "scheduler queue is full")
		default:
			writeError(w, http.StatusInternalServerError, "job submission failed")
		}
		return
	}

	job, err := c.store.QueryJob(jobID)
	accepted := req.Platforms
	if err == nil {
		accepted = job.RequestedPlatforms
	}

	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:               jobID,
		AcceptedPlatforms:   accepted,
		EstimatedCompletion: time.Now().Add(estimatedDuration(len(accepted))),
	})
}

// estimatedDuration is a coarse estimate: one adapter round trip per
// platform run sequentially in the worst case, floored at 5s.
func estimatedDuration(platformCount int) time.Duration {
	d := time.Duration(platformCount) * 10 * time.Second
	if d < 5*time.Second {
		return 5 * time.Second
	}
	return d
}

type jobStatusResponse struct {
	JobID             string                 `json:"job_id"`
	Status            types.JobStatus        `json:"status"`
	RequiresAttention bool                   `json:"requires_attention"`
	AttentionReason   string                 `json:"attention_reason,omitempty"`
	SubmittedAt       time.Time              `json:"submitted_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	Progress          jobProgress            `json:"progress"`
	Integrity         *types.IntegrityReport `json:"integrity,omitempty"`
}

type jobProgress struct {
	Total      int            `json:"total"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	PerPlatform map[string]string `json:"per_platform"`
}

func (c *Coordinator) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	if cached, ok := c.readCache(r.Context(), jobID); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", "hit")
		_, _ = w.Write(cached)
		return
	}

	job, err := c.store.QueryJob(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	tasks, err := c.store.ListPlatformTasks(jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load sub-tasks")
		return
	}

	progress := jobProgress{Total: len(tasks), PerPlatform: make(map[string]string, len(tasks))}
	for _, t := range tasks {
		progress.PerPlatform[t.Platform] = string(t.Status)
		switch t.Status {
		case types.PlatformTaskCompleted:
			progress.Completed++
		case types.PlatformTaskFailed, types.PlatformTaskCancelled:
			progress.Failed++
		}
	}

	resp := jobStatusResponse{
		JobID: job.ID, Status: job.Status, RequiresAttention: job.RequiresAttention,
		AttentionReason: job.AttentionReason, SubmittedAt: job.SubmittedAt, UpdatedAt: job.UpdatedAt,
		Progress: progress,
	}
	if job.Status.Terminal() {
		if report, err := c.store.GetIntegrityReport(jobID); err == nil {
			resp.Integrity = report
		}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	if job.Status.Terminal() {
		c.writeCache(r.Context(), jobID, body)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (c *Coordinator) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	events, nextCursor, err := c.store.QueryEvents(jobID, cursor, limit)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"cursor": nextCursor,
	})
}

func (c *Coordinator) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := c.scheduler.Cancel(jobID); err != nil {
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(types.JobStatusCancelled)})
}

type healthResponse struct {
	Status          string                      `json:"status"`
	Uptime          time.Duration               `json:"uptime"`
	ActiveJobs      int64                       `json:"active_jobs"`
	PerPlatform     map[string]platformHealth   `json:"per_platform_health"`
	RedisConnected  bool                        `json:"redis_connected"`
	MemoryAllocated uint64                      `json:"memory_bytes"`
}

type platformHealth struct {
	types.PlatformHealth
	Reachable *bool `json:"reachable,omitempty"`
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	all, err := c.store.ListPlatformHealth()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load platform health")
		return
	}

	perPlatform := make(map[string]platformHealth, len(all))
	for _, h := range all {
		entry := platformHealth{PlatformHealth: h}
		if reachable, ok := c.probeReachable(r.Context(), h.Platform); ok {
			entry.Reachable = &reachable
		}
		perPlatform[h.Platform] = entry
	}

	var mem runtimeMemStats
	mem.read()

	status := "healthy"
	for _, h := range perPlatform {
		if h.Status == types.PlatformError || h.Status == types.PlatformOffline {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status: status, Uptime: time.Since(c.startedAt), ActiveJobs: c.activeJobs.Load(),
		PerPlatform: perPlatform, RedisConnected: c.redisConnected(r.Context()),
		MemoryAllocated: mem.allocBytes,
	})
}

func (c *Coordinator) redisConnected(ctx context.Context) bool {
	if c.cache == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return c.cache.Ping(ctx).Err() == nil
}
