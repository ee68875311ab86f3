package handler

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relaypoint/notifier/internal/api/dto"
	"github.com/relaypoint/notifier/internal/notification/domain"
	"github.com/relaypoint/notifier/internal/ratelimit"
)

// TriggerEvent handles POST /v1/events/trigger.
// Admits the call through the rate limiter, fans the workflow's steps out
// into job rows (digest steps through the merge coordinator) and publishes
// the immediately runnable job to the work queue.
func (h *EventHandler) TriggerEvent(c *gin.Context) {
	environmentID := c.GetHeader("X-Environment-Id")
	organizationID := c.GetHeader("X-Organization-Id")
	userID := c.GetHeader("X-User-Id")

	var req dto.TriggerEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid trigger request", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	cost := req.Bulk
	if cost < 1 {
		cost = 1
	}

	result, err := h.limiter.Evaluate(c.Request.Context(), ratelimit.Request{
		Category:       ratelimit.CategoryTrigger,
		Cost:           cost,
		EnvironmentID:  environmentID,
		OrganizationID: organizationID,
		IP:             c.ClientIP(),
	})
	if err != nil {
		h.logger.Error("Rate limit evaluation failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to evaluate rate limit"})
		return
	}

	setRateHeaders(c, result)
	if !result.Success {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":     "Rate limit exceeded",
			"remaining": result.Remaining,
			"limit":     result.Limit,
			"reset":     result.Reset.Unix(),
		})
		return
	}

	transactionID := uuid.NewString()
	jobs, mainJob, mergedAll, err := h.buildJobs(c, &req, transactionID, environmentID, organizationID, userID)
	if err != nil {
		h.logger.Error("Failed to create jobs",
			slog.String("transaction_id", transactionID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule trigger"})
		return
	}

	if err := h.store.CreateJobs(c.Request.Context(), jobs); err != nil {
		h.logger.Error("Failed to insert jobs",
			slog.String("transaction_id", transactionID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule trigger"})
		return
	}

	if mainJob != nil {
		h.publishJob(c, mainJob)
	}

	status := "processed"
	if mergedAll {
		status = "merged"
	}

	c.JSON(http.StatusCreated, dto.TriggerEventResponse{
		Acknowledged:  true,
		Status:        status,
		TransactionID: transactionID,
	})
}

// buildJobs maps workflow steps onto job rows chained by parent id. Digest
// steps go through the merge coordinator and are persisted there; the
// returned slice holds the remaining rows for batch insert. The first step
// not gated behind a digest window or a delay is the immediately runnable
// one and comes back as mainJob; mergedAll reports a trigger fully folded
// into an open digest window.
func (h *EventHandler) buildJobs(c *gin.Context, req *dto.TriggerEventRequest, transactionID, environmentID, organizationID, userID string) ([]*domain.Job, *domain.Job, bool, error) {
	now := time.Now().UTC()
	payload := string(req.Payload)
	if payload == "" {
		payload = "{}"
	}

	var (
		jobs      []*domain.Job
		mainJob   *domain.Job
		parentID  sql.NullString
		sawDigest bool
		sawDelay  bool
		merged    bool
	)

	for i, step := range req.Steps {
		job := &domain.Job{
			JobID:            uuid.NewString(),
			TransactionID:    transactionID,
			EnvironmentID:    environmentID,
			OrganizationID:   organizationID,
			SubscriberID:     req.SubscriberID,
			UserID:           userID,
			StepID:           step.StepID,
			Type:             domain.StepKind(step.Type),
			Status:           domain.JobStatusPending,
			ParentID:         parentID,
			Payload:          payload,
			ControlVariables: "{}",
			Bridge:           "{}",
			// Stable, monotonic creation order within the transaction drives
			// digest follower promotion.
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
			UpdatedAt: now,
		}

		switch {
		case job.Type.IsDigest():
			if step.DigestKey != "" {
				job.DigestKey = sql.NullString{String: step.DigestKey, Valid: true}
			}
			wasMerged, err := h.coordinator.MergeOrCreate(c.Request.Context(), job)
			if err != nil {
				return nil, nil, false, err
			}
			sawDigest = true
			merged = wasMerged

		case job.Type == domain.StepKindDelay:
			job.Status = domain.JobStatusDelayed
			sawDelay = true
			jobs = append(jobs, job)

		default:
			// Steps behind a digest window or a delay stay PENDING for the
			// scheduler; only the first unguarded step runs at trigger time.
			if mainJob == nil && !sawDigest && !sawDelay {
				job.Status = domain.JobStatusQueued
				mainJob = job
			}
			jobs = append(jobs, job)
		}

		parentID = sql.NullString{String: job.JobID, Valid: true}
	}

	return jobs, mainJob, sawDigest && merged && mainJob == nil, nil
}

// publishJob puts the queued job's wire message on the work queue. A publish
// failure leaves the job QUEUED for the reconciliation sweep; the trigger is
// still acknowledged.
func (h *EventHandler) publishJob(c *gin.Context, job *domain.Job) {
	body, err := json.Marshal(gin.H{
		"_id":             job.JobID,
		"_environmentId":  job.EnvironmentID,
		"_organizationId": job.OrganizationID,
		"_userId":         job.UserID,
		"payload":         json.RawMessage(job.Payload),
	})
	if err != nil {
		h.logger.Error("Failed to marshal job message",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		return
	}

	if err := h.publisher.PublishWithRetry(c.Request.Context(), body, "application/json"); err != nil {
		h.logger.Error("Failed to publish job message",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}
}

func setRateHeaders(c *gin.Context, result *ratelimit.Result) {
	c.Header("RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
	c.Header("RateLimit-Burst", strconv.Itoa(result.BurstLimit))
}
