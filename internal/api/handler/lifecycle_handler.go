package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relaypoint/notifier/internal/api/dto"
	"github.com/relaypoint/notifier/internal/notification/domain"
	"github.com/relaypoint/notifier/internal/realtime"
)

// CancelEvent handles POST /v1/events/trigger/:transactionId/cancel. It
// cancels every not-yet-executed job of the transaction; canceling a merged
// digest trigger promotes the next follower in its place.
func (h *EventHandler) CancelEvent(c *gin.Context) {
	transactionID := c.Param("transactionId")
	if _, err := uuid.Parse(transactionID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid transaction ID format"})
		return
	}

	environmentID := c.GetHeader("X-Environment-Id")

	canceled, err := h.coordinator.CancelDelayed(c.Request.Context(), environmentID, transactionID)
	if err != nil {
		h.logger.Error("Failed to cancel transaction",
			slog.String("transaction_id", transactionID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel event"})
		return
	}

	c.JSON(http.StatusOK, dto.CancelResponse{
		Acknowledged:  true,
		Canceled:      canceled,
		TransactionID: transactionID,
	})
}

// UnsnoozeMessage handles POST /v1/jobs/:jobId/unsnooze. It reactivates the
// snoozed message produced by the job, surfacing it as new in the feed.
func (h *EventHandler) UnsnoozeMessage(c *gin.Context) {
	jobID := c.Param("jobId")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job ID format"})
		return
	}

	environmentID := c.GetHeader("X-Environment-Id")

	err := h.reactivator.Unsnooze(c.Request.Context(), jobID, environmentID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "No snoozed message for job"})
	case err != nil:
		h.logger.Error("Failed to unsnooze message",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unsnooze message"})
	default:
		c.JSON(http.StatusOK, gin.H{"acknowledged": true, "jobId": jobID})
	}
}

// Socket handles GET /v1/ws. It upgrades the connection and registers it in
// the subscriber's room so feed counter events reach the client.
func (h *EventHandler) Socket(c *gin.Context) {
	environmentID := c.GetHeader("X-Environment-Id")
	subscriberID := c.Query("subscriberId")
	if environmentID == "" || subscriberID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing environment or subscriber ID"})
		return
	}

	room := realtime.Room(environmentID, subscriberID)
	if err := h.hub.Serve(c.Writer, c.Request, room); err != nil {
		h.logger.Error("Websocket upgrade failed",
			slog.String("room", room),
			slog.Any("error", err),
		)
	}
}
