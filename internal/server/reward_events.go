package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/rewardsync/internal/observability/logger"
	rewardeventdomain "github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	"github.com/smallbiznis/rewardsync/internal/rewardevent/task"
	"go.uber.org/zap"
)

// IngestRewardEvent accepts a normalized provider event. By default it is queued
// and acknowledged with 202; ?sync=true (or a process without a queue) applies it
// inline and returns the resulting assignment.
func (s *Server) IngestRewardEvent(c *gin.Context) {
	var event rewardeventdomain.RewardEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	event, err := event.Normalize()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("provider_id", event.ProviderID)

	inline, err := queryBool(c, "sync", false)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	if inline || s.enqueuer == nil {
		assignment, err := s.eventSvc.ProcessRewardEvent(ctx, event)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": assignment, "event_id": event.EventID})
		return
	}

	info, err := s.enqueuer.Enqueue(ctx, event)
	switch {
	case errors.Is(err, task.ErrAlreadyQueued):
		c.JSON(http.StatusAccepted, gin.H{"event_id": event.EventID, "status": "duplicate"})
		return
	case err != nil:
		logger.FromContext(ctx).Error("reward event enqueue failed",
			zap.String("event_id", event.EventID),
			zap.String("provider_id", event.ProviderID),
			zap.Error(err),
		)
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"event_id": event.EventID, "task_id": info.ID, "status": "queued"})
}
