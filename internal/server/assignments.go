package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	assignmentdomain "github.com/smallbiznis/rewardsync/internal/assignment/domain"
	rewardeventdomain "github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
)

func (s *Server) ListUserAssignments(c *gin.Context) {
	includeInactive, err := queryBool(c, "include_inactive", false)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	assignments, err := s.eventSvc.ListUserAssignments(c.Request.Context(), c.Param("userId"), includeInactive)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": assignments})
}

type assignRewardRequest struct {
	ProviderID string         `json:"provider_id"`
	RewardID   snowflake.ID   `json:"reward_id"`
	EventID    string         `json:"event_id"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata"`
}

// AssignReward grants a reward by hand. Without an event id each call is a new
// grant; with one, retries return the original assignment.
func (s *Server) AssignReward(c *gin.Context) {
	var req assignRewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	userID := strings.TrimSpace(c.Param("userId"))
	grantID := strings.TrimSpace(req.EventID)
	if grantID == "" {
		grantID = fmt.Sprintf("%s:%s:%s", userID, req.RewardID, c.GetString("request_id"))
	}
	origin := assignmentdomain.AdminOrigin(grantID)
	eventID := origin.ProviderReference()
	metadata := req.Metadata
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["reason"] = reason
	}

	assignment, err := s.eventSvc.AssignReward(c.Request.Context(), rewardeventdomain.AssignRewardRequest{
		UserID:     userID,
		ProviderID: req.ProviderID,
		RewardID:   req.RewardID,
		EventID:    eventID,
		Origin:     origin,
		Metadata:   metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": assignment})
}

type revokeAssignmentRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) RevokeAssignment(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req revokeAssignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	assignment, err := s.eventSvc.RevokeAssignment(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": assignment})
}
