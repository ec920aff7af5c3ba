package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	rewarddomain "github.com/smallbiznis/rewardsync/internal/reward/domain"
)

func (s *Server) ListRewards(c *gin.Context) {
	activeOnly, err := queryBool(c, "active", false)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	rewards, err := s.rewardSvc.List(c.Request.Context(), activeOnly)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rewards})
}

func (s *Server) CreateReward(c *gin.Context) {
	var req rewarddomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	reward, err := s.rewardSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": reward})
}

func (s *Server) GetReward(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	reward, err := s.rewardSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": reward})
}

func (s *Server) UpdateReward(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req rewarddomain.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	reward, err := s.rewardSvc.Update(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": reward})
}

// DeleteReward refuses while product mappings still reference the reward; the
// 409 body lists them.
func (s *Server) DeleteReward(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.rewardSvc.Delete(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
