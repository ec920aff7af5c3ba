package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	rewardproviderdomain "github.com/smallbiznis/rewardsync/internal/rewardprovider/domain"
)

func (s *Server) ListProviderConfigs(c *gin.Context) {
	configs, err := s.providerSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": configs})
}

type upsertProviderRequest struct {
	Name     string         `json:"name"`
	Active   *bool          `json:"active"`
	Settings map[string]any `json:"settings"`
}

func (s *Server) UpsertProviderConfig(c *gin.Context) {
	var req upsertProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	cfg, err := s.providerSvc.Upsert(c.Request.Context(), rewardproviderdomain.UpsertRequest{
		ProviderID: c.Param("provider"),
		Name:       req.Name,
		Active:     active,
		Settings:   req.Settings,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cfg})
}
