package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	driftdomain "github.com/smallbiznis/rewardsync/internal/drift/domain"
)

func (s *Server) DetectDrift(c *gin.Context) {
	result, err := s.driftSvc.DetectDrift(c.Request.Context(), c.Param("provider"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// SyncDrift runs a fresh detection and converges it in the same request, so the
// plan never acts on a stale snapshot.
func (s *Server) SyncDrift(c *gin.Context) {
	dryRun, err := queryBool(c, "dry_run", false)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	detection, err := s.driftSvc.DetectDrift(ctx, c.Param("provider"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	result, err := s.driftSvc.SyncDrift(ctx, detection, dryRun)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result, "detection": detection})
}

func (s *Server) ListAccountLinks(c *gin.Context) {
	links, err := s.driftSvc.ListAccountLinks(c.Request.Context(), c.Param("provider"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": links})
}

type linkAccountRequest struct {
	UserID   string `json:"user_id"`
	MemberID string `json:"member_id"`
	Email    string `json:"email"`
}

func (s *Server) LinkAccount(c *gin.Context) {
	var req linkAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	link, err := s.driftSvc.LinkAccount(c.Request.Context(), driftdomain.LinkAccountRequest{
		ProviderID: c.Param("provider"),
		UserID:     req.UserID,
		MemberID:   req.MemberID,
		Email:      req.Email,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": link})
}
