package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) PreviewReconciliation(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.reconcileSvc.PreviewReconciliation(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ReconcileMapping(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	dryRun, err := queryBool(c, "dry_run", false)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.reconcileSvc.ReconcileMapping(c.Request.Context(), id, dryRun)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ReconcileAllMappings(c *gin.Context) {
	dryRun, err := queryBool(c, "dry_run", false)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.reconcileSvc.ReconcileAllMappings(c.Request.Context(), dryRun)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// ReconcileUser re-applies a user's active associations. The event id prefix
// defaults to the one configured in sync.yml.
func (s *Server) ReconcileUser(c *gin.Context) {
	dryRun, err := queryBool(c, "dry_run", false)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	prefix := strings.TrimSpace(c.Query("prefix"))
	if prefix == "" && s.syncConfig != nil {
		prefix = s.syncConfig.Get().ReconciliationPrefix
	}

	result, err := s.reconcileSvc.ReconcileUserAssociations(c.Request.Context(), c.Param("userId"), prefix, dryRun)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}
