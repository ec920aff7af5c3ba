package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	productmappingdomain "github.com/smallbiznis/rewardsync/internal/productmapping/domain"
)

func (s *Server) ListProductMappings(c *gin.Context) {
	mappings, err := s.mappingSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": mappings})
}

func (s *Server) CreateProductMapping(c *gin.Context) {
	var req productmappingdomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	mapping, err := s.mappingSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": mapping})
}

func (s *Server) GetProductMapping(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	mapping, err := s.mappingSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": mapping})
}

// UpdateProductMapping applies the edit and returns the reconciliation it triggered.
func (s *Server) UpdateProductMapping(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req productmappingdomain.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.mappingSvc.Update(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result.Mapping, "reconciliation": result.Reconciliation})
}

func (s *Server) DeleteProductMapping(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	force, err := queryBool(c, "force", false)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.mappingSvc.Delete(c.Request.Context(), id, force); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) ListMappingAssociations(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	associations, err := s.mappingSvc.ListActiveAssociationsByMapping(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": associations})
}

func (s *Server) ListUserAssociations(c *gin.Context) {
	associations, err := s.mappingSvc.ListActiveAssociationsByUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": associations})
}
