package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
)

func (s *Server) CreateOffering(c *gin.Context) {
	var req offeringdomain.CreateOfferingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	offering, err := s.offeringSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, offering)
}

func (s *Server) AddPlan(c *gin.Context) {
	var req offeringdomain.AddPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.OfferingID = c.Param("id")
	plan, err := s.offeringSvc.AddPlan(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

func (s *Server) ActivateOffering(c *gin.Context) {
	if err := s.offeringSvc.Activate(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) PauseOffering(c *gin.Context) {
	if err := s.offeringSvc.Pause(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ArchiveOffering(c *gin.Context) {
	if err := s.offeringSvc.Archive(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) GetOffering(c *gin.Context) {
	offering, err := s.offeringSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, offering)
}

func (s *Server) ListOfferings(c *gin.Context) {
	var req offeringdomain.ListOfferingRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	resp, err := s.offeringSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
