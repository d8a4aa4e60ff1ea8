package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/mercat/internal/usage/domain"
)

func (s *Server) ReportUsage(c *gin.Context) {
	var req usagedomain.ReportUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	usage, err := s.usageSvc.Report(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}
