package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetUsage(c *gin.Context) {
	summary, err := s.usageSvc.Summary(c.Request.Context(), currentUserID(c))
	if err != nil {
		AbortWithError(c, s.wrapLedgerError(err, "failed to load usage"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}
