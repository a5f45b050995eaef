package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/safar/quotesync/internal/approval"
	"github.com/safar/quotesync/internal/models"
)

type actionRequest struct {
	ExpectedVersion *int   `json:"expected_version" binding:"required"`
	Notes           string `json:"notes"`
	Target          string `json:"target"`
}

// performAction runs one approval action. System-only actions are refused by
// the state machine because the caller is always a directory user here.
func (s *Server) performAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	q, err := s.approvals.Perform(c.Request.Context(), models.ApprovalActionKind(c.Param("action")), approval.Request{
		QuoteID:         c.Param("id"),
		ExpectedVersion: *req.ExpectedVersion,
		Actor:           currentUser(c).ID,
		Notes:           req.Notes,
		Target:          req.Target,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) listApprovals(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := s.approvals.Trail(c.Request.Context(), c.Param("id"), c.Query("cursor"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}
