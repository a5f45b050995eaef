package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/auth"
)

type loginRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Password   string `json:"password" binding:"required"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	ctx := c.Request.Context()

	if err := s.lockout.Check(ctx, req.Identifier); err != nil {
		s.writeError(c, err)
		return
	}

	u, err := s.directory.Authenticate(req.Identifier, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.writeError(c, err)
			return
		}
		if _, recErr := s.lockout.RecordFailure(ctx, req.Identifier); recErr != nil {
			s.log.Warn("record failed login", zap.Error(recErr))
		}
		respondError(c, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := s.lockout.RecordSuccess(ctx, req.Identifier); err != nil {
		s.log.Warn("clear login failures", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"user_id": u.ID, "name": u.Name, "role": u.Role})
}
