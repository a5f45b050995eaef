package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/approval"
	"github.com/safar/quotesync/internal/database"
	"github.com/safar/quotesync/internal/lockout"
	"github.com/safar/quotesync/internal/quote"
	"github.com/safar/quotesync/internal/store"
)

type errorResponse struct {
	Error          string     `json:"error"`
	Code           string     `json:"code"`
	CurrentVersion int        `json:"current_version,omitempty"`
	LockedBy       string     `json:"locked_by,omitempty"`
	LockedSince    *time.Time `json:"locked_since,omitempty"`
	RetryAfter     *time.Time `json:"retry_after,omitempty"`
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, errorResponse{Error: message, Code: http.StatusText(status)})
}

// writeError maps core errors onto HTTP. Lock and conflict errors carry what
// the client needs to show the user a choice.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		held     *quote.LockHeldError
		conflict *quote.ConflictError
		locked   *lockout.LockedOutError
	)
	switch {
	case errors.As(err, &held):
		since := held.Since
		c.JSON(http.StatusLocked, errorResponse{
			Error: err.Error(), Code: "lock_held", LockedBy: held.By, LockedSince: &since,
		})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, errorResponse{
			Error: err.Error(), Code: "version_conflict", CurrentVersion: conflict.CurrentVersion,
		})
	case errors.As(err, &locked):
		until := locked.Until
		c.JSON(http.StatusTooManyRequests, errorResponse{
			Error: err.Error(), Code: "locked_out", RetryAfter: &until,
		})
	case errors.Is(err, approval.ErrForbidden):
		c.JSON(http.StatusForbidden, errorResponse{Error: err.Error(), Code: "forbidden"})
	case errors.Is(err, approval.ErrInvalidTransition), errors.Is(err, approval.ErrNoTier), errors.Is(err, quote.ErrValueFrozen):
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "invalid_transition"})
	case errors.Is(err, database.ErrQuoteNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, quote.ErrEmptyPatch), errors.Is(err, store.ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "bad_request"})
	default:
		s.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("quote_id", c.Param("id")),
			zap.String("user_id", c.GetHeader(userHeader)),
			zap.Error(err),
		)
		respondError(c, http.StatusInternalServerError, "internal error")
	}
}
