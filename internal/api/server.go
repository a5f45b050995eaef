// Package api exposes the quote core over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/approval"
	"github.com/safar/quotesync/internal/auth"
	"github.com/safar/quotesync/internal/lockout"
	"github.com/safar/quotesync/internal/models"
	"github.com/safar/quotesync/internal/notice"
	"github.com/safar/quotesync/internal/presence"
	"github.com/safar/quotesync/internal/quote"
)

const userHeader = "X-User-ID"

type Server struct {
	quotes    *quote.Manager
	approvals *approval.StateMachine
	presence  *presence.Tracker
	directory *auth.Directory
	lockout   *lockout.Service
	feed      *notice.Feed
	log       *zap.Logger
}

func NewServer(quotes *quote.Manager, approvals *approval.StateMachine, tracker *presence.Tracker, dir *auth.Directory, lock *lockout.Service, feed *notice.Feed, log *zap.Logger) *Server {
	return &Server{
		quotes:    quotes,
		approvals: approvals,
		presence:  tracker,
		directory: dir,
		lockout:   lock,
		feed:      feed,
		log:       log,
	}
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.POST("/login", s.login)

	authed := r.Group("/", s.requireUser())
	authed.POST("/quotes", s.createQuote)
	authed.GET("/quotes", s.listQuotes)
	authed.GET("/quotes/:id", s.getQuote)
	authed.PATCH("/quotes/:id", s.patchQuote)
	authed.POST("/quotes/:id/lock", s.acquireLock)
	authed.DELETE("/quotes/:id/lock", s.releaseLock)
	authed.POST("/quotes/:id/actions/:action", s.performAction)
	authed.GET("/quotes/:id/approvals", s.listApprovals)
	authed.PUT("/quotes/:id/viewers", s.heartbeat)
	authed.DELETE("/quotes/:id/viewers", s.leave)
	authed.GET("/quotes/:id/viewers", s.listViewers)
	authed.GET("/notices", s.listNotices)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("user_id", c.GetHeader(userHeader)),
		)
	}
}

// requireUser resolves the caller from the X-User-ID header against the
// directory.
func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(userHeader)
		u, ok := s.directory.User(id)
		if !ok || id == models.SystemActor {
			respondError(c, http.StatusUnauthorized, "unknown user")
			c.Abort()
			return
		}
		c.Set("user", u)
		c.Next()
	}
}

func currentUser(c *gin.Context) auth.User {
	return c.MustGet("user").(auth.User)
}
