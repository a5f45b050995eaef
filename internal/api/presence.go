package api

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/safar/quotesync/internal/notice"
	"github.com/safar/quotesync/internal/presence"
)

func (s *Server) heartbeat(c *gin.Context) {
	u := currentUser(c)
	if err := s.presence.Heartbeat(c.Request.Context(), c.Param("id"), presence.User{ID: u.ID, Name: u.Name}); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) leave(c *gin.Context) {
	if err := s.presence.Leave(c.Request.Context(), c.Param("id"), currentUser(c).ID); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listViewers(c *gin.Context) {
	viewers, err := s.presence.ListViewers(c.Request.Context(), c.Param("id"), currentUser(c).ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"viewers": viewers,
		"display": presence.FormatViewers(viewers),
	})
}

// listNotices returns retained notices after the given sequence number that
// are broadcast or addressed to the caller.
func (s *Server) listNotices(c *gin.Context) {
	after, _ := strconv.ParseUint(c.Query("after"), 10, 64)
	me := currentUser(c).ID

	out := []notice.Notice{}
	for _, n := range s.feed.Since(after) {
		if len(n.Recipients) == 0 || slices.Contains(n.Recipients, me) {
			out = append(out, n)
		}
	}
	c.JSON(http.StatusOK, gin.H{"notices": out})
}
