package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/safar/quotesync/internal/models"
	"github.com/safar/quotesync/internal/quote"
	"github.com/safar/quotesync/internal/store"
)

type createQuoteRequest struct {
	Title        string          `json:"title" binding:"required"`
	CustomerName string          `json:"customer_name"`
	Value        decimal.Decimal `json:"value"`
	Notes        string          `json:"notes"`
	AssignedTo   *string         `json:"assigned_to"`
	ValidUntil   *time.Time      `json:"valid_until"`
}

func (s *Server) createQuote(c *gin.Context) {
	var req createQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Value.IsNegative() {
		respondError(c, http.StatusBadRequest, "value must not be negative")
		return
	}

	q, err := s.quotes.Create(c.Request.Context(), quote.CreateRequest{
		Title:        req.Title,
		CustomerName: req.CustomerName,
		Value:        req.Value,
		Notes:        req.Notes,
		AssignedTo:   req.AssignedTo,
		ValidUntil:   req.ValidUntil,
		CreatedBy:    currentUser(c).ID,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, q)
}

func (s *Server) listQuotes(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	pageSize, _ := strconv.Atoi(c.Query("page_size"))
	page, pageSize = store.NormalizePage(page, pageSize)

	result, err := s.quotes.List(c.Request.Context(), page, pageSize)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getQuote(c *gin.Context) {
	q, err := s.quotes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

type patchQuoteRequest struct {
	ExpectedVersion *int `json:"expected_version" binding:"required"`
	models.QuotePatch
}

func (s *Server) patchQuote(c *gin.Context) {
	var req patchQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	q, err := s.quotes.PersistMutation(c.Request.Context(), c.Param("id"), *req.ExpectedVersion, req.QuotePatch, currentUser(c).ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) acquireLock(c *gin.Context) {
	lock, err := s.quotes.AcquireLock(c.Request.Context(), c.Param("id"), currentUser(c).ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lock)
}

func (s *Server) releaseLock(c *gin.Context) {
	if err := s.quotes.ReleaseLock(c.Request.Context(), c.Param("id"), currentUser(c).ID); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
