package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vnkhanh/recallai-backend/models"
)

// ListDeadLetters returns the newest pipeline outcomes that could not be persisted.
func (a *API) ListDeadLetters(c *gin.Context) {
	if a.DeadLetters == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dead-letter queue not configured"})
		return
	}
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil || limit < 1 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}
	entries, err := a.DeadLetters.List(c.Request.Context(), limit)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if entries == nil {
		entries = []models.DeadLetter{}
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": entries, "total": len(entries)})
}
