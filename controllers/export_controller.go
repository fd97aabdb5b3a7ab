package controllers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vnkhanh/recallai-backend/middleware"
	"github.com/vnkhanh/recallai-backend/services"
)

type exportRequest struct {
	Format  string   `json:"format" binding:"required"`
	CardIDs []string `json:"card_ids"`
}

func (a *API) ExportDeck(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	format, err := services.ParseExportFormat(req.Format)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deck, err := a.Decks.GetWithCards(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		a.respondError(c, err)
		return
	}

	file, err := a.Exporter.Export(c.Request.Context(), deck, req.CardIDs, format)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	c.Data(http.StatusOK, file.ContentType, file.Data)
}
