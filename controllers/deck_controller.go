package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vnkhanh/recallai-backend/middleware"
	"github.com/vnkhanh/recallai-backend/models"
)

// Danh sách deck của user
func (a *API) ListDecks(c *gin.Context) {
	decks, err := a.Decks.ListByUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		a.respondError(c, err)
		return
	}
	if decks == nil {
		decks = []models.Deck{}
	}
	c.JSON(http.StatusOK, gin.H{"decks": decks, "total": len(decks)})
}

// Chi tiết deck kèm flashcard
func (a *API) GetDeck(c *gin.Context) {
	deck, err := a.Decks.GetWithCards(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	if deck.Cards == nil {
		deck.Cards = []models.Flashcard{}
	}
	c.JSON(http.StatusOK, deck)
}

// Xóa deck, flashcard bị xóa theo
func (a *API) DeleteDeck(c *gin.Context) {
	userID := middleware.UserID(c)
	deckID := c.Param("id")
	if err := a.Decks.Delete(c.Request.Context(), userID, deckID); err != nil {
		a.respondError(c, err)
		return
	}
	// Cập nhật realtime
	a.Log.Info("deck deleted", "deck_id", deckID, "user_id", userID)
	if msg, err := json.Marshal(gin.H{"type": "deck_deleted", "deck": gin.H{"id": deckID}}); err == nil {
		a.Hub.Broadcast(userID, msg)
	}
	c.Status(http.StatusNoContent)
}
