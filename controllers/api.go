package controllers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/vnkhanh/recallai-backend/logger"
	"github.com/vnkhanh/recallai-backend/models"
	"github.com/vnkhanh/recallai-backend/repository"
	"github.com/vnkhanh/recallai-backend/services"
	"github.com/vnkhanh/recallai-backend/utils"
	"github.com/vnkhanh/recallai-backend/worker"
	"github.com/vnkhanh/recallai-backend/ws"
)

type DeadLetterLister interface {
	List(ctx context.Context, n int64) ([]models.DeadLetter, error)
}

// API carries every dependency the handlers need.
type API struct {
	DB          *gorm.DB
	Decks       repository.DeckRepository
	Pipeline    *services.Pipeline
	Generator   services.FlashcardGenerator
	Exporter    *services.Exporter
	Store       utils.ObjectStore
	Bucket      string
	Pool        *worker.WorkerPool
	Hub         *ws.Hub
	DeadLetters DeadLetterLister // nil without Redis
	Log         *logger.Logger
}

// respondError maps domain errors to HTTP statuses.
func (a *API) respondError(c *gin.Context, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Message, "field": verr.Field})
	case errors.Is(err, services.ErrInvalidUpload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrDeckNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "deck not found"})
	case errors.Is(err, services.ErrNothingSelected):
		c.JSON(http.StatusBadRequest, gin.H{"error": "select at least one card to export"})
	case errors.Is(err, services.ErrExportUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": services.ErrExportUnavailable.Error()})
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server busy, please retry the upload"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
