package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/vnkhanh/recallai-backend/models"
)

var ErrDeckNotFound = errors.New("deck not found")

type DeckRepository interface {
	CreateWithCards(ctx context.Context, deck *models.Deck, cards []models.Flashcard) error
	CreateFailed(ctx context.Context, deck *models.Deck) error
	ListByUser(ctx context.Context, userID string) ([]models.Deck, error)
	GetWithCards(ctx context.Context, userID, deckID string) (*models.Deck, error)
	Delete(ctx context.Context, userID, deckID string) error
}

type deckRepository struct {
	db *gorm.DB
}

func NewDeckRepository(db *gorm.DB) DeckRepository {
	return &deckRepository{db: db}
}

// CreateWithCards writes the deck row and every card row in one transaction,
// so a deck is never visible without its cards.
func (r *deckRepository) CreateWithCards(ctx context.Context, deck *models.Deck, cards []models.Flashcard) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deck.TotalCards = len(cards)
		if err := tx.Omit("Cards").Create(deck).Error; err != nil {
			return fmt.Errorf("insert deck %s: %w", deck.ID, err)
		}
		if len(cards) == 0 {
			return nil
		}
		for i := range cards {
			cards[i].DeckID = deck.ID
		}
		if err := tx.CreateInBatches(&cards, 100).Error; err != nil {
			return fmt.Errorf("insert cards for deck %s: %w", deck.ID, err)
		}
		deck.Cards = cards
		return nil
	})
}

func (r *deckRepository) CreateFailed(ctx context.Context, deck *models.Deck) error {
	deck.TotalCards = 0
	if err := r.db.WithContext(ctx).Omit("Cards").Create(deck).Error; err != nil {
		return fmt.Errorf("insert failed deck %s: %w", deck.ID, err)
	}
	return nil
}

func (r *deckRepository) ListByUser(ctx context.Context, userID string) ([]models.Deck, error) {
	var decks []models.Deck
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&decks).Error
	if err != nil {
		return nil, err
	}
	return decks, nil
}

// GetWithCards loads a deck owned by userID with its cards in position order.
// A deck owned by someone else is reported as not found.
func (r *deckRepository) GetWithCards(ctx context.Context, userID, deckID string) (*models.Deck, error) {
	var deck models.Deck
	err := r.db.WithContext(ctx).
		Preload("Cards", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("id = ? AND user_id = ?", deckID, userID).
		First(&deck).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeckNotFound
	}
	if err != nil {
		return nil, err
	}
	return &deck, nil
}

func (r *deckRepository) Delete(ctx context.Context, userID, deckID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Deck{}).Where("id = ? AND user_id = ?", deckID, userID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrDeckNotFound
		}
		if err := tx.Where("deck_id = ?", deckID).Delete(&models.Flashcard{}).Error; err != nil {
			return fmt.Errorf("delete cards: %w", err)
		}
		if err := tx.Where("id = ? AND user_id = ?", deckID, userID).Delete(&models.Deck{}).Error; err != nil {
			return fmt.Errorf("delete deck: %w", err)
		}
		return nil
	})
}
