package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"gorm.io/datatypes"

	"github.com/vnkhanh/recallai-backend/logger"
	"github.com/vnkhanh/recallai-backend/models"
)

const (
	PlaceholderQuestion = "Question not available"
	PlaceholderAnswer   = "Answer not available"
	failedSuffix        = "_failed"

	// column bounds: decks.id 255, decks.title 255, cards.id 128
	maxIDSlugLen  = 96
	maxTitleRunes = 200
	MaxCardIDLen  = 128
)

type DeckStore interface {
	CreateWithCards(ctx context.Context, deck *models.Deck, cards []models.Flashcard) error
	CreateFailed(ctx context.Context, deck *models.Deck) error
}

type DeadLetterQueue interface {
	Push(ctx context.Context, entry models.DeadLetter) error
}

// DeckNotifier receives every deck that was written, for live updates to its owner.
type DeckNotifier interface {
	PublishDeck(userID string, deck models.Deck)
}

type Persister struct {
	store  DeckStore
	dlq    DeadLetterQueue
	notify DeckNotifier
	log    *logger.Logger
	now    func() time.Time
}

// NewPersister wires the deck store. dlq and notify may be nil.
func NewPersister(store DeckStore, dlq DeadLetterQueue, notify DeckNotifier, log *logger.Logger) *Persister {
	return &Persister{
		store:  store,
		dlq:    dlq,
		notify: notify,
		log:    log.With("component", "persister"),
		now:    time.Now,
	}
}

// DeckID builds {userId}_{sanitized filename}_{unix millis}.
func DeckID(userID, filename string, at time.Time) string {
	name := slug.Make(deckTitle(filename))
	if len(name) > maxIDSlugLen {
		name = strings.TrimRight(name[:maxIDSlugLen], "-")
	}
	if name == "" {
		name = "upload"
	}
	return fmt.Sprintf("%s_%s_%d", userID, name, at.UnixMilli())
}

func deckTitle(filename string) string {
	title := strings.TrimSuffix(filename, path.Ext(filename))
	if strings.TrimSpace(title) == "" {
		title = filename
	}
	if r := []rune(title); len(r) > maxTitleRunes {
		title = string(r[:maxTitleRunes])
	}
	return title
}

// NormalizeCards applies defaults to generator output and guarantees unique ids.
func NormalizeCards(generated []GeneratedCard) []models.Flashcard {
	cards := make([]models.Flashcard, 0, len(generated))
	seen := make(map[string]struct{}, len(generated))

	for i, g := range generated {
		pos := i + 1
		fallback := fmt.Sprintf("card_%d", pos)

		id := g.ID
		if id == "" || len(id) > MaxCardIDLen {
			id = fallback
		}
		if _, dup := seen[id]; dup {
			id = fallback
		}
		for n := 2; ; n++ {
			if _, dup := seen[id]; !dup {
				break
			}
			id = fmt.Sprintf("%s_%d", fallback, n)
		}
		seen[id] = struct{}{}

		cardType, err := models.ParseCardType(g.Type)
		if err != nil {
			cardType = models.CardQA
		}
		difficulty, err := models.ParseDifficulty(g.Difficulty)
		if err != nil {
			difficulty = models.DifficultyMedium
		}
		question := g.Question
		if question == "" {
			question = PlaceholderQuestion
		}
		answer := g.Answer
		if answer == "" {
			answer = PlaceholderAnswer
		}

		cards = append(cards, models.Flashcard{
			ID:         id,
			Position:   pos,
			Type:       cardType,
			Question:   question,
			Answer:     answer,
			SourceText: g.SourceText,
			Difficulty: difficulty,
		})
	}
	return cards
}

// SaveCompleted writes a completed deck with all of its cards.
func (p *Persister) SaveCompleted(ctx context.Context, target models.UploadTarget, payload Payload, gen Generation) (*models.Deck, error) {
	cards := NormalizeCards(gen.Cards)
	deck := &models.Deck{
		ID:         DeckID(target.UserID, target.Filename, p.now()),
		Title:      deckTitle(target.Filename),
		UserID:     target.UserID,
		Status:     models.DeckCompleted,
		SourceKind: target.Kind,
		SourcePath: target.Event.Name,
		Model:      gen.Model,
	}
	if gen.Transcription != nil {
		deck.Transcription = datatypes.NewJSONType(gen.Transcription)
	}
	if info := mergeAudioInfo(gen.AudioInfo, payload.AudioInfo); info != nil {
		deck.AudioInfo = datatypes.NewJSONType(info)
	}

	if err := p.store.CreateWithCards(ctx, deck, cards); err != nil {
		p.deadLetter(ctx, deck, "persist_completed", nil, err)
		return nil, fmt.Errorf("persist deck %s: %w", deck.ID, err)
	}

	p.log.Info("deck saved", "deck_id", deck.ID, "user_id", deck.UserID, "cards", deck.TotalCards, "model", deck.Model)
	p.publish(deck)
	return deck, nil
}

// SaveFailed records a failed run as a deck with no cards. stage names the step that failed.
func (p *Persister) SaveFailed(ctx context.Context, target models.UploadTarget, stage string, cause error) (*models.Deck, error) {
	msg := FailureMessage(cause)
	deck := &models.Deck{
		ID:           DeckID(target.UserID, target.Filename, p.now()) + failedSuffix,
		Title:        deckTitle(target.Filename),
		UserID:       target.UserID,
		Status:       models.DeckFailed,
		SourceKind:   target.Kind,
		SourcePath:   target.Event.Name,
		ErrorMessage: &msg,
	}

	if err := p.store.CreateFailed(ctx, deck); err != nil {
		p.deadLetter(ctx, deck, stage, cause, err)
		return nil, fmt.Errorf("persist failed deck %s: %w", deck.ID, err)
	}

	p.log.Warn("failed deck recorded", "deck_id", deck.ID, "user_id", deck.UserID, "stage", stage, "error", cause)
	p.publish(deck)
	return deck, nil
}

func (p *Persister) deadLetter(ctx context.Context, deck *models.Deck, stage string, cause, writeErr error) {
	entry := models.DeadLetter{
		DeckID:     deck.ID,
		UserID:     deck.UserID,
		SourcePath: deck.SourcePath,
		Stage:      stage,
		WriteError: writeErr.Error(),
		FailedAt:   p.now().UTC(),
	}
	if cause != nil {
		entry.Cause = cause.Error()
	}
	p.log.Error("deck write failed", "deck_id", deck.ID, "user_id", deck.UserID, "stage", stage, "error", writeErr)

	if p.dlq == nil {
		return
	}
	// the request context may already be done; the dead letter still has to land
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.dlq.Push(pushCtx, entry); err != nil {
		p.log.Error("dead letter push failed", "deck_id", deck.ID, "error", err)
	}
}

func (p *Persister) publish(deck *models.Deck) {
	if p.notify == nil {
		return
	}
	out := *deck
	out.Cards = nil
	p.notify.PublishDeck(deck.UserID, out)
}

func mergeAudioInfo(remote, local *models.AudioInfo) *models.AudioInfo {
	switch {
	case remote == nil && local == nil:
		return nil
	case remote == nil:
		return local
	case local == nil:
		return remote
	}
	merged := *remote
	if merged.Duration == 0 {
		merged.Duration = local.Duration
	}
	if merged.Size == 0 {
		merged.Size = local.Size
	}
	if merged.Format == "" {
		merged.Format = local.Format
	}
	return &merged
}

// FailureMessage turns a pipeline error into text suitable for the deck owner.
func FailureMessage(err error) string {
	switch {
	case err == nil:
		return "Processing failed"
	case errors.Is(err, ErrDownloadFailed):
		return "The uploaded file could not be read"
	case errors.Is(err, ErrEmptyContent):
		return "No text could be extracted from the file"
	case errors.Is(err, ErrContentTooShort):
		return "The file does not contain enough text to generate flashcards"
	case errors.Is(err, ErrPayloadTooLarge):
		return "The file is too large to process"
	case errors.Is(err, context.DeadlineExceeded):
		return "Processing timed out"
	case errors.Is(err, ErrAIServiceFailure):
		return "Flashcard generation failed, please try again"
	default:
		return err.Error()
	}
}
