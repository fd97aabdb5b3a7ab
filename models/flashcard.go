package models

import (
	"fmt"
	"strings"
	"time"
)

type CardType string

const (
	CardQA         CardType = "qa"
	CardCloze      CardType = "cloze"
	CardDefinition CardType = "definition"
)

func ParseCardType(s string) (CardType, error) {
	switch CardType(strings.ToLower(strings.TrimSpace(s))) {
	case CardQA:
		return CardQA, nil
	case CardCloze:
		return CardCloze, nil
	case CardDefinition:
		return CardDefinition, nil
	default:
		return "", fmt.Errorf("unknown card type %q", s)
	}
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

func ParseDifficulty(s string) (Difficulty, error) {
	switch Difficulty(strings.ToLower(strings.TrimSpace(s))) {
	case DifficultyEasy:
		return DifficultyEasy, nil
	case DifficultyMedium:
		return DifficultyMedium, nil
	case DifficultyHard:
		return DifficultyHard, nil
	default:
		return "", fmt.Errorf("unknown difficulty %q", s)
	}
}

// Flashcard lives under its deck; (DeckID, ID) is unique.
type Flashcard struct {
	DeckID     string     `gorm:"size:255;primaryKey" json:"deck_id"`
	ID         string     `gorm:"size:128;primaryKey" json:"id"`
	Position   int        `gorm:"not null;default:0" json:"position"`
	Type       CardType   `gorm:"type:varchar(20);not null" json:"type"`
	Question   string     `gorm:"type:text;not null" json:"question"`
	Answer     string     `gorm:"type:text;not null" json:"answer"`
	SourceText string     `gorm:"type:text" json:"source_text,omitempty"`
	Difficulty Difficulty `gorm:"type:varchar(10);not null" json:"difficulty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (Flashcard) TableName() string { return "cards" }
