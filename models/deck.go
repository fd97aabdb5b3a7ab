package models

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type DeckStatus string

const (
	DeckProcessing DeckStatus = "processing"
	DeckCompleted  DeckStatus = "completed"
	DeckFailed     DeckStatus = "failed"
)

func ParseDeckStatus(s string) (DeckStatus, error) {
	switch DeckStatus(strings.ToLower(strings.TrimSpace(s))) {
	case DeckProcessing:
		return DeckProcessing, nil
	case DeckCompleted:
		return DeckCompleted, nil
	case DeckFailed:
		return DeckFailed, nil
	default:
		return "", fmt.Errorf("unknown deck status %q", s)
	}
}

// Terminal reports whether no further writes are expected for a deck in this status.
func (s DeckStatus) Terminal() bool {
	switch s {
	case DeckCompleted, DeckFailed:
		return true
	case DeckProcessing:
		return false
	default:
		return false
	}
}

// SourceKind is the upload category; it picks the validation rules and the AI endpoint.
type SourceKind string

const (
	SourceDocuments SourceKind = "documents"
	SourceAudio     SourceKind = "audio"
)

func ParseSourceKind(s string) (SourceKind, error) {
	switch SourceKind(s) {
	case SourceDocuments:
		return SourceDocuments, nil
	case SourceAudio:
		return SourceAudio, nil
	default:
		return "", fmt.Errorf("unknown source kind %q", s)
	}
}

type Transcription struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments int     `json:"segments"`
}

type AudioInfo struct {
	Duration float64 `json:"duration"` // seconds
	Size     int64   `json:"size"`     // bytes
	Format   string  `json:"format"`
}

type Deck struct {
	ID           string     `gorm:"size:255;primaryKey" json:"id"`
	Title        string     `gorm:"size:255;not null" json:"title"`
	UserID       string     `gorm:"size:128;not null;index" json:"user_id"`
	Status       DeckStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	SourceKind   SourceKind `gorm:"type:varchar(20);not null" json:"source_type"`
	SourcePath   string     `gorm:"type:text" json:"source_path"`
	Model        string     `gorm:"size:120" json:"ai_model"`
	TotalCards   int        `gorm:"not null;default:0" json:"total_cards"`
	ErrorMessage *string    `gorm:"type:text" json:"error_message,omitempty"`

	Transcription datatypes.JSONType[*Transcription] `json:"transcription,omitempty"`
	AudioInfo     datatypes.JSONType[*AudioInfo]     `json:"audio_info,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Cards []Flashcard `gorm:"foreignKey:DeckID;references:ID" json:"cards,omitempty"`
}
