package services

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidUpload     = errors.New("invalid upload")
	ErrDownloadFailed    = errors.New("object download failed")
	ErrEmptyContent      = errors.New("no content extracted")
	ErrContentTooShort   = errors.New("extracted content too short")
	ErrAIServiceFailure  = errors.New("ai service failure")
	ErrNoFlashcards      = errors.New("ai service returned no flashcards")
	ErrPayloadTooLarge   = errors.New("payload exceeds request ceiling")
	ErrNothingSelected   = errors.New("no cards selected for export")
	ErrExportUnavailable = errors.New("export failed, please try again")
)

// ValidationError describes why an upload was rejected.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid upload %s %q: %s", e.Field, fmt.Sprint(e.Value), e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidUpload }
