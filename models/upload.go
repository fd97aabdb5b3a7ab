package models

import "time"

// UploadEvent is the storage-finalize notification for one object. It is consumed
// once by the ingestion pipeline and never stored.
type UploadEvent struct {
	Bucket      string
	Name        string
	ContentType string
	Size        int64
	Generation  string
	Language    string // optional transcription hint from object metadata
}

// UploadTarget is an UploadEvent that passed validation, with its path decoded.
type UploadTarget struct {
	Event    UploadEvent
	Kind     SourceKind
	UserID   string
	Filename string
}

// DeadLetter records a pipeline outcome that could not be persisted.
type DeadLetter struct {
	DeckID     string    `json:"deck_id"`
	UserID     string    `json:"user_id"`
	SourcePath string    `json:"source_path"`
	Stage      string    `json:"stage"`
	Cause      string    `json:"cause"`
	WriteError string    `json:"write_error"`
	FailedAt   time.Time `json:"failed_at"`
}
