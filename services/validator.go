package services

import (
	"path"
	"regexp"
	"strings"

	"github.com/vnkhanh/recallai-backend/models"
)

const (
	MaxDocumentBytes int64 = 10 << 20
	MaxAudioBytes    int64 = 50 << 20
	MaxUserIDLen           = 128

	uploadsRoot = "uploads"
)

type uploadRule struct {
	maxBytes     int64
	contentTypes map[string]struct{}
	extensions   map[string]struct{}
}

var uploadRules = map[models.SourceKind]uploadRule{
	models.SourceDocuments: {
		maxBytes:     MaxDocumentBytes,
		contentTypes: setOf("application/pdf", "text/plain"),
		extensions:   setOf(".pdf", ".txt"),
	},
	models.SourceAudio: {
		maxBytes: MaxAudioBytes,
		contentTypes: setOf(
			"audio/mpeg", "audio/mp3",
			"audio/wav", "audio/x-wav", "audio/wave",
			"audio/mp4", "audio/x-m4a", "audio/m4a",
			"audio/flac", "audio/x-flac",
			"audio/aac",
			"audio/ogg",
		),
		extensions: setOf(".mp3", ".wav", ".m4a", ".flac", ".aac", ".ogg"),
	},
}

// UploadPath builds the object path the validator accepts.
func UploadPath(kind models.SourceKind, userID, filename string) string {
	return path.Join(uploadsRoot, string(kind), userID, filename)
}

// ValidateUpload checks an upload event before any download or network work.
// It fails closed: any rule violation returns a *ValidationError.
func ValidateUpload(ev models.UploadEvent) (models.UploadTarget, error) {
	parts := strings.Split(ev.Name, "/")
	if len(parts) != 4 || parts[0] != uploadsRoot {
		return models.UploadTarget{}, &ValidationError{Field: "path", Value: ev.Name, Message: "expected uploads/{kind}/{userId}/{filename}"}
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return models.UploadTarget{}, &ValidationError{Field: "path", Value: ev.Name, Message: "empty path segment"}
		}
	}

	if len(parts[2]) > MaxUserIDLen {
		return models.UploadTarget{}, &ValidationError{Field: "user_id", Value: parts[2], Message: "user id too long"}
	}

	kind, err := models.ParseSourceKind(parts[1])
	if err != nil {
		return models.UploadTarget{}, &ValidationError{Field: "kind", Value: parts[1], Message: "must be documents or audio"}
	}
	rule := uploadRules[kind]

	if ev.Size > rule.maxBytes {
		return models.UploadTarget{}, &ValidationError{Field: "size", Value: ev.Size, Message: "exceeds the " + string(kind) + " size limit"}
	}
	if _, ok := rule.contentTypes[baseContentType(ev.ContentType)]; !ok {
		return models.UploadTarget{}, &ValidationError{Field: "content_type", Value: ev.ContentType, Message: "not allowed for " + string(kind)}
	}
	filename := parts[3]
	if _, ok := rule.extensions[strings.ToLower(path.Ext(filename))]; !ok {
		return models.UploadTarget{}, &ValidationError{Field: "extension", Value: path.Ext(filename), Message: "not allowed for " + string(kind)}
	}

	return models.UploadTarget{
		Event:    ev,
		Kind:     kind,
		UserID:   parts[2],
		Filename: filename,
	}, nil
}

var languageTag = regexp.MustCompile(`^[a-z]{2,3}(-[a-z0-9]{2,8})?$`)

// NormalizeLanguage lowercases a language hint and drops anything that is not
// a short tag such as "en" or "pt-br".
func NormalizeLanguage(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !languageTag.MatchString(s) {
		return ""
	}
	return s
}

// baseContentType drops parameters such as "; charset=utf-8".
func baseContentType(ct string) string {
	base, _, _ := strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

func setOf(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}
