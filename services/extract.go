package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/vnkhanh/recallai-backend/logger"
	"github.com/vnkhanh/recallai-backend/models"
)

const (
	MinTextChars = 10
	MaxTextChars = 100_000
)

// ObjectDownloader fetches an uploaded object's bytes.
type ObjectDownloader interface {
	Download(ctx context.Context, bucket, name string) ([]byte, error)
}

// Payload is what the AI client receives: text for documents, raw bytes for audio.
type Payload struct {
	Kind        models.SourceKind
	Text        string
	Truncated   bool
	Audio       []byte
	Filename    string
	ContentType string
	Language    string
	AudioInfo   *models.AudioInfo
}

type Extractor struct {
	store ObjectDownloader
	log   *logger.Logger
}

func NewExtractor(store ObjectDownloader, log *logger.Logger) *Extractor {
	return &Extractor{store: store, log: log.With("component", "extractor")}
}

func (e *Extractor) Extract(ctx context.Context, target models.UploadTarget) (Payload, error) {
	data, err := e.store.Download(ctx, target.Event.Bucket, target.Event.Name)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if len(data) == 0 {
		return Payload{}, fmt.Errorf("%w: %s is empty", ErrEmptyContent, target.Event.Name)
	}

	switch target.Kind {
	case models.SourceAudio:
		return e.audioPayload(target, data), nil
	case models.SourceDocuments:
		return e.documentPayload(target, data)
	default:
		return Payload{}, fmt.Errorf("unsupported source kind %q", target.Kind)
	}
}

func (e *Extractor) documentPayload(target models.UploadTarget, data []byte) (Payload, error) {
	var (
		raw string
		err error
	)
	if baseContentType(target.Event.ContentType) == "application/pdf" {
		raw, err = ExtractTextFromPDF(data)
		if err != nil {
			return Payload{}, err
		}
	} else {
		raw = ExtractTextFromTXT(data)
	}

	text, truncated, err := PrepareText(raw)
	if err != nil {
		return Payload{}, err
	}
	if truncated {
		e.log.Warn("document text truncated",
			"object", target.Event.Name,
			"original_chars", utf8.RuneCountInString(raw),
			"max_chars", MaxTextChars,
		)
	}
	e.log.Info("document text extracted", "object", target.Event.Name, "chars", utf8.RuneCountInString(text))

	return Payload{
		Kind:        models.SourceDocuments,
		Text:        text,
		Truncated:   truncated,
		Filename:    target.Filename,
		ContentType: target.Event.ContentType,
	}, nil
}

func (e *Extractor) audioPayload(target models.UploadTarget, data []byte) Payload {
	info := &models.AudioInfo{
		Size:   int64(len(data)),
		Format: strings.TrimPrefix(strings.ToLower(path.Ext(target.Filename)), "."),
	}
	if info.Format == "mp3" {
		if dur, err := MP3Duration(data); err == nil {
			info.Duration = dur
		} else {
			e.log.Debug("mp3 duration unavailable", "object", target.Event.Name, "error", err)
		}
	}
	return Payload{
		Kind:        models.SourceAudio,
		Audio:       data,
		Filename:    target.Filename,
		ContentType: target.Event.ContentType,
		Language:    NormalizeLanguage(target.Event.Language),
		AudioInfo:   info,
	}
}

// ExtractTextFromPDF concatenates the plain text of every readable page.
// Malformed documents can make the pdf reader panic; that is reported as an error.
func ExtractTextFromPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: corrupt pdf: %v", ErrEmptyContent, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open pdf: %v", ErrEmptyContent, err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(content)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// ExtractTextFromTXT decodes bytes as UTF-8, replacing invalid sequences.
func ExtractTextFromTXT(data []byte) string {
	s := string(data)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	return strings.TrimPrefix(s, "\uFEFF")
}

var (
	reSpaces     = regexp.MustCompile(`[ \t\f\v]+`)
	reBlankLines = regexp.MustCompile(`\n{3,}`)
)

// NormalizeText collapses runs of horizontal whitespace and blank lines.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = reSpaces.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	text = strings.Join(lines, "\n")
	text = reBlankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// PrepareText normalizes extracted text and enforces the length bounds.
// Text over MaxTextChars is cut, not rejected.
func PrepareText(raw string) (string, bool, error) {
	text := NormalizeText(raw)
	if text == "" {
		return "", false, ErrEmptyContent
	}
	n := utf8.RuneCountInString(text)
	if n < MinTextChars {
		return "", false, fmt.Errorf("%w: %d characters (minimum %d)", ErrContentTooShort, n, MinTextChars)
	}
	if n <= MaxTextChars {
		return text, false, nil
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:MaxTextChars])), true, nil
}

// IsExtractionError reports whether err came from download or text extraction.
func IsExtractionError(err error) bool {
	return errors.Is(err, ErrDownloadFailed) || errors.Is(err, ErrEmptyContent) || errors.Is(err, ErrContentTooShort)
}
