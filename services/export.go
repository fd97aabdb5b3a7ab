package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/xuri/excelize/v2"

	"github.com/vnkhanh/recallai-backend/logger"
	"github.com/vnkhanh/recallai-backend/models"
)

type ExportFormat string

const (
	FormatCSV        ExportFormat = "csv"
	FormatQuizletCSV ExportFormat = "quizlet_csv"
	FormatQuizletTXT ExportFormat = "quizlet_txt"
	FormatJSON       ExportFormat = "json"
	FormatTXT        ExportFormat = "txt"
	FormatXLSX       ExportFormat = "xlsx"
	FormatAnki       ExportFormat = "anki"
)

func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatQuizletCSV, FormatQuizletTXT, FormatJSON, FormatTXT, FormatXLSX, FormatAnki:
		return f, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// ContentType and Extension describe the downloadable file for a format.
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatCSV, FormatQuizletCSV:
		return "text/csv"
	case FormatQuizletTXT, FormatTXT:
		return "text/plain"
	case FormatJSON:
		return "application/json"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatAnki:
		return "application/octet-stream"
	default:
		return "application/octet-stream"
	}
}

func (f ExportFormat) Extension() string {
	switch f {
	case FormatCSV, FormatQuizletCSV:
		return ".csv"
	case FormatQuizletTXT, FormatTXT:
		return ".txt"
	case FormatJSON:
		return ".json"
	case FormatXLSX:
		return ".xlsx"
	case FormatAnki:
		return ".apkg"
	default:
		return ".bin"
	}
}

type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Exporter struct {
	anki AnkiPackager
	log  *logger.Logger
	now  func() time.Time
}

// NewExporter builds an exporter; anki may be nil, in which case Anki exports fail.
func NewExporter(anki AnkiPackager, log *logger.Logger) *Exporter {
	return &Exporter{anki: anki, log: log.With("component", "exporter"), now: time.Now}
}

// Export renders the selected cards of deck, keeping deck order.
func (e *Exporter) Export(ctx context.Context, deck *models.Deck, cardIDs []string, format ExportFormat) (ExportFile, error) {
	cards := selectCards(deck.Cards, cardIDs)
	if len(cards) == 0 {
		return ExportFile{}, ErrNothingSelected
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case FormatCSV:
		data = renderCSV(cards)
	case FormatQuizletCSV:
		data = renderQuizletCSV(cards)
	case FormatQuizletTXT:
		data = renderQuizletTXT(cards)
	case FormatJSON:
		data, err = renderJSON(deck.Title, cards, e.now())
	case FormatTXT:
		data = renderTXT(cards)
	case FormatXLSX:
		data, err = renderXLSX(cards)
	case FormatAnki:
		data, err = e.exportAnki(ctx, deck.Title, cards)
	default:
		return ExportFile{}, fmt.Errorf("unknown export format %q", format)
	}
	if err != nil {
		return ExportFile{}, err
	}

	e.log.Info("deck exported", "deck_id", deck.ID, "format", string(format), "cards", len(cards), "bytes", len(data))
	return ExportFile{
		Filename:    ExportFilename(deck.Title, format),
		ContentType: format.ContentType(),
		Data:        data,
	}, nil
}

func (e *Exporter) exportAnki(ctx context.Context, title string, cards []models.Flashcard) ([]byte, error) {
	if e.anki == nil {
		return nil, ErrExportUnavailable
	}
	data, err := e.anki.ExportAnki(ctx, cards, title)
	if err != nil {
		e.log.Error("anki export failed", "deck", title, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrExportUnavailable, err)
	}
	return data, nil
}

func ExportFilename(title string, format ExportFormat) string {
	name := slug.Make(title)
	if name == "" {
		name = "flashcards"
	}
	return name + format.Extension()
}

func selectCards(cards []models.Flashcard, ids []string) []models.Flashcard {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]models.Flashcard, 0, len(ids))
	for _, c := range cards {
		if _, ok := want[c.ID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// quote always wraps the field; encoding/csv only quotes when it must.
func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func renderCSV(cards []models.Flashcard) []byte {
	var sb strings.Builder
	sb.WriteString("Front,Back,Type,Difficulty\n")
	for _, c := range cards {
		sb.WriteString(strings.Join([]string{
			quote(c.Question), quote(c.Answer), quote(string(c.Type)), quote(string(c.Difficulty)),
		}, ","))
		sb.WriteString("\n")
	}
	return []byte(sb.String())
}

func renderQuizletCSV(cards []models.Flashcard) []byte {
	var sb strings.Builder
	sb.WriteString("Term,Definition\n")
	for _, c := range cards {
		sb.WriteString(quote(c.Question) + "," + quote(c.Answer) + "\n")
	}
	return []byte(sb.String())
}

var tabSafe = strings.NewReplacer("\t", " ", "\r\n", " ", "\n", " ", "\r", " ")

func renderQuizletTXT(cards []models.Flashcard) []byte {
	lines := make([]string, 0, len(cards))
	for _, c := range cards {
		lines = append(lines, tabSafe.Replace(c.Question)+"\t"+tabSafe.Replace(c.Answer))
	}
	return []byte(strings.Join(lines, "\n"))
}

type jsonExport struct {
	Deck struct {
		Title      string    `json:"title"`
		CardCount  int       `json:"card_count"`
		ExportedAt time.Time `json:"exported_at"`
	} `json:"deck"`
	Flashcards []models.Flashcard `json:"flashcards"`
}

func renderJSON(title string, cards []models.Flashcard, at time.Time) ([]byte, error) {
	var out jsonExport
	out.Deck.Title = title
	out.Deck.CardCount = len(cards)
	out.Deck.ExportedAt = at.UTC()
	out.Flashcards = cards
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json export: %w", err)
	}
	return data, nil
}

func renderTXT(cards []models.Flashcard) []byte {
	blocks := make([]string, 0, len(cards))
	for i, c := range cards {
		blocks = append(blocks, fmt.Sprintf("Card %d\nQ: %s\nA: %s\n---", i+1, c.Question, c.Answer))
	}
	return []byte(strings.Join(blocks, "\n\n") + "\n")
}

func renderXLSX(cards []models.Flashcard) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Flashcards"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}
	if err := f.SetSheetRow(sheet, "A1", &[]interface{}{"Front", "Back", "Type", "Difficulty"}); err != nil {
		return nil, fmt.Errorf("xlsx header: %w", err)
	}
	for i, c := range cards {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := []interface{}{c.Question, c.Answer, string(c.Type), string(c.Difficulty)}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, fmt.Errorf("xlsx row %d: %w", i+1, err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
