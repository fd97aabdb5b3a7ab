package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/vnkhanh/recallai-backend/logger"
	"github.com/vnkhanh/recallai-backend/models"
)

const (
	TextCardCount  = 15
	AudioCardCount = 12

	defaultTextTimeout  = 60 * time.Second
	defaultAudioTimeout = 5 * time.Minute
	maxResponseBytes    = 20 << 20
)

// GeneratedCard is one card as returned by a generator, before defaults are applied.
// Empty fields mean the generator did not supply them.
type GeneratedCard struct {
	ID         string `json:"id,omitempty"`
	Type       string `json:"type,omitempty"`
	Question   string `json:"question,omitempty"`
	Answer     string `json:"answer,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	SourceText string `json:"source_text,omitempty"`
}

type Generation struct {
	Cards         []GeneratedCard
	Model         string
	Transcription *models.Transcription
	AudioInfo     *models.AudioInfo
}

// AudioInput is one recording to generate cards from. Language is an optional
// hint for transcription ("en", "pt-br").
type AudioInput struct {
	Data        []byte
	Filename    string
	ContentType string
	Language    string
}

// FlashcardGenerator turns extracted content into cards with a single upstream call.
type FlashcardGenerator interface {
	GenerateFromText(ctx context.Context, text string) (Generation, error)
	GenerateFromAudio(ctx context.Context, in AudioInput) (Generation, error)
	Health(ctx context.Context) (map[string]interface{}, error)
}

// AnkiPackager builds an .apkg archive for a set of cards.
type AnkiPackager interface {
	ExportAnki(ctx context.Context, cards []models.Flashcard, deckName string) ([]byte, error)
}

// AIClient talks to the remote flashcard service over HTTP.
type AIClient struct {
	baseURL      string
	textTimeout  time.Duration
	audioTimeout time.Duration
	httpClient   *http.Client
	log          *logger.Logger
}

func NewAIClient(baseURL string, textTimeout, audioTimeout time.Duration, log *logger.Logger) *AIClient {
	if textTimeout <= 0 {
		textTimeout = defaultTextTimeout
	}
	if audioTimeout <= 0 {
		audioTimeout = defaultAudioTimeout
	}
	return &AIClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		textTimeout:  textTimeout,
		audioTimeout: audioTimeout,
		httpClient:   &http.Client{},
		log:          log.With("component", "ai_client"),
	}
}

type processResponse struct {
	Success       *bool           `json:"success"`
	Flashcards    json.RawMessage `json:"flashcards"`
	Model         string          `json:"model"`
	Error         string          `json:"error"`
	Transcription *struct {
		Text     string          `json:"text"`
		Language string          `json:"language"`
		Duration float64         `json:"duration"`
		Segments json.RawMessage `json:"segments"`
	} `json:"transcription"`
	AudioInfo *struct {
		DurationSeconds float64 `json:"duration_seconds"`
		FileSizeMB      float64 `json:"file_size_mb"`
		Format          string  `json:"format"`
	} `json:"audio_info"`
}

func (c *AIClient) GenerateFromText(ctx context.Context, text string) (Generation, error) {
	body, err := json.Marshal(map[string]interface{}{
		"text":      text,
		"num_cards": TextCardCount,
	})
	if err != nil {
		return Generation{}, fmt.Errorf("encode process request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.textTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process", bytes.NewReader(body))
	if err != nil {
		return Generation{}, fmt.Errorf("create process request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.generate(req, "/process")
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func (c *AIClient) GenerateFromAudio(ctx context.Context, in AudioInput) (Generation, error) {
	if int64(len(in.Data)) > MaxAudioBytes {
		return Generation{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, len(in.Data), MaxAudioBytes)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	contentType := baseContentType(in.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="%s"`, quoteEscaper.Replace(in.Filename)))
	h.Set("Content-Type", contentType)
	part, err := writer.CreatePart(h)
	if err != nil {
		return Generation{}, fmt.Errorf("create multipart file: %w", err)
	}
	if _, err := part.Write(in.Data); err != nil {
		return Generation{}, fmt.Errorf("copy audio data: %w", err)
	}
	if err := writer.WriteField("num_cards", strconv.Itoa(AudioCardCount)); err != nil {
		return Generation{}, fmt.Errorf("write num_cards field: %w", err)
	}
	if in.Language != "" {
		if err := writer.WriteField("language", in.Language); err != nil {
			return Generation{}, fmt.Errorf("write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return Generation{}, fmt.Errorf("close multipart writer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.audioTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process-audio", body)
	if err != nil {
		return Generation{}, fmt.Errorf("create process-audio request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	c.log.Info("sending audio to ai service", "filename", in.Filename, "content_type", contentType, "language", in.Language, "bytes", len(in.Data))
	return c.generate(req, "/process-audio")
}

func (c *AIClient) generate(req *http.Request, endpoint string) (Generation, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Generation{}, fmt.Errorf("%w: %s request failed: %v", ErrAIServiceFailure, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Generation{}, fmt.Errorf("%w: read %s response: %v", ErrAIServiceFailure, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Generation{}, fmt.Errorf("%w: %s returned status %d: %s", ErrAIServiceFailure, endpoint, resp.StatusCode, upstreamMessage(raw))
	}

	var out processResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Generation{}, fmt.Errorf("%w: decode %s response: %v", ErrAIServiceFailure, endpoint, err)
	}
	if out.Success == nil {
		return Generation{}, fmt.Errorf("%w: %s response has no success flag", ErrAIServiceFailure, endpoint)
	}
	if !*out.Success {
		return Generation{}, fmt.Errorf("%w: %s reported failure: %s", ErrAIServiceFailure, endpoint, out.Error)
	}

	cards, err := decodeCards(out.Flashcards)
	if err != nil {
		return Generation{}, fmt.Errorf("%w: %s: %v", ErrAIServiceFailure, endpoint, err)
	}
	if len(cards) == 0 {
		return Generation{}, fmt.Errorf("%w: %s", ErrNoFlashcards, endpoint)
	}

	gen := Generation{Cards: cards, Model: out.Model}
	if t := out.Transcription; t != nil {
		gen.Transcription = &models.Transcription{
			Text:     t.Text,
			Language: t.Language,
			Duration: t.Duration,
			Segments: segmentCount(t.Segments),
		}
	}
	if a := out.AudioInfo; a != nil {
		gen.AudioInfo = &models.AudioInfo{
			Duration: a.DurationSeconds,
			Size:     int64(a.FileSizeMB * 1024 * 1024),
			Format:   strings.TrimPrefix(a.Format, "."),
		}
	}

	c.log.Info("ai service responded",
		"endpoint", endpoint,
		"cards", len(cards),
		"model", gen.Model,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return gen, nil
}

// decodeCards requires a JSON array. Card fields that are absent or not
// strings are left empty so defaults can be applied later.
func decodeCards(raw json.RawMessage) ([]GeneratedCard, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.New("flashcards is missing or not an array")
	}
	var items []map[string]interface{}
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("decode flashcards: %v", err)
	}
	cards := make([]GeneratedCard, 0, len(items))
	for _, item := range items {
		cards = append(cards, GeneratedCard{
			ID:         stringField(item, "id"),
			Type:       stringField(item, "type"),
			Question:   stringField(item, "question"),
			Answer:     stringField(item, "answer"),
			Difficulty: stringField(item, "difficulty"),
			SourceText: stringField(item, "source_text"),
		})
	}
	return cards, nil
}

func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// segmentCount accepts either a count or the list of segments itself.
func segmentCount(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return len(list)
	}
	return 0
}

func upstreamMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

type ankiCard struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	Difficulty string `json:"difficulty"`
	SourceText string `json:"source_text,omitempty"`
}

// ExportAnki asks the AI service to package cards as an Anki deck and returns the archive bytes.
func (c *AIClient) ExportAnki(ctx context.Context, cards []models.Flashcard, deckName string) ([]byte, error) {
	payload := struct {
		Flashcards []ankiCard `json:"flashcards"`
		DeckName   string     `json:"deck_name"`
	}{DeckName: deckName}
	for _, fc := range cards {
		payload.Flashcards = append(payload.Flashcards, ankiCard{
			ID:         fc.ID,
			Type:       string(fc.Type),
			Question:   fc.Question,
			Answer:     fc.Answer,
			Difficulty: string(fc.Difficulty),
			SourceText: fc.SourceText,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode export-anki request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.textTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/export-anki", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create export-anki request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("export-anki request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read export-anki response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("export-anki returned status %d: %s", resp.StatusCode, upstreamMessage(raw))
	}

	var out struct {
		Success       bool   `json:"success"`
		Filename      string `json:"filename"`
		Data          string `json:"data"`
		Size          int    `json:"size"`
		CardsExported int    `json:"cards_exported"`
		Error         string `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode export-anki response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("export-anki reported failure: %s", out.Error)
	}
	data, err := base64.StdEncoding.DecodeString(out.Data)
	if err != nil {
		return nil, fmt.Errorf("decode anki archive: %w", err)
	}
	c.log.Info("anki deck exported", "deck", deckName, "cards", out.CardsExported, "bytes", len(data))
	return data, nil
}

// Health returns the AI service's own health document.
func (c *AIClient) Health(ctx context.Context) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai health request failed: %w", err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ai health: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("ai service unhealthy: status %d", resp.StatusCode)
	}
	return out, nil
}
