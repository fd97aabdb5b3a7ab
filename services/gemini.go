package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/vnkhanh/recallai-backend/logger"
	"github.com/vnkhanh/recallai-backend/models"
)

const flashcardPrompt = `You are an expert educational content creator specializing in creating effective flashcards for spaced repetition learning.

Analyze the following educational content and generate exactly %d high-quality flashcards.

%s

REQUIREMENTS:
1. Generate exactly %d flashcards
2. Mix different card types:
   - 60%% Q&A cards (question -> answer)
   - 25%% Cloze deletion cards (fill in the blank)
   - 15%% Definition cards (term -> definition)
3. Focus on the most important concepts, facts, and relationships
4. Questions should test understanding, not just memorization
5. Vary difficulty levels (easy, medium, hard)
6. Ensure answers are concise but complete
7. For cloze cards, replace key terms with "______"

OUTPUT FORMAT:
Return ONLY a valid JSON object with this exact structure:

{"flashcards": [{"type": "qa|cloze|definition", "question": "...", "answer": "...", "difficulty": "easy|medium|hard", "source_text": "Original text segment this card is based on"}]}

IMPORTANT: Return ONLY the JSON object, no additional text or formatting.`

// GeminiGenerator produces cards in-process with the Gemini API instead of the remote service.
type GeminiGenerator struct {
	client    *genai.Client
	modelName string
	log       *logger.Logger
}

func NewGeminiGenerator(ctx context.Context, apiKey, modelName string, log *logger.Logger) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiGenerator{client: client, modelName: modelName, log: log.With("component", "gemini")}, nil
}

func (g *GeminiGenerator) Close() error {
	return g.client.Close()
}

func (g *GeminiGenerator) model() *genai.GenerativeModel {
	m := g.client.GenerativeModel(g.modelName)
	m.SetTemperature(0.7)
	m.SetTopP(0.8)
	m.SetTopK(40)
	m.SetMaxOutputTokens(4096)
	m.ResponseMIMEType = "application/json"
	m.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockMediumAndAbove},
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockMediumAndAbove},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockMediumAndAbove},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockMediumAndAbove},
	}
	return m
}

func (g *GeminiGenerator) GenerateFromText(ctx context.Context, text string) (Generation, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTextTimeout)
	defer cancel()

	prompt := fmt.Sprintf(flashcardPrompt, TextCardCount, "CONTENT:\n"+text, TextCardCount)
	return g.generate(ctx, genai.Text(prompt))
}

func (g *GeminiGenerator) GenerateFromAudio(ctx context.Context, in AudioInput) (Generation, error) {
	if int64(len(in.Data)) > MaxAudioBytes {
		return Generation{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, len(in.Data), MaxAudioBytes)
	}
	ctx, cancel := context.WithTimeout(ctx, defaultAudioTimeout)
	defer cancel()

	prompt := fmt.Sprintf(flashcardPrompt, AudioCardCount, audioContentLine(in), AudioCardCount)
	gen, err := g.generate(ctx,
		genai.Blob{MIMEType: baseContentType(in.ContentType), Data: in.Data},
		genai.Text(prompt),
	)
	if err != nil {
		return Generation{}, err
	}
	gen.AudioInfo = &models.AudioInfo{Size: int64(len(in.Data)), Format: strings.TrimPrefix(strings.ToLower(path.Ext(in.Filename)), ".")}
	return gen, nil
}

func audioContentLine(in AudioInput) string {
	line := "CONTENT: the attached audio recording (" + in.Filename + ")."
	if in.Language != "" {
		line += " The speech is in language " + in.Language + "."
	}
	return line
}

func (g *GeminiGenerator) generate(ctx context.Context, parts ...genai.Part) (Generation, error) {
	resp, err := g.model().GenerateContent(ctx, parts...)
	if err != nil {
		return Generation{}, fmt.Errorf("%w: gemini: %v", ErrAIServiceFailure, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return Generation{}, fmt.Errorf("%w: gemini returned no candidates", ErrAIServiceFailure)
	}

	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}

	cards, err := parseGeminiCards(sb.String())
	if err != nil {
		return Generation{}, fmt.Errorf("%w: %v", ErrAIServiceFailure, err)
	}
	if len(cards) == 0 {
		return Generation{}, ErrNoFlashcards
	}
	g.log.Info("gemini generated flashcards", "cards", len(cards), "model", g.modelName)
	return Generation{Cards: cards, Model: g.modelName}, nil
}

// parseGeminiCards decodes the model output, drops cards that lack a valid type,
// question or answer, and numbers the survivors card_1..card_n.
func parseGeminiCards(text string) ([]GeneratedCard, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("gemini returned an empty response")
	}

	var out struct {
		Flashcards json.RawMessage `json:"flashcards"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("decode gemini json: %v", err)
	}
	raw, err := decodeCards(out.Flashcards)
	if err != nil {
		return nil, err
	}

	cards := make([]GeneratedCard, 0, len(raw))
	for _, c := range raw {
		if c.Question == "" || c.Answer == "" {
			continue
		}
		if _, err := models.ParseCardType(c.Type); err != nil {
			continue
		}
		c.ID = fmt.Sprintf("card_%d", len(cards)+1)
		cards = append(cards, c)
	}
	return cards, nil
}

// Health counts tokens for a tiny prompt, which proves the key and model are usable.
func (g *GeminiGenerator) Health(ctx context.Context) (map[string]interface{}, error) {
	res, err := g.model().CountTokens(ctx, genai.Text("ping"))
	if err != nil {
		return map[string]interface{}{"status": "unhealthy", "model": g.modelName}, fmt.Errorf("gemini health: %w", err)
	}
	return map[string]interface{}{
		"status":         "healthy",
		"model":          g.modelName,
		"api_accessible": true,
		"test_tokens":    res.TotalTokens,
	}, nil
}
