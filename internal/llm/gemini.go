package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/pavelanni/examroom/internal/grading"
	"github.com/pavelanni/examroom/internal/llm/prompts"
	"github.com/pavelanni/examroom/internal/model"
)

// DefaultGeminiModel is used when no model name is configured.
const DefaultGeminiModel = "gemini-1.5-flash"

var _ grading.Rater = (*GeminiClient)(nil)

// GeminiClient rates essays with Google's Gemini API.
type GeminiClient struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	variant prompts.PromptVariant
}

// NewGemini connects to Gemini with apiKey. Close releases the connection.
func NewGemini(ctx context.Context, apiKey, modelName string, variant prompts.PromptVariant) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is not set")
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	m := client.GenerativeModel(modelName)
	m.SetTemperature(ratingTemperature)
	m.ResponseMIMEType = "application/json"
	return &GeminiClient{client: client, model: m, variant: variant}, nil
}

// RateEssay asks Gemini to rate answer against the essay rubric.
func (g *GeminiClient) RateEssay(ctx context.Context, question, answer string) (model.EssayRating, error) {
	prompt, err := prompts.BuildEssayPrompt(g.variant, question, answer)
	if err != nil {
		return model.EssayRating{}, fmt.Errorf("build essay prompt: %w", err)
	}

	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return model.EssayRating{}, &RatingError{Reason: "gemini API call", Wrapped: err}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return model.EssayRating{}, &RatingError{Reason: "gemini returned no content"}
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	raw := sb.String()
	slog.Debug("gemini response", "raw", raw)
	return ParseRating(raw)
}

func (g *GeminiClient) Close() error {
	return g.client.Close()
}
