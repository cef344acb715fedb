package llm

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/examroom/internal/grading"
	"github.com/pavelanni/examroom/internal/llm/prompts"
	"github.com/pavelanni/examroom/internal/model"
)

const ratingTemperature = 0.7

var _ grading.Rater = (*Client)(nil)

// Client rates essays through an OpenAI-compatible API.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.PromptVariant
}

// New creates a new LLM client. An empty baseURL uses the OpenAI endpoint.
func New(baseURL, apiKey, modelName string, variant prompts.PromptVariant) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: variant,
	}
}

// RateEssay asks the model to rate answer against the essay rubric.
func (c *Client) RateEssay(ctx context.Context, question, answer string) (model.EssayRating, error) {
	prompt, err := prompts.BuildEssayPrompt(c.variant, question, answer)
	if err != nil {
		return model.EssayRating{}, fmt.Errorf("build essay prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: ratingTemperature,
	})
	if err != nil {
		return model.EssayRating{}, &RatingError{Reason: "LLM API call", Wrapped: err}
	}
	if len(resp.Choices) == 0 {
		return model.EssayRating{}, &RatingError{Reason: "LLM returned no choices"}
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)
	return ParseRating(raw)
}

// Ping checks that the endpoint answers with the configured credentials.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}
