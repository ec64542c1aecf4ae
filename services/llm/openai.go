package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIEngine is the hosted fallback backend. Hosted models have no load
// phase; LoadModel only records the model name.
type OpenAIEngine struct {
	client *openai.Client
}

type openaiModel struct {
	name string
}

func (m openaiModel) Name() string { return m.name }

// NewOpenAIEngine reads OPENAI_API_KEY from the environment or from the
// container secret mount.
func NewOpenAIEngine() (*OpenAIEngine, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err != nil {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(apiKeyBytes))
		slog.Info("Read the OpenAI API key from the secret mount")
	}
	return &OpenAIEngine{client: openai.NewClient(apiKey)}, nil
}

// LoadModel returns a handle for the hosted model.
func (o *OpenAIEngine) LoadModel(ctx context.Context, ref string) (Model, error) {
	if ref == "" {
		ref = "gpt-4o-mini"
		slog.Warn("no OpenAI model configured, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI engine", "model", ref)
	return openaiModel{name: ref}, nil
}

// Infer implements the Engine interface via a chat completion.
func (o *OpenAIEngine) Infer(ctx context.Context, model Model, prompt string,
	params GenerationParams) (string, error) {

	slog.Debug("Generating text via OpenAI", "model", model.Name())
	req := openai.ChatCompletionRequest{
		Model: model.Name(),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You are a careful research assistant. Respond with JSON when asked."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices or empty content")
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
