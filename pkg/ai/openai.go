package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"learnloop/pkg/domain"
)

// OpenAICompleter calls any OpenAI-compatible /chat/completions API through
// the official SDK. Works with OpenAI, DeepSeek, vLLM, LiteLLM, OpenRouter, etc.
type OpenAICompleter struct {
	client openai.Client
	model  string
}

// NewOpenAICompleter builds an OpenAI-compatible Completer.
// baseURL may be empty for api.openai.com and should include the /v1 prefix otherwise.
func NewOpenAICompleter(baseURL, apiKey, model string) *OpenAICompleter {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if key := strings.TrimSpace(apiKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAICompleter{
		client: openai.NewClient(opts...),
		model:  strings.TrimSpace(model),
	}
}

// Describe implements Describer.
func (c *OpenAICompleter) Describe() (string, string) {
	return "openai", c.model
}

// Complete implements Completer.
func (c *OpenAICompleter) Complete(ctx context.Context, entries []domain.PromptEntry) (string, error) {
	if err := checkEntries(entries); err != nil {
		return "", err
	}
	if c.model == "" {
		return "", &CompletionError{Message: "openai model required"}
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(entries))
	for _, entry := range entries {
		switch entry.Role {
		case domain.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(entry.Content))
		case domain.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(entry.Content))
		default:
			msgs = append(msgs, openai.UserMessage(entry.Content))
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: msgs,
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			msg := strings.TrimSpace(apiErr.Message)
			if msg == "" {
				msg = err.Error()
			}
			return "", &CompletionError{Status: apiErr.StatusCode, Message: msg, Err: err}
		}
		return "", transportError("openai", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", emptyResponse()
	}
	return cleanText(resp.Choices[0].Message.Content)
}
