package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"learnloop/pkg/domain"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaCompleter calls the Ollama /api/chat endpoint with a fixed model.
type OllamaCompleter struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaCompleter constructs a completer for the provided base URL.
func NewOllamaCompleter(baseURL, model string) *OllamaCompleter {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaCompleter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Describe implements Describer.
func (c *OllamaCompleter) Describe() (string, string) {
	return "ollama", c.model
}

// Complete implements Completer.
func (c *OllamaCompleter) Complete(ctx context.Context, entries []domain.PromptEntry) (string, error) {
	if err := checkEntries(entries); err != nil {
		return "", err
	}
	if c.model == "" {
		return "", &CompletionError{Message: "ollama model required"}
	}
	messages := make([]ollamaChatMessage, 0, len(entries))
	for _, entry := range entries {
		messages = append(messages, ollamaChatMessage{Role: string(entry.Role), Content: entry.Content})
	}
	var resp ollamaChatResponse
	if err := c.doJSON(ctx, "/api/chat", ollamaChatRequest{Model: c.model, Messages: messages}, &resp); err != nil {
		return "", err
	}
	return cleanText(resp.Message.Content)
}

func (c *OllamaCompleter) doJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &CompletionError{Message: "encode request: " + err.Error(), Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &CompletionError{Message: "build request: " + err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp ollamaErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &CompletionError{Status: resp.StatusCode, Message: "ollama api error: " + msg}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &CompletionError{Status: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

// Ollama /api/chat request/response types.

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}
