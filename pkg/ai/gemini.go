package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"learnloop/pkg/domain"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiCompleter calls the Google AI Studio (Gemini) generateContent API.
// System entries become the system instruction; assistant turns use role "model".
type GeminiCompleter struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewGeminiCompleter constructs a completer with the provided API key.
func NewGeminiCompleter(apiKey, model string) (*GeminiCompleter, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	return &GeminiCompleter{
		apiKey:     apiKey,
		baseURL:    defaultGeminiBaseURL,
		model:      normalizeModel(model),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Describe implements Describer.
func (c *GeminiCompleter) Describe() (string, string) {
	return "gemini", c.model
}

// Complete implements Completer.
func (c *GeminiCompleter) Complete(ctx context.Context, entries []domain.PromptEntry) (string, error) {
	if err := checkEntries(entries); err != nil {
		return "", err
	}
	reqBody := generateRequest{}
	var system []string
	for _, entry := range entries {
		switch entry.Role {
		case domain.RoleSystem:
			system = append(system, entry.Content)
		case domain.RoleAssistant:
			reqBody.Contents = append(reqBody.Contents, content{Role: "model", Parts: []part{{Text: entry.Content}}})
		default:
			reqBody.Contents = append(reqBody.Contents, content{Role: "user", Parts: []part{{Text: entry.Content}}})
		}
	}
	if len(system) > 0 {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: strings.Join(system, "\n")}}}
	}

	var resp generateResponse
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	if err := c.doJSON(ctx, url, reqBody, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", emptyResponse()
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return cleanText(sb.String())
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}

func (c *GeminiCompleter) doJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &CompletionError{Message: "encode request: " + err.Error(), Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &CompletionError{Message: "build request: " + err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError("gemini", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error.Message
		if msg == "" {
			msg = resp.Status
		}
		return &CompletionError{Status: resp.StatusCode, Message: "gemini api error: " + msg}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &CompletionError{Status: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
