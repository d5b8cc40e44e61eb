package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"learnloop/pkg/domain"
)

// EndpointCompleter speaks the app's model-serving endpoint:
//
//	POST {"messages":[{"role":..., "content":...}]}
//	200  {"response":{"content":"..."}}
//
// Non-2xx responses carry an error body.
type EndpointCompleter struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewEndpointCompleter builds a completer for the given endpoint URL.
// apiKey is optional and sent as a bearer token.
func NewEndpointCompleter(url, apiKey string) *EndpointCompleter {
	return &EndpointCompleter{
		url:        strings.TrimSpace(url),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Describe implements Describer.
func (c *EndpointCompleter) Describe() (string, string) {
	return "endpoint", ""
}

// Complete implements Completer.
func (c *EndpointCompleter) Complete(ctx context.Context, entries []domain.PromptEntry) (string, error) {
	if err := checkEntries(entries); err != nil {
		return "", err
	}
	body, err := json.Marshal(endpointRequest{Messages: entries})
	if err != nil {
		return "", &CompletionError{Message: "encode request: " + err.Error(), Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", &CompletionError{Message: "build request: " + err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError("endpoint", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &CompletionError{Status: resp.StatusCode, Message: endpointErrorMessage(resp)}
	}
	var out endpointResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &CompletionError{Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err), Err: err}
	}
	if out.Response == nil {
		return "", emptyResponse()
	}
	return cleanText(out.Response.Content)
}

func endpointErrorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errResp struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &errResp); err == nil {
		if errResp.Message != "" {
			return errResp.Message
		}
		if len(errResp.Error) > 0 {
			var text string
			if json.Unmarshal(errResp.Error, &text) == nil && text != "" {
				return text
			}
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(errResp.Error, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return resp.Status
}

type endpointRequest struct {
	Messages []domain.PromptEntry `json:"messages"`
}

type endpointResponse struct {
	Response *struct {
		Content string `json:"content"`
	} `json:"response"`
}
