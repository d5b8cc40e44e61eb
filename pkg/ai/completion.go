package ai

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"learnloop/pkg/domain"
)

// ErrEmptyPrompt is returned when Complete is called without entries.
var ErrEmptyPrompt = errors.New("prompt has no entries")

// Completer turns an ordered context window into assistant text.
// Providers (endpoint, OpenAI, Ollama, Gemini) implement this interface and
// report every failure as *CompletionError. Completers never retry.
type Completer interface {
	Complete(ctx context.Context, entries []domain.PromptEntry) (string, error)
}

// CompletionError describes a failed model call. Status is the upstream HTTP
// status when there was one, 0 for transport failures.
type CompletionError struct {
	Status  int
	Message string
	Err     error
}

func (e *CompletionError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("completion failed (status %d): %s", e.Status, e.Message)
	}
	return "completion failed: " + e.Message
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

func emptyResponse() *CompletionError {
	return &CompletionError{Message: "empty response"}
}

// transportError drops the request URL from *url.Error so endpoints and
// query parameters never reach messages or logs.
func transportError(provider string, err error) *CompletionError {
	detail := err
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		detail = urlErr.Err
	}
	return &CompletionError{Message: provider + " request failed: " + detail.Error(), Err: err}
}

// Describer is implemented by completers that can name their backing model.
type Describer interface {
	Describe() (provider, model string)
}

func checkEntries(entries []domain.PromptEntry) error {
	if len(entries) == 0 {
		return ErrEmptyPrompt
	}
	return nil
}

// cleanText normalizes a completion payload; empty means failure.
func cleanText(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", emptyResponse()
	}
	return s, nil
}
