package anchorclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"learnloop/pkg/domain"
)

// Client reads resource and note summaries from the content service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError represents a content service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// NewClient constructs a content service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// GetResourceSummary returns the resource's progress summary, or nil when it
// does not exist.
func (c *Client) GetResourceSummary(ctx context.Context, userID, resourceID string) (*domain.ResourceSummary, error) {
	var out domain.ResourceSummary
	found, err := c.get(ctx, userID, "/resources/"+url.PathEscape(resourceID)+"/summary", &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

// GetNoteSummary returns the note's title and excerpt, or nil when it does
// not exist.
func (c *Client) GetNoteSummary(ctx context.Context, userID, noteID string) (*domain.NoteSummary, error) {
	var out domain.NoteSummary
	found, err := c.get(ctx, userID, "/notes/"+url.PathEscape(noteID)+"/summary", &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, userID, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	if userID = strings.TrimSpace(userID); userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("content request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return false, &APIError{Status: resp.StatusCode, Message: msg}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}
