package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"learnloop/internal/util"
	"learnloop/pkg/ai"
	"learnloop/pkg/domain"
)

// ListMessages returns the session's messages in ascending order. An unknown
// or empty session yields an empty slice.
func (a *App) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	items, err := a.history.ListMessages(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if items == nil {
		items = []domain.Message{}
	}
	return items, nil
}

// AppendMessage stores one message. Whitespace-only content is ignored and
// reported with ok=false instead of an error.
func (a *App) AppendMessage(ctx context.Context, sessionID string, sender domain.Sender, content string) (domain.Message, bool, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, false, nil
	}
	if sender != domain.SenderUser && sender != domain.SenderAssistant {
		return domain.Message{}, false, ErrInvalidSender
	}
	msg := a.newMessage(sessionID, sender, content)
	if err := a.history.AppendMessage(ctx, msg); err != nil {
		return domain.Message{}, false, fmt.Errorf("append %s message: %w", sender, err)
	}
	return msg, true, nil
}

func (a *App) newMessage(sessionID string, sender domain.Sender, content string) domain.Message {
	return domain.Message{
		ID:         util.NewID(),
		SessionID:  sessionID,
		Sender:     sender,
		Content:    content,
		TokenCount: EstimateTokens(content),
		CreatedAt:  a.now(),
	}
}

// appendExchange stores the user turn and the reply in one write, so a user
// turn is never left without its answer.
func (a *App) appendExchange(ctx context.Context, sessionID, text, reply string) (domain.Message, domain.Message, error) {
	userMsg := a.newMessage(sessionID, domain.SenderUser, text)
	assistantMsg := a.newMessage(sessionID, domain.SenderAssistant, reply)
	if d, ok := a.completer.(ai.Describer); ok {
		provider, model := d.Describe()
		assistantMsg.Meta = map[string]string{"provider": provider}
		if model != "" {
			assistantMsg.Meta["model"] = model
		}
	}
	if err := a.history.AppendExchange(ctx, userMsg, assistantMsg); err != nil {
		return domain.Message{}, domain.Message{}, fmt.Errorf("append exchange: %w", err)
	}
	return userMsg, assistantMsg, nil
}

// EstimateTokens approximates model tokens as one per four characters.
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / 4))
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
