package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"learnloop/internal/util"
	"learnloop/pkg/domain"
)

// MaxNoteExcerptRunes caps note content placed into the anchor context.
const MaxNoteExcerptRunes = 1000

// AssemblePrompt builds the context window: an optional system entry holding
// anchorContext verbatim, every prior message in order, then the trimmed new
// text as the final user entry. It never reorders, drops or truncates.
func AssemblePrompt(prior []domain.Message, text, anchorContext string) []domain.PromptEntry {
	entries := make([]domain.PromptEntry, 0, len(prior)+2)
	if anchorContext != "" {
		entries = append(entries, domain.PromptEntry{Role: domain.RoleSystem, Content: anchorContext})
	}
	for _, msg := range prior {
		role := domain.RoleUser
		if msg.Sender == domain.SenderAssistant {
			role = domain.RoleAssistant
		}
		entries = append(entries, domain.PromptEntry{Role: role, Content: msg.Content})
	}
	return append(entries, domain.PromptEntry{Role: domain.RoleUser, Content: strings.TrimSpace(text)})
}

// AnchorContext holds the optional summaries that feed the system entry.
type AnchorContext struct {
	Resource *domain.ResourceSummary
	Note     *domain.NoteSummary
}

// String renders the resource and note sub-contexts joined by a newline.
func (c AnchorContext) String() string {
	parts := make([]string, 0, 2)
	if r := c.Resource; r != nil {
		parts = append(parts, describeResource(*r))
	}
	if n := c.Note; n != nil {
		parts = append(parts, describeNote(*n))
	}
	return strings.Join(parts, "\n")
}

func describeResource(r domain.ResourceSummary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The user is working through the learning resource %q", orUntitled(r.Title))
	if author := strings.TrimSpace(r.Author); author != "" {
		fmt.Fprintf(&sb, " by %s", author)
	}
	fmt.Fprintf(&sb, ". Progress: %d of %d minutes completed", r.CompletedMinutes, r.TotalMinutes)
	if r.TotalMinutes > 0 {
		fmt.Fprintf(&sb, " (%d%%)", r.CompletedMinutes*100/r.TotalMinutes)
	}
	sb.WriteString(".")
	if r.StreakDays > 0 {
		fmt.Fprintf(&sb, " Current streak: %d days.", r.StreakDays)
	}
	return sb.String()
}

func describeNote(n domain.NoteSummary) string {
	text := fmt.Sprintf("The user is asking about their note %q.", orUntitled(n.Title))
	if excerpt := truncateRunes(strings.TrimSpace(n.ContentExcerpt), MaxNoteExcerptRunes); excerpt != "" {
		text += " Note content:\n" + excerpt
	}
	return text
}

func orUntitled(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return untitledAnchor
	}
	return s
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}

// BuildAnchorContext looks up the summaries relevant to anchor. Lookups run
// concurrently; any failure or missing anchor only drops that sub-context.
func (a *App) BuildAnchorContext(ctx context.Context, userID string, anchor domain.Anchor, extra ...domain.Anchor) AnchorContext {
	var out AnchorContext
	if a.anchors == nil {
		return out
	}
	ctx, cancel := context.WithTimeout(ctx, a.anchorTimeout)
	defer cancel()
	logger := util.LoggerFromContext(ctx)

	var mu sync.Mutex
	var g errgroup.Group
	seen := map[domain.AnchorType]bool{}
	for _, an := range append([]domain.Anchor{anchor}, extra...) {
		if an.ID == "" || seen[an.Type] {
			continue
		}
		seen[an.Type] = true
		switch an.Type {
		case domain.AnchorResource:
			id := an.ID
			g.Go(func() error {
				res, err := a.anchors.GetResourceSummary(ctx, userID, id)
				if err != nil {
					logger.Warn("resource summary unavailable", "resource_id", id, "err", err)
					return nil
				}
				mu.Lock()
				out.Resource = res
				mu.Unlock()
				return nil
			})
		case domain.AnchorNote:
			id := an.ID
			g.Go(func() error {
				note, err := a.anchors.GetNoteSummary(ctx, userID, id)
				if err != nil {
					logger.Warn("note summary unavailable", "note_id", id, "err", err)
					return nil
				}
				mu.Lock()
				out.Note = note
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
	return out
}
