package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"learnloop/internal/util"
	"learnloop/pkg/domain"
	"learnloop/pkg/store"
)

const (
	// DefaultSessionTitle is the placeholder for general sessions until a
	// generated title replaces it.
	DefaultSessionTitle = "New Chat Session"
	untitledAnchor      = "Untitled"
)

// ResolveSession returns the session bound to anchor for userID, creating it
// on first use. General anchors always get a fresh session.
func (a *App) ResolveSession(ctx context.Context, userID string, anchor domain.Anchor) (domain.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Session{}, ErrNotAuthenticated
	}
	anchor, err := normalizeAnchor(anchor)
	if err != nil {
		return domain.Session{}, err
	}
	if anchor.Type == domain.AnchorGeneral {
		return a.createSession(ctx, userID, anchor, DefaultSessionTitle)
	}

	existing, found, err := a.store.FindSessionByAnchor(ctx, userID, anchor)
	if err != nil {
		return domain.Session{}, fmt.Errorf("find session: %w", err)
	}
	if found {
		return existing, nil
	}

	session, err := a.createSession(ctx, userID, anchor, a.deriveTitle(ctx, userID, anchor))
	if !errors.Is(err, store.ErrDuplicateAnchor) {
		return session, err
	}
	// Lost the creation race to a concurrent caller; the winner's row is ours.
	existing, found, err = a.store.FindSessionByAnchor(ctx, userID, anchor)
	if err != nil {
		return domain.Session{}, fmt.Errorf("find session after conflict: %w", err)
	}
	if !found {
		return domain.Session{}, fmt.Errorf("create session: %w", store.ErrDuplicateAnchor)
	}
	return existing, nil
}

func (a *App) createSession(ctx context.Context, userID string, anchor domain.Anchor, title string) (domain.Session, error) {
	now := a.now()
	session := domain.Session{
		ID:         util.NewID(),
		UserID:     userID,
		AnchorType: anchor.Type,
		AnchorID:   anchor.ID,
		Title:      title,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrDuplicateAnchor) {
			return domain.Session{}, err
		}
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	util.LoggerFromContext(ctx).Info("chat session created",
		"session_id", session.ID, "anchor_type", anchor.Type, "anchor_id", anchor.ID)
	return session, nil
}

// deriveTitle builds "Note: <title>" or "Resource: <title>". Lookup failures
// fall back to "Untitled" and never block creation.
func (a *App) deriveTitle(ctx context.Context, userID string, anchor domain.Anchor) string {
	title, err := a.anchorTitle(ctx, userID, anchor)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("anchor title lookup failed",
			"anchor_type", anchor.Type, "anchor_id", anchor.ID, "err", err)
	}
	if title = strings.TrimSpace(title); title == "" {
		title = untitledAnchor
	}
	switch anchor.Type {
	case domain.AnchorNote:
		return "Note: " + title
	case domain.AnchorResource:
		return "Resource: " + title
	default:
		return DefaultSessionTitle
	}
}

func (a *App) anchorTitle(ctx context.Context, userID string, anchor domain.Anchor) (string, error) {
	if a.anchors == nil {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.anchorTimeout)
	defer cancel()
	switch anchor.Type {
	case domain.AnchorNote:
		note, err := a.anchors.GetNoteSummary(ctx, userID, anchor.ID)
		if err != nil {
			return "", err
		}
		if note == nil {
			return "", ErrAnchorNotFound
		}
		return note.Title, nil
	case domain.AnchorResource:
		res, err := a.anchors.GetResourceSummary(ctx, userID, anchor.ID)
		if err != nil {
			return "", err
		}
		if res == nil {
			return "", ErrAnchorNotFound
		}
		return res.Title, nil
	}
	return "", nil
}

func normalizeAnchor(anchor domain.Anchor) (domain.Anchor, error) {
	anchor.Type = domain.AnchorType(strings.ToLower(strings.TrimSpace(string(anchor.Type))))
	if anchor.Type == "" {
		anchor.Type = domain.AnchorGeneral
	}
	if !anchor.Type.Valid() {
		return domain.Anchor{}, ErrInvalidAnchor
	}
	if anchor.Type == domain.AnchorGeneral {
		anchor.ID = ""
		return anchor, nil
	}
	anchor.ID = strings.TrimSpace(anchor.ID)
	if anchor.ID == "" {
		return domain.Anchor{}, ErrAnchorRequired
	}
	return anchor, nil
}
