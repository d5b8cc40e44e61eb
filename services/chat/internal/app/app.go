package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"learnloop/internal/util"
	"learnloop/pkg/ai"
	"learnloop/pkg/domain"
	"learnloop/pkg/store"
)

// AnchorProvider supplies best-effort metadata for anchors. A nil summary
// with a nil error means the anchor does not exist.
type AnchorProvider interface {
	GetResourceSummary(ctx context.Context, userID, resourceID string) (*domain.ResourceSummary, error)
	GetNoteSummary(ctx context.Context, userID, noteID string) (*domain.NoteSummary, error)
}

// Config holds runtime dependencies for the orchestrator.
type Config struct {
	Store store.Store
	// History overrides the message store, e.g. with a cached wrapper.
	History   store.MessageStore
	Completer ai.Completer
	Anchors   AnchorProvider
	// Titles defaults to an in-process goroutine dispatcher.
	Titles        TitleDispatcher
	AnchorTimeout time.Duration
	TitleTimeout  time.Duration
	Now           func() time.Time
}

// App orchestrates session resolution, context assembly, completion and
// persistence for chat messages.
type App struct {
	store         store.Store
	history       store.MessageStore
	completer     ai.Completer
	anchors       AnchorProvider
	titles        TitleDispatcher
	anchorTimeout time.Duration
	titleTimeout  time.Duration
	now           func() time.Time
	inflight      sync.WaitGroup
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("completer required")
	}
	a := &App{
		store:         cfg.Store,
		history:       cfg.History,
		completer:     cfg.Completer,
		anchors:       cfg.Anchors,
		titles:        cfg.Titles,
		anchorTimeout: cfg.AnchorTimeout,
		titleTimeout:  cfg.TitleTimeout,
		now:           cfg.Now,
	}
	if a.history == nil {
		a.history = cfg.Store
	}
	if a.anchorTimeout <= 0 {
		a.anchorTimeout = 3 * time.Second
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	if a.titleTimeout <= 0 {
		a.titleTimeout = 30 * time.Second
	}
	if a.titles == nil {
		a.titles = &goroutineDispatcher{app: a}
	}
	return a, nil
}

// Wait blocks until in-process title generations finish.
func (a *App) Wait() {
	a.inflight.Wait()
}

// SendRequest is one user turn.
type SendRequest struct {
	UserID string
	Anchor domain.Anchor
	// SessionID continues an existing session instead of resolving Anchor.
	SessionID string
	// Linked adds context from a second anchor, e.g. the resource a note belongs to.
	Linked []domain.Anchor
	Text   string
}

// SendMessage resolves the anchor's session, asks the model for a reply with
// the session history as context and persists both turns in one write.
// Nothing is written to history when the completion fails.
func (a *App) SendMessage(ctx context.Context, userID string, anchor domain.Anchor, text string) (domain.Exchange, error) {
	return a.Send(ctx, SendRequest{UserID: userID, Anchor: anchor, Text: text})
}

// Send is SendMessage with continuation and linked-context options.
func (a *App) Send(ctx context.Context, req SendRequest) (domain.Exchange, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return domain.Exchange{}, ErrEmptyMessage
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.Exchange{}, ErrNotAuthenticated
	}

	var (
		session domain.Session
		err     error
	)
	if sessionID := strings.TrimSpace(req.SessionID); sessionID != "" {
		session, err = a.ownedSession(ctx, userID, sessionID)
	} else {
		session, err = a.ResolveSession(ctx, userID, req.Anchor)
	}
	if err != nil {
		return domain.Exchange{}, err
	}
	logger := util.LoggerFromContext(ctx).With("session_id", session.ID)

	var (
		prior     []domain.Message
		anchorCtx AnchorContext
		g, gctx   = errgroup.WithContext(ctx)
	)
	g.Go(func() error {
		var err error
		prior, err = a.ListMessages(gctx, session.ID)
		return err
	})
	g.Go(func() error {
		anchorCtx = a.BuildAnchorContext(gctx, userID, session.Anchor(), req.Linked...)
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.Exchange{}, err
	}

	entries := AssemblePrompt(prior, text, anchorCtx.String())
	started := time.Now()
	reply, err := a.completer.Complete(ctx, entries)
	if err != nil {
		logger.Warn("completion failed", "entries", len(entries), "err", err)
		return domain.Exchange{}, err
	}
	logger.Debug("completion done", "entries", len(entries), "duration_ms", time.Since(started).Milliseconds())

	// The reply is paid for; persist it even if the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)
	userMsg, assistantMsg, err := a.appendExchange(persistCtx, session.ID, text, reply)
	if err != nil {
		return domain.Exchange{}, err
	}

	tokens := userMsg.TokenCount + assistantMsg.TokenCount
	words := CountWords(userMsg.Content) + CountWords(assistantMsg.Content)
	if err := a.store.TouchSession(persistCtx, session.ID, tokens, words, assistantMsg.CreatedAt); err != nil {
		// Counters are advisory; the exchange is already durable.
		logger.Warn("touch session failed", "err", err)
	} else {
		session.TokenCount += tokens
		session.WordCount += words
		session.UpdatedAt = assistantMsg.CreatedAt
	}

	if session.Title == DefaultSessionTitle {
		a.titles.DispatchTitle(ctx, session.ID)
	}
	return domain.Exchange{Session: session, UserMessage: userMsg, AssistantMessage: assistantMsg}, nil
}

// ListSessions lists the user's sessions, most recently active first.
func (a *App) ListSessions(ctx context.Context, userID string, limit int) ([]domain.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrNotAuthenticated
	}
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	items, err := a.store.ListSessionsByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if items == nil {
		items = []domain.Session{}
	}
	return items, nil
}

// ListSessionMessages lists an owned session's messages in chronological order.
func (a *App) ListSessionMessages(ctx context.Context, userID, sessionID string) ([]domain.Message, error) {
	session, err := a.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return a.ListMessages(ctx, session.ID)
}

// RegenerateTitle synchronously retitles an owned session.
func (a *App) RegenerateTitle(ctx context.Context, userID, sessionID string) (domain.Session, error) {
	session, err := a.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	title, err := a.GenerateSessionTitle(ctx, session.ID)
	if err != nil {
		return domain.Session{}, err
	}
	session.Title = title
	return session, nil
}

func (a *App) ownedSession(ctx context.Context, userID, sessionID string) (domain.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Session{}, ErrNotAuthenticated
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, ErrSessionNotFound
	}
	session, ok, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return domain.Session{}, ErrSessionNotFound
		}
		return domain.Session{}, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return domain.Session{}, ErrSessionNotFound
	}
	if session.UserID != userID {
		return domain.Session{}, ErrSessionForbidden
	}
	return session, nil
}
