package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"learnloop/internal/util"
	"learnloop/pkg/domain"
	"learnloop/pkg/queue"
)

const (
	titleWindow      = 6
	maxTitleRunes    = 60
	fallbackTitleLen = 40
)

const titleInstruction = "You name chat conversations. Reply with a short title of at most six words " +
	"that captures the topic of the conversation below. Reply with the title only, without quotes."

type titleRule struct {
	keywords []string
	title    string
}

// titleRules is checked in order against the recent messages when the model
// cannot produce a title.
var titleRules = []titleRule{
	{[]string{"habit", "streak", "routine", "daily"}, "Habit Building"},
	{[]string{"read next", "reading", "book", "chapter", "author"}, "Reading Plan"},
	{[]string{"summarize", "summary", "note", "key points"}, "Note Review"},
	{[]string{"goal", "plan", "schedule", "deadline"}, "Goal Planning"},
	{[]string{"motivat", "procrastinat", "focus", "distract"}, "Motivation & Focus"},
	{[]string{"quiz", "exam", "test me", "flashcard", "memor"}, "Study Practice"},
	{[]string{"course", "lesson", "learn", "study"}, "Learning Session"},
}

// GenerateSessionTitle labels a session from its most recent messages using
// the completer, falling back to the keyword rule table. Only storage errors
// are returned; callers treat them as cosmetic.
func (a *App) GenerateSessionTitle(ctx context.Context, sessionID string) (string, error) {
	session, ok, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return "", ErrSessionNotFound
	}
	messages, err := a.ListMessages(ctx, session.ID)
	if err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return session.Title, nil
	}
	if len(messages) > titleWindow {
		messages = messages[len(messages)-titleWindow:]
	}

	title, err := a.completeTitle(ctx, messages)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("title completion failed, using keyword rules",
			"session_id", session.ID, "err", err)
		title = heuristicTitle(messages)
	}
	if title == "" || title == session.Title {
		return session.Title, nil
	}
	if err := a.store.UpdateSessionTitle(ctx, session.ID, title); err != nil {
		return "", fmt.Errorf("update session title: %w", err)
	}
	util.LoggerFromContext(ctx).Info("chat session titled", "session_id", session.ID, "title", title)
	return title, nil
}

func (a *App) completeTitle(ctx context.Context, messages []domain.Message) (string, error) {
	var transcript strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Sender, m.Content)
	}
	text, err := a.completer.Complete(ctx, []domain.PromptEntry{
		{Role: domain.RoleSystem, Content: titleInstruction},
		{Role: domain.RoleUser, Content: strings.TrimSpace(transcript.String())},
	})
	if err != nil {
		return "", err
	}
	title := cleanTitle(text)
	if title == "" {
		return "", errors.New("title completion returned no usable text")
	}
	return title, nil
}

// cleanTitle keeps the first line of a model reply, strips quoting and
// trailing punctuation, and caps the length.
func cleanTitle(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(strings.TrimPrefix(text, "Title:"))
	text = strings.Trim(text, "\"'`*“”# ")
	text = strings.TrimRight(text, ".!?:;")
	text = strings.TrimSpace(text)
	return truncateRunes(text, maxTitleRunes)
}

func heuristicTitle(messages []domain.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(strings.ToLower(m.Content))
		sb.WriteByte('\n')
	}
	haystack := sb.String()
	for _, rule := range titleRules {
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				return rule.title
			}
		}
	}
	for _, m := range messages {
		if m.Sender == domain.SenderUser {
			return excerptTitle(m.Content)
		}
	}
	return ""
}

// excerptTitle turns the opening user message into a title.
func excerptTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	for _, prefix := range []string{"can you please ", "can you ", "could you ", "please ", "help me ", "i want to ", "i'd like to "} {
		if len(text) >= len(prefix) && strings.EqualFold(text[:len(prefix)], prefix) {
			text = text[len(prefix):]
			break
		}
	}
	text = strings.TrimRight(text, "?!. ")
	if text == "" {
		return ""
	}
	runes := []rune(text)
	runes[0] = []rune(strings.ToUpper(string(runes[0])))[0]
	return truncateRunes(string(runes), fallbackTitleLen)
}

// TitleDispatcher schedules title generation without blocking the sender.
type TitleDispatcher interface {
	DispatchTitle(ctx context.Context, sessionID string)
}

type goroutineDispatcher struct {
	app *App
}

// DispatchTitle runs GenerateSessionTitle in a goroutine detached from the
// request's cancellation.
func (d *goroutineDispatcher) DispatchTitle(ctx context.Context, sessionID string) {
	ctx = context.WithoutCancel(ctx)
	d.app.inflight.Add(1)
	go func() {
		defer d.app.inflight.Done()
		ctx, cancel := context.WithTimeout(ctx, d.app.titleTimeout)
		defer cancel()
		if _, err := d.app.GenerateSessionTitle(ctx, sessionID); err != nil {
			util.LoggerFromContext(ctx).Warn("title generation failed", "session_id", sessionID, "err", err)
		}
	}()
}

// QueueDispatcher hands title generation to the Redis stream worker pool.
// A session with a job still queued or running is not queued again.
type QueueDispatcher struct {
	queue *queue.TitleQueue
}

func NewQueueDispatcher(q *queue.TitleQueue) *QueueDispatcher {
	return &QueueDispatcher{queue: q}
}

func (d *QueueDispatcher) DispatchTitle(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	job, err := d.queue.Enqueue(ctx, sessionID)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("enqueue title job failed", "session_id", sessionID, "err", err)
		return
	}
	util.LoggerFromContext(ctx).Debug("title job queued", "session_id", sessionID, "job_id", job.ID, "status", job.Status)
}

// HandleTitleJob is the queue worker entry point. Each job gets the same
// deadline as an in-process generation.
func (a *App) HandleTitleJob(ctx context.Context, job queue.TitleJob) error {
	ctx, cancel := context.WithTimeout(ctx, a.titleTimeout)
	defer cancel()
	_, err := a.GenerateSessionTitle(ctx, job.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}
