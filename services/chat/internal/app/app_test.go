package app

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"learnloop/pkg/ai"
	"learnloop/pkg/domain"
	"learnloop/pkg/store"
)

type fakeCompleter struct {
	mu      sync.Mutex
	reply   func(entries []domain.PromptEntry) (string, error)
	calls   [][]domain.PromptEntry
	counter atomic.Int32
}

func (f *fakeCompleter) Complete(_ context.Context, entries []domain.PromptEntry) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]domain.PromptEntry(nil), entries...))
	f.mu.Unlock()
	f.counter.Add(1)
	if f.reply == nil {
		return "ok", nil
	}
	return f.reply(entries)
}

func (f *fakeCompleter) Describe() (string, string) { return "fake", "fake-1" }

func (f *fakeCompleter) lastCall(t *testing.T) []domain.PromptEntry {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatalf("completer was never called")
	}
	return f.calls[len(f.calls)-1]
}

type fakeAnchors struct {
	resources map[string]*domain.ResourceSummary
	notes     map[string]*domain.NoteSummary
	err       error
	calls     atomic.Int32
}

func (f *fakeAnchors) GetResourceSummary(_ context.Context, _, id string) (*domain.ResourceSummary, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.resources[id], nil
}

func (f *fakeAnchors) GetNoteSummary(_ context.Context, _, id string) (*domain.NoteSummary, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.notes[id], nil
}

// countingStore counts every store call.
type countingStore struct {
	*store.MemoryStore
	calls atomic.Int32
}

func (s *countingStore) CreateSession(ctx context.Context, sess domain.Session) error {
	s.calls.Add(1)
	return s.MemoryStore.CreateSession(ctx, sess)
}

func (s *countingStore) FindSessionByAnchor(ctx context.Context, userID string, anchor domain.Anchor) (domain.Session, bool, error) {
	s.calls.Add(1)
	return s.MemoryStore.FindSessionByAnchor(ctx, userID, anchor)
}

func (s *countingStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	s.calls.Add(1)
	return s.MemoryStore.AppendMessage(ctx, msg)
}

func (s *countingStore) AppendExchange(ctx context.Context, user, assistant domain.Message) error {
	s.calls.Add(1)
	return s.MemoryStore.AppendExchange(ctx, user, assistant)
}

func (s *countingStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	s.calls.Add(1)
	return s.MemoryStore.ListMessages(ctx, sessionID)
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) DispatchTitle(_ context.Context, sessionID string) {
	d.mu.Lock()
	d.ids = append(d.ids, sessionID)
	d.mu.Unlock()
}

type harness struct {
	app       *App
	store     *countingStore
	completer *fakeCompleter
	anchors   *fakeAnchors
	titles    *recordingDispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     &countingStore{MemoryStore: store.NewMemoryStore()},
		completer: &fakeCompleter{},
		anchors: &fakeAnchors{
			resources: map[string]*domain.ResourceSummary{},
			notes:     map[string]*domain.NoteSummary{},
		},
		titles: &recordingDispatcher{},
	}
	var tick atomic.Int64
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a, err := New(Config{
		Store:     h.store,
		Completer: h.completer,
		Anchors:   h.anchors,
		Titles:    h.titles,
		Now:       func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Millisecond) },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	h.app = a
	return h
}

func mustList(t *testing.T, a *App, sessionID string) []domain.Message {
	t.Helper()
	msgs, err := a.ListMessages(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return msgs
}

func TestResolveSessionSingleSessionPerAnchor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	anchor := domain.Anchor{Type: domain.AnchorNote, ID: "n1"}

	first, err := h.app.ResolveSession(ctx, "u1", anchor)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := h.app.ResolveSession(ctx, "u1", anchor)
		if err != nil {
			t.Fatalf("resolve again: %v", err)
		}
		if again.ID != first.ID {
			t.Fatalf("expected session %s, got %s", first.ID, again.ID)
		}
	}

	other, err := h.app.ResolveSession(ctx, "u2", anchor)
	if err != nil {
		t.Fatalf("resolve other user: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("users must not share anchored sessions")
	}
}

func TestResolveSessionGeneralAlwaysCreates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		s, err := h.app.ResolveSession(ctx, "u1", domain.Anchor{Type: domain.AnchorGeneral, ID: "ignored"})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if s.Title != DefaultSessionTitle || s.AnchorID != "" {
			t.Fatalf("unexpected general session %+v", s)
		}
		seen[s.ID] = true
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 distinct sessions, got %d", len(seen))
	}
}

func TestResolveSessionDerivesTitles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.anchors.notes["n1"] = &domain.NoteSummary{Title: "Spaced repetition"}
	h.anchors.resources["r1"] = &domain.ResourceSummary{Title: "Deep Work"}

	cases := []struct {
		anchor domain.Anchor
		want   string
	}{
		{domain.Anchor{Type: domain.AnchorNote, ID: "n1"}, "Note: Spaced repetition"},
		{domain.Anchor{Type: domain.AnchorResource, ID: "r1"}, "Resource: Deep Work"},
		{domain.Anchor{Type: domain.AnchorNote, ID: "gone"}, "Note: Untitled"},
	}
	for _, tc := range cases {
		s, err := h.app.ResolveSession(ctx, "u1", tc.anchor)
		if err != nil {
			t.Fatalf("resolve %+v: %v", tc.anchor, err)
		}
		if s.Title != tc.want {
			t.Fatalf("anchor %+v: title %q, want %q", tc.anchor, s.Title, tc.want)
		}
	}
}

func TestResolveSessionAnchorLookupFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	h.anchors.err = errors.New("content service down")

	s, err := h.app.ResolveSession(context.Background(), "u1", domain.Anchor{Type: domain.AnchorResource, ID: "r9"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Title != "Resource: Untitled" {
		t.Fatalf("unexpected title %q", s.Title)
	}
}

func TestResolveSessionValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := []struct {
		userID string
		anchor domain.Anchor
		want   error
	}{
		{" ", domain.Anchor{Type: domain.AnchorGeneral}, ErrNotAuthenticated},
		{"u1", domain.Anchor{Type: domain.AnchorNote}, ErrAnchorRequired},
		{"u1", domain.Anchor{Type: "habit", ID: "h1"}, ErrInvalidAnchor},
	}
	for _, tc := range cases {
		if _, err := h.app.ResolveSession(ctx, tc.userID, tc.anchor); !errors.Is(err, tc.want) {
			t.Fatalf("user=%q anchor=%+v: expected %v, got %v", tc.userID, tc.anchor, tc.want, err)
		}
	}
}

// racingStore hides the winner's row from the first lookup to force the
// duplicate-anchor path.
type racingStore struct {
	*store.MemoryStore
	finds atomic.Int32
}

func (s *racingStore) FindSessionByAnchor(ctx context.Context, userID string, anchor domain.Anchor) (domain.Session, bool, error) {
	if s.finds.Add(1) == 1 {
		winner := domain.Session{ID: "winner", UserID: userID, AnchorType: anchor.Type, AnchorID: anchor.ID, Title: "Note: Winner"}
		if err := s.MemoryStore.CreateSession(ctx, winner); err != nil {
			return domain.Session{}, false, err
		}
		return domain.Session{}, false, nil
	}
	return s.MemoryStore.FindSessionByAnchor(ctx, userID, anchor)
}

func TestResolveSessionRequeriesOnDuplicateAnchor(t *testing.T) {
	rs := &racingStore{MemoryStore: store.NewMemoryStore()}
	a, err := New(Config{Store: rs, Completer: &fakeCompleter{}, Titles: &recordingDispatcher{}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	s, err := a.ResolveSession(context.Background(), "u1", domain.Anchor{Type: domain.AnchorNote, ID: "n1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.ID != "winner" {
		t.Fatalf("expected the existing session, got %s", s.ID)
	}
	if n := rs.finds.Load(); n != 2 {
		t.Fatalf("expected exactly one re-query, got %d lookups", n)
	}
}

func TestResolveSessionConcurrentCallersShareSession(t *testing.T) {
	h := newHarness(t)
	anchor := domain.Anchor{Type: domain.AnchorResource, ID: "r1"}

	const n = 16
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.app.ResolveSession(context.Background(), "u1", anchor)
			ids[i], errs[i] = s.ID, err
		}(i)
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got session %s, want %s", i, ids[i], ids[0])
		}
	}
}

func TestAppendMessageIgnoresWhitespace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.app.ResolveSession(ctx, "u1", domain.Anchor{Type: domain.AnchorGeneral})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	_, ok, err := h.app.AppendMessage(ctx, s.ID, domain.SenderUser, " \n\t ")
	if err != nil || ok {
		t.Fatalf("whitespace append: ok=%v err=%v", ok, err)
	}
	msgs := mustList(t, h.app, s.ID)
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("expected empty non-nil history, got %#v", msgs)
	}

	if _, _, err := h.app.AppendMessage(ctx, s.ID, "system", "hi"); !errors.Is(err, ErrInvalidSender) {
		t.Fatalf("expected ErrInvalidSender, got %v", err)
	}
}

func TestAssemblePromptIsDeterministic(t *testing.T) {
	prior := []domain.Message{
		{Sender: domain.SenderUser, Content: "m1"},
		{Sender: domain.SenderAssistant, Content: "m2"},
	}
	want := []domain.PromptEntry{
		{Role: domain.RoleSystem, Content: "S"},
		{Role: domain.RoleUser, Content: "m1"},
		{Role: domain.RoleAssistant, Content: "m2"},
		{Role: domain.RoleUser, Content: "hello"},
	}
	for i := 0; i < 3; i++ {
		if got := AssemblePrompt(prior, "  hello  ", "S"); !reflect.DeepEqual(got, want) {
			t.Fatalf("run %d: got %+v", i, got)
		}
	}

	noContext := AssemblePrompt(nil, "hi", "")
	if !reflect.DeepEqual(noContext, []domain.PromptEntry{{Role: domain.RoleUser, Content: "hi"}}) {
		t.Fatalf("unexpected entries without context: %+v", noContext)
	}
}

func TestAnchorContextCapsNoteExcerpt(t *testing.T) {
	long := strings.Repeat("x", MaxNoteExcerptRunes+250)
	text := AnchorContext{Note: &domain.NoteSummary{Title: "Long", ContentExcerpt: long}}.String()
	if !strings.Contains(text, `"Long"`) {
		t.Fatalf("missing note title: %q", text)
	}
	if !strings.Contains(text, strings.Repeat("x", MaxNoteExcerptRunes)+"…") {
		t.Fatalf("excerpt not capped with ellipsis")
	}
	if strings.Contains(text, strings.Repeat("x", MaxNoteExcerptRunes+1)) {
		t.Fatalf("excerpt longer than %d runes", MaxNoteExcerptRunes)
	}
}

func TestAnchorContextJoinsResourceAndNote(t *testing.T) {
	h := newHarness(t)
	h.anchors.resources["r1"] = &domain.ResourceSummary{Title: "Atomic Habits", TotalMinutes: 320, CompletedMinutes: 120}
	h.anchors.notes["n1"] = &domain.NoteSummary{Title: "Chapter 3", ContentExcerpt: "Make it obvious."}

	got := h.app.BuildAnchorContext(context.Background(), "u1",
		domain.Anchor{Type: domain.AnchorNote, ID: "n1"},
		domain.Anchor{Type: domain.AnchorResource, ID: "r1"})
	lines := strings.SplitN(got.String(), "\n", 2)
	if len(lines) != 2 {
		t.Fatalf("expected resource and note lines, got %q", got.String())
	}
	if !strings.Contains(lines[0], "Atomic Habits") || !strings.Contains(lines[1], "Chapter 3") {
		t.Fatalf("unexpected context lines %q", lines)
	}

	general := h.app.BuildAnchorContext(context.Background(), "u1", domain.Anchor{Type: domain.AnchorGeneral})
	if general.String() != "" {
		t.Fatalf("general anchors carry no context, got %q", general.String())
	}
}

func TestSendMessageAppendsUserThenAssistant(t *testing.T) {
	h := newHarness(t)
	h.completer.reply = func([]domain.PromptEntry) (string, error) { return "  hi there  ", nil }

	ex, err := h.app.SendMessage(context.Background(), "u1", domain.Anchor{Type: domain.AnchorGeneral}, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ex.UserMessage.Content != "hello" || ex.AssistantMessage.Content != "  hi there  " {
		t.Fatalf("unexpected exchange %+v", ex)
	}
	if want := map[string]string{"provider": "fake", "model": "fake-1"}; !reflect.DeepEqual(ex.AssistantMessage.Meta, want) {
		t.Fatalf("unexpected meta %v", ex.AssistantMessage.Meta)
	}

	msgs := mustList(t, h.app, ex.Session.ID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Sender != domain.SenderUser || msgs[0].Content != "hello" {
		t.Fatalf("first message should be the user turn: %+v", msgs[0])
	}
	if msgs[1].Sender != domain.SenderAssistant || msgs[1].ID != ex.AssistantMessage.ID {
		t.Fatalf("second message should be the reply: %+v", msgs[1])
	}
	if !reflect.DeepEqual(h.titles.ids, []string{ex.Session.ID}) {
		t.Fatalf("expected one title dispatch, got %v", h.titles.ids)
	}
}

func TestSendMessageEmptyTextMakesNoCalls(t *testing.T) {
	h := newHarness(t)
	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := h.app.SendMessage(context.Background(), "u1", domain.Anchor{Type: domain.AnchorNote, ID: "n1"}, text)
		if !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("text %q: expected ErrEmptyMessage, got %v", text, err)
		}
	}
	if h.store.calls.Load() != 0 || h.completer.counter.Load() != 0 || h.anchors.calls.Load() != 0 {
		t.Fatalf("expected no collaborator calls, store=%d completer=%d anchors=%d",
			h.store.calls.Load(), h.completer.counter.Load(), h.anchors.calls.Load())
	}
}

func TestSendMessageRequiresUser(t *testing.T) {
	h := newHarness(t)
	_, err := h.app.SendMessage(context.Background(), "", domain.Anchor{Type: domain.AnchorGeneral}, "hello")
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if h.store.calls.Load() != 0 || h.completer.counter.Load() != 0 {
		t.Fatalf("expected no collaborator calls")
	}
}

func TestSendMessageCompletionFailurePersistsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	anchor := domain.Anchor{Type: domain.AnchorNote, ID: "n1"}
	want := &ai.CompletionError{Status: 503, Message: "overloaded"}
	h.completer.reply = func([]domain.PromptEntry) (string, error) { return "", want }

	_, err := h.app.SendMessage(ctx, "u1", anchor, "hello")
	var cerr *ai.CompletionError
	if !errors.As(err, &cerr) || cerr != want {
		t.Fatalf("expected the completer's error unchanged, got %v", err)
	}

	s, err := h.app.ResolveSession(ctx, "u1", anchor)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if msgs := mustList(t, h.app, s.ID); len(msgs) != 0 {
		t.Fatalf("expected no persisted messages, got %+v", msgs)
	}
	if len(h.titles.ids) != 0 {
		t.Fatalf("failed sends must not dispatch titles")
	}
}

// brokenExchangeStore fails the combined write as a database would on a
// dropped connection.
type brokenExchangeStore struct {
	*store.MemoryStore
}

func (brokenExchangeStore) AppendExchange(context.Context, domain.Message, domain.Message) error {
	return errors.New("db down")
}

func TestSendMessageWriteFailureLeavesNoUserTurn(t *testing.T) {
	mem := brokenExchangeStore{MemoryStore: store.NewMemoryStore()}
	a, err := New(Config{Store: mem, Completer: &fakeCompleter{}, Titles: &recordingDispatcher{}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	_, err = a.SendMessage(context.Background(), "u1", domain.Anchor{Type: domain.AnchorNote, ID: "n1"}, "hello")
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected write error, got %v", err)
	}
	s, err := a.ResolveSession(context.Background(), "u1", domain.Anchor{Type: domain.AnchorNote, ID: "n1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if msgs := mustList(t, a, s.ID); len(msgs) != 0 {
		t.Fatalf("user turn must not be stored without its reply, got %+v", msgs)
	}
}

func TestSendMessageUsesHistoryAsContext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	anchor := domain.Anchor{Type: domain.AnchorNote, ID: "n1"}
	replies := []string{"first reply", "second reply"}
	var i atomic.Int32
	h.completer.reply = func([]domain.PromptEntry) (string, error) { return replies[i.Add(1)-1], nil }

	first, err := h.app.SendMessage(ctx, "u1", anchor, "first question")
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	second, err := h.app.SendMessage(ctx, "u1", anchor, "second question")
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if first.Session.ID != second.Session.ID {
		t.Fatalf("anchored sends must share a session")
	}

	want := []domain.PromptEntry{
		{Role: domain.RoleUser, Content: "first question"},
		{Role: domain.RoleAssistant, Content: "first reply"},
		{Role: domain.RoleUser, Content: "second question"},
	}
	if got := h.completer.lastCall(t); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected prompt %+v", got)
	}

	msgs := mustList(t, h.app, first.Session.ID)
	if len(msgs) != 4 || msgs[3].Content != "second reply" {
		t.Fatalf("unexpected history %+v", msgs)
	}
	// Derived titles are kept; only placeholders trigger generation.
	if len(h.titles.ids) != 0 {
		t.Fatalf("unexpected title dispatches %v", h.titles.ids)
	}
}

func TestSendMessageAtomicHabitsScenario(t *testing.T) {
	h := newHarness(t)
	h.anchors.resources["r1"] = &domain.ResourceSummary{Title: "Atomic Habits", TotalMinutes: 320, CompletedMinutes: 120}
	h.completer.reply = func([]domain.PromptEntry) (string, error) {
		return "Finish Atomic Habits first, then try Deep Work.", nil
	}

	ex, err := h.app.SendMessage(context.Background(), "u1", domain.Anchor{Type: domain.AnchorResource, ID: "r1"}, "What should I read next?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ex.Session.Title != "Resource: Atomic Habits" || ex.Session.UserID != "u1" {
		t.Fatalf("unexpected session %+v", ex.Session)
	}

	entries := h.completer.lastCall(t)
	if len(entries) != 2 || entries[0].Role != domain.RoleSystem {
		t.Fatalf("expected system entry then user entry, got %+v", entries)
	}
	for _, want := range []string{"Atomic Habits", "120", "320"} {
		if !strings.Contains(entries[0].Content, want) {
			t.Fatalf("system entry missing %q: %q", want, entries[0].Content)
		}
	}
	if entries[1] != (domain.PromptEntry{Role: domain.RoleUser, Content: "What should I read next?"}) {
		t.Fatalf("unexpected user entry %+v", entries[1])
	}

	msgs := mustList(t, h.app, ex.Session.ID)
	if len(msgs) != 2 || msgs[0].Sender != domain.SenderUser || msgs[1].Sender != domain.SenderAssistant {
		t.Fatalf("expected user then assistant, got %+v", msgs)
	}
}

func TestSendMessageAnchorContextFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.anchors.err = errors.New("timeout")

	ex, err := h.app.SendMessage(context.Background(), "u1", domain.Anchor{Type: domain.AnchorResource, ID: "r1"}, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	entries := h.completer.lastCall(t)
	if len(entries) != 1 || entries[0].Role != domain.RoleUser {
		t.Fatalf("expected only the user entry, got %+v", entries)
	}
	if ex.Session.Title != "Resource: Untitled" {
		t.Fatalf("unexpected title %q", ex.Session.Title)
	}
}

func TestSendMessageUpdatesAdvisoryCounters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.completer.reply = func([]domain.PromptEntry) (string, error) { return "four words right here", nil }

	ex, err := h.app.SendMessage(ctx, "u1", domain.Anchor{Type: domain.AnchorGeneral}, "two words")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ex.Session.WordCount != 6 {
		t.Fatalf("expected 6 words, got %d", ex.Session.WordCount)
	}
	if want := EstimateTokens("two words") + EstimateTokens("four words right here"); ex.Session.TokenCount != want {
		t.Fatalf("expected %d tokens, got %d", want, ex.Session.TokenCount)
	}

	stored, ok, err := h.store.GetSession(ctx, ex.Session.ID)
	if err != nil || !ok {
		t.Fatalf("get session: ok=%v err=%v", ok, err)
	}
	if stored.WordCount != ex.Session.WordCount || !stored.UpdatedAt.Equal(ex.AssistantMessage.CreatedAt) {
		t.Fatalf("stored counters out of sync: %+v", stored)
	}
}

func TestSendContinuesOwnedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.app.SendMessage(ctx, "u1", domain.Anchor{Type: domain.AnchorGeneral}, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	next, err := h.app.Send(ctx, SendRequest{UserID: "u1", SessionID: first.Session.ID, Text: "again"})
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if next.Session.ID != first.Session.ID {
		t.Fatalf("expected the same session")
	}

	if _, err := h.app.Send(ctx, SendRequest{UserID: "u2", SessionID: first.Session.ID, Text: "sneaky"}); !errors.Is(err, ErrSessionForbidden) {
		t.Fatalf("expected ErrSessionForbidden, got %v", err)
	}
	if _, err := h.app.Send(ctx, SendRequest{UserID: "u1", SessionID: "missing", Text: "hi"}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestListMessagesIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ex, err := h.app.SendMessage(context.Background(), "u1", domain.Anchor{Type: domain.AnchorNote, ID: "n1"}, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	first := mustList(t, h.app, ex.Session.ID)
	second := mustList(t, h.app, ex.Session.ID)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated reads differ: %+v vs %+v", first, second)
	}
}

func TestListSessionsAndOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ex, err := h.app.SendMessage(ctx, "u1", domain.Anchor{Type: domain.AnchorGeneral}, "hello")
	if err != nil {
		t.Fatalf("send u1: %v", err)
	}
	if _, err := h.app.SendMessage(ctx, "u2", domain.Anchor{Type: domain.AnchorGeneral}, "hello"); err != nil {
		t.Fatalf("send u2: %v", err)
	}

	sessions, err := h.app.ListSessions(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != ex.Session.ID {
		t.Fatalf("expected only u1's session, got %+v", sessions)
	}

	msgs, err := h.app.ListSessionMessages(ctx, "u1", ex.Session.ID)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("list owned messages: len=%d err=%v", len(msgs), err)
	}
	if _, err := h.app.ListSessionMessages(ctx, "u2", ex.Session.ID); !errors.Is(err, ErrSessionForbidden) {
		t.Fatalf("expected ErrSessionForbidden, got %v", err)
	}
	if _, err := h.app.ListSessions(ctx, "", 10); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}
