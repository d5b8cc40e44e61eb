package domain

import "time"

// AnchorType identifies what a chat session is attached to.
type AnchorType string

const (
	AnchorNote     AnchorType = "note"
	AnchorResource AnchorType = "resource"
	AnchorGeneral  AnchorType = "general"
)

// Valid reports whether t is one of the known anchor types.
func (t AnchorType) Valid() bool {
	switch t {
	case AnchorNote, AnchorResource, AnchorGeneral:
		return true
	}
	return false
}

// Anchor is the contextual target of a session. ID is empty for general chats.
type Anchor struct {
	Type AnchorType `json:"type"`
	ID   string     `json:"id,omitempty"`
}

// Sender is the author of a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

type Session struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	AnchorType AnchorType `json:"anchorType"`
	AnchorID   string     `json:"anchorId,omitempty"`
	Title      string     `json:"title"`
	// Advisory counters, never used for business decisions.
	TokenCount int       `json:"tokenCount"`
	WordCount  int       `json:"wordCount"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Anchor returns the session's anchor.
func (s Session) Anchor() Anchor {
	return Anchor{Type: s.AnchorType, ID: s.AnchorID}
}

type Message struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"sessionId"`
	Sender     Sender            `json:"sender"`
	Content    string            `json:"content"`
	TokenCount int               `json:"tokenCount"`
	Meta       map[string]string `json:"meta,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Role is a prompt entry role understood by completion providers.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PromptEntry is one element of the context window sent to a model.
type PromptEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Exchange is the result of one successful send.
type Exchange struct {
	Session          Session `json:"session"`
	UserMessage      Message `json:"userMessage"`
	AssistantMessage Message `json:"assistantMessage"`
}

// ResourceSummary describes a learning resource's progress.
type ResourceSummary struct {
	Title            string `json:"title"`
	Author           string `json:"author,omitempty"`
	TotalMinutes     int    `json:"totalMinutes"`
	CompletedMinutes int    `json:"completedMinutes"`
	StreakDays       int    `json:"streakDays"`
}

type NoteSummary struct {
	Title          string `json:"title"`
	ContentExcerpt string `json:"contentExcerpt"`
}

// User is the identity returned by the auth service.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
