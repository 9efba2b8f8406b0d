// Package models provides the shared domain types for sessions, messages and parts.
package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session represents a conversation thread.
type Session struct {
	ID        string          `json:"id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Title     string          `json:"title,omitempty"`
	Directory string          `json:"directory,omitempty"`
	Cost      float64         `json:"cost"`
	Tokens    TokenUsage      `json:"tokens"`
	Summary   *SessionSummary `json:"summary,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SessionSummary aggregates the file changes made during a session.
type SessionSummary struct {
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Files     int        `json:"files"`
	Diffs     []FileDiff `json:"diffs,omitempty"`
}

// FileDiff summarizes the change to a single file.
type FileDiff struct {
	File      string `json:"file"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// TokenUsage holds token counts for a step, a message or a session.
type TokenUsage struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	Reasoning  int64 `json:"reasoning"`
	CacheRead  int64 `json:"cache_read"`
	CacheWrite int64 `json:"cache_write"`
}

// Total returns the number of tokens that count against the context window.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output + u.CacheRead + u.CacheWrite
}

// Add accumulates another usage record into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Reasoning += other.Reasoning
	u.CacheRead += other.CacheRead
	u.CacheWrite += other.CacheWrite
}

// Message is a user prompt or a single assistant response within a session.
// The visible content of a message lives in its parts.
type Message struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Role        Role          `json:"role"`
	ParentID    string        `json:"parent_id,omitempty"`
	ProviderID  string        `json:"provider_id,omitempty"`
	ModelID     string        `json:"model_id,omitempty"`
	System      string        `json:"system,omitempty"`
	Cost        float64       `json:"cost"`
	Tokens      TokenUsage    `json:"tokens"`
	Finish      string        `json:"finish,omitempty"`
	Summary     bool          `json:"summary,omitempty"`
	Error       *MessageError `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Completed reports whether the completion timestamp has been set.
func (m *Message) Completed() bool {
	return m != nil && m.CompletedAt != nil
}

// MessageError is the persisted form of a turn failure.
type MessageError struct {
	Name            string            `json:"name"`
	Message         string            `json:"message"`
	StatusCode      int               `json:"status_code,omitempty"`
	Retryable       bool              `json:"retryable,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
}

// Error implements the error interface so a MessageError can be published as-is.
func (e *MessageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Known MessageError names.
const (
	ErrorNameAPI          = "APIError"
	ErrorNameAborted      = "MessageAbortedError"
	ErrorNameAuth         = "ProviderAuthError"
	ErrorNameOutputLength = "MessageOutputLengthError"
	ErrorNameRejected     = "PermissionRejectedError"
	ErrorNameUnknown      = "UnknownError"
)

// Attachment represents a file or media attachment produced by a tool.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// MessageWithParts pairs a message with its parts in creation order.
type MessageWithParts struct {
	Message *Message `json:"info"`
	Parts   []*Part  `json:"parts"`
}
