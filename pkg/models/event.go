package models

import (
	"time"
)

// EventType identifies the kind of bus event.
type EventType string

const (
	EventSessionStatus     EventType = "session.status"
	EventSessionError      EventType = "session.error"
	EventSessionUpdated    EventType = "session.updated"
	EventMessageUpdated    EventType = "message.updated"
	EventMessageRemoved    EventType = "message.removed"
	EventPartUpdated       EventType = "message.part.updated"
	EventPermissionAsked   EventType = "permission.asked"
	EventPermissionReplied EventType = "permission.replied"
)

// Event is the envelope published on the bus.
//
// Exactly one payload should be non-nil for a given Type; Delta accompanies
// Part for incremental text updates.
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	Sequence  uint64    `json:"seq"`
	SessionID string    `json:"session_id"`

	Status     *SessionStatus     `json:"status,omitempty"`
	Session    *Session           `json:"session,omitempty"`
	Message    *Message           `json:"message,omitempty"`
	Part       *Part              `json:"part,omitempty"`
	Delta      string             `json:"delta,omitempty"`
	Permission *PermissionRequest `json:"permission,omitempty"`
	Reply      *PermissionReplied `json:"reply,omitempty"`
	Error      *MessageError      `json:"error,omitempty"`
}

// SessionStatusType enumerates session activity states.
type SessionStatusType string

const (
	StatusIdle  SessionStatusType = "idle"
	StatusBusy  SessionStatusType = "busy"
	StatusRetry SessionStatusType = "retry"
)

// SessionStatus is the transient activity state of a session.
// Attempt, Message and Next are populated only for StatusRetry.
type SessionStatus struct {
	Type    SessionStatusType `json:"type"`
	Attempt int               `json:"attempt,omitempty"`
	Message string            `json:"message,omitempty"`
	Next    time.Time         `json:"next,omitempty"`
}
