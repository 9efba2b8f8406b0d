package models

import "time"

// PermissionReply is the user's answer to a permission request.
type PermissionReply string

const (
	// PermissionAllow grants this single request.
	PermissionAllow PermissionReply = "allow"
	// PermissionReject denies the request and any other pending request of the session.
	PermissionReject PermissionReply = "reject"
	// PermissionAlways grants the request and remembers its patterns for the session.
	PermissionAlways PermissionReply = "always"
)

// Valid reports whether r is a known reply.
func (r PermissionReply) Valid() bool {
	switch r {
	case PermissionAllow, PermissionReject, PermissionAlways:
		return true
	default:
		return false
	}
}

// PermissionRequest asks the user to approve an action.
type PermissionRequest struct {
	ID         string             `json:"id"`
	SessionID  string             `json:"session_id"`
	Permission string             `json:"permission"`
	Patterns   []string           `json:"patterns"`
	Always     []string           `json:"always,omitempty"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
	Tool       *PermissionToolRef `json:"tool,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// PermissionToolRef ties a permission request to the tool part that raised it.
type PermissionToolRef struct {
	MessageID string `json:"message_id"`
	CallID    string `json:"call_id"`
}

// PermissionReplied is published once a request has been answered.
type PermissionReplied struct {
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id"`
	Reply     PermissionReply `json:"reply"`
}
