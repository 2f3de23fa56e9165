// Package session owns the conversation state machine: message list, input
// and attachment buffers, streaming assembly of assistant replies, and the
// staleness guard across session switches.
package session

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// AttachmentRef references an uploaded or pending attachment. An attachment
// with an ObjectKey but no URL must be exchanged for a signed URL before it
// reaches the transport layer; resolution failures degrade rather than block
// the send.
type AttachmentRef struct {
	ID        string
	Name      string
	URL       string
	ObjectKey string
	MimeKind  string
}

// Message is one conversation entry. Immutable once finalized, except for
// the in-progress assistant message which is updated in place as cumulative
// deltas arrive.
type Message struct {
	ID          string
	Role        Role
	Content     string
	Attachments []AttachmentRef
	CreatedAt   time.Time
	// Abandoned marks a placeholder whose stream was preempted by a newer
	// send before it settled.
	Abandoned bool
}

// StatusEvent is the side channel describing server-side pipeline progress.
// Distinct from content deltas; each one supersedes the previous and the
// whole thing is cleared on completion.
type StatusEvent struct {
	Stage string
	Step  string
	State string
	Code  string
	Meta  map[string]string
}

// Agent is the resolved assistant the session talks to.
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
	DefaultModel string `json:"default_model"`
}

// State is the engine's position in the send lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateError     State = "error"
)
