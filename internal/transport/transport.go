// Package transport declares the external interfaces the core consumes
// (spec.md §6): the chat transport and the session/topic registry. Both
// are implemented outside the core; the core depends only on these
// interfaces.
package transport

import "context"

// InboundMessage is a user message received from the chat transport.
type InboundMessage struct {
	ChatID  string
	TopicID string
	Sender  string
	Text    string
}

// PermissionCallback is an inline-button callback answering a permission
// prompt, encoded by the transport as "perm:<session_id>:<permission_id>:<allow|deny>".
type PermissionCallback struct {
	SessionID    string
	PermissionID string
	Allow        bool
}

// Keyboard is an opaque inline-keyboard description; the transport decides
// its concrete rendering.
type Keyboard struct {
	Buttons []KeyboardButton
}

// KeyboardButton is one inline button; Data round-trips through a
// PermissionCallback.
type KeyboardButton struct {
	Label string
	Data  string
}

// ForumTransport is the chat transport's contract (spec.md §6): the
// transport owns rate limiting and message splitting; the core provides
// whole messages and expects best-effort delivery.
type ForumTransport interface {
	SendMessage(ctx context.Context, topicID, htmlText string) error
	SendMessageWithKeyboard(ctx context.Context, topicID, htmlText string, kb Keyboard) error
	DeleteTopic(ctx context.Context, topicID string) error
	CreateTopic(ctx context.Context, chatID, name string) (topicID string, err error)
}

// SessionInfo is what the registry knows about a session (spec.md §6).
type SessionInfo struct {
	TopicID          string
	InstanceID       string // empty until glue first binds the session's resolved instance
	StreamingEnabled bool
	ProjectPath      string
}

// SessionRegistry is the read-only (for the core) session/topic mapping
// (spec.md §6, §3). The core writes back only through explicit glue hooks.
type SessionRegistry interface {
	Lookup(ctx context.Context, sessionID string) (SessionInfo, bool, error)
	BindInstance(ctx context.Context, sessionID, instanceID string) error
	SetStreamingEnabled(ctx context.Context, sessionID string, enabled bool) error
}
