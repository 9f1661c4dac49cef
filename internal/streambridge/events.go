// Package streambridge implements the Stream Bridge (spec.md §4.6): one
// SSE subscription per active session, parsed into a well-typed event
// sequence with dedup of user-originated echo and rate-limit batching.
package streambridge

// EventKind enumerates the taxonomy exposed to glue (spec.md §4.6.2).
type EventKind string

const (
	KindTextChunk         EventKind = "text_chunk"
	KindToolInvocation    EventKind = "tool_invocation"
	KindToolResult        EventKind = "tool_result"
	KindMessageComplete   EventKind = "message_complete"
	KindSessionIdle       EventKind = "session_idle"
	KindSessionError      EventKind = "session_error"
	KindPermissionRequest EventKind = "permission_request"
	KindPermissionReplied EventKind = "permission_replied"
)

// Event is the well-typed, glue-facing representation of one SSE message.
type Event struct {
	Kind EventKind

	Text string // TextChunk

	ToolName       string // ToolInvocation
	ToolArgsSummary string // ToolInvocation
	ToolResult     string // ToolResult, possibly truncated

	MessageID string // MessageComplete

	Error string // SessionError

	PermissionID          string // PermissionRequest / PermissionReplied
	PermissionDescription string // PermissionRequest
	PermissionAllowed     bool   // PermissionReplied
}

// rawEvent is the wire shape of one `data: {json}` SSE line (spec.md §6).
type rawEvent struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Name       string `json:"name,omitempty"`
	ArgsSummary string `json:"args_summary,omitempty"`
	Result     string `json:"result,omitempty"`

	MessageID string `json:"message_id,omitempty"`

	Error string `json:"error,omitempty"`

	PermissionID   string `json:"permission_id,omitempty"`
	Description    string `json:"description,omitempty"`
	Allowed        bool   `json:"allowed,omitempty"`
}

// toolResultTruncateLimit bounds ToolResult payload size; larger results
// are truncated with an explicit marker (spec.md §4.6.4).
const toolResultTruncateLimit = 4096

// fromRaw translates one wire event into its well-typed form. ok is false
// for an unrecognized r.Type, which the caller logs and drops rather than
// surfacing as a fabricated session error (spec.md §9: unknown variants
// are "logged and ignored").
func fromRaw(r rawEvent) (ev Event, ok bool) {
	switch r.Type {
	case "text_chunk":
		return Event{Kind: KindTextChunk, Text: r.Text}, true
	case "tool_invocation":
		return Event{Kind: KindToolInvocation, ToolName: r.Name, ToolArgsSummary: r.ArgsSummary}, true
	case "tool_result":
		result := r.Result
		if len(result) > toolResultTruncateLimit {
			result = result[:toolResultTruncateLimit] + "...[truncated]"
		}
		return Event{Kind: KindToolResult, ToolResult: result}, true
	case "message_complete":
		return Event{Kind: KindMessageComplete, MessageID: r.MessageID}, true
	case "session_idle":
		return Event{Kind: KindSessionIdle}, true
	case "session_error":
		return Event{Kind: KindSessionError, Error: r.Error}, true
	case "permission_request":
		return Event{Kind: KindPermissionRequest, PermissionID: r.PermissionID, PermissionDescription: r.Description}, true
	case "permission_replied":
		return Event{Kind: KindPermissionReplied, PermissionID: r.PermissionID, PermissionAllowed: r.Allowed}, true
	default:
		return Event{}, false
	}
}

// IsText reports whether this event carries assistant text subject to
// batching (spec.md §4.6.4).
func (e Event) IsText() bool { return e.Kind == KindTextChunk }
