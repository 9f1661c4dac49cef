// Package glue wires the core (Instance Manager, Process Client, Stream
// Bridge) to the external chat transport and session registry (spec.md
// §6). It is the only package that touches both the core and the
// transport interfaces; everything here is plain routing, no business
// logic of its own.
package glue

import (
	"context"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"

	"github.com/opencode-relay/orchestrator/internal/client"
	"github.com/opencode-relay/orchestrator/internal/manager"
	"github.com/opencode-relay/orchestrator/internal/streambridge"
	"github.com/opencode-relay/orchestrator/internal/transport"
)

// Glue composes the core with the chat transport, translating inbound
// messages/callbacks into core calls and core-originated stream events
// back into transport sends.
type Glue struct {
	log *zap.Logger

	mgr    *manager.Manager
	bridge *streambridge.Bridge

	chat     transport.ForumTransport
	sessions transport.SessionRegistry
}

// New constructs a Glue.
func New(log *zap.Logger, mgr *manager.Manager, bridge *streambridge.Bridge, chat transport.ForumTransport, sessions transport.SessionRegistry) *Glue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Glue{
		log:      log.Named("glue"),
		mgr:      mgr,
		bridge:   bridge,
		chat:     chat,
		sessions: sessions,
	}
}

// HandleInbound routes one inbound chat message: resolve the session's
// bound instance (spawning or restoring it if this is the session's first
// message), mark the text for dedup, and forward it (spec.md §6, S5).
func (g *Glue) HandleInbound(ctx context.Context, sessionID string, msg transport.InboundMessage) error {
	info, ok, err := g.sessions.Lookup(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("glue: lookup session %s: %w", sessionID, err)
	}
	if !ok {
		return fmt.Errorf("glue: unknown session %s", sessionID)
	}

	proc, err := g.mgr.GetOrCreate(ctx, info.ProjectPath)
	if err != nil {
		g.notifyFailure(ctx, info.TopicID, err)
		return fmt.Errorf("glue: get_or_create(%s): %w", info.ProjectPath, err)
	}

	if info.InstanceID == "" {
		if err := g.sessions.BindInstance(ctx, sessionID, proc.ID()); err != nil {
			g.log.Warn("bind_instance failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	g.mgr.Touch(proc.ID())

	if info.StreamingEnabled {
		g.ensureSubscribed(ctx, sessionID, proc)
	}

	g.bridge.MarkFromTelegram(sessionID, msg.Text)

	c := client.New(g.log, proc.Port())
	if err := c.SendMessageAsync(ctx, sessionID, msg.Text); err != nil {
		g.notifyFailure(ctx, info.TopicID, err)
		return fmt.Errorf("glue: send_message_async: %w", err)
	}
	return nil
}

// HandlePermissionCallback routes an inline-button permission reply to the
// Process Client bound to the callback's session (spec.md §6, S6).
func (g *Glue) HandlePermissionCallback(ctx context.Context, cb transport.PermissionCallback) error {
	info, ok, err := g.sessions.Lookup(ctx, cb.SessionID)
	if err != nil {
		return fmt.Errorf("glue: lookup session %s: %w", cb.SessionID, err)
	}
	if !ok || info.InstanceID == "" {
		return fmt.Errorf("glue: no bound instance for session %s", cb.SessionID)
	}

	proc, err := g.mgr.GetOrCreate(ctx, info.ProjectPath)
	if err != nil {
		return fmt.Errorf("glue: resolve instance for permission reply: %w", err)
	}

	c := client.New(g.log, proc.Port())
	return c.ReplyPermission(ctx, cb.SessionID, cb.PermissionID, cb.Allow)
}

// ensureSubscribed opens the session's Stream Bridge subscription and
// starts forwarding to the transport, idempotently.
func (g *Glue) ensureSubscribed(ctx context.Context, sessionID string, proc interface {
	ID() string
	Port() int
}) {
	c := client.New(g.log, proc.Port())
	events := g.bridge.Subscribe(ctx, sessionID, c.SSEURL(sessionID))
	go g.forward(ctx, sessionID, events)
}

// forward drains one session's Stream Bridge channel, rendering each event
// into a transport send (spec.md §4.6.2, §6).
func (g *Glue) forward(ctx context.Context, sessionID string, events <-chan streambridge.Event) {
	log := g.log.With(zap.String("session_id", sessionID))

	for ev := range events {
		info, ok, err := g.sessions.Lookup(ctx, sessionID)
		if err != nil || !ok {
			log.Warn("forward: session lookup failed mid-stream", zap.Error(err))
			continue
		}

		switch ev.Kind {
		case streambridge.KindTextChunk:
			g.send(ctx, info.TopicID, html.EscapeString(ev.Text))

		case streambridge.KindToolInvocation:
			g.send(ctx, info.TopicID, fmt.Sprintf("<i>running %s</i>", html.EscapeString(ev.ToolName)))

		case streambridge.KindToolResult:
			g.send(ctx, info.TopicID, fmt.Sprintf("<pre>%s</pre>", html.EscapeString(ev.ToolResult)))

		case streambridge.KindMessageComplete:
			// No user-visible notice; completion is implicit in the text
			// already delivered.

		case streambridge.KindSessionIdle:
			// Not an error; no notice required.

		case streambridge.KindSessionError:
			g.send(ctx, info.TopicID, fmt.Sprintf("⚠ %s", html.EscapeString(ev.Error)))

		case streambridge.KindPermissionRequest:
			g.sendPermissionPrompt(ctx, info.TopicID, sessionID, ev)

		case streambridge.KindPermissionReplied:
			verb := "denied"
			if ev.PermissionAllowed {
				verb = "allowed"
			}
			g.send(ctx, info.TopicID, fmt.Sprintf("permission %s: %s", verb, html.EscapeString(ev.PermissionID)))
		}
	}
}

func (g *Glue) sendPermissionPrompt(ctx context.Context, topicID, sessionID string, ev streambridge.Event) {
	kb := transport.Keyboard{Buttons: []transport.KeyboardButton{
		{Label: "Allow", Data: fmt.Sprintf("perm:%s:%s:allow", sessionID, ev.PermissionID)},
		{Label: "Deny", Data: fmt.Sprintf("perm:%s:%s:deny", sessionID, ev.PermissionID)},
	}}
	text := html.EscapeString(ev.PermissionDescription)
	if err := g.chat.SendMessageWithKeyboard(ctx, topicID, text, kb); err != nil {
		g.log.Warn("send permission prompt failed", zap.String("topic_id", topicID), zap.Error(err))
	}
}

func (g *Glue) send(ctx context.Context, topicID, htmlText string) {
	if err := g.chat.SendMessage(ctx, topicID, htmlText); err != nil {
		g.log.Warn("send message failed", zap.String("topic_id", topicID), zap.Error(err))
	}
}

// notifyFailure renders a terse user-visible notice for a core-originated
// error (spec.md §7, "User-visible failure behavior").
func (g *Glue) notifyFailure(ctx context.Context, topicID string, err error) {
	msg := "Something went wrong starting your session."
	switch {
	case strings.Contains(err.Error(), "capacity reached"):
		msg = "All instance slots are busy right now. Try again shortly."
	case strings.Contains(err.Error(), "pool exhausted"):
		msg = "No ports available right now. Try again shortly."
	}
	g.send(ctx, topicID, msg)
}

// UnbindSession stops forwarding for a session whose topic is going away.
func (g *Glue) UnbindSession(sessionID string) {
	g.bridge.Unsubscribe(sessionID)
}
