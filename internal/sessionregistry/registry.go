// Package sessionregistry is a Redis-backed implementation of
// transport.SessionRegistry, covering the `topic_mappings` table spec.md
// §6 names but leaves external to the core. Grounded on the Instance
// Store's key-prefix/JSON-blob persistence style, without an in-memory
// index: every lookup (glue makes one per inbound message and one per
// forwarded stream event) hits Redis directly.
package sessionregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opencode-relay/orchestrator/internal/transport"
)

// ErrNotFound means the session id has no topic mapping.
var ErrNotFound = errors.New("session not found")

// Registry is a Redis-backed transport.SessionRegistry.
type Registry struct {
	log       *zap.Logger
	rdb       *redis.Client
	keyPrefix string
}

// New constructs a Registry.
func New(log *zap.Logger, rdb *redis.Client, keyPrefix string) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{log: log.Named("session_registry"), rdb: rdb, keyPrefix: keyPrefix}
}

func (r *Registry) key(sessionID string) string { return r.keyPrefix + sessionID }

// record is the topic_mappings row (spec.md §6).
type record struct {
	TopicID          string `json:"topic_id"`
	InstanceID       string `json:"instance_id,omitempty"`
	StreamingEnabled bool   `json:"streaming_enabled"`
	ProjectPath      string `json:"project_path"`
}

// Bind persists a new session -> topic/project mapping, created by the
// transport layer when it opens a topic for a chat (outside the core).
func (r *Registry) Bind(ctx context.Context, sessionID, topicID, projectPath string) error {
	rec := record{TopicID: topicID, ProjectPath: projectPath, StreamingEnabled: true}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	return r.rdb.Set(ctx, r.key(sessionID), raw, 0).Err()
}

// Lookup implements transport.SessionRegistry.
func (r *Registry) Lookup(ctx context.Context, sessionID string) (transport.SessionInfo, bool, error) {
	raw, err := r.rdb.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return transport.SessionInfo{}, false, nil
		}
		return transport.SessionInfo{}, false, fmt.Errorf("redis get: %w", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return transport.SessionInfo{}, false, fmt.Errorf("unmarshal session record: %w", err)
	}

	return transport.SessionInfo{
		TopicID:          rec.TopicID,
		InstanceID:       rec.InstanceID,
		StreamingEnabled: rec.StreamingEnabled,
		ProjectPath:      rec.ProjectPath,
	}, true, nil
}

// BindInstance implements transport.SessionRegistry.
func (r *Registry) BindInstance(ctx context.Context, sessionID, instanceID string) error {
	info, ok, err := r.Lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	info.InstanceID = instanceID
	return r.save(ctx, sessionID, info)
}

// SetStreamingEnabled implements transport.SessionRegistry.
func (r *Registry) SetStreamingEnabled(ctx context.Context, sessionID string, enabled bool) error {
	info, ok, err := r.Lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	info.StreamingEnabled = enabled
	return r.save(ctx, sessionID, info)
}

func (r *Registry) save(ctx context.Context, sessionID string, info transport.SessionInfo) error {
	rec := record{
		TopicID:          info.TopicID,
		InstanceID:       info.InstanceID,
		StreamingEnabled: info.StreamingEnabled,
		ProjectPath:      info.ProjectPath,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	return r.rdb.Set(ctx, r.key(sessionID), raw, 0).Err()
}
