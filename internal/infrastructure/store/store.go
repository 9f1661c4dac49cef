// Package store is the Instance Store (spec.md §4.2): pure persistence for
// declared instances. It enforces no invariants beyond uniqueness of id —
// the Manager owns all ordering relative to state changes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opencode-relay/orchestrator/internal/domain/instance"
)

// ErrNotFound means the instance id does not exist in the store.
var ErrNotFound = errors.New("instance not found")

// Store maintains a process-local index (id → project_path) mirroring
// Redis-persisted instance records, following the teacher's datastore
// pattern: Redis is the system of record, RAM holds only the index needed
// for get_by_path/get_all/get_active_count, and reconcile() rebuilds that
// index from Redis at startup.
type Store struct {
	log       *zap.Logger
	rdb       *redis.Client
	keyPrefix string

	mu        sync.Mutex
	byID      map[string]string // id -> project_path, the known ids for get/get_all/delete
	byPath    map[string]string // project_path -> id, for non-Stopped uniqueness lookups
	active    map[string]struct{}
}

// New constructs a Store and reconciles its index from Redis.
func New(ctx context.Context, log *zap.Logger, rdb *redis.Client, keyPrefix string) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("nil redis client")
	}
	if keyPrefix == "" {
		return nil, fmt.Errorf("invalid keyPrefix: must be non-empty")
	}
	if !strings.HasSuffix(keyPrefix, ":") {
		keyPrefix = keyPrefix + ":"
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Store{
		log:       log.Named("instance_store"),
		rdb:       rdb,
		keyPrefix: keyPrefix,
		byID:      make(map[string]string),
		byPath:    make(map[string]string),
		active:    make(map[string]struct{}),
	}

	if err := s.reconcile(ctx); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	return s, nil
}

func (s *Store) key(id string) string { return s.keyPrefix + id }

// Save upserts the full instance record.
func (s *Store) Save(ctx context.Context, inst *instance.Instance) error {
	if inst.ID == "" {
		return errors.New("instance id must not be empty")
	}

	raw, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance %s: %w", inst.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rdb.Set(ctx, s.key(inst.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set (id=%s): %w", inst.ID, err)
	}

	s.byID[inst.ID] = inst.ProjectPath
	if inst.Active() {
		s.byPath[inst.ProjectPath] = inst.ID
		s.active[inst.ID] = struct{}{}
	} else {
		delete(s.active, inst.ID)
		if s.byPath[inst.ProjectPath] == inst.ID {
			delete(s.byPath, inst.ProjectPath)
		}
	}

	return nil
}

// Get returns the instance by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*instance.Instance, error) {
	s.mu.Lock()
	_, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.fetch(ctx, id)
}

// GetByPath returns the currently active (non-Stopped) instance for a
// project path, or ErrNotFound.
func (s *Store) GetByPath(ctx context.Context, projectPath string) (*instance.Instance, error) {
	s.mu.Lock()
	id, ok := s.byPath[projectPath]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.fetch(ctx, id)
}

// GetAll returns every declared instance, ordered by id.
func (s *Store) GetAll(ctx context.Context) ([]*instance.Instance, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	out := make([]*instance.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.fetch(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// GetAllActive returns the single authoritative active record for each
// project_path, per the byPath index Save/reconcile already maintain as
// the one live id per path. Unlike GetAll, this never returns a
// superseded lineage remnant left behind by a crash-then-restart history
// (an older id whose project_path has since been claimed by a newer one).
func (s *Store) GetAllActive(ctx context.Context) ([]*instance.Instance, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.byPath))
	for _, id := range s.byPath {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	out := make([]*instance.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.fetch(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// GetActiveCount returns the number of non-Stopped declared instances.
func (s *Store) GetActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// UpdateState transitions the record's state and bumps updated_at,
// without requiring the full record round-trip.
func (s *Store) UpdateState(ctx context.Context, id string, state instance.State) error {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	inst.State = state
	inst.UpdatedAt = s.now()
	return s.Save(ctx, inst)
}

// Delete removes the instance record. Idempotent.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	projectPath, ok := s.byID[id]
	s.mu.Unlock()

	if err := s.rdb.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis del (id=%s): %w", id, err)
	}

	if !ok {
		return nil
	}

	s.mu.Lock()
	delete(s.byID, id)
	delete(s.active, id)
	if s.byPath[projectPath] == id {
		delete(s.byPath, projectPath)
	}
	s.mu.Unlock()

	return nil
}

func (s *Store) fetch(ctx context.Context, id string) (*instance.Instance, error) {
	raw, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			s.log.Warn("auto-heal: indexed id missing in Redis", zap.String("id", id))
			s.mu.Lock()
			delete(s.active, id)
			delete(s.byID, id)
			s.mu.Unlock()
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get (id=%s): %w", id, err)
	}

	var inst instance.Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal instance %s: %w", id, err)
	}
	return &inst, nil
}

// now is a method (not package func) so tests can override it via an
// embedding wrapper without touching production call sites.
func (s *Store) now() time.Time { return time.Now() }

// reconcile scans Redis for every key under keyPrefix and rebuilds the
// in-memory index, mirroring the teacher's datastore.reconcile: a
// read-only pass, logged, self-healing, run once at construction.
func (s *Store) reconcile(ctx context.Context) error {
	start := time.Now()
	pattern := s.keyPrefix + "*"

	byID := make(map[string]string)
	byPath := make(map[string]string)
	latest := make(map[string]time.Time) // project_path -> UpdatedAt of the id held in byPath
	active := make(map[string]struct{})
	skipped := 0

	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			s.log.Warn("reconcile: failed reading key, skipping", zap.String("key", iter.Val()), zap.Error(err))
			skipped++
			continue
		}
		var inst instance.Instance
		if err := json.Unmarshal(raw, &inst); err != nil {
			s.log.Warn("reconcile: non-conforming value under prefix, skipping", zap.String("key", iter.Val()))
			skipped++
			continue
		}
		byID[inst.ID] = inst.ProjectPath
		if inst.Active() {
			active[inst.ID] = struct{}{}
			// Scan order is arbitrary: keep the most recently updated active
			// record per path, as the last Save would have.
			if prev, seen := latest[inst.ProjectPath]; !seen || !inst.UpdatedAt.Before(prev) {
				byPath[inst.ProjectPath] = inst.ID
				latest[inst.ProjectPath] = inst.UpdatedAt
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}

	s.mu.Lock()
	s.byID = byID
	s.byPath = byPath
	s.active = active
	s.mu.Unlock()

	s.log.Info("reconcile: complete",
		zap.String("prefix", s.keyPrefix),
		zap.Int("recovered", len(byID)),
		zap.Int("skipped", skipped),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}
