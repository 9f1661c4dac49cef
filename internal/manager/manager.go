// Package manager implements the Instance Manager (spec.md §4.4): the
// single owner of the live-instance map, mediating every lifecycle
// transition and coordinating the Port Pool, the Instance Store, Managed
// Processes, and the background health loop.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-relay/orchestrator/internal/config"
	"github.com/opencode-relay/orchestrator/internal/domain/instance"
	"github.com/opencode-relay/orchestrator/internal/infrastructure/portpool"
	"github.com/opencode-relay/orchestrator/internal/infrastructure/processmgr"
	"github.com/opencode-relay/orchestrator/internal/infrastructure/processmgr/spawncmd"
	"github.com/opencode-relay/orchestrator/internal/infrastructure/store"
)

// ErrCapacityReached is returned by GetOrCreate when live.len() >= MaxInstances.
var ErrCapacityReached = errors.New("capacity reached")

// Status is the GetStatus snapshot (spec.md §4.4.1).
type Status struct {
	Total          int
	Running        int
	Stopped        int
	Error          int
	AvailablePorts int
}

// liveEntry is the live-map value: a running Managed Process plus the
// bookkeeping the health loop and idle sweep need.
type liveEntry struct {
	proc     *processmgr.Process
	activity *activityTracker
}

// Manager is the single owner of the live-instance map keyed by
// instance_id. Grounded on the teacher's channel.go service-layer
// composition (store + processmgr behind one RWMutex, reconcile on
// construction) generalized to the health-loop/backoff mechanics of
// process_manager2.go's dual-phase design.
type Manager struct {
	log *zap.Logger
	cfg config.Config

	store *store.Store
	ports *portpool.Pool
	logs  *processmgr.LogManager

	mu   sync.Mutex
	live map[string]*liveEntry // instance_id -> live entry

	restarts *restartTrackers

	schedMu    sync.Mutex // guards sched: Push runs on the health-loop goroutine, Next/Pop on runRestartLoop's
	sched      *processmgr.Scheduler
	restartSig chan struct{} // wakes the restart loop when sched gains a due-sooner entry

	pendingMu sync.Mutex
	pending   map[string]*pendingRestart // lineage -> restart awaiting its backoff

	status *statusCache

	// spawn performs the actual child-process spawn + readiness wait.
	// Defaults to m.realSpawn; overridable in tests so the Manager's
	// lifecycle logic (uniqueness, backoff, recovery) can be exercised
	// without execing a real OpenCode binary.
	spawn func(ctx context.Context, id, projectPath string, port int) (*processmgr.Process, error)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// pendingRestart carries the state restartCrashed hands off to the restart
// loop, keyed by lineage in Manager.pending. Mirrors the teacher's
// process_manager2.go mainloop, which looks a due PID up in its own
// bookkeeping after popping it off the scheduler.
type pendingRestart struct {
	oldID       string
	oldProc     *processmgr.Process
	projectPath string
}

// New constructs a Manager. Call RecoverFromDB and StartHealthLoop to bring
// it to a running state.
func New(log *zap.Logger, cfg config.Config, st *store.Store, ports *portpool.Pool) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		log:        log.Named("manager"),
		cfg:        cfg,
		store:      st,
		ports:      ports,
		logs:       processmgr.NewLogManager(),
		live:       make(map[string]*liveEntry),
		restarts:   newRestartTrackers(),
		sched:      processmgr.NewScheduler(),
		restartSig: make(chan struct{}, 1),
		pending:    make(map[string]*pendingRestart),
		status:     newStatusCache(2 * time.Second),
		stopCh:     make(chan struct{}),
	}
	m.spawn = m.realSpawn
	return m
}

// GetOrCreate resolves a project path to a live instance, spawning or
// restoring one as needed (spec.md §4.4.1).
func (m *Manager) GetOrCreate(ctx context.Context, projectPath string) (*processmgr.Process, error) {
	m.mu.Lock()
	for id, entry := range m.live {
		if entry.proc.ProjectPath() != projectPath {
			continue
		}
		switch entry.proc.State() {
		case processmgr.StateStarting, processmgr.StateRunning:
			m.mu.Unlock()
			return entry.proc, nil
		default:
			// Stopped/errored entry occupying the slot; drop it and fall
			// through to (re)spawn below.
			delete(m.live, id)
		}
	}
	m.mu.Unlock()

	if persisted, err := m.store.GetByPath(ctx, projectPath); err == nil {
		return m.restoreInstance(ctx, persisted)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup persisted instance: %w", err)
	}

	return m.spawnNew(ctx, projectPath)
}

// spawnNew allocates a port, generates a fresh instance_id, spawns, and
// waits for readiness — the Manager's guard-before-spawn path.
func (m *Manager) spawnNew(ctx context.Context, projectPath string) (*processmgr.Process, error) {
	m.mu.Lock()
	if len(m.live) >= m.cfg.MaxInstances {
		m.mu.Unlock()
		return nil, ErrCapacityReached
	}
	m.mu.Unlock()

	port, err := m.ports.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate port: %w", err)
	}

	id := uuid.NewString()
	proc, err := m.doSpawn(ctx, id, projectPath, port)
	if err != nil {
		m.ports.Release(port)
		_ = m.store.Save(ctx, &instance.Instance{
			ID: id, ProjectPath: projectPath, Port: port,
			State: instance.StateError, Type: instance.TypeManaged,
			CreatedAt: m.now(), UpdatedAt: m.now(),
		})
		return nil, err
	}

	if err := m.store.Save(ctx, &instance.Instance{
		ID: id, ProjectPath: projectPath, Port: port,
		State: instance.StateRunning, Type: instance.TypeManaged,
		CreatedAt: m.now(), UpdatedAt: m.now(),
	}); err != nil {
		proc.Stop(m.cfg.GracefulShutdownTimeout)
		m.ports.Release(port)
		return nil, fmt.Errorf("persist new instance: %w", err)
	}

	m.mu.Lock()
	m.live[id] = &liveEntry{proc: proc, activity: newActivityTracker()}
	m.mu.Unlock()

	return proc, nil
}

// doSpawn runs the configured spawn(config, port) -> wait_for_ready
// sequence shared by spawnNew, restoreInstance, and the restart path.
func (m *Manager) doSpawn(ctx context.Context, id, projectPath string, port int) (*processmgr.Process, error) {
	return m.spawn(ctx, id, projectPath, port)
}

// realSpawn is the production spawn(config, port) -> wait_for_ready
// sequence (spec.md §4.3/§6): the real OpenCode binary, execed with the
// canonical argv, polled over its health endpoint until ready.
func (m *Manager) realSpawn(ctx context.Context, id, projectPath string, port int) (*processmgr.Process, error) {
	argv := spawncmd.Argv(m.cfg.OpenCodeBinary, port, projectPath)
	env := spawncmd.RestrictedEnv()

	proc, err := processmgr.Spawn(m.log, id, argv, env, port, projectPath, "/global/health", m.logs.Get(id))
	if err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, m.cfg.StartupTimeout)
	defer cancel()
	if err := proc.WaitForReady(readyCtx, m.cfg.StartupTimeout); err != nil {
		proc.Stop(m.cfg.GracefulShutdownTimeout)
		return nil, fmt.Errorf("wait for ready: %w", err)
	}

	return proc, nil
}

// restoreInstance implements the Restore Protocol (spec.md §4.4.3).
func (m *Manager) restoreInstance(ctx context.Context, persisted *instance.Instance) (*processmgr.Process, error) {
	if !m.ports.IsAvailable(persisted.Port) {
		// Busy. Try reclaiming it first: an unclean shutdown can leave this
		// instance's own prior child process running as an orphaned
		// process-group bound to its old port (spec.md §4.1).
		if err := m.ports.CleanupOrphan(persisted.Port); err != nil {
			m.log.Warn("restore: orphan cleanup failed", zap.Int("port", persisted.Port), zap.Error(err))
		}
	}

	if !m.ports.IsAvailable(persisted.Port) {
		// Still busy after cleanup: a live, unrelated process owns it.
		// Adopt as Discovered/External, no lifecycle control.
		persisted.State = instance.StateRunning
		persisted.Type = instance.TypeDiscovered
		persisted.UpdatedAt = m.now()
		if err := m.store.Save(ctx, persisted); err != nil {
			m.log.Warn("restore: failed to persist adopted instance", zap.Error(err))
		}
		return nil, fmt.Errorf("restore: port %d in use by an unmanaged process; adopted as discovered", persisted.Port)
	}

	// Port is free: the old process is gone. Spawn fresh, preserving id.
	port, err := m.ports.Allocate()
	if err != nil {
		return nil, fmt.Errorf("restore: allocate port: %w", err)
	}

	proc, err := m.doSpawn(ctx, persisted.ID, persisted.ProjectPath, port)
	if err != nil {
		m.ports.Release(port)
		persisted.State = instance.StateError
		persisted.UpdatedAt = m.now()
		_ = m.store.Save(ctx, persisted)
		return nil, fmt.Errorf("restore: %w", err)
	}

	persisted.Port = port
	persisted.State = instance.StateRunning
	persisted.Type = instance.TypeManaged
	persisted.UpdatedAt = m.now()
	if err := m.store.Save(ctx, persisted); err != nil {
		proc.Stop(m.cfg.GracefulShutdownTimeout)
		m.ports.Release(port)
		return nil, fmt.Errorf("restore: persist: %w", err)
	}

	m.mu.Lock()
	m.live[persisted.ID] = &liveEntry{proc: proc, activity: newActivityTracker()}
	m.mu.Unlock()

	return proc, nil
}

// StopInstance removes id from the live map, releases its port, stops the
// child, and updates the Store to Stopped (spec.md §4.4.1). Order matters:
// the map entry is removed before the potentially slow Stop() call so
// concurrent callers never treat a draining instance as live.
//
// It also cancels any restart the health loop has already scheduled for
// id's lineage: a crashed instance stays in the live map (marked dead, not
// yet replaced) for the duration of its backoff wait, so a caller can stop
// it during that window. Without canceling the pending entry,
// performRestart would later overwrite this StateStopped back to
// StateError and spawn a replacement the caller never asked for.
func (m *Manager) StopInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.live[id]
	if ok {
		delete(m.live, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	lineage := string(instance.LineageOf(entry.proc.ProjectPath()))
	m.schedMu.Lock()
	m.sched.Remove(lineage)
	m.schedMu.Unlock()
	m.pendingMu.Lock()
	delete(m.pending, lineage)
	m.pendingMu.Unlock()

	m.ports.Release(entry.proc.Port())
	entry.proc.Stop(m.cfg.GracefulShutdownTimeout)

	if err := m.store.UpdateState(ctx, id, instance.StateStopped); err != nil {
		return fmt.Errorf("stop_instance: persist state: %w", err)
	}
	return nil
}

// Restart is the manual counterpart to the health loop's restart path
// (spec.md §4.4.4): it stops id, bypassing backoff and the restart
// tracker, and immediately spawns a fresh instance for the same project
// path. Used by the admin HTTP surface, not by any invariant.
func (m *Manager) Restart(ctx context.Context, id string) (*processmgr.Process, error) {
	m.mu.Lock()
	entry, ok := m.live[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("restart: instance %s not live", id)
	}
	projectPath := entry.proc.ProjectPath()

	if err := m.StopInstance(ctx, id); err != nil {
		return nil, fmt.Errorf("restart: stop: %w", err)
	}
	return m.spawnNew(ctx, projectPath)
}

// StopAll snapshots the live ids and stops each bounded-parallel; a
// partial failure does not short-circuit remaining work (spec.md §4.4.1).
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.StopInstance(gctx, id); err != nil {
				m.log.Warn("stop_all: instance stop failed", zap.String("id", id), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// InstanceSummary is one row of ListLive's snapshot.
type InstanceSummary struct {
	ID          string
	ProjectPath string
	Port        int
	State       processmgr.State
}

// ListLive returns a snapshot of every currently live instance, for the
// admin HTTP surface.
func (m *Manager) ListLive() []InstanceSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]InstanceSummary, 0, len(m.live))
	for id, entry := range m.live {
		out = append(out, InstanceSummary{
			ID:          id,
			ProjectPath: entry.proc.ProjectPath(),
			Port:        entry.proc.Port(),
			State:       entry.proc.State(),
		})
	}
	return out
}

// RecoverFromDB attempts restore_instance for the single authoritative
// active record per project_path at startup; results are classified but
// never fail startup (spec.md §4.4.1). It deliberately uses
// store.GetAllActive rather than GetAll: a crash-then-restart history can
// leave older Error-state records for a project_path still persisted
// under their own id after a newer id claimed that path, and restoring
// both would violate "at most one live Managed Process per project_path".
func (m *Manager) RecoverFromDB(ctx context.Context) error {
	all, err := m.store.GetAllActive(ctx)
	if err != nil {
		return fmt.Errorf("recover_from_db: list instances: %w", err)
	}

	for _, inst := range all {
		if _, err := m.restoreInstance(ctx, inst); err != nil {
			m.log.Warn("recover_from_db: restore failed", zap.String("id", inst.ID), zap.Error(err))
		}
	}
	return nil
}

// GetStatus returns a snapshot of the fleet (spec.md §4.4.1), served from a
// short-TTL cache coalesced via singleflight.
func (m *Manager) GetStatus() Status {
	return m.status.getOrRefresh(m.computeStatus)
}

func (m *Manager) computeStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{AvailablePorts: m.cfg.PortPoolSize - m.ports.AllocatedCount()}
	for _, entry := range m.live {
		s.Total++
		switch entry.proc.State() {
		case processmgr.StateRunning, processmgr.StateStarting:
			s.Running++
		case processmgr.StateStopped:
			s.Stopped++
		default:
			s.Error++
		}
	}
	return s
}

// Touch records user-originated activity for id, consulted by the idle
// sweep (spec.md §3, Activity Tracker).
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	entry, ok := m.live[id]
	m.mu.Unlock()
	if ok {
		entry.activity.touch()
	}
}

// Logs returns the last n captured stdout/stderr lines for id, even after
// the instance has stopped.
func (m *Manager) Logs(id string, n int) []string {
	return m.logs.Tail(id, n)
}

func (m *Manager) now() time.Time { return time.Now() }

// Shutdown signals the health loop to stop and stops every live instance.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.stopCh)
	m.wg.Wait()
	return m.StopAll(ctx)
}
