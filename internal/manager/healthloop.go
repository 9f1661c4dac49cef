package manager

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencode-relay/orchestrator/internal/domain/instance"
	"github.com/opencode-relay/orchestrator/internal/infrastructure/processmgr"
)

// StartHealthLoop launches the single long-lived background health-check
// task (spec.md §4.4.2). Cadence is cfg.HealthCheckInterval. The loop
// never holds the live-map lock across an await that performs I/O: each
// tick snapshots the live map, then iterates the snapshot unlocked.
func (m *Manager) StartHealthLoop(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()

	m.wg.Add(1)
	go m.runRestartLoop(ctx)
}

// runRestartLoop drains m.sched asynchronously: an instance's backoff wait
// happens here, not inline in restartCrashed, so one lineage's delay never
// blocks the same tick's health checks for every other live instance.
// Grounded on the teacher's process_manager2.go mainloop: peek the
// scheduler's next due entry, arm a timer for exactly the remaining delay,
// and select on that timer or a wakeup signal so a fresher Push (or
// shutdown) is never missed mid-wait.
func (m *Manager) runRestartLoop(ctx context.Context) {
	defer m.wg.Done()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		m.schedMu.Lock()
		lineage, when, ok := m.sched.Next()
		m.schedMu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-m.restartSig:
			}
			continue
		}

		delay := time.Until(when)
		if delay > 0 {
			resetTimer(timer, delay)
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-timer.C:
			case <-m.restartSig:
			}
			continue
		}

		m.schedMu.Lock()
		if head, _, ok := m.sched.Next(); !ok || head != lineage {
			// Raced with a Push that replaced the head since we last peeked.
			m.schedMu.Unlock()
			continue
		}
		m.sched.Pop()
		m.schedMu.Unlock()

		m.pendingMu.Lock()
		pr, ok := m.pending[lineage]
		delete(m.pending, lineage)
		m.pendingMu.Unlock()
		if !ok {
			continue
		}
		m.performRestart(ctx, lineage, pr)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// wakeRestartLoop pokes runRestartLoop after a Push so it re-evaluates
// sched.Next() instead of sitting on a stale timer.
func (m *Manager) wakeRestartLoop() {
	select {
	case m.restartSig <- struct{}{}:
	default:
	}
}

type liveSnapshot struct {
	id   string
	proc *processmgr.Process
}

func (m *Manager) snapshotLive() []liveSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]liveSnapshot, 0, len(m.live))
	for id, entry := range m.live {
		out = append(out, liveSnapshot{id: id, proc: entry.proc})
	}
	return out
}

func (m *Manager) tick(ctx context.Context) {
	for _, item := range m.snapshotLive() {
		m.checkOne(ctx, item.id, item.proc)
	}
}

func (m *Manager) checkOne(ctx context.Context, id string, proc *processmgr.Process) {
	// 1. Idle sweep.
	m.mu.Lock()
	entry, ok := m.live[id]
	m.mu.Unlock()
	if ok && entry.activity.idleSince() >= m.cfg.IdleTimeout {
		m.log.Info("health loop: idle timeout, stopping", zap.String("id", id))
		if err := m.StopInstance(ctx, id); err != nil {
			m.log.Warn("health loop: idle stop failed", zap.String("id", id), zap.Error(err))
		}
		return
	}

	// 2. Crash detection.
	if proc.CheckForCrash() {
		m.restartCrashed(ctx, id, proc)
		return
	}

	// 3. Health probe — only confirmed crashes drive restart; transient
	// unhealthy/unknown probes are noise at this altitude.
	switch proc.HealthCheck(ctx) {
	case processmgr.Healthy:
		m.restarts.reset(string(instance.LineageOf(proc.ProjectPath())))
	default:
	}
}

// restartCrashed implements the Restart Path (spec.md §4.4.4) up through
// scheduling the backoff wait. The wait itself, and the respawn that
// follows it, happen on runRestartLoop's own goroutine (performRestart) —
// this call returns immediately so the health loop's tick can move on to
// the fleet's other live instances without stalling on one lineage's delay.
func (m *Manager) restartCrashed(ctx context.Context, oldID string, oldProc *processmgr.Process) {
	persisted, err := m.store.Get(ctx, oldID)
	if err != nil {
		m.log.Warn("restart: instance missing from store, marking error", zap.String("id", oldID), zap.Error(err))
		m.dropLive(oldID)
		return
	}

	lineage := string(instance.LineageOf(persisted.ProjectPath))

	if m.restarts.attempts(lineage) >= m.cfg.MaxRestartAttempts {
		m.log.Warn("restart: lineage exhausted attempts, abandoning", zap.String("project_path", persisted.ProjectPath))
		m.dropLive(oldID)
		_ = m.store.UpdateState(ctx, oldID, instance.StateError)
		return
	}

	attempt := m.restarts.attempts(lineage)
	delay := m.cfg.BaseBackoff * time.Duration(1<<uint(attempt))
	if delay > m.cfg.MaxBackoff {
		delay = m.cfg.MaxBackoff
	}

	m.pendingMu.Lock()
	m.pending[lineage] = &pendingRestart{oldID: oldID, oldProc: oldProc, projectPath: persisted.ProjectPath}
	m.pendingMu.Unlock()

	m.schedMu.Lock()
	m.sched.Push(lineage, time.Now().Add(delay))
	m.schedMu.Unlock()
	m.wakeRestartLoop()
}

// performRestart runs once runRestartLoop pops a due lineage off the
// scheduler: release the crashed instance's port, mark it Error, then
// allocate fresh and respawn.
func (m *Manager) performRestart(ctx context.Context, lineage string, pr *pendingRestart) {
	m.ports.Release(pr.oldProc.Port())
	m.dropLive(pr.oldID)
	_ = m.store.UpdateState(ctx, pr.oldID, instance.StateError)

	port, err := m.ports.Allocate()
	if err != nil {
		m.log.Warn("restart: port allocation failed, abandoning attempt", zap.String("project_path", pr.projectPath), zap.Error(err))
		return
	}

	newID := uuid.NewString()
	proc, err := m.doSpawn(ctx, newID, pr.projectPath, port)
	if err != nil {
		m.ports.Release(port)
		m.log.Warn("restart: respawn failed", zap.String("project_path", pr.projectPath), zap.Error(err))
		_ = m.store.Save(ctx, &instance.Instance{
			ID: newID, ProjectPath: pr.projectPath, Port: port,
			State: instance.StateError, Type: instance.TypeManaged,
			CreatedAt: m.now(), UpdatedAt: m.now(),
		})
		return
	}

	m.restarts.recordAttempt(lineage)

	if err := m.store.Save(ctx, &instance.Instance{
		ID: newID, ProjectPath: pr.projectPath, Port: port,
		State: instance.StateRunning, Type: instance.TypeManaged,
		CreatedAt: m.now(), UpdatedAt: m.now(),
	}); err != nil {
		proc.Stop(m.cfg.GracefulShutdownTimeout)
		m.ports.Release(port)
		m.log.Warn("restart: persist new instance failed", zap.String("project_path", pr.projectPath), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.live[newID] = &liveEntry{proc: proc, activity: newActivityTracker()}
	m.mu.Unlock()

	m.log.Info("restart: succeeded",
		zap.String("project_path", pr.projectPath),
		zap.String("old_id", pr.oldID), zap.String("new_id", newID))
}

func (m *Manager) dropLive(id string) {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}
