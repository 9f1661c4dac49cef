package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/opencode-relay/orchestrator/internal/domain/instance"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st, err := New(context.Background(), nil, rdb, "orchestrator:instances")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st, mr
}

func sampleInstance(id, projectPath string, port int, state instance.State) *instance.Instance {
	now := time.Now()
	return &instance.Instance{
		ID:          id,
		ProjectPath: projectPath,
		Port:        port,
		State:       state,
		Type:        instance.TypeManaged,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	inst := sampleInstance("i1", "/repo/a", 20001, instance.StateRunning)
	if err := st.Save(ctx, inst); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.Get(ctx, "i1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProjectPath != "/repo/a" || got.Port != 20001 {
		t.Fatalf("get returned %+v", got)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	st, _ := newTestStore(t)
	if _, err := st.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing = %v, want ErrNotFound", err)
	}
}

func TestGetByPathReturnsOnlyTheActiveRecord(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	old := sampleInstance("i1", "/repo/a", 20001, instance.StateError)
	if err := st.Save(ctx, old); err != nil {
		t.Fatalf("save old: %v", err)
	}
	newer := sampleInstance("i2", "/repo/a", 20002, instance.StateRunning)
	if err := st.Save(ctx, newer); err != nil {
		t.Fatalf("save newer: %v", err)
	}

	got, err := st.GetByPath(ctx, "/repo/a")
	if err != nil {
		t.Fatalf("get_by_path: %v", err)
	}
	if got.ID != "i2" {
		t.Fatalf("get_by_path = %s, want i2 (the current active record)", got.ID)
	}
}

func TestSaveStoppedClearsByPathIndex(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	inst := sampleInstance("i1", "/repo/a", 20001, instance.StateRunning)
	if err := st.Save(ctx, inst); err != nil {
		t.Fatalf("save: %v", err)
	}

	inst.State = instance.StateStopped
	if err := st.Save(ctx, inst); err != nil {
		t.Fatalf("save stopped: %v", err)
	}

	if _, err := st.GetByPath(ctx, "/repo/a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get_by_path after stop = %v, want ErrNotFound", err)
	}
	if got := st.GetActiveCount(); got != 0 {
		t.Fatalf("active_count after stop = %d, want 0", got)
	}
}

func TestGetAllReturnsEveryRecordIncludingRemnants(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	_ = st.Save(ctx, sampleInstance("i1", "/repo/a", 20001, instance.StateError))
	_ = st.Save(ctx, sampleInstance("i2", "/repo/a", 20002, instance.StateRunning))
	_ = st.Save(ctx, sampleInstance("i3", "/repo/b", 20003, instance.StateRunning))

	all, err := st.GetAll(ctx)
	if err != nil {
		t.Fatalf("get_all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("get_all returned %d records, want 3 (includes the i1 remnant)", len(all))
	}
}

// TestGetAllActiveDeduplicatesCrashRestartLineage is the regression test for
// the uniqueness bug this store method exists to close: a crash-then-restart
// history leaves an old Error record under i1 alongside the current i2 for
// the same project_path, and GetAllActive must surface only the latter.
func TestGetAllActiveDeduplicatesCrashRestartLineage(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	_ = st.Save(ctx, sampleInstance("i1", "/repo/a", 20001, instance.StateError))
	_ = st.Save(ctx, sampleInstance("i2", "/repo/a", 20002, instance.StateRunning))
	_ = st.Save(ctx, sampleInstance("i3", "/repo/b", 20003, instance.StateRunning))

	active, err := st.GetAllActive(ctx)
	if err != nil {
		t.Fatalf("get_all_active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("get_all_active returned %d records, want 2 (one per project_path)", len(active))
	}

	byPath := make(map[string]string)
	for _, inst := range active {
		byPath[inst.ProjectPath] = inst.ID
	}
	if byPath["/repo/a"] != "i2" {
		t.Fatalf("get_all_active for /repo/a = %s, want i2 (i1 is a superseded remnant)", byPath["/repo/a"])
	}
	if byPath["/repo/b"] != "i3" {
		t.Fatalf("get_all_active for /repo/b = %s, want i3", byPath["/repo/b"])
	}
}

func TestUpdateStateBumpsUpdatedAt(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	inst := sampleInstance("i1", "/repo/a", 20001, instance.StateRunning)
	if err := st.Save(ctx, inst); err != nil {
		t.Fatalf("save: %v", err)
	}
	before := inst.UpdatedAt

	time.Sleep(time.Millisecond)
	if err := st.UpdateState(ctx, "i1", instance.StateStopped); err != nil {
		t.Fatalf("update_state: %v", err)
	}

	got, err := st.Get(ctx, "i1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != instance.StateStopped {
		t.Fatalf("state = %v, want stopped", got.State)
	}
	if !got.UpdatedAt.After(before) {
		t.Fatalf("updated_at did not advance")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	inst := sampleInstance("i1", "/repo/a", 20001, instance.StateRunning)
	_ = st.Save(ctx, inst)

	if err := st.Delete(ctx, "i1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.Delete(ctx, "i1"); err != nil {
		t.Fatalf("delete (second call): %v", err)
	}
	if _, err := st.Get(ctx, "i1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestReconcileRebuildsIndexFromRedis(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	_ = st.Save(ctx, sampleInstance("i1", "/repo/a", 20001, instance.StateRunning))
	_ = st.Save(ctx, sampleInstance("i2", "/repo/b", 20002, instance.StateStopped))

	// A second Store over the same Redis, as happens on process restart,
	// must reconstruct byID/byPath/active purely from persisted values.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	fresh, err := New(ctx, nil, rdb, "orchestrator:instances")
	if err != nil {
		t.Fatalf("New (second store): %v", err)
	}

	if _, err := fresh.GetByPath(ctx, "/repo/a"); err != nil {
		t.Fatalf("get_by_path after reconcile: %v", err)
	}
	if _, err := fresh.GetByPath(ctx, "/repo/b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get_by_path for stopped instance after reconcile = %v, want ErrNotFound", err)
	}
	if got := fresh.GetActiveCount(); got != 1 {
		t.Fatalf("active_count after reconcile = %d, want 1", got)
	}
}
