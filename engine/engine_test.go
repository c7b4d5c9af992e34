package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/plantops/qhist/config"
	"github.com/plantops/qhist/historian"
	"github.com/plantops/qhist/mc3e"
	"github.com/plantops/qhist/metrics"
	"github.com/plantops/qhist/poll"
	"github.com/plantops/qhist/pool"
)

// fakeClient answers every address with its own poll counter, so tests
// can tell polls apart.
type fakeClient struct {
	mu    sync.Mutex
	polls int64
}

func (f *fakeClient) Connect(ctx context.Context) error { return nil }
func (f *fakeClient) Disconnect() error                 { return nil }
func (f *fakeClient) IsHealthy() bool                   { return true }
func (f *fakeClient) MarkError()                        {}
func (f *fakeClient) ErrorCount() int                   { return 0 }
func (f *fakeClient) ResetErrorCount()                  {}
func (f *fakeClient) Addr() string                      { return "fake:5010" }

func (f *fakeClient) ReadSingle(addr string) (mc3e.Value, error) {
	return mc3e.IntValue(1), nil
}

func (f *fakeClient) ReadBatch(addrs []string) (map[string]mc3e.Value, map[string]string) {
	f.mu.Lock()
	f.polls++
	n := f.polls
	f.mu.Unlock()

	values := make(map[string]mc3e.Value, len(addrs))
	for _, a := range addrs {
		values[a] = mc3e.IntValue(n)
	}
	return values, nil
}

// fakeStore records every committed row.
type fakeStore struct {
	mu     sync.Mutex
	logs   []historian.TagLogRow
	ops    []historian.OperationRow
	closed bool
}

func (f *fakeStore) WriteBatch(ctx context.Context, ops []historian.OperationRow, logs []historian.TagLogRow) (historian.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, ops...)
	f.logs = append(f.logs, logs...)
	return historian.BatchResult{Inserted: len(ops) + len(logs)}, nil
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStore) logCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logs)
}

func testConfig(t *testing.T, groups []config.Group) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.PLCs = []config.PLCConn{
		{Code: "P1", Host: "10.0.0.1", Port: 5010, Active: true},
	}
	cfg.Groups = groups
	cfg.Buffer.BackupPath = t.TempDir()
	cfg.Buffer.WriteIntervalSec = 0.1
	cfg.FailureLog.Dir = t.TempDir()

	if err := cfg.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func fixedGroup(id int, name string, intervalMs int) config.Group {
	return config.Group{
		ID:           id,
		Name:         name,
		PLCCode:      "P1",
		Mode:         config.ModeFixed,
		IntervalMs:   intervalMs,
		Category:     config.CategoryState,
		Active:       true,
		TagAddresses: []string{fmt.Sprintf("D%d", 100+id)},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, store historian.Store) *Engine {
	t.Helper()
	e := New(cfg, Options{
		Store:         store,
		ClientFactory: func(config.PLCConn) pool.Client { return &fakeClient{} },
	})
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return e
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestLifecycleBeforeInitialize(t *testing.T) {
	e := New(testConfig(t, []config.Group{fixedGroup(1, "line1", 100)}), Options{Store: &fakeStore{}})

	if err := e.Start(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Start before Initialize: got %v, want ErrNotInitialized", err)
	}
	if err := e.StartGroup(1); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("StartGroup before Initialize: got %v, want ErrNotInitialized", err)
	}
}

func TestInitializeRequiresStore(t *testing.T) {
	e := New(testConfig(t, []config.Group{fixedGroup(1, "line1", 100)}), Options{})
	if err := e.Initialize(); err == nil {
		t.Fatal("Initialize without a store should fail")
	}
}

func TestPipelineDeliversToStore(t *testing.T) {
	store := &fakeStore{}
	cfg := testConfig(t, []config.Group{fixedGroup(1, "line1", 100)})
	e := newTestEngine(t, cfg, store)

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.StartGroup(1); err != nil {
		t.Fatalf("StartGroup: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return store.logCount() >= 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.Shutdown(ctx)

	store.mu.Lock()
	defer store.mu.Unlock()
	if !store.closed {
		t.Error("store not closed on shutdown")
	}
	for _, row := range store.logs {
		if row.Name != "P1.D101" {
			t.Fatalf("row name = %q, want P1.D101", row.Name)
		}
		if row.Type != "D" {
			t.Fatalf("row type = %q, want D", row.Type)
		}
	}
	if len(store.ops) != 0 {
		t.Errorf("STATE readings routed to operation table: %d rows", len(store.ops))
	}
}

func TestCollectorsReceivePollDurations(t *testing.T) {
	store := &fakeStore{}
	cfg := testConfig(t, []config.Group{fixedGroup(1, "line1", 100)})

	col := metrics.New()
	e := New(cfg, Options{
		Store:         store,
		ClientFactory: func(config.PLCConn) pool.Client { return &fakeClient{} },
		Collectors:    col,
	})
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.StartGroup(1); err != nil {
		t.Fatalf("StartGroup: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return store.logCount() >= 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.Shutdown(ctx)

	// The per-group series only exists once a poll duration was observed.
	if n := testutil.CollectAndCount(col.PollDuration); n == 0 {
		t.Error("no poll duration series recorded")
	}
}

func TestStartGroupUnknown(t *testing.T) {
	e := newTestEngine(t, testConfig(t, []config.Group{fixedGroup(1, "line1", 100)}), &fakeStore{})
	defer e.Shutdown(context.Background())

	if err := e.StartGroup(99); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("got %v, want ErrUnknownGroup", err)
	}
}

func TestMaxGroupsEnforced(t *testing.T) {
	groups := make([]config.Group, 0, 11)
	for i := 1; i <= 11; i++ {
		groups = append(groups, fixedGroup(i, fmt.Sprintf("g%d", i), 1000))
	}
	cfg := testConfig(t, groups)
	cfg.Polling.MaxGroups = 10

	e := newTestEngine(t, cfg, &fakeStore{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Shutdown(context.Background())

	for i := 1; i <= 10; i++ {
		if err := e.StartGroup(i); err != nil {
			t.Fatalf("StartGroup(%d): %v", i, err)
		}
	}
	if err := e.StartGroup(11); !errors.Is(err, ErrMaxGroups) {
		t.Fatalf("11th group: got %v, want ErrMaxGroups", err)
	}

	// Stopping one frees a slot for the rejected group.
	if err := e.StopGroup(1, 2*time.Second); err != nil {
		t.Fatalf("StopGroup: %v", err)
	}
	if err := e.StartGroup(11); err != nil {
		t.Fatalf("StartGroup(11) after a stop: %v", err)
	}
}

func TestStartAllStopsAtLimit(t *testing.T) {
	groups := make([]config.Group, 0, 3)
	for i := 1; i <= 3; i++ {
		groups = append(groups, fixedGroup(i, fmt.Sprintf("g%d", i), 1000))
	}
	cfg := testConfig(t, groups)
	cfg.Polling.MaxGroups = 2

	e := newTestEngine(t, cfg, &fakeStore{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Shutdown(context.Background())

	if err := e.StartAll(); !errors.Is(err, ErrMaxGroups) {
		t.Fatalf("StartAll over the limit: got %v, want ErrMaxGroups", err)
	}

	running := 0
	for _, st := range e.StatusAll() {
		if st.State == poll.StateRunning {
			running++
		}
	}
	if running != 2 {
		t.Fatalf("running = %d, want 2", running)
	}
}

func TestTriggerHandshake(t *testing.T) {
	hs := config.Group{
		ID:           1,
		Name:         "unload",
		PLCCode:      "P1",
		Mode:         config.ModeHandshake,
		Category:     config.CategoryOperation,
		Active:       true,
		TagAddresses: []string{"D200"},
	}
	cfg := testConfig(t, []config.Group{hs, fixedGroup(2, "line2", 1000)})

	e := newTestEngine(t, cfg, &fakeStore{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Shutdown(context.Background())

	if _, err := e.TriggerHandshake("nope"); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("unknown name: got %v, want ErrUnknownGroup", err)
	}
	if _, err := e.TriggerHandshake("line2"); err == nil {
		t.Fatal("triggering a FIXED group should fail")
	}

	// Not running yet: rejected without error.
	if ok, err := e.TriggerHandshake("unload"); err != nil || ok {
		t.Fatalf("trigger on stopped group: ok=%v err=%v", ok, err)
	}

	if err := e.StartGroup(1); err != nil {
		t.Fatalf("StartGroup: %v", err)
	}
	if ok, err := e.TriggerHandshake("unload"); err != nil || !ok {
		t.Fatalf("first trigger: ok=%v err=%v", ok, err)
	}
	// Inside the dedup window.
	if ok, err := e.TriggerHandshake("unload"); err != nil || ok {
		t.Fatalf("deduplicated trigger: ok=%v err=%v", ok, err)
	}
}

func TestStatusAllOrdered(t *testing.T) {
	cfg := testConfig(t, []config.Group{
		fixedGroup(3, "g3", 1000),
		fixedGroup(1, "g1", 1000),
		fixedGroup(2, "g2", 1000),
	})
	e := newTestEngine(t, cfg, &fakeStore{})
	defer e.Shutdown(context.Background())

	sts := e.StatusAll()
	if len(sts) != 3 {
		t.Fatalf("len = %d, want 3", len(sts))
	}
	for i, st := range sts {
		if st.GroupID != i+1 {
			t.Fatalf("position %d has group id %d", i, st.GroupID)
		}
	}
}

func TestHealthSnapshot(t *testing.T) {
	cfg := testConfig(t, []config.Group{fixedGroup(1, "line1", 100)})
	e := newTestEngine(t, cfg, &fakeStore{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Shutdown(context.Background())

	h := e.Health()
	if h.QueueCap != cfg.Polling.QueueSize {
		t.Errorf("queue capacity = %d, want %d", h.QueueCap, cfg.Polling.QueueSize)
	}
	if h.Ring.Size != 0 {
		t.Errorf("ring size = %d, want 0 before polling", h.Ring.Size)
	}
	if len(h.Pools) != 1 {
		t.Errorf("pools = %d, want 1", len(h.Pools))
	}
}

func TestShutdownIdempotent(t *testing.T) {
	e := newTestEngine(t, testConfig(t, []config.Group{fixedGroup(1, "line1", 100)}), &fakeStore{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.StartGroup(1); err != nil {
		t.Fatalf("StartGroup: %v", err)
	}

	ctx := context.Background()
	e.Shutdown(ctx)
	e.Shutdown(ctx) // second call is a no-op

	for _, st := range e.StatusAll() {
		if st.State == poll.StateRunning {
			t.Fatalf("group %s still running after shutdown", st.GroupName)
		}
	}
}
