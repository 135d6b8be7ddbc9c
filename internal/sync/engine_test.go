// Package sync tests for the queue-draining sync engine.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dentaldesk/syncd/internal/db"
	apperrors "github.com/dentaldesk/syncd/internal/errors"
	"github.com/dentaldesk/syncd/internal/models"
	"github.com/dentaldesk/syncd/internal/sync/conflict"
	"github.com/dentaldesk/syncd/internal/sync/queue"
	"github.com/dentaldesk/syncd/internal/sync/remote"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

// fakeTimers records scheduled retries without firing them.
type fakeTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	f.fns = append(f.fns, fn)
	return fakeTimer{}
}

func (f *fakeTimers) scheduled() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

func (f *fakeTimers) fire() {
	f.mu.Lock()
	fns := f.fns
	f.fns = nil
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// recorder counts engine events.
type recorder struct {
	started   atomic.Int32
	completed atomic.Int32
	applied   atomic.Int32
	conflicts atomic.Int32
	poisoned  atomic.Int32
}

func (r *recorder) DrainStarted()                                        { r.started.Add(1) }
func (r *recorder) DrainCompleted(DrainResult)                           { r.completed.Add(1) }
func (r *recorder) ActionApplied(*models.QueuedAction, *remote.Document) { r.applied.Add(1) }
func (r *recorder) ConflictDetected(*models.ConflictRecord)              { r.conflicts.Add(1) }
func (r *recorder) ActionPoisoned(*models.QueuedAction)                  { r.poisoned.Add(1) }

type harness struct {
	store    *db.SQLStore
	queue    *queue.SyncQueue
	remote   *remote.Memory
	engine   *SyncEngine
	clock    *fakeClock
	timers   *fakeTimers
	recorder *recorder
}

// newHarness builds an engine over a temporary store and a Memory remote.
// Offline harnesses only drain through Drain, which keeps tests
// deterministic. wrap may decorate the remote.
func newHarness(t *testing.T, online bool, wrap func(*remote.Memory) remote.Remote, opts ...Option) *harness {
	t.Helper()
	store, err := db.NewSQLStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLStore() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:    store,
		remote:   remote.NewMemory(),
		clock:    &fakeClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)},
		timers:   &fakeTimers{},
		recorder: &recorder{},
	}
	h.queue = queue.NewSyncQueue(store, 0, queue.WithClock(h.clock.Now))

	var r remote.Remote = h.remote
	if wrap != nil {
		r = wrap(h.remote)
	}
	all := append([]Option{
		WithClock(h.clock.Now),
		WithJitter(func(d time.Duration) time.Duration { return d }),
		WithAfterFunc(h.timers.AfterFunc),
		WithObserver(h.recorder),
	}, opts...)
	h.engine = NewSyncEngine(store, h.queue, r, DefaultConfig(), all...)
	if !online {
		h.engine.SetOnline(false)
	}
	t.Cleanup(h.engine.Close)
	return h
}

func (h *harness) seed(id string, version int64, notes string) {
	h.remote.Seed(remote.Document{
		EntityType: models.EntityPatient,
		ID:         id,
		Version:    version,
		Payload:    json.RawMessage(`{"id":"` + id + `","notes":"` + notes + `"}`),
	})
}

func (h *harness) enqueue(t *testing.T, p models.Payload, base int64) *models.QueuedAction {
	t.Helper()
	a, err := h.queue.Enqueue(context.Background(), p, base)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	return a
}

func (h *harness) drain(t *testing.T) *DrainResult {
	t.Helper()
	result, err := h.engine.Drain(context.Background())
	if result == nil {
		t.Fatalf("Drain() returned no result: %v", err)
	}
	return result
}

func (h *harness) conflicts(t *testing.T) []*models.ConflictRecord {
	t.Helper()
	list, err := conflict.NewResolver(h.store, h.engine.Locker()).ListConflicts(context.Background())
	if err != nil {
		t.Fatalf("ListConflicts() failed: %v", err)
	}
	return list
}

func (h *harness) cached(t *testing.T, id string) *models.CachedEntity {
	t.Helper()
	var e models.CachedEntity
	if err := h.store.Get(context.Background(), db.CachedEntities, models.EntityKey(models.EntityPatient, id), &e); err != nil {
		t.Fatalf("cached entity %s: %v", id, err)
	}
	return &e
}

func notes(id, text string) models.Payload {
	return &models.UpdatePatient{PatientID: id, Changes: models.PatientChanges{Notes: text}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// countingRemote counts every remote call attempt, failed or not.
type countingRemote struct {
	*remote.Memory
	calls atomic.Int32
}

func (c *countingRemote) Fetch(ctx context.Context, t models.EntityType, id string) (*remote.Document, error) {
	c.calls.Add(1)
	return c.Memory.Fetch(ctx, t, id)
}

func (c *countingRemote) Create(ctx context.Context, t models.EntityType, id string, body interface{}, actionID string) (*remote.Document, error) {
	c.calls.Add(1)
	return c.Memory.Create(ctx, t, id, body, actionID)
}

func (c *countingRemote) Update(ctx context.Context, t models.EntityType, id string, patch interface{}, expected int64, actionID string) (*remote.Document, error) {
	c.calls.Add(1)
	return c.Memory.Update(ctx, t, id, patch, expected, actionID)
}

// gateRemote blocks the first Fetch until released.
type gateRemote struct {
	*remote.Memory
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGate(m *remote.Memory) *gateRemote {
	return &gateRemote{Memory: m, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateRemote) Fetch(ctx context.Context, t models.EntityType, id string) (*remote.Document, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Memory.Fetch(ctx, t, id)
}

// =====================================================
// State accessors
// =====================================================

// TestNewSyncEngine verifies initial engine state.
func TestNewSyncEngine(t *testing.T) {
	h := newHarness(t, true, nil)

	if h.engine.Status() != SyncStatusIdle {
		t.Errorf("status = %v, want idle", h.engine.Status())
	}
	if h.engine.LastSync() != nil {
		t.Error("lastSync should be nil initially")
	}
	if h.engine.PendingChanges() != 0 {
		t.Error("pending should be 0 initially")
	}
	if h.engine.LastError() != nil {
		t.Error("lastErr should be nil initially")
	}

	h.engine.SetOnline(false)
	if h.engine.Status() != SyncStatusOffline {
		t.Errorf("status = %v, want offline", h.engine.Status())
	}
}

// TestConfig_withDefaults verifies zero values fall back to defaults.
func TestConfig_withDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c != DefaultConfig() {
		t.Errorf("withDefaults() = %+v, want %+v", c, DefaultConfig())
	}

	c = Config{BackoffBase: 90 * time.Second}.withDefaults()
	if c.BackoffMax < c.BackoffBase {
		t.Errorf("BackoffMax %v below BackoffBase %v", c.BackoffMax, c.BackoffBase)
	}
}

// TestBackoffDelay verifies exponential growth up to the cap.
func TestBackoffDelay(t *testing.T) {
	identity := func(d time.Duration) time.Duration { return d }
	want := []time.Duration{2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		got := backoffDelay(i+1, 2*time.Second, 60*time.Second, identity)
		if got != w*time.Second {
			t.Errorf("backoffDelay(%d) = %v, want %v", i+1, got, w*time.Second)
		}
	}

	for i := 0; i < 100; i++ {
		if d := fullJitter(time.Second); d < 0 || d > time.Second {
			t.Fatalf("fullJitter() = %v, out of range", d)
		}
	}
	if fullJitter(0) != 0 {
		t.Error("fullJitter(0) should be 0")
	}
}

// =====================================================
// Applying actions
// =====================================================

// TestDrain_appliesUpdate verifies an update at the remote's version is applied.
func TestDrain_appliesUpdate(t *testing.T) {
	h := newHarness(t, false, nil)
	h.seed("P1", 3, "old")
	a := h.enqueue(t, notes("P1", "new"), 3)

	result := h.drain(t)

	if result.Applied != 1 || result.Remaining != 0 {
		t.Errorf("result = %+v, want 1 applied, 0 remaining", result)
	}
	doc := h.remote.Document(models.EntityPatient, "P1")
	if doc.Version != 4 || doc.LastActionID != a.ID {
		t.Errorf("remote = v%d by %s, want v4 by %s", doc.Version, doc.LastActionID, a.ID)
	}
	if h.remote.Payload(models.EntityPatient, "P1")["notes"] != "new" {
		t.Errorf("remote payload = %v", h.remote.Payload(models.EntityPatient, "P1"))
	}
	if cached := h.cached(t, "P1"); cached.Version != 4 || cached.LastActionID != a.ID {
		t.Errorf("cached = %+v, want version 4", cached)
	}
	if h.engine.LastSync() == nil {
		t.Error("LastSync should be set after a clean cycle")
	}
	if h.recorder.applied.Load() != 1 {
		t.Errorf("applied events = %d, want 1", h.recorder.applied.Load())
	}
}

// TestDrain_perEntityOrder verifies same-entity actions apply in enqueue order.
func TestDrain_perEntityOrder(t *testing.T) {
	h := newHarness(t, false, nil)
	h.seed("P1", 3, "")
	h.seed("P2", 1, "")

	a1 := h.enqueue(t, notes("P1", "first"), 3)
	b1 := h.enqueue(t, notes("P2", "other"), 1)
	a2 := h.enqueue(t, notes("P1", "second"), 3)
	a3 := h.enqueue(t, notes("P1", "third"), 3)

	result := h.drain(t)
	if result.Applied != 4 || result.Conflicts != 0 {
		t.Fatalf("result = %+v, want 4 applied and no conflicts", result)
	}

	var order []string
	for _, c := range h.remote.Calls() {
		if c.Key == "patient:P1" {
			order = append(order, c.ActionID)
		}
	}
	want := []string{a1.ID, a2.ID, a3.ID}
	if len(order) != len(want) {
		t.Fatalf("P1 calls = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("P1 call %d = %s, want %s", i, order[i], want[i])
		}
	}
	if doc := h.remote.Document(models.EntityPatient, "P1"); doc.Version != 6 {
		t.Errorf("P1 version = %d, want 6", doc.Version)
	}
	if h.remote.Payload(models.EntityPatient, "P1")["notes"] != "third" {
		t.Error("last write should win on P1")
	}
	if doc := h.remote.Document(models.EntityPatient, "P2"); doc.LastActionID != b1.ID {
		t.Errorf("P2 last action = %s, want %s", doc.LastActionID, b1.ID)
	}
}

// TestDrain_createThenUpdate verifies an update queued behind its create follows it.
func TestDrain_createThenUpdate(t *testing.T) {
	h := newHarness(t, false, nil)

	h.enqueue(t, &models.RegisterPatient{Patient: models.Patient{
		ID: "P9", FirstName: "Ada", LastName: "Molar", DateOfBirth: "1984-03-02",
	}}, 0)
	upd := h.enqueue(t, notes("P9", "prefers mornings"), 0)

	result := h.drain(t)
	if result.Applied != 2 {
		t.Fatalf("result = %+v, want 2 applied", result)
	}
	doc := h.remote.Document(models.EntityPatient, "P9")
	if doc.Version != 2 || doc.LastActionID != upd.ID {
		t.Errorf("remote = v%d by %s", doc.Version, doc.LastActionID)
	}
	payload := h.remote.Payload(models.EntityPatient, "P9")
	if payload["first_name"] != "Ada" || payload["notes"] != "prefers mornings" {
		t.Errorf("payload = %v", payload)
	}
}

// TestDrain_redelivery verifies an action the remote already holds is not resubmitted.
func TestDrain_redelivery(t *testing.T) {
	h := newHarness(t, false, nil)
	a := h.enqueue(t, notes("P1", "new"), 3)
	h.remote.Seed(remote.Document{
		EntityType:   models.EntityPatient,
		ID:           "P1",
		Version:      4,
		Payload:      json.RawMessage(`{"notes":"new"}`),
		LastActionID: a.ID,
	})

	result := h.drain(t)
	if result.Applied != 1 || result.Conflicts != 0 {
		t.Errorf("result = %+v, want applied without conflict", result)
	}
	if len(h.remote.Calls()) != 0 {
		t.Errorf("remote calls = %v, want none", h.remote.Calls())
	}
	if h.cached(t, "P1").Version != 4 {
		t.Error("cache should hold the remote version")
	}
}

// TestDrain_emptyQueue verifies a cycle over nothing is clean.
func TestDrain_emptyQueue(t *testing.T) {
	h := newHarness(t, false, nil)
	result, err := h.engine.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if result.Applied != 0 || !result.Forced {
		t.Errorf("result = %+v", result)
	}
	if h.recorder.started.Load() != 1 || h.recorder.completed.Load() != 1 {
		t.Error("observers should see one start and one completion")
	}
}

// =====================================================
// Conflicts
// =====================================================

// TestDrain_conflictBlocksOnlyItsEntity verifies a conflict leaves the action
// queued while other entities drain.
func TestDrain_conflictBlocksOnlyItsEntity(t *testing.T) {
	h := newHarness(t, false, nil)
	h.seed("P1", 4, "changed elsewhere")
	h.seed("P2", 1, "")

	a := h.enqueue(t, notes("P1", "mine"), 3)
	behind := h.enqueue(t, notes("P1", "later"), 3)
	h.enqueue(t, notes("P2", "fine"), 1)

	result := h.drain(t)
	if result.Conflicts != 1 || result.Applied != 1 {
		t.Fatalf("result = %+v, want 1 conflict and 1 applied", result)
	}

	conflicts := h.conflicts(t)
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.ActionID != a.ID || c.BaseVersion != 3 || c.RemoteVersion != 4 {
		t.Errorf("conflict = %+v", c)
	}
	if _, err := h.queue.Get(context.Background(), a.ID); err != nil {
		t.Errorf("conflicting action should stay queued: %v", err)
	}
	if _, err := h.queue.Get(context.Background(), behind.ID); err != nil {
		t.Errorf("later action should stay queued: %v", err)
	}
	if h.cached(t, "P1").Version != 4 {
		t.Error("cache should take the remote snapshot")
	}
	if doc := h.remote.Document(models.EntityPatient, "P1"); doc.Version != 4 {
		t.Errorf("P1 should be untouched, got v%d", doc.Version)
	}
	if doc := h.remote.Document(models.EntityPatient, "P2"); doc.Version != 2 {
		t.Errorf("P2 should drain, got v%d", doc.Version)
	}

	fetches := h.remote.Fetches()
	h.drain(t)
	if h.remote.Fetches() != fetches {
		t.Error("a blocked entity should not be fetched again")
	}
}

// TestDrain_conflictOnSubmit verifies a version race at submit time becomes a conflict.
func TestDrain_conflictOnSubmit(t *testing.T) {
	h := newHarness(t, false, func(m *remote.Memory) remote.Remote {
		return &racingRemote{Memory: m}
	})
	h.seed("P1", 3, "")
	h.enqueue(t, notes("P1", "mine"), 3)

	result := h.drain(t)
	if result.Conflicts != 1 {
		t.Fatalf("result = %+v, want a conflict", result)
	}
	if c := h.conflicts(t)[0]; c.RemoteVersion != 4 {
		t.Errorf("RemoteVersion = %d, want 4", c.RemoteVersion)
	}
}

// racingRemote bumps the document just before the first update lands.
type racingRemote struct {
	*remote.Memory
	once sync.Once
}

func (r *racingRemote) Update(ctx context.Context, t models.EntityType, id string, patch interface{}, expected int64, actionID string) (*remote.Document, error) {
	r.once.Do(func() {
		d := r.Memory.Document(t, id)
		d.Version++
		d.LastActionID = "someone-else"
		r.Memory.Seed(*d)
	})
	return r.Memory.Update(ctx, t, id, patch, expected, actionID)
}

// TestDrain_createOverExisting verifies registering an existing id conflicts.
func TestDrain_createOverExisting(t *testing.T) {
	h := newHarness(t, false, nil)
	h.seed("P1", 2, "registered at the front desk")

	h.enqueue(t, &models.RegisterPatient{Patient: models.Patient{
		ID: "P1", FirstName: "Ada", LastName: "Molar", DateOfBirth: "1984-03-02",
	}}, 0)

	result := h.drain(t)
	if result.Conflicts != 1 {
		t.Fatalf("result = %+v, want a conflict", result)
	}
	c := h.conflicts(t)[0]
	if c.BaseVersion != 0 || c.RemoteVersion != 2 {
		t.Errorf("conflict versions = %d/%d, want 0/2", c.BaseVersion, c.RemoteVersion)
	}

	// Keeping the local registration overwrites the existing document.
	resolver := conflict.NewResolver(h.store, h.engine.Locker())
	if _, err := resolver.Resolve(context.Background(), c.ID, models.KeepLocal, nil); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if result := h.drain(t); result.Applied != 1 {
		t.Fatalf("result after KeepLocal = %+v", result)
	}
	doc := h.remote.Document(models.EntityPatient, "P1")
	if doc.Version != 3 {
		t.Errorf("version = %d, want 3", doc.Version)
	}
	if h.remote.Payload(models.EntityPatient, "P1")["first_name"] != "Ada" {
		t.Error("local registration should be written")
	}
}

// TestResolve_keepLocalAppliesOnce verifies a kept action applies exactly once.
func TestResolve_keepLocalAppliesOnce(t *testing.T) {
	h := newHarness(t, false, nil)
	h.seed("P1", 4, "theirs")
	a := h.enqueue(t, notes("P1", "mine"), 3)
	h.drain(t)

	resolver := conflict.NewResolver(h.store, h.engine.Locker())
	c := h.conflicts(t)[0]
	if _, err := resolver.Resolve(context.Background(), c.ID, models.KeepLocal, nil); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	h.drain(t)
	h.drain(t)

	var applied int
	for _, call := range h.remote.Calls() {
		if call.ActionID == a.ID {
			applied++
		}
	}
	if applied != 1 {
		t.Errorf("action applied %d times, want 1", applied)
	}
	if doc := h.remote.Document(models.EntityPatient, "P1"); doc.Version != 5 {
		t.Errorf("version = %d, want 5", doc.Version)
	}
	if len(h.conflicts(t)) != 0 || h.engine.PendingChanges() != 0 {
		t.Error("queue and conflicts should be empty")
	}
}

// TestResolve_keepRemoteMakesNoCall verifies a discarded action never reaches the remote.
func TestResolve_keepRemoteMakesNoCall(t *testing.T) {
	counter := &countingRemote{}
	h := newHarness(t, false, func(m *remote.Memory) remote.Remote {
		counter.Memory = m
		return counter
	})
	h.seed("P1", 4, "theirs")
	h.enqueue(t, notes("P1", "mine"), 3)
	h.drain(t)
	calls := counter.calls.Load()

	resolver := conflict.NewResolver(h.store, h.engine.Locker())
	c := h.conflicts(t)[0]
	if _, err := resolver.Resolve(context.Background(), c.ID, models.KeepRemote, nil); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	h.drain(t)

	if counter.calls.Load() != calls {
		t.Errorf("remote calls after KeepRemote = %d, want %d", counter.calls.Load(), calls)
	}
	if h.engine.PendingChanges() != 0 || len(h.conflicts(t)) != 0 {
		t.Error("action and conflict should both be gone")
	}
	if h.remote.Payload(models.EntityPatient, "P1")["notes"] != "theirs" {
		t.Error("remote should keep its own state")
	}
}

// =====================================================
// Failures
// =====================================================

// TestDrain_transientFailureBacksOff verifies retry scheduling after a network failure.
func TestDrain_transientFailureBacksOff(t *testing.T) {
	h := newHarness(t, false, nil)
	h.seed("P1", 3, "")
	h.seed("P2", 1, "")
	a := h.enqueue(t, notes("P1", "x"), 3)
	h.enqueue(t, notes("P2", "y"), 1)
	h.remote.FailNext(apperrors.New(apperrors.ErrTransientNetwork, "connection reset"))

	result, err := h.engine.Drain(context.Background())
	if !apperrors.Is(err, apperrors.ErrTransientNetwork) {
		t.Errorf("Drain() error = %v, want TRANSIENT_NETWORK", err)
	}
	if result.Retrying != 1 || result.Applied != 0 || result.Remaining != 2 {
		t.Errorf("result = %+v, want the cycle to stop after the failure", result)
	}

	got, _ := h.queue.Get(context.Background(), a.ID)
	if got.Attempts != 1 || got.IsPoisoned() {
		t.Errorf("action = %+v, want 1 attempt and pending", got)
	}
	if !got.NextRetryAt.Equal(h.clock.Now().Add(2 * time.Second)) {
		t.Errorf("NextRetryAt = %v, want now+2s", got.NextRetryAt)
	}
	if got.LastError == "" {
		t.Error("LastError should be recorded")
	}
	if delays := h.timers.scheduled(); len(delays) != 1 || delays[0] != 2*time.Second {
		t.Errorf("scheduled retries = %v, want [2s]", delays)
	}
	if h.engine.LastError() == nil {
		t.Error("LastError() should report the failure")
	}
}

// TestDrain_retryTimerTriggersDrain verifies backoff expiry starts a cycle.
func TestDrain_retryTimerTriggersDrain(t *testing.T) {
	h := newHarness(t, true, nil)
	h.seed("P1", 3, "")
	h.remote.SetOffline(true)
	h.enqueue(t, notes("P1", "x"), 3)

	waitFor(t, "scheduled retry", func() bool { return len(h.timers.scheduled()) == 1 })
	waitFor(t, "idle engine", func() bool { return h.engine.Status() == SyncStatusIdle })

	h.remote.SetOffline(false)
	h.clock.Advance(2 * time.Second)
	h.timers.fire()

	waitFor(t, "queue drained", func() bool { return h.engine.PendingChanges() == 0 })
	if doc := h.remote.Document(models.EntityPatient, "P1"); doc.Version != 4 {
		t.Errorf("version = %d, want 4", doc.Version)
	}
}

// TestDrain_poisonAfterMaxAttempts verifies the action is poisoned after the
// fifth failure and never attempted a sixth time.
func TestDrain_poisonAfterMaxAttempts(t *testing.T) {
	counter := &countingRemote{}
	h := newHarness(t, false, func(m *remote.Memory) remote.Remote {
		counter.Memory = m
		return counter
	})
	h.seed("P1", 3, "")
	a := h.enqueue(t, notes("P1", "x"), 3)
	h.remote.SetOffline(true)

	for i := 1; i <= 6; i++ {
		h.drain(t)
	}

	if got := counter.calls.Load(); got != 5 {
		t.Errorf("remote attempts = %d, want 5", got)
	}
	got, _ := h.queue.Get(context.Background(), a.ID)
	if !got.IsPoisoned() || got.Attempts != 5 {
		t.Errorf("action = %+v, want poisoned after 5 attempts", got)
	}
	if got.PoisonedAt.IsZero() {
		t.Error("PoisonedAt should be set")
	}
	if h.recorder.poisoned.Load() != 1 {
		t.Errorf("poisoned events = %d, want 1", h.recorder.poisoned.Load())
	}
}

// TestDrain_validationRejectedPoisons verifies rejections are not retried.
func TestDrain_validationRejectedPoisons(t *testing.T) {
	h := newHarness(t, false, nil)
	h.seed("P1", 3, "")
	h.seed("P2", 1, "")
	a := h.enqueue(t, notes("P1", "bad"), 3)
	behind := h.enqueue(t, notes("P1", "later"), 3)
	h.enqueue(t, notes("P2", "fine"), 1)

	// Fetch succeeds, update is refused.
	h.remote.FailNext(nil, apperrors.New(apperrors.ErrValidationRejected, "phone format"))

	result := h.drain(t)
	if result.Poisoned != 1 || result.Applied != 1 {
		t.Fatalf("result = %+v, want 1 poisoned and 1 applied", result)
	}
	got, _ := h.queue.Get(context.Background(), a.ID)
	if !got.IsPoisoned() || got.Attempts != 1 {
		t.Errorf("action = %+v, want poisoned after one attempt", got)
	}
	if _, err := h.queue.Get(context.Background(), behind.ID); err != nil {
		t.Error("actions behind a poisoned one must stay queued")
	}

	// Requeue returns it to automatic retry.
	if _, err := h.queue.Requeue(context.Background(), a.ID, nil); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if result := h.drain(t); result.Applied != 2 {
		t.Errorf("result after requeue = %+v, want both P1 actions applied", result)
	}
}

// TestDrain_updateOfMissingDocumentPoisons verifies updates to nothing are rejected.
func TestDrain_updateOfMissingDocumentPoisons(t *testing.T) {
	h := newHarness(t, false, nil)
	a := h.enqueue(t, notes("P404", "x"), 0)

	result := h.drain(t)
	if result.Poisoned != 1 {
		t.Fatalf("result = %+v, want poisoned", result)
	}
	got, _ := h.queue.Get(context.Background(), a.ID)
	if !got.IsPoisoned() {
		t.Error("action should be poisoned")
	}
}

// TestDrain_uploadsAttachments verifies files reach object storage before the create.
func TestDrain_uploadsAttachments(t *testing.T) {
	uploader := &fakeUploader{}
	h := newHarness(t, false, nil, WithUploader(uploader))

	patient := models.Patient{
		ID: "P5", FirstName: "Ada", LastName: "Molar", DateOfBirth: "1984-03-02",
		Attachments: []models.Attachment{{Key: "intake/P5.pdf", ContentType: "application/pdf"}},
	}
	h.enqueue(t, &models.RegisterPatient{Patient: patient}, 0)

	uploader.fail = apperrors.New(apperrors.ErrTransientNetwork, "bucket unreachable")
	result := h.drain(t)
	if result.Retrying != 1 || len(h.remote.Calls()) != 0 {
		t.Fatalf("result = %+v, calls = %v; want retry and no create", result, h.remote.Calls())
	}

	uploader.fail = nil
	if result := h.drain(t); result.Applied != 1 {
		t.Fatalf("result = %+v, want applied", result)
	}
	if len(uploader.keys) != 1 || uploader.keys[0] != "intake/P5.pdf" {
		t.Errorf("uploaded = %v", uploader.keys)
	}
}

type fakeUploader struct {
	mu   sync.Mutex
	fail error
	keys []string
}

func (f *fakeUploader) Upload(ctx context.Context, att models.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.keys = append(f.keys, att.Key)
	return nil
}

// =====================================================
// Triggers, cancellation, clearing
// =====================================================

// TestTrigger_coalesces verifies triggers during a cycle collapse into one rerun
// and that enqueue never waits for the drain.
func TestTrigger_coalesces(t *testing.T) {
	var gate *gateRemote
	h := newHarness(t, true, func(m *remote.Memory) remote.Remote {
		gate = newGate(m)
		return gate
	})
	h.seed("P1", 1, "")
	h.seed("P2", 1, "")

	h.enqueue(t, notes("P1", "a"), 1)
	<-gate.entered

	for i := 0; i < 3; i++ {
		if h.engine.Trigger() {
			t.Error("Trigger() during a cycle should not start another")
		}
	}
	if _, err := h.engine.Drain(context.Background()); !apperrors.Is(err, apperrors.ErrSyncInProgress) {
		t.Errorf("Drain() during a cycle error = %v, want SYNC_IN_PROGRESS", err)
	}

	done := make(chan struct{})
	go func() {
		h.enqueue(t, notes("P2", "b"), 1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue() blocked on a running drain")
	}

	close(gate.release)
	waitFor(t, "idle engine", func() bool {
		return h.engine.Status() == SyncStatusIdle && h.recorder.completed.Load() == 2
	})

	if got := h.recorder.started.Load(); got != 2 {
		t.Errorf("cycles = %d, want 2", got)
	}
	if h.engine.PendingChanges() != 0 {
		t.Error("queue should be drained")
	}
}

// TestTrigger_offline verifies enqueue offline never drains until connectivity returns.
func TestTrigger_offline(t *testing.T) {
	h := newHarness(t, false, nil)
	h.seed("P1", 1, "")

	a, err := h.queue.Enqueue(context.Background(), notes("P1", "offline edit"), 1)
	if err != nil {
		t.Fatalf("Enqueue() offline error = %v", err)
	}
	if h.engine.Trigger() {
		t.Error("Trigger() offline should not start a cycle")
	}
	if h.recorder.started.Load() != 0 {
		t.Error("no cycle should run offline")
	}

	h.engine.SetOnline(true)
	waitFor(t, "drain after reconnect", func() bool { return h.engine.PendingChanges() == 0 })
	if doc := h.remote.Document(models.EntityPatient, "P1"); doc.LastActionID != a.ID {
		t.Errorf("last action = %s, want %s", doc.LastActionID, a.ID)
	}
}

// TestDrain_cancelBetweenActions verifies cancellation stops the cycle only
// after the in-flight action completes.
func TestDrain_cancelBetweenActions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, false, func(m *remote.Memory) remote.Remote {
		return &cancellingRemote{Memory: m, cancel: cancel}
	})
	h.remote.SetLatency(10 * time.Millisecond)
	for _, id := range []string{"P1", "P2", "P3"} {
		h.seed(id, 1, "")
		h.enqueue(t, notes(id, "x"), 1)
	}

	result, _ := h.engine.Drain(ctx)
	if !result.Cancelled {
		t.Error("result should be marked cancelled")
	}
	if result.Applied != 1 || result.Remaining != 2 {
		t.Errorf("result = %+v, want 1 applied and 2 remaining", result)
	}
	if doc := h.remote.Document(models.EntityPatient, "P1"); doc.Version != 2 {
		t.Errorf("in-flight update should complete, P1 at v%d", doc.Version)
	}
}

// cancellingRemote cancels the drain context as an update starts.
type cancellingRemote struct {
	*remote.Memory
	cancel context.CancelFunc
}

func (c *cancellingRemote) Update(ctx context.Context, t models.EntityType, id string, patch interface{}, expected int64, actionID string) (*remote.Document, error) {
	c.cancel()
	return c.Memory.Update(ctx, t, id, patch, expected, actionID)
}

// TestClearQueue verifies clearing removes all actions and conflicts for good.
func TestClearQueue(t *testing.T) {
	h := newHarness(t, false, nil)
	h.seed("P1", 4, "")
	h.seed("P2", 1, "")
	h.enqueue(t, notes("P1", "conflicting"), 3)
	h.enqueue(t, notes("P2", "x"), 1)
	h.remote.FailNext(nil, nil, apperrors.New(apperrors.ErrTransientNetwork, "reset"))
	h.drain(t)

	removed, err := h.engine.ClearQueue(context.Background())
	if err != nil {
		t.Fatalf("ClearQueue() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if h.engine.PendingChanges() != 0 || len(h.conflicts(t)) != 0 {
		t.Error("queue and conflicts should be empty")
	}

	calls := len(h.remote.Calls())
	h.drain(t)
	if len(h.remote.Calls()) != calls {
		t.Error("nothing should be applied after a clear")
	}
}

// TestDrain_storageFailure verifies a broken store stops the cycle with a retry.
func TestDrain_storageFailure(t *testing.T) {
	h := newHarness(t, false, nil)
	h.store.Close()

	result, err := h.engine.Drain(context.Background())
	if !apperrors.Is(err, apperrors.ErrStorageUnavailable) {
		t.Errorf("Drain() error = %v, want STORAGE_UNAVAILABLE", err)
	}
	if result.Error == "" {
		t.Error("result should carry the error")
	}
	if len(h.timers.scheduled()) != 1 {
		t.Error("a retry should be scheduled")
	}
}

// TestClose verifies a closed engine refuses work.
func TestClose(t *testing.T) {
	h := newHarness(t, true, nil)
	h.engine.Close()
	h.engine.Close()

	if h.engine.Trigger() {
		t.Error("Trigger() after Close should not start a cycle")
	}
	if _, err := h.engine.Drain(context.Background()); err == nil {
		t.Error("Drain() after Close should fail")
	}
	if errors.Is(h.engine.LastError(), context.Canceled) {
		t.Error("Close should not record an error")
	}
}

// TestDrain_callTimeoutIsTransient verifies a remote call that outlives the
// per-call timeout is abandoned, retried with backoff and poisoned after the
// fifth attempt.
func TestDrain_callTimeoutIsTransient(t *testing.T) {
	counter := &countingRemote{}
	h := newHarness(t, false, func(m *remote.Memory) remote.Remote {
		counter.Memory = m
		return counter
	}, func(e *SyncEngine) { e.cfg.CallTimeout = 20 * time.Millisecond })
	h.seed("P1", 3, "")
	a := h.enqueue(t, notes("P1", "x"), 3)
	h.remote.SetLatency(time.Second)

	start := time.Now()
	result, err := h.engine.Drain(context.Background())
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Drain() took %v, want it bounded by the call timeout", elapsed)
	}
	if !apperrors.Is(err, apperrors.ErrTransientNetwork) {
		t.Errorf("Drain() error = %v, want TRANSIENT_NETWORK", err)
	}
	if result == nil || result.Retrying != 1 {
		t.Fatalf("result = %+v, want one retrying action", result)
	}
	if delays := h.timers.scheduled(); len(delays) != 1 || delays[0] != 2*time.Second {
		t.Errorf("scheduled retries = %v, want [2s]", delays)
	}

	for i := 2; i <= 6; i++ {
		h.drain(t)
	}
	if got := counter.calls.Load(); got != 5 {
		t.Errorf("remote attempts = %d, want 5", got)
	}
	got, _ := h.queue.Get(context.Background(), a.ID)
	if !got.IsPoisoned() || got.Attempts != 5 {
		t.Errorf("action = %+v, want poisoned after 5 attempts", got)
	}
	if h.remote.Document(models.EntityPatient, "P1").Version != 3 {
		t.Error("timed out calls must not change the remote")
	}
}

// TestNewSyncEngine_noRemote verifies an engine without a remote keeps
// every action queued.
func TestNewSyncEngine_noRemote(t *testing.T) {
	store, err := db.NewSQLStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLStore() failed: %v", err)
	}
	defer store.Close()
	q := queue.NewSyncQueue(store, 0)
	engine := NewSyncEngine(store, q, nil, DefaultConfig())
	defer engine.Close()

	if engine.IsOnline() {
		t.Error("engine without a remote should start offline")
	}
	engine.SetOnline(true)
	if engine.IsOnline() || engine.Trigger() {
		t.Error("engine without a remote must not go online")
	}

	if _, err := q.Enqueue(context.Background(), notes("P1", "x"), 3); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	result, err := engine.Drain(context.Background())
	if result != nil || !apperrors.Is(err, apperrors.ErrSyncNotConfigured) {
		t.Errorf("Drain() = %+v, %v, want SYNC_NOT_CONFIGURED", result, err)
	}
	if engine.PendingChanges() != 1 {
		t.Errorf("pending = %d, want the action kept", engine.PendingChanges())
	}
}
