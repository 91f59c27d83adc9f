package outbox_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quietbay/ledgerd/internal/bus"
	"github.com/quietbay/ledgerd/internal/outbox"
	"github.com/quietbay/ledgerd/internal/remote"
	"github.com/quietbay/ledgerd/internal/storage"
)

type fakeStore struct {
	mu    sync.Mutex
	calls []string
	fail  func(path string) error
}

func (f *fakeStore) record(op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(path); err != nil {
			return err
		}
	}
	f.calls = append(f.calls, op+" "+path)
	return nil
}

func (f *fakeStore) Set(_ context.Context, path string, _ json.RawMessage) error {
	return f.record("SET", path)
}

func (f *fakeStore) Delete(_ context.Context, path string) error {
	return f.record("DELETE", path)
}

func (f *fakeStore) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func transientErr(path string) *remote.Error {
	return &remote.Error{Op: "SET", Path: path, StatusCode: 503, Transient: true}
}

func permanentErr(path string) *remote.Error {
	return &remote.Error{Op: "SET", Path: path, StatusCode: 403, Transient: false}
}

func openTestEngine(t *testing.T) *storage.Engine {
	t.Helper()
	engine, err := storage.Open(filepath.Join(t.TempDir(), "outbox.db"), slog.Default())
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func newTestQueue(t *testing.T, store remote.Store, online func() bool, limits outbox.Limits) *outbox.Queue {
	t.Helper()
	q, err := outbox.New(context.Background(), openTestEngine(t), store, nil, online, limits, slog.Default())
	if err != nil {
		t.Fatalf("outbox.New: %v", err)
	}
	return q
}

func offline() bool { return false }
func online() bool  { return true }

func TestSafeWriteOfflineParksWithoutRemoteCall(t *testing.T) {
	fake := &fakeStore{}
	q := newTestQueue(t, fake, offline, outbox.Limits{})
	ctx := context.Background()

	if err := q.SafeWrite(ctx, remote.ActionSet, "clients/o/c1", json.RawMessage(`{"id":"c1"}`)); err != nil {
		t.Fatalf("SafeWrite offline: %v", err)
	}
	if len(fake.callLog()) != 0 {
		t.Errorf("remote called while offline: %v", fake.callLog())
	}
	if n, _ := q.Pending(ctx); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestSafeWriteOnlineDeliversInline(t *testing.T) {
	fake := &fakeStore{}
	q := newTestQueue(t, fake, online, outbox.Limits{})
	ctx := context.Background()

	if err := q.SafeWrite(ctx, remote.ActionSet, "clients/o/c1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("SafeWrite: %v", err)
	}
	if got := fake.callLog(); len(got) != 1 || got[0] != "SET clients/o/c1" {
		t.Errorf("calls = %v", got)
	}
	if n, _ := q.Pending(ctx); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestSafeWriteDeduplicatesByActionAndPath(t *testing.T) {
	q := newTestQueue(t, &fakeStore{}, offline, outbox.Limits{})
	ctx := context.Background()

	if err := q.SafeWrite(ctx, remote.ActionSet, "clients/o/c1", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := q.SafeWrite(ctx, remote.ActionSet, "clients/o/c1", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if n, _ := q.Pending(ctx); n != 1 {
		t.Errorf("pending = %d, want 1 (superseded)", n)
	}
}

func TestSafeWriteTransientFailureParks(t *testing.T) {
	fake := &fakeStore{fail: func(path string) error { return transientErr(path) }}
	q := newTestQueue(t, fake, online, outbox.Limits{InlineAttempts: 1})
	ctx := context.Background()

	if err := q.SafeWrite(ctx, remote.ActionSet, "clients/o/c1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("transient failure should not surface: %v", err)
	}
	if n, _ := q.Pending(ctx); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestSafeWritePermanentFailureSurfaces(t *testing.T) {
	fake := &fakeStore{fail: func(path string) error { return permanentErr(path) }}
	q := newTestQueue(t, fake, online, outbox.Limits{})
	ctx := context.Background()

	err := q.SafeWrite(ctx, remote.ActionSet, "clients/o/c1", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("permanent failure should surface")
	}
	if n, _ := q.Pending(ctx); n != 0 {
		t.Errorf("pending = %d, want 0 (permanent writes are not parked)", n)
	}
}

func TestDrainDeliversOldestFirst(t *testing.T) {
	fake := &fakeStore{}
	net := false
	q := newTestQueue(t, fake, func() bool { return net }, outbox.Limits{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("clients/o/c%d", i)
		if err := q.SafeWrite(ctx, remote.ActionSet, path, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("park %s: %v", path, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct created_at ordering
	}

	net = true
	q.Drain(ctx)

	want := []string{"SET clients/o/c0", "SET clients/o/c1", "SET clients/o/c2"}
	got := fake.callLog()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
	if n, _ := q.Pending(ctx); n != 0 {
		t.Errorf("pending after drain = %d, want 0", n)
	}
}

func TestDrainTransientFailureLeavesRemainder(t *testing.T) {
	fake := &fakeStore{fail: func(path string) error {
		if path == "clients/o/c1" {
			return transientErr(path)
		}
		return nil
	}}
	net := false
	q := newTestQueue(t, fake, func() bool { return net }, outbox.Limits{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("clients/o/c%d", i)
		if err := q.SafeWrite(ctx, remote.ActionSet, path, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("park: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	net = true
	q.Drain(ctx)

	// c0 delivered, the pass stopped at c1, c2 never attempted.
	if n, _ := q.Pending(ctx); n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}
}

func TestDrainPermanentFailureDiscardsAndContinues(t *testing.T) {
	fake := &fakeStore{fail: func(path string) error {
		if path == "clients/o/c1" {
			return permanentErr(path)
		}
		return nil
	}}
	net := false
	q := newTestQueue(t, fake, func() bool { return net }, outbox.Limits{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("clients/o/c%d", i)
		if err := q.SafeWrite(ctx, remote.ActionSet, path, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("park: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	net = true
	q.Drain(ctx)

	if n, _ := q.Pending(ctx); n != 0 {
		t.Errorf("pending = %d, want 0 (rejected entry dropped, rest delivered)", n)
	}
	got := fake.callLog()
	if len(got) != 2 {
		t.Errorf("delivered calls = %v, want c0 and c2", got)
	}
}

func TestDrainDiscardsStaleEntriesWithoutRemoteCall(t *testing.T) {
	fake := &fakeStore{}
	events := bus.New()
	engine := openTestEngine(t)
	net := false
	q, err := outbox.New(context.Background(), engine, fake, events, func() bool { return net }, outbox.Limits{}, slog.Default())
	if err != nil {
		t.Fatalf("outbox.New: %v", err)
	}
	ctx := context.Background()

	if err := q.SafeWrite(ctx, remote.ActionSet, "clients/o/old", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("park: %v", err)
	}
	stale := time.Now().UTC().Add(-8 * 24 * time.Hour)
	if err := engine.ExecuteWrite(ctx, `UPDATE sync_outbox SET created_at = ?;`, stale); err != nil {
		t.Fatalf("age entry: %v", err)
	}

	sub := events.Subscribe(bus.TopicSyncDiscarded)
	defer events.Unsubscribe(sub)

	net = true
	q.Drain(ctx)

	if len(fake.callLog()) != 0 {
		t.Errorf("stale entry reached remote: %v", fake.callLog())
	}
	if n, _ := q.Pending(ctx); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	select {
	case ev := <-sub.Ch():
		p := ev.Payload.(bus.SyncEntryEvent)
		if p.Reason != "stale" {
			t.Errorf("discard reason = %q, want stale", p.Reason)
		}
	default:
		t.Error("no discard event published")
	}
}

func TestEnqueueEvictsOldestBeyondCap(t *testing.T) {
	q := newTestQueue(t, &fakeStore{}, offline, outbox.Limits{MaxEntries: 5})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		path := fmt.Sprintf("clients/o/c%d", i)
		if err := q.SafeWrite(ctx, remote.ActionSet, path, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("park %s: %v", path, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if n, _ := q.Pending(ctx); n != 5 {
		t.Errorf("pending = %d, want 5", n)
	}
}

func TestPurgeStale(t *testing.T) {
	engine := openTestEngine(t)
	q, err := outbox.New(context.Background(), engine, &fakeStore{}, nil, offline, outbox.Limits{}, slog.Default())
	if err != nil {
		t.Fatalf("outbox.New: %v", err)
	}
	ctx := context.Background()

	if err := q.SafeWrite(ctx, remote.ActionSet, "clients/o/old", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("park: %v", err)
	}
	if err := q.SafeWrite(ctx, remote.ActionSet, "clients/o/new", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("park: %v", err)
	}
	stale := time.Now().UTC().Add(-8 * 24 * time.Hour)
	if err := engine.ExecuteWrite(ctx, `UPDATE sync_outbox SET created_at = ? WHERE path = ?;`, stale, "clients/o/old"); err != nil {
		t.Fatalf("age entry: %v", err)
	}

	purged, err := q.PurgeStale(ctx)
	if err != nil {
		t.Fatalf("PurgeStale: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if n, _ := q.Pending(ctx); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestClearEmptiesQueue(t *testing.T) {
	q := newTestQueue(t, &fakeStore{}, offline, outbox.Limits{})
	ctx := context.Background()

	if err := q.SafeWrite(ctx, remote.ActionSet, "clients/o/c1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("park: %v", err)
	}
	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := q.Pending(ctx); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestStartDrainsOnOnlineTransition(t *testing.T) {
	fake := &fakeStore{}
	events := bus.New()
	engine := openTestEngine(t)
	net := false
	q, err := outbox.New(context.Background(), engine, fake, events, func() bool { return net }, outbox.Limits{}, slog.Default())
	if err != nil {
		t.Fatalf("outbox.New: %v", err)
	}
	ctx := context.Background()

	if err := q.SafeWrite(ctx, remote.ActionSet, "clients/o/c1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("park: %v", err)
	}

	q.Start(ctx)
	defer q.Stop()

	net = true
	events.Publish(bus.TopicNetworkStateChanged, bus.NetworkStateEvent{Online: true})

	deadline := time.After(2 * time.Second)
	for {
		if n, _ := q.Pending(ctx); n == 0 {
			break
		}
		select {
		case <-deadline:
			n, _ := q.Pending(ctx)
			t.Fatalf("queue not drained after transition, pending = %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := fake.callLog(); len(got) != 1 {
		t.Errorf("calls = %v, want one delivery", got)
	}
}

func TestParkedEntriesSurviveLifecycleStop(t *testing.T) {
	fake := &fakeStore{}
	engine := openTestEngine(t)
	net := false
	q, err := outbox.New(context.Background(), engine, fake, nil, func() bool { return net }, outbox.Limits{}, slog.Default())
	if err != nil {
		t.Fatalf("outbox.New: %v", err)
	}
	ctx := context.Background()

	// Session active but offline: writes park.
	q.Start(ctx)
	for _, id := range []string{"c1", "c2"} {
		if err := q.SafeWrite(ctx, remote.ActionSet, "clients/owner-1/"+id, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("park %s: %v", id, err)
		}
	}

	// Sign-out stops the drain loop; the durable entries stay put.
	q.Stop()
	if n, _ := q.Pending(ctx); n != 2 {
		t.Fatalf("pending after stop = %d, want 2", n)
	}
	if got := fake.callLog(); len(got) != 0 {
		t.Fatalf("remote calls while offline = %v, want none", got)
	}

	// The same owner signs back in with connectivity: parked writes
	// deliver to that owner's paths.
	net = true
	q.Start(ctx)
	defer q.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if n, _ := q.Pending(ctx); n == 0 {
			break
		}
		select {
		case <-deadline:
			n, _ := q.Pending(ctx)
			t.Fatalf("queue not drained after restart, pending = %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := fake.callLog(); len(got) != 2 {
		t.Errorf("calls = %v, want both parked writes delivered", got)
	}
}

func TestSupersedingEnqueueIsFlaggedInQueuedEvent(t *testing.T) {
	events := bus.New()
	sub := events.Subscribe(bus.TopicSyncQueued)
	defer events.Unsubscribe(sub)

	engine := openTestEngine(t)
	q, err := outbox.New(context.Background(), engine, nil, events, offline, outbox.Limits{}, slog.Default())
	if err != nil {
		t.Fatalf("outbox.New: %v", err)
	}
	ctx := context.Background()

	if err := q.SafeWrite(ctx, remote.ActionSet, "clients/o/c1", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := q.SafeWrite(ctx, remote.ActionSet, "clients/o/c1", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("second write: %v", err)
	}

	var got []bus.SyncEntryEvent
	for len(got) < 2 {
		select {
		case ev := <-sub.Ch():
			got = append(got, ev.Payload.(bus.SyncEntryEvent))
		case <-time.After(2 * time.Second):
			t.Fatalf("queued events = %v, want two", got)
		}
	}
	if got[0].Superseded {
		t.Error("first queued event flagged as superseding")
	}
	if !got[1].Superseded {
		t.Error("second queued event for the same path should be flagged as superseding")
	}
	if n, _ := q.Pending(ctx); n != 1 {
		t.Errorf("pending = %d, want 1 after supersede", n)
	}
}
