package session_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/quietbay/ledgerd/internal/bus"
	"github.com/quietbay/ledgerd/internal/session"
)

type fakeQueue struct {
	log []string
}

func (f *fakeQueue) Start(context.Context) { f.log = append(f.log, "start") }
func (f *fakeQueue) Stop()                 { f.log = append(f.log, "stop") }

type fakeBinder struct {
	owners []string
}

func (f *fakeBinder) BindOwner(ownerID string) { f.owners = append(f.owners, ownerID) }

func newTracker(t *testing.T) (*session.Tracker, *fakeQueue, *fakeBinder) {
	t.Helper()
	q := &fakeQueue{}
	b := &fakeBinder{}
	return session.New(q, b, nil, slog.Default()), q, b
}

func TestSignInStartsQueue(t *testing.T) {
	tracker, q, b := newTracker(t)
	tracker.OnIdentityChanged(context.Background(), "owner-1")

	if tracker.OwnerID() != "owner-1" {
		t.Errorf("owner = %q, want owner-1", tracker.OwnerID())
	}
	if len(q.log) != 1 || q.log[0] != "start" {
		t.Errorf("queue log = %v, want [start]", q.log)
	}
	if len(b.owners) != 1 || b.owners[0] != "owner-1" {
		t.Errorf("bound owners = %v, want [owner-1]", b.owners)
	}
}

func TestDuplicateNotificationIsDropped(t *testing.T) {
	tracker, q, _ := newTracker(t)
	ctx := context.Background()

	tracker.OnIdentityChanged(ctx, "owner-1")
	tracker.OnIdentityChanged(ctx, "owner-1")
	tracker.OnIdentityChanged(ctx, "owner-1")

	if len(q.log) != 1 {
		t.Errorf("queue log = %v, want exactly one start", q.log)
	}
}

func TestSignOutStopsQueueWithoutDroppingEntries(t *testing.T) {
	tracker, q, b := newTracker(t)
	ctx := context.Background()

	tracker.OnIdentityChanged(ctx, "owner-1")
	tracker.OnIdentityChanged(ctx, "")

	want := []string{"start", "stop"}
	if len(q.log) != len(want) {
		t.Fatalf("queue log = %v, want %v", q.log, want)
	}
	for i := range want {
		if q.log[i] != want[i] {
			t.Errorf("log[%d] = %q, want %q", i, q.log[i], want[i])
		}
	}
	if b.owners[len(b.owners)-1] != "" {
		t.Errorf("final bound owner = %q, want empty", b.owners[len(b.owners)-1])
	}
}

func TestIdentitySwitchRestartsQueue(t *testing.T) {
	tracker, q, b := newTracker(t)
	ctx := context.Background()

	tracker.OnIdentityChanged(ctx, "owner-1")
	tracker.OnIdentityChanged(ctx, "owner-2")

	want := []string{"start", "stop", "start"}
	if len(q.log) != len(want) {
		t.Fatalf("queue log = %v, want %v", q.log, want)
	}
	for i := range want {
		if q.log[i] != want[i] {
			t.Errorf("log[%d] = %q, want %q", i, q.log[i], want[i])
		}
	}
	if b.owners[len(b.owners)-1] != "owner-2" {
		t.Errorf("final bound owner = %q, want owner-2", b.owners[len(b.owners)-1])
	}
}

func TestRealTransitionsPublishEvents(t *testing.T) {
	events := bus.New()
	sub := events.Subscribe(bus.TopicIdentityChanged)
	defer events.Unsubscribe(sub)

	tracker := session.New(&fakeQueue{}, nil, events, slog.Default())
	ctx := context.Background()

	tracker.OnIdentityChanged(ctx, "owner-1")
	tracker.OnIdentityChanged(ctx, "owner-1") // duplicate, no event

	var got []bus.IdentityChangedEvent
	for {
		select {
		case ev := <-sub.Ch():
			got = append(got, ev.Payload.(bus.IdentityChangedEvent))
			continue
		default:
		}
		break
	}
	if len(got) != 1 {
		t.Fatalf("events = %v, want one", got)
	}
	if got[0].OwnerID != "owner-1" || got[0].Previous != "" {
		t.Errorf("event = %+v", got[0])
	}
}
