// Package session tracks the signed-in identity and turns the noisy
// identity-change callbacks from the auth layer into clean lifecycle
// transitions. Auth layers re-fire on token refresh and app foreground
// with the same identity; downstream consumers must only hear about
// real changes.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/quietbay/ledgerd/internal/bus"
)

// QueueLifecycle is the slice of the sync queue the tracker drives.
// Parked entries are never dropped on a lifecycle transition: their
// paths embed the owner id, so they stay durable across sign-out and
// deliver to the right documents once that owner's session resumes.
type QueueLifecycle interface {
	Start(ctx context.Context)
	Stop()
}

// MirrorBinder attaches or detaches the sync mirror on the data layer.
// The ledger store implements it.
type MirrorBinder interface {
	BindOwner(ownerID string)
}

// Tracker dedupes identity notifications and drives the sync queue
// lifecycle. Safe for concurrent use.
type Tracker struct {
	queue  QueueLifecycle
	binder MirrorBinder
	events *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	ownerID string
}

func New(queue QueueLifecycle, binder MirrorBinder, events *bus.Bus, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{queue: queue, binder: binder, events: events, logger: logger}
}

// OwnerID returns the current identity, empty when signed out.
func (t *Tracker) OwnerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ownerID
}

// OnIdentityChanged processes an identity notification. Duplicate
// notifications for the current identity are dropped. Real transitions
// drive the queue: sign-in starts it, sign-out stops it, and a switch
// to a different identity restarts it against the new owner's paths.
func (t *Tracker) OnIdentityChanged(ctx context.Context, ownerID string) {
	t.mu.Lock()
	previous := t.ownerID
	if ownerID == previous {
		t.mu.Unlock()
		return
	}
	t.ownerID = ownerID
	t.mu.Unlock()

	t.logger.Info("identity changed", "signed_in", ownerID != "")

	switch {
	case previous == "":
		t.bind(ownerID)
		t.queue.Start(ctx)
	case ownerID == "":
		t.queue.Stop()
		t.bind("")
	default:
		// Parked writes from the old identity stay: their paths carry
		// that owner's id and replay to the right documents.
		t.queue.Stop()
		t.bind(ownerID)
		t.queue.Start(ctx)
	}

	if t.events != nil {
		t.events.Publish(bus.TopicIdentityChanged, bus.IdentityChangedEvent{OwnerID: ownerID, Previous: previous})
	}
}

func (t *Tracker) bind(ownerID string) {
	if t.binder != nil {
		t.binder.BindOwner(ownerID)
	}
}
