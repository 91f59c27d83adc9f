package outbox

import (
	"context"

	"github.com/quietbay/ledgerd/internal/bus"
	"github.com/quietbay/ledgerd/internal/remote"
)

// SetRemote swaps the delivery target. With nil every SafeWrite parks
// until a store is attached again.
func (q *Queue) SetRemote(store remote.Store) {
	q.mu.Lock()
	q.store = store
	q.mu.Unlock()
}

// Start begins watching network state, draining on every
// offline-to-online transition. A drain also runs immediately when the
// network is already up, so entries parked across a restart are not
// stuck waiting for the next transition. Idempotent; Stop reverses it.
func (q *Queue) Start(ctx context.Context) {
	q.lifecycle.Lock()
	defer q.lifecycle.Unlock()
	if q.stop != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.stop = cancel
	q.done = make(chan struct{})

	var sub *bus.Subscription
	if q.events != nil {
		sub = q.events.Subscribe(bus.TopicNetworkStateChanged)
	}

	go func() {
		defer close(q.done)
		if sub != nil {
			defer q.events.Unsubscribe(sub)
		}

		if q.isOnline() {
			q.Drain(runCtx)
		}
		if sub == nil {
			<-runCtx.Done()
			return
		}
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				state, ok := ev.Payload.(bus.NetworkStateEvent)
				if !ok || !state.Online {
					continue
				}
				q.Drain(runCtx)
			}
		}
	}()
}

// Stop halts the network watcher and waits for any in-flight drain
// loop iteration to observe cancellation.
func (q *Queue) Stop() {
	q.lifecycle.Lock()
	defer q.lifecycle.Unlock()
	if q.stop == nil {
		return
	}
	q.stop()
	<-q.done
	q.stop = nil
	q.done = nil
}
