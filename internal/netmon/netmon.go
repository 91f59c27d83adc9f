// Package netmon tracks whether the remote endpoint is reachable and
// publishes transitions on the event bus. The probe prefers a
// WebSocket dial-and-ping against the sync endpoint since that is the
// path real traffic takes; when no WebSocket URL is configured it
// falls back to an HTTP HEAD, and with no configuration at all it
// assumes online so a misconfigured monitor can never strand writes in
// the outbox.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/quietbay/ledgerd/internal/bus"
)

const (
	// DefaultInterval between probes.
	DefaultInterval = 30 * time.Second
	// probeTimeout bounds a single probe attempt.
	probeTimeout = 10 * time.Second
)

// Prober checks reachability once. Implementations must honor ctx.
type Prober interface {
	Probe(ctx context.Context) bool
}

// Monitor polls a prober and publishes online/offline transitions.
type Monitor struct {
	prober   Prober
	events   *bus.Bus
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	online bool
	stop   context.CancelFunc
	done   chan struct{}
}

// New builds a monitor. A nil prober assumes always-online.
func New(prober Prober, events *bus.Bus, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		prober:   prober,
		events:   events,
		logger:   logger,
		interval: interval,
		online:   true,
	}
}

// Online reports the last observed state. The outbox consults this
// before every write.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start probes immediately, then on every interval tick, until the
// context is canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stop != nil || m.prober == nil {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		m.check(runCtx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.check(runCtx)
			}
		}
	}()
}

// Stop halts probing. The last observed state is retained.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop = nil
	m.done = nil
	m.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}

// Check runs one probe immediately and returns the resulting state.
func (m *Monitor) Check(ctx context.Context) bool {
	return m.check(ctx)
}

func (m *Monitor) check(ctx context.Context) bool {
	if m.prober == nil {
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	online := m.prober.Probe(probeCtx)
	cancel()

	m.mu.Lock()
	changed := online != m.online
	m.online = online
	m.mu.Unlock()

	if changed {
		m.logger.Info("network state changed", "online", online)
		if m.events != nil {
			m.events.Publish(bus.TopicNetworkStateChanged, bus.NetworkStateEvent{Online: online})
		}
	}
	return online
}

// WebSocketProber dials the sync endpoint and pings it.
type WebSocketProber struct {
	URL string
}

func (p *WebSocketProber) Probe(ctx context.Context) bool {
	conn, _, err := websocket.Dial(ctx, p.URL, nil)
	if err != nil {
		return false
	}
	defer conn.Close(websocket.StatusNormalClosure, "probe done")
	return conn.Ping(ctx) == nil
}

// HTTPProber issues a HEAD request; any response, even an error
// status, proves the endpoint is reachable.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// ProberFor picks the best prober for the configured endpoints:
// WebSocket when a socket URL is set, HTTP HEAD when only a probe URL
// is, nil (assume online) otherwise.
func ProberFor(websocketURL, probeURL string) Prober {
	switch {
	case websocketURL != "":
		return &WebSocketProber{URL: websocketURL}
	case probeURL != "":
		return &HTTPProber{URL: probeURL}
	default:
		return nil
	}
}
