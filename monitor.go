package possync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	syncErrors "github.com/tillworks/possync/errors"
)

// Prober performs a lightweight reachability check. A connectivity signal
// from the platform is confirmed by a probe before the monitor declares
// "online", so a captive portal does not produce a false positive.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber probes reachability with a HEAD request.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return syncErrors.NewTransient(syncErrors.OpProbe, "monitor", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return syncErrors.NewTransient(syncErrors.OpProbe, "monitor", err)
	}
	resp.Body.Close()
	return nil
}

// MonitorConfig configures the ConnectivityMonitor.
type MonitorConfig struct {
	// ProbeInterval is how often reachability is re-checked.
	ProbeInterval time.Duration

	// Debounce is how long an offline observation must persist before the
	// monitor transitions to offline. A brief blip inside this window does
	// not abort an in-progress drain.
	Debounce time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// ConnectivityMonitor observes online/offline transitions. It combines an
// externally reported platform signal (Signal) with periodic reachability
// probes; both paths agree before a transition fires.
type ConnectivityMonitor struct {
	prober   Prober
	interval time.Duration
	debounce time.Duration
	logger   *slog.Logger

	mu           sync.Mutex
	online       bool
	listeners    []func(online bool)
	offlineTimer *time.Timer
	stop         chan struct{}
}

// NewConnectivityMonitor creates a monitor that starts in the offline state;
// the first successful probe transitions it online.
func NewConnectivityMonitor(prober Prober, cfg MonitorConfig) *ConnectivityMonitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ConnectivityMonitor{
		prober:   prober,
		interval: cfg.ProbeInterval,
		debounce: cfg.Debounce,
		logger:   cfg.Logger.With(slog.String("component", "monitor")),
	}
}

// IsOnline reports the current debounced state.
func (m *ConnectivityMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnTransition registers a callback invoked once per state transition with
// the new state.
func (m *ConnectivityMonitor) OnTransition(fn func(online bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Start launches the probe loop. It returns immediately.
func (m *ConnectivityMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.stop = stop
	m.mu.Unlock()

	go func() {
		m.check(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.check(ctx)
			}
		}
	}()
}

// Stop halts the probe loop.
func (m *ConnectivityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	if m.offlineTimer != nil {
		m.offlineTimer.Stop()
		m.offlineTimer = nil
	}
}

// Signal feeds an externally observed connectivity hint (an OS network
// change event). An online hint is confirmed by a probe before the state
// changes; an offline hint goes through the usual debounce.
func (m *ConnectivityMonitor) Signal(ctx context.Context, online bool) {
	if online {
		m.check(ctx)
		return
	}
	m.observe(false)
}

func (m *ConnectivityMonitor) check(ctx context.Context) {
	if m.prober == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	m.observe(m.prober.Probe(probeCtx) == nil)
}

// observe applies a raw observation with debounce: online takes effect
// immediately (and cancels a pending offline transition), offline takes
// effect only if it persists for the debounce window.
func (m *ConnectivityMonitor) observe(online bool) {
	m.mu.Lock()

	if online {
		if m.offlineTimer != nil {
			m.offlineTimer.Stop()
			m.offlineTimer = nil
		}
		if m.online {
			m.mu.Unlock()
			return
		}
		m.online = true
		listeners := append([]func(bool){}, m.listeners...)
		m.mu.Unlock()
		m.logger.Info("connectivity transition", slog.Bool("online", true))
		for _, fn := range listeners {
			fn(true)
		}
		return
	}

	if !m.online || m.offlineTimer != nil {
		m.mu.Unlock()
		return
	}
	m.offlineTimer = time.AfterFunc(m.debounce, m.confirmOffline)
	m.mu.Unlock()
}

func (m *ConnectivityMonitor) confirmOffline() {
	m.mu.Lock()
	m.offlineTimer = nil
	if !m.online {
		m.mu.Unlock()
		return
	}
	m.online = false
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()
	m.logger.Info("connectivity transition", slog.Bool("online", false))
	for _, fn := range listeners {
		fn(false)
	}
}
