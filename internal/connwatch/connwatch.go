// Package connwatch monitors the reachability of Drover's external
// dependencies: Ollama daemons, cloud provider endpoints, and MCP tool
// servers. This is distinct from the per-request retry inside the
// backend adapters; connwatch tracks multi-second to multi-minute
// outages such as a local model server restarting.
//
// Each Watcher probes one service in two phases: a startup phase with
// exponential backoff, then steady-state polling with callbacks on
// ready/down transitions. The aggregate status feeds the healthz
// endpoint.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. A nil return means
// healthy. Must be safe for concurrent use.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay before the first startup retry.
	InitialDelay time.Duration

	// MaxDelay caps backoff growth.
	MaxDelay time.Duration

	// Multiplier scales the wait after each failed startup probe.
	Multiplier float64

	// MaxRetries bounds the startup phase; after that the watcher
	// falls through to steady-state polling.
	MaxRetries int

	// PollInterval between steady-state probes.
	PollInterval time.Duration

	// ProbeTimeout bounds each individual probe call.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the standard schedule: 2s, 4s, 8s, 16s,
// 32s, 60s capped, ten startup retries, then polling every minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and health output
	// (e.g. "backend-ollama-local", "mcp-github").
	Name string

	// Probe checks service health.
	Probe ProbeFunc

	// Backoff timing; zero-value fields get defaults.
	Backoff BackoffConfig

	// OnReady fires on the not-ready to ready transition. Runs in its
	// own goroutine. Optional.
	OnReady func()

	// OnDown fires on the ready to not-ready transition. Runs in its
	// own goroutine. Optional.
	OnDown func(err error)

	Logger *slog.Logger
}

// ServiceStatus is one service's health, as reported by healthz.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	cfg    WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the service answered its most recent probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, nil when healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health snapshot.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	if !w.startup(ctx) {
		return
	}
	w.poll(ctx)
}

// startup probes with exponential backoff until the service answers or
// retries run out. Returns false if ctx was cancelled.
func (w *Watcher) startup(ctx context.Context) bool {
	cfg := w.cfg.Backoff
	logger := w.cfg.Logger

	wait := cfg.InitialDelay
	for try := 1; try <= cfg.MaxRetries; try++ {
		err := w.probe(ctx)
		w.note(err)

		if err == nil {
			w.ready.Store(true)
			logger.Info("dependency reachable",
				"service", w.cfg.Name,
				"attempts", try,
			)
			if w.cfg.OnReady != nil {
				go w.cfg.OnReady()
			}
			return true
		}

		if try == cfg.MaxRetries {
			logger.Info("dependency unreachable at startup, polling in background",
				"service", w.cfg.Name,
				"attempts", try,
				"error", err,
			)
			return true
		}

		logger.Debug("startup probe failed",
			"service", w.cfg.Name,
			"try", try,
			"next_delay", wait.String(),
			"error", err,
		)

		if !sleepOrCancelled(ctx, wait) {
			return false
		}

		wait = time.Duration(float64(wait) * cfg.Multiplier)
		if wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
	}
	return true
}

// poll probes at PollInterval, firing transition callbacks.
func (w *Watcher) poll(ctx context.Context) {
	logger := w.cfg.Logger

	ticker := time.NewTicker(w.cfg.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := w.probe(ctx)
		w.note(err)
		wasReady := w.ready.Load()

		switch {
		case wasReady && err != nil:
			w.ready.Store(false)
			logger.Info("dependency lost",
				"service", w.cfg.Name,
				"error", err,
			)
			if w.cfg.OnDown != nil {
				go w.cfg.OnDown(err)
			}
		case !wasReady && err == nil:
			w.ready.Store(true)
			logger.Info("dependency recovered", "service", w.cfg.Name)
			if w.cfg.OnReady != nil {
				go w.cfg.OnReady()
			}
		case !wasReady:
			logger.Debug("dependency still down",
				"service", w.cfg.Name,
				"error", err,
			)
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(probeCtx)
}

func (w *Watcher) note(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepOrCancelled sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
func sleepOrCancelled(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of watchers and serves their aggregate status.
type Manager struct {
	mu     sync.RWMutex
	byName map[string]*Watcher
	logger *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		byName: make(map[string]*Watcher),
		logger: logger,
	}
}

// Watch starts a watcher for cfg. The watcher goroutine runs until ctx
// is cancelled or Stop is called. Panics on an empty Name or nil
// Probe; zero-value backoff fields are filled with defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: watcher needs a name")
	}
	if cfg.Probe == nil {
		panic("connwatch: watcher needs a probe")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = withDefaults(cfg.Backoff)

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(wctx)

	m.mu.Lock()
	m.byName[cfg.Name] = w
	m.mu.Unlock()

	return w
}

func withDefaults(b BackoffConfig) BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status returns the health of every watched service.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ServiceStatus, len(m.byName))
	for name, w := range m.byName {
		out[name] = w.Status()
	}
	return out
}

// Stop shuts down all watchers and waits for their goroutines.
func (m *Manager) Stop() {
	m.mu.RLock()
	all := make([]*Watcher, 0, len(m.byName))
	for _, w := range m.byName {
		all = append(all, w)
	}
	m.mu.RUnlock()

	for _, w := range all {
		w.Stop()
	}
}
