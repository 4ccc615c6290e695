package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ReloadState represents the current state of the config reloader
type ReloadState string

const (
	ReloadStateIdle      ReloadState = "idle"
	ReloadStateReloading ReloadState = "reloading"
	ReloadStateStopped   ReloadState = "stopped"
)

// reloadTimeout bounds one signal-triggered reload including its callbacks
const reloadTimeout = 30 * time.Second

// ReloadCallback applies a freshly loaded config. Returning an error rejects
// it and the previous config stays current.
type ReloadCallback func(ctx context.Context, newConfig *Config) error

// ReloadStatus is a snapshot of the reloader's history
type ReloadStatus struct {
	State     ReloadState
	Reloads   int
	LastError error
	LastAt    time.Time
}

// Reloader re-reads the config file on SIGHUP and hands the result to its
// callbacks. CLI overrides are reapplied to every reloaded config. Signals
// are handled one at a time; a SIGHUP arriving mid-reload is coalesced.
type Reloader struct {
	configPath string
	overrides  OverrideOptions
	log        *slog.Logger

	mu        sync.RWMutex
	current   *Config
	state     ReloadState
	callbacks []ReloadCallback
	reloads   int
	lastErr   error
	lastAt    time.Time

	signals chan os.Signal
	stop    context.CancelFunc
	done    chan struct{}
}

// NewReloader creates a reloader for configPath. A nil log discards output.
func NewReloader(configPath string, overrides OverrideOptions, initial *Config, log *slog.Logger) *Reloader {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Reloader{
		configPath: configPath,
		overrides:  overrides,
		log:        log.With("component", "config_reloader", "config_path", configPath),
		current:    initial,
		state:      ReloadStateIdle,
	}
}

// Start listens for SIGHUP until Stop. Calling it while running is a no-op.
func (r *Reloader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.signals = make(chan os.Signal, 1)
	r.stop = cancel
	r.done = make(chan struct{})
	r.state = ReloadStateIdle
	signal.Notify(r.signals, syscall.SIGHUP)

	go r.loop(ctx, r.signals, r.done)
	r.log.Info("Config reloader started")
}

// Stop ends signal handling and waits for an in-progress reload to finish
func (r *Reloader) Stop() {
	r.mu.Lock()
	if r.stop == nil {
		r.mu.Unlock()
		return
	}
	signal.Stop(r.signals)
	r.stop()
	done := r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	<-done

	r.mu.Lock()
	r.state = ReloadStateStopped
	r.mu.Unlock()
	r.log.Info("Config reloader stopped")
}

func (r *Reloader) loop(ctx context.Context, signals <-chan os.Signal, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			r.log.Info("Reload signal received", "signal", sig.String())
			rctx, cancel := context.WithTimeout(ctx, reloadTimeout)
			if err := r.Reload(rctx); err != nil {
				r.log.Error("Config reload failed", "error", err)
			}
			cancel()
		}
	}
}

// Reload loads, overrides and validates the config file, runs the callbacks
// in registration order and makes the result current. A reload already in
// progress makes this a no-op.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	if r.state == ReloadStateReloading {
		r.mu.Unlock()
		r.log.Debug("Reload already in progress, skipping")
		return nil
	}
	prev := r.state
	r.state = ReloadStateReloading
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.mu.Unlock()

	next, err := r.load()
	if err == nil {
		err = r.apply(ctx, callbacks, next)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Stop may have run meanwhile
	if r.state == ReloadStateReloading {
		r.state = prev
	}
	r.lastAt = time.Now()
	r.lastErr = err
	if err != nil {
		return err
	}
	r.current = next
	r.reloads++
	r.log.Info("Configuration reloaded", "reloads", r.reloads)
	return nil
}

func (r *Reloader) load() (*Config, error) {
	next, err := LoadPath(r.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	next.ApplyOverrides(r.overrides)
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("reloaded configuration is invalid: %w", err)
	}
	return next, nil
}

func (r *Reloader) apply(ctx context.Context, callbacks []ReloadCallback, next *Config) error {
	for i, cb := range callbacks {
		if err := cb(ctx, next); err != nil {
			r.log.Warn("Reload callback rejected configuration", "callback", i, "error", err)
			return fmt.Errorf("reload callback %d failed: %w", i, err)
		}
	}
	return nil
}

// AddCallback registers a callback run on every reload
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// GetConfig returns the current configuration
func (r *Reloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// State returns the current reload state
func (r *Reloader) State() ReloadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Status returns the state together with the outcome of the last reload
func (r *Reloader) Status() ReloadStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ReloadStatus{State: r.state, Reloads: r.reloads, LastError: r.lastErr, LastAt: r.lastAt}
}
