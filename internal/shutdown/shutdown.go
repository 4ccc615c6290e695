// Package shutdown stops a running process in order: pre-close hooks, the
// process connection, then post-close hooks. It can be driven by signals,
// by context cancellation, or directly.
package shutdown

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/billm/infralink/internal/logger"
	"github.com/billm/infralink/pkg/types"
)

// State represents the current state of the shutdown process
type State string

const (
	// StateRunning indicates the process is running normally
	StateRunning State = "running"
	// StateInitiated indicates shutdown has been initiated
	StateInitiated State = "initiated"
	// StateStopping indicates the connection is being closed
	StateStopping State = "stopping"
	// StateComplete indicates shutdown is complete
	StateComplete State = "complete"
)

// Phase selects when a hook runs relative to closing the connection
type Phase string

const (
	PhasePreClose  Phase = "pre-close"
	PhasePostClose Phase = "post-close"
)

// Hook is a function called during shutdown
type Hook func(ctx context.Context) error

// DefaultHookTimeout bounds each individual hook
const DefaultHookTimeout = 5 * time.Second

// Manager manages the graceful shutdown process
type Manager struct {
	mu             sync.RWMutex
	target         io.Closer
	state          State
	timeout        time.Duration
	hooks          map[Phase][]Hook
	logger         *logger.Logger
	signalChan     chan os.Signal
	ctx            context.Context
	cancel         context.CancelFunc
	started        bool
	completionChan chan struct{}
	reason         string
	startedAt      time.Time
}

// New creates a shutdown manager that closes target. target may be nil when
// only hooks are needed.
func New(target io.Closer, timeout time.Duration, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Global()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		target:         target,
		state:          StateRunning,
		timeout:        timeout,
		hooks:          make(map[Phase][]Hook),
		logger:         log.With("component", "shutdown_manager"),
		signalChan:     make(chan os.Signal, 1),
		ctx:            ctx,
		cancel:         cancel,
		completionChan: make(chan struct{}),
	}
}

// Start begins listening for SIGINT and SIGTERM
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}

	signal.Notify(m.signalChan, syscall.SIGINT, syscall.SIGTERM)

	m.started = true
	m.logger.Debug("Shutdown manager started", "timeout", m.timeout)

	go m.handleSignals()
}

// Stop stops signal handling
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}

	signal.Stop(m.signalChan)
	m.cancel()
	m.started = false

	m.logger.Debug("Shutdown manager stopped")
}

// AddHook registers a hook for phase. Hooks run in registration order.
func (m *Manager) AddHook(phase Phase, hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks[phase] = append(m.hooks[phase], hook)
	m.logger.Debug("Shutdown hook registered", "phase", phase, "total_hooks", len(m.hooks[phase]))
}

// Shutdown runs the shutdown sequence once. Later calls fail with FAILED_PRECONDITION.
func (m *Manager) Shutdown(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	m.state = StateInitiated
	m.reason = reason
	m.startedAt = time.Now()
	m.mu.Unlock()

	m.logger.Info("Shutdown initiated", "reason", reason)

	shutdownCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.executeHooks(shutdownCtx, PhasePreClose); err != nil {
		m.logger.Error("Pre-close hooks failed", "error", err)
	}

	m.setState(StateStopping)

	if m.target != nil {
		if err := m.target.Close(); err != nil {
			m.logger.Error("Connection close failed", "error", err)
		}
	}

	if err := m.executeHooks(shutdownCtx, PhasePostClose); err != nil {
		m.logger.Error("Post-close hooks failed", "error", err)
	}

	m.setState(StateComplete)
	close(m.completionChan)

	m.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(m.startedAt).String())
	return nil
}

// ShutdownAndWait initiates shutdown and waits for completion or ctx
func (m *Manager) ShutdownAndWait(ctx context.Context, reason string) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- m.Shutdown(ctx, reason)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "shutdown wait canceled", ctx.Err())
	}
}

// State returns the current shutdown state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsShuttingDown returns true once shutdown has been initiated
func (m *Manager) IsShuttingDown() bool {
	return m.State() != StateRunning
}

// Reason returns the reason given for shutdown
func (m *Manager) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// Done is closed when shutdown completes
func (m *Manager) Done() <-chan struct{} {
	return m.completionChan
}

// WaitCompletion waits for shutdown to complete
func (m *Manager) WaitCompletion(ctx context.Context) error {
	select {
	case <-m.completionChan:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

// OnContextDone shuts down when ctx is canceled
func (m *Manager) OnContextDone(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
		case <-m.completionChan:
			return
		}
		reason := fmt.Sprintf("context canceled: %v", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := m.ShutdownAndWait(shutdownCtx, reason); err != nil && !types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
			m.logger.Error("Context-based shutdown failed", "error", err)
		}
	}()
}

func (m *Manager) handleSignals() {
	for {
		select {
		case sig := <-m.signalChan:
			reason := fmt.Sprintf("signal received: %s", sig)
			m.logger.Info("Shutdown signal received", "signal", sig.String())

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
				defer cancel()
				if err := m.ShutdownAndWait(ctx, reason); err != nil {
					m.logger.Error("Shutdown failed", "error", err)
				}
			}()

		case <-m.ctx.Done():
			return
		}
	}
}

// executeHooks runs every hook of phase, each bounded by DefaultHookTimeout.
// A failing hook does not stop the others.
func (m *Manager) executeHooks(ctx context.Context, phase Phase) error {
	m.mu.RLock()
	hooks := make([]Hook, len(m.hooks[phase]))
	copy(hooks, m.hooks[phase])
	m.mu.RUnlock()

	var errs []error
	for i, hook := range hooks {
		hookCtx, cancel := context.WithTimeout(ctx, DefaultHookTimeout)
		err := hook(hookCtx)
		cancel()
		if err != nil {
			m.logger.Error("Shutdown hook failed", "phase", phase, "hook", i, "error", err)
			errs = append(errs, err)
		}

		if ctx.Err() != nil {
			m.logger.Warn("Shutdown hook execution canceled", "phase", phase)
			return types.WrapError(types.ErrCodeCanceled, "hook execution canceled", ctx.Err())
		}
	}

	if len(errs) > 0 {
		return types.WrapError(types.ErrCodePartialFailure, fmt.Sprintf("%d %s hook(s) failed", len(errs), phase), errs[0])
	}
	return nil
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

// String returns a string representation of the shutdown manager
func (m *Manager) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return fmt.Sprintf("ShutdownManager{state: %s, timeout: %v, started: %t}",
		m.state, m.timeout, m.started)
}
