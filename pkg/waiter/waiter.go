// Package waiter implements "wait for the next matching event, or time out"
// on top of any event source. It is the building block for request/reply
// correlation over the messaging layer.
package waiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/billm/infralink/pkg/events"
	"github.com/billm/infralink/pkg/types"
)

// Source is an event surface that listeners can be attached to and removed from.
// *events.Emitter satisfies it.
type Source[T any] interface {
	On(name string, fn events.Handler[T]) events.ListenerID
	Off(name string, id events.ListenerID) bool
}

// WaitOptions controls a single wait
type WaitOptions[T any] struct {
	// Timeout bounds the wait. Zero falls back to the waiter's default;
	// if that is also zero the wait only ends on a match or cancellation.
	Timeout time.Duration
	// Condition decides whether an emission resolves the wait. A false result
	// keeps waiting. Nil accepts the first emission.
	Condition func(payload T) bool
}

// Waiter creates waits against one source
type Waiter[T any] struct {
	source         Source[T]
	defaultTimeout time.Duration
}

// New creates a waiter with a default timeout applied to waits that set none
func New[T any](source Source[T], defaultTimeout time.Duration) *Waiter[T] {
	return &Waiter[T]{
		source:         source,
		defaultTimeout: defaultTimeout,
	}
}

// DefaultTimeout returns the timeout used when a wait sets none
func (w *Waiter[T]) DefaultTimeout() time.Duration {
	return w.defaultTimeout
}

// WaitFor blocks until an emission of name satisfies the condition, the
// timeout expires (TIMEOUT), or ctx is done (CANCELED).
func (w *Waiter[T]) WaitFor(ctx context.Context, name string, opts WaitOptions[T]) (T, error) {
	return w.Expect(name, opts).Wait(ctx)
}

// Expect registers the wait immediately and returns it. The timer starts now,
// so callers can register before triggering the event they expect.
func (w *Waiter[T]) Expect(name string, opts WaitOptions[T]) *Pending[T] {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = w.defaultTimeout
	}

	p := &Pending[T]{
		source:    w.source,
		name:      name,
		condition: opts.Condition,
		done:      make(chan struct{}),
	}

	// Hold the lock so an emission racing with registration sees the listener id
	p.mu.Lock()
	p.id = w.source.On(name, p.handle)
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			p.settle(*new(T), types.ErrTimeout(fmt.Sprintf("timed out after %s waiting for %s", timeout, name)))
		})
	}
	p.mu.Unlock()

	return p
}

// Pending is one registered wait. It resolves exactly once.
type Pending[T any] struct {
	mu        sync.Mutex
	source    Source[T]
	name      string
	condition func(T) bool
	id        events.ListenerID
	timer     *time.Timer

	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// handle is the listener attached to the source
func (p *Pending[T]) handle(payload T) {
	select {
	case <-p.done:
		return
	default:
	}

	if p.condition != nil && !p.condition(payload) {
		return
	}
	p.settle(payload, nil)
}

// settle detaches the listener, stops the timer and publishes the outcome
func (p *Pending[T]) settle(value T, err error) {
	p.once.Do(func() {
		p.mu.Lock()
		if p.timer != nil {
			p.timer.Stop()
		}
		p.source.Off(p.name, p.id)
		p.value = value
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Done is closed once the wait has resolved, timed out or been canceled
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Cancel abandons the wait. It is a no-op once the wait has resolved.
func (p *Pending[T]) Cancel() {
	p.settle(*new(T), types.NewError(types.ErrCodeCanceled, "wait for "+p.name+" canceled"))
}

// Wait blocks for the outcome. If ctx ends first the wait is canceled.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.settle(*new(T), types.WrapError(types.ErrCodeCanceled, "wait for "+p.name+" canceled", ctx.Err()))
	}
	return p.value, p.err
}

// WithTimeout runs fn with a context bounded by timeout. If the deadline
// passes first, the result is TIMEOUT regardless of what fn returns.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- fn(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return types.ErrTimeout(fmt.Sprintf("timed out after %s", timeout))
		}
		return types.WrapError(types.ErrCodeCanceled, "canceled", ctx.Err())
	}
}
