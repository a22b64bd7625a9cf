package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener runs handler in its own goroutine for every value received on in.
// With a tick configured it also runs handler with the tick value on a timer.
type Listener[T any] struct {
	handler     func(ctx context.Context, input T) error
	onError     func(err error)
	stopHandler func()

	tick     time.Duration
	tickWith T

	in     <-chan T
	wg     sync.WaitGroup
	once   sync.Once
	cancel func()
}

type Option[T any] func(*Listener[T])

// WithTick makes the listener call handler(v) every d.
func WithTick[T any](d time.Duration, v T) Option[T] {
	return func(l *Listener[T]) {
		l.tick = d
		l.tickWith = v
	}
}

// WithErrorHandler replaces the default handler failure logging.
func WithErrorHandler[T any](fn func(error)) Option[T] {
	return func(l *Listener[T]) {
		l.onError = fn
	}
}

// WithStopHandler registers fn to run once the loop has exited.
func WithStopHandler[T any](fn func()) Option[T] {
	return func(l *Listener[T]) {
		l.stopHandler = fn
	}
}

func New[T any](
	in <-chan T,
	handler func(context.Context, T) error,
	opts ...Option[T],
) *Listener[T] {
	l := &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: func() {},
		onError: func(err error) {
			slog.Error("listener handler failed", "error", err)
		},
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()

		var tick <-chan time.Time
		if l.tick > 0 {
			t := time.NewTicker(l.tick)
			defer t.Stop()
			tick = t.C
		}

		for {
			err := l.run(ctx, tick)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				l.onError(err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context, tick <-chan time.Time) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		return l.handler(ctx, inp)
	case <-tick:
		return l.handler(ctx, l.tickWith)
	case <-ctx.Done():
		return errListenerStopped
	}
}

// Stop cancels the loop, waits for an in-flight handler and runs the stop
// handler. It is safe to call more than once.
func (l *Listener[T]) Stop() {
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.stopHandler()
	})
}
