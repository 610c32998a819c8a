package pending

import (
	"context"
	"errors"
	"sync"
)

var errUnspecifiedFailure = errors.New("pending: failed without cause")

// Promise is a one-shot result handle a caller waits on.
type Promise[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Complete settles the promise with v. It reports false if it was already settled.
func (p *Promise[T]) Complete(v T) bool {
	return p.settle(v, nil)
}

// Fail settles the promise with err. It reports false if it was already settled.
func (p *Promise[T]) Fail(err error) bool {
	if err == nil {
		err = errUnspecifiedFailure
	}
	var zero T
	return p.settle(zero, err)
}

func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

func (p *Promise[T]) IsDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value, or ErrNotSettled while the promise is pending.
func (p *Promise[T]) Result() (T, error) {
	if !p.IsDone() {
		var zero T
		return zero, ErrNotSettled
	}
	return p.val, p.err
}

// Wait blocks until the promise settles or ctx ends.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (p *Promise[T]) settle(v T, err error) bool {
	won := false
	p.once.Do(func() {
		p.val = v
		p.err = err
		close(p.done)
		won = true
	})
	return won
}
