package onnx

import (
	"context"
	"errors"
	"fmt"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("session pool closed")

// Pool hands out a fixed set of sessions. A session's tensors are reused
// between runs, so each one serves a single caller at a time.
type Pool[T any] struct {
	items chan T
	size  int
	done  chan struct{}
}

// NewPool builds size items up front. On error every item already built is
// passed to destroy.
func NewPool[T any](size int, build func(i int) (T, error), destroy func(T)) (*Pool[T], error) {
	if size <= 0 {
		size = 1
	}
	p := &Pool[T]{items: make(chan T, size), size: size, done: make(chan struct{})}
	for i := 0; i < size; i++ {
		item, err := build(i)
		if err != nil {
			p.Close(destroy)
			return nil, fmt.Errorf("build session %d/%d: %w", i+1, size, err)
		}
		p.items <- item
	}
	return p, nil
}

// Acquire waits for a free item or for ctx to end.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-p.done:
		return zero, ErrPoolClosed
	default:
	}
	select {
	case item := <-p.items:
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.done:
		return zero, ErrPoolClosed
	}
}

// Release returns an item taken with Acquire.
func (p *Pool[T]) Release(item T) {
	p.items <- item
}

// Size is the number of items the pool was built with.
func (p *Pool[T]) Size() int { return p.size }

// Close stops handing out items and destroys the idle ones. Items still
// held by callers are not waited for.
func (p *Pool[T]) Close(destroy func(T)) {
	select {
	case <-p.done:
		return
	default:
		close(p.done)
	}
	for {
		select {
		case item := <-p.items:
			if destroy != nil {
				destroy(item)
			}
		default:
			return
		}
	}
}
