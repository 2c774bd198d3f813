// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package mq provides the bounded task inbox used to hand messages between
// controller tasks.
//
// A Queue has many producers and a single consumer. Items from one producer
// are delivered in submission order and every item is delivered exactly once.
package mq

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrTimeout is returned by Receive when no item arrived in time
	ErrTimeout = errors.New("queue receive timed out")

	// ErrFull is returned by Push when the queue stays full until the context ends
	ErrFull = errors.New("queue full")
)

// Queue is a bounded FIFO inbox
type Queue[T any] struct {
	name    string
	ch      chan T
	dropped atomic.Uint64
}

// New creates a queue holding at most capacity items
func New[T any](name string, capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		name: name,
		ch:   make(chan T, capacity),
	}
}

// Name returns the queue name used in logs and metrics
func (q *Queue[T]) Name() string {
	return q.name
}

// Push enqueues v, blocking while the queue is full.
// Returns ErrFull wrapped with the context error if ctx ends first.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	default:
	}

	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrFull, ctx.Err())
	}
}

// TryPush enqueues v without blocking. Returns false and counts a drop when full.
func (q *Queue[T]) TryPush(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Receive dequeues the next item, waiting up to timeout.
// A timeout <= 0 waits until ctx is done.
func (q *Queue[T]) Receive(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	if timeout <= 0 {
		select {
		case v := <-q.ch:
			return v, nil
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-q.ch:
		return v, nil
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Drain removes and returns every item currently queued without blocking
func (q *Queue[T]) Drain() []T {
	var items []T
	for {
		select {
		case v := <-q.ch:
			items = append(items, v)
		default:
			return items
		}
	}
}

// C exposes the receive side for use in select statements.
// Only the single consumer may read from it.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Dropped returns the number of items rejected by TryPush
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}
