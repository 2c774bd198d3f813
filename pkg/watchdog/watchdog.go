// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package watchdog provides a restartable one-shot countdown timer.
//
// A Watchdog is armed by Feed and fires at most once per feed cycle when it
// is not fed again within its period. After firing it stays disarmed until the
// next Feed. The same type supervises the network link, sensor freshness and
// connection-establishment deadlines.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCanceled is returned by Wait when the watchdog is canceled while waiting.
var ErrCanceled = errors.New("watchdog canceled")

// Watchdog is a restartable countdown timer
type Watchdog struct {
	mu       sync.Mutex
	period   time.Duration
	timer    *time.Timer
	gen      uint64
	armed    bool
	expired  chan struct{}
	canceled chan struct{}
	fired    uint64
}

// New creates a disarmed watchdog with the given period.
// Call Feed to arm it.
func New(period time.Duration) *Watchdog {
	return &Watchdog{
		period:   period,
		expired:  make(chan struct{}, 1),
		canceled: make(chan struct{}),
	}
}

// Period returns the watchdog period
func (w *Watchdog) Period() time.Duration {
	return w.period
}

// Feed restarts the countdown, arming the watchdog if it was idle.
// Any expiry that has not been consumed yet is discarded.
func (w *Watchdog) Feed() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()
	w.armed = true
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.period, func() { w.fire(gen) })
}

// Cancel disarms the watchdog without firing. Pending expiries are discarded
// and any Wait in progress returns ErrCanceled.
func (w *Watchdog) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()
	w.armed = false
	w.gen++
	close(w.canceled)
	w.canceled = make(chan struct{})
}

// Armed reports whether the countdown is running
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

// Fired returns the number of times the watchdog has expired
func (w *Watchdog) Fired() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// C returns the expiry channel. It receives one value per expiry.
func (w *Watchdog) C() <-chan struct{} {
	return w.expired
}

// Wait blocks until the watchdog fires, is canceled, or ctx is done.
func (w *Watchdog) Wait(ctx context.Context) error {
	w.mu.Lock()
	canceled := w.canceled
	w.mu.Unlock()

	select {
	case <-w.expired:
		return nil
	case <-canceled:
		return ErrCanceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// A Feed or Cancel after this timer was scheduled supersedes it
	if gen != w.gen || !w.armed {
		return
	}
	w.armed = false
	w.fired++
	select {
	case w.expired <- struct{}{}:
	default:
	}
}

// stopLocked stops the running timer and drains an unconsumed expiry
func (w *Watchdog) stopLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	select {
	case <-w.expired:
	default:
	}
}
