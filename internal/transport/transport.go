// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport carries link frames between the PLC and its peers.
//
// A Transport is addressed and frame-oriented: every Send delivers one
// complete link frame and every Receive yields one. Delivery is unreliable
// and unordered; the link layer's sequence numbers and watchdogs deal with
// loss and reordering.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed transport
var ErrClosed = errors.New("transport closed")

// ErrNoPeer is returned by Send when no destination is known
var ErrNoPeer = errors.New("no peer address")

// Addr identifies a peer. Its format is transport specific.
type Addr string

// Datagram is one received frame
type Datagram struct {
	From Addr
	Data []byte
}

// Transport is an addressed, frame-oriented send/receive primitive
type Transport interface {
	// Send delivers one frame to the peer. An empty address selects the
	// transport's default peer where it has one.
	Send(ctx context.Context, to Addr, frame []byte) error

	// Receive blocks until a frame arrives, the transport closes or ctx is done
	Receive(ctx context.Context) (Datagram, error)

	// Close releases the transport and unblocks pending receives
	Close() error

	// String describes the transport for logs
	String() string
}

// inbox is the receive side shared by the implementations: a reader
// goroutine pushes datagrams and Receive pops them.
type inbox struct {
	ch        chan Datagram
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func newInbox(size int) *inbox {
	return &inbox{
		ch:   make(chan Datagram, size),
		done: make(chan struct{}),
	}
}

// deliver queues d, dropping it when the inbox is full
func (b *inbox) deliver(d Datagram) {
	select {
	case <-b.done:
	case b.ch <- d:
	default:
	}
}

// fail closes the inbox with err as the reason
func (b *inbox) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.closeOnce.Do(func() { close(b.done) })
}

func (b *inbox) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *inbox) reason() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		return ErrClosed
	}
	return b.err
}

func (b *inbox) receive(ctx context.Context) (Datagram, error) {
	// Frames that arrived before a close are still handed out
	select {
	case d := <-b.ch:
		return d, nil
	default:
	}

	select {
	case d := <-b.ch:
		return d, nil
	case <-b.done:
		return Datagram{}, b.reason()
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}
