// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"fmt"
	"sync"
)

// Network is an in-process switch connecting Memory endpoints by address.
// It backs tests and the loopback simulator.
type Network struct {
	mu        sync.Mutex
	endpoints map[Addr]*Memory
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{endpoints: make(map[Addr]*Memory)}
}

// Endpoint attaches a new endpoint at addr. defaultPeer is used by Send
// when no address is given.
func (n *Network) Endpoint(addr, defaultPeer Addr) *Memory {
	m := &Memory{
		net:  n,
		addr: addr,
		peer: defaultPeer,
		in:   newInbox(256),
	}
	n.mu.Lock()
	n.endpoints[addr] = m
	n.mu.Unlock()
	return m
}

// Pair creates two endpoints that default to each other
func Pair(a, b Addr) (*Memory, *Memory) {
	n := NewNetwork()
	return n.Endpoint(a, b), n.Endpoint(b, a)
}

func (n *Network) lookup(addr Addr) *Memory {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[addr]
}

func (n *Network) detach(m *Memory) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[m.addr] == m {
		delete(n.endpoints, m.addr)
	}
}

// Memory is one endpoint on a Network
type Memory struct {
	net  *Network
	addr Addr
	peer Addr
	in   *inbox

	mu   sync.Mutex
	mute bool
}

// Addr returns the endpoint's address
func (m *Memory) Addr() Addr {
	return m.addr
}

// SetMute silently drops everything this endpoint sends while muted,
// simulating a dead link.
func (m *Memory) SetMute(mute bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mute = mute
}

// Send implements Transport. Frames to unknown addresses are dropped.
func (m *Memory) Send(ctx context.Context, to Addr, frame []byte) error {
	if m.in.closed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if to == "" {
		to = m.peer
	}
	if to == "" {
		return ErrNoPeer
	}

	m.mu.Lock()
	mute := m.mute
	m.mu.Unlock()
	if mute {
		return nil
	}

	if dst := m.net.lookup(to); dst != nil {
		data := append([]byte(nil), frame...)
		dst.in.deliver(Datagram{From: m.addr, Data: data})
	}
	return nil
}

// Receive implements Transport
func (m *Memory) Receive(ctx context.Context) (Datagram, error) {
	return m.in.receive(ctx)
}

// Close implements Transport
func (m *Memory) Close() error {
	m.net.detach(m)
	m.in.fail(ErrClosed)
	return nil
}

func (m *Memory) String() string {
	return fmt.Sprintf("Memory: %s", m.addr)
}
