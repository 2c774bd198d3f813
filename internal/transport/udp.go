// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Thermoquad/rpsplc/pkg/link"
)

// UDP sends one frame per datagram
type UDP struct {
	conn *net.UDPConn
	peer *net.UDPAddr
	in   *inbox
}

// ListenUDP binds listen (host:port) and, when peer is non-empty, uses it as
// the default destination for Send.
func ListenUDP(listen, peer string) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %s: %w", listen, err)
	}

	var paddr *net.UDPAddr
	if peer != "" {
		paddr, err = net.ResolveUDPAddr("udp", peer)
		if err != nil {
			return nil, fmt.Errorf("resolve peer address %s: %w", peer, err)
		}
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", listen, err)
	}

	u := &UDP{conn: conn, peer: paddr, in: newInbox(64)}
	go u.readLoop()
	return u, nil
}

// LocalAddr returns the bound address
func (u *UDP) LocalAddr() Addr {
	return Addr(u.conn.LocalAddr().String())
}

func (u *UDP) readLoop() {
	buf := make([]byte, link.MaxFrameSize)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				u.in.fail(ErrClosed)
			} else {
				u.in.fail(err)
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		u.in.deliver(Datagram{From: Addr(from.String()), Data: data})
	}
}

// Send implements Transport
func (u *UDP) Send(ctx context.Context, to Addr, frame []byte) error {
	if u.in.closed() {
		return ErrClosed
	}

	dst := u.peer
	if to != "" {
		addr, err := net.ResolveUDPAddr("udp", string(to))
		if err != nil {
			return fmt.Errorf("resolve %s: %w", to, err)
		}
		dst = addr
	}
	if dst == nil {
		return ErrNoPeer
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = u.conn.SetWriteDeadline(deadline)
	} else {
		_ = u.conn.SetWriteDeadline(time.Time{})
	}

	_, err := u.conn.WriteToUDP(frame, dst)
	return err
}

// Receive implements Transport
func (u *UDP) Receive(ctx context.Context) (Datagram, error) {
	return u.in.receive(ctx)
}

// Close implements Transport
func (u *UDP) Close() error {
	u.in.fail(ErrClosed)
	return u.conn.Close()
}

func (u *UDP) String() string {
	if u.peer != nil {
		return fmt.Sprintf("UDP: %s -> %s", u.conn.LocalAddr(), u.peer)
	}
	return fmt.Sprintf("UDP: %s", u.conn.LocalAddr())
}
