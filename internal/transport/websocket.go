// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

// wsConn serialises writes on one websocket connection
type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsConn) write(ctx context.Context, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// readLoop delivers binary messages until the connection fails
func (c *wsConn) readLoop(from Addr, deliver func(Datagram)) error {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		// Only binary messages carry link frames
		if messageType != websocket.BinaryMessage {
			continue
		}
		deliver(Datagram{From: from, Data: data})
	}
}

// WebSocket is the client side of a websocket link. One binary message
// carries one frame.
type WebSocket struct {
	url  string
	conn *wsConn
	in   *inbox
}

// DialWebSocket connects to a ws:// or wss:// endpoint, using HTTP Basic auth
// when username and password are set.
func DialWebSocket(ctx context.Context, wsURL, username, password string, skipSSLVerify bool) (*WebSocket, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	ws := &WebSocket{
		url:  wsURL,
		conn: &wsConn{conn: conn},
		in:   newInbox(64),
	}
	go func() {
		err := ws.conn.readLoop(Addr(wsURL), ws.in.deliver)
		ws.in.fail(closedOr(err))
	}()
	return ws, nil
}

// Send implements Transport. The address is ignored.
func (w *WebSocket) Send(ctx context.Context, _ Addr, frame []byte) error {
	if w.in.closed() {
		return ErrClosed
	}
	return w.conn.write(ctx, frame)
}

// Receive implements Transport
func (w *WebSocket) Receive(ctx context.Context) (Datagram, error) {
	return w.in.receive(ctx)
}

// Close implements Transport
func (w *WebSocket) Close() error {
	w.in.fail(ErrClosed)
	w.conn.wmu.Lock()
	_ = w.conn.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.conn.wmu.Unlock()
	return w.conn.conn.Close()
}

func (w *WebSocket) String() string {
	return fmt.Sprintf("WebSocket: %s", w.url)
}

// Hub is the server side of websocket links. It is an http.Handler that
// upgrades each request and multiplexes all connections into one
// Transport, addressed by remote address.
type Hub struct {
	upgrader websocket.Upgrader
	in       *inbox
	log      *slog.Logger

	mu    sync.Mutex
	conns map[Addr]*wsConn
}

// NewHub creates an empty hub
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		in:    newInbox(64),
		log:   log.With("component", "transport", "transport", "websocket"),
		conns: make(map[Addr]*wsConn),
	}
}

// ServeHTTP upgrades the request and reads frames until the peer goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.in.closed() {
		http.Error(w, "link closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	addr := Addr(r.RemoteAddr)
	c := &wsConn{conn: conn}

	h.mu.Lock()
	h.conns[addr] = c
	h.mu.Unlock()
	h.log.Info("websocket peer connected", "remote", addr)

	err = c.readLoop(addr, h.in.deliver)

	h.mu.Lock()
	if h.conns[addr] == c {
		delete(h.conns, addr)
	}
	h.mu.Unlock()
	_ = conn.Close()
	h.log.Info("websocket peer disconnected", "remote", addr, "error", err)
}

// Peers returns the connected peer addresses
func (h *Hub) Peers() []Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]Addr, 0, len(h.conns))
	for a := range h.conns {
		peers = append(peers, a)
	}
	return peers
}

// Send implements Transport. An empty address is accepted only while
// exactly one peer is connected.
func (h *Hub) Send(ctx context.Context, to Addr, frame []byte) error {
	if h.in.closed() {
		return ErrClosed
	}

	h.mu.Lock()
	var c *wsConn
	if to == "" {
		if len(h.conns) == 1 {
			for _, only := range h.conns {
				c = only
			}
		}
	} else {
		c = h.conns[to]
	}
	h.mu.Unlock()

	if c == nil {
		return fmt.Errorf("%w: %q", ErrNoPeer, to)
	}
	return c.write(ctx, frame)
}

// Receive implements Transport
func (h *Hub) Receive(ctx context.Context) (Datagram, error) {
	return h.in.receive(ctx)
}

// Close disconnects every peer
func (h *Hub) Close() error {
	h.in.fail(ErrClosed)

	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[Addr]*wsConn)
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
	return nil
}

func (h *Hub) String() string {
	return "WebSocket hub"
}

func closedOr(err error) error {
	if err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrClosed
	}
	if errors.Is(err, ErrClosed) {
		return ErrClosed
	}
	return err
}
