// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package comms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Thermoquad/rpsplc/internal/transport"
	"github.com/Thermoquad/rpsplc/pkg/link"
	"github.com/Thermoquad/rpsplc/pkg/watchdog"
)

// ClientConfig holds peer-side settings
type ClientConfig struct {
	Key      []byte
	Role     link.Role
	Firmware string

	// EstablishTimeout bounds the handshake
	EstablishTimeout time.Duration

	// KeepAlivePeriod is the keep-alive cadence while Run is active
	KeepAlivePeriod time.Duration

	// Timeout is the link watchdog period while Run is active
	Timeout time.Duration
}

// Client is the peer side of a supervisory session.
//
// Establish performs the handshake; Run then owns the receive path until the
// session ends. Command and Close may be called from other goroutines while
// Run is active.
type Client struct {
	cfg ClientConfig
	tr  transport.Transport
	enc *link.Encoder
	dec *link.Decoder
	log *slog.Logger

	mu        sync.Mutex
	sessionID uint32
	txSeq     uint32
	rxSeq     uint32
	latest    *link.StatusReport
	rtt       time.Duration
	stats     *link.Statistics

	cmdMu  sync.Mutex
	acks   chan link.CommandAck
	status chan link.StatusReport
}

// NewClient creates a client over tr
func NewClient(tr transport.Transport, cfg ClientConfig, log *slog.Logger) (*Client, error) {
	if cfg.Role == 0 {
		cfg.Role = link.RoleSupervisor
	}
	if cfg.EstablishTimeout <= 0 {
		cfg.EstablishTimeout = 3 * time.Second
	}
	if cfg.KeepAlivePeriod <= 0 {
		cfg.KeepAlivePeriod = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	enc, err := link.NewEncoder(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("comms: %w", err)
	}
	dec, err := link.NewDecoder(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("comms: %w", err)
	}

	// A random starting sequence keeps a restarted client's handshake from
	// matching the one its previous incarnation sent
	return &Client{
		cfg:    cfg,
		tr:     tr,
		enc:    enc,
		dec:    dec,
		log:    log.With("component", "client", "transport", tr.String()),
		txSeq:  rand.Uint32N(1 << 30),
		stats:  link.NewStatistics(),
		acks:   make(chan link.CommandAck, 4),
		status: make(chan link.StatusReport, 16),
	}, nil
}

// SessionID returns the established session id, or zero
func (c *Client) SessionID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// RTT returns the most recent keep-alive round trip
func (c *Client) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt
}

// Latest returns the most recent status report
func (c *Client) Latest() (link.StatusReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return link.StatusReport{}, false
	}
	return *c.latest, true
}

// Status delivers status reports while Run is active. Reports are dropped
// when the reader falls behind.
func (c *Client) Status() <-chan link.StatusReport {
	return c.status
}

// Statistics returns the decode statistics
func (c *Client) Statistics() *link.Statistics {
	return c.stats
}

// Establish performs the handshake. The same request is resent until an
// answer arrives or the establish watchdog fires.
func (c *Client) Establish(ctx context.Context) error {
	dog := watchdog.New(c.cfg.EstablishTimeout)
	dog.Feed()
	defer dog.Cancel()

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if dog.Wait(hctx) == nil {
			cancel()
		}
	}()

	p := link.NewEstablish(c.cfg.Role, c.cfg.Firmware)
	c.mu.Lock()
	c.sessionID = 0
	c.rxSeq = 0
	c.txSeq++
	p.Stamp(0, c.txSeq)
	c.mu.Unlock()

	frame, err := c.enc.Encode(p)
	if err != nil {
		return err
	}

	go func() {
		resend := time.NewTicker(c.cfg.EstablishTimeout / 4)
		defer resend.Stop()
		for {
			if err := c.tr.Send(hctx, "", frame); err != nil {
				c.log.Debug("establish send failed", "error", err)
			}
			select {
			case <-hctx.Done():
				return
			case <-resend.C:
			}
		}
	}()

	for {
		dg, err := c.tr.Receive(hctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if dog.Fired() > 0 {
				return fmt.Errorf("%w: no handshake answer within %s", ErrLinkTimeout, c.cfg.EstablishTimeout)
			}
			return err
		}

		pkt, err := c.dec.Decode(dg.Data)
		c.stats.Update(err)
		if err != nil {
			c.log.Debug("dropping packet", "error", err)
			continue
		}
		if pkt.Kind != link.KindEstablishAck {
			continue
		}

		var ack link.EstablishAck
		if err := pkt.DecodePayload(&ack); err != nil {
			continue
		}
		if ack.Result != link.EstablishAllow {
			return fmt.Errorf("%w: handshake answered %s", ErrRejected, ack.Result)
		}

		c.mu.Lock()
		c.sessionID = ack.SessionID
		c.rxSeq = pkt.Seq
		c.mu.Unlock()

		c.log.Info("session established", "session", ack.SessionID, "firmware", ack.Firmware)
		return nil
	}
}

// Run receives session traffic and sends keep-alives until ctx is done, the
// peer closes, or the link watchdog fires.
func (c *Client) Run(ctx context.Context) error {
	if c.SessionID() == 0 {
		return ErrNotEstablished
	}

	dog := watchdog.New(c.cfg.Timeout)
	dog.Feed()
	defer dog.Cancel()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	packets := make(chan *link.Packet, 16)
	recvErr := make(chan error, 1)
	go func() {
		for {
			dg, err := c.tr.Receive(ctx)
			if err != nil {
				recvErr <- err
				return
			}
			pkt, err := c.dec.Decode(dg.Data)
			c.stats.Update(err)
			if err != nil {
				c.log.Debug("dropping packet", "error", err)
				continue
			}
			select {
			case packets <- pkt:
			case <-ctx.Done():
				return
			}
		}
	}()

	keepAlive := time.NewTicker(c.cfg.KeepAlivePeriod)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-recvErr:
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err

		case <-dog.C():
			return ErrLinkTimeout

		case <-keepAlive.C:
			if err := c.send(ctx, link.NewKeepAlive(nowMs(), 0)); err != nil {
				c.log.Debug("keep-alive send failed", "error", err)
			}

		case pkt := <-packets:
			if !c.inSession(pkt) {
				c.stats.Reject()
				continue
			}
			dog.Feed()
			if err := c.handle(pkt); err != nil {
				return err
			}
		}
	}
}

// Command sends a command and waits for its acknowledgement. Run must be
// active to receive the ack.
func (c *Client) Command(ctx context.Context, op link.CommandOp, value float64, reason string) (link.CommandAck, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if c.SessionID() == 0 {
		return link.CommandAck{}, ErrNotEstablished
	}

	// Discard acks for commands whose caller gave up
drain:
	for {
		select {
		case <-c.acks:
		default:
			break drain
		}
	}

	if err := c.send(ctx, link.NewCommand(op, value, reason)); err != nil {
		return link.CommandAck{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return link.CommandAck{}, ctx.Err()
		case ack := <-c.acks:
			if ack.Op != op {
				continue
			}
			if !ack.OK {
				return ack, fmt.Errorf("%w: %s %s", ErrRejected, op, ack.Reason)
			}
			return ack, nil
		}
	}
}

// Close ends the session
func (c *Client) Close(ctx context.Context, reason string) error {
	if c.SessionID() == 0 {
		return nil
	}
	err := c.send(ctx, link.NewClose(reason))

	c.mu.Lock()
	c.sessionID = 0
	c.mu.Unlock()
	return err
}

func (c *Client) inSession(pkt *link.Packet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pkt.SessionID != c.sessionID || pkt.Seq <= c.rxSeq {
		return false
	}
	c.rxSeq = pkt.Seq
	return true
}

func (c *Client) handle(pkt *link.Packet) error {
	switch pkt.Kind {
	case link.KindStatus:
		var report link.StatusReport
		if err := pkt.DecodePayload(&report); err != nil {
			c.log.Debug("bad status payload", "error", err)
			return nil
		}
		c.mu.Lock()
		c.latest = &report
		c.mu.Unlock()
		select {
		case c.status <- report:
		default:
		}

	case link.KindKeepAlive:
		var ka link.KeepAlive
		if err := pkt.DecodePayload(&ka); err != nil {
			return nil
		}
		if ka.EchoMs > 0 {
			c.mu.Lock()
			c.rtt = time.Duration(nowMs()-ka.EchoMs) * time.Millisecond
			c.mu.Unlock()
		}

	case link.KindCommandAck:
		var ack link.CommandAck
		if err := pkt.DecodePayload(&ack); err != nil {
			return nil
		}
		select {
		case c.acks <- ack:
		default:
		}

	case link.KindClose:
		var cl link.Close
		_ = pkt.DecodePayload(&cl)
		c.mu.Lock()
		c.sessionID = 0
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPeerClosed, cl.Reason)
	}
	return nil
}

func (c *Client) send(ctx context.Context, p *link.Packet) error {
	c.mu.Lock()
	if c.sessionID == 0 {
		c.mu.Unlock()
		return ErrNotEstablished
	}
	c.txSeq++
	p.Stamp(c.sessionID, c.txSeq)
	c.mu.Unlock()

	return c.write(ctx, p)
}

func (c *Client) write(ctx context.Context, p *link.Packet) error {
	frame, err := c.enc.Encode(p)
	if err != nil {
		return err
	}
	return c.tr.Send(ctx, "", frame)
}
