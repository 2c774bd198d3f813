// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package comms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/rpsplc/internal/metrics"
	"github.com/Thermoquad/rpsplc/internal/transport"
	"github.com/Thermoquad/rpsplc/pkg/link"
	"github.com/Thermoquad/rpsplc/pkg/mq"
	"github.com/Thermoquad/rpsplc/pkg/watchdog"
)

// shutdownTimeout bounds the final status and close sequence
const shutdownTimeout = 2 * time.Second

// Plant is the controller as seen by the supervisor
type Plant interface {
	// StatusReport assembles the latest published controller state
	StatusReport() link.StatusReport

	// Execute runs a supervisory command and reports the outcome
	Execute(ctx context.Context, cmd link.Command, source string) link.CommandAck

	// InjectLinkLoss latches the link-loss protection flag
	InjectLinkLoss()

	// LinkRestored marks the link-loss predicate false
	LinkRestored()
}

// EventEmitter receives link transitions
type EventEmitter interface {
	EmitLinkUp(peer string, sessionID uint32, role string)
	EmitLinkDown(peer string, sessionID uint32, reason string)
	EmitLinkRejected(peer string, reason string)
}

// Config holds supervisor settings
type Config struct {
	// Key enables authentication when non-empty
	Key []byte

	// Timeout is the link watchdog period
	Timeout time.Duration

	// StatusPeriod is the outbound status cadence
	StatusPeriod time.Duration

	// InboxSize bounds the decoded-packet queue
	InboxSize int

	// Firmware is reported in handshake acks
	Firmware string
}

type inbound struct {
	from transport.Addr
	pkt  *link.Packet
}

type session struct {
	id      uint32
	peer    transport.Addr
	role    link.Role
	openSeq uint32
	rxSeq   uint32
	txSeq   uint32
	since   time.Time
	rtt     time.Duration
}

// Supervisor is the PLC side of the supervisory link.
//
// RunReceiver and RunSession are the comms RX and TX tasks. Session state is
// owned by RunSession; everything else reads the published LinkState.
type Supervisor struct {
	cfg     Config
	tr      transport.Transport
	enc     *link.Encoder
	dec     *link.Decoder
	plant   Plant
	emitter EventEmitter
	metrics *metrics.Collector
	log     *slog.Logger
	stats   *link.Statistics

	inbox *mq.Queue[inbound]
	dog   *watchdog.Watchdog

	session  *session
	nextID   uint32
	sessions uint64
	losses   uint64

	state atomic.Pointer[LinkState]
}

// NewSupervisor creates a supervisor bound to tr
func NewSupervisor(tr transport.Transport, plant Plant, cfg Config, emitter EventEmitter, m *metrics.Collector, log *slog.Logger) (*Supervisor, error) {
	if tr == nil || plant == nil {
		return nil, fmt.Errorf("comms: transport and plant are required")
	}
	if cfg.Timeout <= 0 || cfg.StatusPeriod <= 0 {
		return nil, fmt.Errorf("comms: timeout and status period must be positive")
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 32
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

	s := &Supervisor{
		cfg:     cfg,
		tr:      tr,
		enc:     enc,
		dec:     dec,
		plant:   plant,
		emitter: emitter,
		metrics: m,
		log:     log.With("component", "comms", "transport", tr.String()),
		stats:   link.NewStatistics(),
		inbox:   mq.New[inbound]("comms", cfg.InboxSize),
		dog:     watchdog.New(cfg.Timeout),
		nextID:  rand.Uint32(),
	}
	s.publish()
	return s, nil
}

// State returns the published link state
func (s *Supervisor) State() LinkState {
	st := *s.state.Load()
	st.Stats = s.stats.Counters()
	return st
}

// Statistics returns the decode statistics
func (s *Supervisor) Statistics() *link.Statistics {
	return s.stats
}

// RunReceiver decodes inbound frames and queues them for the session task.
// Returns nil when ctx is done or the transport closes.
func (s *Supervisor) RunReceiver(ctx context.Context) error {
	for {
		dg, err := s.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("comms receive: %w", err)
		}

		pkt, err := s.dec.Decode(dg.Data)
		s.stats.Update(err)
		if err != nil {
			reason := decodeReason(err)
			s.metrics.DecodeError(reason)
			switch reason {
			case "auth_failed", "version_mismatch":
				s.log.Warn("dropping packet", "peer", dg.From, "error", err)
				s.emitRejected(dg.From, reason)
			default:
				s.log.Debug("dropping packet", "peer", dg.From, "error", err)
			}
			continue
		}

		if !s.inbox.TryPush(inbound{from: dg.From, pkt: pkt}) {
			s.reject(dg.From, pkt, ReasonQueueFull)
		}
	}
}

// RunSession is the session task. The link watchdog is armed on entry, so
// a PLC that never hears from a supervisor declares link loss after one
// timeout. On cancellation it sends a final status and a close to the
// current peer.
func (s *Supervisor) RunSession(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.StatusPeriod)
	defer ticker.Stop()

	s.dog.Feed()
	defer s.dog.Cancel()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			return nil

		case in := <-s.inbox.C():
			s.handle(ctx, in)

		case <-s.dog.C():
			s.linkLost()

		case <-ticker.C:
			if s.session != nil {
				s.sendStatus(ctx, false)
			}
			s.metrics.ObserveQueue(s.inbox.Name(), s.inbox.Len(), s.inbox.Dropped())
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, in inbound) {
	pkt := in.pkt

	if pkt.Kind == link.KindEstablish {
		s.handleEstablish(ctx, in)
		return
	}

	switch {
	case s.session == nil:
		s.reject(in.from, pkt, ReasonNotEstablished)
		return
	case in.from != s.session.peer:
		s.reject(in.from, pkt, ReasonWrongPeer)
		return
	case pkt.SessionID != s.session.id:
		s.reject(in.from, pkt, ReasonWrongSession)
		return
	case pkt.Seq <= s.session.rxSeq:
		s.reject(in.from, pkt, ReasonStaleSeq)
		return
	}

	switch pkt.Kind {
	case link.KindKeepAlive:
		var ka link.KeepAlive
		if err := pkt.DecodePayload(&ka); err != nil {
			s.reject(in.from, pkt, ReasonBadPayload)
			return
		}
		s.accept(pkt)
		if ka.EchoMs > 0 {
			s.session.rtt = time.Duration(nowMs()-ka.EchoMs) * time.Millisecond
			s.metrics.ObserveRTT(s.session.rtt)
			s.publish()
		}
		s.sendSession(ctx, link.NewKeepAlive(nowMs(), ka.SentMs))

	case link.KindCommand:
		var cmd link.Command
		if err := pkt.DecodePayload(&cmd); err != nil {
			s.reject(in.from, pkt, ReasonBadPayload)
			return
		}
		s.accept(pkt)
		s.handleCommand(ctx, cmd)

	case link.KindClose:
		var c link.Close
		if err := pkt.DecodePayload(&c); err != nil {
			s.reject(in.from, pkt, ReasonBadPayload)
			return
		}
		s.accept(pkt)
		reason := c.Reason
		if reason == "" {
			reason = "peer closed"
		}
		s.log.Info("peer closed session", "peer", in.from, "session", s.session.id, "reason", reason)
		s.teardown(reason, false)

	default:
		s.reject(in.from, pkt, ReasonUnexpectedKind)
	}
}

func (s *Supervisor) handleEstablish(ctx context.Context, in inbound) {
	var est link.Establish
	if err := in.pkt.DecodePayload(&est); err != nil {
		s.reject(in.from, in.pkt, ReasonBadPayload)
		return
	}

	if est.Protocol != link.ProtocolVersion {
		s.send(ctx, in.from, link.NewEstablishAck(link.EstablishBadVersion, 0, s.cfg.Firmware))
		s.reject(in.from, in.pkt, ReasonBadVersion)
		s.emitRejected(in.from, ReasonBadVersion)
		return
	}
	if est.Role != link.RoleSupervisor && est.Role != link.RoleMonitor {
		s.send(ctx, in.from, link.NewEstablishAck(link.EstablishDeny, 0, s.cfg.Firmware))
		s.reject(in.from, in.pkt, ReasonBadRole)
		return
	}
	if s.session != nil && s.session.peer != in.from {
		s.send(ctx, in.from, link.NewEstablishAck(link.EstablishCollision, 0, s.cfg.Firmware))
		s.reject(in.from, in.pkt, ReasonCollision)
		s.emitRejected(in.from, ReasonCollision)
		return
	}

	if s.session != nil {
		// A resent copy of the request that opened this session is answered
		// again until the peer moves on, but never counts as liveness.
		if in.pkt.Seq == s.session.openSeq && s.session.rxSeq == s.session.openSeq {
			s.sendSession(ctx, link.NewEstablishAck(link.EstablishAllow, s.session.id, s.cfg.Firmware))
			return
		}
		if in.pkt.Seq <= s.session.rxSeq {
			s.reject(in.from, in.pkt, ReasonStaleSeq)
			return
		}
		s.log.Info("peer re-established session", "peer", in.from, "old_session", s.session.id)
	}

	s.nextID++
	if s.nextID == 0 {
		s.nextID = 1
	}
	s.session = &session{
		id:      s.nextID,
		peer:    in.from,
		role:    est.Role,
		openSeq: in.pkt.Seq,
		since:   time.Now(),
	}
	s.sessions++

	s.accept(in.pkt)
	s.sendSession(ctx, link.NewEstablishAck(link.EstablishAllow, s.session.id, s.cfg.Firmware))

	s.plant.LinkRestored()
	s.metrics.LinkState(true, false)
	s.publish()
	s.log.Info("session established",
		"peer", in.from, "session", s.session.id, "role", est.Role, "firmware", est.Firmware)
	if s.emitter != nil {
		s.emitter.EmitLinkUp(string(in.from), s.session.id, est.Role.String())
	}

	s.sendStatus(ctx, false)
}

func (s *Supervisor) handleCommand(ctx context.Context, cmd link.Command) {
	var ack link.CommandAck
	if s.session.role != link.RoleSupervisor {
		ack = link.CommandAck{Op: cmd.Op, OK: false, Reason: ReasonMonitorOnly}
		s.metrics.Command(cmd.Op.String(), "link", false)
	} else {
		ack = s.plant.Execute(ctx, cmd, "link:"+string(s.session.peer))
	}
	p, err := link.NewCommandAck(ack)
	if err != nil {
		s.log.Error("command ack not sent", "op", cmd.Op, "error", err)
		return
	}
	s.sendSession(ctx, p)
}

// accept feeds the watchdog for an in-session packet
func (s *Supervisor) accept(pkt *link.Packet) {
	s.session.rxSeq = pkt.Seq
	s.dog.Feed()
	s.metrics.PacketIn(pkt.Kind.String())
}

func (s *Supervisor) reject(from transport.Addr, pkt *link.Packet, reason string) {
	s.stats.Reject()
	s.metrics.Rejected(reason)
	s.log.Debug("rejecting packet",
		"peer", from, "kind", pkt.Kind, "session", pkt.SessionID, "seq", pkt.Seq, "reason", reason)
}

func (s *Supervisor) emitRejected(from transport.Addr, reason string) {
	if s.emitter != nil {
		s.emitter.EmitLinkRejected(string(from), reason)
	}
}

// linkLost handles watchdog expiry
func (s *Supervisor) linkLost() {
	s.losses++
	s.plant.InjectLinkLoss()
	s.metrics.LinkState(false, true)

	if s.session == nil {
		s.log.Warn("no supervisory session established within link timeout", "timeout", s.cfg.Timeout)
		s.publish()
		if s.emitter != nil {
			s.emitter.EmitLinkDown("", 0, ErrLinkTimeout.Error())
		}
		return
	}

	s.log.Warn("link lost", "peer", s.session.peer, "session", s.session.id, "timeout", s.cfg.Timeout)
	s.teardown(ErrLinkTimeout.Error(), true)
}

// teardown releases the session and keeps listening
func (s *Supervisor) teardown(reason string, lost bool) {
	if s.session == nil {
		return
	}
	peer, id := s.session.peer, s.session.id
	s.session = nil
	s.dog.Cancel()

	if !lost {
		s.metrics.LinkState(false, false)
	}
	s.publish()
	if s.emitter != nil {
		s.emitter.EmitLinkDown(string(peer), id, reason)
	}
}

func (s *Supervisor) shutdown(ctx context.Context) {
	if s.session == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	s.sendStatus(ctx, true)
	s.sendSession(ctx, link.NewClose("controller shutdown"))
	s.log.Info("session closed for shutdown", "peer", s.session.peer, "session", s.session.id)
	s.teardown("controller shutdown", false)
}

func (s *Supervisor) sendStatus(ctx context.Context, final bool) {
	report := s.plant.StatusReport()
	report.Final = final
	p, err := link.NewStatus(report)
	if err != nil {
		s.log.Error("status not sent", "final", final, "error", err)
		return
	}
	s.sendSession(ctx, p)
}

// sendSession stamps p with the session id and next sequence number
func (s *Supervisor) sendSession(ctx context.Context, p *link.Packet) {
	s.session.txSeq++
	p.Stamp(s.session.id, s.session.txSeq)
	s.send(ctx, s.session.peer, p)
}

func (s *Supervisor) send(ctx context.Context, to transport.Addr, p *link.Packet) {
	frame, err := s.enc.Encode(p)
	if err != nil {
		s.log.Error("encode failed", "kind", p.Kind, "error", err)
		return
	}
	if err := s.tr.Send(ctx, to, frame); err != nil {
		s.log.Debug("send failed", "peer", to, "kind", p.Kind, "error", err)
		return
	}
	s.metrics.PacketOut(p.Kind.String())
}

func (s *Supervisor) publish() {
	st := LinkState{
		Sessions: s.sessions,
		Losses:   s.losses,
	}
	if s.session != nil {
		st.Up = true
		st.Peer = string(s.session.peer)
		st.SessionID = s.session.id
		st.Role = s.session.role.String()
		st.Since = s.session.since
		st.RTT = s.session.rtt
	}
	s.state.Store(&st)
}
