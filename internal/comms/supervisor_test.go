// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package comms

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/rpsplc/internal/transport"
	"github.com/Thermoquad/rpsplc/pkg/link"
)

var testKey = []byte("k")

// ============================================================================
// Test doubles
// ============================================================================

type fakePlant struct {
	mu       sync.Mutex
	cycle    uint64
	commands []link.Command
	sources  []string
	linkLoss int
	restored int
}

func (p *fakePlant) StatusReport() link.StatusReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycle++
	return link.StatusReport{Cycle: p.cycle, BurnRate: 1.5}
}

func (p *fakePlant) Execute(_ context.Context, cmd link.Command, source string) link.CommandAck {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, cmd)
	p.sources = append(p.sources, source)
	return link.CommandAck{Op: cmd.Op, OK: true}
}

func (p *fakePlant) InjectLinkLoss() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linkLoss++
}

func (p *fakePlant) LinkRestored() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restored++
}

func (p *fakePlant) snapshot() (commands []link.Command, linkLoss, restored int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]link.Command(nil), p.commands...), p.linkLoss, p.restored
}

type linkEvent struct {
	kind   string
	peer   string
	reason string
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []linkEvent
}

func (r *recordingEmitter) EmitLinkUp(peer string, _ uint32, role string) {
	r.add(linkEvent{kind: "up", peer: peer, reason: role})
}

func (r *recordingEmitter) EmitLinkDown(peer string, _ uint32, reason string) {
	r.add(linkEvent{kind: "down", peer: peer, reason: reason})
}

func (r *recordingEmitter) EmitLinkRejected(peer string, reason string) {
	r.add(linkEvent{kind: "rejected", peer: peer, reason: reason})
}

func (r *recordingEmitter) add(e linkEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) find(kind, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.kind == kind && (reason == "" || e.reason == reason) {
			return true
		}
	}
	return false
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================================
// Harness
// ============================================================================

type harness struct {
	sup     *Supervisor
	plant   *fakePlant
	emitter *recordingEmitter
	net     *transport.Network
	plcEnd  *transport.Memory
	key     []byte

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func startSupervisor(t *testing.T, key []byte, timeout time.Duration) *harness {
	t.Helper()

	h := &harness{
		plant:   &fakePlant{},
		emitter: &recordingEmitter{},
		net:     transport.NewNetwork(),
		key:     key,
	}
	h.plcEnd = h.net.Endpoint("plc", "")

	sup, err := NewSupervisor(h.plcEnd, h.plant, Config{
		Key:          key,
		Timeout:      timeout,
		StatusPeriod: 20 * time.Millisecond,
		InboxSize:    16,
		Firmware:     "test",
	}, h.emitter, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	h.sup = sup

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		_ = sup.RunReceiver(ctx)
	}()
	go func() {
		defer h.wg.Done()
		_ = sup.RunSession(ctx)
	}()

	t.Cleanup(h.stop)
	return h
}

// stop cancels the supervisor tasks and waits for them
func (h *harness) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		h.wg.Wait()
		h.plcEnd.Close()
	})
}

func (h *harness) client(t *testing.T, addr string, role link.Role) (*Client, *transport.Memory) {
	t.Helper()
	end := h.net.Endpoint(transport.Addr(addr), "plc")
	c, err := NewClient(end, ClientConfig{
		Key:              h.key,
		Role:             role,
		Firmware:         "peer-test",
		EstablishTimeout: 500 * time.Millisecond,
		KeepAlivePeriod:  20 * time.Millisecond,
		Timeout:          time.Second,
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { end.Close() })
	return c, end
}

func establish(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Establish(ctx); err != nil {
		t.Fatalf("Establish: %v", err)
	}
}

// runClient runs c until the test ends and returns its exit error channel
func runClient(t *testing.T, c *Client) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return done
}

// sendRaw encodes p with key and sends it from end
func sendRaw(t *testing.T, end *transport.Memory, p *link.Packet, key []byte) {
	t.Helper()
	frame, err := link.Encode(p, key)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := end.Send(context.Background(), "plc", frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// tamper rewrites a frame's body and repairs its CRC so only the
// authentication tag can catch the change
func tamper(t *testing.T, frame []byte, fn func(body []byte)) []byte {
	t.Helper()
	body, err := link.UnstuffBytes(frame[1 : len(frame)-1])
	if err != nil {
		t.Fatalf("UnstuffBytes: %v", err)
	}
	body = body[:len(body)-link.CRCSize]
	fn(body)
	crc := link.CalculateCRC(body)
	body = append(body, byte(crc>>8), byte(crc))

	out := []byte{link.StartByte}
	for _, b := range body {
		if b == link.StartByte || b == link.EndByte || b == link.EscByte {
			out = append(out, link.EscByte, b^link.EscXor)
		} else {
			out = append(out, b)
		}
	}
	return append(out, link.EndByte)
}

// ============================================================================
// Handshake and status
// ============================================================================

func TestSupervisor_EstablishAndStatus(t *testing.T) {
	h := startSupervisor(t, testKey, time.Second)
	c, _ := h.client(t, "peer", link.RoleSupervisor)

	establish(t, c)
	runClient(t, c)

	waitFor(t, time.Second, "link up", func() bool { return h.sup.State().Up })
	st := h.sup.State()
	if st.Peer != "peer" || st.SessionID != c.SessionID() {
		t.Errorf("state = %+v, want peer with session %d", st, c.SessionID())
	}

	select {
	case report := <-c.Status():
		if report.BurnRate != 1.5 {
			t.Errorf("status burn rate = %v, want 1.5", report.BurnRate)
		}
	case <-time.After(time.Second):
		t.Fatal("no status report received")
	}

	_, _, restored := h.plant.snapshot()
	if restored != 1 {
		t.Errorf("LinkRestored calls = %d, want 1", restored)
	}
	if !h.emitter.find("up", "supervisor") {
		t.Error("expected a link-up event")
	}
}

func TestSupervisor_StatusCadenceIndependentOfTraffic(t *testing.T) {
	h := startSupervisor(t, nil, time.Second)
	c, _ := h.client(t, "peer", link.RoleMonitor)
	establish(t, c)
	runClient(t, c)

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case r := <-c.Status():
			if r.Cycle <= last {
				t.Errorf("status cycle %d not after %d", r.Cycle, last)
			}
			last = r.Cycle
		case <-time.After(time.Second):
			t.Fatalf("status report %d not received", i)
		}
	}
}

func TestSupervisor_HandshakeCollision(t *testing.T) {
	h := startSupervisor(t, testKey, time.Second)
	first, _ := h.client(t, "first", link.RoleSupervisor)
	establish(t, first)
	runClient(t, first)

	second, _ := h.client(t, "second", link.RoleSupervisor)
	err := second.Establish(context.Background())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("second Establish err = %v, want ErrRejected", err)
	}

	if st := h.sup.State(); !st.Up || st.Peer != "first" {
		t.Errorf("session moved to %q after collision", st.Peer)
	}
	if !h.emitter.find("rejected", ReasonCollision) {
		t.Error("expected a collision rejection event")
	}
}

func TestSupervisor_ReestablishFromSamePeer(t *testing.T) {
	h := startSupervisor(t, testKey, time.Second)
	c, _ := h.client(t, "peer", link.RoleSupervisor)
	establish(t, c)
	firstID := c.SessionID()

	establish(t, c)
	if c.SessionID() == firstID {
		t.Error("re-establish should allocate a new session id")
	}
	waitFor(t, time.Second, "new session", func() bool { return h.sup.State().SessionID == c.SessionID() })
}

func TestSupervisor_StaleReestablishRejected(t *testing.T) {
	h := startSupervisor(t, testKey, time.Second)
	end := h.net.Endpoint("peer", "plc")
	t.Cleanup(func() { end.Close() })

	open := link.NewEstablish(link.RoleSupervisor, "peer-test").Stamp(0, 100)
	sendRaw(t, end, open, testKey)
	waitFor(t, time.Second, "session", func() bool { return h.sup.State().Up })
	id := h.sup.State().SessionID

	sendRaw(t, end, link.NewKeepAlive(1, 0).Stamp(id, 101), testKey)
	waitFor(t, time.Second, "keep-alive accepted", func() bool {
		return h.sup.State().Stats.ValidPackets == 2
	})

	// Older handshakes, including the opening one, no longer apply
	sendRaw(t, end, link.NewEstablish(link.RoleSupervisor, "peer-test").Stamp(0, 50), testKey)
	sendRaw(t, end, open, testKey)
	waitFor(t, time.Second, "stale handshakes rejected", func() bool { return h.sup.State().Stats.Rejected == 2 })
	if st := h.sup.State(); st.SessionID != id || st.Sessions != 1 {
		t.Fatalf("stale handshake changed the session: id=%d sessions=%d", st.SessionID, st.Sessions)
	}

	sendRaw(t, end, link.NewEstablish(link.RoleSupervisor, "peer-test").Stamp(0, 102), testKey)
	waitFor(t, time.Second, "new session", func() bool { return h.sup.State().Sessions == 2 })
	if h.sup.State().SessionID == id {
		t.Error("newer handshake should allocate a new session id")
	}
}

func TestSupervisor_ResentHandshakeDoesNotHoldLink(t *testing.T) {
	h := startSupervisor(t, testKey, 100*time.Millisecond)
	end := h.net.Endpoint("peer", "plc")
	t.Cleanup(func() { end.Close() })

	open := link.NewEstablish(link.RoleSupervisor, "peer-test").Stamp(0, 7)
	sendRaw(t, end, open, testKey)
	waitFor(t, time.Second, "session", func() bool { return h.sup.State().Up })
	_, lossBefore, _ := h.plant.snapshot()

	// Only the opening frame keeps arriving; the peer itself is gone
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(40 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				frame, err := link.Encode(open, testKey)
				if err != nil {
					return
				}
				_ = end.Send(context.Background(), "plc", frame)
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	waitFor(t, 600*time.Millisecond, "link loss despite resent handshakes", func() bool {
		_, linkLoss, _ := h.plant.snapshot()
		return linkLoss > lossBefore
	})
	if h.sup.State().Losses == 0 {
		t.Error("expected the supervisor to count a link loss")
	}
}

func TestSupervisor_BadVersionHandshake(t *testing.T) {
	h := startSupervisor(t, testKey, time.Second)
	end := h.net.Endpoint("old", "plc")

	p, err := link.NewPacket(link.KindEstablish, link.Establish{Role: link.RoleSupervisor, Protocol: 2})
	if err != nil {
		t.Fatal(err)
	}
	sendRaw(t, end, p.Stamp(0, 1), testKey)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dg, err := end.Receive(ctx)
	if err != nil {
		t.Fatalf("no answer: %v", err)
	}
	ackPkt, err := link.Decode(dg.Data, testKey)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var ack link.EstablishAck
	if err := ackPkt.DecodePayload(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Result != link.EstablishBadVersion {
		t.Errorf("result = %s, want bad_version", ack.Result)
	}
	if h.sup.State().Up {
		t.Error("bad-version handshake established a session")
	}
}

// ============================================================================
// Commands
// ============================================================================

func TestSupervisor_CommandRoutedAndAcked(t *testing.T) {
	h := startSupervisor(t, testKey, time.Second)
	c, _ := h.client(t, "peer", link.RoleSupervisor)
	establish(t, c)
	runClient(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ack, err := c.Command(ctx, link.OpSetBurnRate, 5, "")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if !ack.OK || ack.Op != link.OpSetBurnRate {
		t.Errorf("ack = %+v", ack)
	}

	cmds, _, _ := h.plant.snapshot()
	if len(cmds) != 1 || cmds[0].Op != link.OpSetBurnRate || cmds[0].Value != 5 {
		t.Fatalf("plant commands = %+v", cmds)
	}
	h.plant.mu.Lock()
	source := h.plant.sources[0]
	h.plant.mu.Unlock()
	if source != "link:peer" {
		t.Errorf("source = %q, want link:peer", source)
	}
}

func TestSupervisor_MonitorCannotCommand(t *testing.T) {
	h := startSupervisor(t, testKey, time.Second)
	c, _ := h.client(t, "viewer", link.RoleMonitor)
	establish(t, c)
	runClient(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ack, err := c.Command(ctx, link.OpReset, 0, "")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if ack.Reason != ReasonMonitorOnly {
		t.Errorf("reason = %q, want %q", ack.Reason, ReasonMonitorOnly)
	}
	if cmds, _, _ := h.plant.snapshot(); len(cmds) != 0 {
		t.Errorf("monitor command reached the plant: %+v", cmds)
	}
}

func TestSupervisor_OutOfSessionRejected(t *testing.T) {
	h := startSupervisor(t, testKey, time.Second)
	end := h.net.Endpoint("stranger", "plc")

	sendRaw(t, end, link.NewCommand(link.OpReset, 0, "").Stamp(0, 1), testKey)

	waitFor(t, time.Second, "rejection", func() bool { return h.sup.State().Stats.Rejected == 1 })
	if cmds, _, _ := h.plant.snapshot(); len(cmds) != 0 {
		t.Errorf("out-of-session command reached the plant: %+v", cmds)
	}
}

func TestSupervisor_ReplayDropped(t *testing.T) {
	h := startSupervisor(t, testKey, time.Second)
	c, end := h.client(t, "peer", link.RoleSupervisor)
	establish(t, c)

	p := link.NewCommand(link.OpScram, 0, "replayed").Stamp(c.SessionID(), 1<<31)
	sendRaw(t, end, p, testKey)
	sendRaw(t, end, p, testKey)

	waitFor(t, time.Second, "replay rejection", func() bool { return h.sup.State().Stats.Rejected == 1 })
	if cmds, _, _ := h.plant.snapshot(); len(cmds) != 1 {
		t.Errorf("plant saw %d commands, want 1", len(cmds))
	}
}

func TestSupervisor_ForgedPacketChangesNothing(t *testing.T) {
	h := startSupervisor(t, testKey, time.Second)
	c, end := h.client(t, "peer", link.RoleSupervisor)
	establish(t, c)
	before := h.sup.State()

	genuine, err := link.Encode(link.NewCommand(link.OpReset, 0, "").Stamp(c.SessionID(), 1<<31), testKey)
	if err != nil {
		t.Fatal(err)
	}
	forged := tamper(t, genuine, func(body []byte) { body[link.HeaderSize+1] ^= 0x01 })
	if err := end.Send(context.Background(), "plc", forged); err != nil {
		t.Fatal(err)
	}

	forgedStatus, err := link.NewStatus(link.StatusReport{Cycle: 999, Tripped: false})
	if err != nil {
		t.Fatal(err)
	}
	forgedStatus.Stamp(c.SessionID(), 1<<31+1)
	sendRaw(t, end, forgedStatus, []byte("not the key"))

	waitFor(t, time.Second, "auth failures", func() bool { return h.sup.State().Stats.AuthFailed == 2 })

	cmds, linkLoss, _ := h.plant.snapshot()
	if len(cmds) != 0 || linkLoss != 0 {
		t.Errorf("forged packets changed the plant: commands=%v linkLoss=%d", cmds, linkLoss)
	}
	after := h.sup.State()
	if after.SessionID != before.SessionID || after.Peer != before.Peer {
		t.Error("forged packets changed the session")
	}
	if !h.emitter.find("rejected", "auth_failed") {
		t.Error("expected an auth_failed rejection event")
	}
}

// ============================================================================
// Link supervision
// ============================================================================

func TestSupervisor_LinkLossInjectedOnSilence(t *testing.T) {
	h := startSupervisor(t, testKey, 100*time.Millisecond)
	c, _ := h.client(t, "peer", link.RoleSupervisor)
	establish(t, c)

	// No Run: the peer goes silent after the handshake
	waitFor(t, time.Second, "link loss", func() bool {
		_, linkLoss, _ := h.plant.snapshot()
		return linkLoss == 1
	})

	waitFor(t, time.Second, "teardown", func() bool { return !h.sup.State().Up })
	if st := h.sup.State(); st.Losses != 1 {
		t.Errorf("losses = %d, want 1", st.Losses)
	}
	if !h.emitter.find("down", ErrLinkTimeout.Error()) {
		t.Error("expected a link-down event for the timeout")
	}

	// The supervisor keeps listening for a new handshake
	establish(t, c)
	waitFor(t, time.Second, "link back up", func() bool { return h.sup.State().Up })
}

func TestSupervisor_NoSessionAtBootIsLinkLoss(t *testing.T) {
	h := startSupervisor(t, testKey, 50*time.Millisecond)

	waitFor(t, time.Second, "boot link loss", func() bool {
		_, linkLoss, _ := h.plant.snapshot()
		return linkLoss == 1
	})

	// Expiry is one-shot until the watchdog is fed again
	time.Sleep(150 * time.Millisecond)
	if _, linkLoss, _ := h.plant.snapshot(); linkLoss != 1 {
		t.Errorf("link loss injected %d times, want 1", linkLoss)
	}
}

func TestSupervisor_KeepAlivesHoldLink(t *testing.T) {
	h := startSupervisor(t, testKey, 150*time.Millisecond)
	c, _ := h.client(t, "peer", link.RoleSupervisor)
	establish(t, c)
	runClient(t, c)

	time.Sleep(400 * time.Millisecond)
	if _, linkLoss, _ := h.plant.snapshot(); linkLoss != 0 {
		t.Errorf("link loss injected %d times while keep-alives flowed", linkLoss)
	}
	if !h.sup.State().Up {
		t.Error("session dropped while keep-alives flowed")
	}
	waitFor(t, time.Second, "rtt", func() bool { return c.RTT() >= 0 && c.Statistics().Counters().ValidPackets > 0 })
}

func TestSupervisor_PeerCloseDoesNotTrip(t *testing.T) {
	h := startSupervisor(t, testKey, time.Second)
	c, _ := h.client(t, "peer", link.RoleSupervisor)
	establish(t, c)

	if err := c.Close(context.Background(), "operator done"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	waitFor(t, time.Second, "teardown", func() bool { return !h.sup.State().Up })
	if _, linkLoss, _ := h.plant.snapshot(); linkLoss != 0 {
		t.Errorf("peer close injected link loss %d times", linkLoss)
	}
	if !h.emitter.find("down", "operator done") {
		t.Error("expected a link-down event with the peer's reason")
	}
}

func TestSupervisor_ShutdownSendsFinalStatusThenClose(t *testing.T) {
	h := startSupervisor(t, testKey, time.Second)
	c, _ := h.client(t, "peer", link.RoleSupervisor)
	establish(t, c)
	done := runClient(t, c)

	waitFor(t, time.Second, "first status", func() bool {
		_, ok := c.Latest()
		return ok
	})

	h.stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrPeerClosed) {
			t.Fatalf("client Run err = %v, want ErrPeerClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("client did not see the close")
	}

	last, _ := c.Latest()
	if !last.Final {
		t.Error("last status before close should be marked final")
	}
}

// ============================================================================
// Client
// ============================================================================

func TestClient_EstablishTimeout(t *testing.T) {
	n := transport.NewNetwork()
	end := n.Endpoint("peer", "nobody")
	c, err := NewClient(end, ClientConfig{Key: testKey, EstablishTimeout: 60 * time.Millisecond}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	err = c.Establish(context.Background())
	if !errors.Is(err, ErrLinkTimeout) {
		t.Fatalf("err = %v, want ErrLinkTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Establish took %s", elapsed)
	}
}

func TestClient_LinkTimeoutWhenPLCGoesSilent(t *testing.T) {
	h := startSupervisor(t, testKey, time.Second)
	c, _ := h.client(t, "peer", link.RoleSupervisor)
	c.cfg.Timeout = 100 * time.Millisecond
	establish(t, c)

	h.plcEnd.SetMute(true)
	done := runClient(t, c)

	select {
	case err := <-done:
		if !errors.Is(err, ErrLinkTimeout) {
			t.Fatalf("err = %v, want ErrLinkTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client did not time out")
	}
}

func TestClient_CommandRequiresSession(t *testing.T) {
	a, _ := transport.Pair("a", "b")
	c, err := NewClient(a, ClientConfig{}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Command(context.Background(), link.OpScram, 0, ""); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("err = %v, want ErrNotEstablished", err)
	}
	if err := c.Run(context.Background()); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("Run err = %v, want ErrNotEstablished", err)
	}
}
