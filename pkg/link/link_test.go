// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/Thermoquad/rpsplc/pkg/rps"
)

// ============================================================
// Test Helpers
// ============================================================

var testKey = []byte("k")

func mustEncode(t *testing.T, p *Packet, key []byte) []byte {
	t.Helper()
	data, err := Encode(p, key)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

// rewriteBody unstuffs a frame, lets fn edit the body (CRC excluded), then
// recomputes the CRC and reframes it.
func rewriteBody(t *testing.T, frameBytes []byte, fn func(body []byte) []byte) []byte {
	t.Helper()
	body, err := UnstuffBytes(frameBytes[1 : len(frameBytes)-1])
	if err != nil {
		t.Fatalf("UnstuffBytes: %v", err)
	}
	body = fn(body[:len(body)-CRCSize])
	crc := CalculateCRC(body)
	body = append(body, byte(crc>>8), byte(crc))
	return frame(body)
}

func statusPacket(t *testing.T, r StatusReport) *Packet {
	t.Helper()
	p, err := NewStatus(r)
	if err != nil {
		t.Fatalf("NewStatus: %v", err)
	}
	return p
}

func ackPacket(t *testing.T, a CommandAck) *Packet {
	t.Helper()
	p, err := NewCommandAck(a)
	if err != nil {
		t.Fatalf("NewCommandAck: %v", err)
	}
	return p
}

func sampleStatus() StatusReport {
	return StatusReport{
		Cycle:   42,
		Tripped: true,
		Cause:   rps.FlagHighTemp,
		Flags: []FlagReport{
			{Name: rps.FlagManual},
			{Name: rps.FlagHighTemp, Latched: true, Active: true},
		},
		Sensors: rps.SensorSnapshot{
			Temperature: 1250.5,
			Damage:      3,
			CoolantFill: 0.75,
			FuelFill:    0.5,
			WasteFill:   0.25,
			BurnRate:    2,
			Active:      false,
		},
		SensorsValid: true,
		Plant:        PlantState{DeviceFormed: true, DevicePresent: true, ModemPresent: true},
		BurnEnabled:  false,
		BurnRate:     2,
		UptimeMs:     123456,
	}
}

// ============================================================
// Round Trip
// ============================================================

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet *Packet
	}{
		{"establish", NewEstablish(RoleSupervisor, "rpsplc-test").Stamp(0, 1)},
		{"establish ack", NewEstablishAck(EstablishAllow, 0xDEADBEEF, "1.0").Stamp(0xDEADBEEF, 1)},
		{"keep alive", NewKeepAlive(1000, 999).Stamp(7, 2)},
		{"status", statusPacket(t, sampleStatus()).Stamp(7, 3)},
		{"command", NewCommand(OpSetBurnRate, 12.5, "").Stamp(7, 4)},
		{"command ack", ackPacket(t, CommandAck{Op: OpReset, Held: []string{"high_temp"}}).Stamp(7, 5)},
		{"close", NewClose("operator").Stamp(7, 0xFFFFFFFF)},
		{"empty payload", &Packet{Kind: KindKeepAlive, SessionID: 1, Seq: 1}},
	}

	for _, tt := range tests {
		for _, key := range [][]byte{nil, testKey, bytes.Repeat([]byte{0x7E}, MaxKeySize)} {
			t.Run(tt.name, func(t *testing.T) {
				data := mustEncode(t, tt.packet, key)
				got, err := Decode(data, key)
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				if !got.Equal(tt.packet) {
					t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, tt.packet)
				}
				if got.Authenticated != (len(key) > 0) {
					t.Errorf("Authenticated = %v with key len %d", got.Authenticated, len(key))
				}
			})
		}
	}
}

func TestStatusReport_PayloadRoundTrip(t *testing.T) {
	want := sampleStatus()
	data := mustEncode(t, statusPacket(t, want).Stamp(1, 1), testKey)

	p, err := Decode(data, testKey)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var got StatusReport
	if err := p.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("status mismatch:\n got  %+v\n want %+v", got, want)
	}
	if got.State() != rps.SafeShutdown {
		t.Errorf("State() = %v", got.State())
	}
}

func TestEncode_FrameHasNoRawDelimiters(t *testing.T) {
	// Session and seq chosen to contain every special byte
	p := &Packet{Kind: KindKeepAlive, SessionID: 0x7D7E7F7D, Seq: 0x7F7E7D7E, Payload: []byte{StartByte, EndByte, EscByte}}
	data := mustEncode(t, p, testKey)

	if data[0] != StartByte || data[len(data)-1] != EndByte {
		t.Fatal("frame must be delimited by START and END")
	}
	for i, b := range data[1 : len(data)-1] {
		if b == StartByte || b == EndByte {
			t.Fatalf("raw delimiter 0x%02X at offset %d", b, i+1)
		}
	}
}

func TestEncode_Limits(t *testing.T) {
	big := &Packet{Kind: KindStatus, Payload: make([]byte, MaxPayloadSize+1)}
	if _, err := Encode(big, nil); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("oversized payload: err = %v, want ErrPayloadTooLarge", err)
	}

	if _, err := Encode(&Packet{Kind: KindClose}, make([]byte, MaxKeySize+1)); err == nil {
		t.Error("expected error for an oversized key")
	}
	if _, err := NewEncoder(make([]byte, MaxKeySize+1)); err == nil {
		t.Error("NewEncoder should reject an oversized key")
	}
}

// ============================================================
// Decode Errors
// ============================================================

func TestDecode_WrongKey(t *testing.T) {
	data := mustEncode(t, NewCommand(OpScram, 0, "").Stamp(1, 1), testKey)

	_, err := Decode(data, []byte("not-k"))
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err %T should be a *DecodeError", err)
	}
}

func TestDecode_TagPresenceMismatch(t *testing.T) {
	p := NewKeepAlive(1, 0).Stamp(1, 1)

	signed := mustEncode(t, p, testKey)
	if _, err := Decode(signed, nil); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("tag present, no key: err = %v, want ErrAuthFailed", err)
	}

	unsigned := mustEncode(t, p, nil)
	if _, err := Decode(unsigned, testKey); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("tag absent, key set: err = %v, want ErrAuthFailed", err)
	}
}

func TestDecode_ForgedPayloadRejected(t *testing.T) {
	data := mustEncode(t, statusPacket(t, sampleStatus()).Stamp(9, 9), testKey)

	// Tamper with the payload, keep structure and CRC valid
	forged := rewriteBody(t, data, func(body []byte) []byte {
		body[HeaderSize+2] ^= 0x01
		return body
	})

	if _, err := Decode(forged, testKey); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestDecode_ForgedHeaderRejected(t *testing.T) {
	data := mustEncode(t, NewCommand(OpReset, 0, "").Stamp(9, 9), testKey)

	// Bump the sequence number to replay under a new seq
	forged := rewriteBody(t, data, func(body []byte) []byte {
		body[7]++
		return body
	})

	if _, err := Decode(forged, testKey); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestDecode_VersionMismatch(t *testing.T) {
	data := mustEncode(t, NewKeepAlive(1, 0).Stamp(1, 1), testKey)
	other := rewriteBody(t, data, func(body []byte) []byte {
		body[0] = ProtocolVersion + 1
		return body
	})

	if _, err := Decode(other, testKey); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("err = %v, want ErrVersionMismatch", err)
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	data := mustEncode(t, &Packet{Kind: Kind(0x99), SessionID: 1, Seq: 1}, testKey)
	if _, err := Decode(data, testKey); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestDecode_UnknownKindAfterAuth(t *testing.T) {
	// An unknown kind with a bad tag is an auth failure, not an unknown kind
	data := mustEncode(t, &Packet{Kind: Kind(0x99), SessionID: 1, Seq: 1}, testKey)
	if _, err := Decode(data, []byte("other")); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	valid := mustEncode(t, statusPacket(t, sampleStatus()).Stamp(3, 3), testKey)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"single byte", []byte{StartByte}},
		{"delimiters only", []byte{StartByte, EndByte}},
		{"missing start", valid[1:]},
		{"missing end", valid[:len(valid)-1]},
		{"dangling escape", []byte{StartByte, 0x01, EscByte, EndByte}},
		{"raw start inside", append(append([]byte{}, valid[:5]...), append([]byte{StartByte}, valid[5:]...)...)},
		{"short header", frame([]byte{ProtocolVersion, byte(KindStatus), 0, 0})},
		{"unknown flags", rewriteBody(t, valid, func(b []byte) []byte { b[2] |= 0x80; return b })},
		{"length too large", rewriteBody(t, valid, func(b []byte) []byte { b[11], b[12] = 0xFF, 0xFF; return b })},
		{"length mismatch", rewriteBody(t, valid, func(b []byte) []byte { return b[:len(b)-1] })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data, testKey)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecode_CRCMismatch(t *testing.T) {
	data := mustEncode(t, NewKeepAlive(5, 0).Stamp(1, 1), nil)
	body, err := UnstuffBytes(data[1 : len(data)-1])
	if err != nil {
		t.Fatalf("UnstuffBytes: %v", err)
	}
	body[len(body)-1] ^= 0xFF

	_, err = Decode(frame(body), nil)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	if !strings.Contains(err.Error(), "CRC mismatch") {
		t.Errorf("error %q should mention the CRC", err)
	}
}

func TestDecodePayload_Malformed(t *testing.T) {
	p := &Packet{Kind: KindCommand, Payload: []byte{0xFF, 0x00}}
	var cmd Command
	if err := p.DecodePayload(&cmd); !errors.Is(err, ErrMalformed) {
		t.Errorf("garbage payload: err = %v, want ErrMalformed", err)
	}

	empty := &Packet{Kind: KindCommand}
	if err := empty.DecodePayload(&cmd); !errors.Is(err, ErrMalformed) {
		t.Errorf("empty payload: err = %v, want ErrMalformed", err)
	}
}

// ============================================================
// Encoder / Decoder Types
// ============================================================

func TestEncoderDecoder_KeyIsCopied(t *testing.T) {
	key := []byte("secret")
	enc, err := NewEncoder(key)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := NewDecoder(key)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	key[0] = 'X'

	data, err := enc.Encode(NewClose("bye").Stamp(1, 1))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := dec.Decode(data); err != nil {
		t.Errorf("Decode after caller mutated key: %v", err)
	}
}

func TestParseCommandOp(t *testing.T) {
	for _, op := range []CommandOp{OpScram, OpReset, OpSetBurnRate, OpEnableBurn} {
		got, ok := ParseCommandOp(op.String())
		if !ok || got != op {
			t.Errorf("ParseCommandOp(%q) = %v, %v", op.String(), got, ok)
		}
	}
	if _, ok := ParseCommandOp("meltdown"); ok {
		t.Error("unknown op should not parse")
	}
}

// ============================================================
// Statistics / Formatter
// ============================================================

func TestStatistics_Update(t *testing.T) {
	s := NewStatistics()
	s.Update(nil)
	s.Update(nil)
	s.Update(&DecodeError{Err: ErrAuthFailed})
	s.Update(&DecodeError{Err: ErrMalformed})
	s.Update(&DecodeError{Err: ErrVersionMismatch})
	s.Update(&DecodeError{Err: ErrUnknownKind})
	s.Update(errors.New("framing"))
	s.Reject()

	c := s.Counters()
	if c.TotalPackets != 7 || c.ValidPackets != 2 {
		t.Errorf("total=%d valid=%d, want 7/2", c.TotalPackets, c.ValidPackets)
	}
	if c.AuthFailed != 1 || c.VersionMismatch != 1 || c.UnknownKind != 1 || c.Malformed != 2 {
		t.Errorf("unexpected class counters: %+v", c)
	}
	if c.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", c.Rejected)
	}
	if c.Errors() != 5 {
		t.Errorf("Errors() = %d, want 5", c.Errors())
	}
	if !strings.Contains(s.String(), "Auth Failures:") {
		t.Error("summary should list auth failures")
	}

	s.Reset()
	if s.Counters().TotalPackets != 0 {
		t.Error("Reset should zero counters")
	}
}

func TestFormatPacket(t *testing.T) {
	data := mustEncode(t, statusPacket(t, sampleStatus()).Stamp(0xABCD, 7), testKey)
	p, err := Decode(data, testKey)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	out := FormatPacket(p)
	for _, want := range []string{"STATUS (0x10)", "session=0000ABCD", "seq=7", "auth", "SAFE_SHUTDOWN", "Latched: high_temp"} {
		if !strings.Contains(out, want) {
			t.Errorf("FormatPacket output missing %q:\n%s", want, out)
		}
	}

	cmd := FormatPacket(NewCommand(OpSetBurnRate, 3, "ramp"))
	if !strings.Contains(cmd, "Op: set_burn_rate, Value: 3.00") {
		t.Errorf("command format: %s", cmd)
	}

	unknown := FormatPayload(&Packet{Kind: Kind(0x77), Payload: []byte{1, 2}})
	if !strings.Contains(unknown, "01 02") {
		t.Errorf("unknown kind should dump raw payload: %s", unknown)
	}
}

// ============================================================
// Builder Limits
// ============================================================

func wideFlagTable(n int, latched func(i int) bool) []FlagReport {
	flags := make([]FlagReport, n)
	for i := range flags {
		flags[i] = FlagReport{Name: fmt.Sprintf("primary_loop_temperature_%02d", i), Latched: latched(i)}
	}
	return flags
}

func decodeStatus(t *testing.T, p *Packet) StatusReport {
	t.Helper()
	got, err := Decode(mustEncode(t, p.Stamp(1, 1), testKey), testKey)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var r StatusReport
	if err := got.DecodePayload(&r); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	return r
}

func TestNewStatus_CompactsToRaisedFlags(t *testing.T) {
	r := sampleStatus()
	r.Cause = "primary_loop_temperature_07"
	r.Flags = wideFlagTable(60, func(i int) bool { return i == 7 })

	p, err := NewStatus(r)
	if err != nil {
		t.Fatalf("NewStatus: %v", err)
	}
	got := decodeStatus(t, p)

	if len(got.Flags) != 1 || got.Flags[0].Name != "primary_loop_temperature_07" {
		t.Errorf("flags = %+v, want only the latched flag", got.Flags)
	}
	if !got.Tripped || got.Cause != r.Cause {
		t.Errorf("tripped=%v cause=%q, want the trip preserved", got.Tripped, got.Cause)
	}
}

func TestNewStatus_DropsFlagsWhenAllRaised(t *testing.T) {
	r := sampleStatus()
	r.Flags = wideFlagTable(60, func(int) bool { return true })

	p, err := NewStatus(r)
	if err != nil {
		t.Fatalf("NewStatus: %v", err)
	}
	if len(p.Payload) > MaxPayloadSize {
		t.Fatalf("payload %d bytes exceeds max", len(p.Payload))
	}
	got := decodeStatus(t, p)
	if len(got.Flags) != 0 || !got.Tripped {
		t.Errorf("flags=%d tripped=%v, want no flags and tripped", len(got.Flags), got.Tripped)
	}
}

func TestNewStatus_SmallReportUnchanged(t *testing.T) {
	want := sampleStatus()
	got := decodeStatus(t, statusPacket(t, want))
	if !reflect.DeepEqual(got.Flags, want.Flags) {
		t.Errorf("flags = %+v, want %+v", got.Flags, want.Flags)
	}
}

func TestNewCommandAck_DropsOversizedHeld(t *testing.T) {
	held := make([]string, 60)
	for i := range held {
		held[i] = fmt.Sprintf("primary_loop_temperature_%02d", i)
	}

	p, err := NewCommandAck(CommandAck{Op: OpReset, Reason: "predicate still true", Held: held})
	if err != nil {
		t.Fatalf("NewCommandAck: %v", err)
	}
	var ack CommandAck
	if err := p.DecodePayload(&ack); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if ack.OK || ack.Reason != "predicate still true" || len(ack.Held) != 0 {
		t.Errorf("ack = %+v, want refusal without held list", ack)
	}
}

func TestBuilders_ClipFreeText(t *testing.T) {
	long := strings.Repeat("é", MaxReasonSize)

	tests := []struct {
		name   string
		packet *Packet
		limit  int
	}{
		{"command", NewCommand(OpScram, 0, long), MaxReasonSize},
		{"close", NewClose(long), MaxReasonSize},
		{"establish", NewEstablish(RoleSupervisor, long), MaxFirmwareSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(mustEncode(t, tt.packet.Stamp(1, 1), testKey), testKey)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			var text string
			switch tt.name {
			case "command":
				var c Command
				err = got.DecodePayload(&c)
				text = c.Reason
			case "close":
				var c Close
				err = got.DecodePayload(&c)
				text = c.Reason
			case "establish":
				var e Establish
				err = got.DecodePayload(&e)
				text = e.Firmware
			}
			if err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			if len(text) > tt.limit || len(text) < tt.limit-1 {
				t.Errorf("text is %d bytes, want about %d", len(text), tt.limit)
			}
			if !utf8.ValidString(text) {
				t.Error("clipped text is not valid UTF-8")
			}
		})
	}
}
