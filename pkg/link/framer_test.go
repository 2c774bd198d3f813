// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"bytes"
	"errors"
	"testing"
)

func TestFramer_ExtractsFramesFromStream(t *testing.T) {
	a := mustEncode(t, NewKeepAlive(1, 0).Stamp(1, 1), testKey)
	b := mustEncode(t, NewClose("done").Stamp(1, 2), testKey)

	var stream []byte
	stream = append(stream, 0x00, 0x13, 0x37) // line noise before sync
	stream = append(stream, a...)
	stream = append(stream, 0x55)
	stream = append(stream, b...)

	f := NewFramer()
	frames, errs := f.Feed(stream)
	if len(errs) != 0 {
		t.Fatalf("unexpected framing errors: %v", errs)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !bytes.Equal(frames[0], a) || !bytes.Equal(frames[1], b) {
		t.Error("frames do not match the encoded packets")
	}
}

func TestFramer_SplitAcrossChunks(t *testing.T) {
	data := mustEncode(t, statusPacket(t, sampleStatus()).Stamp(1, 1), testKey)
	f := NewFramer()

	var got [][]byte
	for i := 0; i < len(data); i += 7 {
		end := min(i+7, len(data))
		frames, errs := f.Feed(data[i:end])
		if len(errs) != 0 {
			t.Fatalf("chunk %d: framing errors: %v", i/7, errs)
		}
		got = append(got, frames...)
	}

	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	p, err := Decode(got[0], testKey)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Kind != KindStatus {
		t.Errorf("Kind = %v, want STATUS", p.Kind)
	}
}

func TestFramer_ResyncsOnStart(t *testing.T) {
	good := mustEncode(t, NewKeepAlive(2, 0).Stamp(1, 1), nil)

	// A partial frame interrupted by a fresh START
	stream := append([]byte{StartByte, 0x01, 0x02, 0x03}, good...)

	f := NewFramer()
	frames, errs := f.Feed(stream)
	if len(errs) != 1 || !errors.Is(errs[0], ErrMalformed) {
		t.Errorf("errs = %v, want one ErrMalformed", errs)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0], good) {
		t.Fatalf("expected the complete frame after resync, got %d frames", len(frames))
	}
}

func TestFramer_UnexpectedEnd(t *testing.T) {
	f := NewFramer()
	frame, err := f.FeedByte(EndByte)
	if frame != nil {
		t.Error("no frame expected")
	}
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestFramer_Overflow(t *testing.T) {
	f := NewFramer()
	f.FeedByte(StartByte)

	var overflowed bool
	for i := 0; i < MaxFrameSize+10; i++ {
		if _, err := f.FeedByte(0x01); err != nil {
			overflowed = true
			break
		}
	}
	if !overflowed {
		t.Fatal("expected overflow error")
	}

	// Framer recovers for the next packet
	good := mustEncode(t, NewKeepAlive(3, 0).Stamp(1, 1), nil)
	frames, _ := f.Feed(good)
	if len(frames) != 1 {
		t.Errorf("got %d frames after overflow, want 1", len(frames))
	}
}
