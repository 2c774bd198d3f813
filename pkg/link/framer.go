// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import "fmt"

// Framer recovers frames from a byte stream.
//
// Bytes outside a frame are discarded. A START byte inside a frame restarts
// framing, so a receiver that joins mid-frame resynchronises on the next
// packet boundary.
type Framer struct {
	buf     []byte
	inFrame bool
}

// NewFramer creates a stream framer
func NewFramer() *Framer {
	return &Framer{buf: make([]byte, 0, 256)}
}

// Reset drops any partial frame
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.inFrame = false
}

// FeedByte processes one byte. It returns a copy of the complete raw frame
// (delimiters included) when b ends one.
func (f *Framer) FeedByte(b byte) ([]byte, error) {
	switch {
	case b == StartByte:
		restarted := f.inFrame && len(f.buf) > 1
		f.buf = append(f.buf[:0], b)
		f.inFrame = true
		if restarted {
			return nil, fmt.Errorf("%w: frame restarted before END", ErrMalformed)
		}
		return nil, nil

	case !f.inFrame:
		if b == EndByte {
			return nil, fmt.Errorf("%w: unexpected END byte", ErrMalformed)
		}
		return nil, nil

	case b == EndByte:
		f.buf = append(f.buf, b)
		out := append([]byte(nil), f.buf...)
		f.Reset()
		return out, nil

	default:
		if len(f.buf) >= MaxFrameSize-1 {
			f.Reset()
			return nil, fmt.Errorf("%w: buffer overflow: frame exceeds %d bytes", ErrMalformed, MaxFrameSize)
		}
		f.buf = append(f.buf, b)
		return nil, nil
	}
}

// Feed processes a chunk of stream data and returns every frame it
// completed, plus any framing errors encountered along the way.
func (f *Framer) Feed(data []byte) (frames [][]byte, errs []error) {
	for _, b := range data {
		frame, err := f.FeedByte(b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames, errs
}
