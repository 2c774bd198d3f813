// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"github.com/Thermoquad/rpsplc/pkg/link"
)

// Stream runs the link over a point-to-point byte stream such as a serial
// port. Frame boundaries are recovered with a link.Framer; garbage between
// frames is discarded. The peer address is always the stream name.
type Stream struct {
	name string
	rw   io.ReadWriteCloser
	in   *inbox
	log  *slog.Logger

	wmu sync.Mutex
}

// NewStream wraps rw and starts reading from it
func NewStream(name string, rw io.ReadWriteCloser, log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	s := &Stream{
		name: name,
		rw:   rw,
		in:   newInbox(64),
		log:  log.With("component", "transport", "stream", name),
	}
	go s.readLoop()
	return s
}

// OpenSerial opens a serial port and wraps it as a Stream
func OpenSerial(portName string, baudRate int, log *slog.Logger) (*Stream, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	return NewStream(fmt.Sprintf("%s@%d", portName, baudRate), port, log), nil
}

func (s *Stream) readLoop() {
	framer := link.NewFramer()
	buf := make([]byte, 256)
	for {
		n, err := s.rw.Read(buf)
		if n > 0 {
			frames, errs := framer.Feed(buf[:n])
			for _, ferr := range errs {
				s.log.Debug("discarding stream bytes", "error", ferr)
			}
			for _, f := range frames {
				s.in.deliver(Datagram{From: Addr(s.name), Data: f})
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				s.in.fail(ErrClosed)
			} else {
				s.in.fail(err)
			}
			return
		}
	}
}

// Send implements Transport. The address is ignored.
func (s *Stream) Send(ctx context.Context, _ Addr, frame []byte) error {
	if s.in.closed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.rw.Write(frame)
	return err
}

// Receive implements Transport
func (s *Stream) Receive(ctx context.Context) (Datagram, error) {
	return s.in.receive(ctx)
}

// Close implements Transport
func (s *Stream) Close() error {
	s.in.fail(ErrClosed)
	return s.rw.Close()
}

func (s *Stream) String() string {
	return fmt.Sprintf("Serial: %s", s.name)
}
