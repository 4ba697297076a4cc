// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/haptic_feedback/internal/guard"
	"github.com/relabs-tech/haptic_feedback/internal/telemetry"
)

// OpenSerial opens the radio dongle or USB port at 8N1.
func OpenSerial(port string, baud uint) (io.ReadWriteCloser, error) {
	opts := serial.OpenOptions{
		PortName:              port,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}
	rw, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", port, err)
	}
	log.Printf("link: serial port opened on %s at %d baud", port, baud)
	return rw, nil
}

// Serial is the link to one vehicle over a line-oriented serial port.
type Serial struct {
	rw  io.ReadWriteCloser
	buf *telemetry.Buffer

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool

	mu       sync.Mutex
	rejected uint64
}

// NewSerial returns a link reading telemetry from rw into buf.
func NewSerial(rw io.ReadWriteCloser, buf *telemetry.Buffer) *Serial {
	return &Serial{rw: rw, buf: buf}
}

// Run reads telemetry lines until the port is closed or fails. The port
// stays open after ctx ends so the final motor writes can still go out;
// Close it once the control loop has stopped.
func (l *Serial) Run(ctx context.Context) error {
	reader := bufio.NewReader(l.rw)
	var lastErr string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil || l.closed.Load() || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("serial read: %w", err)
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "$") {
			continue
		}

		s, err := ParseLine(line)
		if err != nil {
			l.mu.Lock()
			l.rejected++
			l.mu.Unlock()
			if err.Error() != lastErr {
				log.Printf("link: serial: %v (line: %q)", err, line)
			}
			lastErr = err.Error()
			continue
		}
		lastErr = ""
		l.buf.Push(s)
	}
}

// Close closes the port, which also ends Run.
func (l *Serial) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.closeErr = l.rw.Close()
	})
	return l.closeErr
}

// Rejected returns how many lines could not be decoded.
func (l *Serial) Rejected() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejected
}

// WriteParam sends a $CFPRM line.
func (l *Serial) WriteParam(ctx context.Context, name string, value int) error {
	return l.writeLine(ctx, name, FormatParam(name, value))
}

// WriteFlight sends a $CFFLT line.
func (l *Serial) WriteFlight(ctx context.Context, cmd guard.FlightCommand) error {
	return l.writeLine(ctx, cmd.Kind, FormatFlight(cmd))
}

func (l *Serial) writeLine(ctx context.Context, what, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := io.WriteString(l.rw, line); err != nil {
		return fmt.Errorf("serial write %s: %w", what, err)
	}
	return nil
}

// ServeSerial plays sim on the vehicle end of a serial line. It writes a
// telemetry line every period and applies the parameter writes and flight
// commands it reads. It returns when ctx ends, the port fails or the host
// hangs up; close rw afterwards to release the reader.
func ServeSerial(ctx context.Context, rw io.ReadWriter, sim *Sim, period time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		if err := serveCommands(rw, sim); err != nil {
			log.Printf("link: serial sim: %v", err)
		}
	}()

	var werr error
	err := sim.Run(ctx, period, func(s telemetry.Sample) {
		if werr != nil {
			return
		}
		if _, err := io.WriteString(rw, FormatSample(s)); err != nil {
			werr = fmt.Errorf("serial write telemetry: %w", err)
			cancel()
		}
	})
	if err != nil {
		return err
	}
	return werr
}

func serveCommands(r io.Reader, sim *Sim) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("serial read: %w", err)
		}
		if !strings.HasPrefix(strings.TrimSpace(line), "$") {
			continue
		}

		cmd, err := ParseCommand(line)
		if err != nil {
			log.Printf("link: serial sim: %v (line: %q)", err, strings.TrimSpace(line))
			continue
		}
		switch c := cmd.(type) {
		case Param:
			err = sim.WriteParam(context.Background(), c.Name, c.Value)
		case guard.FlightCommand:
			err = sim.WriteFlight(context.Background(), c)
		}
		if err != nil {
			return err
		}
	}
}
