// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package estop watches a normally-open push button wired between a GPIO
// pin and ground. Pressing it stops every running session.
package estop

import (
	"context"
	"fmt"
	"log"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

const pollInterval = 100 * time.Millisecond

// Button is an active-low emergency-stop button.
type Button struct {
	pin gpio.PinIn
}

// Open initializes the host drivers and configures the named pin,
// e.g. "GPIO17".
func Open(name string) (*Button, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("e-stop pin %q not found", name)
	}
	return NewButton(pin)
}

// NewButton enables the pull-up and falling-edge detection on pin.
func NewButton(pin gpio.PinIn) (*Button, error) {
	if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return nil, fmt.Errorf("configure e-stop pin %s: %w", pin, err)
	}
	return &Button{pin: pin}, nil
}

// Pressed reports whether the button is held down.
func (b *Button) Pressed() bool {
	return b.pin.Read() == gpio.Low
}

// Wait blocks until the button is pressed or ctx ends. A button already
// held down counts as a press.
func (b *Button) Wait(ctx context.Context) error {
	for {
		if b.Pressed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		b.pin.WaitForEdge(pollInterval)
	}
}

// Watch calls stop once the button is pressed. It returns when ctx ends.
func (b *Button) Watch(ctx context.Context, stop context.CancelFunc) {
	if err := b.Wait(ctx); err != nil {
		return
	}
	log.Printf("estop: button on %s pressed, stopping motors", b.pin)
	stop()
}
