// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package link connects the control loop to a vehicle: telemetry flows in,
// parameter writes and flight commands flow out. Three transports are provided: an MQTT
// bridge, a serial line speaking checksummed NMEA-style sentences, and an
// in-process simulated vehicle.
package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/relabs-tech/haptic_feedback/internal/guard"
)

// Vehicle parameters written by the actuator.
const (
	ParamEnable      = "motorPowerSet.enable"
	ParamSoundEffect = "sound.effect"
)

// MotorParam returns the power parameter of motor id.
func MotorParam(id int) string {
	return fmt.Sprintf("motorPowerSet.m%d", id)
}

// Param is one parameter write.
type Param struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// ParamWriter writes a single vehicle parameter. Implementations block
// until the write is handed to the transport or ctx ends.
type ParamWriter interface {
	WriteParam(ctx context.Context, name string, value int) error
}

// FlightWriter sends high-level flight commands to the vehicle.
type FlightWriter interface {
	WriteFlight(ctx context.Context, cmd guard.FlightCommand) error
}

// Actuator drives motors through parameter writes. It implements
// guard.Actuator, guard.Effector and guard.Flyer.
type Actuator struct {
	w ParamWriter
}

// NewActuator returns an actuator writing through w.
func NewActuator(w ParamWriter) *Actuator {
	return &Actuator{w: w}
}

// SetEnabled toggles direct motor power control.
func (a *Actuator) SetEnabled(ctx context.Context, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return a.w.WriteParam(ctx, ParamEnable, v)
}

// Command writes every motor of cmd in ascending id order and stops at the
// first failure.
func (a *Actuator) Command(ctx context.Context, cmd guard.PowerCommand) error {
	for _, id := range cmd.Motors() {
		if err := a.w.WriteParam(ctx, MotorParam(id), cmd[id]); err != nil {
			return fmt.Errorf("motor %d: %w", id, err)
		}
	}
	return nil
}

// Effect plays a sound effect on the vehicle.
func (a *Actuator) Effect(ctx context.Context, id int) error {
	return a.w.WriteParam(ctx, ParamSoundEffect, id)
}

// Fly sends a flight command when the transport supports them.
func (a *Actuator) Fly(ctx context.Context, cmd guard.FlightCommand) error {
	fw, ok := a.w.(FlightWriter)
	if !ok {
		return errors.New("link cannot send flight commands")
	}
	return fw.WriteFlight(ctx, cmd)
}

// StopMotors writes zero to every motor and then disables motor control,
// attempting both writes even if the first fails.
func StopMotors(ctx context.Context, w ParamWriter, motors []int) error {
	a := NewActuator(w)
	return errors.Join(
		a.Command(ctx, guard.Zero(motors)),
		a.SetEnabled(ctx, false),
	)
}
