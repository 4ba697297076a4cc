// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package response maps a feedback magnitude to a motor power level.
package response

import (
	"errors"
	"fmt"
	"math"
)

// MaxMotorPower is the largest value motorPowerSet.m1..m4 accepts.
const MaxMotorPower = 65535

// ErrInvalidConfiguration is returned for curve or loop settings that can
// never produce a valid command.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Curve is a power-law response:
//
//	ratio = clamp(magnitude/MaxMagnitude, 0, 1) ^ Exponent
//	power = MinPower + (MaxPower-MinPower) * ratio   (ratio = 1-ratio if Invert)
//
// Exponent > 1 stays gentle near zero and gets aggressive near the top;
// Exponent < 1 responds early. A MinPower of 0 means no floor.
type Curve struct {
	MinPower     int     `json:"min_power"`
	MaxPower     int     `json:"max_power"`
	MaxMagnitude float64 `json:"max_magnitude"`
	Exponent     float64 `json:"exponent"`
	Invert       bool    `json:"invert"`
}

// DefaultCurve is the total-rotation vibration profile: barely perceptible at
// the reference pose, strong when upside down.
func DefaultCurve() Curve {
	return Curve{
		MinPower:     7000,
		MaxPower:     45000,
		MaxMagnitude: 180,
		Exponent:     2.5,
	}
}

// Validate reports whether the curve can be used.
func (c Curve) Validate() error {
	switch {
	case !(c.MaxMagnitude > 0) || math.IsInf(c.MaxMagnitude, 0):
		return fmt.Errorf("%w: max magnitude must be a positive number, got %v", ErrInvalidConfiguration, c.MaxMagnitude)
	case c.MinPower < 0:
		return fmt.Errorf("%w: min power must not be negative, got %d", ErrInvalidConfiguration, c.MinPower)
	case c.MinPower > c.MaxPower:
		return fmt.Errorf("%w: min power %d exceeds max power %d", ErrInvalidConfiguration, c.MinPower, c.MaxPower)
	case c.MaxPower > MaxMotorPower:
		return fmt.Errorf("%w: max power %d exceeds %d", ErrInvalidConfiguration, c.MaxPower, MaxMotorPower)
	case !(c.Exponent > 0) || math.IsInf(c.Exponent, 0):
		return fmt.Errorf("%w: exponent must be a positive number, got %v", ErrInvalidConfiguration, c.Exponent)
	}
	return nil
}

// Ratio returns the position of magnitude on the curve, in [0, 1], after
// the exponent and inversion are applied. NaN and negative magnitudes count
// as zero.
func (c Curve) Ratio(magnitude float64) float64 {
	normalized := 0.0
	if magnitude > 0 {
		normalized = math.Min(magnitude/c.MaxMagnitude, 1)
	}

	ratio := math.Pow(normalized, c.Exponent)
	if c.Invert {
		ratio = 1 - ratio
	}
	return ratio
}

// Power maps magnitude to a motor power in [MinPower, MaxPower].
func (c Curve) Power(magnitude float64) int {
	p := int(math.Round(float64(c.MinPower) + float64(c.MaxPower-c.MinPower)*c.Ratio(magnitude)))
	if p < c.MinPower {
		p = c.MinPower
	}
	if p > c.MaxPower {
		p = c.MaxPower
	}
	return p
}
