// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package telemetry

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/haptic_feedback/internal/orientation"
)

// AttitudeKind tells which attitude representation a Sample carries.
type AttitudeKind uint8

const (
	NoAttitude AttitudeKind = iota
	QuaternionAttitude
	EulerAttitude
)

// Sample is one telemetry frame from the vehicle. It is a value type and is
// never modified after construction; the With* helpers return copies.
type Sample struct {
	// Timestamp is monotonic time in seconds.
	Timestamp float64

	kind  AttitudeKind
	quat  orientation.Quaternion
	euler orientation.Pose

	accel    r3.Vec
	hasAccel bool

	position    r3.Vec
	hasPosition bool
}

// QuaternionSample builds a sample carrying a quaternion attitude.
func QuaternionSample(ts float64, q orientation.Quaternion) Sample {
	return Sample{Timestamp: ts, kind: QuaternionAttitude, quat: q}
}

// EulerSample builds a sample carrying a roll/pitch/yaw attitude.
func EulerSample(ts float64, p orientation.Pose) Sample {
	return Sample{Timestamp: ts, kind: EulerAttitude, euler: p}
}

// MotionSample builds a sample with no attitude; add acceleration or
// position with WithAccel / WithPosition.
func MotionSample(ts float64) Sample {
	return Sample{Timestamp: ts}
}

// WithAccel returns a copy of s carrying linear acceleration.
func (s Sample) WithAccel(a r3.Vec) Sample {
	s.accel = a
	s.hasAccel = true
	return s
}

// WithPosition returns a copy of s carrying a position estimate.
func (s Sample) WithPosition(p r3.Vec) Sample {
	s.position = p
	s.hasPosition = true
	return s
}

// Kind reports the attitude representation of s.
func (s Sample) Kind() AttitudeKind { return s.kind }

// Attitude returns the attitude of s as a quaternion. Euler attitudes are
// converted here, once, so all composition downstream happens in
// quaternion space.
func (s Sample) Attitude() (orientation.Quaternion, bool) {
	switch s.kind {
	case QuaternionAttitude:
		return s.quat, true
	case EulerAttitude:
		return orientation.FromPose(s.euler), true
	default:
		return orientation.Quaternion{}, false
	}
}

// Euler returns the raw Euler attitude when the sample was produced as one.
func (s Sample) Euler() (orientation.Pose, bool) {
	return s.euler, s.kind == EulerAttitude
}

// Accel returns linear acceleration when present.
func (s Sample) Accel() (r3.Vec, bool) { return s.accel, s.hasAccel }

// Position returns the position estimate when present.
func (s Sample) Position() (r3.Vec, bool) { return s.position, s.hasPosition }
