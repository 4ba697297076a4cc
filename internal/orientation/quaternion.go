// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// Quaternion is an attitude in scalar-first order, as logged in
// stateEstimate.qw/qx/qy/qz. Attitudes are expected to be unit norm.
type Quaternion struct {
	W float64 `json:"qw"`
	X float64 `json:"qx"`
	Y float64 `json:"qy"`
	Z float64 `json:"qz"`
}

// Identity is the zero rotation.
var Identity = Quaternion{W: 1}

func (q Quaternion) number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

func fromNumber(n quat.Number) Quaternion {
	return Quaternion{W: n.Real, X: n.Imag, Y: n.Jmag, Z: n.Kmag}
}

// Mul returns the Hamilton product q·r (apply r, then q).
func (q Quaternion) Mul(r Quaternion) Quaternion {
	return fromNumber(quat.Mul(q.number(), r.number()))
}

// Conj returns the conjugate of q.
func (q Quaternion) Conj() Quaternion {
	return fromNumber(quat.Conj(q.number()))
}

// Inverse returns q⁻¹. For unit quaternions this equals Conj.
func (q Quaternion) Inverse() Quaternion {
	return fromNumber(quat.Inv(q.number()))
}

// Norm returns |q|.
func (q Quaternion) Norm() float64 {
	return quat.Abs(q.number())
}

// Normalize returns q scaled to unit norm. ok is false when q has zero or
// non-finite norm and cannot represent an attitude.
func (q Quaternion) Normalize() (Quaternion, bool) {
	n := q.Norm()
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Quaternion{}, false
	}
	return fromNumber(quat.Scale(1/n, q.number())), true
}

// Angle returns the total rotation angle of q in degrees, in [0, 180].
// q and -q describe the same rotation and give the same angle.
func (q Quaternion) Angle() float64 {
	v := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	return degrees(2 * math.Atan2(v, math.Abs(q.W)))
}

// Between returns the rotation that takes from to to, from⁻¹·to.
func Between(from, to Quaternion) Quaternion {
	return from.Inverse().Mul(to)
}

// FromPose converts an Euler triple (degrees, ZYX order) to a quaternion.
func FromPose(p Pose) Quaternion {
	cr, sr := math.Cos(radians(p.Roll)/2), math.Sin(radians(p.Roll)/2)
	cp, sp := math.Cos(radians(p.Pitch)/2), math.Sin(radians(p.Pitch)/2)
	cy, sy := math.Cos(radians(p.Yaw)/2), math.Sin(radians(p.Yaw)/2)

	return Quaternion{
		W: cr*cp*cy + sr*sp*sy,
		X: sr*cp*cy - cr*sp*sy,
		Y: cr*sp*cy + sr*cp*sy,
		Z: cr*cp*sy - sr*sp*cy,
	}
}

// Pose decomposes q into an Euler triple (degrees, ZYX order), each
// component wrapped into (-180, 180]. Pitch saturates at ±90.
func (q Quaternion) Pose() Pose {
	roll := math.Atan2(2*(q.W*q.X+q.Y*q.Z), 1-2*(q.X*q.X+q.Y*q.Y))

	s := 2 * (q.W*q.Y - q.Z*q.X)
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	pitch := math.Asin(s)

	yaw := math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))

	return Pose{
		Roll:  WrapDegrees(degrees(roll)),
		Pitch: WrapDegrees(degrees(pitch)),
		Yaw:   WrapDegrees(degrees(yaw)),
	}
}

// AxisAngle builds the rotation of deg degrees about the axis (x, y, z).
// The axis does not need to be normalized.
func AxisAngle(x, y, z, deg float64) Quaternion {
	n := math.Sqrt(x*x + y*y + z*z)
	if n == 0 {
		return Identity
	}
	h := radians(deg) / 2
	s := math.Sin(h) / n
	return Quaternion{W: math.Cos(h), X: x * s, Y: y * s, Z: z * s}
}
