// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package estimator turns buffered telemetry into feedback magnitudes:
// rotation away from a reference pose, rotation rate, shake intensity,
// vertical acceleration and distance to a target.
package estimator

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/relabs-tech/haptic_feedback/internal/orientation"
	"github.com/relabs-tech/haptic_feedback/internal/telemetry"
)

var (
	// ErrNoData means no usable telemetry has arrived yet.
	ErrNoData = errors.New("no telemetry received yet")
	// ErrNoReference means a displacement was requested before a reference
	// pose was set.
	ErrNoReference = errors.New("reference pose not set")
	// ErrInsufficientSamples means a rate was requested with fewer than two
	// samples.
	ErrInsufficientSamples = errors.New("insufficient samples")
	// ErrNonMonotonicTime means consecutive samples do not advance in time.
	ErrNonMonotonicTime = errors.New("non-monotonic sample time")
)

// Estimator reads a telemetry buffer and holds the reference pose. The
// reference is owned by the control loop that uses the estimator; it is not
// safe to change it from another goroutine.
type Estimator struct {
	buf       *telemetry.Buffer
	reference orientation.Quaternion
	hasRef    bool
}

// New returns an estimator over buf with no reference pose.
func New(buf *telemetry.Buffer) *Estimator {
	return &Estimator{buf: buf}
}

// Buffer returns the underlying telemetry buffer.
func (e *Estimator) Buffer() *telemetry.Buffer { return e.buf }

// SetReference captures the newest attitude as the reference pose.
func (e *Estimator) SetReference() error {
	q, err := e.currentAttitude()
	if err != nil {
		return err
	}
	e.reference = q
	e.hasRef = true
	return nil
}

// SetReferencePose sets an explicit reference pose.
func (e *Estimator) SetReferencePose(q orientation.Quaternion) error {
	n, ok := q.Normalize()
	if !ok {
		return fmt.Errorf("reference pose %+v is not a rotation", q)
	}
	e.reference = n
	e.hasRef = true
	return nil
}

// ClearReference forgets the reference pose.
func (e *Estimator) ClearReference() {
	e.reference = orientation.Quaternion{}
	e.hasRef = false
}

// HasReference reports whether a reference pose is set.
func (e *Estimator) HasReference() bool { return e.hasRef }

// Displacement returns the total rotation angle between the reference pose
// and the newest attitude, in degrees within [0, 180].
func (e *Estimator) Displacement() (float64, error) {
	rel, err := e.relative()
	if err != nil {
		return 0, err
	}
	return rel.Angle(), nil
}

// AxisDisplacement returns the relative rotation from the reference pose
// decomposed into roll, pitch and yaw, each within (-180, 180].
func (e *Estimator) AxisDisplacement() (orientation.Pose, error) {
	rel, err := e.relative()
	if err != nil {
		return orientation.Pose{}, err
	}
	return rel.Pose(), nil
}

// AngularVelocity returns the rotation rate between the two newest attitude
// samples in degrees per second.
func (e *Estimator) AngularVelocity() (float64, error) {
	rates, err := e.rates(2)
	if err != nil {
		return 0, err
	}
	return rates[0], nil
}

// MeanAngularVelocity averages the rotation rate over consecutive pairs of
// the newest n attitude samples. n below 2 is treated as 2.
func (e *Estimator) MeanAngularVelocity(n int) (float64, error) {
	rates, err := e.rates(n)
	if err != nil {
		return 0, err
	}
	return stat.Mean(rates, nil), nil
}

// MeanAcceleration returns the mean acceleration magnitude over the newest
// n samples that carry acceleration.
func (e *Estimator) MeanAcceleration(n int) (float64, error) {
	var mags []float64
	for _, s := range e.buf.Latest(n) {
		if a, ok := s.Accel(); ok {
			mags = append(mags, r3.Norm(a))
		}
	}
	if len(mags) == 0 {
		return 0, fmt.Errorf("acceleration: %w", ErrNoData)
	}
	return stat.Mean(mags, nil), nil
}

// VerticalAcceleration returns the vertical acceleration of the newest
// sample in g, gravity removed: 0 at rest, -1 in free fall.
func (e *Estimator) VerticalAcceleration() (float64, error) {
	s, ok := e.buf.Newest()
	if !ok {
		return 0, ErrNoData
	}
	a, ok := s.Accel()
	if !ok {
		return 0, fmt.Errorf("acceleration: %w", ErrNoData)
	}
	return a.Z, nil
}

// Distance returns the distance between the newest position estimate and
// target.
func (e *Estimator) Distance(target r3.Vec) (float64, error) {
	s, ok := e.buf.Newest()
	if !ok {
		return 0, ErrNoData
	}
	p, ok := s.Position()
	if !ok {
		return 0, fmt.Errorf("position: %w", ErrNoData)
	}
	return r3.Norm(r3.Sub(p, target)), nil
}

func (e *Estimator) relative() (orientation.Quaternion, error) {
	if !e.hasRef {
		return orientation.Quaternion{}, ErrNoReference
	}
	cur, err := e.currentAttitude()
	if err != nil {
		return orientation.Quaternion{}, err
	}
	return orientation.Between(e.reference, cur), nil
}

func (e *Estimator) currentAttitude() (orientation.Quaternion, error) {
	s, ok := e.buf.Newest()
	if !ok {
		return orientation.Quaternion{}, ErrNoData
	}
	q, ok := s.Attitude()
	if !ok {
		return orientation.Quaternion{}, fmt.Errorf("attitude: %w", ErrNoData)
	}
	return q, nil
}

// rates returns the per-pair rotation rates over the newest n samples.
func (e *Estimator) rates(n int) ([]float64, error) {
	if n < 2 {
		n = 2
	}
	samples := e.buf.Latest(n)
	if len(samples) < 2 {
		return nil, fmt.Errorf("%w: have %d, need 2", ErrInsufficientSamples, len(samples))
	}

	rates := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		prev, curr := samples[i-1], samples[i]
		pq, ok1 := prev.Attitude()
		cq, ok2 := curr.Attitude()
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: sample without attitude", ErrInsufficientSamples)
		}
		dt := curr.Timestamp - prev.Timestamp
		if dt <= 0 {
			return nil, fmt.Errorf("%w: %.6fs -> %.6fs", ErrNonMonotonicTime, prev.Timestamp, curr.Timestamp)
		}
		rates = append(rates, orientation.Between(pq, cq).Angle()/dt)
	}
	return rates, nil
}
