// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package estimator

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mode selects which feedback magnitude drives the motors.
type Mode int

const (
	// ModeTilt is the total rotation away from the reference pose (deg).
	ModeTilt Mode = iota
	// ModeAxes is the mean of |roll| and |pitch| away from the reference (deg).
	ModeAxes
	// ModeSpin is the smoothed rotation rate (deg/s).
	ModeSpin
	// ModeShake is the smoothed acceleration magnitude (g).
	ModeShake
	// ModeProximity is the distance to a target point (m).
	ModeProximity
	// ModeVertical is the vertical acceleration with gravity removed (g).
	// Free fall reads -1, a throw reads well above 0.
	ModeVertical
)

var modeNames = map[Mode]string{
	ModeTilt:      "tilt",
	ModeAxes:      "axes",
	ModeSpin:      "spin",
	ModeShake:     "shake",
	ModeProximity: "proximity",
	ModeVertical:  "vertical",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// NeedsReference reports whether the mode measures against a reference pose.
func (m Mode) NeedsReference() bool {
	return m == ModeTilt || m == ModeAxes
}

// ParseMode parses a mode name as used in configuration files.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Options tune the signals built by Signal.
type Options struct {
	// Samples is the smoothing window for spin and shake. Values below 2
	// fall back to 2 for spin and 1 for shake.
	Samples int
	// Target is the proximity target.
	Target r3.Vec
}

// Reader is a feedback magnitude read by the control loop. Generation
// changes whenever the underlying telemetry does.
type Reader interface {
	Generation() uint64
	Value() (float64, error)
}

// Signal is the Reader built for a mode.
type Signal struct {
	est  *Estimator
	read func() (float64, error)
}

// Generation reports the telemetry generation the value is derived from.
func (s *Signal) Generation() uint64 { return s.est.buf.Generation() }

// Value computes the current magnitude.
func (s *Signal) Value() (float64, error) { return s.read() }

// ReferencedSignal is a Signal measured against the estimator's reference
// pose. SetReference re-zeroes it at the newest attitude.
type ReferencedSignal struct {
	Signal
}

// SetReference captures the newest attitude as the reference pose.
func (s *ReferencedSignal) SetReference() error { return s.est.SetReference() }

// ClearReference forgets the reference pose until the next SetReference.
func (s *ReferencedSignal) ClearReference() { s.est.ClearReference() }

// Signal builds the feedback signal for mode. Tilt and axes return a
// *ReferencedSignal; the others a *Signal.
func (e *Estimator) Signal(mode Mode, opts Options) (Reader, error) {
	switch mode {
	case ModeTilt:
		return &ReferencedSignal{Signal{est: e, read: e.Displacement}}, nil
	case ModeAxes:
		return &ReferencedSignal{Signal{est: e, read: func() (float64, error) {
			p, err := e.AxisDisplacement()
			if err != nil {
				return 0, err
			}
			return (math.Abs(p.Roll) + math.Abs(p.Pitch)) / 2, nil
		}}}, nil
	case ModeSpin:
		n := opts.Samples
		return &Signal{est: e, read: func() (float64, error) { return e.MeanAngularVelocity(n) }}, nil
	case ModeShake:
		n := opts.Samples
		if n < 1 {
			n = 1
		}
		return &Signal{est: e, read: func() (float64, error) { return e.MeanAcceleration(n) }}, nil
	case ModeProximity:
		target := opts.Target
		return &Signal{est: e, read: func() (float64, error) { return e.Distance(target) }}, nil
	case ModeVertical:
		return &Signal{est: e, read: e.VerticalAcceleration}, nil
	default:
		return nil, fmt.Errorf("unsupported mode %v", mode)
	}
}
