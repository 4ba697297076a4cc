package link

import (
	"encoding/json"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/haptic_feedback/internal/orientation"
	"github.com/relabs-tech/haptic_feedback/internal/telemetry"
)

// ErrBadFrame is returned for telemetry frames that cannot become a sample.
var ErrBadFrame = errors.New("malformed telemetry frame")

// Frame is the JSON telemetry message published by a vehicle bridge. Every
// group (quaternion, Euler, acceleration, position) is optional but must be
// complete when present. Timestamp is in milliseconds, as logged by the
// vehicle.
type Frame struct {
	Timestamp int64 `json:"timestamp"`

	QW *float64 `json:"qw,omitempty"`
	QX *float64 `json:"qx,omitempty"`
	QY *float64 `json:"qy,omitempty"`
	QZ *float64 `json:"qz,omitempty"`

	Roll  *float64 `json:"roll,omitempty"`
	Pitch *float64 `json:"pitch,omitempty"`
	Yaw   *float64 `json:"yaw,omitempty"`

	AX *float64 `json:"ax,omitempty"`
	AY *float64 `json:"ay,omitempty"`
	AZ *float64 `json:"az,omitempty"`

	X *float64 `json:"x,omitempty"`
	Y *float64 `json:"y,omitempty"`
	Z *float64 `json:"z,omitempty"`
}

// DecodeFrame parses a JSON frame into a sample.
func DecodeFrame(payload []byte) (telemetry.Sample, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return telemetry.Sample{}, fmt.Errorf("%w: %w", ErrBadFrame, err)
	}
	return f.Sample()
}

// Sample converts f. A quaternion takes precedence over Euler angles when
// both are present.
func (f Frame) Sample() (telemetry.Sample, error) {
	ts := float64(f.Timestamp) / 1000

	var s telemetry.Sample
	q, hasQuat, err := group4(f.QW, f.QX, f.QY, f.QZ)
	if err != nil {
		return s, fmt.Errorf("%w: quaternion: %w", ErrBadFrame, err)
	}
	e, hasEuler, err := group3(f.Roll, f.Pitch, f.Yaw)
	if err != nil {
		return s, fmt.Errorf("%w: euler: %w", ErrBadFrame, err)
	}
	switch {
	case hasQuat:
		s = telemetry.QuaternionSample(ts, orientation.Quaternion{W: q[0], X: q[1], Y: q[2], Z: q[3]})
	case hasEuler:
		s = telemetry.EulerSample(ts, orientation.Pose{Roll: e.X, Pitch: e.Y, Yaw: e.Z})
	default:
		s = telemetry.MotionSample(ts)
	}

	a, ok, err := group3(f.AX, f.AY, f.AZ)
	if err != nil {
		return s, fmt.Errorf("%w: acceleration: %w", ErrBadFrame, err)
	}
	if ok {
		s = s.WithAccel(a)
	}
	p, ok, err := group3(f.X, f.Y, f.Z)
	if err != nil {
		return s, fmt.Errorf("%w: position: %w", ErrBadFrame, err)
	}
	if ok {
		s = s.WithPosition(p)
	}
	return s, nil
}

// FrameFromSample is the inverse of Frame.Sample.
func FrameFromSample(s telemetry.Sample) Frame {
	f := Frame{Timestamp: int64(s.Timestamp*1000 + 0.5)}
	switch s.Kind() {
	case telemetry.QuaternionAttitude:
		q, _ := s.Attitude()
		f.QW, f.QX, f.QY, f.QZ = &q.W, &q.X, &q.Y, &q.Z
	case telemetry.EulerAttitude:
		p, _ := s.Euler()
		f.Roll, f.Pitch, f.Yaw = &p.Roll, &p.Pitch, &p.Yaw
	}
	if a, ok := s.Accel(); ok {
		f.AX, f.AY, f.AZ = &a.X, &a.Y, &a.Z
	}
	if p, ok := s.Position(); ok {
		f.X, f.Y, f.Z = &p.X, &p.Y, &p.Z
	}
	return f
}

func group3(a, b, c *float64) (r3.Vec, bool, error) {
	switch {
	case a == nil && b == nil && c == nil:
		return r3.Vec{}, false, nil
	case a == nil || b == nil || c == nil:
		return r3.Vec{}, false, errors.New("incomplete group")
	}
	return r3.Vec{X: *a, Y: *b, Z: *c}, true, nil
}

func group4(a, b, c, d *float64) ([4]float64, bool, error) {
	switch {
	case a == nil && b == nil && c == nil && d == nil:
		return [4]float64{}, false, nil
	case a == nil || b == nil || c == nil || d == nil:
		return [4]float64{}, false, errors.New("incomplete group")
	}
	return [4]float64{*a, *b, *c, *d}, true, nil
}
