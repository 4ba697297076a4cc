package link

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/haptic_feedback/internal/estimator"
	"github.com/relabs-tech/haptic_feedback/internal/guard"
	"github.com/relabs-tech/haptic_feedback/internal/orientation"
	"github.com/relabs-tech/haptic_feedback/internal/response"
	"github.com/relabs-tech/haptic_feedback/internal/telemetry"
	"github.com/relabs-tech/haptic_feedback/internal/timeutil"
)

type fixedSource orientation.Pose

func (f fixedSource) Next() (orientation.Pose, error) { return orientation.Pose(f), nil }

func TestSimSample(t *testing.T) {
	clock := timeutil.NewManualClock(time.Unix(1000, 0))
	pose := orientation.Pose{Roll: 25, Pitch: -40, Yaw: 120}
	sim := NewSim(fixedSource(pose), clock)

	clock.Advance(1500 * time.Millisecond)
	s, err := sim.Sample()
	require.NoError(t, err)
	assert.InDelta(t, 1.5, s.Timestamp, 1e-9)

	q, ok := s.Attitude()
	require.True(t, ok)
	got := q.Pose()
	assert.InDelta(t, pose.Roll, got.Roll, 1e-9)
	assert.InDelta(t, pose.Yaw, got.Yaw, 1e-9)

	// Attitude changes alone do not register as acceleration.
	a, ok := s.Accel()
	require.True(t, ok)
	assert.Equal(t, r3.Vec{}, a)
}

func TestSimStillVehicleDoesNotShake(t *testing.T) {
	clock := timeutil.NewManualClock(time.Unix(0, 0))
	sim := NewSim(fixedSource{Roll: 5, Pitch: -3}, clock)
	buf := telemetry.NewBuffer(8)
	for i := 0; i < 4; i++ {
		clock.Advance(50 * time.Millisecond)
		s, err := sim.Sample()
		require.NoError(t, err)
		buf.Push(s)
	}

	shake, err := estimator.New(buf).Signal(estimator.ModeShake, estimator.Options{Samples: 4})
	require.NoError(t, err)
	v, err := shake.Value()
	require.NoError(t, err)
	assert.InDelta(t, 0.0, v, 1e-12)
	curve := response.Curve{MinPower: 0, MaxPower: 60000, MaxMagnitude: 0.5, Exponent: 1}
	assert.Equal(t, 0, curve.Power(v))
}

func TestSimImpulse(t *testing.T) {
	clock := timeutil.NewManualClock(time.Unix(0, 0))
	sim := NewSim(fixedSource{}, clock)
	sim.Impulse(r3.Vec{Z: -1}, 100*time.Millisecond)

	clock.Advance(50 * time.Millisecond)
	s, err := sim.Sample()
	require.NoError(t, err)
	a, _ := s.Accel()
	assert.Equal(t, -1.0, a.Z)

	clock.Advance(50 * time.Millisecond)
	s, err = sim.Sample()
	require.NoError(t, err)
	a, _ = s.Accel()
	assert.Equal(t, r3.Vec{}, a)
}

func TestSimRunAndParams(t *testing.T) {
	clock := timeutil.NewManualClock(time.Unix(0, 0))
	sim := NewSim(fixedSource{}, clock)
	buf := telemetry.NewBuffer(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx, 50*time.Millisecond, buf.Push) }()

	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)
	clock.Advance(50 * time.Millisecond)
	require.Eventually(t, func() bool { return buf.Len() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	a := NewActuator(sim)
	require.NoError(t, a.SetEnabled(context.Background(), true))
	require.NoError(t, a.Command(context.Background(), guard.Uniform(guard.DefaultMotors, 3000)))

	v, ok := sim.Param(MotorParam(4))
	require.True(t, ok)
	assert.Equal(t, 3000, v)
	assert.Len(t, sim.Writes(), 5)

	hop := guard.FlightCommand{Kind: guard.FlightGoTo, Duration: 2 * time.Second, Relative: true}
	require.NoError(t, a.Fly(context.Background(), hop))
	assert.Equal(t, []guard.FlightCommand{hop}, sim.Flights())

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	assert.Error(t, sim.WriteParam(cancelled, ParamEnable, 0))
	assert.Error(t, sim.WriteFlight(cancelled, hop))
}
