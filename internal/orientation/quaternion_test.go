package orientation

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tolerance = 1e-9

func TestWrapDegrees(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{180, 180},
		{-180, 180},
		{190, -170},
		{-190, 170},
		{540, 180},
		{359, -1},
		{-720, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, WrapDegrees(tt.in), tolerance, "WrapDegrees(%v)", tt.in)
	}
}

func TestPoseRoundTrip(t *testing.T) {
	poses := []Pose{
		{0, 0, 0},
		{10, 20, 30},
		{-45, 10, 170},
		{120, -60, -135},
		{179, 5, -179},
	}
	for _, p := range poses {
		got := FromPose(p).Pose()
		assert.InDelta(t, p.Roll, got.Roll, 1e-6, "roll for %+v", p)
		assert.InDelta(t, p.Pitch, got.Pitch, 1e-6, "pitch for %+v", p)
		assert.InDelta(t, p.Yaw, got.Yaw, 1e-6, "yaw for %+v", p)
	}
}

func TestFromPoseIsUnit(t *testing.T) {
	q := FromPose(Pose{Roll: 33, Pitch: -71, Yaw: 250})
	assert.InDelta(t, 1.0, q.Norm(), tolerance)
}

func TestAngle(t *testing.T) {
	assert.InDelta(t, 0.0, Identity.Angle(), tolerance)
	assert.InDelta(t, 90.0, AxisAngle(0, 0, 1, 90).Angle(), 1e-9)
	assert.InDelta(t, 180.0, AxisAngle(1, 1, 0, 180).Angle(), 1e-9)

	// 270° one way is 90° the other way.
	assert.InDelta(t, 90.0, AxisAngle(0, 1, 0, 270).Angle(), 1e-9)

	// Double cover: -q is the same rotation.
	q := AxisAngle(1, 0, 0, 30)
	neg := Quaternion{W: -q.W, X: -q.X, Y: -q.Y, Z: -q.Z}
	assert.InDelta(t, 30.0, neg.Angle(), 1e-9)
}

func TestBetweenComposes(t *testing.T) {
	ref := FromPose(Pose{Roll: 10, Pitch: 20, Yaw: 30})
	delta := AxisAngle(0.3, -0.2, 0.9, 45)
	cur := ref.Mul(delta)

	rel := Between(ref, cur)
	assert.InDelta(t, 45.0, rel.Angle(), 1e-9)
}

func TestYawAcrossWrap(t *testing.T) {
	// Raw Euler differencing would give 270°; the actual rotation is 90°.
	ref := FromPose(Pose{Yaw: 170})
	cur := FromPose(Pose{Yaw: -100})

	rel := Between(ref, cur)
	assert.InDelta(t, 90.0, rel.Angle(), 1e-9)
	assert.InDelta(t, 90.0, rel.Pose().Yaw, 1e-9)
}

func TestNormalize(t *testing.T) {
	q, ok := Quaternion{W: 2}.Normalize()
	require.True(t, ok)
	assert.Equal(t, Identity, q)

	_, ok = Quaternion{}.Normalize()
	assert.False(t, ok)

	_, ok = Quaternion{W: math.NaN()}.Normalize()
	assert.False(t, ok)
}

func TestInverseUndoes(t *testing.T) {
	q := FromPose(Pose{Roll: -30, Pitch: 45, Yaw: 100})
	id := q.Mul(q.Inverse())
	assert.InDelta(t, 0.0, id.Angle(), 1e-6)
	assert.InDelta(t, q.Conj().W, q.Inverse().W, tolerance)
}

func TestMockSourceIsSmooth(t *testing.T) {
	start := time.Unix(0, 0)
	now := start
	src := newMockSourceAt(start, func() time.Time { return now })

	p0, err := src.Next()
	require.NoError(t, err)
	assert.InDelta(t, 15.0, p0.Pitch, tolerance)

	now = now.Add(10 * time.Millisecond)
	p1, err := src.Next()
	require.NoError(t, err)
	assert.Less(t, math.Abs(p1.Roll-p0.Roll), 1.0)
}
