package telemetry

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/haptic_feedback/internal/orientation"
)

func timestamps(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Timestamp
	}
	return out
}

func TestBufferKeepsMostRecent(t *testing.T) {
	b := NewBuffer(5)
	for i := 1; i <= 8; i++ {
		b.Push(QuaternionSample(float64(i), orientation.Identity))
	}

	assert.Equal(t, 5, b.Len())
	assert.Equal(t, []float64{4, 5, 6, 7, 8}, timestamps(b.Latest(5)))
	assert.Equal(t, []float64{4, 5, 6, 7, 8}, timestamps(b.Latest(100)))
	assert.Equal(t, []float64{7, 8}, timestamps(b.Latest(2)))
	assert.Equal(t, uint64(8), b.Generation())
}

func TestBufferEmpty(t *testing.T) {
	b := NewBuffer(3)

	_, ok := b.Newest()
	assert.False(t, ok)
	assert.Empty(t, b.Latest(3))
	assert.Empty(t, b.Latest(0))
	assert.Equal(t, uint64(0), b.Generation())
}

func TestBufferPartialHistory(t *testing.T) {
	b := NewBuffer(4)
	b.Push(MotionSample(1))
	b.Push(MotionSample(2))

	assert.Equal(t, []float64{1, 2}, timestamps(b.Latest(4)))

	newest, ok := b.Newest()
	require.True(t, ok)
	assert.Equal(t, 2.0, newest.Timestamp)
}

func TestBufferLatestIsACopy(t *testing.T) {
	b := NewBuffer(2)
	b.Push(MotionSample(1))
	view := b.Latest(2)

	b.Push(MotionSample(2))
	b.Push(MotionSample(3))

	assert.Equal(t, []float64{1}, timestamps(view))
}

func TestBufferMinimumCapacity(t *testing.T) {
	b := NewBuffer(0)
	assert.Equal(t, 1, b.Cap())

	b.Push(MotionSample(1))
	b.Push(MotionSample(2))
	assert.Equal(t, []float64{2}, timestamps(b.Latest(5)))
}

func TestBufferRenormalizesDrift(t *testing.T) {
	b := NewBuffer(2)
	b.Push(QuaternionSample(1, orientation.Quaternion{W: 1.1}))

	s, ok := b.Newest()
	require.True(t, ok)
	q, ok := s.Attitude()
	require.True(t, ok)
	assert.InDelta(t, 1.0, q.Norm(), 1e-12)
}

func TestBufferKeepsSmallDrift(t *testing.T) {
	b := NewBuffer(2)
	in := orientation.Quaternion{W: 1.0005}
	b.Push(QuaternionSample(1, in))

	s, _ := b.Newest()
	q, _ := s.Attitude()
	assert.Equal(t, in, q)
}

func TestBufferDropsInvalid(t *testing.T) {
	b := NewBuffer(2)
	b.Push(QuaternionSample(1, orientation.Quaternion{}))
	b.Push(QuaternionSample(math.NaN(), orientation.Identity))
	b.Push(EulerSample(2, orientation.Pose{Roll: math.Inf(1)}))

	assert.Equal(t, 0, b.Len())
	assert.Equal(t, uint64(3), b.Dropped())
	assert.Equal(t, uint64(0), b.Generation())
}

func TestSampleAttitudeFromEuler(t *testing.T) {
	s := EulerSample(1, orientation.Pose{Yaw: 90})
	assert.Equal(t, EulerAttitude, s.Kind())

	q, ok := s.Attitude()
	require.True(t, ok)
	assert.InDelta(t, 90.0, q.Angle(), 1e-9)

	p, ok := s.Euler()
	require.True(t, ok)
	assert.Equal(t, 90.0, p.Yaw)
}

func TestSampleOptionalFields(t *testing.T) {
	base := MotionSample(3)
	_, ok := base.Attitude()
	assert.False(t, ok)
	_, ok = base.Accel()
	assert.False(t, ok)

	withAccel := base.WithAccel(r3.Vec{X: 1})
	a, ok := withAccel.Accel()
	require.True(t, ok)
	assert.Equal(t, 1.0, a.X)

	// The original is unchanged.
	_, ok = base.Accel()
	assert.False(t, ok)

	p, ok := withAccel.WithPosition(r3.Vec{Z: 2}).Position()
	require.True(t, ok)
	assert.Equal(t, 2.0, p.Z)
}

func TestBufferConcurrentProducer(t *testing.T) {
	b := NewBuffer(16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Push(MotionSample(float64(i)))
		}
	}()

	for i := 0; i < 100; i++ {
		got := b.Latest(16)
		for j := 1; j < len(got); j++ {
			assert.Less(t, got[j-1].Timestamp, got[j].Timestamp)
		}
	}
	wg.Wait()

	assert.Equal(t, uint64(1000), b.Generation())
	assert.Equal(t, 999.0, timestamps(b.Latest(1))[0])
}
