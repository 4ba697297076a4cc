package link

import (
	"context"
	"log"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/haptic_feedback/internal/guard"
	"github.com/relabs-tech/haptic_feedback/internal/orientation"
	"github.com/relabs-tech/haptic_feedback/internal/telemetry"
	"github.com/relabs-tech/haptic_feedback/internal/timeutil"
)

// Sim is a simulated vehicle. It produces telemetry from a pose source and
// records the parameters and flight commands sent to it, so the whole
// control path can run without hardware.
type Sim struct {
	src   orientation.Source
	clock timeutil.Clock
	start time.Time

	mu         sync.Mutex
	params     map[string]int
	writes     []Param
	flights    []guard.FlightCommand
	impulse    r3.Vec
	impulseEnd time.Time
}

// NewSim returns a simulated vehicle following src.
func NewSim(src orientation.Source, clock timeutil.Clock) *Sim {
	return &Sim{
		src:    src,
		clock:  clock,
		start:  clock.Now(),
		params: make(map[string]int),
	}
}

// Sample returns the vehicle's current telemetry: the pose as a quaternion
// and its acceleration in g with gravity removed, as the vehicle's state
// estimate reports it. A vehicle that is not moving reads zero.
func (s *Sim) Sample() (telemetry.Sample, error) {
	pose, err := s.src.Next()
	if err != nil {
		return telemetry.Sample{}, err
	}
	now := s.clock.Now()
	ts := now.Sub(s.start).Seconds()
	return telemetry.QuaternionSample(ts, orientation.FromPose(pose)).
		WithAccel(s.accel(now)), nil
}

// Impulse makes the vehicle report acceleration a (g, gravity removed)
// for d. {Z: -1} is a drop, a large positive Z a throw.
func (s *Sim) Impulse(a r3.Vec, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.impulse = a
	s.impulseEnd = s.clock.Now().Add(d)
}

func (s *Sim) accel(now time.Time) r3.Vec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.impulseEnd) {
		return s.impulse
	}
	return r3.Vec{}
}

// Run emits a sample every period until ctx ends.
func (s *Sim) Run(ctx context.Context, period time.Duration, emit func(telemetry.Sample)) error {
	ticker := s.clock.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			sample, err := s.Sample()
			if err != nil {
				return err
			}
			emit(sample)
		}
	}
}

// WriteParam records a parameter write.
func (s *Sim) WriteParam(ctx context.Context, name string, value int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[name] = value
	s.writes = append(s.writes, Param{Name: name, Value: value})
	return nil
}

// WriteFlight records a flight command.
func (s *Sim) WriteFlight(ctx context.Context, cmd guard.FlightCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.flights = append(s.flights, cmd)
	s.mu.Unlock()
	log.Printf("link: sim flight command %s over %v", cmd.Kind, cmd.Duration)
	return nil
}

// Param returns the last value written to name.
func (s *Sim) Param(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.params[name]
	return v, ok
}

// Writes returns every parameter write in order.
func (s *Sim) Writes() []Param {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Param(nil), s.writes...)
}

// Flights returns every flight command in order.
func (s *Sim) Flights() []guard.FlightCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]guard.FlightCommand(nil), s.flights...)
}
