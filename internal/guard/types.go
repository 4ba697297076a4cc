// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package guard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/relabs-tech/haptic_feedback/internal/response"
)

// State is the control loop state.
type State int

const (
	Idle State = iota
	Armed
	Triggered
	ShuttingDown
)

var stateNames = [...]string{"idle", "armed", "triggered", "shutting_down"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", name)
}

// PowerCommand maps motor id to power level.
type PowerCommand map[int]int

// Uniform returns a command driving every motor at power.
func Uniform(motors []int, power int) PowerCommand {
	cmd := make(PowerCommand, len(motors))
	for _, m := range motors {
		cmd[m] = power
	}
	return cmd
}

// Zero returns the neutral command for motors.
func Zero(motors []int) PowerCommand { return Uniform(motors, 0) }

// IsZero reports whether every motor is at zero power.
func (c PowerCommand) IsZero() bool {
	for _, p := range c {
		if p != 0 {
			return false
		}
	}
	return true
}

// Motors returns the motor ids of c in ascending order.
func (c PowerCommand) Motors() []int {
	ids := make([]int, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Actuator is the outbound side of the device link.
type Actuator interface {
	// SetEnabled toggles direct motor power control on the vehicle.
	SetEnabled(ctx context.Context, enabled bool) error
	// Command sets motor power levels.
	Command(ctx context.Context, cmd PowerCommand) error
}

// Effector is implemented by actuators that can play a vehicle effect
// (buzzer tune, LED pattern) when the trigger fires.
type Effector interface {
	Effect(ctx context.Context, id int) error
}

// Signal is the feedback magnitude the loop maps to power. Generation
// must change whenever fresh telemetry is available.
type Signal interface {
	Generation() uint64
	Value() (float64, error)
}

// Referencer is implemented by signals measured against a reference pose.
type Referencer interface {
	SetReference() error
	ClearReference()
}

// Flight command kinds, as understood by the vehicle's high-level commander.
const (
	FlightGoTo = "go_to"
	FlightLand = "land"
)

// FlightCommand is a high-level setpoint flown by the vehicle's own
// controller. Go-to targets are relative to the current position when
// Relative is set; a land command descends to Z.
type FlightCommand struct {
	Kind     string        `json:"kind"`
	X        float64       `json:"x"`
	Y        float64       `json:"y"`
	Z        float64       `json:"z"`
	Yaw      float64       `json:"yaw"`
	Duration time.Duration `json:"duration"`
	Relative bool          `json:"relative,omitempty"`
}

// Flyer is implemented by actuators that can hand the vehicle over to its
// flight controller.
type Flyer interface {
	Fly(ctx context.Context, cmd FlightCommand) error
}

// Flight is a flight-command response to the trigger. The motors are
// released, the vehicle holds its position for Hold and then lands over
// Land.
type Flight struct {
	Hold time.Duration `json:"hold"`
	Land time.Duration `json:"land"`
}

var (
	// ErrActuator wraps failures of the actuator sink. They end the session.
	ErrActuator = errors.New("actuator failure")
	// ErrRunning is returned when Run is called on a guard that is running.
	ErrRunning = errors.New("guard already running")
)

// Trigger latches the loop into Triggered when the signal crosses Threshold.
type Trigger struct {
	Enabled   bool    `json:"enabled"`
	Threshold float64 `json:"threshold"`
	// Below fires when the value is at or below Threshold instead of at or
	// above it.
	Below bool `json:"below"`
	// Response is how long to keep commanding after firing before shutting
	// down. Zero keeps the loop Triggered until ResetTrigger or cancellation.
	Response time.Duration `json:"response"`
	// Effect is played once on the vehicle when the trigger fires; 0 is none.
	Effect int `json:"effect"`
	// Flight, when set, replaces the power response: firing hands the
	// vehicle to its flight controller and the session ends after landing.
	Flight *Flight `json:"flight,omitempty"`
}

func (t Trigger) fires(v float64) bool {
	if !t.Enabled {
		return false
	}
	if t.Below {
		return v <= t.Threshold
	}
	return v >= t.Threshold
}

// Config is fixed for the lifetime of a Guard.
type Config struct {
	Period          time.Duration
	Motors          []int
	Curve           response.Curve
	Trigger         Trigger
	SessionDuration time.Duration
	// ZeroOnArm captures the reference pose when the loop arms, for signals
	// that implement Referencer.
	ZeroOnArm bool
	// ShutdownTimeout bounds the final zero command and disable.
	ShutdownTimeout time.Duration
}

// DefaultMotors are the four rotors of a quadrotor.
var DefaultMotors = []int{1, 2, 3, 4}

// Validate reports configuration errors as response.ErrInvalidConfiguration.
func (c Config) Validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("%w: cycle period must be positive, got %v", response.ErrInvalidConfiguration, c.Period)
	}
	if len(c.Motors) == 0 {
		return fmt.Errorf("%w: no motors configured", response.ErrInvalidConfiguration)
	}
	seen := make(map[int]bool, len(c.Motors))
	for _, m := range c.Motors {
		if m < 1 {
			return fmt.Errorf("%w: motor id %d must be positive", response.ErrInvalidConfiguration, m)
		}
		if seen[m] {
			return fmt.Errorf("%w: duplicate motor id %d", response.ErrInvalidConfiguration, m)
		}
		seen[m] = true
	}
	if err := c.Curve.Validate(); err != nil {
		return err
	}
	if c.Trigger.Enabled && (math.IsNaN(c.Trigger.Threshold) || math.IsInf(c.Trigger.Threshold, 0)) {
		return fmt.Errorf("%w: trigger threshold must be finite", response.ErrInvalidConfiguration)
	}
	if c.Trigger.Response < 0 || c.SessionDuration < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", response.ErrInvalidConfiguration)
	}
	if f := c.Trigger.Flight; f != nil {
		if !c.Trigger.Enabled {
			return fmt.Errorf("%w: flight response needs an enabled trigger", response.ErrInvalidConfiguration)
		}
		if f.Hold <= 0 || f.Land <= 0 {
			return fmt.Errorf("%w: flight hold and land times must be positive", response.ErrInvalidConfiguration)
		}
		if c.Trigger.Response > 0 {
			return fmt.Errorf("%w: flight and triggered response time are exclusive", response.ErrInvalidConfiguration)
		}
	}
	return nil
}

// Status is a snapshot of one control cycle or state transition.
type Status struct {
	Vehicle string    `json:"vehicle"`
	Session string    `json:"session"`
	State   State     `json:"state"`
	Cycle   uint64    `json:"cycle"`
	Value   float64   `json:"value"`
	Valid   bool      `json:"valid"`
	Held    bool      `json:"held"`
	Power   int       `json:"power"`
	Time    time.Time `json:"time"`
	Flight  string    `json:"flight,omitempty"`
	Err     string    `json:"error,omitempty"`
}
