// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package guard runs the feedback control loop for one vehicle. It arms the
// motors, turns the feedback signal into a power command every cycle and
// latches the trigger. Whatever happens, the motors end at zero and
// disabled.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/haptic_feedback/internal/timeutil"
)

const defaultShutdownTimeout = 2 * time.Second

type request int

type flightPhase int

const (
	noFlight flightPhase = iota
	holding
	landing
)

func (p flightPhase) String() string {
	switch p {
	case holding:
		return "hold"
	case landing:
		return "land"
	}
	return ""
}

const (
	reqResetTrigger request = iota
	reqRezero
)

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces the real clock, for tests.
func WithClock(c timeutil.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithObserver registers fn to receive a Status on every cycle and state
// transition. fn runs on the control loop and must not block.
func WithObserver(fn func(Status)) Option {
	return func(g *Guard) { g.observer = fn }
}

// Guard is the control loop of one vehicle. Only the goroutine inside Run
// touches the loop state; other goroutines talk to it through ResetTrigger
// and Rezero.
type Guard struct {
	name     string
	cfg      Config
	sig      Signal
	act      Actuator
	clock    timeutil.Clock
	observer func(Status)
	requests chan request
	running  atomic.Bool

	// Owned by Run.
	state       State
	session     string
	cycle       uint64
	startedAt   time.Time
	triggeredAt time.Time
	lastGen     uint64
	haveGen     bool
	value       float64
	valid       bool
	held        bool
	lastErr     string
	pendingZero bool
	released    bool
	phase       flightPhase
	phaseAt     time.Time
}

// New validates cfg and returns an idle guard.
func New(name string, cfg Config, sig Signal, act Actuator, opts ...Option) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sig == nil || act == nil {
		return nil, errors.New("guard: signal and actuator are required")
	}
	if _, ok := act.(Flyer); cfg.Trigger.Flight != nil && !ok {
		return nil, errors.New("guard: flight response needs an actuator that can fly")
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.Motors = append([]int(nil), cfg.Motors...)

	g := &Guard{
		name:     name,
		cfg:      cfg,
		sig:      sig,
		act:      act,
		clock:    timeutil.RealClock{},
		requests: make(chan request, 8),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Name returns the vehicle name the guard was created with.
func (g *Guard) Name() string { return g.name }

// ResetTrigger asks the loop to leave Triggered and re-arm the trigger.
func (g *Guard) ResetTrigger() { g.send(reqResetTrigger) }

// Rezero asks the loop to capture the current attitude as the reference pose.
func (g *Guard) Rezero() { g.send(reqRezero) }

func (g *Guard) send(r request) {
	select {
	case g.requests <- r:
	default:
		log.Printf("guard[%s]: request queue full, dropping request", g.name)
	}
}

// Run arms the actuator and runs the control loop until ctx is cancelled,
// the triggered response or flight completes, the session duration
// elapses, or the actuator fails. Whatever the exit path, the last command sent is all-zero
// and the actuator is disabled exactly once. Cancellation returns nil;
// actuator failures return an error wrapping ErrActuator. A finished guard
// can be Run again.
func (g *Guard) Run(ctx context.Context) (err error) {
	if !g.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer g.running.Store(false)

	g.begin()
	defer func() {
		if serr := g.shutdown(ctx); serr != nil && err == nil {
			err = serr
		}
	}()

	if err := g.arm(ctx); err != nil {
		return err
	}

	ticker := g.clock.NewTicker(g.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("guard[%s]: cancelled", g.name)
			return nil
		case r := <-g.requests:
			g.handle(r)
		case <-ticker.C():
			done, err := g.step(ctx)
			if err != nil || done {
				return err
			}
		}
	}
}

func (g *Guard) begin() {
	g.state = Idle
	g.session = uuid.NewString()
	g.cycle = 0
	g.startedAt = g.clock.Now()
	g.triggeredAt = time.Time{}
	g.haveGen = false
	g.valid = false
	g.held = false
	g.value = 0
	g.lastErr = ""
	g.pendingZero = false
	g.released = false
	g.phase = noFlight

	// Requests made while idle do not carry over into a new session.
	for {
		select {
		case <-g.requests:
		default:
			return
		}
	}
}

func (g *Guard) arm(ctx context.Context) error {
	if err := g.act.SetEnabled(ctx, true); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: enable: %w", ErrActuator, err)
	}
	g.setState(Armed)
	log.Printf("guard[%s]: armed, session %s", g.name, g.session)

	if g.cfg.ZeroOnArm {
		// A pose captured in an earlier session must not drive this one.
		if ref, ok := g.sig.(Referencer); ok {
			ref.ClearReference()
		}
		g.pendingZero = true
		g.tryZero()
	}
	return nil
}

// step runs one control cycle. done reports that the session is over.
func (g *Guard) step(ctx context.Context) (done bool, err error) {
	now := g.clock.Now()
	g.cycle++

	if g.pendingZero {
		g.tryZero()
	}
	g.sample()

	if g.state == Armed && g.valid && g.cfg.Trigger.fires(g.value) {
		if err := g.trigger(ctx, now); err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			log.Printf("guard[%s]: %v", g.name, err)
			return true, err
		}
	}

	if g.released {
		done, err := g.fly(ctx, now)
		if err != nil {
			return true, err
		}
		g.publish(0, now)
		if done {
			return true, nil
		}
	} else {
		power := 0
		if g.valid {
			power = g.cfg.Curve.Power(g.value)
		}

		if ctx.Err() != nil {
			return true, nil
		}
		if err := g.act.Command(ctx, Uniform(g.cfg.Motors, power)); err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			log.Printf("guard[%s]: actuator command failed: %v", g.name, err)
			return true, fmt.Errorf("%w: command: %w", ErrActuator, err)
		}
		g.publish(power, now)

		if g.state == Triggered && g.cfg.Trigger.Response > 0 && now.Sub(g.triggeredAt) >= g.cfg.Trigger.Response {
			log.Printf("guard[%s]: triggered response complete", g.name)
			return true, nil
		}
	}

	if g.cfg.SessionDuration > 0 && now.Sub(g.startedAt) >= g.cfg.SessionDuration {
		log.Printf("guard[%s]: session duration %v elapsed", g.name, g.cfg.SessionDuration)
		return true, nil
	}
	return false, nil
}

// fly advances the flight response. done reports that the vehicle landed.
func (g *Guard) fly(ctx context.Context, now time.Time) (done bool, err error) {
	f := g.cfg.Trigger.Flight
	switch g.phase {
	case holding:
		if now.Sub(g.phaseAt) < f.Hold {
			return false, nil
		}
		if err := g.land(ctx); err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("%w: land: %w", ErrActuator, err)
		}
		g.phaseAt = now
	case landing:
		if now.Sub(g.phaseAt) >= f.Land {
			log.Printf("guard[%s]: landed", g.name)
			return true, nil
		}
	}
	return false, nil
}

// sample refreshes the feedback value. When the signal generation has not
// moved since the last good value, that value is reused. Errors keep the
// last good value, or leave the loop without one.
func (g *Guard) sample() {
	gen := g.sig.Generation()
	if g.valid && g.haveGen && gen == g.lastGen {
		g.held = true
		return
	}

	v, err := g.sig.Value()
	if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
		err = fmt.Errorf("non-finite feedback value %v", v)
	}
	if err != nil {
		g.held = g.valid
		if msg := err.Error(); msg != g.lastErr {
			g.lastErr = msg
			if g.valid {
				log.Printf("guard[%s]: %v (holding %.2f)", g.name, err, g.value)
			} else {
				log.Printf("guard[%s]: %v (motors at zero)", g.name, err)
			}
		}
		return
	}

	if g.lastErr != "" {
		log.Printf("guard[%s]: feedback recovered", g.name)
		g.lastErr = ""
	}
	g.lastGen = gen
	g.haveGen = true
	g.value = v
	g.valid = true
	g.held = false
}

func (g *Guard) trigger(ctx context.Context, now time.Time) error {
	g.triggeredAt = now
	g.setState(Triggered)
	log.Printf("guard[%s]: triggered at %.2f (threshold %.2f)", g.name, g.value, g.cfg.Trigger.Threshold)

	if fx, ok := g.act.(Effector); ok && g.cfg.Trigger.Effect != 0 {
		if err := fx.Effect(ctx, g.cfg.Trigger.Effect); err != nil {
			log.Printf("guard[%s]: effect %d failed: %v", g.name, g.cfg.Trigger.Effect, err)
		}
	}

	if g.cfg.Trigger.Flight != nil {
		return g.takeOff(ctx, now)
	}
	return nil
}

// takeOff releases the motors and asks the vehicle to hold its position.
func (g *Guard) takeOff(ctx context.Context, now time.Time) error {
	if err := g.release(ctx); err != nil {
		return err
	}
	hold := FlightCommand{Kind: FlightGoTo, Duration: g.cfg.Trigger.Flight.Hold, Relative: true}
	if err := g.act.(Flyer).Fly(ctx, hold); err != nil {
		return fmt.Errorf("%w: flight: %w", ErrActuator, err)
	}
	g.phase, g.phaseAt = holding, now
	log.Printf("guard[%s]: motors released, holding position for %v", g.name, g.cfg.Trigger.Flight.Hold)
	return nil
}

// release zeroes and disables direct motor power so the flight controller
// drives the motors again. It counts as the session's one disable.
func (g *Guard) release(ctx context.Context) error {
	if err := g.act.Command(ctx, Zero(g.cfg.Motors)); err != nil {
		return fmt.Errorf("%w: release: %w", ErrActuator, err)
	}
	if err := g.act.SetEnabled(ctx, false); err != nil {
		return fmt.Errorf("%w: release: %w", ErrActuator, err)
	}
	g.released = true
	return nil
}

func (g *Guard) land(ctx context.Context) error {
	cmd := FlightCommand{Kind: FlightLand, Duration: g.cfg.Trigger.Flight.Land}
	if err := g.act.(Flyer).Fly(ctx, cmd); err != nil {
		return err
	}
	g.phase = landing
	log.Printf("guard[%s]: landing over %v", g.name, g.cfg.Trigger.Flight.Land)
	return nil
}

func (g *Guard) handle(r request) {
	switch r {
	case reqResetTrigger:
		if g.released {
			log.Printf("guard[%s]: flight in progress, trigger stays latched", g.name)
			return
		}
		if g.state == Triggered {
			g.setState(Armed)
			log.Printf("guard[%s]: trigger reset", g.name)
		}
	case reqRezero:
		g.pendingZero = true
		g.tryZero()
	}
}

func (g *Guard) tryZero() {
	ref, ok := g.sig.(Referencer)
	if !ok {
		g.pendingZero = false
		return
	}
	if err := ref.SetReference(); err != nil {
		if msg := err.Error(); msg != g.lastErr {
			g.lastErr = msg
			log.Printf("guard[%s]: reference pose not captured yet: %v", g.name, err)
		}
		return
	}
	g.pendingZero = false
	g.haveGen = false
	log.Printf("guard[%s]: reference pose captured", g.name)
}

// shutdown drives the loop to Idle through ShuttingDown. It uses a context
// detached from parent so the neutral command still goes out after
// cancellation.
func (g *Guard) shutdown(parent context.Context) error {
	g.setState(ShuttingDown)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), g.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	// A vehicle still holding position is never left hovering.
	if g.phase == holding {
		if err := g.land(ctx); err != nil {
			errs = append(errs, fmt.Errorf("land: %w", err))
		}
	}
	if err := g.act.Command(ctx, Zero(g.cfg.Motors)); err != nil {
		errs = append(errs, fmt.Errorf("zero command: %w", err))
	}
	if !g.released {
		if err := g.act.SetEnabled(ctx, false); err != nil {
			errs = append(errs, fmt.Errorf("disable: %w", err))
		}
	}

	g.valid = false
	g.publish(0, g.clock.Now())
	g.setState(Idle)
	log.Printf("guard[%s]: motors stopped, session %s closed", g.name, g.session)

	if len(errs) > 0 {
		return fmt.Errorf("%w: shutdown: %w", ErrActuator, errors.Join(errs...))
	}
	return nil
}

func (g *Guard) setState(s State) {
	if g.state == s {
		return
	}
	g.state = s
	g.publish(-1, g.clock.Now())
}

// publish reports the loop to the observer. power < 0 marks a transition
// without a command.
func (g *Guard) publish(power int, now time.Time) {
	if g.observer == nil {
		return
	}
	st := Status{
		Vehicle: g.name,
		Session: g.session,
		State:   g.state,
		Cycle:   g.cycle,
		Value:   g.value,
		Valid:   g.valid,
		Held:    g.held,
		Power:   power,
		Time:    now,
		Flight:  g.phase.String(),
		Err:     g.lastErr,
	}
	g.observer(st)
}
