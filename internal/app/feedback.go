// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/haptic_feedback/internal/config"
	"github.com/relabs-tech/haptic_feedback/internal/estimator"
	"github.com/relabs-tech/haptic_feedback/internal/estop"
	"github.com/relabs-tech/haptic_feedback/internal/guard"
	"github.com/relabs-tech/haptic_feedback/internal/link"
	"github.com/relabs-tech/haptic_feedback/internal/orientation"
	"github.com/relabs-tech/haptic_feedback/internal/response"
	"github.com/relabs-tech/haptic_feedback/internal/telemetry"
	"github.com/relabs-tech/haptic_feedback/internal/timeutil"
	"github.com/relabs-tech/haptic_feedback/internal/trace"
)

// vehicle is the pipeline of one peer: telemetry buffer, link and loop.
type vehicle struct {
	name   string
	buf    *telemetry.Buffer
	guard  *guard.Guard
	writer link.ParamWriter

	// recv delivers telemetry until its context ends or close is called.
	recv  func(ctx context.Context) error
	close func() error
}

func (v *vehicle) shutdown() {
	if v.close == nil {
		return
	}
	if err := v.close(); err != nil {
		log.Printf("feedback[%s]: closing link: %v", v.name, err)
	}
}

// RunFeedback runs one control loop per configured vehicle until every
// session ends, Ctrl+C is pressed, or the e-stop button is pushed.
// Pressing Enter re-zeroes the reference pose; "r" re-arms a latched
// trigger; "q" stops.
func RunFeedback() error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runFeedback(ctx, cfg, os.Stdin)
}

func runFeedback(ctx context.Context, cfg *config.Config, in io.Reader) error {
	mode, err := estimator.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	gcfg, err := guardConfig(cfg, mode)
	if err != nil {
		return err
	}

	var client mqtt.Client
	if cfg.MQTTBroker != "" {
		client, err = link.Connect(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
	}

	// Sinks outlive the loops so the shutdown statuses are still delivered.
	sinkCtx, stopSinks := context.WithCancel(context.WithoutCancel(ctx))
	var sinks errgroup.Group
	observers := []func(guard.Status){logTransitions()}

	if client != nil {
		pub := link.NewStatusPublisher(client, cfg.TopicPrefix, 64)
		observers = append(observers, pub.Observe)
		sinks.Go(func() error { return pub.Run(sinkCtx) })
	}
	if cfg.TraceDB != "" {
		store, err := trace.Open(cfg.TraceDB)
		if err != nil {
			stopSinks()
			return fmt.Errorf("open trace: %w", err)
		}
		defer store.Close()
		rec := trace.NewRecorder(store, 256)
		observers = append(observers, rec.Observe)
		sinks.Go(func() error { return rec.Run(sinkCtx) })
		log.Printf("feedback: recording sessions to %s", cfg.TraceDB)
	}
	defer func() {
		stopSinks()
		if err := sinks.Wait(); err != nil {
			log.Printf("feedback: sink error: %v", err)
		}
	}()
	observe := fanOut(observers...)

	var vehicles []*vehicle
	ready := false
	defer func() {
		if ready {
			return
		}
		for _, v := range vehicles {
			v.shutdown()
		}
	}()
	for _, name := range cfg.Vehicles {
		v, err := newVehicle(ctx, cfg, gcfg, mode, name, client, observe)
		if err != nil {
			return fmt.Errorf("vehicle %s: %w", name, err)
		}
		vehicles = append(vehicles, v)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.EStopPin != "" {
		btn, err := estop.Open(cfg.EStopPin)
		if err != nil {
			return err
		}
		if btn.Pressed() {
			return fmt.Errorf("e-stop on %s is engaged, release it to start", cfg.EStopPin)
		}
		go btn.Watch(ctx, cancel)
		log.Printf("feedback: e-stop armed on %s", cfg.EStopPin)
	}

	if client != nil {
		for _, v := range vehicles {
			gd := v.guard
			err := link.SubscribeControl(ctx, client, cfg.TopicPrefix, v.name, func(c link.Control) {
				applyControl(gd, c.Action)
			})
			if err != nil {
				return err
			}
		}
	}

	go readOperatorInput(in, vehicles, cancel)

	ready = true
	g, gctx := errgroup.WithContext(ctx)
	for _, v := range vehicles {
		vctx, vcancel := context.WithCancel(gctx)
		g.Go(func() error {
			err := v.guard.Run(gctx)
			vcancel()
			v.shutdown()
			return err
		})
		if v.recv != nil {
			g.Go(func() error { return v.recv(vctx) })
		}
	}
	log.Printf("feedback: %d vehicle(s) running, mode %s, link %s", len(vehicles), mode, cfg.Link)
	return g.Wait()
}

func newVehicle(ctx context.Context, cfg *config.Config, gcfg guard.Config, mode estimator.Mode,
	name string, client link.Broker, observe func(guard.Status)) (*vehicle, error) {

	buf := telemetry.NewBuffer(cfg.SampleWindow)
	sig, err := estimator.New(buf).Signal(mode, signalOptions(cfg))
	if err != nil {
		return nil, err
	}

	v := &vehicle{name: name, buf: buf}
	switch cfg.Link {
	case config.LinkMQTT:
		l := link.NewMQTT(client, cfg.TopicPrefix, name, buf)
		if err := l.Start(ctx); err != nil {
			return nil, err
		}
		v.writer = l
	case config.LinkSerial:
		rw, err := link.OpenSerial(cfg.SerialPort, uint(cfg.SerialBaud))
		if err != nil {
			return nil, err
		}
		l := link.NewSerial(rw, buf)
		v.writer, v.recv, v.close = l, l.Run, l.Close
	case config.LinkSim:
		sim := link.NewSim(orientation.NewMockSource(), timeutil.RealClock{})
		period := gcfg.Period
		v.writer = sim
		v.recv = func(ctx context.Context) error { return sim.Run(ctx, period, buf.Push) }
	default:
		return nil, fmt.Errorf("unknown link %q", cfg.Link)
	}

	v.guard, err = guard.New(name, gcfg, sig, link.NewActuator(v.writer), guard.WithObserver(observe))
	if err != nil {
		v.shutdown()
		return nil, err
	}
	return v, nil
}

func guardConfig(cfg *config.Config, mode estimator.Mode) (guard.Config, error) {
	gcfg := guard.Config{
		Period: time.Duration(cfg.CyclePeriodMS) * time.Millisecond,
		Motors: cfg.Motors,
		Curve: response.Curve{
			MinPower:     cfg.MinPower,
			MaxPower:     cfg.MaxPower,
			MaxMagnitude: cfg.MaxMagnitude,
			Exponent:     cfg.Exponent,
			Invert:       cfg.Invert,
		},
		Trigger: guard.Trigger{
			Enabled:   cfg.TriggerThreshold != 0,
			Threshold: cfg.TriggerThreshold,
			Below:     cfg.TriggerBelow,
			Response:  time.Duration(cfg.TriggerResponseMS) * time.Millisecond,
			Effect:    cfg.TriggerEffect,
		},
		SessionDuration: time.Duration(cfg.SessionDurationS * float64(time.Second)),
		ZeroOnArm:       cfg.ZeroOnArm && mode.NeedsReference(),
	}
	if cfg.FlightHoldMS > 0 {
		gcfg.Trigger.Flight = &guard.Flight{
			Hold: time.Duration(cfg.FlightHoldMS) * time.Millisecond,
			Land: time.Duration(cfg.FlightLandMS) * time.Millisecond,
		}
	}
	return gcfg, gcfg.Validate()
}

func signalOptions(cfg *config.Config) estimator.Options {
	return estimator.Options{
		Samples: cfg.SmoothingSamples,
		Target:  r3.Vec{X: cfg.TargetX, Y: cfg.TargetY, Z: cfg.TargetZ},
	}
}

func applyControl(g *guard.Guard, action string) {
	switch action {
	case link.ActionRezero:
		g.Rezero()
	case link.ActionResetTrigger:
		g.ResetTrigger()
	default:
		log.Printf("feedback[%s]: unknown control action %q", g.Name(), action)
	}
}

func readOperatorInput(in io.Reader, vehicles []*vehicle, quit context.CancelFunc) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		action := ""
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "":
			action = link.ActionRezero
		case "r":
			action = link.ActionResetTrigger
		case "q":
			quit()
			return
		default:
			fmt.Println("Enter: re-zero   r: reset trigger   q: stop")
			continue
		}
		for _, v := range vehicles {
			applyControl(v.guard, action)
		}
	}
}

func fanOut(fns ...func(guard.Status)) func(guard.Status) {
	return func(st guard.Status) {
		for _, fn := range fns {
			fn(st)
		}
	}
}

// logTransitions logs every state change of every vehicle.
func logTransitions() func(guard.Status) {
	var (
		mu   sync.Mutex
		last = make(map[string]guard.State)
	)
	return func(st guard.Status) {
		mu.Lock()
		prev, seen := last[st.Vehicle]
		last[st.Vehicle] = st.State
		mu.Unlock()

		if seen && prev == st.State {
			return
		}
		log.Printf("feedback[%s]: %s (value %.2f, cycle %d)", st.Vehicle, st.State, st.Value, st.Cycle)
	}
}
