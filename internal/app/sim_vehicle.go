package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/haptic_feedback/internal/config"
	"github.com/relabs-tech/haptic_feedback/internal/guard"
	"github.com/relabs-tech/haptic_feedback/internal/link"
	"github.com/relabs-tech/haptic_feedback/internal/orientation"
	"github.com/relabs-tech/haptic_feedback/internal/telemetry"
	"github.com/relabs-tech/haptic_feedback/internal/timeutil"
)

// RunSimVehicle plays every configured vehicle on the MQTT bridge: it
// publishes mock telemetry and applies the parameter writes and flight
// commands it receives. With SIM_SERIAL_PORT set it plays the single
// vehicle on the far end of a serial line instead. Run it next to
// feedback to exercise the whole path without hardware.
func RunSimVehicle() error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	period := time.Duration(cfg.CyclePeriodMS) * time.Millisecond
	if cfg.SimSerialPort != "" {
		port, err := link.OpenSerial(cfg.SimSerialPort, uint(cfg.SerialBaud))
		if err != nil {
			return err
		}
		defer port.Close()
		sim := link.NewSim(orientation.NewMockSource(), timeutil.RealClock{})
		go readSimInput(os.Stdin, []*link.Sim{sim}, stop)
		log.Printf("sim_vehicle: %s on serial %s", cfg.Vehicles[0], cfg.SimSerialPort)
		return link.ServeSerial(ctx, port, sim, period)
	}

	if cfg.MQTTBroker == "" {
		return errors.New("MQTT_BROKER or SIM_SERIAL_PORT is required")
	}
	client, err := link.Connect(cfg.MQTTBroker, cfg.MQTTClientID+"-sim")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	g, ctx := errgroup.WithContext(ctx)
	var sims []*link.Sim
	for _, name := range cfg.Vehicles {
		sim := link.NewSim(orientation.NewMockSource(), timeutil.RealClock{})
		if err := serveSimVehicle(ctx, client, cfg.TopicPrefix, name, sim); err != nil {
			return err
		}
		sims = append(sims, sim)
		g.Go(func() error {
			return sim.Run(ctx, period, publishFrame(client, cfg.TopicPrefix, name))
		})
		log.Printf("sim_vehicle: %s publishing on %s", name, link.Topic(cfg.TopicPrefix, name, link.TelemetryTopic))
	}
	go readSimInput(os.Stdin, sims, stop)
	return g.Wait()
}

// Operator impulses, gravity removed.
var (
	dropImpulse  = r3.Vec{Z: -1}
	throwImpulse = r3.Vec{Z: 1.5}
)

const (
	dropDuration  = 300 * time.Millisecond
	throwDuration = 200 * time.Millisecond
)

// readSimInput lets the operator drop or throw every simulated vehicle.
func readSimInput(in io.Reader, sims []*link.Sim, quit context.CancelFunc) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "d":
			for _, sim := range sims {
				sim.Impulse(dropImpulse, dropDuration)
			}
			log.Printf("sim_vehicle: dropped")
		case "t":
			for _, sim := range sims {
				sim.Impulse(throwImpulse, throwDuration)
			}
			log.Printf("sim_vehicle: thrown")
		case "q":
			quit()
			return
		default:
			fmt.Println("d: drop   t: throw   q: stop")
		}
	}
}

// serveSimVehicle applies parameter writes addressed to name.
func serveSimVehicle(ctx context.Context, broker link.Broker, prefix, name string, sim *link.Sim) error {
	topic := link.Topic(prefix, name, link.ParamTopic)
	token := broker.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var p link.Param
		if err := json.Unmarshal(msg.Payload(), &p); err != nil {
			log.Printf("sim_vehicle[%s]: param unmarshal error: %v", name, err)
			return
		}
		prev, _ := sim.Param(p.Name)
		if err := sim.WriteParam(ctx, p.Name, p.Value); err != nil {
			return
		}
		switch p.Name {
		case link.ParamEnable:
			if p.Value != prev {
				log.Printf("sim_vehicle[%s]: motor power control %s", name, onOff(p.Value))
			}
		case link.ParamSoundEffect:
			log.Printf("sim_vehicle[%s]: playing sound effect %d", name, p.Value)
		}
	})
	if err := link.Await(ctx, token, link.DefaultTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	topic = link.Topic(prefix, name, link.FlightTopic)
	token = broker.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var cmd guard.FlightCommand
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			log.Printf("sim_vehicle[%s]: flight unmarshal error: %v", name, err)
			return
		}
		if err := sim.WriteFlight(ctx, cmd); err != nil {
			return
		}
		switch cmd.Kind {
		case guard.FlightGoTo:
			log.Printf("sim_vehicle[%s]: taking off", name)
		case guard.FlightLand:
			log.Printf("sim_vehicle[%s]: landing", name)
		}
	})
	if err := link.Await(ctx, token, link.DefaultTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func publishFrame(broker link.Broker, prefix, name string) func(telemetry.Sample) {
	topic := link.Topic(prefix, name, link.TelemetryTopic)
	return func(s telemetry.Sample) {
		payload, err := json.Marshal(link.FrameFromSample(s))
		if err != nil {
			log.Printf("sim_vehicle[%s]: frame marshal error: %v", name, err)
			return
		}
		// Telemetry is best effort, like the vehicle's log stream.
		broker.Publish(topic, 0, false, payload)
	}
}

func onOff(v int) string {
	if v != 0 {
		return "on"
	}
	return "off"
}
