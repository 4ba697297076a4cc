// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/haptic_feedback/internal/guard"
	"github.com/relabs-tech/haptic_feedback/internal/telemetry"
)

// Topic kinds under <prefix>/<vehicle>/.
const (
	TelemetryTopic = "telemetry"
	ParamTopic     = "param"
	StatusTopic    = "status"
	ControlTopic   = "control"
	FlightTopic    = "flight"
)

// DefaultTimeout bounds subscribe and publish acknowledgements.
const DefaultTimeout = 2 * time.Second

// Topic returns <prefix>/<vehicle>/<kind>.
func Topic(prefix, vehicle, kind string) string {
	return prefix + "/" + vehicle + "/" + kind
}

// Broker is the part of mqtt.Client the links use.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Connect dials an MQTT broker.
func Connect(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to %s: %w", broker, token.Error())
	}
	log.Printf("link: connected to MQTT broker at %s as %s", broker, clientID)
	return client, nil
}

// Await waits for token until timeout or ctx ends.
func Await(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timed out waiting for broker")
	}
}

// MQTT is the link to one vehicle through an MQTT bridge. Telemetry frames
// arriving on <prefix>/<vehicle>/telemetry are pushed into the buffer;
// parameter writes go out as JSON on <prefix>/<vehicle>/param.
type MQTT struct {
	broker  Broker
	vehicle string
	prefix  string
	buf     *telemetry.Buffer
	timeout time.Duration

	mu       sync.Mutex
	lastErr  string
	rejected uint64
}

// NewMQTT returns a link for vehicle. Call Start to receive telemetry.
func NewMQTT(broker Broker, prefix, vehicle string, buf *telemetry.Buffer) *MQTT {
	return &MQTT{
		broker:  broker,
		vehicle: vehicle,
		prefix:  prefix,
		buf:     buf,
		timeout: DefaultTimeout,
	}
}

// Start subscribes to the vehicle's telemetry topic.
func (l *MQTT) Start(ctx context.Context) error {
	topic := Topic(l.prefix, l.vehicle, TelemetryTopic)
	if err := Await(ctx, l.broker.Subscribe(topic, 0, l.handle), l.timeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	log.Printf("link[%s]: subscribed to %s", l.vehicle, topic)
	return nil
}

// Rejected returns how many telemetry messages could not be decoded.
func (l *MQTT) Rejected() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejected
}

func (l *MQTT) handle(_ mqtt.Client, msg mqtt.Message) {
	s, err := DecodeFrame(msg.Payload())
	if err != nil {
		l.mu.Lock()
		l.rejected++
		repeat := err.Error() == l.lastErr
		l.lastErr = err.Error()
		l.mu.Unlock()
		if !repeat {
			log.Printf("link[%s]: %v", l.vehicle, err)
		}
		return
	}
	l.buf.Push(s)
}

// WriteParam publishes one parameter write at QoS 1 and waits for the
// broker to acknowledge it.
func (l *MQTT) WriteParam(ctx context.Context, name string, value int) error {
	payload, err := json.Marshal(Param{Name: name, Value: value})
	if err != nil {
		return err
	}
	topic := Topic(l.prefix, l.vehicle, ParamTopic)
	if err := Await(ctx, l.broker.Publish(topic, 1, false, payload), l.timeout); err != nil {
		return fmt.Errorf("publish %s=%d: %w", name, value, err)
	}
	return nil
}

// WriteFlight publishes a flight command at QoS 1 and waits for the broker
// to acknowledge it.
func (l *MQTT) WriteFlight(ctx context.Context, cmd guard.FlightCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	topic := Topic(l.prefix, l.vehicle, FlightTopic)
	if err := Await(ctx, l.broker.Publish(topic, 1, false, payload), l.timeout); err != nil {
		return fmt.Errorf("publish %s: %w", cmd.Kind, err)
	}
	return nil
}

// Control actions accepted on <prefix>/<vehicle>/control.
const (
	ActionRezero       = "rezero"
	ActionResetTrigger = "reset_trigger"
)

// Control is an operator request for a running control loop.
type Control struct {
	Action  string `json:"action"`
	Vehicle string `json:"vehicle,omitempty"`
}

// SubscribeControl calls fn for every control request sent to vehicle.
func SubscribeControl(ctx context.Context, broker Broker, prefix, vehicle string, fn func(Control)) error {
	topic := Topic(prefix, vehicle, ControlTopic)
	token := broker.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var c Control
		if err := json.Unmarshal(msg.Payload(), &c); err != nil {
			log.Printf("link[%s]: control unmarshal error: %v", vehicle, err)
			return
		}
		c.Vehicle = vehicle
		fn(c)
	})
	if err := Await(ctx, token, DefaultTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// PublishControl sends a control request to vehicle.
func PublishControl(ctx context.Context, broker Broker, prefix string, c Control) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return Await(ctx, broker.Publish(Topic(prefix, c.Vehicle, ControlTopic), 1, false, payload), DefaultTimeout)
}
