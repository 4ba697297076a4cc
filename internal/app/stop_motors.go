package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/haptic_feedback/internal/config"
	"github.com/relabs-tech/haptic_feedback/internal/link"
	"github.com/relabs-tech/haptic_feedback/internal/telemetry"
)

const stopTimeout = 5 * time.Second

// RunStopMotors zeroes and disables the motors of every configured vehicle
// and exits. It is the recovery tool for a host that died mid-session.
func RunStopMotors() error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	switch cfg.Link {
	case config.LinkMQTT:
		client, err := link.Connect(cfg.MQTTBroker, cfg.MQTTClientID+"-stop")
		if err != nil {
			return err
		}
		defer client.Disconnect(250)

		var errs []error
		for _, name := range cfg.Vehicles {
			l := link.NewMQTT(client, cfg.TopicPrefix, name, telemetry.NewBuffer(1))
			errs = append(errs, stopVehicle(ctx, name, l, cfg.Motors))
		}
		return errors.Join(errs...)

	case config.LinkSerial:
		rw, err := link.OpenSerial(cfg.SerialPort, uint(cfg.SerialBaud))
		if err != nil {
			return err
		}
		l := link.NewSerial(rw, telemetry.NewBuffer(1))
		defer l.Close()
		return stopVehicle(ctx, cfg.Vehicles[0], l, cfg.Motors)

	default:
		log.Printf("stop_motors: LINK=%s has no hardware to stop", cfg.Link)
		return nil
	}
}

func stopVehicle(ctx context.Context, name string, w link.ParamWriter, motors []int) error {
	if err := link.StopMotors(ctx, w, motors); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	log.Printf("stop_motors: %s motors at zero and disabled", name)
	return nil
}
