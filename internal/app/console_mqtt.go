package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/haptic_feedback/internal/config"
	"github.com/relabs-tech/haptic_feedback/internal/guard"
	"github.com/relabs-tech/haptic_feedback/internal/link"
)

// RunConsoleMQTT prints the status and parameter traffic of every vehicle.
func RunConsoleMQTT() error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}
	if cfg.MQTTBroker == "" {
		return errors.New("MQTT_BROKER is required")
	}

	client, err := link.Connect(cfg.MQTTBroker, cfg.MQTTClientID+"-console")
	if err != nil {
		return err
	}

	// Subscribe to status of all vehicles
	statusTopic := cfg.TopicPrefix + "/+/" + link.StatusTopic
	token := client.Subscribe(statusTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		printStatus(os.Stdout, msg.Payload())
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("console: subscribed to %s", statusTopic)

	// Subscribe to parameter writes
	paramTopic := cfg.TopicPrefix + "/+/" + link.ParamTopic
	token = client.Subscribe(paramTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		printParam(os.Stdout, msg.Topic(), msg.Payload())
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("console: subscribed to %s", paramTopic)

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}

func printStatus(w io.Writer, payload []byte) {
	var st guard.Status
	if err := json.Unmarshal(payload, &st); err != nil {
		log.Printf("console: status unmarshal error: %v", err)
		return
	}

	flags := ""
	if !st.Valid {
		flags = " NO-DATA"
	} else if st.Held {
		flags = " HELD"
	}
	if st.Flight != "" {
		flags += " FLIGHT:" + strings.ToUpper(st.Flight)
	}
	power := fmt.Sprintf("%5d", st.Power)
	if st.Power < 0 {
		power = "    -"
	}
	fmt.Fprintf(w, "[%-4s] %-13s cycle=%6d value=%8.2f power=%s%s\n",
		st.Vehicle, strings.ToUpper(st.State.String()), st.Cycle, st.Value, power, flags)
	if st.Err != "" {
		fmt.Fprintf(w, "[%-4s] error: %s\n", st.Vehicle, st.Err)
	}
}

func printParam(w io.Writer, topic string, payload []byte) {
	var p link.Param
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Printf("console: param unmarshal error: %v", err)
		return
	}
	vehicle := topic
	if parts := strings.Split(topic, "/"); len(parts) >= 3 {
		vehicle = parts[len(parts)-2]
	}
	fmt.Fprintf(w, "[%-4s] SET %s=%d\n", vehicle, p.Name, p.Value)
}
