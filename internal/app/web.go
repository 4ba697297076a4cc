// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/haptic_feedback/internal/config"
	"github.com/relabs-tech/haptic_feedback/internal/guard"
	"github.com/relabs-tech/haptic_feedback/internal/link"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is sent by browser clients.
type WSMessage struct {
	Action  string `json:"action"` // rezero, reset_trigger
	Vehicle string `json:"vehicle"`
}

// WSResponse is pushed to browser clients.
type WSResponse struct {
	Type    string        `json:"type"` // status, ack, error
	Status  *guard.Status `json:"status,omitempty"`
	Message string        `json:"message,omitempty"`
}

// statusHub keeps the latest status per vehicle and streams updates to
// websocket clients.
type statusHub struct {
	mu      sync.RWMutex
	latest  map[string]guard.Status
	clients map[chan guard.Status]struct{}
}

func newStatusHub() *statusHub {
	return &statusHub{
		latest:  make(map[string]guard.Status),
		clients: make(map[chan guard.Status]struct{}),
	}
}

func (h *statusHub) update(st guard.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[st.Vehicle] = st
	for ch := range h.clients {
		select {
		case ch <- st:
		default: // slow client, it catches up on the next status
		}
	}
}

func (h *statusHub) snapshot() []guard.Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]guard.Status, 0, len(h.latest))
	for _, st := range h.latest {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Vehicle < out[j].Vehicle })
	return out
}

func (h *statusHub) get(vehicle string) (guard.Status, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.latest[vehicle]
	return st, ok
}

func (h *statusHub) subscribe() chan guard.Status {
	ch := make(chan guard.Status, 32)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *statusHub) unsubscribe(ch chan guard.Status) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// RunWeb serves vehicle status from MQTT as JSON and over a websocket, and
// forwards operator requests from the browser back to the loops.
func RunWeb() error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}
	if cfg.MQTTBroker == "" {
		return errors.New("MQTT_BROKER is required")
	}

	client, err := link.Connect(cfg.MQTTBroker, cfg.MQTTClientID+"-web")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	hub := newStatusHub()
	topic := cfg.TopicPrefix + "/+/" + link.StatusTopic
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var st guard.Status
		if err := json.Unmarshal(msg.Payload(), &st); err != nil {
			log.Printf("web: status unmarshal error: %v", err)
			return
		}
		hub.update(st)
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("web: subscribed to %s", topic)

	control := func(c link.Control) error {
		return link.PublishControl(context.Background(), client, cfg.TopicPrefix, c)
	}

	mux := newWebMux(hub, control)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	addr := fmt.Sprintf(":%d", cfg.WebServerPort)
	log.Printf("web: server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

func newWebMux(hub *statusHub, control func(link.Control) error) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, hub.snapshot())
	})

	mux.HandleFunc("GET /api/status/{vehicle}", func(w http.ResponseWriter, r *http.Request) {
		st, ok := hub.get(r.PathValue("vehicle"))
		if !ok {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, st)
	})

	mux.HandleFunc("/ws/status", func(w http.ResponseWriter, r *http.Request) {
		handleStatusWS(w, r, hub, control)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: json encode error: %v", err)
	}
}

func handleStatusWS(w http.ResponseWriter, r *http.Request, hub *statusHub, control func(link.Control) error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	updates := hub.subscribe()
	defer hub.unsubscribe(updates)

	// gorilla connections allow one concurrent writer.
	var wmu sync.Mutex
	send := func(resp WSResponse) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(resp)
	}

	for _, st := range hub.snapshot() {
		if err := send(WSResponse{Type: "status", Status: &st}); err != nil {
			return
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case st := <-updates:
				if err := send(WSResponse{Type: "status", Status: &st}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("web: websocket read error: %v", err)
			}
			return
		}

		if err := send(controlReply(msg, control)); err != nil {
			log.Printf("web: websocket write error: %v", err)
			return
		}
	}
}

// controlReply forwards a websocket action to the vehicle and builds the
// answer for the client.
func controlReply(msg WSMessage, control func(link.Control) error) WSResponse {
	switch msg.Action {
	case link.ActionRezero, link.ActionResetTrigger:
	default:
		return WSResponse{Type: "error", Message: fmt.Sprintf("unknown action %q", msg.Action)}
	}
	if msg.Vehicle == "" {
		return WSResponse{Type: "error", Message: "vehicle is required"}
	}
	if err := control(link.Control{Action: msg.Action, Vehicle: msg.Vehicle}); err != nil {
		return WSResponse{Type: "error", Message: err.Error()}
	}
	return WSResponse{Type: "ack", Message: msg.Action + " sent to " + msg.Vehicle}
}
