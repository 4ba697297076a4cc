package main

import (
	"flag"
	"log"

	"github.com/relabs-tech/haptic_feedback/internal/app"
	"github.com/relabs-tech/haptic_feedback/internal/config"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	log.Println("starting haptic feedback console (MQTT subscriber)")

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunConsoleMQTT(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
