package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/haptic_feedback/internal/config"
	"github.com/relabs-tech/haptic_feedback/internal/guard"
	"github.com/relabs-tech/haptic_feedback/internal/link"
)

// displayPage is how long each vehicle stays on screen.
const displayPage = 2 * time.Second

// RunDisplay shows the status of each vehicle in turn on an SSD1306 panel.
func RunDisplay() error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}
	if cfg.MQTTBroker == "" {
		return errors.New("MQTT_BROKER is required")
	}

	// Initialize periph
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	// Open I2C bus; "" picks the first one
	bus, err := i2creg.Open(cfg.DisplayI2CBus)
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	defer dev.Halt()
	log.Println("display: initialized")

	if err := drawImage(dev, renderSplash()); err != nil {
		log.Printf("display: error showing splash: %v", err)
	}

	client, err := link.Connect(cfg.MQTTBroker, cfg.MQTTClientID+"-display")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	hub := newStatusHub()
	topic := cfg.TopicPrefix + "/+/" + link.StatusTopic
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var st guard.Status
		if err := json.Unmarshal(msg.Payload(), &st); err != nil {
			log.Printf("display: status unmarshal error: %v", err)
			return
		}
		hub.update(st)
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}

	interval := time.Duration(cfg.DisplayUpdateInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Println("display: starting update loop")

	var (
		page      int
		pageStart = time.Now()
	)
	for range ticker.C {
		statuses := hub.snapshot()
		if time.Since(pageStart) >= displayPage {
			page++
			pageStart = time.Now()
		}

		var img *image1bit.VerticalLSB
		if len(statuses) == 0 {
			img = renderStatus(guard.Status{}, false)
		} else {
			img = renderStatus(statuses[page%len(statuses)], true)
		}
		if err := drawImage(dev, img); err != nil {
			log.Printf("display: error updating display: %v", err)
		}
	}
	return nil
}

func drawImage(dev *ssd1306.Dev, img image.Image) error {
	return dev.Draw(dev.Bounds(), img, image.Point{})
}

// canvas is a blank 128x64 frame with a 7x13 font drawer.
func canvas() (*image1bit.VerticalLSB, *font.Drawer) {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, 128, 64))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	return img, drawer
}

func drawLine(d *font.Drawer, x, y int, s string) {
	d.Dot = fixed.P(x, y)
	d.DrawString(s)
}

func renderStatus(st guard.Status, have bool) *image1bit.VerticalLSB {
	img, d := canvas()
	if !have {
		drawLine(d, 0, 26, "Feedback")
		drawLine(d, 0, 39, "Waiting...")
		return img
	}

	drawLine(d, 0, 13, fmt.Sprintf("%s %s", st.Vehicle, strings.ToUpper(st.State.String())))
	if st.Valid {
		value := fmt.Sprintf("V: %8.2f", st.Value)
		if st.Held {
			value += " H"
		}
		drawLine(d, 0, 26, value)
	} else {
		drawLine(d, 0, 26, "V: no data")
	}
	switch {
	case st.Flight != "":
		drawLine(d, 0, 39, "F: "+strings.ToUpper(st.Flight))
	case st.Power >= 0:
		drawLine(d, 0, 39, fmt.Sprintf("P: %6d", st.Power))
	}
	drawLine(d, 0, 52, fmt.Sprintf("C: %6d", st.Cycle))
	return img
}

func renderSplash() *image1bit.VerticalLSB {
	img, d := canvas()
	drawLine(d, 10, 26, "Haptic Pi")
	drawLine(d, 5, 43, "Motor feedback")
	return img
}
