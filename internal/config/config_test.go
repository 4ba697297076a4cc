package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader("# nothing set\n\n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, LinkSim, cfg.Link)
	assert.Equal(t, []int{1, 2, 3, 4}, cfg.Motors)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback_config.txt")
	content := `
# two vehicles over the bridge
MQTT_BROKER=tcp://localhost:1883
TOPIC_PREFIX=/lab/
VEHICLES = cf1, cf2
LINK=MQTT
MODE=proximity
TARGET_X=1.5
TARGET_Z=-0.25
MIN_POWER=0
MAX_POWER=20000
MAX_MAGNITUDE=0.5
EXPONENT=1
INVERT=yes
MOTORS=1,3
TRIGGER_THRESHOLD=0.3
TRIGGER_BELOW=true
TRIGGER_RESPONSE_MS=2000
TRIGGER_EFFECT=7
SESSION_DURATION_S=30
ZERO_ON_ARM=0
ESTOP_PIN=GPIO17
TRACE_DB=trace.db
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lab", cfg.TopicPrefix)
	assert.Equal(t, []string{"cf1", "cf2"}, cfg.Vehicles)
	assert.Equal(t, LinkMQTT, cfg.Link)
	assert.Equal(t, "proximity", cfg.Mode)
	assert.Equal(t, 1.5, cfg.TargetX)
	assert.Equal(t, -0.25, cfg.TargetZ)
	assert.Equal(t, 0, cfg.MinPower)
	assert.True(t, cfg.Invert)
	assert.Equal(t, []int{1, 3}, cfg.Motors)
	assert.Equal(t, 0.3, cfg.TriggerThreshold)
	assert.True(t, cfg.TriggerBelow)
	assert.Equal(t, 2000, cfg.TriggerResponseMS)
	assert.Equal(t, 7, cfg.TriggerEffect)
	assert.Equal(t, 30.0, cfg.SessionDurationS)
	assert.False(t, cfg.ZeroOnArm)
	assert.Equal(t, "GPIO17", cfg.EStopPin)
	assert.Equal(t, "trace.db", cfg.TraceDB)
}

func TestLoadFlight(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`MODE=vertical
TRIGGER_THRESHOLD=-0.9
TRIGGER_BELOW=1
FLIGHT_HOLD_MS=1500
FLIGHT_LAND_MS=3000
SIM_SERIAL_PORT=/dev/pts/4
`))
	require.NoError(t, err)
	assert.Equal(t, "vertical", cfg.Mode)
	assert.Equal(t, 1500, cfg.FlightHoldMS)
	assert.Equal(t, 3000, cfg.FlightLandMS)
	assert.Equal(t, "/dev/pts/4", cfg.SimSerialPort)
	assert.Equal(t, 4000, Default().FlightLandMS)
	assert.Zero(t, Default().FlightHoldMS)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.txt"))
	assert.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no equals", "MODE tilt", "invalid config line 1"},
		{"unknown key", "COLOR=red", "unknown config key"},
		{"bad int", "MIN_POWER=lots", "invalid MIN_POWER"},
		{"bad bool", "INVERT=maybe", "invalid INVERT"},
		{"bad motor", "MOTORS=1,x", "invalid MOTORS"},
		{"bad mode", "MODE=hover", "MODE"},
		{"bad link", "LINK=radio", "LINK must be"},
		{"mqtt needs broker", "LINK=mqtt", "MQTT_BROKER is required"},
		{"serial single vehicle", "LINK=serial\nVEHICLES=cf1,cf2", "exactly one vehicle"},
		{"no vehicles", "VEHICLES=", "VEHICLES is required"},
		{"duplicate vehicle", "VEHICLES=cf1,cf1", "listed twice"},
		{"topic chars", "VEHICLES=cf/1", "topic characters"},
		{"window", "SAMPLE_WINDOW=0", "SAMPLE_WINDOW"},
		{"smoothing", "SAMPLE_WINDOW=4\nSMOOTHING_SAMPLES=5", "SMOOTHING_SAMPLES"},
		{"period", "CYCLE_PERIOD_MS=0", "CYCLE_PERIOD_MS"},
		{"negative duration", "SESSION_DURATION_S=-1", "must not be negative"},
		{"negative hold", "FLIGHT_HOLD_MS=-5", "FLIGHT_HOLD_MS"},
		{"zero land", "FLIGHT_LAND_MS=0", "FLIGHT_LAND_MS must be positive"},
		{"flight without trigger", "FLIGHT_HOLD_MS=2000", "needs a TRIGGER_THRESHOLD"},
		{"flight and pulse", "TRIGGER_THRESHOLD=1\nTRIGGER_RESPONSE_MS=100\nFLIGHT_HOLD_MS=2000", "exclusive"},
		{"bad hold", "FLIGHT_HOLD_MS=soon", "invalid FLIGHT_HOLD_MS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGlobal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback_config.txt")
	require.NoError(t, os.WriteFile(path, []byte("VEHICLES=cf7\n"), 0o644))

	require.NoError(t, InitGlobal(path))
	require.NotNil(t, Get())
	assert.Equal(t, []string{"cf7"}, Get().Vehicles)

	// Later calls keep the first configuration.
	require.NoError(t, InitGlobal(filepath.Join(t.TempDir(), "absent.txt")))
	assert.Equal(t, []string{"cf7"}, Get().Vehicles)
}
