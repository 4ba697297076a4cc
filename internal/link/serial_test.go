package link

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/haptic_feedback/internal/guard"
	"github.com/relabs-tech/haptic_feedback/internal/orientation"
	"github.com/relabs-tech/haptic_feedback/internal/telemetry"
	"github.com/relabs-tech/haptic_feedback/internal/timeutil"
)

func TestParseLineQuaternion(t *testing.T) {
	body := "CFTLM,2500,0.7071068,0.7071068,0,0,0.1,0.2,0.98,,,"
	line := "$" + body + "*" + nmea.Checksum(body)

	s, err := ParseLine(line)
	require.NoError(t, err)
	assert.Equal(t, 2.5, s.Timestamp)
	assert.Equal(t, telemetry.QuaternionAttitude, s.Kind())

	q, _ := s.Attitude()
	assert.InDelta(t, 90.0, q.Angle(), 1e-4)
	a, ok := s.Accel()
	require.True(t, ok)
	assert.Equal(t, r3.Vec{X: 0.1, Y: 0.2, Z: 0.98}, a)
	_, ok = s.Position()
	assert.False(t, ok)
}

func TestParseLineEuler(t *testing.T) {
	body := "CFEUL,100,10.5,-3,179"
	s, err := ParseLine("$" + body + "*" + nmea.Checksum(body) + "\r\n")
	require.NoError(t, err)

	p, ok := s.Euler()
	require.True(t, ok)
	assert.Equal(t, orientation.Pose{Roll: 10.5, Pitch: -3, Yaw: 179}, p)
	_, ok = s.Accel()
	assert.False(t, ok)
}

func TestParseLineErrors(t *testing.T) {
	_, err := ParseLine("$CFTLM,1000,1,0,0,0*00")
	assert.Error(t, err, "bad checksum")

	body := "CFTLM,1000,one,0,0,0"
	_, err = ParseLine("$" + body + "*" + nmea.Checksum(body))
	assert.Error(t, err)

	_, err = ParseLine(FormatParam(ParamEnable, 1))
	assert.ErrorContains(t, err, "not a telemetry sentence")
}

func TestFormatSampleParses(t *testing.T) {
	in := telemetry.EulerSample(12.345, orientation.Pose{Roll: 1, Pitch: 2, Yaw: 3}).
		WithPosition(r3.Vec{X: 0.5, Y: -1, Z: 2})

	out, err := ParseLine(FormatSample(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFormatParam(t *testing.T) {
	line := FormatParam("motorPowerSet.m3", 12000)
	assert.Equal(t, "$CFPRM,motorPowerSet.m3,12000*"+nmea.Checksum("CFPRM,motorPowerSet.m3,12000")+"\r\n", line)

	sent, err := nmea.Parse(line[:len(line)-2])
	require.NoError(t, err)
	prm, ok := sent.(PRM)
	require.True(t, ok)
	assert.Equal(t, Param{Name: "motorPowerSet.m3", Value: 12000}, prm.Param)
}

func TestSerialLink(t *testing.T) {
	host, dev := net.Pipe()
	buf := telemetry.NewBuffer(4)
	l := NewSerial(host, buf)

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	_, err := io.WriteString(dev, "garbage\r\n")
	require.NoError(t, err)
	_, err = io.WriteString(dev, "$CFTLM,1000,1,0,0,0*00\r\n")
	require.NoError(t, err)
	_, err = io.WriteString(dev, FormatSample(telemetry.QuaternionSample(1.05, orientation.Identity)))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return buf.Len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), l.Rejected())

	go func() {
		assert.NoError(t, l.WriteParam(context.Background(), ParamEnable, 1))
	}()
	line, err := bufio.NewReader(dev).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, FormatParam(ParamEnable, 1), line)

	require.NoError(t, l.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("serial link did not stop")
	}

	assert.Error(t, l.WriteParam(context.Background(), ParamEnable, 0))
}

func TestFlightSentence(t *testing.T) {
	hop := guard.FlightCommand{Kind: guard.FlightGoTo, Z: 0.5, Duration: 2 * time.Second, Relative: true}
	got, err := ParseCommand(FormatFlight(hop))
	require.NoError(t, err)
	assert.Equal(t, hop, got)

	land := guard.FlightCommand{Kind: guard.FlightLand, Duration: 4 * time.Second}
	got, err = ParseCommand(FormatFlight(land))
	require.NoError(t, err)
	assert.Equal(t, land, got)

	got, err = ParseCommand(FormatParam(ParamSoundEffect, 7))
	require.NoError(t, err)
	assert.Equal(t, Param{Name: ParamSoundEffect, Value: 7}, got)

	_, err = ParseCommand(FormatSample(telemetry.QuaternionSample(1, orientation.Identity)))
	assert.ErrorContains(t, err, "not a command sentence")

	_, err = ParseCommand(FormatFlight(guard.FlightCommand{Kind: "flip"}))
	assert.Error(t, err)
}

func TestServeSerial(t *testing.T) {
	host, dev := net.Pipe()
	clock := timeutil.NewManualClock(time.Unix(0, 0))
	sim := NewSim(fixedSource{Roll: 10}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- ServeSerial(ctx, dev, sim, 50*time.Millisecond) }()

	buf := telemetry.NewBuffer(4)
	l := NewSerial(host, buf)
	go l.Run(context.Background())

	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)
	clock.Advance(50 * time.Millisecond)
	require.Eventually(t, func() bool { return buf.Len() == 1 }, time.Second, time.Millisecond)
	s, _ := buf.Newest()
	q, ok := s.Attitude()
	require.True(t, ok)
	assert.InDelta(t, 10.0, q.Pose().Roll, 1e-6)

	a := NewActuator(l)
	require.NoError(t, a.SetEnabled(ctx, true))
	require.NoError(t, a.Fly(ctx, guard.FlightCommand{Kind: guard.FlightLand, Duration: time.Second}))
	require.Eventually(t, func() bool {
		v, _ := sim.Param(ParamEnable)
		return v == 1 && len(sim.Flights()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, guard.FlightLand, sim.Flights()[0].Kind)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("serial sim did not stop")
	}
	require.NoError(t, l.Close())
	dev.Close()
}
