package link

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/haptic_feedback/internal/guard"
	"github.com/relabs-tech/haptic_feedback/internal/orientation"
	"github.com/relabs-tech/haptic_feedback/internal/telemetry"
)

// Serial sentence types. All use the talker id "CF".
const (
	Talker = "CF"

	// TypeTLM is quaternion telemetry:
	//   $CFTLM,ts,qw,qx,qy,qz,ax,ay,az,x,y,z*CS
	TypeTLM = "TLM"
	// TypeEUL is Euler telemetry:
	//   $CFEUL,ts,roll,pitch,yaw,ax,ay,az,x,y,z*CS
	TypeEUL = "EUL"
	// TypePRM is a parameter write sent to the vehicle:
	//   $CFPRM,name,value*CS
	TypePRM = "PRM"
	// TypeFLT is a flight command sent to the vehicle, duration in ms:
	//   $CFFLT,kind,x,y,z,yaw,duration,relative*CS
	TypeFLT = "FLT"
)

func init() {
	nmea.MustRegisterParser(TypeTLM, parseTLM)
	nmea.MustRegisterParser(TypeEUL, parseEUL)
	nmea.MustRegisterParser(TypePRM, parsePRM)
	nmea.MustRegisterParser(TypeFLT, parseFLT)
}

// TelemetrySentence is a decoded $CFTLM or $CFEUL line.
type TelemetrySentence struct {
	nmea.BaseSentence
	Sample telemetry.Sample
}

// PRM is a decoded $CFPRM line.
type PRM struct {
	nmea.BaseSentence
	Param
}

func parseTLM(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	ts := p.Int64(0, "timestamp")
	q := orientation.Quaternion{
		W: p.Float64(1, "qw"),
		X: p.Float64(2, "qx"),
		Y: p.Float64(3, "qy"),
		Z: p.Float64(4, "qz"),
	}
	sample := telemetry.QuaternionSample(float64(ts)/1000, q)
	sample = withMotion(p, s.Fields, 5, sample)
	return TelemetrySentence{BaseSentence: s, Sample: sample}, p.Err()
}

func parseEUL(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	ts := p.Int64(0, "timestamp")
	pose := orientation.Pose{
		Roll:  p.Float64(1, "roll"),
		Pitch: p.Float64(2, "pitch"),
		Yaw:   p.Float64(3, "yaw"),
	}
	sample := telemetry.EulerSample(float64(ts)/1000, pose)
	sample = withMotion(p, s.Fields, 4, sample)
	return TelemetrySentence{BaseSentence: s, Sample: sample}, p.Err()
}

func parsePRM(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	m := PRM{BaseSentence: s}
	m.Name = p.String(0, "name")
	m.Value = int(p.Int64(1, "value"))
	return m, p.Err()
}

// FLT is a decoded $CFFLT line.
type FLT struct {
	nmea.BaseSentence
	Command guard.FlightCommand
}

func parseFLT(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	m := FLT{BaseSentence: s}
	m.Command = guard.FlightCommand{
		Kind:     p.EnumString(0, "kind", guard.FlightGoTo, guard.FlightLand),
		X:        p.Float64(1, "x"),
		Y:        p.Float64(2, "y"),
		Z:        p.Float64(3, "z"),
		Yaw:      p.Float64(4, "yaw"),
		Duration: time.Duration(p.Int64(5, "duration")) * time.Millisecond,
		Relative: p.Int64(6, "relative") != 0,
	}
	return m, p.Err()
}

// withMotion reads the optional acceleration and position triples that
// start at field i. Empty or missing triples are left out.
func withMotion(p *nmea.Parser, fields []string, i int, s telemetry.Sample) telemetry.Sample {
	if v, ok := triple(p, fields, i, "accel"); ok {
		s = s.WithAccel(v)
	}
	if v, ok := triple(p, fields, i+3, "position"); ok {
		s = s.WithPosition(v)
	}
	return s
}

func triple(p *nmea.Parser, fields []string, i int, name string) (r3.Vec, bool) {
	if len(fields) < i+3 || (fields[i] == "" && fields[i+1] == "" && fields[i+2] == "") {
		return r3.Vec{}, false
	}
	return r3.Vec{
		X: p.Float64(i, name+" x"),
		Y: p.Float64(i+1, name+" y"),
		Z: p.Float64(i+2, name+" z"),
	}, true
}

func sentence(typ string, fields ...string) string {
	body := Talker + typ + "," + strings.Join(fields, ",")
	return "$" + body + "*" + nmea.Checksum(body) + "\r\n"
}

// FormatParam encodes a parameter write as a $CFPRM line.
func FormatParam(name string, value int) string {
	return sentence(TypePRM, name, strconv.Itoa(value))
}

// FormatFlight encodes a flight command as a $CFFLT line.
func FormatFlight(cmd guard.FlightCommand) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	rel := "0"
	if cmd.Relative {
		rel = "1"
	}
	return sentence(TypeFLT, cmd.Kind, f(cmd.X), f(cmd.Y), f(cmd.Z), f(cmd.Yaw),
		strconv.FormatInt(cmd.Duration.Milliseconds(), 10), rel)
}

// FormatSample encodes s as a $CFTLM or $CFEUL line. Samples without an
// attitude are sent as Euler lines at the zero pose.
func FormatSample(s telemetry.Sample) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	ts := strconv.FormatInt(int64(s.Timestamp*1000+0.5), 10)

	var fields []string
	typ := TypeEUL
	if s.Kind() == telemetry.QuaternionAttitude {
		q, _ := s.Attitude()
		typ = TypeTLM
		fields = []string{ts, f(q.W), f(q.X), f(q.Y), f(q.Z)}
	} else {
		p, _ := s.Euler()
		fields = []string{ts, f(p.Roll), f(p.Pitch), f(p.Yaw)}
	}

	if a, ok := s.Accel(); ok {
		fields = append(fields, f(a.X), f(a.Y), f(a.Z))
	} else {
		fields = append(fields, "", "", "")
	}
	if p, ok := s.Position(); ok {
		fields = append(fields, f(p.X), f(p.Y), f(p.Z))
	}
	return sentence(typ, fields...)
}

// ParseLine decodes one serial line into a telemetry sample.
func ParseLine(line string) (telemetry.Sample, error) {
	sent, err := nmea.Parse(strings.TrimSpace(line))
	if err != nil {
		return telemetry.Sample{}, err
	}
	ts, ok := sent.(TelemetrySentence)
	if !ok {
		return telemetry.Sample{}, fmt.Errorf("not a telemetry sentence: %s", sent.Prefix())
	}
	return ts.Sample, nil
}

// ParseCommand decodes one line sent by the host: a Param or a
// guard.FlightCommand.
func ParseCommand(line string) (any, error) {
	sent, err := nmea.Parse(strings.TrimSpace(line))
	if err != nil {
		return nil, err
	}
	switch m := sent.(type) {
	case PRM:
		return m.Param, nil
	case FLT:
		return m.Command, nil
	}
	return nil, fmt.Errorf("not a command sentence: %s", sent.Prefix())
}
