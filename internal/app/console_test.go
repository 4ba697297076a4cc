package app

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, []byte(`{"vehicle":"cf1","state":"triggered","cycle":42,"value":91.5,"valid":true,"held":true,"power":40000,"error":"stale"}`))
	assert.Contains(t, out.String(), "TRIGGERED")
	assert.Contains(t, out.String(), "power=40000 HELD")
	assert.Contains(t, out.String(), "error: stale")

	out.Reset()
	printStatus(&out, []byte(`{"vehicle":"cf2","state":"shutting_down","power":-1}`))
	assert.Contains(t, out.String(), "power=    - NO-DATA")

	out.Reset()
	printStatus(&out, []byte(`{"vehicle":"cf1","state":"triggered","valid":true,"power":0,"flight":"hold"}`))
	assert.Contains(t, out.String(), "power=    0 FLIGHT:HOLD")

	out.Reset()
	printStatus(&out, []byte(`{`))
	assert.Empty(t, out.String())
}

func TestPrintParam(t *testing.T) {
	var out bytes.Buffer
	printParam(&out, "crazyflie/cf3/param", []byte(`{"name":"motorPowerSet.m1","value":9000}`))
	assert.Equal(t, "[cf3 ] SET motorPowerSet.m1=9000\n", out.String())
}
