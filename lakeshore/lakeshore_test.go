package lakeshore

import (
	"fmt"
	"math"
	"testing"

	"github.com/cryolab/cryoctl/comm"
)

func newMocked(t *testing.T) (*Controller, *Mock) {
	t.Helper()
	m := NewMock()
	cfg := ChannelConfig("mock")
	cfg.MaxRate = 0
	ch := comm.NewChannel(cfg, m.Maker())
	if _, err := ch.Connect(); err != nil {
		t.Fatal(err)
	}
	return New(ch), m
}

func ExampleCatalog() {
	cmd, _ := Catalog.Command("configure_input", "A", 3, 1, 0, 1, 1, 0)
	fmt.Println(cmd)
	cmd, _ = Catalog.Command("set_setpoint", 1, 122.5)
	fmt.Println(cmd)
	// Output:
	// INTYPE A,3,1,0,1,1,0
	// SETP 1,122.5
}

func TestIdentityParsedOnConnect(t *testing.T) {
	m := NewMock()
	ch := comm.NewChannel(ChannelConfig("mock"), m.Maker())
	id, err := ch.Connect()
	if err != nil {
		t.Fatal(err)
	}
	if id != "LSCI,MODEL350,MOCK0001/#######,1.5" {
		t.Errorf("unexpected identity %q", id)
	}
}

func TestReadKelvin(t *testing.T) {
	c, m := newMocked(t)
	m.SetKelvin("A", 122.5)
	k, err := c.ReadKelvin("A")
	if err != nil {
		t.Fatal(err)
	}
	if k != 122.5 {
		t.Errorf("expected 122.5 got %g", k)
	}
	if _, err := c.ReadKelvin("E"); err == nil {
		t.Error("expected invalid input to be rejected before reaching the wire")
	}
}

func TestSetpointRoundTrip(t *testing.T) {
	c, m := newMocked(t)
	if err := c.SetSetpoint(1, 122.5); err != nil {
		t.Fatal(err)
	}
	v, err := c.Setpoint(1)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(v-122.5) > 1e-3 {
		t.Errorf("expected 122.5 got %g", v)
	}
	cmds := m.Commands()
	found := false
	for _, c := range cmds {
		if c == "SETP 1,122.5" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected SETP 1,122.5 on the wire, got %v", cmds)
	}
}

func TestNonFiniteSetsNeverReachTheWire(t *testing.T) {
	c, m := newMocked(t)
	before := len(m.Commands())
	if err := c.SetSetpoint(1, math.NaN()); err == nil {
		t.Error("expected NaN setpoint to be rejected")
	}
	if err := c.SetPID(1, PIDTerms{P: math.NaN(), I: 20, D: 0}); err == nil {
		t.Error("expected NaN gain to be rejected")
	}
	if err := c.SetRamp(1, true, math.Inf(1)); err == nil {
		t.Error("expected infinite ramp rate to be rejected")
	}
	if _, err := Plan(DefaultPlanOptions()).Setters["setpoint_1"].Build(math.NaN()); err == nil {
		t.Error("expected setpoint_1 setter to reject NaN")
	}
	if n := len(m.Commands()); n != before {
		t.Errorf("rejected values were sent: %v", m.Commands()[before:])
	}
}

func TestPID(t *testing.T) {
	c, _ := newMocked(t)
	want := PIDTerms{P: 10, I: 50, D: 0}
	if err := c.SetPID(1, want); err != nil {
		t.Fatal(err)
	}
	got, err := c.PID(1)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("expected %+v got %+v", want, got)
	}
	if err := c.SetPID(1, PIDTerms{P: 0}); err == nil {
		t.Error("expected out of range PID to be rejected")
	}
}

func TestInitializeConfiguresAllInputs(t *testing.T) {
	c, m := newMocked(t)
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	var intype []string
	for _, cmd := range m.Commands() {
		if len(cmd) > 6 && cmd[:6] == "INTYPE" {
			intype = append(intype, cmd)
		}
	}
	want := []string{
		"INTYPE A,3,1,0,1,1,0",
		"INTYPE B,3,1,0,1,1,0",
		"INTYPE C,3,1,0,1,1,0",
		"INTYPE D,3,1,0,1,1,0",
	}
	if len(intype) != len(want) {
		t.Fatalf("expected %v got %v", want, intype)
	}
	for i := range want {
		if intype[i] != want[i] {
			t.Errorf("expected %s got %s", want[i], intype[i])
		}
	}
	cfg, err := c.ReadInputConfig("C")
	if err != nil {
		t.Fatal(err)
	}
	if cfg != DefaultInput("C") {
		t.Errorf("expected %+v read back, got %+v", DefaultInput("C"), cfg)
	}
}

func TestHeaterRangeAndStatus(t *testing.T) {
	c, _ := newMocked(t)
	if err := c.SetHeaterRange(1, 3); err != nil {
		t.Fatal(err)
	}
	r, err := c.HeaterRange(1)
	if err != nil || r != 3 {
		t.Errorf("expected range 3, got %d %v", r, err)
	}
	if err := c.SetHeaterRange(1, 9); err == nil {
		t.Error("expected range 9 to be rejected")
	}
	s, err := c.HeaterStatus(1)
	if err != nil || s != "OK" {
		t.Errorf("expected OK status, got %s %v", s, err)
	}
}

func TestRamp(t *testing.T) {
	c, _ := newMocked(t)
	if err := c.SetRamp(1, true, 2.5); err != nil {
		t.Fatal(err)
	}
	on, rate, err := c.Ramp(1)
	if err != nil || !on || rate != 2.5 {
		t.Errorf("expected ramp on at 2.5, got %v %g %v", on, rate, err)
	}
}

func TestPlanChannelsAndSetters(t *testing.T) {
	p := Plan(PlanOptions{Inputs: []string{"A", "B"}, Outputs: []int{1}})
	want := []string{"sensor_A", "sensor_B", "setpoint_1", "heater_1", "range_1", "p_1", "i_1", "d_1"}
	got := p.Channels()
	if len(got) != len(want) {
		t.Fatalf("expected %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("channel %d expected %s got %s", i, want[i], got[i])
		}
	}
	for _, name := range []string{"setpoint_1", "heater_range_1", "manual_output_1"} {
		if _, ok := p.Setters[name]; !ok {
			t.Errorf("expected setter %s", name)
		}
	}
	cmd, err := p.Setters["setpoint_1"].Build(122.5)
	if err != nil || cmd.Payload != "SETP 1,122.5" {
		t.Errorf("unexpected setpoint command %q %v", cmd.Payload, err)
	}
	if _, err := p.Setters["heater_range_1"].Build(2.5); err == nil {
		t.Error("expected fractional heater range to be rejected")
	}
}
