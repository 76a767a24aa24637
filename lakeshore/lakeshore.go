/*Package lakeshore provides tools for working with Lake Shore Model 350 temperature controllers.

The Model 350 command set is declared as data in Catalog; Controller wraps the
subset the rest of the system uses in typed methods, and Plan describes what a
poll loop should read and which parameters it may set.
*/
package lakeshore

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cryolab/cryoctl/catalog"
	"github.com/cryolab/cryoctl/comm"
)

// per the Lake Shore 350 manual, the serial interface uses the following schema:

// baud 57600
// 7 data bits, 1 start, 1 stop, odd parity
// terminator CRLF
// < 20 commands per second

// command messages look like <command><space><parameter data><terminators>
// query messages look like <query mnemonic><?><space><parameter data><terminators>
const (
	terminators = "\r\n"

	// MaxRate is the maximum command rate the controller tolerates
	MaxRate = 19
)

// Catalog is the Model 350 command table
var Catalog = catalog.Table{
	"identify":            {Name: "identify", Template: "*IDN?", Reply: catalog.Text},
	"clear":               {Name: "clear", Template: "*CLS"},
	"reset":               {Name: "reset", Template: "*RST"},
	"read_kelvin":         {Name: "read_kelvin", Template: "KRDG? %s", Reply: catalog.Float},
	"read_celsius":        {Name: "read_celsius", Template: "CRDG? %s", Reply: catalog.Float},
	"read_sensor":         {Name: "read_sensor", Template: "SRDG? %s", Reply: catalog.Float},
	"read_heater_percent": {Name: "read_heater_percent", Template: "HTR? %d", Reply: catalog.Float},
	"heater_status":       {Name: "heater_status", Template: "HTRST? %d", Reply: catalog.Int},
	"read_setpoint":       {Name: "read_setpoint", Template: "SETP? %d", Reply: catalog.Float},
	"set_setpoint":        {Name: "set_setpoint", Template: "SETP %d,%g"},
	"read_pid":            {Name: "read_pid", Template: "PID? %d", Reply: catalog.Floats},
	"set_pid":             {Name: "set_pid", Template: "PID %d,%g,%g,%g"},
	"heater_range":        {Name: "heater_range", Template: "RANGE? %d", Reply: catalog.Int},
	"set_heater_range":    {Name: "set_heater_range", Template: "RANGE %d,%d"},
	"manual_output":       {Name: "manual_output", Template: "MOUT? %d", Reply: catalog.Float},
	"set_manual_output":   {Name: "set_manual_output", Template: "MOUT %d,%g"},
	"ramp":                {Name: "ramp", Template: "RAMP? %d", Reply: catalog.Floats},
	"set_ramp":            {Name: "set_ramp", Template: "RAMP %d,%d,%g"},
	"configure_input":     {Name: "configure_input", Template: "INTYPE %s,%d,%d,%d,%d,%d,%d"},
	"read_input_type":     {Name: "read_input_type", Template: "INTYPE? %s", Reply: catalog.Floats},
}

// Inputs are the sensor inputs of a Model 350 without the 3062 option
var Inputs = []string{"A", "B", "C", "D"}

// ChannelConfig returns a comm.Config suitable for a Model 350 at addr
func ChannelConfig(addr string) comm.Config {
	return comm.Config{
		Name:           "lakeshore350",
		Addr:           addr,
		Timeout:        3 * time.Second,
		Terminator:     terminators,
		MaxRate:        MaxRate,
		ReconnectAfter: comm.DefaultReconnectAfter,
		Identify:       comm.Query("*IDN?"),
		ParseIdentity:  catalog.IdentityString,
	}
}

// SerialConfig returns the serial parameters of the Model 350 USB/serial port
func SerialConfig(addr string) comm.SerialConfig {
	return comm.SerialConfig{
		Name:        addr,
		Baud:        57600,
		Size:        7,
		Parity:      "O",
		ReadTimeout: comm.SerialReadTimeout}
}

// Controller talks to a Model 350 through a command channel
type Controller struct {
	ex catalog.Executor
}

// New returns a new Controller using ex, typically a *comm.Channel
func New(ex catalog.Executor) *Controller {
	return &Controller{ex: ex}
}

func checkInput(in string) error {
	for _, v := range Inputs {
		if v == in {
			return nil
		}
	}
	return fmt.Errorf("lakeshore: input %q is not one of %s", in, strings.Join(Inputs, ","))
}

func checkFinite(vs ...float64) error {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("lakeshore: %g is not a finite number", v)
		}
	}
	return nil
}

func checkOutput(out, max int) error {
	if out < 1 || out > max {
		return fmt.Errorf("lakeshore: output %d outside [1, %d]", out, max)
	}
	return nil
}

// ID returns the identification of the controller
func (c *Controller) ID() (catalog.Identity, error) {
	v, err := Catalog.Do(c.ex, "identify")
	if err != nil {
		return catalog.Identity{}, err
	}
	return catalog.ParseIdentity(v.Text)
}

func (c *Controller) float(name string, args ...interface{}) (float64, error) {
	v, err := Catalog.Do(c.ex, name, args...)
	return v.Float(), err
}

// ReadKelvin reads the temperature in K on the given input, A~D
func (c *Controller) ReadKelvin(in string) (float64, error) {
	if err := checkInput(in); err != nil {
		return 0, err
	}
	return c.float("read_kelvin", in)
}

// ReadCelsius reads the temperature in C on the given input, A~D
func (c *Controller) ReadCelsius(in string) (float64, error) {
	if err := checkInput(in); err != nil {
		return 0, err
	}
	return c.float("read_celsius", in)
}

// ReadSensor reads the raw sensor units (Ohms, V) on the given input
func (c *Controller) ReadSensor(in string) (float64, error) {
	if err := checkInput(in); err != nil {
		return 0, err
	}
	return c.float("read_sensor", in)
}

// HeaterOutput reads the heater output in %.  Only outputs 1 and 2 are heaters.
func (c *Controller) HeaterOutput(out int) (float64, error) {
	if err := checkOutput(out, 2); err != nil {
		return 0, err
	}
	return c.float("read_heater_percent", out)
}

// HeaterStatus reads and clears the heater error status
func (c *Controller) HeaterStatus(out int) (string, error) {
	if err := checkOutput(out, 2); err != nil {
		return "", err
	}
	v, err := Catalog.Do(c.ex, "heater_status", out)
	if err != nil {
		return "", err
	}
	switch v.Int {
	case 0:
		return "OK", nil
	case 1:
		return "OPEN", nil
	case 2:
		return "SHORT", nil
	}
	return fmt.Sprintf("UNKNOWN(%d)", v.Int), nil
}

// Setpoint reads the control setpoint of an output, in its preferred units
func (c *Controller) Setpoint(out int) (float64, error) {
	if err := checkOutput(out, 4); err != nil {
		return 0, err
	}
	return c.float("read_setpoint", out)
}

// SetSetpoint sets the control setpoint of an output
func (c *Controller) SetSetpoint(out int, v float64) error {
	if err := checkOutput(out, 4); err != nil {
		return err
	}
	if err := checkFinite(v); err != nil {
		return err
	}
	_, err := Catalog.Do(c.ex, "set_setpoint", out, v)
	return err
}

// PIDTerms holds the gains of a control loop
type PIDTerms struct {
	// P is the proportional gain, 0.1 to 1000
	P float64

	// I is the integral (reset), 0.1 to 1000
	I float64

	// D is the derivative (rate) in %, 0 to 200
	D float64
}

// PID reads the PID constants from the controller
func (c *Controller) PID(out int) (PIDTerms, error) {
	if err := checkOutput(out, 4); err != nil {
		return PIDTerms{}, err
	}
	v, err := Catalog.Do(c.ex, "read_pid", out)
	if err != nil {
		return PIDTerms{}, err
	}
	if len(v.Floats) != 3 {
		return PIDTerms{}, &comm.DecodeError{Command: "PID?", Reply: fmt.Sprint(v.Floats), Reason: "expected 3 values"}
	}
	return PIDTerms{P: v.Floats[0], I: v.Floats[1], D: v.Floats[2]}, nil
}

// SetPID sets the PID constants of an output's control loop
func (c *Controller) SetPID(out int, p PIDTerms) error {
	if err := checkOutput(out, 4); err != nil {
		return err
	}
	if err := checkFinite(p.P, p.I, p.D); err != nil {
		return err
	}
	if p.P < 0.1 || p.P > 1000 || p.I < 0.1 || p.I > 1000 || p.D < 0 || p.D > 200 {
		return fmt.Errorf("lakeshore: PID %+v out of range", p)
	}
	_, err := Catalog.Do(c.ex, "set_pid", out, p.P, p.I, p.D)
	return err
}

// HeaterRange reads the heater range of an output, 0 (off) to 5 (high)
func (c *Controller) HeaterRange(out int) (int, error) {
	if err := checkOutput(out, 4); err != nil {
		return 0, err
	}
	v, err := Catalog.Do(c.ex, "heater_range", out)
	return v.Int, err
}

// SetHeaterRange sets the heater range of an output
func (c *Controller) SetHeaterRange(out, rng int) error {
	if err := checkOutput(out, 4); err != nil {
		return err
	}
	if rng < 0 || rng > 5 {
		return fmt.Errorf("lakeshore: heater range %d outside [0, 5]", rng)
	}
	_, err := Catalog.Do(c.ex, "set_heater_range", out, rng)
	return err
}

// Ramp reads whether setpoint ramping is on and the ramp rate in K/min
func (c *Controller) Ramp(out int) (bool, float64, error) {
	if err := checkOutput(out, 4); err != nil {
		return false, 0, err
	}
	v, err := Catalog.Do(c.ex, "ramp", out)
	if err != nil {
		return false, 0, err
	}
	if len(v.Floats) != 2 {
		return false, 0, &comm.DecodeError{Command: "RAMP?", Reply: fmt.Sprint(v.Floats), Reason: "expected 2 values"}
	}
	return v.Floats[0] == 1, v.Floats[1], nil
}

// SetRamp enables or disables setpoint ramping at rate K/min
func (c *Controller) SetRamp(out int, on bool, rate float64) error {
	if err := checkOutput(out, 4); err != nil {
		return err
	}
	if err := checkFinite(rate); err != nil {
		return err
	}
	b := 0
	if on {
		b = 1
	}
	_, err := Catalog.Do(c.ex, "set_ramp", out, b, rate)
	return err
}

// SensorType is the <sensor type> field of INTYPE
type SensorType int

const (
	Disabled SensorType = iota
	Diode
	PlatinumRTD
	NTCRTD
	Thermocouple
	Capacitance
)

// InputConfig is the input type parameter set of one input
type InputConfig struct {
	Input        string
	Sensor       SensorType
	Autorange    bool
	Range        int
	Compensation bool

	// Units is 1 = kelvin, 2 = Celsius, 3 = sensor
	Units int

	// Excitation is 0 = 1 mV, 1 = 10 mV, NTC RTD only
	Excitation int
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ConfigureInput sends INTYPE for the input
func (c *Controller) ConfigureInput(cfg InputConfig) error {
	if err := checkInput(cfg.Input); err != nil {
		return err
	}
	if cfg.Units < 1 || cfg.Units > 3 {
		return fmt.Errorf("lakeshore: units %d outside [1, 3]", cfg.Units)
	}
	_, err := Catalog.Do(c.ex, "configure_input", cfg.Input, int(cfg.Sensor),
		b2i(cfg.Autorange), cfg.Range, b2i(cfg.Compensation), cfg.Units, cfg.Excitation)
	return err
}

// ReadInputConfig reads back the INTYPE parameters of an input
func (c *Controller) ReadInputConfig(in string) (InputConfig, error) {
	if err := checkInput(in); err != nil {
		return InputConfig{}, err
	}
	v, err := Catalog.Do(c.ex, "read_input_type", in)
	if err != nil {
		return InputConfig{}, err
	}
	if len(v.Floats) != 6 {
		return InputConfig{}, &comm.DecodeError{Command: "INTYPE?", Reply: fmt.Sprint(v.Floats), Reason: "expected 6 values"}
	}
	f := v.Floats
	return InputConfig{
		Input:        in,
		Sensor:       SensorType(f[0]),
		Autorange:    f[1] == 1,
		Range:        int(f[2]),
		Compensation: f[3] == 1,
		Units:        int(f[4]),
		Excitation:   int(f[5])}, nil
}

// DefaultInput is the configuration applied by Initialize: NTC RTD,
// autorange on, 10 ohm range, compensation on, kelvin, 1 mV excitation
func DefaultInput(in string) InputConfig {
	return InputConfig{
		Input:        in,
		Sensor:       NTCRTD,
		Autorange:    true,
		Range:        0,
		Compensation: true,
		Units:        1}
}

// Initialize configures every input with DefaultInput
func (c *Controller) Initialize() error {
	for _, in := range Inputs {
		if err := c.ConfigureInput(DefaultInput(in)); err != nil {
			return fmt.Errorf("lakeshore: initializing input %s: %w", in, err)
		}
	}
	return nil
}

// Clear clears the status registers and terminates pending operations
func (c *Controller) Clear() error {
	_, err := Catalog.Do(c.ex, "clear")
	return err
}
