/*Package oxford provides tools for working with Oxford Instruments ITC 503 temperature controllers.

The ITC 503 speaks a terse single-letter protocol terminated by carriage
returns.  Every command is answered: a read returns the command letter followed
by the value ("R+4.2000"), a set returns the command letter alone, and anything
the controller did not understand or will not do is answered with a leading '?'.
Set commands are only honored in remote control mode, see Initialize.
*/
package oxford

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cryolab/cryoctl/catalog"
	"github.com/cryolab/cryoctl/comm"
)

const terminator = "\r"

// ErrRejected is generated when the ITC answers a command with '?'
var ErrRejected = errors.New("oxford: command rejected by ITC")

// Register is an index of the R (read) command
type Register int

const (
	SetTemperature Register = iota
	Sensor1Temperature
	Sensor2Temperature
	Sensor3Temperature
	TemperatureError
	HeaterPercent
	HeaterVolts
	GasFlow
	ProportionalBand
	IntegralActionTime
	DerivativeActionTime
)

// Registers maps every readable register to the channel name it is
// published under
var Registers = []struct {
	Register Register
	Channel  string
}{
	{SetTemperature, "set_temperature"},
	{Sensor1Temperature, "sensor_1_temperature"},
	{Sensor2Temperature, "sensor_2_temperature"},
	{Sensor3Temperature, "sensor_3_temperature"},
	{TemperatureError, "temperature_error"},
	{HeaterPercent, "heater_output_as_percent"},
	{HeaterVolts, "heater_output_as_voltage"},
	{GasFlow, "gas_flow_output"},
	{ProportionalBand, "proportional_band"},
	{IntegralActionTime, "integral_action_time"},
	{DerivativeActionTime, "derivative_action_time"},
}

// Catalog is the ITC 503 command table
var Catalog = catalog.Table{
	"version":           {Name: "version", Template: "V", Reply: catalog.Text},
	"status":            {Name: "status", Template: "X", Reply: catalog.Text},
	"read":              {Name: "read", Template: "R%d", Reply: catalog.Float, Prefix: "R"},
	"set_terminator":    {Name: "set_terminator", Template: "Q2"},
	"set_control":       {Name: "set_control", Template: "C%d", Reply: catalog.Ack},
	"set_temperature":   {Name: "set_temperature", Template: "T%.3f", Reply: catalog.Ack},
	"set_proportional":  {Name: "set_proportional", Template: "P%.3f", Reply: catalog.Ack},
	"set_integral":      {Name: "set_integral", Template: "I%.1f", Reply: catalog.Ack},
	"set_derivative":    {Name: "set_derivative", Template: "D%.1f", Reply: catalog.Ack},
	"set_heater_sensor": {Name: "set_heater_sensor", Template: "H%d", Reply: catalog.Ack},
	"set_heater_output": {Name: "set_heater_output", Template: "O%03d", Reply: catalog.Ack},
	"set_gas_output":    {Name: "set_gas_output", Template: "G%03d", Reply: catalog.Ack},
	"set_auto_control":  {Name: "set_auto_control", Template: "A%d", Reply: catalog.Ack},
	"sweep_step":        {Name: "sweep_step", Template: "x%d", Reply: catalog.Ack},
	"sweep_parameter":   {Name: "sweep_parameter", Template: "y%d", Reply: catalog.Ack},
	"sweep_value":       {Name: "sweep_value", Template: "s%.2f", Reply: catalog.Ack},
	"sweep":             {Name: "sweep", Template: "S%d", Reply: catalog.Ack},
}

// MaxSweepSteps is the length of the ITC 503 sweep table
const MaxSweepSteps = 16

// sweep table parameters, selected with y
const (
	sweepSetpoint = 1
	sweepTime     = 2
	sweepHold     = 3
)

// ChannelConfig returns a comm.Config suitable for an ITC 503 at addr
func ChannelConfig(addr string) comm.Config {
	return comm.Config{
		Name:           "itc503",
		Addr:           addr,
		Timeout:        2 * time.Second,
		Terminator:     terminator,
		ReconnectAfter: comm.DefaultReconnectAfter,
		Identify:       comm.Query("V"),
	}
}

// SerialConfig returns the serial parameters of the ITC 503 RS232 port
func SerialConfig(addr string) comm.SerialConfig {
	return comm.SerialConfig{
		Name:        addr,
		Baud:        9600,
		Size:        8,
		Parity:      "N",
		ReadTimeout: comm.SerialReadTimeout}
}

// ITC talks to an ITC 503 through a command channel
type ITC struct {
	ex catalog.Executor
}

// New returns a new ITC using ex, typically a *comm.Channel
func New(ex catalog.Executor) *ITC {
	return &ITC{ex: ex}
}

func (i *ITC) do(name string, args ...interface{}) (catalog.Value, error) {
	v, err := Catalog.Do(i.ex, name, args...)
	var de *comm.DecodeError
	if errors.As(err, &de) && strings.HasPrefix(de.Reply, "?") {
		return v, fmt.Errorf("%w: %s", ErrRejected, de.Command)
	}
	return v, err
}

// Version returns the version string of the controller
func (i *ITC) Version() (string, error) {
	v, err := i.do("version")
	return v.Text, err
}

// Status returns the raw X status string, e.g. X0A0C3S00H1L0
func (i *ITC) Status() (string, error) {
	v, err := i.do("status")
	return v.Text, err
}

// Read reads one register
func (i *ITC) Read(r Register) (float64, error) {
	if r < SetTemperature || r > DerivativeActionTime {
		return 0, fmt.Errorf("oxford: unknown register %d", r)
	}
	v, err := i.do("read", int(r))
	return v.Float(), err
}

// ControlCode is the argument of the C command for the given lock and
// remote state
func ControlCode(unlocked, remote bool) int {
	c := 0
	if remote {
		c++
	}
	if unlocked {
		c += 2
	}
	return c
}

// SetControl selects local/remote and locked/unlocked front panel operation
func (i *ITC) SetControl(unlocked, remote bool) error {
	_, err := i.do("set_control", ControlCode(unlocked, remote))
	return err
}

// AutoCode is the argument of the A command
func AutoCode(heaterAuto, gasAuto bool) int {
	c := 0
	if heaterAuto {
		c++
	}
	if gasAuto {
		c += 2
	}
	return c
}

// SetAutoControl selects automatic or manual heater and gas flow control
func (i *ITC) SetAutoControl(heaterAuto, gasAuto bool) error {
	_, err := i.do("set_auto_control", AutoCode(heaterAuto, gasAuto))
	return err
}

// SetTemperature sets the temperature setpoint in K
func (i *ITC) SetTemperature(k float64) error {
	if math.IsNaN(k) || k < 0 || k > 300 {
		return fmt.Errorf("oxford: temperature %g K outside [0, 300]", k)
	}
	_, err := i.do("set_temperature", k)
	return err
}

// SetPID sets the proportional band (K), integral action time (min)
// and derivative action time (min)
func (i *ITC) SetPID(p, in, d float64) error {
	for _, v := range []float64{p, in, d} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("oxford: PID term %g is not a finite number", v)
		}
	}
	if _, err := i.do("set_proportional", p); err != nil {
		return err
	}
	if _, err := i.do("set_integral", in); err != nil {
		return err
	}
	_, err := i.do("set_derivative", d)
	return err
}

// SetHeaterSensor selects the sensor, 1~3, used for control
func (i *ITC) SetHeaterSensor(s int) error {
	if s < 1 || s > 3 {
		return fmt.Errorf("oxford: heater sensor %d outside [1, 3]", s)
	}
	_, err := i.do("set_heater_sensor", s)
	return err
}

// tenths converts a percentage to the 0.1% units the O and G commands take
func tenths(pct float64) (int, error) {
	if math.IsNaN(pct) || pct < 0 || pct > 99.9 {
		return 0, fmt.Errorf("oxford: %g%% outside [0, 99.9]", pct)
	}
	return int(pct*10 + 0.5), nil
}

// SetHeaterOutput sets the manual heater output in %
func (i *ITC) SetHeaterOutput(pct float64) error {
	t, err := tenths(pct)
	if err != nil {
		return err
	}
	_, err = i.do("set_heater_output", t)
	return err
}

// SetGasOutput sets the manual needle valve (gas flow) output in %
func (i *ITC) SetGasOutput(pct float64) error {
	t, err := tenths(pct)
	if err != nil {
		return err
	}
	_, err = i.do("set_gas_output", t)
	return err
}

// SweepStep is one row of the sweep table
type SweepStep struct {
	// Setpoint is the target temperature in K
	Setpoint float64

	// Sweep is the time taken to ramp to Setpoint
	Sweep time.Duration

	// Hold is the time spent at Setpoint before the next step
	Hold time.Duration
}

// SetSweeps loads steps into the sweep table starting at step 1.  The table
// pointers are returned to 0 afterwards, as the ITC expects before other
// commands.
func (i *ITC) SetSweeps(steps []SweepStep) error {
	if len(steps) > MaxSweepSteps {
		return fmt.Errorf("oxford: %d sweep steps, at most %d allowed", len(steps), MaxSweepSteps)
	}
	for n, st := range steps {
		if math.IsNaN(st.Setpoint) || st.Setpoint < 0 || st.Setpoint > 300 {
			return fmt.Errorf("oxford: sweep step %d setpoint %g K outside [0, 300]", n+1, st.Setpoint)
		}
		if st.Sweep < 0 || st.Hold < 0 {
			return fmt.Errorf("oxford: sweep step %d has a negative duration", n+1)
		}
	}
	for n, st := range steps {
		if _, err := i.do("sweep_step", n+1); err != nil {
			return err
		}
		params := [...]struct {
			y int
			v float64
		}{
			{sweepSetpoint, st.Setpoint},
			{sweepTime, st.Sweep.Minutes()},
			{sweepHold, st.Hold.Minutes()},
		}
		for _, p := range params {
			if _, err := i.do("sweep_parameter", p.y); err != nil {
				return err
			}
			if _, err := i.do("sweep_value", p.v); err != nil {
				return err
			}
		}
	}
	if _, err := i.do("sweep_step", 0); err != nil {
		return err
	}
	_, err := i.do("sweep_parameter", 0)
	return err
}

// Sweep starts the loaded sweep program at step, or stops it if step is 0
func (i *ITC) Sweep(step int) error {
	if step < 0 || step > MaxSweepSteps {
		return fmt.Errorf("oxford: sweep step %d outside [0, %d]", step, MaxSweepSteps)
	}
	_, err := i.do("sweep", step)
	return err
}

// Initialize selects carriage return termination and puts the ITC in remote,
// unlocked mode so set commands are accepted
func (i *ITC) Initialize() error {
	if _, err := i.do("set_terminator"); err != nil {
		return err
	}
	return i.SetControl(true, true)
}
