package oxford

import (
	"fmt"
	"strings"

	"github.com/cryolab/cryoctl/catalog"
	"github.com/cryolab/cryoctl/comm"
)

// Plan returns the poll plan for an ITC 503: every register in Registers is
// read each cycle.  Settable parameters are set_temperature, proportional_band,
// integral_action_time, derivative_action_time, heater_sensor, heater_output,
// gas_output, auto_control (0~3, see AutoCode) and control (0~3, see
// ControlCode).
func Plan() catalog.Plan {
	p := catalog.Plan{Setters: map[string]catalog.Setter{}}
	read := Catalog["read"]
	for _, r := range Registers {
		p.Readings = append(p.Readings, catalog.Reading{
			Channel: r.Channel,
			Entry:   read,
			Args:    []interface{}{int(r.Register)}})
	}

	float := func(name string, min, max float64) catalog.Setter {
		e := Catalog[name]
		return catalog.Setter{Entry: e, Build: catalog.Range(e, min, max)}
	}
	p.Setters["set_temperature"] = float("set_temperature", 0, 300)
	p.Setters["proportional_band"] = float("set_proportional", 0, 999.9)
	p.Setters["integral_action_time"] = float("set_integral", 0, 140)
	p.Setters["derivative_action_time"] = float("set_derivative", 0, 273)
	p.Setters["heater_sensor"] = integer("set_heater_sensor", 1, 3)
	p.Setters["auto_control"] = integer("set_auto_control", 0, 3)
	p.Setters["control"] = integer("set_control", 0, 3)
	p.Setters["heater_output"] = percent("set_heater_output")
	p.Setters["gas_output"] = percent("set_gas_output")
	p.Setters["sweep"] = integer("sweep", 0, MaxSweepSteps)
	return p
}

func integer(name string, min, max int) catalog.Setter {
	e := Catalog[name]
	return catalog.Setter{Entry: e, Build: func(v float64) (comm.Command, error) {
		i := int(v)
		if float64(i) != v || i < min || i > max {
			return comm.Command{}, fmt.Errorf("oxford: %s value %g is not an integer in [%d, %d]", e.Name, v, min, max)
		}
		return e.Command(i), nil
	}}
}

func percent(name string) catalog.Setter {
	e := Catalog[name]
	return catalog.Setter{Entry: e, Build: func(v float64) (comm.Command, error) {
		t, err := tenths(v)
		if err != nil {
			return comm.Command{}, err
		}
		return e.Command(t), nil
	}}
}

// IsTemperature reports if a channel from Plan holds a temperature in kelvin.
// temperature_error is a difference and is not converted.
func IsTemperature(channel string) bool {
	return channel == "set_temperature" || (strings.HasPrefix(channel, "sensor_") && strings.HasSuffix(channel, "_temperature"))
}
