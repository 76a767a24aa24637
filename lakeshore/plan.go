package lakeshore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cryolab/cryoctl/catalog"
	"github.com/cryolab/cryoctl/comm"
)

// PlanOptions selects the inputs and outputs a poll loop reads
type PlanOptions struct {
	Inputs  []string
	Outputs []int
}

// DefaultPlanOptions reads every input and both heater outputs
func DefaultPlanOptions() PlanOptions {
	return PlanOptions{Inputs: Inputs, Outputs: []int{1, 2}}
}

// Plan returns the poll plan for a Model 350.  Channels are named
// sensor_<input> (K), setpoint_<out>, heater_<out> (%), range_<out> and
// p_<out>, i_<out>, d_<out>.  Settable parameters are setpoint_<out>,
// heater_range_<out> and manual_output_<out>.
func Plan(opts PlanOptions) catalog.Plan {
	p := catalog.Plan{Setters: map[string]catalog.Setter{}}
	for _, in := range opts.Inputs {
		p.Readings = append(p.Readings, catalog.Reading{
			Channel: "sensor_" + in,
			Entry:   Catalog["read_kelvin"],
			Args:    []interface{}{in}})
	}
	for _, out := range opts.Outputs {
		n := strconv.Itoa(out)
		p.Readings = append(p.Readings, catalog.Reading{
			Channel: "setpoint_" + n,
			Entry:   Catalog["read_setpoint"],
			Args:    []interface{}{out}})
		if out <= 2 {
			p.Readings = append(p.Readings, catalog.Reading{
				Channel: "heater_" + n,
				Entry:   Catalog["read_heater_percent"],
				Args:    []interface{}{out}})
		}
		p.Readings = append(p.Readings, catalog.Reading{
			Channel: "range_" + n,
			Entry:   Catalog["heater_range"],
			Args:    []interface{}{out}})
		for i, term := range []string{"p_", "i_", "d_"} {
			p.Readings = append(p.Readings, catalog.Reading{
				Channel: term + n,
				Entry:   Catalog["read_pid"],
				Args:    []interface{}{out},
				Index:   i})
		}

		setp := Catalog["set_setpoint"]
		p.Setters["setpoint_"+n] = catalog.Setter{Entry: setp, Build: catalog.Range(setp, 0, 1500, out)}
		mout := Catalog["set_manual_output"]
		p.Setters["manual_output_"+n] = catalog.Setter{Entry: mout, Build: catalog.Range(mout, 0, 100, out)}
		rng := Catalog["set_heater_range"]
		p.Setters["heater_range_"+n] = catalog.Setter{Entry: rng, Build: heaterRange(rng, out)}
	}
	return p
}

func heaterRange(e catalog.Entry, out int) func(float64) (comm.Command, error) {
	return func(v float64) (comm.Command, error) {
		r := int(v)
		if float64(r) != v || r < 0 || r > 5 {
			return comm.Command{}, fmt.Errorf("lakeshore: heater range %g is not an integer in [0, 5]", v)
		}
		return e.Command(out, r), nil
	}
}

// IsTemperature reports if a channel from Plan holds a temperature in kelvin
func IsTemperature(channel string) bool {
	return strings.HasPrefix(channel, "sensor_") || strings.HasPrefix(channel, "setpoint_")
}
