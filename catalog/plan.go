package catalog

import (
	"fmt"
	"math"

	"github.com/cryolab/cryoctl/comm"
)

// Reading is one channel of a poll cycle: the entry to execute, its
// arguments, and the name the value is published under
type Reading struct {
	Channel string
	Entry   Entry
	Args    []interface{}

	// Index selects an element of a Floats reply, so PID? can feed three
	// channels.  Zero for single-valued replies.
	Index int
}

// Command formats the reading's command
func (r Reading) Command() comm.Command {
	return r.Entry.Command(r.Args...)
}

// Decode converts a reply into the reading's value
func (r Reading) Decode(cmd comm.Command, resp comm.Response) (float64, error) {
	v, err := r.Entry.Decode(cmd, resp)
	if err != nil {
		return 0, err
	}
	if r.Index >= len(v.Floats) {
		return 0, &comm.DecodeError{
			Command: cmd.Payload,
			Reply:   resp.Text,
			Reason:  fmt.Sprintf("no field %d", r.Index)}
	}
	return v.Floats[r.Index], nil
}

// Setter builds the command that applies a value to a parameter.  It returns
// an error if the value is out of range for the instrument.
type Setter struct {
	Entry Entry

	// Build formats the command for value v
	Build func(v float64) (comm.Command, error)
}

// Plan is the set of readings and setters a poll loop uses for one instrument
type Plan struct {
	Readings []Reading
	Setters  map[string]Setter
}

// Channels returns the names of the readings, in poll order
func (p Plan) Channels() []string {
	out := make([]string, len(p.Readings))
	for i, r := range p.Readings {
		out[i] = r.Channel
	}
	return out
}

// Range returns a Setter.Build for entry that rejects values outside
// [min, max] and formats the value with args prepended
func Range(e Entry, min, max float64, args ...interface{}) func(float64) (comm.Command, error) {
	return func(v float64) (comm.Command, error) {
		if math.IsNaN(v) || v < min || v > max {
			return comm.Command{}, fmt.Errorf("catalog: %s value %g outside [%g, %g]", e.Name, v, min, max)
		}
		a := append(append([]interface{}{}, args...), v)
		return e.Command(a...), nil
	}
}
