// Package catalog describes instrument command sets as data.
//
// Each Entry maps a logical operation to a wire template and the shape of the
// reply it produces.  Driver packages declare a Table of entries and a Plan
// of the readings and setters a poll loop should use; the command channel and
// poll loop never contain protocol knowledge themselves.
package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cryolab/cryoctl/comm"
)

// ErrUnknownEntry is generated when a Table has no entry by the requested name
var ErrUnknownEntry = errors.New("catalog: unknown entry")

// Reply is the shape of an instrument reply
type Reply int

const (
	// None means the command is write-only
	None Reply = iota

	// Float is a single signed decimal, e.g. +122.500000
	Float

	// Floats is a comma separated list of decimals
	Floats

	// Int is a single integer
	Int

	// Text is returned verbatim
	Text

	// Ack is an echo of the command mnemonic.  A leading '?' means the
	// instrument did not understand or rejected the command.
	Ack
)

// Entry is one instrument operation
type Entry struct {
	// Name is the logical name, e.g. read_kelvin
	Name string

	// Template is a fmt format string for the wire command, e.g. "KRDG? %s"
	Template string

	// Reply is the expected reply shape
	Reply Reply

	// Prefix is stripped from the front of the reply before decoding, for
	// instruments that echo the command letter (the ITC503 replies "R+4.2")
	Prefix string
}

// Command formats the entry with args
func (e Entry) Command(args ...interface{}) comm.Command {
	payload := e.Template
	if len(args) > 0 {
		payload = fmt.Sprintf(e.Template, args...)
	}
	return comm.Command{Payload: payload, ExpectReply: e.Reply != None}
}

// Value is a decoded reply
type Value struct {
	Floats []float64
	Int    int
	Text   string
}

// Float returns the first float, or zero
func (v Value) Float() float64 {
	if len(v.Floats) == 0 {
		return 0
	}
	return v.Floats[0]
}

// Decode converts the reply to cmd into a Value according to the entry's shape
func (e Entry) Decode(cmd comm.Command, resp comm.Response) (Value, error) {
	if e.Reply == None {
		return Value{}, nil
	}
	if resp.NoData {
		return Value{}, &comm.DecodeError{Command: cmd.Payload, Reason: "no reply"}
	}
	txt := strings.TrimSpace(resp.Text)
	switch e.Reply {
	case Ack:
		if strings.HasPrefix(txt, "?") {
			return Value{Text: txt}, &comm.DecodeError{Command: cmd.Payload, Reply: txt, Reason: "rejected by instrument"}
		}
		return Value{Text: txt}, nil
	case Text:
		return Value{Text: txt}, nil
	}

	if e.Prefix != "" {
		if !strings.HasPrefix(txt, e.Prefix) {
			return Value{}, &comm.DecodeError{Command: cmd.Payload, Reply: txt, Reason: "missing prefix " + e.Prefix}
		}
		txt = strings.TrimPrefix(txt, e.Prefix)
	}
	switch e.Reply {
	case Float:
		f, err := ParseFloat(txt)
		if err != nil {
			return Value{}, &comm.DecodeError{Command: cmd.Payload, Reply: resp.Text, Reason: err.Error()}
		}
		return Value{Floats: []float64{f}}, nil
	case Floats:
		fs, err := ParseFloats(txt)
		if err != nil {
			return Value{}, &comm.DecodeError{Command: cmd.Payload, Reply: resp.Text, Reason: err.Error()}
		}
		return Value{Floats: fs}, nil
	case Int:
		i, err := strconv.Atoi(strings.TrimPrefix(txt, "+"))
		if err != nil {
			return Value{}, &comm.DecodeError{Command: cmd.Payload, Reply: resp.Text, Reason: err.Error()}
		}
		return Value{Int: i, Floats: []float64{float64(i)}}, nil
	}
	return Value{}, fmt.Errorf("catalog: entry %s has unknown reply shape %d", e.Name, e.Reply)
}

// ParseFloat parses a signed decimal such as "+122.500000"
func ParseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// ParseFloats parses a comma separated list of decimals
func ParseFloats(s string) ([]float64, error) {
	pieces := strings.Split(s, ",")
	out := make([]float64, len(pieces))
	for i, p := range pieces {
		f, err := ParseFloat(p)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

// Table maps logical names to entries
type Table map[string]Entry

// Lookup returns the entry by name
func (t Table) Lookup(name string) (Entry, error) {
	e, ok := t[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	return e, nil
}

// Command formats the named entry with args
func (t Table) Command(name string, args ...interface{}) (comm.Command, error) {
	e, err := t.Lookup(name)
	if err != nil {
		return comm.Command{}, err
	}
	return e.Command(args...), nil
}

// Executor executes one command.  *comm.Channel is an Executor.
type Executor interface {
	Execute(comm.Command) (comm.Response, error)
}

// Do formats the named entry, executes it, and decodes the reply
func (t Table) Do(ex Executor, name string, args ...interface{}) (Value, error) {
	e, err := t.Lookup(name)
	if err != nil {
		return Value{}, err
	}
	cmd := e.Command(args...)
	resp, err := ex.Execute(cmd)
	if err != nil {
		return Value{}, err
	}
	return e.Decode(cmd, resp)
}

// Identity is the reply to *IDN?
type Identity struct {
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
}

func (i Identity) String() string {
	return strings.Join([]string{i.Manufacturer, i.Model, i.Serial, i.Firmware}, ",")
}

// ParseIdentity parses manufacturer,model,serial,firmware
func ParseIdentity(s string) (Identity, error) {
	pieces := strings.Split(strings.TrimSpace(s), ",")
	if len(pieces) != 4 {
		return Identity{}, &comm.DecodeError{Command: "*IDN?", Reply: s, Reason: fmt.Sprintf("expected 4 fields, got %d", len(pieces))}
	}
	for i := range pieces {
		pieces[i] = strings.TrimSpace(pieces[i])
	}
	return Identity{
		Manufacturer: pieces[0],
		Model:        pieces[1],
		Serial:       pieces[2],
		Firmware:     pieces[3]}, nil
}

// IdentityString is ParseIdentity shaped for comm.Config.ParseIdentity
func IdentityString(s string) (string, error) {
	id, err := ParseIdentity(s)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
