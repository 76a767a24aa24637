package poller

import (
	"encoding/json"
	"time"
)

// Field is one channel of a Snapshot
type Field struct {
	Name string

	// Value is the latest value.  It is NaN when Valid is false.
	Value float64

	// Valid is false if the channel has never been read successfully
	Valid bool

	// Stale is true if this cycle's read failed and Value is held over
	// from an earlier cycle
	Stale bool

	// Err describes the failure when Stale or !Valid
	Err string
}

// SetError records a set request that could not be applied
type SetError struct {
	Parameter string
	Value     float64
	Err       string
}

// Snapshot is the bundle of channel values captured in one cycle.  It is
// immutable; accessors return copies.
type Snapshot struct {
	instrument string
	cycle      uint64
	time       time.Time
	fields     []Field
	index      map[string]int
	errors     []SetError
}

// NewSnapshot builds a snapshot.  The fields slice is owned by the snapshot
// afterwards.
func NewSnapshot(instrument string, cycle uint64, t time.Time, fields []Field, errs []SetError) Snapshot {
	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		idx[f.Name] = i
	}
	return Snapshot{
		instrument: instrument,
		cycle:      cycle,
		time:       t,
		fields:     fields,
		index:      idx,
		errors:     errs}
}

// Instrument is the name of the instrument the snapshot came from
func (s Snapshot) Instrument() string { return s.instrument }

// Cycle is the number of the cycle that produced the snapshot, from 1
func (s Snapshot) Cycle() uint64 { return s.cycle }

// Time is when the cycle's reads completed
func (s Snapshot) Time() time.Time { return s.time }

// Fields returns the channels in poll order
func (s Snapshot) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field returns the named channel
func (s Snapshot) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Get returns the value of the named channel, and false if the channel does
// not exist or has no valid value
func (s Snapshot) Get(name string) (float64, bool) {
	f, ok := s.Field(name)
	if !ok || !f.Valid {
		return 0, false
	}
	return f.Value, true
}

// Errors returns the set requests that failed during the cycle
func (s Snapshot) Errors() []SetError {
	out := make([]SetError, len(s.errors))
	copy(out, s.errors)
	return out
}

// Values returns the valid channel values keyed by name
func (s Snapshot) Values() map[string]float64 {
	out := make(map[string]float64, len(s.fields))
	for _, f := range s.fields {
		if f.Valid {
			out[f.Name] = f.Value
		}
	}
	return out
}

type jsonField struct {
	Name  string   `json:"name"`
	Value *float64 `json:"value"`
	Stale bool     `json:"stale,omitempty"`
	Err   string   `json:"error,omitempty"`
}

type jsonSetError struct {
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
	Err       string  `json:"error"`
}

type jsonSnapshot struct {
	Instrument string         `json:"instrument"`
	Cycle      uint64         `json:"cycle"`
	Time       time.Time      `json:"timestamp"`
	Fields     []jsonField    `json:"fields"`
	Errors     []jsonSetError `json:"errors,omitempty"`
}

// MarshalJSON encodes the snapshot; invalid values are null
func (s Snapshot) MarshalJSON() ([]byte, error) {
	js := jsonSnapshot{
		Instrument: s.instrument,
		Cycle:      s.cycle,
		Time:       s.time,
		Fields:     make([]jsonField, len(s.fields)),
	}
	for i, f := range s.fields {
		jf := jsonField{Name: f.Name, Stale: f.Stale, Err: f.Err}
		if f.Valid {
			v := f.Value
			jf.Value = &v
		}
		js.Fields[i] = jf
	}
	for _, e := range s.errors {
		js.Errors = append(js.Errors, jsonSetError{Parameter: e.Parameter, Value: e.Value, Err: e.Err})
	}
	return json.Marshal(js)
}
