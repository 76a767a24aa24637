package catalog

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/cryolab/cryoctl/comm"
)

var (
	krdg  = Entry{Name: "read_kelvin", Template: "KRDG? %s", Reply: Float}
	setp  = Entry{Name: "set_setpoint", Template: "SETP %d,%g", Reply: None}
	qsetp = Entry{Name: "read_setpoint", Template: "SETP? %d", Reply: Float}
	pid   = Entry{Name: "read_pid", Template: "PID? %d", Reply: Floats}
	r0    = Entry{Name: "R0", Template: "R0", Reply: Float, Prefix: "R"}
	tset  = Entry{Name: "T", Template: "T%.3f", Reply: Ack}
)

func ExampleEntry_Command() {
	fmt.Println(setp.Command(1, 122.5))
	fmt.Println(krdg.Command("A"))
	// Output:
	// SETP 1,122.5
	// KRDG? A
}

func TestCommandExpectsReplyOnlyForQueries(t *testing.T) {
	if setp.Command(1, 1.0).ExpectReply {
		t.Error("write-only entry produced a command expecting a reply")
	}
	if !krdg.Command("A").ExpectReply {
		t.Error("query entry produced a command not expecting a reply")
	}
}

func TestDecodeFloat(t *testing.T) {
	cases := []struct {
		reply string
		want  float64
	}{
		{"+122.500000", 122.5},
		{"-0.5", -0.5},
		{" +4.2000 ", 4.2},
	}
	for _, c := range cases {
		v, err := krdg.Decode(krdg.Command("A"), comm.Response{Text: c.reply})
		if err != nil {
			t.Errorf("%q: %v", c.reply, err)
			continue
		}
		if v.Float() != c.want {
			t.Errorf("%q: expected %g got %g", c.reply, c.want, v.Float())
		}
	}
}

func TestDecodeMalformedIsDecodeError(t *testing.T) {
	_, err := krdg.Decode(krdg.Command("A"), comm.Response{Text: "T_OVER"})
	var de *comm.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if de.Command != "KRDG? A" {
		t.Errorf("expected command in error, got %q", de.Command)
	}
}

func TestDecodeWithPrefix(t *testing.T) {
	v, err := r0.Decode(r0.Command(), comm.Response{Text: "R+0004.20"})
	if err != nil {
		t.Fatal(err)
	}
	if v.Float() != 4.2 {
		t.Errorf("expected 4.2 got %g", v.Float())
	}
	if _, err := r0.Decode(r0.Command(), comm.Response{Text: "?R0"}); err == nil {
		t.Error("expected error for reply without prefix")
	}
}

func TestDecodeAck(t *testing.T) {
	if _, err := tset.Decode(tset.Command(4.2), comm.Response{Text: "T"}); err != nil {
		t.Errorf("expected echo to be accepted, got %v", err)
	}
	_, err := tset.Decode(tset.Command(4.2), comm.Response{Text: "?T4.200"})
	var de *comm.DecodeError
	if !errors.As(err, &de) {
		t.Errorf("expected rejection to be a DecodeError, got %v", err)
	}
}

func TestDecodeFloats(t *testing.T) {
	v, err := pid.Decode(pid.Command(1), comm.Response{Text: "+50.0,+20.0,+0.0"})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{50, 20, 0}
	for i := range want {
		if v.Floats[i] != want[i] {
			t.Errorf("field %d expected %g got %g", i, want[i], v.Floats[i])
		}
	}
}

func TestSetpointRoundTrip(t *testing.T) {
	cmd := setp.Command(1, 122.5)
	if cmd.Payload != "SETP 1,122.5" {
		t.Fatalf("unexpected wire command %q", cmd.Payload)
	}
	// the instrument echoes the setpoint in its own precision
	v, err := qsetp.Decode(qsetp.Command(1), comm.Response{Text: "+122.500"})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(v.Float()-122.5) > 1e-3 {
		t.Errorf("expected 122.5 after round trip, got %g", v.Float())
	}
}

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity("LSCI,MODEL350,LSA1234/#######,1.5")
	if err != nil {
		t.Fatal(err)
	}
	if id.Manufacturer != "LSCI" || id.Model != "MODEL350" || id.Serial != "LSA1234/#######" || id.Firmware != "1.5" {
		t.Errorf("unexpected identity %+v", id)
	}
	if _, err := ParseIdentity("ITC503 Version 1.1"); err == nil {
		t.Error("expected error for non-IDN reply")
	}
}

func TestTableLookupUnknown(t *testing.T) {
	tbl := Table{krdg.Name: krdg}
	_, err := tbl.Command("nope")
	if !errors.Is(err, ErrUnknownEntry) {
		t.Errorf("expected ErrUnknownEntry, got %v", err)
	}
}

func TestRangeSetter(t *testing.T) {
	build := Range(setp, 0, 300, 1)
	cmd, err := build(122.5)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Payload != "SETP 1,122.5" {
		t.Errorf("unexpected command %q", cmd.Payload)
	}
	for _, v := range []float64{-1, 301, math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := build(v); err == nil {
			t.Errorf("expected %g to be rejected", v)
		}
	}
}

func TestReadingIndex(t *testing.T) {
	r := Reading{Channel: "integral", Entry: pid, Args: []interface{}{1}, Index: 1}
	f, err := r.Decode(r.Command(), comm.Response{Text: "+50.0,+20.0,+0.0"})
	if err != nil || f != 20 {
		t.Errorf("expected 20, got %g %v", f, err)
	}
	r.Index = 5
	if _, err := r.Decode(r.Command(), comm.Response{Text: "+50.0"}); err == nil {
		t.Error("expected error for missing field")
	}
}
