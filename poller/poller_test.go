package poller

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cryolab/cryoctl/catalog"
	"github.com/cryolab/cryoctl/comm"
	"github.com/cryolab/cryoctl/lakeshore"
)

type fakeExec struct {
	mu      sync.Mutex
	log     []string
	replies map[string]string
	fail    map[string]error
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		replies: map[string]string{"RD? a": "+1.000", "RD? b": "+2.000"},
		fail:    map[string]error{}}
}

func (f *fakeExec) Execute(cmd comm.Command) (comm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, cmd.Payload)
	if err, ok := f.fail[cmd.Payload]; ok {
		return comm.Response{}, err
	}
	if !cmd.ExpectReply {
		return comm.Response{NoData: true}, nil
	}
	return comm.Response{Text: f.replies[cmd.Payload]}, nil
}

func (f *fakeExec) set(cmd, reply string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.fail[cmd] = err
		return
	}
	delete(f.fail, cmd)
	f.replies[cmd] = reply
}

func (f *fakeExec) drain() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.log
	f.log = nil
	return out
}

func testPlan() catalog.Plan {
	read := catalog.Entry{Name: "read", Template: "RD? %s", Reply: catalog.Float}
	sp := catalog.Entry{Name: "setpoint", Template: "SP %g"}
	gain := catalog.Entry{Name: "gain", Template: "GN %g"}
	return catalog.Plan{
		Readings: []catalog.Reading{
			{Channel: "a", Entry: read, Args: []interface{}{"a"}},
			{Channel: "b", Entry: read, Args: []interface{}{"b"}},
		},
		Setters: map[string]catalog.Setter{
			"sp":   {Entry: sp, Build: catalog.Range(sp, 0, 100)},
			"gain": {Entry: gain, Build: catalog.Range(gain, 0, 10)},
		},
	}
}

func newTestLoop(ex catalog.Executor, c Consumer) *Loop {
	return New(ex, testPlan(), Config{Name: "test", Interval: time.Millisecond}, c)
}

func TestSetAppliedOnceBeforeReads(t *testing.T) {
	ex := newFakeExec()
	l := newTestLoop(ex, nil)
	if err := l.RequestSet("sp", 10); err != nil {
		t.Fatal(err)
	}
	if err := l.RequestSet("sp", 20); err != nil {
		t.Fatal(err)
	}
	if _, err := l.runCycle(); err != nil {
		t.Fatal(err)
	}
	got := ex.drain()
	expected := []string{"SP 20", "RD? a", "RD? b"}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("cycle 1 sent %v, expected %v", got, expected)
	}
	if _, err := l.runCycle(); err != nil {
		t.Fatal(err)
	}
	got = ex.drain()
	expected = []string{"RD? a", "RD? b"}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("cycle 2 sent %v, expected %v", got, expected)
	}
}

func TestSetsAppliedInFirstRequestOrder(t *testing.T) {
	ex := newFakeExec()
	l := newTestLoop(ex, nil)
	l.RequestSet("gain", 1)
	l.RequestSet("sp", 50)
	l.RequestSet("gain", 2)
	if _, err := l.runCycle(); err != nil {
		t.Fatal(err)
	}
	got := ex.drain()[:2]
	expected := []string{"GN 2", "SP 50"}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("sent %v, expected %v", got, expected)
	}
}

func TestRequestSetUnknownParameter(t *testing.T) {
	l := newTestLoop(newFakeExec(), nil)
	err := l.RequestSet("nope", 1)
	if !errors.Is(err, ErrUnknownParameter) {
		t.Errorf("expected ErrUnknownParameter, got %v", err)
	}
}

func TestSetValidationErrorIsReported(t *testing.T) {
	ex := newFakeExec()
	l := newTestLoop(ex, nil)
	l.RequestSet("sp", 1000)
	snap, err := l.runCycle()
	if err != nil {
		t.Fatal(err)
	}
	errs := snap.Errors()
	if len(errs) != 1 || errs[0].Parameter != "sp" || errs[0].Value != 1000 {
		t.Errorf("expected one error for sp=1000, got %+v", errs)
	}
	for _, c := range ex.drain() {
		if strings.HasPrefix(c, "SP") {
			t.Errorf("out of range set was sent: %s", c)
		}
	}
}

func TestNaNSetIsReportedNotSent(t *testing.T) {
	ex := newFakeExec()
	l := newTestLoop(ex, nil)
	l.RequestSet("sp", math.NaN())
	snap, err := l.runCycle()
	if err != nil {
		t.Fatal(err)
	}
	if errs := snap.Errors(); len(errs) != 1 || errs[0].Parameter != "sp" {
		t.Errorf("expected one error for sp, got %+v", errs)
	}
	for _, c := range ex.drain() {
		if strings.HasPrefix(c, "SP") {
			t.Errorf("NaN set was sent: %s", c)
		}
	}
}

func TestReadTimeoutHoldsPreviousValue(t *testing.T) {
	ex := newFakeExec()
	l := newTestLoop(ex, nil)
	if _, err := l.runCycle(); err != nil {
		t.Fatal(err)
	}
	ex.set("RD? a", "", comm.ErrTransportTimeout)
	ex.set("RD? b", "+3.000", nil)
	snap, err := l.runCycle()
	if err != nil {
		t.Fatal(err)
	}
	a, _ := snap.Field("a")
	if !a.Valid || !a.Stale || a.Value != 1 || a.Err == "" {
		t.Errorf("expected a held stale at 1, got %+v", a)
	}
	if v, ok := snap.Get("b"); !ok || v != 3 {
		t.Errorf("expected b read as 3, got %g %v", v, ok)
	}
	if snap.Cycle() != 2 {
		t.Errorf("expected cycle 2, got %d", snap.Cycle())
	}
}

func TestNeverReadChannelIsInvalid(t *testing.T) {
	ex := newFakeExec()
	ex.set("RD? a", "", comm.ErrTransportTimeout)
	l := newTestLoop(ex, nil)
	snap, err := l.runCycle()
	if err != nil {
		t.Fatal(err)
	}
	a, _ := snap.Field("a")
	if a.Valid || !math.IsNaN(a.Value) {
		t.Errorf("expected a invalid and NaN, got %+v", a)
	}
	if _, ok := snap.Get("a"); ok {
		t.Error("Get returned ok for an invalid channel")
	}
	b, _ := json.Marshal(snap)
	if !strings.Contains(string(b), `"name":"a","value":null`) {
		t.Errorf("expected null value for a in %s", b)
	}
}

func TestFatalErrorStopsLoopOnce(t *testing.T) {
	ex := newFakeExec()
	ex.set("RD? a", "", comm.ErrTransportClosed)
	var (
		mu     sync.Mutex
		fatals int
		snaps  int
	)
	c := ConsumerFuncs{
		Snapshot: func(Snapshot) { mu.Lock(); snaps++; mu.Unlock() },
		Fatal:    func(error) { mu.Lock(); fatals++; mu.Unlock() },
	}
	l := newTestLoop(ex, c)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after a fatal error")
	}
	mu.Lock()
	defer mu.Unlock()
	if fatals != 1 || snaps != 0 {
		t.Errorf("expected 1 fatal and 0 snapshots, got %d and %d", fatals, snaps)
	}
	if l.State() != Stopped {
		t.Errorf("expected stopped, got %s", l.State())
	}
	if n := len(ex.drain()); n != 1 {
		t.Errorf("expected exactly one command before stopping, got %d", n)
	}
	if err := l.RequestSet("sp", 1); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestLifecycle(t *testing.T) {
	l := newTestLoop(newFakeExec(), nil)
	if l.State() != Idle {
		t.Fatalf("expected idle, got %s", l.State())
	}
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(); !errors.Is(err, ErrNotIdle) {
		t.Errorf("expected ErrNotIdle from second Start, got %v", err)
	}
	l.Stop()
	l.Stop()
	l.Wait()
	if l.State() != Stopped {
		t.Errorf("expected stopped, got %s", l.State())
	}
	if err := l.Start(); !errors.Is(err, ErrNotIdle) {
		t.Errorf("expected ErrNotIdle after stop, got %v", err)
	}
}

func TestStopIdleLoop(t *testing.T) {
	l := newTestLoop(newFakeExec(), nil)
	l.Stop()
	select {
	case <-l.Done():
	default:
		t.Fatal("Done not closed after stopping an idle loop")
	}
}

func TestPollsLakeshore(t *testing.T) {
	m := lakeshore.NewMock()
	m.SetKelvin("A", 122.5)
	m.Mute("KRDG? B", true)
	cfg := lakeshore.ChannelConfig("mock")
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxRate = 0
	ch := comm.NewChannel(cfg, m.Maker())
	if _, err := ch.Connect(); err != nil {
		t.Fatal(err)
	}
	defer ch.Disconnect()

	snaps := make(chan Snapshot, 16)
	c := ConsumerFuncs{Snapshot: func(s Snapshot) {
		select {
		case snaps <- s:
		default:
		}
	}}
	plan := lakeshore.Plan(lakeshore.PlanOptions{Inputs: []string{"A", "B"}, Outputs: []int{1}})
	l := New(ch, plan, Config{Name: "lakeshore350", Interval: 10 * time.Millisecond}, c)
	if err := l.RequestSet("setpoint_1", 100); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Wait()
	defer l.Stop()

	var s Snapshot
	select {
	case s = <-snaps:
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}
	if v, ok := s.Get("sensor_A"); !ok || v != 122.5 {
		t.Errorf("expected sensor_A 122.5, got %g %v", v, ok)
	}
	if f, _ := s.Field("sensor_B"); f.Valid {
		t.Errorf("expected sensor_B invalid, got %+v", f)
	}
	if v, ok := s.Get("setpoint_1"); !ok || v != 100 {
		t.Errorf("expected setpoint_1 100, got %g %v", v, ok)
	}
	if s.Instrument() != "lakeshore350" {
		t.Errorf("unexpected instrument %q", s.Instrument())
	}
}

func TestDeadLinkEndsInOneFatal(t *testing.T) {
	m := comm.NewMockTransport("\r\n", func(cmd string) (string, bool) {
		return "+1.000", strings.HasPrefix(cmd, "RD?")
	})
	ch := comm.NewChannel(comm.Config{Name: "test", Timeout: 20 * time.Millisecond, ReconnectAfter: 2}, m.Maker())
	if _, err := ch.Connect(); err != nil {
		t.Fatal(err)
	}
	var (
		mu     sync.Mutex
		fatals int
	)
	first := make(chan struct{})
	c := ConsumerFuncs{
		Snapshot: func(s Snapshot) {
			if s.Cycle() == 1 {
				close(first)
			}
		},
		Fatal: func(err error) {
			mu.Lock()
			fatals++
			mu.Unlock()
			if !comm.IsFatal(err) {
				t.Errorf("expected fatal error, got %v", err)
			}
		},
	}
	l := newTestLoop(ch, c)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}
	m.Break(errors.New("broken pipe"))
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on a dead link")
	}
	mu.Lock()
	defer mu.Unlock()
	if fatals != 1 {
		t.Errorf("expected exactly one fatal notification, got %d", fatals)
	}
	if l.State() != Stopped {
		t.Errorf("expected stopped, got %s", l.State())
	}
}
