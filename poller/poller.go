/*Package poller runs the periodic acquisition loop for one instrument.

A Loop owns a goroutine that, once per cycle,

	1.  applies every pending set request, in the order parameters were first
		requested, with only the latest value of each parameter sent
	2.  reads each channel of the plan, spaced by the query delay
	3.  publishes one Snapshot to its Consumer

Set requests may be made from any goroutine with RequestSet; they never wait
on the instrument.  A channel read that fails is published with its previous
value marked stale, and the other channels are still read.  If the Channel
under the loop reports a fatal error the loop stops and its Consumer is told
once, with OnFatalError.
*/
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cryolab/cryoctl/catalog"
	"github.com/cryolab/cryoctl/comm"
)

var (
	// ErrNotIdle is generated when Start is called on a loop that is
	// already polling or has stopped
	ErrNotIdle = errors.New("poller: loop is not idle")

	// ErrUnknownParameter is generated when a set is requested for a
	// parameter the plan has no setter for
	ErrUnknownParameter = errors.New("poller: unknown parameter")

	// ErrStopped is generated when a set is requested of a stopped loop
	ErrStopped = errors.New("poller: loop is stopped")
)

// State is the lifecycle state of a Loop
type State int

const (
	// Idle loops have not been started
	Idle State = iota

	// Polling loops are running cycles
	Polling

	// Stopped loops will not run any more cycles
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds the timing of a Loop
type Config struct {
	// Name labels snapshots, logs and metrics
	Name string

	// Interval is the time from the start of one cycle to the start of
	// the next.  Cycles that overrun start the next immediately.
	Interval time.Duration

	// QueryDelay is the minimum spacing between reads within a cycle.
	// Zero disables spacing.
	QueryDelay time.Duration
}

// DefaultConfig returns a config with a 1 s interval and 100 ms query delay
func DefaultConfig(name string) Config {
	return Config{Name: name, Interval: time.Second, QueryDelay: 100 * time.Millisecond}
}

type request struct {
	name  string
	value float64
}

// Loop polls one instrument through a catalog.Executor
type Loop struct {
	ex       catalog.Executor
	plan     catalog.Plan
	cfg      Config
	consumer Consumer
	limiter  *rate.Limiter

	pmu     sync.Mutex
	pending map[string]float64
	order   []string

	smu     sync.Mutex
	state   State
	last    Snapshot
	hasLast bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// owned by the loop goroutine
	cycle uint64
	prev  map[string]Field
}

// New creates a Loop.  A zero Interval is replaced with one second.
func New(ex catalog.Executor, plan catalog.Plan, cfg Config, consumer Consumer) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if consumer == nil {
		consumer = ConsumerFuncs{}
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.QueryDelay > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.QueryDelay), 1)
	}
	return &Loop{
		ex:       ex,
		plan:     plan,
		cfg:      cfg,
		consumer: consumer,
		limiter:  lim,
		pending:  make(map[string]float64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		prev:     make(map[string]Field)}
}

// Name returns the name of the loop
func (l *Loop) Name() string {
	return l.cfg.Name
}

// Interval returns the time between the starts of consecutive cycles
func (l *Loop) Interval() time.Duration {
	return l.cfg.Interval
}

// Channels returns the channel names published in each snapshot
func (l *Loop) Channels() []string {
	return l.plan.Channels()
}

// Parameters returns the names RequestSet accepts, sorted
func (l *Loop) Parameters() []string {
	out := make([]string, 0, len(l.plan.Setters))
	for k := range l.plan.Setters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// State returns the current state of the loop
func (l *Loop) State() State {
	l.smu.Lock()
	defer l.smu.Unlock()
	return l.state
}

// Last returns the most recently published snapshot, and false if none has
// been published
func (l *Loop) Last() (Snapshot, bool) {
	l.smu.Lock()
	defer l.smu.Unlock()
	return l.last, l.hasLast
}

// Start begins polling in a new goroutine
func (l *Loop) Start() error {
	l.smu.Lock()
	defer l.smu.Unlock()
	if l.state != Idle {
		return ErrNotIdle
	}
	l.state = Polling
	go l.run()
	return nil
}

// Stop asks the loop to stop.  A cycle in progress is finished and
// published first.  Stop does not wait; use Wait or Done for that.  It is safe
// to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.smu.Lock()
	defer l.smu.Unlock()
	if l.state == Idle {
		l.state = Stopped
		close(l.done)
	}
}

// Done is closed once the loop has stopped
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until the loop has stopped
func (l *Loop) Wait() {
	<-l.done
}

// RequestSet queues value for parameter name.  It is applied at the start of
// the next cycle; a later request for the same parameter before then replaces
// this one.
func (l *Loop) RequestSet(name string, value float64) error {
	if _, ok := l.plan.Setters[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParameter, name)
	}
	if l.State() == Stopped {
		return ErrStopped
	}
	l.pmu.Lock()
	defer l.pmu.Unlock()
	if _, queued := l.pending[name]; !queued {
		l.order = append(l.order, name)
	}
	l.pending[name] = value
	return nil
}

func (l *Loop) drain() []request {
	l.pmu.Lock()
	defer l.pmu.Unlock()
	out := make([]request, len(l.order))
	for i, name := range l.order {
		out[i] = request{name: name, value: l.pending[name]}
	}
	l.order = l.order[:0]
	l.pending = make(map[string]float64, len(out))
	return out
}

func (l *Loop) stopping() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

func (l *Loop) run() {
	defer close(l.done)
	defer func() {
		l.smu.Lock()
		l.state = Stopped
		l.smu.Unlock()
	}()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		if l.stopping() {
			return
		}
		start := time.Now()
		snap, err := l.runCycle()
		if err != nil {
			log.Printf("%s: stopping, %v", l.cfg.Name, err)
			l.smu.Lock()
			l.state = Stopped
			l.smu.Unlock()
			l.consumer.OnFatalError(err)
			return
		}
		l.publish(snap)

		timer.Reset(l.cfg.Interval - time.Since(start))
		select {
		case <-l.stop:
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

func (l *Loop) publish(s Snapshot) {
	l.smu.Lock()
	l.last = s
	l.hasLast = true
	l.smu.Unlock()
	record(s)
	l.consumer.OnSnapshot(s)
}

// runCycle performs one cycle.  A non-nil error is always fatal; the snapshot
// is only meaningful when it is nil.
func (l *Loop) runCycle() (Snapshot, error) {
	var setErrs []SetError
	for _, req := range l.drain() {
		err := l.apply(req)
		if err == nil {
			setsTotal.WithLabelValues(l.cfg.Name, "ok").Inc()
			continue
		}
		if comm.IsFatal(err) {
			return Snapshot{}, err
		}
		setsTotal.WithLabelValues(l.cfg.Name, "error").Inc()
		log.Printf("%s: set %s=%g failed, %v", l.cfg.Name, req.name, req.value, err)
		setErrs = append(setErrs, SetError{Parameter: req.name, Value: req.value, Err: err.Error()})
	}

	fields := make([]Field, 0, len(l.plan.Readings))
	for _, r := range l.plan.Readings {
		l.limiter.Wait(context.Background())
		cmd := r.Command()
		resp, err := l.ex.Execute(cmd)
		var v float64
		if err == nil {
			v, err = r.Decode(cmd, resp)
		}
		if err != nil {
			if comm.IsFatal(err) {
				return Snapshot{}, err
			}
			fields = append(fields, l.hold(r.Channel, err))
			continue
		}
		f := Field{Name: r.Channel, Value: v, Valid: true}
		l.prev[r.Channel] = f
		fields = append(fields, f)
	}
	l.cycle++
	return NewSnapshot(l.cfg.Name, l.cycle, time.Now(), fields, setErrs), nil
}

func (l *Loop) apply(req request) error {
	s := l.plan.Setters[req.name]
	cmd, err := s.Build(req.value)
	if err != nil {
		return err
	}
	resp, err := l.ex.Execute(cmd)
	if err != nil {
		return err
	}
	_, err = s.Entry.Decode(cmd, resp)
	return err
}

// hold returns the field for a channel whose read failed this cycle
func (l *Loop) hold(channel string, err error) Field {
	f, ok := l.prev[channel]
	if !ok {
		return Field{Name: channel, Value: math.NaN(), Err: err.Error()}
	}
	f.Stale = true
	f.Err = err.Error()
	return f
}
