// Package multiserver assembles channels, drivers and poll loops for a set of
// instruments from a configuration and serves them over HTTP
package multiserver

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/cryolab/cryoctl/catalog"
	"github.com/cryolab/cryoctl/comm"
	"github.com/cryolab/cryoctl/envsrv"
	"github.com/cryolab/cryoctl/generichttp"
	"github.com/cryolab/cryoctl/generichttp/thermal"
	"github.com/cryolab/cryoctl/lakeshore"
	"github.com/cryolab/cryoctl/mqttpub"
	"github.com/cryolab/cryoctl/oxford"
	"github.com/cryolab/cryoctl/poller"
	"github.com/cryolab/cryoctl/server"
	"github.com/cryolab/cryoctl/server/middleware/locker"
)

// ObjSetup holds the setup of one instrument
type ObjSetup struct {
	// Type is the kind of instrument, case insensitive: "lakeshore350",
	// "ls350", "itc503" or "oxford"
	Type string `yaml:"Type" koanf:"Type"`

	// Addr holds the network or filesystem address of the remote device,
	// e.g. 192.168.100.123:2006 for a device connected to port 6
	// on a digi portserver, or /dev/ttyS4 for an RS232 device on a serial cable
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Endpoint is the URL the routes for this instrument are served under,
	// ex. Endpoint="/dewar/lakeshore" will produce /dewar/lakeshore/snapshot
	// etc.  Defaults to the instrument name.
	Endpoint string `yaml:"Endpoint" koanf:"Endpoint"`

	// Name labels logs, metrics and MQTT topics.  Defaults to Type.
	Name string `yaml:"Name" koanf:"Name"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `yaml:"Serial" koanf:"Serial"`

	// Baud overrides the instrument's default serial baud rate
	Baud int `yaml:"Baud" koanf:"Baud"`

	// Timeout overrides the reply timeout
	Timeout time.Duration `yaml:"Timeout" koanf:"Timeout"`

	// PollInterval is the time between the starts of poll cycles
	PollInterval time.Duration `yaml:"PollInterval" koanf:"PollInterval"`

	// QueryDelay is the minimum time between reads within a cycle
	QueryDelay time.Duration `yaml:"QueryDelay" koanf:"QueryDelay"`

	// Terminator overrides the instrument's line terminator
	Terminator string `yaml:"Terminator" koanf:"Terminator"`

	// MaxRate overrides the instrument's maximum command rate, per second
	MaxRate float64 `yaml:"MaxRate" koanf:"MaxRate"`

	// ReconnectAfter is the number of consecutive timeouts that trigger a
	// reconnect; zero keeps the driver default, negative disables reconnecting
	ReconnectAfter int `yaml:"ReconnectAfter" koanf:"ReconnectAfter"`

	// Initialize sends the instrument's setup commands after connecting
	Initialize bool `yaml:"Initialize" koanf:"Initialize"`

	// Inputs and Outputs limit the Lake Shore channels polled
	Inputs  []string `yaml:"Inputs" koanf:"Inputs"`
	Outputs []int    `yaml:"Outputs" koanf:"Outputs"`

	// Mock replaces the transport with an in-memory instrument
	Mock bool `yaml:"Mock" koanf:"Mock"`
}

// Config is a struct that holds the initialization parameters for the
// instruments and the server.  It is to be populated by a koanf or yaml
// unmarshal call.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// HistoryLength is the number of snapshots kept per instrument
	HistoryLength int `yaml:"HistoryLength" koanf:"HistoryLength"`

	// MQTT configures the broker snapshots are published to.  An empty
	// Broker disables MQTT.
	MQTT mqttpub.Config `yaml:"MQTT" koanf:"MQTT"`

	// Instruments is the list of instruments to set up
	Instruments []ObjSetup `yaml:"Instruments" koanf:"Instruments"`
}

// DefaultConfig is the configuration used when no file overrides it
func DefaultConfig() Config {
	mq := mqttpub.DefaultConfig()
	mq.Broker = ""
	return Config{
		Addr:          ":8000",
		HistoryLength: envsrv.DefaultCapacity,
		MQTT:          mq,
		Instruments: []ObjSetup{{
			Type:         "lakeshore350",
			Addr:         "192.168.100.40:7777",
			Endpoint:     "/dewar/lakeshore",
			PollInterval: time.Second,
			QueryDelay:   100 * time.Millisecond,
			Mock:         true,
		}}}
}

// LoadYaml converts a (path to a) yaml file into a Config struct
func LoadYaml(path string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	err = yaml.NewDecoder(f).Decode(&cfg)
	return cfg, err
}

// Instrument is one configured, connected instrument and its poll loop
type Instrument struct {
	Setup   ObjSetup
	Channel *comm.Channel
	Loop    *poller.Loop
	History *envsrv.Recorder
	Monitor *thermal.Monitor
	MQTT    *mqttpub.Publisher

	isTemp func(string) bool
}

// Server holds every instrument and the router that serves them
type Server struct {
	Instruments []*Instrument
	Router      chi.Router
}

type driver struct {
	chcfg  comm.Config
	sercfg comm.SerialConfig
	mock   func() comm.CreationFunc
	init   func(catalog.Executor) error
	plan   catalog.Plan
	isTemp func(string) bool
}

func driverFor(o ObjSetup) (driver, error) {
	switch strings.ToLower(o.Type) {
	case "lakeshore350", "lakeshore", "ls350":
		opts := lakeshore.DefaultPlanOptions()
		if len(o.Inputs) > 0 {
			opts.Inputs = o.Inputs
		}
		if len(o.Outputs) > 0 {
			opts.Outputs = o.Outputs
		}
		return driver{
			chcfg:  lakeshore.ChannelConfig(o.Addr),
			sercfg: lakeshore.SerialConfig(o.Addr),
			mock:   func() comm.CreationFunc { return lakeshore.NewMock().Maker() },
			init:   func(ex catalog.Executor) error { return lakeshore.New(ex).Initialize() },
			plan:   lakeshore.Plan(opts),
			isTemp: lakeshore.IsTemperature}, nil
	case "itc503", "oxford", "itc":
		return driver{
			chcfg:  oxford.ChannelConfig(o.Addr),
			sercfg: oxford.SerialConfig(o.Addr),
			mock:   func() comm.CreationFunc { return oxford.NewMock().Maker() },
			init:   func(ex catalog.Executor) error { return oxford.New(ex).Initialize() },
			plan:   oxford.Plan(),
			isTemp: oxford.IsTemperature}, nil
	default:
		return driver{}, fmt.Errorf("multiserver: type %q not understood", o.Type)
	}
}

// NewInstrument connects to an instrument and prepares, but does not start,
// its poll loop
func NewInstrument(ctx context.Context, o ObjSetup, historyLength int, mq mqttpub.Config) (*Instrument, error) {
	drv, err := driverFor(o)
	if err != nil {
		return nil, err
	}
	chcfg := drv.chcfg
	if o.Name != "" {
		chcfg.Name = o.Name
	}
	if o.Timeout > 0 {
		chcfg.Timeout = o.Timeout
	}
	if o.Terminator != "" {
		chcfg.Terminator = o.Terminator
	}
	if o.MaxRate > 0 {
		chcfg.MaxRate = o.MaxRate
	}
	if chcfg.Timeout == 0 {
		chcfg.Timeout = comm.DefaultTimeout
	}
	if o.ReconnectAfter != 0 {
		chcfg.ReconnectAfter = o.ReconnectAfter
	}
	o.Name = chcfg.Name

	var maker comm.CreationFunc
	switch {
	case o.Mock:
		maker = drv.mock()
	case o.Serial:
		sc := drv.sercfg
		if o.Baud != 0 {
			sc.Baud = o.Baud
		}
		maker = comm.SerialConnMaker(sc)
	default:
		maker = comm.BackingOffTCPConnMaker(o.Addr, chcfg.Timeout)
	}

	ch := comm.NewChannel(chcfg, maker)
	id, err := ch.Connect()
	if err != nil {
		return nil, err
	}
	log.Printf("%s: connected to %s, %q", o.Name, o.Addr, id)
	if o.Initialize {
		if err := drv.init(ch); err != nil {
			return nil, multierr.Append(fmt.Errorf("%s: initialize: %w", o.Name, err), ch.Disconnect())
		}
	}

	inst := &Instrument{
		Setup:   o,
		Channel: ch,
		History: envsrv.New(historyLength),
		Monitor: &thermal.Monitor{},
		isTemp:  drv.isTemp}

	cfg := poller.DefaultConfig(o.Name)
	if o.PollInterval > 0 {
		cfg.Interval = o.PollInterval
	}
	if o.QueryDelay > 0 {
		cfg.QueryDelay = o.QueryDelay
	}
	consumers := []poller.Consumer{inst.Monitor, inst.History}
	var loop *poller.Loop
	if mq.Broker != "" {
		inst.MQTT = mqttpub.New(mq, o.Name, setterFunc(func(name string, v float64) error {
			return loop.RequestSet(name, v)
		}))
		consumers = append(consumers, inst.MQTT)
	}
	loop = poller.New(ch, drv.plan, cfg, poller.Consumers(consumers...))
	inst.Loop = loop
	if inst.MQTT != nil {
		if err := inst.MQTT.Connect(ctx); err != nil {
			return nil, multierr.Append(err, ch.Disconnect())
		}
	}
	return inst, nil
}

type setterFunc func(string, float64) error

func (f setterFunc) RequestSet(name string, v float64) error { return f(name, v) }

// Close stops the loop, waits for it, and releases the channel and broker
func (i *Instrument) Close() error {
	i.Loop.Stop()
	i.Loop.Wait()
	if i.MQTT != nil {
		i.MQTT.Disconnect()
	}
	return i.Channel.Disconnect()
}

// Build connects every instrument in c and builds the router.  On error,
// instruments already connected are closed.
func Build(ctx context.Context, c Config) (*Server, error) {
	if len(c.Instruments) == 0 {
		return nil, fmt.Errorf("multiserver: no instruments configured")
	}
	s := &Server{}
	for _, o := range c.Instruments {
		inst, err := NewInstrument(ctx, o, c.HistoryLength, c.MQTT)
		if err != nil {
			return nil, multierr.Append(err, s.Close())
		}
		s.Instruments = append(s.Instruments, inst)
	}
	s.Router = BuildMux(s.Instruments)
	return s, nil
}

// BuildMux builds a chi router with a submux per instrument, /metrics, and
// /endpoints which lists every route
func BuildMux(insts []*Instrument) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}
	for _, inst := range insts {
		httper := thermal.NewHTTPLoop(inst.Loop, inst.Monitor, inst.isTemp)
		inst.History.Inject(httper)
		lock := locker.New()
		locker.Inject(httper, lock)
		ch, loop := inst.Channel, inst.Loop
		rt := httper.RT()
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/identity"}] = generichttp.GetString(func() (string, error) {
			return ch.Identity(), nil
		})
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/interval"}] = generichttp.GetFloat(func() (float64, error) {
			return loop.Interval().Seconds(), nil
		})

		endpt := inst.Setup.Endpoint
		if endpt == "" {
			endpt = inst.Setup.Name
		}
		hndlS := generichttp.SubMuxSanitize(endpt)
		supergraph[hndlS] = httper.RT().Endpoints()

		r := chi.NewRouter()
		r.Use(lock.Check)
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}
	root.Handle("/metrics", promhttp.Handler())
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		server.EncodeAndRespond(w, supergraph)
	})
	return root
}

// Start starts every poll loop
func (s *Server) Start() error {
	var errs error
	for _, inst := range s.Instruments {
		errs = multierr.Append(errs, inst.Loop.Start())
	}
	return errs
}

// Close stops and disconnects every instrument, returning every error
func (s *Server) Close() error {
	var errs error
	for _, inst := range s.Instruments {
		errs = multierr.Append(errs, inst.Close())
	}
	return errs
}
