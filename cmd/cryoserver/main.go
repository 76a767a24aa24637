package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"go.uber.org/multierr"

	yml "gopkg.in/yaml.v2"

	"github.com/cryolab/cryoctl/multiserver"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "cryoserver.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(multiserver.DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconfig() multiserver.Config {
	c := multiserver.Config{}
	err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "koanf"})
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `cryoserver polls cryogenic temperature controllers and exposes their readings
and setpoints over HTTP, with optional mirroring to an MQTT broker.

Usage:
	cryoserver <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `cryoserver is amenable to configuration via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

Run "cryoserver mkconf" to write the default configuration, which polls a mock
Lake Shore 350, then edit it.

Each entry of Instruments is polled by its own loop.  Every PollInterval the
loop applies the setpoints requested since the last cycle, then reads every
channel, waiting QueryDelay between reads, and publishes a snapshot.

No two instruments can have the same Endpoint.  Endpoints may look like any
variation of "dewar/lakeshore" or "/dewar/lakeshore/"; slashes are fixed up.

Routes, under each endpoint:
	GET  /state                 loop state and fatal error, if any
	GET  /snapshot              the latest snapshot
	GET  /history?n=100         the last n snapshots, as columns
	GET  /read/{channel}?unit=C one channel; unit is K, C or F
	GET  /channels, /parameters names of channels and settable parameters
	POST /set/{param}           {"f64": value}, applied next cycle
	POST /stop                  stop polling
	GET/POST /lock              {"bool": true} rejects sets while locked
And globally /endpoints and /metrics.

Hardware and matching "Type" fields, case insensitive:
- Lake Shore
	> Model 350 temperature controller "lakeshore350", "ls350"
- Oxford Instruments
	> ITC 503 temperature controller "itc503", "oxford"`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("cryoserver version %v\n", Version)
}

func run() {
	c := loadconfig()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := multiserver.Build(ctx, c)
	if err != nil {
		log.Fatal(err)
	}
	if err := s.Start(); err != nil {
		log.Fatal(multierr.Append(err, s.Close()))
	}

	srv := &http.Server{Addr: c.Addr, Handler: s.Router}
	go func() {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		srv.Shutdown(sctx)
	}()
	log.Println("now listening for requests at ", c.Addr)
	err = srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	err = multierr.Append(err, s.Close())
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
