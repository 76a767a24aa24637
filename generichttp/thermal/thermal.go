// Package thermal exposes an HTTP interface to polled temperature controllers
package thermal

import (
	"encoding/json"
	"errors"
	"go/types"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"

	"github.com/cryolab/cryoctl/generichttp"
	"github.com/cryolab/cryoctl/poller"
	"github.com/cryolab/cryoctl/server"
	"github.com/cryolab/cryoctl/temperature"
)

// Loop is the part of a poller.Loop the HTTP interface uses
type Loop interface {
	Name() string
	State() poller.State
	Last() (poller.Snapshot, bool)
	Channels() []string
	Parameters() []string
	RequestSet(string, float64) error
	Stop()
}

// Monitor is a poller.Consumer that remembers why a loop stopped
type Monitor struct {
	mu    sync.Mutex
	fatal error
	at    time.Time
}

// OnSnapshot does nothing; the loop keeps its own latest snapshot
func (m *Monitor) OnSnapshot(poller.Snapshot) {}

// OnFatalError records err
func (m *Monitor) OnFatalError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fatal = err
	m.at = time.Now()
}

// Fatal returns when the loop stopped and the error that stopped it, if any
func (m *Monitor) Fatal() (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.at, m.fatal
}

type stateReply struct {
	Instrument string     `json:"instrument"`
	State      string     `json:"state"`
	Cycle      uint64     `json:"cycle"`
	Updated    *time.Time `json:"updated,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorTime  *time.Time `json:"errorTime,omitempty"`
}

// GetState returns an HTTP handler func that reports the loop's state, the
// time of the last snapshot, and the fatal error if the loop stopped for one
func GetState(l Loop, m *Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := stateReply{Instrument: l.Name(), State: l.State().String()}
		if s, ok := l.Last(); ok {
			t := s.Time()
			rep.Cycle = s.Cycle()
			rep.Updated = &t
		}
		if m != nil {
			if at, err := m.Fatal(); err != nil {
				rep.Error = err.Error()
				rep.ErrorTime = &at
			}
		}
		server.EncodeAndRespond(w, rep)
	}
}

// GetSnapshot returns an HTTP handler func that replies with the latest
// snapshot, or 503 if none has been published
func GetSnapshot(l Loop) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := l.Last()
		if !ok {
			http.Error(w, "no snapshot has been published", http.StatusServiceUnavailable)
			return
		}
		server.EncodeAndRespond(w, s)
	}
}

// GetChannel returns an HTTP handler func that replies with one channel of
// the latest snapshot as {"f64": value}.  If isTemp reports the channel is a
// temperature, the unit query parameter (K, C or F) converts it from kelvin.
func GetChannel(l Loop, isTemp func(string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "channel")
		unit := temperature.K
		if q := r.URL.Query().Get("unit"); q != "" {
			u, err := temperature.ParseUnit(q)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if isTemp == nil || !isTemp(name) {
				http.Error(w, "channel "+name+" is not a temperature", http.StatusBadRequest)
				return
			}
			unit = u
		}
		s, ok := l.Last()
		if !ok {
			http.Error(w, "no snapshot has been published", http.StatusServiceUnavailable)
			return
		}
		f, ok := s.Field(name)
		if !ok {
			http.Error(w, "unknown channel "+name, http.StatusNotFound)
			return
		}
		if !f.Valid {
			http.Error(w, f.Err, http.StatusServiceUnavailable)
			return
		}
		hp := server.HumanPayload{T: types.Float64, Float: temperature.Convert(f.Value, temperature.K, unit)}
		hp.EncodeAndRespond(w, r)
	}
}

// SetParameter returns an HTTP handler func that queues a set request from a
// JSON body of {"f64": value}.  It replies 202 once the request is queued;
// the value is applied at the start of the next cycle.
func SetParameter(l Loop) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "param")
		f := server.FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = l.RequestSet(name, f.F64)
		switch {
		case errors.Is(err, poller.ErrUnknownParameter):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case errors.Is(err, poller.ErrStopped):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// Stop returns an HTTP handler func that stops the loop
func Stop(l Loop) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l.Stop()
		w.WriteHeader(http.StatusOK)
	}
}

// HTTPLoop binds a poll loop to a route table
type HTTPLoop struct {
	Loop Loop

	RouteTable generichttp.RouteTable
}

// NewHTTPLoop returns an HTTPLoop with routes
//
//	GET  /state
//	GET  /snapshot
//	GET  /channels
//	GET  /parameters
//	GET  /read/{channel}[?unit=C]
//	POST /set/{param}
//	POST /stop
func NewHTTPLoop(l Loop, m *Monitor, isTemp func(string) bool) HTTPLoop {
	rt := generichttp.RouteTable{}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/state"}] = GetState(l, m)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/snapshot"}] = GetSnapshot(l)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/read/{channel}"}] = GetChannel(l, isTemp)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/set/{param}"}] = SetParameter(l)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}] = Stop(l)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/channels"}] = func(w http.ResponseWriter, r *http.Request) {
		server.EncodeAndRespond(w, l.Channels())
	}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/parameters"}] = func(w http.ResponseWriter, r *http.Request) {
		server.EncodeAndRespond(w, l.Parameters())
	}
	return HTTPLoop{Loop: l, RouteTable: rt}
}

// RT satisfies generichttp.HTTPer
func (h HTTPLoop) RT() generichttp.RouteTable {
	return h.RouteTable
}
