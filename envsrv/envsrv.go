/*Package envsrv contains the machinery for an environmental recording server.

A Recorder is a poller.Consumer that keeps the last N snapshots of a poll loop
in a ring buffer and returns them over HTTP as columns, one array per channel
alongside an array of timestamps.
*/
package envsrv

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cryolab/cryoctl/generichttp"
	"github.com/cryolab/cryoctl/poller"
	"github.com/cryolab/cryoctl/server"
)

// DefaultCapacity is used when New is given a capacity below one
const DefaultCapacity = 3600

// Recorder stores a ring buffer of snapshots
type Recorder struct {
	mu   sync.RWMutex
	buf  []poller.Snapshot
	head int // index of the oldest entry
	n    int
}

// New creates a new Recorder that holds up to capacity snapshots
func New(capacity int) *Recorder {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Recorder{buf: make([]poller.Snapshot, capacity)}
}

// OnSnapshot appends s, overwriting the oldest snapshot if full
func (r *Recorder) OnSnapshot(s poller.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
}

// OnFatalError does nothing; the history up to the failure is kept
func (r *Recorder) OnFatalError(error) {}

// Len is the number of snapshots held
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Contiguous returns the last n snapshots, oldest first.  n < 1 returns all.
func (r *Recorder) Contiguous(n int) []poller.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n < 1 || n > r.n {
		n = r.n
	}
	out := make([]poller.Snapshot, n)
	start := r.head + r.n - n
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Series is a column-oriented history.  Values are null where a channel was
// invalid or absent.
type Series struct {
	Time     []time.Time           `json:"timestamp"`
	Channels map[string][]*float64 `json:"channels"`
}

// Series returns the last n snapshots as columns
func (r *Recorder) Series(n int) Series {
	snaps := r.Contiguous(n)
	s := Series{
		Time:     make([]time.Time, len(snaps)),
		Channels: make(map[string][]*float64)}
	for i, snap := range snaps {
		s.Time[i] = snap.Time()
		for _, f := range snap.Fields() {
			col, ok := s.Channels[f.Name]
			if !ok {
				col = make([]*float64, len(snaps))
				s.Channels[f.Name] = col
			}
			if f.Valid {
				v := f.Value
				col[i] = &v
			}
		}
	}
	return s
}

// HTTPYield returns the history over HTTP.  The optional query parameter n
// limits the reply to the most recent n snapshots.
func (r *Recorder) HTTPYield(w http.ResponseWriter, req *http.Request) {
	n := 0
	if q := req.URL.Query().Get("n"); q != "" {
		var err error
		n, err = strconv.Atoi(q)
		if err != nil || n < 0 {
			http.Error(w, "n must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}
	server.EncodeAndRespond(w, r.Series(n))
}

// Inject adds GET /history to the route table of an HTTPer
func (r *Recorder) Inject(h generichttp.HTTPer) {
	h.RT()[generichttp.MethodPath{Method: http.MethodGet, Path: "/history"}] = r.HTTPYield
}
