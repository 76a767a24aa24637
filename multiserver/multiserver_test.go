package multiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYaml(t *testing.T) {
	const doc = `Addr: ":9000"
HistoryLength: 10
Instruments:
  - Type: itc503
    Addr: /dev/ttyUSB0
    Serial: true
    Endpoint: dewar/itc
    PollInterval: 2s
    QueryDelay: 150ms
`
	path := filepath.Join(t.TempDir(), "cryoserver.yml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadYaml(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Addr != ":9000" || c.HistoryLength != 10 || len(c.Instruments) != 1 {
		t.Fatalf("unexpected config %+v", c)
	}
	o := c.Instruments[0]
	if o.Type != "itc503" || !o.Serial || o.PollInterval != 2*time.Second || o.QueryDelay != 150*time.Millisecond {
		t.Errorf("unexpected instrument %+v", o)
	}
}

func TestBuildRejectsUnknownType(t *testing.T) {
	c := Config{Instruments: []ObjSetup{{Type: "toaster", Mock: true}}}
	if _, err := Build(context.Background(), c); err == nil {
		t.Error("expected unknown type to be rejected")
	}
}

func TestBuildAndServeMocks(t *testing.T) {
	c := Config{
		HistoryLength: 5,
		Instruments: []ObjSetup{
			{Type: "lakeshore350", Endpoint: "/dewar/lakeshore", Inputs: []string{"A"}, Outputs: []int{1},
				PollInterval: 5 * time.Millisecond, QueryDelay: time.Microsecond, MaxRate: 1000, Mock: true, Initialize: true},
			{Type: "itc503", Endpoint: "itc", PollInterval: 5 * time.Millisecond, QueryDelay: time.Microsecond, Mock: true, Initialize: true},
		}}
	s, err := Build(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	deadline := time.Now().Add(5 * time.Second)
	for _, inst := range s.Instruments {
		for inst.History.Len() == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("%s never published", inst.Setup.Name)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	for _, path := range []string{"/dewar/lakeshore/snapshot", "/itc/snapshot", "/itc/history", "/itc/identity", "/itc/interval", "/endpoints", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/endpoints")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	graph := map[string][]string{}
	if err := json.NewDecoder(resp.Body).Decode(&graph); err != nil {
		t.Fatal(err)
	}
	if len(graph["/dewar/lakeshore"]) == 0 || len(graph["/itc"]) == 0 {
		t.Errorf("unexpected endpoint graph %v", graph)
	}
}

func TestIdentityRoute(t *testing.T) {
	c := Config{Instruments: []ObjSetup{{Type: "itc503", Endpoint: "itc", PollInterval: 250 * time.Millisecond, Mock: true}}}
	s, err := Build(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	srv := httptest.NewServer(s.Router)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/itc/identity")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Str string `json:"str"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Str != "ITC503 Version 1.1 (c) OXFORD 1997" {
		t.Errorf("unexpected identity %q", body.Str)
	}
	resp2, err := http.Get(srv.URL + "/itc/interval")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var iv struct {
		F64 float64 `json:"f64"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&iv); err != nil {
		t.Fatal(err)
	}
	if iv.F64 != 0.25 {
		t.Errorf("expected interval 0.25 s, got %g", iv.F64)
	}
}
