package lakeshore

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/cryolab/cryoctl/comm"
)

// Mock is an in-memory Model 350.  It answers the commands in Catalog,
// remembers what it is told, and slowly pulls input A toward the output 1
// setpoint while the heater is on.
type Mock struct {
	*comm.MockTransport

	mu     sync.Mutex
	kelvin map[string]float64
	setp   map[int]float64
	pid    map[int][3]float64
	rng    map[int]int
	mout   map[int]float64
	ramp   map[int][2]float64
	intype map[string]string
	muted  map[string]bool
}

// NewMock returns a Mock at room temperature with the heaters off
func NewMock() *Mock {
	m := &Mock{
		kelvin: map[string]float64{"A": 295, "B": 295, "C": 295, "D": 295},
		setp:   map[int]float64{},
		pid:    map[int][3]float64{},
		rng:    map[int]int{},
		mout:   map[int]float64{},
		ramp:   map[int][2]float64{},
		intype: map[string]string{},
		muted:  map[string]bool{},
	}
	for out := 1; out <= 4; out++ {
		m.pid[out] = [3]float64{50, 20, 0}
	}
	m.MockTransport = comm.NewMockTransport(terminators, m.handle)
	return m
}

// SetKelvin sets the temperature reported for an input
func (m *Mock) SetKelvin(in string, k float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kelvin[in] = k
}

// Mute makes the mock ignore a command (exact text), as if the instrument
// never replied
func (m *Mock) Mute(cmd string, muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted[cmd] = muted
}

func (m *Mock) heater(out int) float64 {
	if m.rng[out] == 0 {
		return 0
	}
	in := "A"
	if out == 2 {
		in = "B"
	}
	h := math.Abs(m.setp[out]-m.kelvin[in]) * 10
	return math.Min(h, 100)
}

func (m *Mock) handle(cmd string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.muted[cmd] {
		return "", false
	}
	mnemonic, rest := cmd, ""
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		mnemonic, rest = cmd[:i], cmd[i+1:]
	}
	args := strings.Split(rest, ",")
	out, _ := strconv.Atoi(args[0])
	f := func(i int) float64 {
		if i >= len(args) {
			return 0
		}
		v, _ := strconv.ParseFloat(args[i], 64)
		return v
	}

	switch mnemonic {
	case "*IDN?":
		return "LSCI,MODEL350,MOCK0001/#######,1.5", true
	case "*CLS":
		return "", false
	case "*RST":
		for k := range m.rng {
			m.rng[k] = 0
		}
		return "", false
	case "KRDG?":
		k, ok := m.kelvin[rest]
		if !ok {
			return "", false
		}
		if rest == "A" && m.rng[1] > 0 {
			k += 0.2 * (m.setp[1] - k)
			m.kelvin[rest] = k
		}
		return fmt.Sprintf("%+.6f", k), true
	case "CRDG?":
		k, ok := m.kelvin[rest]
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%+.6f", k-273.15), true
	case "SRDG?":
		k, ok := m.kelvin[rest]
		if !ok {
			return "", false
		}
		// a rough NTC curve
		return fmt.Sprintf("%+.4f", 1000*math.Exp(-k/100)), true
	case "HTR?":
		return fmt.Sprintf("%+.1f", m.heater(out)), true
	case "HTRST?":
		return "0", true
	case "SETP?":
		return fmt.Sprintf("%+.3f", m.setp[out]), true
	case "SETP":
		m.setp[out] = f(1)
	case "PID?":
		p := m.pid[out]
		return fmt.Sprintf("%+.1f,%+.1f,%+.1f", p[0], p[1], p[2]), true
	case "PID":
		m.pid[out] = [3]float64{f(1), f(2), f(3)}
	case "RANGE?":
		return strconv.Itoa(m.rng[out]), true
	case "RANGE":
		m.rng[out] = int(f(1))
	case "MOUT?":
		return fmt.Sprintf("%+.2f", m.mout[out]), true
	case "MOUT":
		m.mout[out] = f(1)
	case "RAMP?":
		r := m.ramp[out]
		return fmt.Sprintf("%d,%+.1f", int(r[0]), r[1]), true
	case "RAMP":
		m.ramp[out] = [2]float64{f(1), f(2)}
	case "INTYPE?":
		if t, ok := m.intype[rest]; ok {
			return t, true
		}
		return "0,0,0,0,1,0", true
	case "INTYPE":
		if len(args) == 7 {
			m.intype[args[0]] = strings.Join(args[1:], ",")
		}
	}
	return "", false
}
