package oxford

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/cryolab/cryoctl/comm"
)

// Mock is an in-memory ITC 503.  It starts in local, locked mode and rejects
// set commands until put in remote mode, like the real controller.
type Mock struct {
	*comm.MockTransport

	mu      sync.Mutex
	regs    [11]float64
	control int
	auto    int
	sensor  int
	ptr     [2]int // sweep table step, parameter
	sweeps  map[[2]int]float64
	step    int // running sweep step, 0 when idle
}

// NewMock returns a Mock at 4.2 K
func NewMock() *Mock {
	m := &Mock{sensor: 1, sweeps: map[[2]int]float64{}}
	m.regs[SetTemperature] = 4.2
	m.regs[Sensor1Temperature] = 4.2
	m.regs[Sensor2Temperature] = 4.3
	m.regs[Sensor3Temperature] = 4.25
	m.regs[ProportionalBand] = 5
	m.regs[IntegralActionTime] = 1
	m.MockTransport = comm.NewMockTransport(terminator, m.handle)
	return m
}

// Register returns the current value of a register
func (m *Mock) Register(r Register) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[r]
}

// SweepTable returns a value of the sweep table
func (m *Mock) SweepTable(step, param int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeps[[2]int{step, param}]
}

// RunningStep returns the step the sweep program is running, 0 if stopped
func (m *Mock) RunningStep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step
}

func (m *Mock) remote() bool {
	return m.control == 1 || m.control == 3
}

func (m *Mock) handle(cmd string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cmd == "" {
		return "?", true
	}
	letter, arg := cmd[0], cmd[1:]
	switch letter {
	case 'V':
		return "ITC503 Version 1.1 (c) OXFORD 1997", true
	case 'X':
		return fmt.Sprintf("X0A%dC%dS00H%dL0", m.auto, m.control, m.sensor), true
	case 'Q':
		return "", false
	case 'R':
		i, err := strconv.Atoi(arg)
		if err != nil || i < 0 || i >= len(m.regs) {
			return "?" + cmd, true
		}
		if Register(i) == Sensor1Temperature {
			m.regs[i] += 0.3 * (m.regs[SetTemperature] - m.regs[i])
			m.regs[TemperatureError] = m.regs[SetTemperature] - m.regs[i]
		}
		return fmt.Sprintf("R%+.4f", m.regs[i]), true
	case 'C':
		c, err := strconv.Atoi(arg)
		if err != nil || c < 0 || c > 3 {
			return "?" + cmd, true
		}
		m.control = c
		return "C", true
	}

	if !m.remote() {
		return "?" + cmd, true
	}
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return "?" + cmd, true
	}
	switch letter {
	case 'T':
		m.regs[SetTemperature] = v
	case 'P':
		m.regs[ProportionalBand] = v
	case 'I':
		m.regs[IntegralActionTime] = v
	case 'D':
		m.regs[DerivativeActionTime] = v
	case 'H':
		m.sensor = int(v)
	case 'O':
		m.regs[HeaterPercent] = v / 10
		m.regs[HeaterVolts] = v / 10 * 0.4
	case 'G':
		m.regs[GasFlow] = v / 10
	case 'A':
		m.auto = int(v)
	case 'x':
		m.ptr[0] = int(v)
	case 'y':
		m.ptr[1] = int(v)
	case 's':
		if m.ptr[0] < 1 || m.ptr[1] < 1 {
			return "?" + cmd, true
		}
		m.sweeps[m.ptr] = v
	case 'S':
		m.step = int(v)
	default:
		return "?" + cmd, true
	}
	return string(letter), true
}
