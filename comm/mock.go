package comm

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"
)

// Handler answers one command line received by a MockTransport.  If ok is
// false nothing is sent back, which the Channel sees as a timeout.
type Handler func(cmd string) (reply string, ok bool)

// MockTransport is an in-memory instrument.  It satisfies io.ReadWriteCloser
// and records every complete command it receives and every complete reply
// that is read from it, in order.
type MockTransport struct {
	// Delay is slept after each command is received, before the reply is
	// made available
	Delay time.Duration

	mu      sync.Mutex
	handle  Handler
	term    string
	in      bytes.Buffer
	replies []string // with terminators
	off     int      // into replies[0]
	events  []string
	closed  bool
	opens   int
	broken  error
}

// NewMockTransport returns a MockTransport which splits commands on the final
// byte of term and answers them with h
func NewMockTransport(term string, h Handler) *MockTransport {
	if term == "" {
		term = DefaultTerminator
	}
	return &MockTransport{handle: h, term: term}
}

// Maker returns a CreationFunc that (re)opens the mock
func (m *MockTransport) Maker() CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.closed = false
		m.opens++
		m.replies = nil
		m.off = 0
		return m, nil
	}
}

// Write receives command bytes
func (m *MockTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	if m.broken != nil {
		return 0, m.broken
	}
	m.in.Write(p)
	end := m.term[len(m.term)-1]
	for {
		line, err := m.in.ReadString(end)
		if err != nil {
			// incomplete, put it back
			m.in.WriteString(line)
			break
		}
		line = strings.TrimRight(line, " \t\r\n")
		m.events = append(m.events, "W:"+line)
		if m.Delay > 0 {
			time.Sleep(m.Delay)
		}
		if reply, ok := m.handle(line); ok {
			m.replies = append(m.replies, reply+m.term)
		}
	}
	return len(p), nil
}

// Read returns reply bytes.  With nothing to send it returns io.EOF, the same
// way a serial port reports an expired read timeout.
func (m *MockTransport) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	if m.broken != nil {
		return 0, m.broken
	}
	if len(m.replies) == 0 {
		return 0, io.EOF
	}
	head := m.replies[0]
	n := copy(p, head[m.off:])
	m.off += n
	if m.off == len(head) {
		m.events = append(m.events, "R:"+strings.TrimRight(head, " \t\r\n"))
		m.replies = m.replies[1:]
		m.off = 0
	}
	return n, nil
}

// Close closes the mock.  It may be reopened with Maker.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Inject queues reply as if the instrument had sent it unprompted, e.g. the
// late answer to a command that already timed out
func (m *MockTransport) Inject(reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, reply+m.term)
}

// Break makes every later Write and Read fail with err, across reopens, the
// way a dead link does.  A nil err heals it.
func (m *MockTransport) Break(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken = err
}

// Events returns the ordered log of commands ("W:...") and replies ("R:...")
func (m *MockTransport) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	copy(out, m.events)
	return out
}

// Commands returns only the commands received, in order
func (m *MockTransport) Commands() []string {
	var out []string
	for _, e := range m.Events() {
		if strings.HasPrefix(e, "W:") {
			out = append(out, e[2:])
		}
	}
	return out
}

// Opens returns the number of times the mock has been opened by its Maker
func (m *MockTransport) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}
