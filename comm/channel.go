package comm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is used when Config.Timeout is zero
	DefaultTimeout = 3 * time.Second

	// DefaultTerminator is used when Config.Terminator is empty
	DefaultTerminator = "\r\n"

	// DefaultReconnectAfter is the ReconnectAfter the drivers ship with
	DefaultReconnectAfter = 3

	// MaxReconnects bounds the reconnections made without a successful
	// exchange in between.  The next failure closes the channel for good.
	MaxReconnects = 3

	// SerialReadTimeout is the per-read timeout drivers give serial ports.
	// Empty reads are retried until Config.Timeout, so this only sets how
	// often the deadline is checked.
	SerialReadTimeout = 100 * time.Millisecond

	// pollInterval is slept between empty reads on transports without
	// deadlines
	pollInterval = 5 * time.Millisecond

	// drainWindow is how long a transport with deadlines is listened to for
	// late bytes before the next command
	drainWindow = 50 * time.Millisecond
)

// Config holds the parameters of a Channel
type Config struct {
	// Name identifies the instrument in logs and metrics
	Name string

	// Addr is the network or filesystem address of the remote device,
	// e.g. 192.168.100.123:2006 for a device connected to port 6
	// on a digi portserver, or /dev/ttyS4 for an RS232 device
	Addr string

	// Timeout bounds the wait for a reply terminator
	Timeout time.Duration

	// Terminator is appended to every command.  Replies are read up to
	// its final byte and trailing whitespace is stripped.
	Terminator string

	// MaxRate is the maximum number of commands per second the instrument
	// accepts.  Zero means unlimited.
	MaxRate float64

	// ReconnectAfter is the number of consecutive timeouts after which the
	// transport is closed and re-opened.  A write or read that fails outright
	// re-opens the transport at once.  Zero or less disables reconnection,
	// and any failure of the link itself then closes the channel.
	ReconnectAfter int

	// Identify is issued by Connect.  A zero Command skips identification.
	Identify Command

	// ParseIdentity, if not nil, converts the raw reply to Identify.  An
	// error leaves the identity empty but does not fail Connect.
	ParseIdentity func(string) (string, error)
}

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Channel serializes all traffic to one instrument over a single transport.
// It is concurrent safe; concurrent calls to Execute are totally ordered and
// a write from one never interleaves with the read of another.
// Channels must be created with NewChannel.
type Channel struct {
	cfg     Config
	maker   CreationFunc
	limiter *rate.Limiter

	mu         sync.Mutex
	conn       io.ReadWriteCloser // nil when closed
	rd         *bufio.Reader
	identity   string
	dirty      bool // a reply may still be in flight
	failures   int  // consecutive
	reconnects int  // since the last good exchange
}

// NewChannel creates a new Channel.  The transport is not opened until
// Connect is called.
func NewChannel(cfg Config, maker CreationFunc) *Channel {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Terminator == "" {
		cfg.Terminator = DefaultTerminator
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Addr
	}
	c := &Channel{cfg: cfg, maker: maker}
	if cfg.MaxRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRate), 1)
	}
	return c
}

// Name returns the name of the instrument behind the channel
func (c *Channel) Name() string {
	return c.cfg.Name
}

// Addr returns the address of the instrument behind the channel
func (c *Channel) Addr() string {
	return c.cfg.Addr
}

// Identity returns the identity captured by the last Connect
func (c *Channel) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Connected returns true if the transport is open
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens the transport and identifies the instrument.  Calling Connect
// on an open channel is a no-op that returns the current identity.
func (c *Channel) Connect() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.identity, nil
	}
	conn, err := c.maker()
	if err != nil {
		return "", &ConnectionError{Addr: c.cfg.Addr, Err: err}
	}
	c.setConn(conn)
	c.identity = ""
	if c.cfg.Identify.Payload == "" {
		return "", nil
	}

	resp, err := c.exchange(c.cfg.Identify)
	if err != nil {
		log.Printf("%s: identification failed, continuing: %v\n", c.cfg.Name, err)
		c.dirty = true
		return "", nil
	}
	id := resp.Text
	if c.cfg.ParseIdentity != nil {
		id, err = c.cfg.ParseIdentity(resp.Text)
		if err != nil {
			log.Printf("%s: unable to parse identity, continuing: %v\n", c.cfg.Name, err)
			id = ""
		}
	}
	c.identity = id
	log.Printf("%s: connected to %s, identity %q\n", c.cfg.Name, c.cfg.Addr, id)
	return id, nil
}

// Disconnect closes the transport.  It is idempotent.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.rd = nil
	return err
}

// Execute writes cmd to the instrument and, if a reply is expected, reads it.
// Exclusive access to the transport is held for the full exchange.
func (c *Channel) Execute(cmd Command) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return Response{}, ErrTransportClosed
	}
	if c.limiter != nil {
		c.limiter.Wait(context.Background())
	}
	start := time.Now()
	resp, err := c.exchange(cmd)
	observe(c.cfg.Name, start, err)
	switch {
	case err == nil:
		c.failures = 0
		c.reconnects = 0
	case errors.Is(err, ErrTransportTimeout):
		c.dirty = true
		c.failures++
		if c.cfg.ReconnectAfter > 0 && c.failures >= c.cfg.ReconnectAfter {
			if rerr := c.reconnect(err); rerr != nil {
				return resp, rerr
			}
		}
	default:
		// the link itself failed
		if rerr := c.reconnect(err); rerr != nil {
			return resp, rerr
		}
	}
	return resp, err
}

// exchange must be called with mu held
func (c *Channel) exchange(cmd Command) (Response, error) {
	if c.dirty {
		c.drain()
	}
	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := c.conn.(deadliner); ok {
		d.SetWriteDeadline(deadline)
		d.SetReadDeadline(deadline)
	}
	_, err := io.WriteString(c.conn, cmd.Payload+c.cfg.Terminator)
	if err != nil {
		if isTimeout(err) {
			return Response{}, ErrTransportTimeout
		}
		return Response{}, fmt.Errorf("comm: write %q: %w", cmd.Payload, err)
	}
	if !cmd.ExpectReply {
		return Response{NoData: true}, nil
	}
	txt, err := c.readLine(deadline)
	if err != nil {
		return Response{}, err
	}
	return Response{Text: txt}, nil
}

func (c *Channel) readLine(deadline time.Time) (string, error) {
	_, timed := c.conn.(deadliner)
	term := c.cfg.Terminator[len(c.cfg.Terminator)-1]
	var buf strings.Builder
	for {
		b, err := c.rd.ReadByte()
		if err != nil {
			switch {
			case isTimeout(err):
				return "", ErrTransportTimeout
			case !timed && emptyRead(err):
				left := time.Until(deadline)
				if left <= 0 {
					return "", ErrTransportTimeout
				}
				if left > pollInterval {
					left = pollInterval
				}
				time.Sleep(left)
				continue
			}
			return "", fmt.Errorf("comm: read: %w", err)
		}
		if b == term {
			return strings.TrimRight(buf.String(), " \t\r\n"), nil
		}
		buf.WriteByte(b)
		if time.Now().After(deadline) {
			return "", ErrTransportTimeout
		}
	}
}

// drain discards whatever the instrument sent after the last exchange gave
// up on it, so a late reply is never read as the answer to the next command.
// drain must be called with mu held.
func (c *Channel) drain() {
	c.dirty = false
	n := c.rd.Buffered()
	c.rd.Reset(c.conn)
	d, timed := c.conn.(deadliner)
	buf := make([]byte, 256)
	stop := time.Now().Add(c.cfg.Timeout)
	for time.Now().Before(stop) {
		if timed {
			d.SetReadDeadline(time.Now().Add(drainWindow))
		}
		k, err := c.conn.Read(buf)
		n += k
		if err != nil || k == 0 {
			break
		}
	}
	if n > 0 {
		log.Printf("%s: discarded %d late bytes\n", c.cfg.Name, n)
	}
}

// reconnect must be called with mu held.  On failure, or once MaxReconnects
// is used up, the channel is torn down and a *ConnectionError returned.
func (c *Channel) reconnect(cause error) error {
	errs := c.conn.Close()
	c.conn = nil
	c.rd = nil
	if c.cfg.ReconnectAfter <= 0 || c.reconnects >= MaxReconnects {
		errs = multierr.Append(cause, errs)
		log.Printf("%s: link to %s lost, channel closed: %v\n", c.cfg.Name, c.cfg.Addr, errs)
		return &ConnectionError{Addr: c.cfg.Addr, Err: errs}
	}
	c.reconnects++
	log.Printf("%s: %v, reconnecting to %s (attempt %d)\n", c.cfg.Name, cause, c.cfg.Addr, c.reconnects)
	var conn io.ReadWriteCloser
	op := func() error {
		var err error
		conn, err = c.maker()
		return err
	}
	b := backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * c.cfg.Timeout,
		Clock:               backoff.SystemClock}, 3)
	if err := backoff.Retry(op, b); err != nil {
		errs = multierr.Combine(cause, errs, err)
		log.Printf("%s: reconnect failed, channel closed: %v\n", c.cfg.Name, errs)
		return &ConnectionError{Addr: c.cfg.Addr, Err: errs}
	}
	c.setConn(conn)
	c.failures = 0
	return nil
}

func (c *Channel) setConn(conn io.ReadWriteCloser) {
	c.conn = conn
	c.rd = bufio.NewReader(conn)
	c.dirty = false
}

// isTimeout reports whether err is a deadline expiring
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// emptyRead reports whether err is how a transport without deadlines says
// nothing has arrived yet.  Serial ports report an expired read timeout as EOF.
func emptyRead(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrNoProgress)
}
